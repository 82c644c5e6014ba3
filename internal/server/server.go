// Package server is the HTTP facade over the poll arbiter: the data API,
// the command endpoint, Prometheus metrics and optional static files.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"meter-gateway/internal/config"
	"meter-gateway/internal/poller"
)

// Server wires the HTTP surface together. Reload and Shutdown are provided
// by the caller so the facade stays free of config-file and lifecycle
// knowledge.
type Server struct {
	cfg     config.Config
	arbiter *poller.Arbiter
	log     *zap.SugaredLogger

	metricsHandler http.Handler
	reload         func() error
	shutdown       func()
	started        time.Time
}

type Options struct {
	Config  config.Config
	Arbiter *poller.Arbiter
	Log     *zap.SugaredLogger

	// Metrics serves GET /metrics; nil disables the endpoint.
	Metrics http.Handler
	// Reload re-reads the meter definitions for /command?reload.
	Reload func() error
	// Shutdown triggers graceful termination for the shutdown token.
	Shutdown func()
}

func New(opts Options) *Server {
	return &Server{
		cfg:            opts.Config,
		arbiter:        opts.Arbiter,
		log:            opts.Log,
		metricsHandler: opts.Metrics,
		reload:         opts.Reload,
		shutdown:       opts.Shutdown,
		started:        time.Now().UTC(),
	}
}

// Router builds the chi router for the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.StripSlashes)
	r.Use(logMiddleware(s.log))

	r.Get("/getdata", s.handleGetData)
	r.Options("/getdata", s.handlePreflight)
	r.Get("/command", s.handleCommand)
	if s.metricsHandler != nil {
		r.Get("/metrics", s.metricsHandler.ServeHTTP)
	}

	if s.cfg.Server.StaticFiles {
		r.NotFound(staticHandler(s.cfg.Server.StaticRoot))
	}
	return r
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Infow("server running", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// meterResponse is the per-ID payload of /getdata. Nil pointers marshal to
// null, which is how "no value yet" is reported.
type meterResponse struct {
	Name           string     `json:"Name"`
	Value          *float64   `json:"Value"`
	Timestamp      *time.Time `json:"Timestamp"`
	ChangeTime     *time.Time `json:"ChangeTime"`
	PrevValue      *float64   `json:"PrevValue"`
	PrevChangeTime *time.Time `json:"PrevChangeTime"`
	Units          string     `json:"Units"`
	Status         string     `json:"Status"`
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	resp := make(map[string]meterResponse, len(ids))
	for _, id := range ids {
		key := strings.ToLower(id)
		reading, err := s.arbiter.Fetch(key, now)
		if err != nil {
			// one bad ID never fails the batch
			if !errors.Is(err, poller.ErrNotFound) {
				s.log.Errorw("fetch failed", "meter", key, "error", err)
			}
			resp[key] = meterResponse{Status: err.Error()}
			continue
		}
		resp[key] = toResponse(reading)
	}

	corsHeaders(w)
	writeJSON(w, s.log, http.StatusOK, resp)
}

func toResponse(rd poller.Reading) meterResponse {
	out := meterResponse{
		Name:           rd.Name,
		Value:          rd.Value,
		ChangeTime:     rd.ChangeTime,
		PrevValue:      rd.PrevValue,
		PrevChangeTime: rd.PrevChangeTime,
		Units:          rd.Units,
		Status:         rd.Status,
	}
	if !rd.Timestamp.IsZero() {
		t := rd.Timestamp
		out.Timestamp = &t
	}
	return out
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	corsHeaders(w)
	w.WriteHeader(http.StatusOK)
}

func corsHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Add("Access-Control-Allow-Headers", "X-Requested-With")
	h.Add("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	switch cmd := r.URL.RawQuery; cmd {
	case "reload":
		s.handleReload(w)
	case "listmeters":
		s.handleListMeters(w)
	case "status":
		s.handleStatus(w)
	case s.cfg.ShutdownToken:
		s.handleShutdown(w)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleReload(w http.ResponseWriter) {
	s.log.Infow("reloading meter list")
	if err := s.reload(); err != nil {
		// the running definitions stay in effect
		s.log.Errorw("reload failed", "error", err)
		http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Reloading meter list... Done")
}

type meterInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleListMeters(w http.ResponseWriter) {
	defs := s.arbiter.Registry().All()
	out := make([]meterInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, meterInfo{ID: d.ID, Name: d.Name})
	}
	writeJSON(w, s.log, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	writeJSON(w, s.log, http.StatusOK, map[string]any{
		"pid":       os.Getpid(),
		"starttime": s.started.Format(time.RFC3339),
		"utcnow":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter) {
	s.log.Infow("shutdown requested")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Shutting down...")
	s.shutdown()
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorw("encode response", "error", err)
	}
}
