package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"meter-gateway/internal/config"
	"meter-gateway/internal/meter"
	"meter-gateway/internal/metrics"
	"meter-gateway/internal/poller"
	"meter-gateway/internal/recorder"
	"meter-gateway/internal/server"
	"meter-gateway/internal/transport"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	defs, err := meter.LoadCSV(cfg.Meters.Path)
	if err != nil {
		return fmt.Errorf("load meter list: %w", err)
	}
	registry := meter.NewRegistry(defs)
	sugar.Infow("meter list loaded", "path", cfg.Meters.Path, "meters", registry.Len())

	m := metrics.New()
	opts := []poller.Option{poller.WithObserver(m)}

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.New(recorder.Options{
			Dir:       cfg.Recorder.Dir,
			FileType:  cfg.Recorder.FileType,
			QueueSize: cfg.Recorder.QueueSize,
		}, sugar)
		if err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer rec.Close()
		opts = append(opts, poller.WithChangeHandler(func(ev poller.ChangeEvent) {
			if err := rec.Handle(ev); err != nil {
				sugar.Warnw("record change", "meter", ev.MeterID, "error", err)
			}
		}))
	}

	arbiter := poller.NewArbiter(
		registry,
		&transport.Modbus{Timeout: cfg.Poll.ReadTimeout()},
		cfg.Poll.MinInterval(),
		sugar,
		opts...,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.NewScheduler(arbiter, cfg.Poll.AutoPoll(), sugar).Run(ctx)
	}()

	srv := server.New(server.Options{
		Config:  cfg,
		Arbiter: arbiter,
		Log:     sugar,
		Metrics: m.Handler(),
		Reload: func() error {
			defs, err := meter.LoadCSV(cfg.Meters.Path)
			if err != nil {
				return err
			}
			arbiter.Reload(defs)
			sugar.Infow("meter list reloaded", "meters", len(defs))
			return nil
		},
		Shutdown: cancel,
	})

	err = srv.Run(ctx)
	cancel()
	wg.Wait()
	sugar.Infow("server stopped")
	return err
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" || cfg.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
