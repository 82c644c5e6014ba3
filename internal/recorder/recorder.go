// Package recorder appends meter change events to JSONL/CSV files and a
// SQLite table. It is a write-only audit trail: nothing is read back at
// startup, cache state still lives only in memory.
package recorder

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meter-gateway/internal/poller"
)

// Options selects the outputs. FileType is one of jsonl, csv, db or a
// +-joined combination; empty enables everything.
type Options struct {
	Dir       string
	FileType  string
	QueueSize int
}

// Recorder consumes change events off a bounded queue on a single
// background writer. Handle never blocks a fetch: a full queue drops the
// event.
type Recorder struct {
	q      chan poller.ChangeEvent
	closed chan struct{}
	log    *zap.SugaredLogger

	db *changeDB

	jsonFile   *os.File
	jsonWriter *bufio.Writer

	csvFile   *os.File
	csvWriter *csv.Writer

	wg sync.WaitGroup
}

// New opens the requested outputs under opts.Dir and starts the writer.
func New(opts Options, log *zap.SugaredLogger) (*Recorder, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	enableJSON, enableCSV, enableDB, err := parseFileType(opts.FileType)
	if err != nil {
		return nil, err
	}

	queue := opts.QueueSize
	if queue <= 0 {
		queue = 1000
	}
	r := &Recorder{
		q:      make(chan poller.ChangeEvent, queue),
		closed: make(chan struct{}),
		log:    log,
	}

	if enableDB {
		db, err := openChangeDB(filepath.Join(dir, "changes.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("open change db: %w", err)
		}
		r.db = db
	}

	if enableJSON {
		f, err := os.OpenFile(filepath.Join(dir, "changes.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.closeOutputs()
			return nil, fmt.Errorf("open jsonl output: %w", err)
		}
		r.jsonFile = f
		r.jsonWriter = bufio.NewWriterSize(f, 64*1024)
	}

	if enableCSV {
		f, err := os.OpenFile(filepath.Join(dir, "changes.csv"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.closeOutputs()
			return nil, fmt.Errorf("open csv output: %w", err)
		}
		r.csvFile = f
		r.csvWriter = csv.NewWriter(f)
		if off, _ := f.Seek(0, io.SeekEnd); off == 0 {
			if err := r.csvWriter.Write([]string{"changed_at", "meter_id", "name", "value", "prev_value", "units"}); err != nil {
				r.closeOutputs()
				return nil, fmt.Errorf("write csv header: %w", err)
			}
			r.csvWriter.Flush()
		}
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

func parseFileType(ft string) (jsonl, csv, db bool, err error) {
	ft = strings.ToLower(strings.TrimSpace(ft))
	if ft == "" || ft == "all" {
		return true, true, true, nil
	}
	for _, part := range strings.Split(ft, "+") {
		switch part {
		case "json", "jsonl":
			jsonl = true
		case "csv":
			csv = true
		case "db", "sqlite":
			db = true
		default:
			return false, false, false, fmt.Errorf("unsupported recorder file_type %q", ft)
		}
	}
	return jsonl, csv, db, nil
}

// Handle enqueues an event. Safe to call from under the poller's meter
// lock; it never blocks.
func (r *Recorder) Handle(ev poller.ChangeEvent) error {
	select {
	case r.q <- ev:
		return nil
	default:
		return errors.New("recorder queue full")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.q {
		if r.db != nil {
			if err := r.db.insert(ev); err != nil {
				r.log.Warnw("record change to db", "meter", ev.MeterID, "error", err)
			}
		}
		if r.jsonWriter != nil {
			if err := r.writeJSONL(ev); err != nil {
				r.log.Warnw("record change to jsonl", "meter", ev.MeterID, "error", err)
			}
		}
		if r.csvWriter != nil {
			if err := r.writeCSV(ev); err != nil {
				r.log.Warnw("record change to csv", "meter", ev.MeterID, "error", err)
			}
		}
	}
	if r.jsonWriter != nil {
		r.jsonWriter.Flush()
	}
	if r.csvWriter != nil {
		r.csvWriter.Flush()
	}
	close(r.closed)
}

// Close drains the queue, flushes and closes every output.
func (r *Recorder) Close() {
	close(r.q)
	<-r.closed
	r.wg.Wait()
	r.closeOutputs()
}

func (r *Recorder) closeOutputs() {
	if r.jsonFile != nil {
		r.jsonFile.Close()
	}
	if r.csvFile != nil {
		r.csvFile.Close()
	}
	if r.db != nil {
		r.db.close()
	}
}

func (r *Recorder) writeJSONL(ev poller.ChangeEvent) error {
	obj := map[string]any{
		"changed_at": ev.ChangedAt.Format(time.RFC3339Nano),
		"meter_id":   ev.MeterID,
		"name":       ev.Name,
		"value":      ev.Value,
		"units":      ev.Units,
	}
	if ev.PrevValue != nil {
		obj["prev_value"] = *ev.PrevValue
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := r.jsonWriter.Write(b); err != nil {
		return err
	}
	_, err = r.jsonWriter.WriteString("\n")
	return err
}

func (r *Recorder) writeCSV(ev poller.ChangeEvent) error {
	prev := ""
	if ev.PrevValue != nil {
		prev = fmt.Sprintf("%g", *ev.PrevValue)
	}
	rec := []string{
		ev.ChangedAt.Format(time.RFC3339Nano),
		ev.MeterID,
		ev.Name,
		fmt.Sprintf("%g", ev.Value),
		prev,
		ev.Units,
	}
	if err := r.csvWriter.Write(rec); err != nil {
		return err
	}
	r.csvWriter.Flush()
	return r.csvWriter.Error()
}
