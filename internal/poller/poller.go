// Package poller is the caching core of the gateway. It decides per fetch
// whether cached state is still fresh or a live device read is due,
// serializes access to each physical meter, and keeps the change history
// used for rate-of-change work downstream.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meter-gateway/internal/decode"
	"meter-gateway/internal/meter"
)

// ErrNotFound reports an unknown meter ID. It is per-ID: one unknown ID in
// a batch never affects the others.
var ErrNotFound = errors.New("unknown meter")

// Status values for a fetch that did not fail. A failed fetch carries the
// error text as its status instead.
const (
	StatusPolled = "Polled"
	StatusCached = "Cached"
)

// Transport performs one blocking device read and returns the raw register
// bytes. The call owns its own timeout; the poller holds the meter lock for
// its full duration.
type Transport interface {
	Read(def meter.Definition) ([]byte, error)
}

// Observer receives poll outcomes, typically for metrics. All methods may
// be called concurrently.
type Observer interface {
	PollSucceeded(id string, value float64, elapsed time.Duration)
	PollFailed(id string)
	CacheHit(id string)
}

// ChangeEvent describes one genuine value change. PrevValue is nil for the
// first value ever observed on a meter.
type ChangeEvent struct {
	MeterID   string
	Name      string
	Value     float64
	PrevValue *float64
	ChangedAt time.Time
	Units     string
}

// Reading is a value snapshot of a meter's state, safe to hold after the
// meter lock is released. Nil pointers mean "no value yet".
type Reading struct {
	ID             string
	Name           string
	Value          *float64
	Timestamp      time.Time
	ChangeTime     *time.Time
	PrevValue      *float64
	PrevChangeTime *time.Time
	Units          string
	Status         string
}

// meterState is the mutable per-meter record. Everything in it is guarded
// by mu, including during the device read, so the freshness check and the
// update behind it are atomic as a unit.
type meterState struct {
	mu           sync.Mutex
	value        *float64
	timestamp    time.Time // last request or scheduled refresh that touched the meter
	changeAt     time.Time
	prevValue    *float64
	prevChangeAt time.Time
	lastPoll     time.Time // last actual device read attempt, drives rate limiting
	status       string
}

// Arbiter owns the meter state table. One lock per meter: fetches for
// different meters proceed fully in parallel.
type Arbiter struct {
	registry  *meter.Registry
	transport Transport
	minPoll   time.Duration
	log       *zap.SugaredLogger
	observer  Observer
	onChange  func(ChangeEvent)

	mu     sync.Mutex
	states map[string]*meterState
}

// Option tweaks an Arbiter at construction.
type Option func(*Arbiter)

// WithObserver wires poll outcome callbacks, e.g. Prometheus counters.
func WithObserver(o Observer) Option {
	return func(a *Arbiter) { a.observer = o }
}

// WithChangeHandler wires a callback invoked, under the meter lock, for
// every genuine value change. Handlers must not block.
func WithChangeHandler(fn func(ChangeEvent)) Option {
	return func(a *Arbiter) { a.onChange = fn }
}

func NewArbiter(registry *meter.Registry, transport Transport, minPoll time.Duration, log *zap.SugaredLogger, opts ...Option) *Arbiter {
	a := &Arbiter{
		registry:  registry,
		transport: transport,
		minPoll:   minPoll,
		log:       log,
		states:    make(map[string]*meterState),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Registry exposes the definition set the arbiter fetches against.
func (a *Arbiter) Registry() *meter.Registry { return a.registry }

// Fetch returns the meter's state as of now, polling the device first if
// the cached value is stale. now is passed in rather than read from the
// clock so request handling, scheduling and tests share one notion of time.
func (a *Arbiter) Fetch(id string, now time.Time) (Reading, error) {
	def, ok := a.registry.Lookup(id)
	if !ok {
		return Reading{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	st := a.state(def.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastPoll.IsZero() && now.Sub(st.lastPoll) < a.minPoll {
		st.timestamp = now
		st.status = StatusCached
		if a.observer != nil {
			a.observer.CacheHit(def.ID)
		}
		return st.reading(def), nil
	}

	start := time.Now()
	raw, err := a.transport.Read(def)
	elapsed := time.Since(start)

	st.timestamp = now
	st.lastPoll = now // failed attempts count too, so a down device is not hammered

	var value float64
	if err == nil {
		value, err = decode.Decode(raw, def.WordCount, def.Order, def.Encoding)
	}
	if err != nil {
		st.status = err.Error()
		if a.observer != nil {
			a.observer.PollFailed(def.ID)
		}
		a.log.Warnw("poll failed", "meter", def.ID, "error", err)
		return st.reading(def), nil
	}

	value *= def.Scale
	if st.value == nil || *st.value != value {
		if st.value != nil {
			prev := *st.value
			st.prevValue = &prev
			st.prevChangeAt = st.changeAt
		}
		st.changeAt = now
		if a.onChange != nil {
			a.onChange(ChangeEvent{
				MeterID:   def.ID,
				Name:      def.Name,
				Value:     value,
				PrevValue: st.prevValue,
				ChangedAt: now,
				Units:     def.Units,
			})
		}
	}
	st.value = &value
	st.status = StatusPolled
	if a.observer != nil {
		a.observer.PollSucceeded(def.ID, value, elapsed)
	}
	return st.reading(def), nil
}

// Reload swaps the definition set and drops state for meters that no
// longer exist. State for surviving IDs is kept, so retuning a meter's
// scale or units does not lose its change history.
func (a *Arbiter) Reload(defs []meter.Definition) {
	a.registry.Reload(defs)

	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range a.states {
		if _, ok := a.registry.Lookup(id); !ok {
			delete(a.states, id)
		}
	}
}

// state returns the meter's state record, creating it lazily on first use.
func (a *Arbiter) state(id string) *meterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[id]
	if !ok {
		st = &meterState{}
		a.states[id] = st
	}
	return st
}

// reading copies the state into a snapshot. Must hold st.mu.
func (st *meterState) reading(def meter.Definition) Reading {
	r := Reading{
		ID:        def.ID,
		Name:      def.Name,
		Timestamp: st.timestamp,
		Units:     def.Units,
		Status:    st.status,
	}
	if st.value != nil {
		v := *st.value
		r.Value = &v
	}
	if !st.changeAt.IsZero() {
		t := st.changeAt
		r.ChangeTime = &t
	}
	if st.prevValue != nil {
		v := *st.prevValue
		r.PrevValue = &v
	}
	if !st.prevChangeAt.IsZero() {
		t := st.prevChangeAt
		r.PrevChangeTime = &t
	}
	return r
}
