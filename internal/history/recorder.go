// Package history records numeric resource values to a time-series store.
//
// A Recorder registers recursive value listeners on the configured paths
// and turns every numeric or boolean ValueChanged event into one
// resource_values sample tagged with the resource path, type and owner.
package history

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
)

// ErrAlreadyStarted is returned by Start on a running recorder.
var ErrAlreadyStarted = errors.New("history: already started")

// PointWriter is the subset of influxdb.Client the recorder uses.
type PointWriter interface {
	WriteResourceValue(v influxdb.ResourceValue)
}

// Logger defines the logging interface used by the recorder.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Stats counts recorder activity since Start.
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Skipped  uint64 `json:"skipped"`
}

// Recorder writes resource value changes to a PointWriter.
type Recorder struct {
	store  *resource.Store
	writer PointWriter
	paths  []string
	logger Logger

	mu   sync.Mutex
	sub  *resource.Subscriber
	regs []*resource.Registration

	recorded atomic.Uint64
	skipped  atomic.Uint64
}

// New creates a recorder for the value subtrees below paths ("*" for all).
func New(store *resource.Store, writer PointWriter, paths []string, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{store: store, writer: writer, paths: paths, logger: logger}
}

// Start registers the value listeners.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return ErrAlreadyStarted
	}

	sub := r.store.NewSubscriber(resource.ListenerFunc(r.handleEvent))
	regs := make([]*resource.Registration, 0, len(r.paths))
	for _, path := range r.paths {
		reg, err := r.store.AddResourceListener(path, sub, true)
		if err != nil {
			for _, reg := range regs {
				r.store.Unregister(reg)
			}
			sub.Close()
			return fmt.Errorf("registering history listener on %q: %w", path, err)
		}
		regs = append(regs, reg)
	}

	r.sub, r.regs = sub, regs
	r.logger.Info("history recorder started", "paths", r.paths)
	return nil
}

// Stop removes the listeners. Events already queued are discarded.
func (r *Recorder) Stop() {
	r.mu.Lock()
	sub, regs := r.sub, r.regs
	r.sub, r.regs = nil, nil
	r.mu.Unlock()

	if sub == nil {
		return
	}
	for _, reg := range regs {
		r.store.Unregister(reg)
	}
	sub.Close()
	<-sub.Done()
}

// Stats returns activity counters.
func (r *Recorder) Stats() Stats {
	return Stats{Recorded: r.recorded.Load(), Skipped: r.skipped.Load()}
}

func (r *Recorder) handleEvent(e resource.Event) {
	if e.Kind != resource.ValueChanged || e.Node == nil {
		return
	}
	f, ok := numeric(e.Value)
	if !ok {
		r.skipped.Add(1)
		return
	}
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	r.writer.WriteResourceValue(influxdb.ResourceValue{
		Path:  e.Path,
		Type:  e.Node.Type().Name(),
		Owner: e.Node.Owner(),
		Value: f,
		Time:  ts,
	})
	r.recorded.Add(1)
}

// numeric converts the scalar value kinds to a sample. Strings, byte
// slices and lists have no numeric form.
func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
