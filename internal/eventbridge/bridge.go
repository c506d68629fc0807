package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
)

// ErrAlreadyStarted is returned by Start on a running bridge.
var ErrAlreadyStarted = errors.New("eventbridge: already started")

// Publisher is the subset of mqtt.Client the bridge uses.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Bridge.
type Options struct {
	Store     *resource.Store
	Publisher Publisher
	Topics    mqtt.Topics
	QoS       byte

	// Paths lists the registration origins. "*" is the root.
	Paths []string

	// AcceptWrites subscribes to the inbound set topics.
	AcceptWrites bool

	Logger Logger
}

// Stats counts bridge traffic since Start.
type Stats struct {
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	WritesApplied uint64 `json:"writes_applied"`
	WritesFailed  uint64 `json:"writes_failed"`
}

// Bridge publishes store events to MQTT.
type Bridge struct {
	store  *resource.Store
	pub    Publisher
	topics mqtt.Topics
	qos    byte
	paths  []string
	writes bool
	logger Logger

	mu   sync.Mutex
	sub  *resource.Subscriber
	regs []*resource.Registration

	published     atomic.Uint64
	publishErrors atomic.Uint64
	writesApplied atomic.Uint64
	writesFailed  atomic.Uint64
}

// valueMessage is the retained payload of a value topic.
type valueMessage struct {
	Path  string `json:"path"`
	Type  string `json:"type"`
	Value any    `json:"value"`
	Time  string `json:"time"`
}

// structureMessage is the payload of a structure topic.
type structureMessage struct {
	Event string `json:"event"`
	Path  string `json:"path"`
	Child string `json:"child,omitempty"`
	Type  string `json:"type,omitempty"`
	Time  string `json:"time"`
}

// New creates a bridge. Nothing is registered until Start.
func New(opts Options) *Bridge {
	b := &Bridge{
		store:  opts.Store,
		pub:    opts.Publisher,
		topics: opts.Topics,
		qos:    opts.QoS,
		paths:  dedupePaths(opts.Paths),
		writes: opts.AcceptWrites,
		logger: opts.Logger,
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}
	return b
}

// Start publishes the current values below every path, then registers
// the listeners and, if enabled, the inbound subscription.
//
// Returns:
//   - error: ErrAlreadyStarted, resource.ErrNotFound for an unknown path,
//     or the subscribe failure
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return ErrAlreadyStarted
	}

	sub := b.store.NewSubscriber(resource.ListenerFunc(b.handleEvent))
	var regs []*resource.Registration
	rollback := func() {
		for _, r := range regs {
			b.store.Unregister(r)
		}
		sub.Close()
	}

	for _, path := range b.paths {
		vr, err := b.store.AddResourceListener(path, sub, true)
		if err != nil {
			rollback()
			return fmt.Errorf("registering value listener on %q: %w", path, err)
		}
		regs = append(regs, vr)
		sr, err := b.store.AddStructureListener(path, sub, true)
		if err != nil {
			rollback()
			return fmt.Errorf("registering structure listener on %q: %w", path, err)
		}
		regs = append(regs, sr)
	}

	if b.writes {
		if err := b.pub.Subscribe(b.topics.AllResourceSets(), b.qos, b.handleSet); err != nil {
			rollback()
			return fmt.Errorf("subscribing to set topics: %w", err)
		}
	}

	b.sub = sub
	b.regs = regs

	for _, path := range b.paths {
		b.publishSubtree(path)
	}

	b.logger.Info("event bridge started", "paths", b.paths, "accept_writes", b.writes)
	return nil
}

// Stop removes the listeners and the inbound subscription.
func (b *Bridge) Stop() {
	b.mu.Lock()
	sub, regs := b.sub, b.regs
	b.sub, b.regs = nil, nil
	b.mu.Unlock()

	if sub == nil {
		return
	}
	for _, r := range regs {
		b.store.Unregister(r)
	}
	sub.Close()
	<-sub.Done()

	if b.writes {
		if err := b.pub.Unsubscribe(b.topics.AllResourceSets()); err != nil {
			b.logger.Warn("unsubscribing from set topics", "error", err)
		}
	}
	b.logger.Info("event bridge stopped")
}

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		PublishErrors: b.publishErrors.Load(),
		WritesApplied: b.writesApplied.Load(),
		WritesFailed:  b.writesFailed.Load(),
	}
}

func (b *Bridge) handleEvent(e resource.Event) {
	ts := e.Time.UTC().Format(time.RFC3339Nano)

	switch e.Kind {
	case resource.ValueChanged:
		b.publishValue(e.Path, e.Node, e.Value, ts)

	case resource.SubResourceAdded, resource.SubResourceDeleted:
		msg := structureMessage{Event: e.Kind.String(), Path: e.Path, Child: e.ChildPath(), Time: ts}
		if e.Child != nil {
			msg.Type = e.Child.Type().Name()
		}
		b.publishJSON(b.structureTopic(e.Path), msg, false)
		if e.Kind == resource.SubResourceDeleted {
			b.clearValue(e.ChildPath())
		}

	case resource.ResourceDeleted:
		b.publishJSON(b.structureTopic(e.Path), structureMessage{Event: e.Kind.String(), Path: e.Path, Time: ts}, false)
		b.clearValue(e.Path)

	case resource.ReferenceChanged:
		msg := structureMessage{Event: e.Kind.String(), Path: e.Path, Time: ts}
		if e.Child != nil {
			msg.Child = e.Child.Path()
			msg.Type = e.Child.Type().Name()
		}
		b.publishJSON(b.structureTopic(e.Path), msg, false)

	case resource.ResourceActivated, resource.ResourceDeactivated:
		b.publishJSON(b.structureTopic(e.Path), structureMessage{Event: e.Kind.String(), Path: e.Path, Time: ts}, false)
	}
}

// structureTopic maps the root, which has no path, to the topic root.
func (b *Bridge) structureTopic(path string) string {
	if path == "" {
		return b.topics.Root() + "/resources/structure"
	}
	return b.topics.ResourceStructure(path)
}

func (b *Bridge) publishValue(path string, n *resource.Node, v any, ts string) {
	if path == "" || v == nil {
		return
	}
	msg := valueMessage{Path: path, Value: v, Time: ts}
	if n != nil {
		msg.Type = n.Type().Name()
	}
	b.publishJSON(b.topics.ResourceValue(path), msg, true)
}

// clearValue removes the retained value of a deleted node.
func (b *Bridge) clearValue(path string) {
	if path == "" {
		return
	}
	b.publish(b.topics.ResourceValue(path), nil, true)
}

func (b *Bridge) publishJSON(topic string, msg any, retained bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.publishErrors.Add(1)
		b.logger.Error("encoding MQTT payload", "topic", topic, "error", err)
		return
	}
	b.publish(topic, payload, retained)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if err := b.pub.Publish(topic, payload, b.qos, retained); err != nil {
		b.publishErrors.Add(1)
		b.logger.Warn("publishing resource event", "topic", topic, "error", err)
		return
	}
	b.published.Add(1)
}

// publishSubtree publishes the retained value of every value node below
// origin so subscribers start from the current state.
func (b *Bridge) publishSubtree(origin string) {
	type step struct {
		n    *resource.Node
		path string
	}

	var queue []step
	if o := normalize(origin); o == "" {
		for _, n := range b.store.AllToplevelResources() {
			queue = append(queue, step{n, n.Name()})
		}
	} else {
		n, err := b.store.Lookup(o)
		if err != nil {
			b.logger.Warn("publishing initial values", "path", o, "error", err)
			return
		}
		queue = append(queue, step{n, o})
	}

	// Keyed by resolved id: aliases may loop back onto an ancestor, and a
	// node reached through several paths publishes once, on the first.
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	seen := make(map[int64]struct{})
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		target, err := b.store.Resolve(cur.n)
		if err != nil {
			continue
		}
		if _, ok := seen[target.ID()]; ok {
			continue
		}
		seen[target.ID()] = struct{}{}

		if target.Type().Kind().IsValue() {
			if v, err := b.store.Value(target); err == nil {
				b.publishValue(cur.path, target, v, ts)
			}
		}
		// Value nodes may carry decorators.
		children, err := b.store.Children(target)
		if err != nil {
			continue
		}
		for _, c := range children {
			queue = append(queue, step{c, cur.path + "/" + c.Name()})
		}
	}
}
