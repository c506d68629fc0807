package resource

import (
	"context"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

const eventTimeout = 2 * time.Second

func testTypes() []schema.Descriptor {
	return []schema.Descriptor{
		{Name: "test.Temperature", Extends: schema.FloatTypeName},
		{Name: "test.Program", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "start", Type: schema.TimeTypeName, Required: true},
		}},
		{Name: "test.Settings", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "threshold", Type: schema.FloatTypeName, Required: true},
			{Name: "label", Type: schema.StringTypeName},
		}},
		{Name: "test.OnOffSwitch", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "stateControl", Type: schema.BooleanTypeName},
			{Name: "stateFeedback", Type: schema.BooleanTypeName},
			{Name: "heatCapacity", Type: schema.FloatTypeName, Required: true},
			{Name: "settings", Type: "test.Settings"},
			{Name: "programs", Type: schema.ListTypeName, ElementType: "test.Program"},
		}},
		{Name: "test.Controller", Extends: "test.OnOffSwitch"},
		{Name: "test.Sensor", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "reading", Type: schema.FloatTypeName, Required: true},
			{Name: "enabled", Type: schema.BooleanTypeName},
		}},
		{Name: "test.Room", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "temperature", Type: "test.Temperature", Required: true},
			{Name: "sensor", Type: "test.Sensor"},
			{Name: "switches", Type: schema.ListTypeName},
			{Name: "cache", Type: schema.OpaqueTypeName, Required: true, NonPersistent: true},
		}},
		{Name: "test.Thing", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "L", Type: schema.FloatTypeName, Required: true},
			{Name: "s", Type: schema.FloatTypeName},
			{Name: "sensor", Type: "test.Sensor"},
		}},
	}
}

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	if _, err := reg.RegisterTypes(testTypes()...); err != nil {
		t.Fatalf("RegisterTypes() error = %v", err)
	}
	return reg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Schema: newRegistry(t)})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func mustAdd(t *testing.T, s *Store, name, typeName string) *Node {
	t.Helper()
	n, err := s.AddResource(name, typeName, "test")
	if err != nil {
		t.Fatalf("AddResource(%q, %q) error = %v", name, typeName, err)
	}
	return n
}

func mustLookup(t *testing.T, s *Store, path string) *Node {
	t.Helper()
	n, err := s.Lookup(path)
	if err != nil {
		t.Fatalf("Lookup(%q) error = %v", path, err)
	}
	return n
}

func mustChild(t *testing.T, s *Store, parent *Node, name string) *Node {
	t.Helper()
	n, err := s.CreateChild(parent, name)
	if err != nil {
		t.Fatalf("CreateChild(%s, %q) error = %v", parent.Path(), name, err)
	}
	return n
}

func mustSet(t *testing.T, s *Store, n *Node, v any) {
	t.Helper()
	if err := s.SetValue(n, v); err != nil {
		t.Fatalf("SetValue(%s, %v) error = %v", n.Path(), v, err)
	}
}

func mustFloat(t *testing.T, s *Store, n *Node) float64 {
	t.Helper()
	f, err := s.Float(n)
	if err != nil {
		t.Fatalf("Float(%s) error = %v", n.Path(), err)
	}
	return f
}

func paths(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path()
	}
	return out
}

func samePaths(got []*Node, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Path() != want[i] {
			return false
		}
	}
	return true
}

// recorder is a channel-backed listener.
type recorder struct {
	events chan Event
}

func newRecorder(t *testing.T, s *Store) (*recorder, *Subscriber) {
	t.Helper()
	r := &recorder{events: make(chan Event, 64)}
	sub := s.NewSubscriber(ListenerFunc(func(e Event) { r.events <- e }))
	t.Cleanup(sub.Close)
	return r, sub
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("unexpected event %s at %q", e.Kind, e.Path)
	case <-time.After(100 * time.Millisecond):
	}
}
