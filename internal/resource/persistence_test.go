package resource

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// fakePersistence replays a fixed image and records everything it is told.
type fakePersistence struct {
	mu       sync.Mutex
	image    *Image
	loadErr  error
	startErr error

	src      SnapshotSource
	changes  []Change
	types    []string
	depth    int
	finished int
	closed   bool
}

func (f *fakePersistence) Load(context.Context) (*Image, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.image == nil {
		return &Image{}, nil
	}
	return f.image, nil
}

func (f *fakePersistence) Start(_ context.Context, src SnapshotSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.src = src
	return f.startErr
}

func (f *fakePersistence) Record(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
}

func (f *fakePersistence) RecordType(d schema.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, d.Name)
}

func (f *fakePersistence) StartTransaction() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth++
}

func (f *fakePersistence) FinishTransaction() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth--
	if f.depth == 0 {
		f.finished++
	}
	return nil
}

func (f *fakePersistence) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src != nil && !f.closed
}

func (f *fakePersistence) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePersistence) recorded(id int64) []ChangeKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChangeKind
	for _, c := range f.changes {
		if c.ID == id {
			out = append(out, c.Kind)
		}
	}
	return out
}

func openWith(t *testing.T, reg *schema.Registry, p *fakePersistence) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Schema: reg, Persistence: p})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestOpen_RecordsChanges(t *testing.T) {
	p := &fakePersistence{}
	s := openWith(t, newRegistry(t), p)

	if !s.IsReady() {
		t.Fatal("IsReady() = false after Open")
	}
	if p.src == nil {
		t.Fatal("Start was not called")
	}
	if len(p.types) != len(testTypes()) {
		t.Errorf("recorded %d types at open, want %d", len(p.types), len(testTypes()))
	}

	room := mustAdd(t, s, "room", "test.Room")
	temp := mustLookup(t, s, "room/temperature")
	cache := mustLookup(t, s, "room/cache")
	mustSet(t, s, temp, 20)

	if got := p.recorded(room.ID()); !slices.Equal(got, []ChangeKind{ChangeNew}) {
		t.Errorf("room changes = %v", got)
	}
	if got := p.recorded(temp.ID()); !slices.Equal(got, []ChangeKind{ChangeNew, ChangeValue}) {
		t.Errorf("temperature changes = %v", got)
	}
	if got := p.recorded(cache.ID()); len(got) != 0 {
		t.Errorf("non-persistent node recorded %v", got)
	}

	if err := s.DeleteResource(room); err != nil {
		t.Fatalf("DeleteResource() error = %v", err)
	}
	if got := p.recorded(temp.ID()); got[len(got)-1] != ChangeDeleted {
		t.Errorf("temperature changes = %v, want trailing deleted", got)
	}

	if _, err := s.Schema().RegisterType(schema.Descriptor{Name: "test.Late", Extends: schema.ResourceTypeName}); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	if last := p.types[len(p.types)-1]; last != "test.Late" {
		t.Errorf("last recorded type = %q, want test.Late", last)
	}
}

func TestOpen_Transactions(t *testing.T) {
	p := &fakePersistence{}
	s := openWith(t, newRegistry(t), p)

	s.StartTransaction()
	s.StartTransaction()
	if err := s.FinishTransaction(); err != nil {
		t.Fatalf("FinishTransaction() error = %v", err)
	}
	if p.finished != 0 {
		t.Error("inner FinishTransaction closed the outer bracket")
	}
	if err := s.FinishTransaction(); err != nil {
		t.Fatalf("FinishTransaction() error = %v", err)
	}
	if p.finished != 1 {
		t.Errorf("finished = %d, want 1", p.finished)
	}
}

func TestOpen_PersistenceErrors(t *testing.T) {
	boom := errors.New("disk on fire")

	if _, err := Open(context.Background(), Options{Schema: newRegistry(t), Persistence: &fakePersistence{loadErr: boom}}); !errors.Is(err, boom) {
		t.Errorf("Open() with failing Load error = %v", err)
	}
	if _, err := Open(context.Background(), Options{Schema: newRegistry(t), Persistence: &fakePersistence{startErr: boom}}); !errors.Is(err, boom) {
		t.Errorf("Open() with failing Start error = %v", err)
	}
}

func TestOpen_RestoresImage(t *testing.T) {
	src := openWith(t, newRegistry(t), &fakePersistence{})
	room := mustAdd(t, src, "room", "test.Room")
	mustSet(t, src, mustLookup(t, src, "room/temperature"), 21.5)
	sw := mustAdd(t, src, "sw", "test.OnOffSwitch")
	ctrl := mustAdd(t, src, "ctrl", "test.Controller")
	if _, err := src.AddDecoratorReference(sw, "ctrl", ctrl); err != nil {
		t.Fatalf("AddDecoratorReference() error = %v", err)
	}
	programs := mustChild(t, src, sw, "programs")
	if _, err := src.AddElement(programs, "test.Program"); err != nil {
		t.Fatalf("AddElement() error = %v", err)
	}
	if err := src.Activate(sw, false); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	oldCache := mustLookup(t, src, "room/cache")

	snaps := src.AllSnapshots()
	var maxID int64
	for _, snap := range snaps {
		maxID = max(maxID, snap.ID)
		if snap.ID == oldCache.ID() {
			t.Error("non-persistent node was snapshotted")
		}
	}
	types := make([]schema.Descriptor, 0)
	for _, tp := range src.Schema().UserTypes() {
		types = append(types, tp.Descriptor())
	}

	p := &fakePersistence{image: &Image{Types: types, Resources: snaps, MaxID: maxID}}
	s := openWith(t, schema.NewRegistry(), p)

	restoredRoom := s.ToplevelResource("room")
	if restoredRoom == nil || restoredRoom.ID() != room.ID() {
		t.Fatalf("room not restored with its id")
	}
	if v := mustFloat(t, s, mustLookup(t, s, "room/temperature")); v != 21.5 {
		t.Errorf("temperature = %v, want 21.5", v)
	}

	cache := mustLookup(t, s, "room/cache")
	if cache.ID() <= maxID {
		t.Errorf("re-materialized cache id = %d, want > %d", cache.ID(), maxID)
	}
	if !cache.NonPersistent() {
		t.Error("re-materialized cache should be non-persistent")
	}

	alias := mustLookup(t, s, "sw/ctrl")
	target, err := s.Resolve(alias)
	if err != nil || target.ID() != ctrl.ID() {
		t.Fatalf("Resolve(sw/ctrl) = %v, %v", target, err)
	}
	if got, _ := s.ReferencingResources(target, ""); !samePaths(got, "sw") {
		t.Errorf("ReferencingResources(ctrl) = %v", paths(got))
	}

	if !s.IsActive(s.ToplevelResource("sw")) {
		t.Error("sw should be restored active")
	}

	list := mustLookup(t, s, "sw/programs")
	if list.ElementType() == nil || list.ElementType().Name() != "test.Program" {
		t.Errorf("programs element type = %v", list.ElementType())
	}
	second, err := s.AddElement(list, "test.Program")
	if err != nil {
		t.Fatalf("AddElement() after restore error = %v", err)
	}
	if second.Name() != "program_1" {
		t.Errorf("second element name = %q, want program_1", second.Name())
	}

	fresh := mustAdd(t, s, "fresh", "test.Sensor")
	if fresh.ID() <= cache.ID() {
		t.Errorf("fresh id = %d, want above every restored id", fresh.ID())
	}
	if len(p.types) != 0 {
		t.Errorf("logged types re-recorded: %v", p.types)
	}
}

func TestOpen_SkipsUnknownLoggedResources(t *testing.T) {
	img := &Image{
		Resources: []Snapshot{
			{ID: 1, Name: "ghost", Path: "ghost", Type: "test.Gone"},
			{ID: 2, ParentID: 1, Name: "child", Path: "ghost/child", Type: schema.FloatTypeName},
			{ID: 3, Name: "ok", Path: "ok", Type: schema.FloatTypeName, Value: []byte("4.5")},
		},
		MaxID: 3,
	}
	s := openWith(t, schema.NewRegistry(), &fakePersistence{image: img})

	if s.HasResource("ghost") {
		t.Error("resource of unknown type should be skipped")
	}
	if s.ByID(2) != nil {
		t.Error("orphaned child should be skipped")
	}
	if v := mustFloat(t, s, s.ToplevelResource("ok")); v != 4.5 {
		t.Errorf("ok = %v, want 4.5", v)
	}
}
