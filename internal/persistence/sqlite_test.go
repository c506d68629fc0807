package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
	_ "github.com/nerrad567/gray-logic-resdb/migrations"
)

// openTestDB opens a migrated database under dir.
func openTestDB(t *testing.T, dir string) *database.DB {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(dir, "resdb.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestSQLiteLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	log := NewSQLiteLog(db.DB)

	desc := schema.Descriptor{
		Name:    "test.Sensor",
		Extends: schema.ResourceTypeName,
		Children: []schema.ChildDescriptor{
			{Name: "reading", Type: schema.FloatTypeName, Required: true},
		},
	}
	snap := &resource.Snapshot{ID: 4, Name: "thermo", Path: "thermo", Type: "test.Sensor", Owner: "test"}

	err := log.Append(ctx,
		[]TypeRecord{{Kind: resource.ChangeNew, Descriptor: desc}},
		[]ResourceRecord{
			{ID: 4, Kind: resource.ChangeNew, Snapshot: snap},
			{ID: 4, Kind: resource.ChangeDeleted},
		}, 0)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	types, err := log.ReadTypes(ctx)
	if err != nil {
		t.Fatalf("ReadTypes() error = %v", err)
	}
	if len(types) != 1 {
		t.Fatalf("ReadTypes() = %d records, want 1", len(types))
	}
	got := types[0].Descriptor
	if got.Name != desc.Name || len(got.Children) != 1 || !got.Children[0].Required {
		t.Errorf("descriptor round trip = %+v", got)
	}

	resources, err := log.ReadResources(ctx)
	if err != nil {
		t.Fatalf("ReadResources() error = %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("ReadResources() = %d records, want 2", len(resources))
	}
	if resources[0].Snapshot == nil || resources[0].Snapshot.Path != "thermo" {
		t.Errorf("first record snapshot = %+v", resources[0].Snapshot)
	}
	if resources[1].Kind != resource.ChangeDeleted || resources[1].Snapshot != nil {
		t.Errorf("second record = %+v, want payload-free DELETED", resources[1])
	}
	if resources[0].Seq >= resources[1].Seq {
		t.Errorf("records out of write order: %d, %d", resources[0].Seq, resources[1].Seq)
	}

	if err := log.Append(ctx, nil, nil, 0); err != nil {
		t.Errorf("empty Append() error = %v", err)
	}
}

func TestSQLiteLog_Rewrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	log := NewSQLiteLog(db.DB)

	if ts, err := log.LastCompaction(ctx); err != nil || !ts.IsZero() {
		t.Fatalf("LastCompaction() before rewrite = %v, %v", ts, err)
	}

	var records []ResourceRecord
	for i := 0; i < 10; i++ {
		records = append(records, ResourceRecord{ID: 1, Kind: resource.ChangeValue,
			Snapshot: &resource.Snapshot{ID: 1, Name: "x", Path: "x", Type: schema.FloatTypeName}})
	}
	if err := log.Append(ctx, nil, records, 0); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	before := time.Now().Add(-time.Second)
	if err := log.Rewrite(ctx, records[:1], 0); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	n, err := log.ResourceCount(ctx)
	if err != nil {
		t.Fatalf("ResourceCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ResourceCount() = %d, want 1", n)
	}

	ts, err := log.LastCompaction(ctx)
	if err != nil {
		t.Fatalf("LastCompaction() error = %v", err)
	}
	if ts.Before(before) {
		t.Errorf("LastCompaction() = %v, want after %v", ts, before)
	}
}

func restartTypes() []schema.Descriptor {
	return []schema.Descriptor{
		{Name: "test.Sensor", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "reading", Type: schema.FloatTypeName, Required: true},
		}},
		{Name: "test.Room", Extends: schema.ResourceTypeName, Children: []schema.ChildDescriptor{
			{Name: "temperature", Type: schema.FloatTypeName, Required: true},
			{Name: "sensor", Type: "test.Sensor"},
			{Name: "cache", Type: schema.OpaqueTypeName, Required: true, NonPersistent: true},
		}},
	}
}

func openStore(t *testing.T, db *database.DB, reg *schema.Registry) *resource.Store {
	t.Helper()
	coord := New(Options{Log: NewSQLiteLog(db.DB), FlushInterval: time.Hour})
	s, err := resource.Open(context.Background(), resource.Options{Schema: reg, Persistence: coord})
	if err != nil {
		t.Fatalf("resource.Open() error = %v", err)
	}
	return s
}

func TestStoreRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := openTestDB(t, dir)
	reg := schema.NewRegistry()
	if _, err := reg.RegisterTypes(restartTypes()...); err != nil {
		t.Fatalf("RegisterTypes() error = %v", err)
	}
	s := openStore(t, db, reg)

	kitchen, err := s.AddResource("kitchen", "test.Room", "test")
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	thermo, err := s.AddResource("thermo", "test.Sensor", "test")
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	temp, err := s.Child(kitchen, "temperature")
	if err != nil {
		t.Fatalf("Child() error = %v", err)
	}
	if err := s.SetValue(temp, 19.5); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	if _, err := s.SetChildAsReference(kitchen, "sensor", thermo); err != nil {
		t.Fatalf("SetChildAsReference() error = %v", err)
	}
	gone, err := s.AddResource("gone", "test.Sensor", "test")
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	if err := s.DeleteResource(gone); err != nil {
		t.Fatalf("DeleteResource() error = %v", err)
	}
	cache, err := s.Child(kitchen, "cache")
	if err != nil {
		t.Fatalf("Child(cache) error = %v", err)
	}
	maxID := gone.ID()
	if cache.ID() > maxID {
		maxID = cache.ID()
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	resources, err := NewSQLiteLog(db.DB).ReadResources(ctx)
	if err != nil {
		t.Fatalf("ReadResources() error = %v", err)
	}
	for _, r := range resources {
		if r.ID == cache.ID() {
			t.Errorf("non-persistent node logged: %+v", r)
		}
	}
	db.Close()

	db = openTestDB(t, dir)
	defer db.Close()
	restored := openStore(t, db, schema.NewRegistry())
	defer restored.Close(ctx)

	if _, ok := restored.Schema().Lookup("test.Room"); !ok {
		t.Fatal("logged type test.Room not restored")
	}
	if restored.HasResource("gone") {
		t.Error("deleted resource restored")
	}

	k := restored.ToplevelResource("kitchen")
	if k == nil || k.ID() != kitchen.ID() {
		t.Fatalf("kitchen not restored with its id")
	}
	rt, err := restored.Lookup("kitchen/temperature")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if v, err := restored.Float(rt); err != nil || v != 19.5 {
		t.Errorf("temperature = %v, %v, want 19.5", v, err)
	}

	slot, err := restored.Child(k, "sensor")
	if err != nil {
		t.Fatalf("Child(sensor) error = %v", err)
	}
	target, err := restored.Resolve(slot)
	if err != nil || target.ID() != thermo.ID() {
		t.Errorf("Resolve(kitchen/sensor) = %v, %v, want thermo", target, err)
	}

	if _, err := restored.Child(k, "cache"); err != nil {
		t.Errorf("non-persistent cache not re-materialized: %v", err)
	}

	fresh, err := restored.AddResource("fresh", "test.Sensor", "test")
	if err != nil {
		t.Fatalf("AddResource() after restart error = %v", err)
	}
	if fresh.ID() <= maxID {
		t.Errorf("fresh id = %d, want above %d", fresh.ID(), maxID)
	}
}

func TestSQLiteLog_MaxIDSurvivesRewrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, t.TempDir())
	defer db.Close()
	log := NewSQLiteLog(db.DB)

	if id, err := log.MaxID(ctx); err != nil || id != 0 {
		t.Fatalf("MaxID() on empty log = %d, %v", id, err)
	}

	live := ResourceRecord{ID: 1, Kind: resource.ChangeNew,
		Snapshot: &resource.Snapshot{ID: 1, Name: "x", Path: "x", Type: schema.FloatTypeName}}
	if err := log.Append(ctx, nil, []ResourceRecord{live, {ID: 9, Kind: resource.ChangeDeleted}}, 0); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := log.Rewrite(ctx, []ResourceRecord{live}, 0); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}

	tests := []struct {
		name  string
		maxID int64
		want  int64
	}{
		{"kept after rewrite", 0, 9},
		{"raised", 12, 12},
		{"never lowered", 4, 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.maxID > 0 {
				if err := log.Append(ctx, nil, nil, tt.maxID); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}
			got, err := log.MaxID(ctx)
			if err != nil {
				t.Fatalf("MaxID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MaxID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStoreRestart_IDsNotReusedAfterCompaction(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func(reg *schema.Registry, threshold int) (*database.DB, *resource.Store) {
		t.Helper()
		db := openTestDB(t, dir)
		coord := New(Options{Log: NewSQLiteLog(db.DB), FlushInterval: time.Hour, CompactThreshold: threshold})
		s, err := resource.Open(ctx, resource.Options{Schema: reg, Persistence: coord})
		if err != nil {
			db.Close()
			t.Fatalf("resource.Open() error = %v", err)
		}
		return db, s
	}

	reg := schema.NewRegistry()
	if _, err := reg.RegisterTypes(restartTypes()...); err != nil {
		t.Fatalf("RegisterTypes() error = %v", err)
	}
	db, s := open(reg, 0)
	room, err := s.AddResource("room", "test.Room", "test")
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	thermo, err := s.AddResource("thermo", "test.Sensor", "test")
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	if _, err := s.SetChildAsReference(room, "sensor", thermo); err != nil {
		t.Fatalf("SetChildAsReference() error = %v", err)
	}
	if err := s.DeleteResource(thermo); err != nil {
		t.Fatalf("DeleteResource() error = %v", err)
	}
	highest := s.HighWaterID()
	s.Close(ctx)
	db.Close()

	// Second start compacts the log down to the live nodes.
	db, s = open(schema.NewRegistry(), 1)
	s.Close(ctx)
	n, err := NewSQLiteLog(db.DB).ResourceCount(ctx)
	if err != nil {
		t.Fatalf("ResourceCount() error = %v", err)
	}
	if s.HasResource("thermo") {
		t.Fatal("deleted thermo restored")
	}
	if n == 0 {
		t.Fatal("compacted log is empty")
	}
	db.Close()

	db, s = open(schema.NewRegistry(), 0)
	defer db.Close()
	defer s.Close(ctx)

	fresh, err := s.AddResource("fresh", "test.Sensor", "test")
	if err != nil {
		t.Fatalf("AddResource() error = %v", err)
	}
	if fresh.ID() <= highest {
		t.Errorf("fresh id = %d, want above %d", fresh.ID(), highest)
	}

	alias, err := s.Lookup("room/sensor")
	if err != nil {
		t.Fatalf("Lookup(room/sensor) error = %v", err)
	}
	if target, err := s.Resolve(alias); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Resolve(dangling alias) = %v, %v, want ErrNotFound", target, err)
	}
}
