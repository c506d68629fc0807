package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-resdb/internal/persistence"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
)

var (
	_ resource.Metrics    = (*Collector)(nil)
	_ persistence.Metrics = (*Collector)(nil)
)

func TestCollector_StoreMetrics(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.NodesCreated(3)
	c.NodesDeleted(1)
	c.LiveNodes(2)
	c.ValueWritten()
	c.ValueWritten()
	c.ReferenceLinked()
	c.EventsDelivered(5)
	c.EventsDropped(2)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"created", testutil.ToFloat64(c.ResourcesCreated), 3},
		{"deleted", testutil.ToFloat64(c.ResourcesDeleted), 1},
		{"live", testutil.ToFloat64(c.LiveResources), 2},
		{"value writes", testutil.ToFloat64(c.ValueWrites), 2},
		{"references", testutil.ToFloat64(c.References), 1},
		{"delivered", testutil.ToFloat64(c.ListenerEvents.WithLabelValues("delivered")), 5},
		{"dropped", testutil.ToFloat64(c.ListenerEvents.WithLabelValues("dropped")), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestCollector_PersistenceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.FlushCompleted(10, 20*time.Millisecond)
	c.FlushFailed()
	c.PendingRecords(4)

	if got := testutil.ToFloat64(c.Flushes); got != 1 {
		t.Errorf("flushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.FlushErrors); got != 1 {
		t.Errorf("flush errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Pending); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}

	expected := `
# HELP resdb_persistence_pending_records Nodes with changes not yet written to the record log
# TYPE resdb_persistence_pending_records gauge
resdb_persistence_pending_records 4
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "resdb_persistence_pending_records"); err != nil {
		t.Errorf("GatherAndCompare() error = %v", err)
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering twice on one registry panics; separate registries must not.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
