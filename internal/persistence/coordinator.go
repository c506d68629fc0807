package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

const (
	defaultFlushInterval = 500 * time.Millisecond

	// defaultFlushTimeout bounds a background or end-of-transaction flush.
	defaultFlushTimeout = 10 * time.Second
)

// Logger defines the logging interface used by the Coordinator.
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

// Metrics receives flush statistics. Implemented by metrics.Collector.
type Metrics interface {
	FlushCompleted(records int, d time.Duration)
	FlushFailed()
	PendingRecords(n int)
}

type noopMetrics struct{}

func (noopMetrics) FlushCompleted(int, time.Duration) {}
func (noopMetrics) FlushFailed()                      {}
func (noopMetrics) PendingRecords(int)                {}

// Options configures a Coordinator.
type Options struct {
	Log RecordLog

	// FlushInterval is the period of the background flush. Defaults to 500ms.
	FlushInterval time.Duration

	// CompactThreshold is the resource log length above which Start
	// rewrites the log. 0 disables compaction.
	CompactThreshold int

	Logger  Logger
	Metrics Metrics

	// OnError is called after every failed flush or compaction.
	OnError func(err error)
}

// Coordinator is the write-behind persistence writer behind a Store.
// It implements resource.Persistence.
//
// Thread Safety: All methods are safe for concurrent use. At most one
// flush or compaction runs at a time.
type Coordinator struct {
	log       RecordLog
	interval  time.Duration
	threshold int
	logger    Logger
	metrics   Metrics
	onError   func(err error)

	mu         sync.Mutex
	pending    map[int64]resource.ChangeKind
	order      []int64
	types      []schema.Descriptor
	depth      int
	src        resource.SnapshotSource
	lastErr    error
	compactDue bool
	closed     bool

	// savedMaxID is the id high-water mark last written; guarded by flushMu.
	savedMaxID int64

	// flushMu serializes Flush and Compact.
	flushMu sync.Mutex

	ready     atomic.Bool
	flushTick *time.Ticker
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a coordinator over log. It does nothing until the store
// calls Load and Start.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		log:       opts.Log,
		interval:  opts.FlushInterval,
		threshold: opts.CompactThreshold,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		onError:   opts.OnError,
		pending:   make(map[int64]resource.ChangeKind),
		done:      make(chan struct{}),
	}
	if c.interval <= 0 {
		c.interval = defaultFlushInterval
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	return c
}

// Load implements resource.Persistence. It reads both logs and folds
// them into an image of the last persisted state.
func (c *Coordinator) Load(ctx context.Context) (*resource.Image, error) {
	types, err := c.log.ReadTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading type log: %w", err)
	}
	resources, err := c.log.ReadResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading resource log: %w", err)
	}

	img := fold(types, resources)
	logged, err := c.log.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading id high-water mark: %w", err)
	}
	img.MaxID = max(img.MaxID, logged)

	c.mu.Lock()
	c.compactDue = c.threshold > 0 && len(resources) > c.threshold
	c.mu.Unlock()

	c.logger.Info("record log replayed",
		"type_records", len(types),
		"resource_records", len(resources),
		"types", len(img.Types),
		"resources", len(img.Resources),
		"max_id", img.MaxID,
	)
	return img, nil
}

// Start implements resource.Persistence. It compacts the log if Load
// found it over the threshold and starts the background flush.
func (c *Coordinator) Start(ctx context.Context, src resource.SnapshotSource) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.src = src
	compact := c.compactDue
	c.compactDue = false
	c.mu.Unlock()

	if compact {
		if err := c.Compact(ctx); err != nil {
			// The uncompacted log still replays correctly.
			c.logger.Warn("record log compaction failed", "error", err)
		}
	}

	c.flushTick = time.NewTicker(c.interval)
	c.wg.Add(1)
	go c.flushLoop()

	c.ready.Store(true)
	c.logger.Info("persistence started", "flush_interval", c.interval.String())
	return nil
}

// flushLoop flushes on every tick outside transaction brackets.
func (c *Coordinator) flushLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.flushTick.C:
			if c.inTransaction() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
			_ = c.Flush(ctx) //nolint:errcheck // Reported through fail
			cancel()
		case <-c.done:
			return
		}
	}
}

// Record implements resource.Persistence. Changes to the same node
// collapse until the next flush: DELETED wins over NEW, NEW over VALUE.
func (c *Coordinator) Record(ch resource.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if prev, ok := c.pending[ch.ID]; ok {
		c.pending[ch.ID] = mergeKind(prev, ch.Kind)
	} else {
		c.pending[ch.ID] = ch.Kind
		c.order = append(c.order, ch.ID)
	}
	c.metrics.PendingRecords(len(c.pending))
}

// RecordType implements resource.Persistence.
func (c *Coordinator) RecordType(d schema.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.types = append(c.types, d)
}

func mergeKind(prev, next resource.ChangeKind) resource.ChangeKind {
	switch {
	case prev == resource.ChangeDeleted || next == resource.ChangeDeleted:
		return resource.ChangeDeleted
	case prev == resource.ChangeNew || next == resource.ChangeNew:
		return resource.ChangeNew
	default:
		return resource.ChangeValue
	}
}

// StartTransaction implements resource.Persistence.
func (c *Coordinator) StartTransaction() {
	c.mu.Lock()
	c.depth++
	c.mu.Unlock()
}

// FinishTransaction implements resource.Persistence. Closing the outermost
// bracket flushes immediately.
//
// Returns:
//   - error: ErrNoTransaction without an open bracket, or the flush error
func (c *Coordinator) FinishTransaction() error {
	c.mu.Lock()
	if c.depth == 0 {
		c.mu.Unlock()
		return ErrNoTransaction
	}
	c.depth--
	flush := c.depth == 0 && c.src != nil && !c.closed
	c.mu.Unlock()

	if !flush {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
	defer cancel()
	return c.Flush(ctx)
}

func (c *Coordinator) inTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth > 0
}

// IsReady implements resource.Persistence.
func (c *Coordinator) IsReady() bool {
	return c.ready.Load()
}

// LastError returns the error of the last failed flush, nil once a flush
// succeeds again.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Pending returns the number of nodes with unflushed changes.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush writes all pending records now, whether or not a transaction is
// open. Failed records stay pending.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	src := c.src
	if src == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	pending, order, types := c.takeLocked()
	c.mu.Unlock()

	// Ids of non-persistent nodes are never logged, so the mark is
	// written even when nothing else is pending.
	maxID := src.HighWaterID()
	if len(order) == 0 && len(types) == 0 && maxID <= c.savedMaxID {
		return nil
	}

	ids := make([]int64, 0, len(order))
	for _, id := range order {
		if pending[id] != resource.ChangeDeleted {
			ids = append(ids, id)
		}
	}
	snaps := src.Snapshots(ids)

	records := make([]ResourceRecord, 0, len(order))
	for _, id := range order {
		kind := pending[id]
		if kind == resource.ChangeDeleted {
			records = append(records, ResourceRecord{ID: id, Kind: kind})
			continue
		}
		snap, ok := snaps[id]
		if !ok {
			// Deleted since the change; its DELETED record is on the way.
			continue
		}
		records = append(records, ResourceRecord{ID: id, Kind: kind, Snapshot: &snap})
	}

	start := time.Now()
	if err := c.log.Append(ctx, descriptorRecords(types), records, maxID); err != nil {
		c.requeue(pending, order, types)
		c.fail("flush", err)
		return wrapIO(err)
	}
	c.savedMaxID = maxID

	c.mu.Lock()
	c.lastErr = nil
	remaining := len(c.pending)
	c.mu.Unlock()

	c.metrics.FlushCompleted(len(records)+len(types), time.Since(start))
	c.metrics.PendingRecords(remaining)
	c.logger.Debug("record log flushed", "resources", len(records), "types", len(types))
	return nil
}

// Compact rewrites the resource log as one NEW record per live persistent
// node. Pending types are appended first.
func (c *Coordinator) Compact(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	src := c.src
	if src == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	// Pending changes are covered by the snapshot taken below.
	pending, order, types := c.takeLocked()
	c.mu.Unlock()

	if len(types) > 0 {
		if err := c.log.Append(ctx, descriptorRecords(types), nil, 0); err != nil {
			c.requeue(pending, order, types)
			c.fail("compaction", err)
			return wrapIO(err)
		}
	}

	maxID := src.HighWaterID()
	snaps := src.AllSnapshots()
	records := make([]ResourceRecord, len(snaps))
	for i := range snaps {
		records[i] = ResourceRecord{ID: snaps[i].ID, Kind: resource.ChangeNew, Snapshot: &snaps[i]}
	}
	if err := c.log.Rewrite(ctx, records, maxID); err != nil {
		c.requeue(pending, order, nil)
		c.fail("compaction", err)
		return wrapIO(err)
	}
	c.savedMaxID = maxID

	c.logger.Info("record log compacted", "resources", len(records), "max_id", maxID)
	return nil
}

// takeLocked detaches the pending state.
func (c *Coordinator) takeLocked() (map[int64]resource.ChangeKind, []int64, []schema.Descriptor) {
	pending, order, types := c.pending, c.order, c.types
	c.pending = make(map[int64]resource.ChangeKind)
	c.order = nil
	c.types = nil
	return pending, order, types
}

// requeue puts failed records back ahead of anything recorded meanwhile.
func (c *Coordinator) requeue(pending map[int64]resource.ChangeKind, order []int64, types []schema.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newer, newerOrder := c.pending, c.order
	c.pending = pending
	c.order = order
	for _, id := range newerOrder {
		if prev, ok := c.pending[id]; ok {
			c.pending[id] = mergeKind(prev, newer[id])
		} else {
			c.pending[id] = newer[id]
			c.order = append(c.order, id)
		}
	}
	c.types = append(types, c.types...)
	c.metrics.PendingRecords(len(c.pending))
}

func (c *Coordinator) fail(op string, err error) {
	err = wrapIO(err)

	c.mu.Lock()
	c.lastErr = err
	pending := len(c.pending)
	callback := c.onError
	c.mu.Unlock()

	c.logger.Error("persistence "+op+" failed", "error", err, "pending", pending)
	c.metrics.FlushFailed()
	if callback != nil {
		callback(err)
	}
}

func wrapIO(err error) error {
	if errors.Is(err, ErrPersistenceIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistenceIO, err)
}

// Close implements resource.Persistence. It stops the background flush,
// writes everything still pending and closes the log.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.src != nil
	c.mu.Unlock()

	c.ready.Store(false)
	if c.flushTick != nil {
		c.flushTick.Stop()
		close(c.done)
		c.wg.Wait()
	}

	var flushErr error
	if started {
		flushErr = c.Flush(ctx)
	}
	if err := c.log.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("%w: closing log: %w", ErrPersistenceIO, err))
	}
	if flushErr != nil {
		return fmt.Errorf("final flush: %w", flushErr)
	}
	c.logger.Info("persistence stopped")
	return nil
}

var _ resource.Persistence = (*Coordinator)(nil)
