package resource

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Store.
type Options struct {
	// Schema is the type registry. A fresh registry is used when nil.
	Schema *schema.Registry

	// Persistence is the durable writer. The store is purely in-memory
	// when nil.
	Persistence Persistence

	Logger  Logger
	Metrics Metrics
}

// Store owns the resource tree and all of its indices.
//
// One RWMutex guards every table: lookups share the read lock, structural
// and value mutations take the write lock. Listener callbacks and
// persistence records are issued after the lock is released.
type Store struct {
	mu      sync.RWMutex
	schema  *schema.Registry
	persist Persistence
	logger  Logger
	metrics Metrics

	byID      map[int64]*Node
	byPath    map[string]int64
	byType    map[string]map[int64]struct{}
	toplevel  map[string]int64
	referrers map[int64]map[int64]struct{}

	rootRegs []*Registration
	regs     map[regKey]*Registration
	regSeq   uint64

	subsMu sync.Mutex
	subs   map[string]*Subscriber

	nextID atomic.Int64
	ready  atomic.Bool
	closed bool
	unhook func()
}

// Stats summarizes the store contents.
type Stats struct {
	Nodes         int `json:"nodes"`
	TopLevel      int `json:"top_level"`
	References    int `json:"references"`
	Registrations int `json:"registrations"`
	Subscribers   int `json:"subscribers"`
}

// Open creates a store and, when persistence is configured, replays the
// durable logs into it.
//
// Parameters:
//   - ctx: Context for replay I/O
//   - opts: Schema registry, persistence writer, logger and metrics
//
// Returns:
//   - *Store: Ready store
//   - error: If replay fails or logged types conflict with registered ones
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{
		schema:  opts.Schema,
		persist: opts.Persistence,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		subs:    make(map[string]*Subscriber),
	}
	if s.schema == nil {
		s.schema = schema.NewRegistry()
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	s.resetTablesLocked()

	if s.persist != nil {
		img, err := s.persist.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("replaying record log: %w", err)
		}

		s.mu.Lock()
		err = s.restoreLocked(img)
		live := len(s.byID)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		s.metrics.LiveNodes(live)

		s.unhook = s.schema.OnRegister(s.typesRegistered)
		logged := make(map[string]bool, len(img.Types))
		for _, d := range img.Types {
			logged[d.Name] = true
		}
		for _, t := range s.schema.UserTypes() {
			if !logged[t.Name()] {
				s.persist.RecordType(t.Descriptor())
			}
		}

		if err := s.persist.Start(ctx, s); err != nil {
			s.unhook()
			return nil, fmt.Errorf("starting persistence: %w", err)
		}
	}

	s.ready.Store(true)
	return s, nil
}

func (s *Store) typesRegistered(types []*schema.Type) {
	for _, t := range types {
		s.persist.RecordType(t.Descriptor())
	}
}

// Schema returns the type registry backing the store.
func (s *Store) Schema() *schema.Registry {
	return s.schema
}

// IsReady reports whether replay has completed. A store without
// persistence is ready as soon as Open returns.
func (s *Store) IsReady() bool {
	if !s.ready.Load() {
		return false
	}
	return s.persist == nil || s.persist.IsReady()
}

// StartTransaction opens a bracket that suppresses persistence flushes.
// Brackets nest. In-memory visibility is unaffected.
func (s *Store) StartTransaction() {
	if s.persist != nil {
		s.persist.StartTransaction()
	}
}

// FinishTransaction closes a bracket. Closing the outermost bracket
// flushes pending records.
func (s *Store) FinishTransaction() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.FinishTransaction()
}

// Close stops all subscribers and drains the persistence writer.
// Further mutations return ErrClosed.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.unhook != nil {
		s.unhook()
	}

	s.subsMu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	if s.persist != nil {
		if err := s.persist.Close(ctx); err != nil {
			return fmt.Errorf("closing persistence: %w", err)
		}
	}
	s.logger.Info("resource store closed")
	return nil
}

// Reset wipes the in-memory tables and registrations. The id counter keeps
// counting and the record log is untouched.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, r := range s.regs {
		r.attached = nil
	}
	s.resetTablesLocked()
	s.mu.Unlock()
	s.metrics.LiveNodes(0)
}

func (s *Store) resetTablesLocked() {
	s.byID = make(map[int64]*Node)
	s.byPath = make(map[string]int64)
	s.byType = make(map[string]map[int64]struct{})
	s.toplevel = make(map[string]int64)
	s.referrers = make(map[int64]map[int64]struct{})
	s.rootRegs = nil
	s.regs = make(map[regKey]*Registration)
}

// AddResource creates a top-level resource with its required subtree.
//
// Parameters:
//   - name: Top-level name, non-empty and free of '/'
//   - typeName: Registered type name
//   - owner: Id of the creating application
//
// Returns:
//   - *Node: The new, inactive resource
//   - error: ErrAlreadyExists if the name is taken, ErrInvalidType for
//     unknown types or invalid names
func (s *Store) AddResource(name, typeName, owner string) (*Node, error) {
	var created *Node
	err := s.write(func(b *batch) error {
		if err := validName(name); err != nil {
			return err
		}
		typ, ok := s.schema.Lookup(typeName)
		if !ok {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidType, typeName)
		}
		if _, taken := s.toplevel[name]; taken {
			return fmt.Errorf("%w: top-level resource %q", ErrAlreadyExists, name)
		}

		nodes, err := s.buildLocked(nil, name, typ, owner, slot{})
		if err != nil {
			return err
		}
		s.insertLocked(b, nodes)
		created = nodes[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("resource added", "path", created.path, "type", typeName, "id", created.id)
	return created, nil
}

// DeleteResource removes n and its live descendants.
//
// Top-level resources and list elements are removed for good. Other
// children are demoted: the slot stays declared and can be realized again
// with CreateChild under a fresh id. References to n are left dangling.
func (s *Store) DeleteResource(n *Node) error {
	return s.write(func(b *batch) error {
		if err := s.checkLocked(n); err != nil {
			return err
		}
		s.deleteLocked(b, n)
		return nil
	})
}

// HasResource reports whether a live top-level resource is named name.
func (s *Store) HasResource(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.toplevel[name]
	return ok
}

// ToplevelResource returns the live top-level resource named name, or nil.
func (s *Store) ToplevelResource(name string) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.toplevel[name]
	if !ok {
		return nil
	}
	return s.byID[id]
}

// AllToplevelResources returns every live top-level resource in id order.
func (s *Store) AllToplevelResources() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toplevelsLocked()
}

func (s *Store) toplevelsLocked() []*Node {
	out := make([]*Node, 0, len(s.toplevel))
	for _, id := range s.toplevel {
		if n := s.byID[id]; n != nil {
			out = append(out, n)
		}
	}
	sortByID(out)
	return out
}

// ByID returns the live node with the given id, or nil.
func (s *Store) ByID(id int64) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// Lookup returns the node at a logical path. Intermediate references are
// followed; the last segment is returned as found, which may itself be a
// reference.
func (s *Store) Lookup(path string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(path)
}

// Children returns the live children of n, following references, in
// creation order.
func (s *Store) Children(n *Node) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.liveResolvedLocked(n)
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(t.order))
	for _, id := range t.order {
		if c := s.byID[id]; c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// Child returns the live child of n named name, following references.
func (s *Store) Child(n *Node, name string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.liveResolvedLocked(n)
	if err != nil {
		return nil, err
	}
	c := s.childLocked(t, name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, t.childPath(name))
	}
	return c, nil
}

// Stats returns current table sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Nodes:         len(s.byID),
		TopLevel:      len(s.toplevel),
		Registrations: len(s.regs),
	}
	for _, n := range s.byID {
		if n.reference {
			st.References++
		}
	}
	s.mu.RUnlock()

	s.subsMu.Lock()
	st.Subscribers = len(s.subs)
	s.subsMu.Unlock()
	return st
}

// batch collects the side effects of one locked mutation.
type batch struct {
	changes    []Change
	deliveries []delivery
	created    int
	deleted    int
	values     int
	links      int
	dropped    int
	live       int
}

func (b *batch) record(n *Node, kind ChangeKind) {
	if n.nonPersistent {
		return
	}
	b.changes = append(b.changes, Change{ID: n.id, Kind: kind})
}

// write runs fn under the write lock and issues its side effects after
// release. fn must validate before it mutates: a failing fn leaves the
// tree untouched and its batch is discarded.
func (s *Store) write(fn func(b *batch) error) error {
	var b batch
	s.mu.Lock()
	var err error
	if s.closed {
		err = ErrClosed
	} else {
		err = fn(&b)
	}
	if err != nil {
		b = batch{}
	}
	b.live = len(s.byID)
	s.mu.Unlock()

	s.commit(&b)
	return err
}

func (s *Store) commit(b *batch) {
	if s.persist != nil {
		for _, c := range b.changes {
			s.persist.Record(c)
		}
	}

	delivered := 0
	for _, d := range b.deliveries {
		if d.sub.enqueue(d.event) {
			delivered++
		} else {
			b.dropped++
		}
	}

	if b.created > 0 {
		s.metrics.NodesCreated(b.created)
	}
	if b.deleted > 0 {
		s.metrics.NodesDeleted(b.deleted)
	}
	for i := 0; i < b.values; i++ {
		s.metrics.ValueWritten()
	}
	for i := 0; i < b.links; i++ {
		s.metrics.ReferenceLinked()
	}
	if delivered > 0 {
		s.metrics.EventsDelivered(delivered)
	}
	if b.dropped > 0 {
		s.metrics.EventsDropped(b.dropped)
	}
	if b.created > 0 || b.deleted > 0 {
		s.metrics.LiveNodes(b.live)
	}
}

// checkLocked verifies that n is indexed in this store.
func (s *Store) checkLocked(n *Node) error {
	if n == nil || n.store != s {
		return fmt.Errorf("%w: node not in store", ErrNotFound)
	}
	if cur, ok := s.byID[n.id]; !ok || cur != n {
		return fmt.Errorf("%w: %s", ErrNotFound, n.path)
	}
	return nil
}

func (s *Store) liveResolvedLocked(n *Node) (*Node, error) {
	if err := s.checkLocked(n); err != nil {
		return nil, err
	}
	return s.resolveLocked(n)
}

func (s *Store) childLocked(n *Node, name string) *Node {
	id, ok := n.children[name]
	if !ok {
		return nil
	}
	c, ok := s.byID[id]
	if !ok {
		s.logger.Error("child index points at missing node", "parent", n.path, "child", name, "id", id)
		return nil
	}
	return c
}

func (s *Store) lookupLocked(path string) (*Node, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	segs := strings.Split(path, "/")

	id, ok := s.toplevel[segs[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	cur, ok := s.byID[id]
	if !ok {
		s.logger.Error("top-level index points at missing node", "name", segs[0], "id", id)
		return nil, fmt.Errorf("%w: top-level %q", ErrIndexCorruption, segs[0])
	}

	for _, seg := range segs[1:] {
		parent, err := s.resolveLocked(cur)
		if err != nil {
			return nil, err
		}
		childID, ok := parent.children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		cur, ok = s.byID[childID]
		if !ok {
			s.logger.Error("child index points at missing node", "parent", parent.path, "child", seg, "id", childID)
			return nil, fmt.Errorf("%w: %s", ErrIndexCorruption, parent.childPath(seg))
		}
	}
	return cur, nil
}

func (s *Store) indexLocked(n *Node) {
	n.live = true
	s.byID[n.id] = n
	s.byPath[n.path] = n.id
	ids, ok := s.byType[n.typ.Name()]
	if !ok {
		ids = make(map[int64]struct{})
		s.byType[n.typ.Name()] = ids
	}
	ids[n.id] = struct{}{}
	if n.parentID == 0 {
		s.toplevel[n.name] = n.id
	}
}

func (s *Store) unindexLocked(b *batch, n *Node) {
	delete(s.byID, n.id)
	if id, ok := s.byPath[n.path]; ok && id == n.id {
		delete(s.byPath, n.path)
	}
	if ids, ok := s.byType[n.typ.Name()]; ok {
		delete(ids, n.id)
		if len(ids) == 0 {
			delete(s.byType, n.typ.Name())
		}
	}
	if n.parentID == 0 {
		if id, ok := s.toplevel[n.name]; ok && id == n.id {
			delete(s.toplevel, n.name)
		}
	}
	if n.reference {
		s.unlinkLocked(n)
	}
	for _, r := range n.regs {
		delete(r.attached, n.id)
	}
	n.regs = nil
	n.live = false

	b.record(n, ChangeDeleted)
	b.deleted++
}

// deleteLocked removes n's physical subtree.
func (s *Store) deleteLocked(b *batch, n *Node) {
	nodes := s.subtreeLocked(n)
	var parent *Node
	if n.parentID != 0 {
		parent = s.byID[n.parentID]
	}

	// Paths are translated while the nodes are still indexed.
	for _, d := range nodes {
		s.emitLocked(b, d.regs, Event{Kind: ResourceDeleted, Node: d}, true)
	}
	s.emitLocked(b, s.regsOf(parent), Event{Kind: SubResourceDeleted, Node: parent, Child: n}, true)

	for i := len(nodes) - 1; i >= 0; i-- {
		s.unindexLocked(b, nodes[i])
	}
	if parent != nil {
		parent.removeChild(n)
	}

	if n.parentID == 0 || n.element || n.decorator {
		s.logger.Debug("resource deleted", "path", n.path, "nodes", len(nodes))
	} else {
		s.logger.Debug("resource demoted", "path", n.path, "nodes", len(nodes))
	}
}

// subtreeLocked returns n and its live physical descendants, parents first.
func (s *Store) subtreeLocked(n *Node) []*Node {
	out := []*Node{n}
	for i := 0; i < len(out); i++ {
		for _, id := range out[i].order {
			if c, ok := s.byID[id]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func (s *Store) sortedLocked(m map[int64]*Node) []*Node {
	out := make([]*Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sortByID(out)
	return out
}

func sortByID(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
}

func validName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidType)
	case strings.ContainsAny(name, "/*"):
		return fmt.Errorf("%w: name %q contains a reserved character", ErrInvalidType, name)
	}
	return nil
}
