package resource

import (
	"fmt"
	"strings"
	"time"
)

// EventKind classifies a listener event.
type EventKind int

const (
	// ValueChanged is delivered to value listeners.
	ValueChanged EventKind = iota + 1

	// The remaining kinds are delivered to structure listeners.
	SubResourceAdded
	SubResourceDeleted
	ResourceDeleted
	ReferenceChanged
	ResourceActivated
	ResourceDeactivated
)

var eventKindNames = map[EventKind]string{
	ValueChanged:        "value_changed",
	SubResourceAdded:    "sub_resource_added",
	SubResourceDeleted:  "sub_resource_deleted",
	ResourceDeleted:     "resource_deleted",
	ReferenceChanged:    "reference_changed",
	ResourceActivated:   "resource_activated",
	ResourceDeactivated: "resource_deactivated",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one notification delivered to a Listener.
type Event struct {
	Kind EventKind

	// Path is the affected node's path as seen from the registration
	// origin, which may differ from Node.Path() when the origin crosses a
	// reference. Empty for the root.
	Path string

	// Origin is the path the registration was made on.
	Origin string

	// Node is the physical node the event is about: the changed node, the
	// deleted node, the parent of an added or removed child, or the slot
	// of a relinked reference. Nil for the root.
	Node *Node

	// Child is the added or removed child, or the new reference target.
	Child *Node

	// Value is the new value for ValueChanged.
	Value any

	Time time.Time
}

// ChildPath returns the logical path of Child for SubResource events.
func (e Event) ChildPath() string {
	if e.Child == nil {
		return ""
	}
	if e.Path == "" {
		return e.Child.Name()
	}
	return e.Path + "/" + e.Child.Name()
}

// Registration is a listener attachment created by AddResourceListener or
// AddStructureListener.
type Registration struct {
	id         uint64
	sub        *Subscriber
	origin     string
	recursive  bool
	structural bool
	root       bool

	// attached holds the ids of nodes carrying the registration; guarded
	// by the store lock.
	attached map[int64]struct{}
}

// Origin returns the normalized origin path, empty for the root.
func (r *Registration) Origin() string { return r.origin }

// Recursive reports whether the registration covers the origin's subtree.
func (r *Registration) Recursive() bool { return r.recursive }

// Subscriber returns the subscriber receiving the registration's events.
func (r *Registration) Subscriber() *Subscriber { return r.sub }

type regKey struct {
	sub        string
	origin     string
	structural bool
}

type delivery struct {
	sub   *Subscriber
	event Event
}

// AddResourceListener registers sub for value changes at origin and, if
// recursive, everywhere in the logical subtree below it, including nodes
// attached later. Origin "" or "/" is the root: a recursive root
// registration covers every resource.
//
// Registering the same subscriber on the same origin again returns the
// existing registration.
//
// Returns:
//   - *Registration: Handle for Unregister
//   - error: ErrNotFound if origin does not resolve
func (s *Store) AddResourceListener(origin string, sub *Subscriber, recursive bool) (*Registration, error) {
	return s.register(origin, sub, recursive, false)
}

// AddStructureListener registers sub for structural events at origin.
// On the root it receives top-level additions and deletions.
func (s *Store) AddStructureListener(origin string, sub *Subscriber, recursive bool) (*Registration, error) {
	return s.register(origin, sub, recursive, true)
}

func (s *Store) register(origin string, sub *Subscriber, recursive, structural bool) (*Registration, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: nil subscriber", ErrInvalidValue)
	}
	origin = normalizeOrigin(origin)

	var reg *Registration
	err := s.write(func(b *batch) error {
		key := regKey{sub: sub.id, origin: origin, structural: structural}
		if existing, ok := s.regs[key]; ok {
			reg = existing
			return nil
		}

		s.regSeq++
		r := &Registration{
			id:         s.regSeq,
			sub:        sub,
			origin:     origin,
			recursive:  recursive,
			structural: structural,
			root:       origin == "",
			attached:   make(map[int64]struct{}),
		}

		if r.root {
			s.rootRegs = append(s.rootRegs, r)
			if recursive {
				for _, top := range s.toplevelsLocked() {
					s.attachSubtreeLocked(r, top)
				}
			}
		} else {
			n, err := s.lookupLocked(origin)
			if err != nil {
				return err
			}
			s.attachLocked(r, n)
			if t, err := s.resolveLocked(n); err == nil {
				if recursive {
					s.attachSubtreeLocked(r, t)
				} else {
					s.attachLocked(r, t)
				}
			}
		}

		s.regs[key] = r
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// Unregister detaches reg from every node it was attached to. Unknown or
// already removed registrations are ignored.
func (s *Store) Unregister(reg *Registration) {
	if reg == nil {
		return
	}
	s.mu.Lock()
	s.unregisterLocked(reg)
	s.mu.Unlock()
}

func (s *Store) unregisterLocked(r *Registration) {
	for id := range r.attached {
		if n, ok := s.byID[id]; ok {
			n.regs = removeReg(n.regs, r)
		}
	}
	r.attached = nil
	if r.root {
		s.rootRegs = removeReg(s.rootRegs, r)
	}
	key := regKey{sub: r.sub.id, origin: r.origin, structural: r.structural}
	if cur, ok := s.regs[key]; ok && cur == r {
		delete(s.regs, key)
	}
}

func removeReg(regs []*Registration, r *Registration) []*Registration {
	for i, cur := range regs {
		if cur == r {
			return append(regs[:i:i], regs[i+1:]...)
		}
	}
	return regs
}

func (s *Store) attachLocked(r *Registration, n *Node) {
	if r.attached == nil {
		return
	}
	if _, ok := r.attached[n.id]; ok {
		return
	}
	r.attached[n.id] = struct{}{}
	n.regs = append(n.regs, r)
}

// attachSubtreeLocked attaches r to n and everything logically below it,
// crossing references.
func (s *Store) attachSubtreeLocked(r *Registration, n *Node) {
	for _, cur := range s.reachableLocked(n) {
		s.attachLocked(r, cur)
	}
}

// reachableLocked returns n and every node logically below it, each once,
// in breadth-first order.
func (s *Store) reachableLocked(n *Node) []*Node {
	seen := make(map[int64]struct{})
	var out []*Node
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur.id]; ok {
			continue
		}
		seen[cur.id] = struct{}{}
		out = append(out, cur)

		if cur.reference {
			if t, err := s.resolveLocked(cur); err == nil {
				queue = append(queue, t)
			}
			continue
		}
		for _, id := range cur.order {
			if c, ok := s.byID[id]; ok {
				queue = append(queue, c)
			}
		}
	}
	return out
}

// reattachLocked recomputes the nodes r covers from its origin, detaching
// it from nodes that are no longer reachable.
func (s *Store) reattachLocked(r *Registration) {
	if r.attached == nil {
		return
	}
	var nodes []*Node
	if o, err := s.lookupLocked(r.origin); err == nil {
		nodes = append(nodes, o)
		if t, err := s.resolveLocked(o); err == nil {
			if r.recursive {
				nodes = append(nodes, s.reachableLocked(t)...)
			} else {
				nodes = append(nodes, t)
			}
		}
	}

	keep := make(map[int64]struct{}, len(nodes))
	for _, n := range nodes {
		keep[n.id] = struct{}{}
	}
	for id := range r.attached {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(r.attached, id)
		if n, ok := s.byID[id]; ok {
			n.regs = removeReg(n.regs, r)
		}
	}
	for _, n := range nodes {
		s.attachLocked(r, n)
	}
}

// propagateLocked copies the recursive registrations of parent (the root
// for top-level nodes) onto a newly attached node.
func (s *Store) propagateLocked(n, parent *Node) {
	for _, r := range s.regsOf(parent) {
		if r.recursive {
			s.attachSubtreeLocked(r, n)
		}
	}
}

func (s *Store) regsOf(n *Node) []*Registration {
	if n == nil {
		return s.rootRegs
	}
	return n.regs
}

// emitLocked queues ev for every matching registration in regs. Abandoned
// registrations are pruned.
func (s *Store) emitLocked(b *batch, regs []*Registration, ev Event, structural bool) {
	if len(regs) == 0 {
		return
	}
	ev.Time = time.Now()

	var abandoned []*Registration
	for _, r := range regs {
		if r.structural != structural {
			continue
		}
		if r.sub.Closed() {
			abandoned = append(abandoned, r)
			continue
		}
		path, ok := s.translateLocked(r, ev.Node)
		if !ok {
			b.dropped++
			continue
		}
		e := ev
		e.Path = path
		e.Origin = r.origin
		b.deliveries = append(b.deliveries, delivery{sub: r.sub, event: e})
	}
	for _, r := range abandoned {
		s.unregisterLocked(r)
	}
}

// translateLocked expresses x as a path under r's origin. It fails when x is
// no longer reachable from the origin.
func (s *Store) translateLocked(r *Registration, x *Node) (string, bool) {
	if r.root {
		if x == nil {
			return "", true
		}
		return x.path, true
	}
	if x == nil {
		return "", false
	}

	o, err := s.lookupLocked(r.origin)
	if err != nil {
		return "", false
	}
	if o == x {
		return r.origin, true
	}
	t, err := s.resolveLocked(o)
	if err != nil {
		return "", false
	}
	if t == x {
		return r.origin, true
	}
	if strings.HasPrefix(x.path, t.path+"/") {
		return r.origin + x.path[len(t.path):], true
	}
	if !r.recursive {
		return "", false
	}

	type step struct {
		n    *Node
		path string
	}
	seen := map[int64]struct{}{t.id: {}}
	queue := []step{{t, r.origin}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range cur.n.order {
			c, ok := s.byID[id]
			if !ok {
				continue
			}
			cp := cur.path + "/" + c.name
			if c == x {
				return cp, true
			}
			if !c.reference {
				continue
			}
			ct, err := s.resolveLocked(c)
			if err != nil {
				continue
			}
			if ct == x {
				return cp, true
			}
			if strings.HasPrefix(x.path, ct.path+"/") {
				return cp + x.path[len(ct.path):], true
			}
			if _, ok := seen[ct.id]; !ok {
				seen[ct.id] = struct{}{}
				queue = append(queue, step{ct, cp})
			}
		}
		// Physical children without references below are covered by the
		// prefix checks; only descend into branches that may hold aliases.
		for _, id := range cur.n.order {
			if c, ok := s.byID[id]; ok && !c.reference && len(c.order) > 0 {
				if _, ok := seen[c.id]; !ok {
					seen[c.id] = struct{}{}
					queue = append(queue, step{c, cur.path + "/" + c.name})
				}
			}
		}
	}
	return "", false
}

func normalizeOrigin(origin string) string {
	origin = strings.Trim(origin, "/")
	if origin == "*" {
		return ""
	}
	return origin
}
