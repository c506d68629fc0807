package resource

import (
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// SetAsReference turns slot into an alias for the resolved location of
// target.
//
// The target is flattened before linking so a new edge never points at a
// reference. Relinking to the current resolved target is a no-op.
// Relinking elsewhere rewrites only the edge. A slot that holds data is
// converted in place: its live descendants are deleted and its value dropped.
//
// A slot may alias one of its own ancestors. The logical tree then loops,
// and walks over it stop at nodes they have already visited.
//
// Returns:
//   - error: ErrCircularReference if the slot would alias itself or a node
//     in its own subtree, ErrInvalidType for top-level slots and
//     incompatible types, ErrNotFound for unindexed or dangling nodes
func (s *Store) SetAsReference(slot, target *Node) error {
	return s.write(func(b *batch) error {
		if err := s.checkLocked(slot); err != nil {
			return err
		}
		if err := s.checkLocked(target); err != nil {
			return err
		}
		return s.setReferenceLocked(b, slot, target)
	})
}

func (s *Store) setReferenceLocked(b *batch, slot, target *Node) error {
	if slot.parentID == 0 {
		return fmt.Errorf("%w: top-level resource %s cannot be a reference", ErrInvalidType, slot.path)
	}
	t, err := s.resolveLocked(target)
	if err != nil {
		return err
	}
	if inSubtree(slot, t) {
		return fmt.Errorf("%w: %s -> %s", ErrCircularReference, slot.path, t.path)
	}
	if !t.typ.IsA(slot.typ) {
		return fmt.Errorf("%w: %s is a %s, slot %s needs %s", ErrInvalidType, t.path, t.typ.Name(), slot.path, slot.typ.Name())
	}

	relinked := slot.reference
	if slot.reference {
		if cur, err := s.resolveLocked(slot); err == nil && cur == t {
			return nil
		}
		s.unlinkLocked(slot)
	} else {
		for _, id := range append([]int64(nil), slot.order...) {
			if c, ok := s.byID[id]; ok {
				s.deleteLocked(b, c)
			}
		}
		slot.value = nil
		slot.reference = true
	}
	s.linkLocked(slot, t.id)

	b.record(slot, ChangeValue)
	b.links++

	for _, r := range append([]*Registration(nil), slot.regs...) {
		switch {
		case relinked && !r.root:
			// Drop the old target's branch unless another path still reaches it.
			s.reattachLocked(r)
		case r.recursive:
			s.attachSubtreeLocked(r, t)
		default:
			s.attachLocked(r, t)
		}
	}
	s.emitLocked(b, slot.regs, Event{Kind: ReferenceChanged, Node: slot, Child: t}, true)

	s.logger.Debug("reference linked", "slot", slot.path, "target", t.path)
	return nil
}

// SetChildAsReference makes the declared child name of parent an alias for
// target, creating the slot if it is not live.
func (s *Store) SetChildAsReference(parent *Node, name string, target *Node) (*Node, error) {
	var slotNode *Node
	err := s.write(func(b *batch) error {
		p, err := s.liveResolvedLocked(parent)
		if err != nil {
			return err
		}
		if err := s.checkLocked(target); err != nil {
			return err
		}
		if existing := s.childLocked(p, name); existing != nil {
			slotNode = existing
			return s.setReferenceLocked(b, existing, target)
		}
		decl, ok := p.typ.Child(name)
		if !ok {
			return fmt.Errorf("%w: %s declares no child %q", ErrNotFound, p.typ.Name(), name)
		}

		n, err := s.newReferenceLocked(p, name, decl.Type, target, slot{
			required:      decl.Required,
			nonPersistent: decl.NonPersistent,
			elementType:   decl.ElementType,
		})
		if err != nil {
			return err
		}
		s.insertLocked(b, []*Node{n})
		b.links++
		slotNode = n
		return nil
	})
	return slotNode, err
}

// AddDecoratorReference attaches a decorator under parent that aliases
// target. Adding it again under the same name relinks it.
func (s *Store) AddDecoratorReference(parent *Node, name string, target *Node) (*Node, error) {
	var slotNode *Node
	err := s.write(func(b *batch) error {
		p, err := s.decoratorParentLocked(parent, name)
		if err != nil {
			return err
		}
		if err := s.checkLocked(target); err != nil {
			return err
		}
		t, err := s.resolveLocked(target)
		if err != nil {
			return err
		}

		existing := s.childLocked(p, name)
		if existing != nil {
			if !existing.decorator {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, existing.path)
			}
			if t.typ.IsA(existing.typ) {
				slotNode = existing
				return s.setReferenceLocked(b, existing, t)
			}
			// Replacing the slot would delete the target along with it.
			if inSubtree(existing, t) {
				return fmt.Errorf("%w: %s -> %s", ErrCircularReference, existing.path, t.path)
			}
		}

		n, err := s.newReferenceLocked(p, name, t.typ, t, slot{decorator: true})
		if err != nil {
			return err
		}
		if existing != nil {
			// The alias changes type, so the slot is replaced.
			s.deleteLocked(b, existing)
		}
		s.insertLocked(b, []*Node{n})
		b.links++
		slotNode = n
		return nil
	})
	return slotNode, err
}

// newReferenceLocked stages a reference slot of type typ under p. A fresh
// slot has no subtree, so any resolved target except a dangling one is
// acceptable as far as cycles go.
func (s *Store) newReferenceLocked(p *Node, name string, typ *schema.Type, target *Node, sl slot) (*Node, error) {
	t, err := s.resolveLocked(target)
	if err != nil {
		return nil, err
	}
	path := p.childPath(name)
	if !t.typ.IsA(typ) {
		return nil, fmt.Errorf("%w: %s is a %s, slot %s needs %s", ErrInvalidType, t.path, t.typ.Name(), path, typ.Name())
	}

	n := s.newNodeLocked(p, name, typ, p.owner, sl)
	n.reference = true
	n.target = t.id
	return n, nil
}

// Resolve follows n's reference chain to the node holding the data.
// A non-reference resolves to itself.
//
// Returns:
//   - *Node: The terminal node
//   - error: ErrNotFound if n is not indexed or the chain dangles
func (s *Store) Resolve(n *Node) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveResolvedLocked(n)
}

// resolveLocked walks the chain iteratively with a visited set.
func (s *Store) resolveLocked(n *Node) (*Node, error) {
	cur := n
	var seen map[int64]struct{}
	for cur.reference {
		if seen == nil {
			seen = make(map[int64]struct{})
		}
		if _, loop := seen[cur.id]; loop {
			s.logger.Error("reference chain loops", "path", n.path)
			return nil, fmt.Errorf("%w: chain from %s loops", ErrCircularReference, n.path)
		}
		seen[cur.id] = struct{}{}

		next, ok := s.byID[cur.target]
		if !ok {
			return nil, fmt.Errorf("%w: %s is a dangling reference", ErrNotFound, n.path)
		}
		cur = next
	}
	return cur, nil
}

// ReferencingNodes returns the live reference slots whose chain resolves to
// target, in id order. A reference target is resolved first.
func (s *Store) ReferencingNodes(target *Node) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.liveResolvedLocked(target)
	if err != nil {
		return nil, err
	}
	return s.referencingLocked(t), nil
}

// ReferencingResources returns the resources holding an alias of target:
// the parents of every slot from ReferencingNodes, restricted to instances
// of filterType when it is non-empty.
func (s *Store) ReferencingResources(target *Node, filterType string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.liveResolvedLocked(target)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	var out []*Node
	for _, slotNode := range s.referencingLocked(t) {
		p := s.byID[slotNode.parentID]
		if p == nil {
			continue
		}
		if filterType != "" && !p.typ.IsANamed(filterType) {
			continue
		}
		if _, dup := seen[p.id]; dup {
			continue
		}
		seen[p.id] = struct{}{}
		out = append(out, p)
	}
	sortByID(out)
	return out, nil
}

func (s *Store) referencingLocked(t *Node) []*Node {
	seen := map[int64]struct{}{t.id: {}}
	queue := []int64{t.id}
	var out []*Node
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for slotID := range s.referrers[id] {
			if _, dup := seen[slotID]; dup {
				continue
			}
			n, ok := s.byID[slotID]
			if !ok || !n.reference || n.target != id {
				continue
			}
			seen[slotID] = struct{}{}
			out = append(out, n)
			queue = append(queue, slotID)
		}
	}
	sortByID(out)
	return out
}

func (s *Store) linkLocked(slotNode *Node, targetID int64) {
	slotNode.target = targetID
	set, ok := s.referrers[targetID]
	if !ok {
		set = make(map[int64]struct{})
		s.referrers[targetID] = set
	}
	set[slotNode.id] = struct{}{}
}

func (s *Store) unlinkLocked(slotNode *Node) {
	if set, ok := s.referrers[slotNode.target]; ok {
		delete(set, slotNode.id)
		if len(set) == 0 {
			delete(s.referrers, slotNode.target)
		}
	}
}

// inSubtree reports whether x is n or lies in n's physical subtree.
func inSubtree(n, x *Node) bool {
	return x == n || strings.HasPrefix(x.path, n.path+"/")
}
