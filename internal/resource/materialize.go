package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// slot carries the flags a parent imposes on a new node.
type slot struct {
	required      bool
	decorator     bool
	element       bool
	nonPersistent bool
	elementType   *schema.Type
}

// buildLocked stages a node and its required subtree without touching any
// index. The returned slice is ordered parents first.
func (s *Store) buildLocked(parent *Node, name string, typ *schema.Type, owner string, sl slot) ([]*Node, error) {
	var out []*Node
	if err := s.buildNodeLocked(&out, parent, name, typ, owner, sl, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) buildNodeLocked(out *[]*Node, parent *Node, name string, typ *schema.Type, owner string, sl slot, depth int) error {
	if depth > schema.MaxDepth {
		return fmt.Errorf("%w: %s exceeds materialization depth %d", ErrInvalidType, name, schema.MaxDepth)
	}
	n := s.newNodeLocked(parent, name, typ, owner, sl)
	*out = append(*out, n)

	// Lists take their shape from elements, never from declarations.
	if !typ.IsComposite() {
		return nil
	}
	for _, c := range typ.Children() {
		if !c.Required {
			continue
		}
		child := slot{required: true, nonPersistent: c.NonPersistent, elementType: c.ElementType}
		if err := s.buildNodeLocked(out, n, c.Name, c.Type, owner, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// newNodeLocked allocates an id and fills in a detached node.
func (s *Store) newNodeLocked(parent *Node, name string, typ *schema.Type, owner string, sl slot) *Node {
	path := name
	var parentID int64
	nonPersistent := sl.nonPersistent
	if parent != nil {
		path = parent.childPath(name)
		parentID = parent.id
		nonPersistent = nonPersistent || parent.nonPersistent
	}

	n := &Node{
		store:         s,
		id:            s.nextID.Add(1),
		name:          name,
		path:          path,
		owner:         owner,
		parentID:      parentID,
		typ:           typ,
		required:      sl.required,
		decorator:     sl.decorator,
		element:       sl.element,
		nonPersistent: nonPersistent,
	}
	if typ.IsList() {
		n.elementType = sl.elementType
	}
	return n
}

// insertLocked indexes staged nodes, links them into their parents,
// propagates recursive registrations and emits SubResourceAdded.
func (s *Store) insertLocked(b *batch, nodes []*Node) {
	for _, n := range nodes {
		s.indexLocked(n)

		var parent *Node
		if n.parentID != 0 {
			parent = s.byID[n.parentID]
			parent.addChild(n)
		}
		if n.reference {
			s.linkLocked(n, n.target)
		}
		s.propagateLocked(n, parent)

		b.record(n, ChangeNew)
		b.created++
		s.emitLocked(b, s.regsOf(parent), Event{Kind: SubResourceAdded, Node: parent, Child: n}, true)
	}
}

// materializeMissingLocked creates the declared required non-persistent
// children of a restored node. Persistent ones come from the log.
func (s *Store) materializeMissingLocked(b *batch, n *Node) error {
	for _, c := range n.typ.Children() {
		if !c.Required || !c.NonPersistent {
			continue
		}
		if _, ok := n.children[c.Name]; ok {
			continue
		}
		nodes, err := s.buildLocked(n, c.Name, c.Type, n.owner, slot{required: true, nonPersistent: c.NonPersistent, elementType: c.ElementType})
		if err != nil {
			return err
		}
		s.insertLocked(b, nodes)
	}
	return nil
}

// CreateChild realizes a declared child of parent with its required subtree.
//
// A live non-reference child is returned as-is. A live reference in the
// slot is replaced by a fresh node, which unlinks the alias.
//
// Returns:
//   - *Node: The child
//   - error: ErrNotFound if the parent type declares no such child
func (s *Store) CreateChild(parent *Node, name string) (*Node, error) {
	var child *Node
	err := s.write(func(b *batch) error {
		p, err := s.liveResolvedLocked(parent)
		if err != nil {
			return err
		}
		decl, ok := p.typ.Child(name)
		if !ok {
			return fmt.Errorf("%w: %s declares no child %q", ErrNotFound, p.typ.Name(), name)
		}
		existing := s.childLocked(p, name)
		if existing != nil && !existing.reference {
			child = existing
			return nil
		}

		nodes, err := s.buildLocked(p, name, decl.Type, p.owner, slot{
			required:      decl.Required,
			nonPersistent: decl.NonPersistent,
			elementType:   decl.ElementType,
		})
		if err != nil {
			return err
		}
		if existing != nil {
			s.deleteLocked(b, existing)
		}
		s.insertLocked(b, nodes)
		child = nodes[0]
		return nil
	})
	return child, err
}

// AddDecorator attaches a child that the parent type does not declare.
// Value resources take decorators too and then hold a value and children.
// A live decorator of the same name and type is returned as-is.
func (s *Store) AddDecorator(parent *Node, name, typeName string) (*Node, error) {
	var child *Node
	err := s.write(func(b *batch) error {
		p, err := s.decoratorParentLocked(parent, name)
		if err != nil {
			return err
		}
		typ, ok := s.schema.Lookup(typeName)
		if !ok {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidType, typeName)
		}
		if existing := s.childLocked(p, name); existing != nil {
			if existing.decorator && existing.typ == typ {
				child = existing
				return nil
			}
			return fmt.Errorf("%w: %s", ErrAlreadyExists, existing.path)
		}

		nodes, err := s.buildLocked(p, name, typ, p.owner, slot{decorator: true})
		if err != nil {
			return err
		}
		s.insertLocked(b, nodes)
		child = nodes[0]
		return nil
	})
	return child, err
}

func (s *Store) decoratorParentLocked(parent *Node, name string) (*Node, error) {
	p, err := s.liveResolvedLocked(parent)
	if err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, declared := p.typ.Child(name); declared {
		return nil, fmt.Errorf("%w: %q is a declared child of %s", ErrInvalidType, name, p.typ.Name())
	}
	return p, nil
}

// AddElement appends an element of typeName to a ResourceList. The first
// element fixes the element type of an unresolved list; later elements
// must be instances of it.
func (s *Store) AddElement(list *Node, typeName string) (*Node, error) {
	var elem *Node
	err := s.write(func(b *batch) error {
		l, err := s.liveResolvedLocked(list)
		if err != nil {
			return err
		}
		if !l.typ.IsList() {
			return fmt.Errorf("%w: %s is not a list", ErrInvalidType, l.path)
		}
		typ, ok := s.schema.Lookup(typeName)
		if !ok {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidType, typeName)
		}
		if l.elementType != nil && !typ.IsA(l.elementType) {
			return fmt.Errorf("%w: %s holds %s elements, got %s", ErrInvalidType, l.path, l.elementType.Name(), typeName)
		}

		name := elementName(typ, l.nextElement)
		nodes, err := s.buildLocked(l, name, typ, l.owner, slot{element: true})
		if err != nil {
			return err
		}
		if l.elementType == nil {
			l.elementType = typ
		}
		l.nextElement++
		b.record(l, ChangeValue)

		s.insertLocked(b, nodes)
		elem = nodes[0]
		return nil
	})
	return elem, err
}

// Elements returns the live elements of a list in insertion order.
func (s *Store) Elements(list *Node) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := s.liveResolvedLocked(list)
	if err != nil {
		return nil, err
	}
	if !l.typ.IsList() {
		return nil, fmt.Errorf("%w: %s is not a list", ErrInvalidType, l.path)
	}
	out := make([]*Node, 0, len(l.order))
	for _, id := range l.order {
		if e := s.byID[id]; e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// elementName derives "<base>_<n>" from the unqualified type name.
func elementName(typ *schema.Type, n int) string {
	base := typ.Name()
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[i+1:]
	}
	return strings.ToLower(base) + "_" + strconv.Itoa(n)
}
