package resource

import (
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// Node is one resource in the tree.
//
// Identity fields (ID, Name, Path, Owner, Type) never change. Everything
// else is owned by the Store and read through its lock; use the Store
// methods to read values and follow references.
type Node struct {
	store    *Store
	id       int64
	name     string
	path     string
	owner    string
	parentID int64
	typ      *schema.Type

	// Guarded by store.mu.
	live          bool
	active        bool
	reference     bool
	target        int64
	decorator     bool
	element       bool
	required      bool
	nonPersistent bool
	elementType   *schema.Type
	nextElement   int
	value         any
	children      map[string]int64
	order         []int64
	regs          []*Registration
}

// ID returns the process-unique node id.
func (n *Node) ID() int64 { return n.id }

// Name returns the last path segment.
func (n *Node) Name() string { return n.name }

// Path returns the slash-separated physical path.
func (n *Node) Path() string { return n.path }

// Owner returns the id of the application that created the resource.
func (n *Node) Owner() string { return n.owner }

// Type returns the declared type of the node.
func (n *Node) Type() *schema.Type { return n.typ }

// IsTopLevel reports whether the node has no parent.
func (n *Node) IsTopLevel() bool { return n.parentID == 0 }

// Parent returns the parent node, or nil for top-level and detached nodes.
func (n *Node) Parent() *Node {
	if n.parentID == 0 {
		return nil
	}
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.store.byID[n.parentID]
}

// IsReference reports whether the node aliases another node.
func (n *Node) IsReference() bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.reference
}

// IsDecorator reports whether the node was attached outside the schema.
func (n *Node) IsDecorator() bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.decorator
}

// IsElement reports whether the node is a ResourceList element.
func (n *Node) IsElement() bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.element
}

// IsRequired reports whether the schema mandates the node.
func (n *Node) IsRequired() bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.required
}

// NonPersistent reports whether the node is excluded from the record log.
func (n *Node) NonPersistent() bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.nonPersistent
}

// ElementType returns the element type of a ResourceList node, nil while
// unresolved or for other kinds.
func (n *Node) ElementType() *schema.Type {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.elementType
}

// IsLive reports whether the node is still indexed.
func (n *Node) IsLive() bool {
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()
	return n.live
}

func (n *Node) String() string { return n.path }

func (n *Node) childPath(name string) string {
	return n.path + "/" + name
}

func (n *Node) addChild(c *Node) {
	if n.children == nil {
		n.children = make(map[string]int64)
	}
	n.children[c.name] = c.id
	n.order = append(n.order, c.id)
}

func (n *Node) removeChild(c *Node) {
	if id, ok := n.children[c.name]; ok && id == c.id {
		delete(n.children, c.name)
	}
	for i, id := range n.order {
		if id == c.id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}
