package resource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// RootID selects the top-level resources in Criteria.ID.
const RootID = "root"

// Criteria is a fixed-predicate query. See FilteredNodes.
type Criteria struct {
	ID    string
	Path  string
	Type  string
	Owner string
}

// pathPattern is a normalized Criteria.Path.
type pathPattern struct {
	prefix   string
	wildcard bool
}

// parsePath strips the leading slash and folds trailing "/*" or "*" into a
// prefix wildcard. "/", "*" and "/*" match everything.
func parsePath(p string) pathPattern {
	p = strings.TrimPrefix(p, "/")
	switch {
	case p == "" || p == "*":
		return pathPattern{wildcard: true}
	case strings.HasSuffix(p, "*"):
		return pathPattern{prefix: strings.TrimSuffix(p, "*"), wildcard: true}
	}
	return pathPattern{prefix: strings.TrimSuffix(p, "/")}
}

// FilteredNodes answers a Criteria query. Results are distinct and in id
// order.
//
// A non-empty ID lists children: "#" or "root" gives the non-reference
// top-levels, a numeric id the live children of that node. A path without
// wildcard yields at most the node at that physical path; a wildcard path
// every non-reference node under the prefix. Type filters are exact for
// plain paths and IsA for wildcards. A type-only query returns the
// top-level ancestors of the non-reference nodes of that exact type. An
// owner-only query returns that owner's non-reference top-levels.
func (s *Store) FilteredNodes(c Criteria) []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c.ID != "" {
		return s.childrenByIDLocked(c.ID)
	}

	set := make(map[int64]*Node)
	switch {
	case c.Path != "":
		pat := parsePath(c.Path)
		if !pat.wildcard {
			if n := s.exactPathLocked(pat.prefix, c); n != nil {
				set[n.id] = n
			}
			break
		}
		for _, n := range s.byID {
			if n.reference || !strings.HasPrefix(n.path, pat.prefix) {
				continue
			}
			if c.Owner != "" && n.owner != c.Owner {
				continue
			}
			if c.Type != "" && !n.typ.IsANamed(c.Type) {
				continue
			}
			set[n.id] = n
		}

	case c.Type != "":
		for id := range s.byType[c.Type] {
			n := s.byID[id]
			if n == nil || n.reference {
				continue
			}
			if c.Owner != "" && n.owner != c.Owner {
				continue
			}
			top := s.topLevelOfLocked(n)
			if top != nil {
				set[top.id] = top
			}
		}

	default:
		for _, n := range s.toplevelsLocked() {
			if n.reference {
				continue
			}
			if c.Owner != "" && n.owner != c.Owner {
				continue
			}
			set[n.id] = n
		}
	}

	return s.sortedLocked(set)
}

func (s *Store) exactPathLocked(path string, c Criteria) *Node {
	id, ok := s.byPath[path]
	if !ok {
		return nil
	}
	n := s.byID[id]
	switch {
	case n == nil || n.reference:
		return nil
	case c.Owner != "" && n.owner != c.Owner:
		return nil
	case c.Type != "" && n.typ.Name() != c.Type:
		return nil
	}
	return n
}

func (s *Store) childrenByIDLocked(id string) []*Node {
	if id == "#" || id == RootID {
		var out []*Node
		for _, n := range s.toplevelsLocked() {
			if !n.reference {
				out = append(out, n)
			}
		}
		return out
	}

	num, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil
	}
	n, ok := s.byID[num]
	if !ok {
		return nil
	}
	t, err := s.resolveLocked(n)
	if err != nil {
		return nil
	}
	out := make([]*Node, 0, len(t.order))
	for _, cid := range t.order {
		if c := s.byID[cid]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) topLevelOfLocked(n *Node) *Node {
	cur := n
	for cur.parentID != 0 {
		p, ok := s.byID[cur.parentID]
		if !ok {
			s.logger.Error("parent index points at missing node", "path", cur.path, "parent", cur.parentID)
			return nil
		}
		cur = p
	}
	return cur
}

// TypeChildren returns the types of the declared children of typeName.
//
// When a live node of exactly that type exists its materialized children
// are inspected, so lists report the element type they resolved to.
// Otherwise the descriptor is used: lists report their static element
// type, or the list type itself.
func (s *Store) TypeChildren(typeName string) ([]*schema.Type, error) {
	typ, ok := s.schema.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidType, typeName)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var sample *Node
	for id := range s.byType[typeName] {
		n := s.byID[id]
		if n == nil || n.reference {
			continue
		}
		if sample == nil || n.id < sample.id {
			sample = n
		}
	}

	decls := typ.Children()
	out := make([]*schema.Type, 0, len(decls))
	for _, d := range decls {
		if sample != nil {
			if c := s.childLocked(sample, d.Name); c != nil {
				if c.typ.IsList() && c.elementType != nil {
					out = append(out, c.elementType)
				} else {
					out = append(out, c.typ)
				}
				continue
			}
		}
		if d.Type.IsList() && d.ElementType != nil {
			out = append(out, d.ElementType)
		} else {
			out = append(out, d.Type)
		}
	}
	return out, nil
}
