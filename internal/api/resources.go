package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// ResourceView is the JSON form of a node.
type ResourceView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	Owner     string `json:"owner,omitempty"`
	Active    bool   `json:"active"`
	Reference bool   `json:"reference,omitempty"`

	// Target is the resolved path of a reference.
	Target string `json:"target,omitempty"`
	Value  any    `json:"value,omitempty"`

	// Children and ReferencedBy are filled for single-resource responses only.
	Children     []ResourceView `json:"children,omitempty"`
	ReferencedBy []string       `json:"referenced_by,omitempty"`
}

// TypeView is the JSON form of a registered type.
type TypeView struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Extends  string          `json:"extends,omitempty"`
	Builtin  bool            `json:"builtin"`
	Children []TypeChildView `json:"children,omitempty"`
}

// TypeChildView is one declared child of a composite type.
type TypeChildView struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// handleListResources answers a filtered lookup. Query parameters map to
// resource.Criteria: id, path, type, owner.
func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nodes := s.store.FilteredNodes(resource.Criteria{
		ID:    q.Get("id"),
		Path:  q.Get("path"),
		Type:  q.Get("type"),
		Owner: q.Get("owner"),
	})

	views := make([]ResourceView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, s.view(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resources": views,
		"count":     len(views),
	})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "resource id must be a positive integer")
		return
	}
	n := s.store.ByID(id)
	if n == nil {
		writeNotFound(w, "resource not found")
		return
	}

	v := s.view(n)
	children, err := s.store.Children(n)
	if err != nil && !errors.Is(err, resource.ErrNotFound) {
		writeInternalError(w, err.Error())
		return
	}
	for _, c := range children {
		v.Children = append(v.Children, s.view(c))
	}
	if refs, err := s.store.ReferencingNodes(n); err == nil {
		for _, ref := range refs {
			v.ReferencedBy = append(v.ReferencedBy, ref.Path())
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	reg := s.store.Schema()
	types := reg.Types()
	if r.URL.Query().Get("builtin") == "false" {
		types = reg.UserTypes()
	}
	views := make([]TypeView, 0, len(types))
	for _, t := range types {
		views = append(views, typeView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"types": views,
		"count": len(views),
	})
}

func (s *Server) handleTypeChildren(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	types, err := s.store.TypeChildren(name)
	if err != nil {
		if errors.Is(err, resource.ErrInvalidType) {
			writeNotFound(w, "unknown type "+name)
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.Name())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":     name,
		"children": names,
	})
}

// view snapshots n for a response. Lookups that fail because the node was
// deleted concurrently leave the optional fields empty.
func (s *Server) view(n *resource.Node) ResourceView {
	v := ResourceView{
		ID:        n.ID(),
		Name:      n.Name(),
		Path:      n.Path(),
		Type:      n.Type().Name(),
		Owner:     n.Owner(),
		Active:    s.store.IsActive(n),
		Reference: n.IsReference(),
	}
	if v.Reference {
		if t, err := s.store.Resolve(n); err == nil {
			v.Target = t.Path()
		}
	}
	if n.Type().Kind().IsValue() {
		if val, err := s.store.Value(n); err == nil {
			v.Value = val
		}
	}
	return v
}

func typeView(t *schema.Type) TypeView {
	v := TypeView{
		Name:    t.Name(),
		Kind:    t.Kind().String(),
		Builtin: t.Builtin(),
	}
	if p := t.Parent(); p != nil {
		v.Extends = p.Name()
	}
	for _, c := range t.Children() {
		v.Children = append(v.Children, TypeChildView{
			Name:     c.Name,
			Type:     c.Type.Name(),
			Required: c.Required,
		})
	}
	return v
}
