package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Logger defines the logging interface used by the Registry.
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

// Registry caches type descriptors by name.
//
// All public methods are thread-safe.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]*Type
	order  []string // user types in registration order
	hooks  map[int]func([]*Type)
	hookID int
	logger Logger
}

// NewRegistry creates a registry preloaded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{
		types:  make(map[string]*Type),
		hooks:  make(map[int]func([]*Type)),
		logger: noopLogger{},
	}

	root := &Type{
		name:    ResourceTypeName,
		kind:    KindComposite,
		builtin: true,
		desc:    Descriptor{Name: ResourceTypeName},
		index:   map[string]int{},
	}
	r.types[root.name] = root

	for _, b := range builtinKinds {
		r.types[b.name] = &Type{
			name:    b.name,
			kind:    b.kind,
			parent:  root,
			builtin: true,
			desc:    Descriptor{Name: b.name, Extends: ResourceTypeName},
			index:   map[string]int{},
		}
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// OnRegister adds a hook called with every batch of newly registered types,
// outside the registry lock. The returned func removes the hook.
func (r *Registry) OnRegister(fn func([]*Type)) (remove func()) {
	r.mu.Lock()
	id := r.hookID
	r.hookID++
	r.hooks[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Get is Lookup returning ErrUnknownType for missing names.
func (r *Registry) Get(name string) (*Type, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Types returns the built-in types sorted by name followed by user types
// in registration order.
func (r *Registry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		if t.builtin {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// UserTypes returns the non-built-in types in registration order.
func (r *Registry) UserTypes() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Type, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// IsA reports whether the type named name extends the type named base.
// Unknown names are never instances of anything.
func (r *Registry) IsA(name, base string) bool {
	t, ok := r.Lookup(name)
	if !ok {
		return false
	}
	return t.IsANamed(base)
}

// RegisterType validates and registers a single descriptor.
// Registering an identical descriptor again returns the existing type.
func (r *Registry) RegisterType(d Descriptor) (*Type, error) {
	types, err := r.RegisterTypes(d)
	if err != nil {
		return nil, err
	}
	return types[0], nil
}

// RegisterTypes registers a batch of descriptors atomically. Descriptors may
// reference each other in any order. On error nothing is registered.
func (r *Registry) RegisterTypes(descs ...Descriptor) ([]*Type, error) {
	r.mu.Lock()

	b := &batch{
		registry: r,
		result:   make([]*Type, len(descs)),
		pending:  make(map[string]*Type),
		state:    make(map[string]int),
	}
	if err := b.build(descs); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	added := make([]*Type, 0, len(b.order))
	for _, name := range b.order {
		t := b.pending[name]
		r.types[name] = t
		r.order = append(r.order, name)
		added = append(added, t)
	}
	hooks := make([]func([]*Type), 0, len(r.hooks))
	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}
	r.mu.Unlock()

	if len(added) > 0 {
		r.logger.Debug("types registered", "count", len(added))
		for _, h := range hooks {
			h(added)
		}
	}
	return b.result, nil
}

// batch resolves a set of descriptors against the registry and each other.
// The registry lock is held by the caller.
type batch struct {
	registry *Registry
	result   []*Type
	pending  map[string]*Type
	order    []string
	state    map[string]int
}

const (
	stateNew = iota
	stateVisiting
	stateDone
)

func (b *batch) lookup(name string) *Type {
	if t, ok := b.pending[name]; ok {
		return t
	}
	return b.registry.types[name]
}

func (b *batch) build(descs []Descriptor) error {
	for i, d := range descs {
		if err := validateDescriptor(d); err != nil {
			return err
		}
		if existing, ok := b.registry.types[d.Name]; ok {
			if existing.builtin {
				return fmt.Errorf("%w: %q is a built-in type", ErrInvalidType, d.Name)
			}
			if !existing.desc.equal(d) {
				return fmt.Errorf("%w: %q already registered with a different definition", ErrInvalidType, d.Name)
			}
			b.result[i] = existing
			continue
		}
		if prev, ok := b.pending[d.Name]; ok {
			if !prev.desc.equal(d) {
				return fmt.Errorf("%w: %q declared twice with different definitions", ErrInvalidType, d.Name)
			}
			b.result[i] = prev
			continue
		}
		t := &Type{name: d.Name, desc: d, index: make(map[string]int)}
		b.pending[d.Name] = t
		b.order = append(b.order, d.Name)
		b.result[i] = t
	}

	for _, name := range b.order {
		if err := b.resolveParent(b.pending[name]); err != nil {
			return err
		}
	}
	for _, name := range b.order {
		b.state[name] = stateNew
	}
	for _, name := range b.order {
		if err := b.buildChildren(b.pending[name]); err != nil {
			return err
		}
	}

	depth := make(map[*Type]int)
	for _, name := range b.order {
		if _, err := requiredDepth(b.pending[name], depth, map[*Type]bool{}); err != nil {
			return err
		}
	}
	return nil
}

// resolveParent links t to its parent and derives its kind.
func (b *batch) resolveParent(t *Type) error {
	switch b.state[t.name] {
	case stateDone:
		return nil
	case stateVisiting:
		return fmt.Errorf("%w: %q extends itself", ErrInvalidType, t.name)
	}
	b.state[t.name] = stateVisiting

	if t.desc.Extends == "" {
		return fmt.Errorf("%w: %q must extend %s or another registered type", ErrInvalidType, t.name, ResourceTypeName)
	}
	parent := b.lookup(t.desc.Extends)
	if parent == nil {
		return fmt.Errorf("%w: %q extends unknown type %q", ErrInvalidType, t.name, t.desc.Extends)
	}
	if _, isPending := b.pending[parent.name]; isPending {
		if err := b.resolveParent(parent); err != nil {
			return err
		}
	}

	t.parent = parent
	t.kind = parent.kind
	if t.kind != KindComposite && len(t.desc.Children) > 0 {
		return fmt.Errorf("%w: %q is a %s type and cannot declare children", ErrInvalidType, t.name, t.kind)
	}

	b.state[t.name] = stateDone
	return nil
}

// buildChildren copies inherited children and resolves declared ones.
func (b *batch) buildChildren(t *Type) error {
	if b.state[t.name] == stateDone {
		return nil
	}
	b.state[t.name] = stateDone

	if _, isPending := b.pending[t.parent.name]; isPending {
		if err := b.buildChildren(t.parent); err != nil {
			return err
		}
	}

	t.children = append([]Child(nil), t.parent.children...)
	for i, c := range t.children {
		t.index[c.Name] = i
	}

	for _, cd := range t.desc.Children {
		ct := b.lookup(cd.Type)
		if ct == nil {
			return fmt.Errorf("%w: %q child %q has unknown type %q", ErrInvalidType, t.name, cd.Name, cd.Type)
		}
		child := Child{
			Name:          cd.Name,
			Type:          ct,
			Required:      cd.Required,
			NonPersistent: cd.NonPersistent,
		}
		if cd.ElementType != "" {
			if ct.kind != KindList {
				return fmt.Errorf("%w: %q child %q declares an element type but is not a list", ErrInvalidType, t.name, cd.Name)
			}
			et := b.lookup(cd.ElementType)
			if et == nil {
				return fmt.Errorf("%w: %q child %q has unknown element type %q", ErrInvalidType, t.name, cd.Name, cd.ElementType)
			}
			child.ElementType = et
		}

		if i, inherited := t.index[cd.Name]; inherited {
			if !ct.IsA(t.children[i].Type) {
				return fmt.Errorf("%w: %q child %q narrows to unrelated type %q", ErrInvalidType, t.name, cd.Name, cd.Type)
			}
			t.children[i] = child
			continue
		}
		t.index[cd.Name] = len(t.children)
		t.children = append(t.children, child)
	}
	return nil
}

// requiredDepth returns the height of the eagerly materialized subtree of t
// and fails on a cycle of required children or a subtree deeper than MaxDepth.
func requiredDepth(t *Type, memo map[*Type]int, onStack map[*Type]bool) (int, error) {
	if d, ok := memo[t]; ok {
		return d, nil
	}
	if onStack[t] {
		return 0, fmt.Errorf("%w: required children of %q form a cycle", ErrInvalidType, t.name)
	}
	onStack[t] = true
	defer delete(onStack, t)

	depth := 0
	for _, c := range t.children {
		if !c.Required || c.Type.kind != KindComposite {
			continue
		}
		d, err := requiredDepth(c.Type, memo, onStack)
		if err != nil {
			return 0, err
		}
		if d+1 > depth {
			depth = d + 1
		}
	}
	if depth > MaxDepth {
		return 0, fmt.Errorf("%w: required subtree of %q exceeds depth %d", ErrInvalidType, t.name, MaxDepth)
	}
	memo[t] = depth
	return depth, nil
}

func validateDescriptor(d Descriptor) error {
	if err := validateName(d.Name); err != nil {
		return fmt.Errorf("%w: type name: %v", ErrInvalidType, err)
	}
	seen := make(map[string]bool, len(d.Children))
	for _, c := range d.Children {
		if err := validateName(c.Name); err != nil {
			return fmt.Errorf("%w: %q child name: %v", ErrInvalidType, d.Name, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %q declares child %q twice", ErrInvalidType, d.Name, c.Name)
		}
		seen[c.Name] = true
		if c.Type == "" {
			return fmt.Errorf("%w: %q child %q has no type", ErrInvalidType, d.Name, c.Name)
		}
	}
	return nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty")
	case strings.ContainsAny(name, "/* \t\n"):
		return fmt.Errorf("%q contains a reserved character", name)
	}
	return nil
}
