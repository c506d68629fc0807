package schema

// Descriptor is the declarative, serializable form of a type.
type Descriptor struct {
	Name     string            `yaml:"name" json:"name"`
	Extends  string            `yaml:"extends" json:"extends"`
	Children []ChildDescriptor `yaml:"children,omitempty" json:"children,omitempty"`
}

// ChildDescriptor declares one named child of a composite type.
type ChildDescriptor struct {
	Name          string `yaml:"name" json:"name"`
	Type          string `yaml:"type" json:"type"`
	Required      bool   `yaml:"required,omitempty" json:"required,omitempty"`
	NonPersistent bool   `yaml:"non_persistent,omitempty" json:"non_persistent,omitempty"`

	// ElementType fixes the element type of a ResourceList child.
	ElementType string `yaml:"element_type,omitempty" json:"element_type,omitempty"`
}

func (d Descriptor) equal(o Descriptor) bool {
	if d.Name != o.Name || d.Extends != o.Extends || len(d.Children) != len(o.Children) {
		return false
	}
	for i := range d.Children {
		if d.Children[i] != o.Children[i] {
			return false
		}
	}
	return true
}

// Child is a resolved child declaration.
type Child struct {
	Name          string
	Type          *Type
	Required      bool
	NonPersistent bool

	// ElementType is set for ResourceList children with a static element type.
	ElementType *Type
}

// Type is a registered, immutable type descriptor.
type Type struct {
	name     string
	kind     Kind
	parent   *Type
	builtin  bool
	desc     Descriptor
	children []Child
	index    map[string]int
}

// Name returns the registered type name.
func (t *Type) Name() string { return t.name }

// Kind returns the storage shape inherited from the built-in root.
func (t *Type) Kind() Kind { return t.kind }

// Parent returns the extended type, nil for Resource.
func (t *Type) Parent() *Type { return t.parent }

// Builtin reports whether the type is one of the predefined types.
func (t *Type) Builtin() bool { return t.builtin }

// Descriptor returns the descriptor the type was registered from.
func (t *Type) Descriptor() Descriptor {
	d := t.desc
	d.Children = append([]ChildDescriptor(nil), t.desc.Children...)
	return d
}

// IsComposite reports whether instances hold named children.
func (t *Type) IsComposite() bool { return t.kind == KindComposite }

// IsList reports whether instances are ResourceLists.
func (t *Type) IsList() bool { return t.kind == KindList }

// Children returns the declared children, inherited ones first.
func (t *Type) Children() []Child {
	return append([]Child(nil), t.children...)
}

// Child returns the declaration for name.
func (t *Type) Child(name string) (Child, bool) {
	i, ok := t.index[name]
	if !ok {
		return Child{}, false
	}
	return t.children[i], true
}

// IsA reports whether t is base or extends it, directly or transitively.
func (t *Type) IsA(base *Type) bool {
	if base == nil {
		return true
	}
	for cur := t; cur != nil; cur = cur.parent {
		if cur == base {
			return true
		}
	}
	return false
}

// IsANamed is IsA by type name.
func (t *Type) IsANamed(base string) bool {
	if base == "" {
		return true
	}
	for cur := t; cur != nil; cur = cur.parent {
		if cur.name == base {
			return true
		}
	}
	return false
}

func (t *Type) String() string { return t.name }
