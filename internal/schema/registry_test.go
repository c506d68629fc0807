package schema

import (
	"errors"
	"testing"
)

func thermostat() Descriptor {
	return Descriptor{
		Name:    "devices.Thermostat",
		Extends: ResourceTypeName,
		Children: []ChildDescriptor{
			{Name: "setpoint", Type: FloatTypeName, Required: true},
			{Name: "reading", Type: FloatTypeName},
		},
	}
}

func TestNewRegistry_Builtins(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name string
		kind Kind
	}{
		{ResourceTypeName, KindComposite},
		{BooleanTypeName, KindBoolean},
		{IntegerTypeName, KindInteger},
		{FloatTypeName, KindFloat},
		{TimeTypeName, KindTime},
		{StringTypeName, KindString},
		{OpaqueTypeName, KindOpaque},
		{FloatArrayTypeName, KindFloatArray},
		{ListTypeName, KindList},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, ok := reg.Lookup(tt.name)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.name)
			}
			if typ.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", typ.Kind(), tt.kind)
			}
			if !typ.Builtin() {
				t.Error("Builtin() = false, want true")
			}
		})
	}

	if len(reg.UserTypes()) != 0 {
		t.Errorf("UserTypes() = %d, want 0", len(reg.UserTypes()))
	}
}

func TestRegisterType_InheritsChildren(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.RegisterType(thermostat()); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}

	smart, err := reg.RegisterType(Descriptor{
		Name:    "devices.SmartThermostat",
		Extends: "devices.Thermostat",
		Children: []ChildDescriptor{
			{Name: "humidity", Type: FloatTypeName},
			{Name: "reading", Type: FloatTypeName, Required: true},
		},
	})
	if err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}

	children := smart.Children()
	want := []string{"setpoint", "reading", "humidity"}
	if len(children) != len(want) {
		t.Fatalf("Children() = %d entries, want %d", len(children), len(want))
	}
	for i, name := range want {
		if children[i].Name != name {
			t.Errorf("Children()[%d] = %q, want %q", i, children[i].Name, name)
		}
	}

	reading, _ := smart.Child("reading")
	if !reading.Required {
		t.Error("overridden child should be required")
	}
	if !smart.IsANamed("devices.Thermostat") || !smart.IsANamed(ResourceTypeName) {
		t.Error("IsANamed() should follow the extends chain")
	}
	if smart.Kind() != KindComposite {
		t.Errorf("Kind() = %v, want composite", smart.Kind())
	}
}

func TestRegisterType_Idempotent(t *testing.T) {
	reg := NewRegistry()
	first, err := reg.RegisterType(thermostat())
	if err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	second, err := reg.RegisterType(thermostat())
	if err != nil {
		t.Fatalf("second RegisterType() error = %v", err)
	}
	if first != second {
		t.Error("re-registering an identical descriptor should return the same type")
	}
	if len(reg.UserTypes()) != 1 {
		t.Errorf("UserTypes() = %d, want 1", len(reg.UserTypes()))
	}
}

func TestRegisterType_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		setup []Descriptor
		desc  Descriptor
	}{
		{
			name: "empty name",
			desc: Descriptor{Extends: ResourceTypeName},
		},
		{
			name: "missing extends",
			desc: Descriptor{Name: "a.NoParent"},
		},
		{
			name: "unknown parent",
			desc: Descriptor{Name: "a.Orphan", Extends: "a.Missing"},
		},
		{
			name: "unknown child type",
			desc: Descriptor{Name: "a.Bad", Extends: ResourceTypeName, Children: []ChildDescriptor{
				{Name: "x", Type: "a.Missing"},
			}},
		},
		{
			name: "duplicate child",
			desc: Descriptor{Name: "a.Dup", Extends: ResourceTypeName, Children: []ChildDescriptor{
				{Name: "x", Type: FloatTypeName},
				{Name: "x", Type: IntegerTypeName},
			}},
		},
		{
			name: "children on value type",
			desc: Descriptor{Name: "a.Temp", Extends: FloatTypeName, Children: []ChildDescriptor{
				{Name: "unit", Type: StringTypeName},
			}},
		},
		{
			name: "element type on non-list",
			desc: Descriptor{Name: "a.El", Extends: ResourceTypeName, Children: []ChildDescriptor{
				{Name: "x", Type: FloatTypeName, ElementType: FloatTypeName},
			}},
		},
		{
			name: "redefine builtin",
			desc: Descriptor{Name: FloatTypeName, Extends: ResourceTypeName},
		},
		{
			name:  "conflicting redefinition",
			setup: []Descriptor{thermostat()},
			desc:  Descriptor{Name: "devices.Thermostat", Extends: ResourceTypeName},
		},
		{
			name: "required self reference",
			desc: Descriptor{Name: "a.Loop", Extends: ResourceTypeName, Children: []ChildDescriptor{
				{Name: "next", Type: "a.Loop", Required: true},
			}},
		},
		{
			name: "slash in child name",
			desc: Descriptor{Name: "a.Slash", Extends: ResourceTypeName, Children: []ChildDescriptor{
				{Name: "a/b", Type: FloatTypeName},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			for _, d := range tt.setup {
				if _, err := reg.RegisterType(d); err != nil {
					t.Fatalf("setup RegisterType() error = %v", err)
				}
			}
			_, err := reg.RegisterType(tt.desc)
			if !errors.Is(err, ErrInvalidType) {
				t.Fatalf("RegisterType() error = %v, want ErrInvalidType", err)
			}
			if tt.desc.Name != "" && len(tt.setup) == 0 {
				if _, ok := reg.Lookup(tt.desc.Name); ok && tt.desc.Name != FloatTypeName {
					t.Error("rejected type should not be registered")
				}
			}
		})
	}
}

func TestRegisterTypes_ForwardReferences(t *testing.T) {
	reg := NewRegistry()

	types, err := reg.RegisterTypes(
		Descriptor{Name: "home.House", Extends: ResourceTypeName, Children: []ChildDescriptor{
			{Name: "rooms", Type: ListTypeName, Required: true, ElementType: "home.Room"},
		}},
		Descriptor{Name: "home.Room", Extends: ResourceTypeName, Children: []ChildDescriptor{
			{Name: "temperature", Type: "home.Temperature", Required: true},
			{Name: "neighbour", Type: "home.Room"},
		}},
		Descriptor{Name: "home.Temperature", Extends: FloatTypeName},
	)
	if err != nil {
		t.Fatalf("RegisterTypes() error = %v", err)
	}
	if len(types) != 3 {
		t.Fatalf("RegisterTypes() returned %d types, want 3", len(types))
	}

	rooms, ok := types[0].Child("rooms")
	if !ok {
		t.Fatal("House should declare rooms")
	}
	if rooms.ElementType == nil || rooms.ElementType.Name() != "home.Room" {
		t.Errorf("rooms.ElementType = %v, want home.Room", rooms.ElementType)
	}
	if types[2].Kind() != KindFloat {
		t.Errorf("Temperature kind = %v, want float", types[2].Kind())
	}
}

func TestRegisterTypes_AtomicOnError(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.RegisterTypes(
		Descriptor{Name: "a.Good", Extends: ResourceTypeName},
		Descriptor{Name: "a.Bad", Extends: "a.Missing"},
	)
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("RegisterTypes() error = %v, want ErrInvalidType", err)
	}
	if _, ok := reg.Lookup("a.Good"); ok {
		t.Error("a failed batch should register nothing")
	}
}

func TestRegisterTypes_ExtendsCycle(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterTypes(
		Descriptor{Name: "a.A", Extends: "a.B"},
		Descriptor{Name: "a.B", Extends: "a.A"},
	)
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("RegisterTypes() error = %v, want ErrInvalidType", err)
	}
}

func TestRegisterTypes_RequiredCycleAcrossTypes(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterTypes(
		Descriptor{Name: "a.A", Extends: ResourceTypeName, Children: []ChildDescriptor{
			{Name: "b", Type: "a.B", Required: true},
		}},
		Descriptor{Name: "a.B", Extends: ResourceTypeName, Children: []ChildDescriptor{
			{Name: "a", Type: "a.A", Required: true},
		}},
	)
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("RegisterTypes() error = %v, want ErrInvalidType", err)
	}
}

func TestRegisterType_OptionalRecursionAllowed(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterType(Descriptor{Name: "a.Node", Extends: ResourceTypeName, Children: []ChildDescriptor{
		{Name: "next", Type: "a.Node"},
	}})
	if err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
}

func TestOnRegister(t *testing.T) {
	reg := NewRegistry()

	var got []string
	remove := reg.OnRegister(func(types []*Type) {
		for _, typ := range types {
			got = append(got, typ.Name())
		}
	})

	if _, err := reg.RegisterType(thermostat()); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	// Identical re-registration adds nothing.
	if _, err := reg.RegisterType(thermostat()); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	remove()
	if _, err := reg.RegisterType(Descriptor{Name: "a.Later", Extends: ResourceTypeName}); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}

	if len(got) != 1 || got[0] != "devices.Thermostat" {
		t.Errorf("hook saw %v, want [devices.Thermostat]", got)
	}
}

func TestTypes_Order(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"z.Last", "a.First"} {
		if _, err := reg.RegisterType(Descriptor{Name: name, Extends: ResourceTypeName}); err != nil {
			t.Fatalf("RegisterType(%q) error = %v", name, err)
		}
	}

	user := reg.UserTypes()
	if user[0].Name() != "z.Last" || user[1].Name() != "a.First" {
		t.Errorf("UserTypes() should keep registration order, got %v", user)
	}
	if n := len(reg.Types()); n != len(builtinKinds)+1+2 {
		t.Errorf("Types() = %d, want %d", n, len(builtinKinds)+3)
	}
}

func TestDescriptor_CopyIsolated(t *testing.T) {
	reg := NewRegistry()
	typ, err := reg.RegisterType(thermostat())
	if err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	d := typ.Descriptor()
	d.Children[0].Name = "mutated"
	if typ.Descriptor().Children[0].Name != "setpoint" {
		t.Error("Descriptor() should return a copy")
	}
}
