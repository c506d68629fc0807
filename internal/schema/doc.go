// Package schema holds the type descriptors that shape the resource tree.
//
// Types are registered explicitly, either in code or from YAML tables, and
// never derived by reflection. Every type extends another type and every
// chain ends at the built-in Resource marker:
//
//	Resource
//	├── Boolean, Integer, Float, Time, String, Opaque
//	├── BooleanArray, IntegerArray, FloatArray, TimeArray, StringArray
//	└── ResourceList
//
// A composite type declares an ordered list of children. Required children
// are created eagerly with every instance; optional ones on demand. A
// ResourceList holds homogeneously typed elements whose type is either fixed
// by the declaring child (ElementType) or by the first element added.
//
// Registration rejects descriptors that would make eager materialization
// infinite: a cycle of required children is an error, while recursion through
// optional children is allowed.
//
// Usage:
//
//	reg := schema.NewRegistry()
//	_, err := reg.RegisterType(schema.Descriptor{
//	    Name:    "devices.Thermostat",
//	    Extends: schema.ResourceTypeName,
//	    Children: []schema.ChildDescriptor{
//	        {Name: "setpoint", Type: "Float", Required: true},
//	        {Name: "reading", Type: "Float"},
//	    },
//	})
//
// Thread Safety: Registry methods are safe for concurrent use. Registered
// *Type values are immutable.
package schema
