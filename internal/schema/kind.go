package schema

// Kind is the storage shape of a type.
type Kind int

const (
	KindInvalid Kind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindTime
	KindString
	KindOpaque
	KindBooleanArray
	KindIntegerArray
	KindFloatArray
	KindTimeArray
	KindStringArray
	KindComposite
	KindList
)

var kindNames = map[Kind]string{
	KindInvalid:      "invalid",
	KindBoolean:      "boolean",
	KindInteger:      "integer",
	KindFloat:        "float",
	KindTime:         "time",
	KindString:       "string",
	KindOpaque:       "opaque",
	KindBooleanArray: "boolean_array",
	KindIntegerArray: "integer_array",
	KindFloatArray:   "float_array",
	KindTimeArray:    "time_array",
	KindStringArray:  "string_array",
	KindComposite:    "composite",
	KindList:         "list",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "invalid"
}

// IsValue reports whether nodes of this kind carry a value.
func (k Kind) IsValue() bool {
	return k >= KindBoolean && k <= KindStringArray
}

// IsArray reports whether the kind is one of the scalar array forms.
func (k Kind) IsArray() bool {
	return k >= KindBooleanArray && k <= KindStringArray
}

// Built-in type names.
const (
	ResourceTypeName     = "Resource"
	BooleanTypeName      = "Boolean"
	IntegerTypeName      = "Integer"
	FloatTypeName        = "Float"
	TimeTypeName         = "Time"
	StringTypeName       = "String"
	OpaqueTypeName       = "Opaque"
	BooleanArrayTypeName = "BooleanArray"
	IntegerArrayTypeName = "IntegerArray"
	FloatArrayTypeName   = "FloatArray"
	TimeArrayTypeName    = "TimeArray"
	StringArrayTypeName  = "StringArray"
	ListTypeName         = "ResourceList"
)

var builtinKinds = []struct {
	name string
	kind Kind
}{
	{BooleanTypeName, KindBoolean},
	{IntegerTypeName, KindInteger},
	{FloatTypeName, KindFloat},
	{TimeTypeName, KindTime},
	{StringTypeName, KindString},
	{OpaqueTypeName, KindOpaque},
	{BooleanArrayTypeName, KindBooleanArray},
	{IntegerArrayTypeName, KindIntegerArray},
	{FloatArrayTypeName, KindFloatArray},
	{TimeArrayTypeName, KindTimeArray},
	{StringArrayTypeName, KindStringArray},
	{ListTypeName, KindList},
}

// MaxDepth bounds eager materialization of required children.
const MaxDepth = 32
