// Package schema holds the declarative side of dynadoc: field and model
// definitions, secondary indexes, the discriminator registry and the
// Document type that carries typed attribute values between the engines.
package schema

import "errors"

// FieldType is the declared type of a field. Unknown types are rejected by
// the codec, not at declaration time, so stored items with historical fields
// can still be loaded.
type FieldType string

const (
	String     FieldType = "string"
	Integer    FieldType = "integer"
	Number     FieldType = "number" // arbitrary-precision decimal
	Bool       FieldType = "bool"
	Date       FieldType = "date"
	DateTime   FieldType = "datetime"
	StringSet  FieldType = "string_set"
	IntegerSet FieldType = "integer_set"
	NumberSet  FieldType = "number_set"
	List       FieldType = "list"
	Map        FieldType = "map"
	Serialized FieldType = "serialized"
	Raw        FieldType = "raw"
	Custom     FieldType = "custom"
)

// ErrCustomDefault is returned when a custom-type field declares a default
// value. Ownership of such a default is ambiguous between the field codec and
// the declaration, so it is rejected at use time.
var ErrCustomDefault = errors.New("default values are not supported on custom-type fields")

// Serializer marshals an arbitrary nested value to a single string blob and
// back. Serialized fields default to JSON when none is set.
type Serializer interface {
	Dump(v any) (string, error)
	Load(s string) (any, error)
}

// Codec is a per-field custom type codec. Dump produces a value the codec can
// represent on the wire (string, number, map, ...); Load reverses it.
type Codec interface {
	Dump(v any) (any, error)
	Load(v any) (any, error)
}

// Dumper is the fallback capability for custom-type fields: when the field
// declares no Codec, a value implementing Dumper encodes itself.
type Dumper interface {
	DumpDynamo() (any, error)
}

// FieldDef declares one typed field of a model. Every field has exactly one
// Type.
type FieldDef struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`

	// Default is a static value or a zero-argument generator func() any,
	// applied when a new document is constructed. Not allowed on Custom
	// fields.
	Default any `yaml:"-"`

	// StoreAsString overrides the process-wide string-storage mode for Date
	// and DateTime fields. Nil inherits the global setting.
	StoreAsString *bool `yaml:"storeAsString,omitempty"`

	// StringBool stores booleans as the single-character codes "t"/"f"
	// instead of the native BOOL type.
	StringBool bool `yaml:"stringBool,omitempty"`

	// Serializer applies to Serialized fields only; nil means JSON.
	Serializer Serializer `yaml:"-"`

	// Codec applies to Custom fields only.
	Codec Codec `yaml:"-"`
}

// DefaultValue evaluates the declared default. The second return is false
// when no default is declared.
func (f FieldDef) DefaultValue() (any, bool) {
	switch d := f.Default.(type) {
	case nil:
		return nil, false
	case func() any:
		return d(), true
	default:
		return d, true
	}
}
