package codec

import (
	"fmt"

	"github.com/dynadoc/dynadoc/schema"
)

// UnknownTypeError reports a field whose declared type the codec does not
// know. Declaration time accepts anything; this is raised on first use.
type UnknownTypeError struct {
	Field string
	Type  schema.FieldType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown type %q declared for field %q", e.Type, e.Field)
}

// MissingCodecError reports a custom-type field with neither a declared
// codec nor a value that can dump itself.
type MissingCodecError struct {
	Field string
}

func (e *MissingCodecError) Error() string {
	return fmt.Sprintf("field %q has no codec: declare one on the field or implement Dumper on the value", e.Field)
}

// ValueError reports a wire or in-memory value the field type cannot
// represent.
type ValueError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("field %q: cannot handle value %v (%T): %s", e.Field, e.Value, e.Value, e.Reason)
}
