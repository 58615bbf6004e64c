// Package codec translates typed field values to DynamoDB attribute values
// and back. All functions are pure in (value, field definition, settings);
// the settings carry the process-wide timezone and string-storage defaults.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/schema"
)

// Encode translates one typed value to its wire representation. A nil return
// with nil error means "absent": the store disallows empty strings and empty
// sets, so they are elided rather than written.
func Encode(f schema.FieldDef, v any, s *dynadoc.Settings) (types.AttributeValue, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.String:
		str := stringify(v)
		if str == "" {
			return nil, nil
		}
		return &types.AttributeValueMemberS{Value: str}, nil

	case schema.Integer:
		n, err := toInt64(f, v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, nil

	case schema.Number:
		d, err := toDecimal(f, v)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: d.String()}, nil

	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: v, Reason: "not a bool"}
		}
		if f.StringBool {
			code := "f"
			if b {
				code = "t"
			}
			return &types.AttributeValueMemberS{Value: code}, nil
		}
		return &types.AttributeValueMemberBOOL{Value: b}, nil

	case schema.Date:
		t, err := toTime(f, v)
		if err != nil {
			return nil, err
		}
		asString := storeAsString(f, s.StoreDateAsString)
		if asString {
			return &types.AttributeValueMemberS{Value: encodeDate(t, true)}, nil
		}
		return &types.AttributeValueMemberN{Value: encodeDate(t, false)}, nil

	case schema.DateTime:
		t, err := toTime(f, v)
		if err != nil {
			return nil, err
		}
		asString := storeAsString(f, s.StoreDatetimeAsString)
		if asString {
			return &types.AttributeValueMemberS{Value: encodeDatetime(t, true)}, nil
		}
		return &types.AttributeValueMemberN{Value: encodeDatetime(t, false)}, nil

	case schema.StringSet, schema.IntegerSet, schema.NumberSet:
		return encodeSet(f, v)

	case schema.List, schema.Map, schema.Raw:
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, &ValueError{Field: f.Name, Value: v, Reason: err.Error()}
		}
		return Normalize(av), nil

	case schema.Serialized:
		blob, err := serializer(f).Dump(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: serialize: %w", f.Name, err)
		}
		return &types.AttributeValueMemberS{Value: blob}, nil

	case schema.Custom:
		dumped, err := dumpCustom(f, v)
		if err != nil {
			return nil, err
		}
		av, err := attributevalue.Marshal(dumped)
		if err != nil {
			return nil, &ValueError{Field: f.Name, Value: dumped, Reason: err.Error()}
		}
		return Normalize(av), nil

	default:
		return nil, &UnknownTypeError{Field: f.Name, Type: f.Type}
	}
}

// Decode translates one wire value back into the field's typed value.
func Decode(f schema.FieldDef, av types.AttributeValue, s *dynadoc.Settings) (any, error) {
	if av == nil || isNull(av) {
		return nil, nil
	}
	switch f.Type {
	case schema.String:
		str, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: av, Reason: "expected string attribute"}
		}
		return str.Value, nil

	case schema.Integer:
		n, ok := av.(*types.AttributeValueMemberN)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: av, Reason: "expected numeric attribute"}
		}
		return parseInt(f, n.Value)

	case schema.Number:
		n, ok := av.(*types.AttributeValueMemberN)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: av, Reason: "expected numeric attribute"}
		}
		d, err := decimal.NewFromString(n.Value)
		if err != nil {
			return nil, &ValueError{Field: f.Name, Value: n.Value, Reason: err.Error()}
		}
		return d, nil

	case schema.Bool:
		switch b := av.(type) {
		case *types.AttributeValueMemberBOOL:
			return b.Value, nil
		case *types.AttributeValueMemberS:
			switch b.Value {
			case "t":
				return true, nil
			case "f":
				return false, nil
			}
		}
		return nil, &ValueError{Field: f.Name, Value: av, Reason: "not a recognized boolean"}

	case schema.Date:
		switch d := av.(type) {
		case *types.AttributeValueMemberN:
			days, err := strconv.ParseInt(d.Value, 10, 64)
			if err != nil {
				return nil, &ValueError{Field: f.Name, Value: d.Value, Reason: err.Error()}
			}
			return decodeDateDays(days), nil
		case *types.AttributeValueMemberS:
			t, err := time.Parse(dateLayout, d.Value)
			if err != nil {
				return nil, &ValueError{Field: f.Name, Value: d.Value, Reason: err.Error()}
			}
			return t, nil
		}
		return nil, &ValueError{Field: f.Name, Value: av, Reason: "not a recognized date"}

	case schema.DateTime:
		switch d := av.(type) {
		case *types.AttributeValueMemberN:
			t, err := decodeDatetimeNumber(d.Value, s.Timezone)
			if err != nil {
				return nil, &ValueError{Field: f.Name, Value: d.Value, Reason: err.Error()}
			}
			return t, nil
		case *types.AttributeValueMemberS:
			t, err := time.Parse(time.RFC3339Nano, d.Value)
			if err != nil {
				return nil, &ValueError{Field: f.Name, Value: d.Value, Reason: err.Error()}
			}
			return t.In(s.Timezone), nil
		}
		return nil, &ValueError{Field: f.Name, Value: av, Reason: "not a recognized datetime"}

	case schema.StringSet, schema.IntegerSet, schema.NumberSet:
		return decodeSet(f, av)

	case schema.List, schema.Map, schema.Raw:
		return decodeAny(f, av)

	case schema.Serialized:
		str, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			// Dual-write compatibility: values written unserialized by an
			// older schema pass through unchanged.
			return decodeAny(f, av)
		}
		v, err := serializer(f).Load(str.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: deserialize: %w", f.Name, err)
		}
		return v, nil

	case schema.Custom:
		if f.Codec == nil {
			return nil, &MissingCodecError{Field: f.Name}
		}
		raw, err := decodeAny(f, av)
		if err != nil {
			return nil, err
		}
		v, err := f.Codec.Load(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: codec load: %w", f.Name, err)
		}
		return v, nil

	default:
		return nil, &UnknownTypeError{Field: f.Name, Type: f.Type}
	}
}

// EncodeDocument encodes all set attributes of a model instance, in field
// declaration order. Absent encodings are elided from the item.
func EncodeDocument(m *schema.ModelDefinition, attrs map[string]any, s *dynadoc.Settings) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(attrs))
	for _, f := range m.Fields {
		v, ok := attrs[f.Name]
		if !ok {
			continue
		}
		av, err := Encode(f, v, s)
		if err != nil {
			return nil, err
		}
		if av == nil {
			continue
		}
		item[f.Name] = av
	}
	return item, nil
}

// DecodeDocument decodes the declared fields of a stored item. Attributes
// the schema no longer declares are skipped rather than failing.
func DecodeDocument(m *schema.ModelDefinition, item map[string]types.AttributeValue, s *dynadoc.Settings) (map[string]any, error) {
	attrs := make(map[string]any, len(item))
	for _, f := range m.Fields {
		av, ok := item[f.Name]
		if !ok {
			continue
		}
		v, err := Decode(f, av, s)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		attrs[f.Name] = v
	}
	return attrs, nil
}

func storeAsString(f schema.FieldDef, global bool) bool {
	if f.StoreAsString != nil {
		return *f.StoreAsString
	}
	return global
}

func serializer(f schema.FieldDef) schema.Serializer {
	if f.Serializer != nil {
		return f.Serializer
	}
	return jsonSerializer{}
}

// jsonSerializer is the default blob format for Serialized fields.
type jsonSerializer struct{}

func (jsonSerializer) Dump(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (jsonSerializer) Load(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func dumpCustom(f schema.FieldDef, v any) (any, error) {
	if f.Codec != nil {
		return f.Codec.Dump(v)
	}
	if d, ok := v.(schema.Dumper); ok {
		return d.DumpDynamo()
	}
	return nil, &MissingCodecError{Field: f.Name}
}

func decodeAny(f schema.FieldDef, av types.AttributeValue) (any, error) {
	var out any
	if err := attributevalue.Unmarshal(av, &out); err != nil {
		return nil, &ValueError{Field: f.Name, Value: av, Reason: err.Error()}
	}
	return out, nil
}

func isNull(av types.AttributeValue) bool {
	null, ok := av.(*types.AttributeValueMemberNULL)
	return ok && null.Value
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt64(f schema.FieldDef, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, &ValueError{Field: f.Name, Value: v, Reason: "not a whole number"}
		}
		return int64(n), nil
	case decimal.Decimal:
		if !n.IsInteger() {
			return 0, &ValueError{Field: f.Name, Value: v, Reason: "not a whole number"}
		}
		return n.IntPart(), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, &ValueError{Field: f.Name, Value: v, Reason: err.Error()}
		}
		return parsed, nil
	default:
		return 0, &ValueError{Field: f.Name, Value: v, Reason: "not an integer"}
	}
}

func parseInt(f schema.FieldDef, s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return 0, &ValueError{Field: f.Name, Value: s, Reason: "not an integer"}
	}
	return d.IntPart(), nil
}

func toDecimal(f schema.FieldDef, v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		// Exact shortest decimal rendering, never the binary expansion.
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, &ValueError{Field: f.Name, Value: v, Reason: err.Error()}
		}
		return d, nil
	default:
		return decimal.Decimal{}, &ValueError{Field: f.Name, Value: v, Reason: "not a number"}
	}
}

func toTime(f schema.FieldDef, v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		return *t, nil
	default:
		return time.Time{}, &ValueError{Field: f.Name, Value: v, Reason: "not a time value"}
	}
}
