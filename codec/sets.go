package codec

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/dynadoc/dynadoc/schema"
)

// encodeSet converts a slice value into a DynamoDB set, enforcing element
// uniqueness and eliding empty sets. Empty-string elements are dropped since
// the store disallows them.
func encodeSet(f schema.FieldDef, v any) (types.AttributeValue, error) {
	var elems []string
	var err error
	switch f.Type {
	case schema.StringSet:
		elems, err = stringSetElems(f, v)
	case schema.IntegerSet:
		elems, err = integerSetElems(f, v)
	case schema.NumberSet:
		elems, err = numberSetElems(f, v)
	}
	if err != nil {
		return nil, err
	}
	elems = dedupe(elems)
	if len(elems) == 0 {
		return nil, nil
	}
	if f.Type == schema.StringSet {
		return &types.AttributeValueMemberSS{Value: elems}, nil
	}
	return &types.AttributeValueMemberNS{Value: elems}, nil
}

// decodeSet re-parses each element per the set's element type.
func decodeSet(f schema.FieldDef, av types.AttributeValue) (any, error) {
	switch f.Type {
	case schema.StringSet:
		ss, ok := av.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: av, Reason: "expected string set"}
		}
		out := make([]string, len(ss.Value))
		copy(out, ss.Value)
		return out, nil

	case schema.IntegerSet:
		ns, ok := av.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: av, Reason: "expected number set"}
		}
		out := make([]int64, 0, len(ns.Value))
		for _, raw := range ns.Value {
			n, err := parseInt(f, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil

	case schema.NumberSet:
		ns, ok := av.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, &ValueError{Field: f.Name, Value: av, Reason: "expected number set"}
		}
		out := make([]decimal.Decimal, 0, len(ns.Value))
		for _, raw := range ns.Value {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, &ValueError{Field: f.Name, Value: raw, Reason: err.Error()}
			}
			out = append(out, d)
		}
		return out, nil
	}
	return nil, &UnknownTypeError{Field: f.Name, Type: f.Type}
}

func stringSetElems(f schema.FieldDef, v any) ([]string, error) {
	switch vs := v.(type) {
	case []string:
		return nonEmpty(vs), nil
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			out = append(out, stringify(e))
		}
		return nonEmpty(out), nil
	default:
		return nil, &ValueError{Field: f.Name, Value: v, Reason: "not a string slice"}
	}
}

func integerSetElems(f schema.FieldDef, v any) ([]string, error) {
	var raw []any
	switch vs := v.(type) {
	case []int64:
		for _, e := range vs {
			raw = append(raw, e)
		}
	case []int:
		for _, e := range vs {
			raw = append(raw, e)
		}
	case []any:
		raw = vs
	default:
		return nil, &ValueError{Field: f.Name, Value: v, Reason: "not an integer slice"}
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		n, err := toInt64(f, e)
		if err != nil {
			return nil, err
		}
		out = append(out, strconv.FormatInt(n, 10))
	}
	return out, nil
}

func numberSetElems(f schema.FieldDef, v any) ([]string, error) {
	var raw []any
	switch vs := v.(type) {
	case []decimal.Decimal:
		for _, e := range vs {
			raw = append(raw, e)
		}
	case []float64:
		for _, e := range vs {
			raw = append(raw, e)
		}
	case []any:
		raw = vs
	default:
		return nil, &ValueError{Field: f.Name, Value: v, Reason: "not a number slice"}
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		d, err := toDecimal(f, e)
		if err != nil {
			return nil, err
		}
		out = append(out, d.String())
	}
	return out, nil
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
