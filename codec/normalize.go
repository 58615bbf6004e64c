package codec

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Normalize applies the store's empty-value rules recursively through maps,
// lists and sets: empty strings, explicit nulls and empty sets/lists become
// absent (nil), everything else is returned intact. Normalize is idempotent.
func Normalize(av types.AttributeValue) types.AttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		if v.Value == "" {
			return nil
		}
		return v

	case *types.AttributeValueMemberNULL:
		return nil

	case *types.AttributeValueMemberSS:
		elems := nonEmpty(v.Value)
		if len(elems) == 0 {
			return nil
		}
		return &types.AttributeValueMemberSS{Value: elems}

	case *types.AttributeValueMemberNS:
		if len(v.Value) == 0 {
			return nil
		}
		return v

	case *types.AttributeValueMemberBS:
		if len(v.Value) == 0 {
			return nil
		}
		return v

	case *types.AttributeValueMemberL:
		elems := make([]types.AttributeValue, 0, len(v.Value))
		for _, e := range v.Value {
			if n := Normalize(e); n != nil {
				elems = append(elems, n)
			}
		}
		if len(elems) == 0 {
			return nil
		}
		return &types.AttributeValueMemberL{Value: elems}

	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: NormalizeItem(v.Value)}

	default:
		return av
	}
}

// NormalizeItem normalizes every attribute of an item, dropping the ones
// that normalize to absent.
func NormalizeItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for name, av := range item {
		if n := Normalize(av); n != nil {
			out[name] = n
		}
	}
	return out
}
