package batch

import "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

// Per-element overhead the service charges for nested containers.
const nestedOverhead = 3

// EstimateItemSize approximates the stored size of a wire item in bytes:
// attribute name lengths plus value payloads, with container overhead. It is
// a chunking heuristic, not an exact billing calculation; compare against
// dynadoc.MaxItemBytes to flag oversized items before a write.
func EstimateItemSize(item map[string]types.AttributeValue) int {
	size := 0
	for name, av := range item {
		size += len(name) + attrSize(av)
	}
	return size
}

func attrSize(av types.AttributeValue) int {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return len(v.Value)
	case *types.AttributeValueMemberN:
		return len(v.Value)
	case *types.AttributeValueMemberB:
		return len(v.Value)
	case *types.AttributeValueMemberBOOL, *types.AttributeValueMemberNULL:
		return 1
	case *types.AttributeValueMemberSS:
		n := 0
		for _, s := range v.Value {
			n += len(s)
		}
		return n
	case *types.AttributeValueMemberNS:
		n := 0
		for _, s := range v.Value {
			n += len(s)
		}
		return n
	case *types.AttributeValueMemberBS:
		n := 0
		for _, b := range v.Value {
			n += len(b)
		}
		return n
	case *types.AttributeValueMemberL:
		n := nestedOverhead
		for _, el := range v.Value {
			n += nestedOverhead + attrSize(el)
		}
		return n
	case *types.AttributeValueMemberM:
		n := nestedOverhead
		for name, el := range v.Value {
			n += len(name) + attrSize(el)
		}
		return n
	default:
		return 0
	}
}
