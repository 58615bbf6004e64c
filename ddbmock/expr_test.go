package ddbmock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func TestEvalCondition(t *testing.T) {
	item := map[string]types.AttributeValue{
		"name":    s("alice"),
		"age":     n("30"),
		"city":    s("Oslo"),
		"balance": n("19.99"),
	}
	ctx := exprContext{
		item: item,
		names: map[string]string{
			"#0": "name", "#1": "age", "#2": "city", "#3": "missing", "#4": "balance",
		},
		values: map[string]types.AttributeValue{
			":0": s("alice"), ":1": n("25"), ":2": s("Os"), ":3": n("40"), ":4": n("19.990"),
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"#0 = :0", true},
		{"#0 <> :0", false},
		{"#1 > :1", true},
		{"#1 >= :1", true},
		{"#1 < :1", false},
		{"#1 BETWEEN :1 AND :3", true},
		{"begins_with (#2, :2)", true},
		{"begins_with (#0, :2)", false},
		{"attribute_exists (#0)", true},
		{"attribute_exists (#3)", false},
		{"attribute_not_exists (#3)", true},
		{"(#0 = :0) AND (#1 > :1)", true},
		{"(#0 = :0) AND (#1 < :1)", false},
		{"(#0 = :0) OR (#1 < :1)", true},
		{"NOT (#0 = :0)", false},
		{"#3 = :0", false}, // absent attribute never matches
		{"#4 = :4", true},  // numeric equality ignores trailing zeros
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := evalCondition(tc.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("trailing garbage errors", func(t *testing.T) {
		_, err := evalCondition("#0 = :0 garbage", ctx)
		assert.Error(t, err)
	})
}

func TestApplyUpdate(t *testing.T) {
	newItem := func() map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"name": s("alice"),
			"age":  n("30"),
			"tags": &types.AttributeValueMemberSS{Value: []string{"a", "b"}},
		}
	}
	ctx := func(item map[string]types.AttributeValue) exprContext {
		return exprContext{
			item:  item,
			names: map[string]string{"#0": "name", "#1": "age", "#2": "tags", "#3": "fresh"},
			values: map[string]types.AttributeValue{
				":0": s("bob"),
				":1": n("5"),
				":2": &types.AttributeValueMemberSS{Value: []string{"b", "c"}},
			},
		}
	}

	t.Run("set", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("SET #0 = :0", item, ctx(item)))
		assert.Equal(t, s("bob"), item["name"])
	})

	t.Run("add number", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("ADD #1 :1", item, ctx(item)))
		assert.Equal(t, n("35"), item["age"])
	})

	t.Run("add to absent attribute stores the operand", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("ADD #3 :1", item, ctx(item)))
		assert.Equal(t, n("5"), item["fresh"])
	})

	t.Run("add unions sets", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("ADD #2 :2", item, ctx(item)))
		assert.Equal(t, &types.AttributeValueMemberSS{Value: []string{"a", "b", "c"}}, item["tags"])
	})

	t.Run("delete subtracts sets", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("DELETE #2 :2", item, ctx(item)))
		assert.Equal(t, &types.AttributeValueMemberSS{Value: []string{"a"}}, item["tags"])
	})

	t.Run("remove", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("REMOVE #0", item, ctx(item)))
		assert.NotContains(t, item, "name")
	})

	t.Run("combined sections", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("SET #0 = :0\nADD #1 :1", item, ctx(item)))
		assert.Equal(t, s("bob"), item["name"])
		assert.Equal(t, n("35"), item["age"])
	})

	t.Run("comma separated entries", func(t *testing.T) {
		item := newItem()
		require.NoError(t, applyUpdate("SET #0 = :0, #3 = :1", item, ctx(item)))
		assert.Equal(t, s("bob"), item["name"])
		assert.Equal(t, n("5"), item["fresh"])
	})
}
