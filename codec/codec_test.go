package codec

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/schema"
)

func testSettings(t *testing.T) *dynadoc.Settings {
	t.Helper()
	s := dynadoc.DefaultSettings()
	require.NoError(t, s.Validate())
	return s
}

func TestEncode_Scalars(t *testing.T) {
	s := testSettings(t)

	t.Run("string round trip", func(t *testing.T) {
		f := schema.FieldDef{Name: "name", Type: schema.String}
		av, err := Encode(f, "alice", s)
		require.NoError(t, err)
		require.Equal(t, &types.AttributeValueMemberS{Value: "alice"}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, "alice", got)
	})

	t.Run("empty string is absent", func(t *testing.T) {
		f := schema.FieldDef{Name: "name", Type: schema.String}
		av, err := Encode(f, "", s)
		require.NoError(t, err)
		assert.Nil(t, av)
	})

	t.Run("non-string values are stringified", func(t *testing.T) {
		f := schema.FieldDef{Name: "name", Type: schema.String}
		av, err := Encode(f, 42, s)
		require.NoError(t, err)
		assert.Equal(t, &types.AttributeValueMemberS{Value: "42"}, av)
	})

	t.Run("integer round trip", func(t *testing.T) {
		f := schema.FieldDef{Name: "age", Type: schema.Integer}
		av, err := Encode(f, 31, s)
		require.NoError(t, err)
		require.Equal(t, &types.AttributeValueMemberN{Value: "31"}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, int64(31), got)
	})

	t.Run("integer rejects garbage", func(t *testing.T) {
		f := schema.FieldDef{Name: "age", Type: schema.Integer}
		_, err := Encode(f, "not a number", s)
		var verr *ValueError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "age", verr.Field)
	})

	t.Run("number keeps exact decimals", func(t *testing.T) {
		f := schema.FieldDef{Name: "price", Type: schema.Number}
		av, err := Encode(f, "19.99", s)
		require.NoError(t, err)
		require.Equal(t, &types.AttributeValueMemberN{Value: "19.99"}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.True(t, got.(decimal.Decimal).Equal(decimal.RequireFromString("19.99")))
	})

	t.Run("bool native", func(t *testing.T) {
		f := schema.FieldDef{Name: "active", Type: schema.Bool}
		av, err := Encode(f, true, s)
		require.NoError(t, err)
		require.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, true, got)
	})

	t.Run("bool as t/f string", func(t *testing.T) {
		f := schema.FieldDef{Name: "active", Type: schema.Bool, StringBool: true}
		av, err := Encode(f, false, s)
		require.NoError(t, err)
		require.Equal(t, &types.AttributeValueMemberS{Value: "f"}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, false, got)
	})

	t.Run("bool decode accepts both modes", func(t *testing.T) {
		f := schema.FieldDef{Name: "active", Type: schema.Bool}
		got, err := Decode(f, &types.AttributeValueMemberS{Value: "t"}, s)
		require.NoError(t, err)
		assert.Equal(t, true, got)

		_, err = Decode(f, &types.AttributeValueMemberS{Value: "yes"}, s)
		var verr *ValueError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("unknown type errors on both paths", func(t *testing.T) {
		f := schema.FieldDef{Name: "x", Type: schema.FieldType("bogus")}
		_, err := Encode(f, "v", s)
		var uerr *UnknownTypeError
		require.ErrorAs(t, err, &uerr)

		_, err = Decode(f, &types.AttributeValueMemberS{Value: "v"}, s)
		assert.ErrorAs(t, err, &uerr)
	})
}

func TestEncode_Temporal(t *testing.T) {
	s := testSettings(t)

	t.Run("date as epoch days", func(t *testing.T) {
		f := schema.FieldDef{Name: "born", Type: schema.Date}
		day := time.Date(2019, 3, 5, 0, 0, 0, 0, time.UTC)
		av, err := Encode(f, day, s)
		require.NoError(t, err)
		require.IsType(t, &types.AttributeValueMemberN{}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, day, got)
	})

	t.Run("date before the epoch", func(t *testing.T) {
		f := schema.FieldDef{Name: "born", Type: schema.Date}
		day := time.Date(1969, 12, 30, 0, 0, 0, 0, time.UTC)
		av, err := Encode(f, day, s)
		require.NoError(t, err)
		assert.Equal(t, &types.AttributeValueMemberN{Value: "-2"}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, day, got)
	})

	t.Run("date as iso string", func(t *testing.T) {
		asString := true
		f := schema.FieldDef{Name: "born", Type: schema.Date, StoreAsString: &asString}
		day := time.Date(2019, 3, 5, 0, 0, 0, 0, time.UTC)
		av, err := Encode(f, day, s)
		require.NoError(t, err)
		assert.Equal(t, &types.AttributeValueMemberS{Value: "2019-03-05"}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, day, got)
	})

	t.Run("datetime keeps sub-second precision as a number", func(t *testing.T) {
		f := schema.FieldDef{Name: "at", Type: schema.DateTime}
		at := time.Date(2023, 6, 1, 12, 30, 45, 123456789, time.UTC)
		av, err := Encode(f, at, s)
		require.NoError(t, err)
		require.IsType(t, &types.AttributeValueMemberN{}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.True(t, at.Equal(got.(time.Time)))
	})

	t.Run("datetime as rfc3339 string", func(t *testing.T) {
		asString := true
		f := schema.FieldDef{Name: "at", Type: schema.DateTime, StoreAsString: &asString}
		at := time.Date(2023, 6, 1, 12, 30, 45, 0, time.UTC)
		av, err := Encode(f, at, s)
		require.NoError(t, err)
		require.IsType(t, &types.AttributeValueMemberS{}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.True(t, at.Equal(got.(time.Time)))
	})

	t.Run("field override beats global string mode", func(t *testing.T) {
		s2 := dynadoc.DefaultSettings()
		s2.StoreDatetimeAsString = true
		require.NoError(t, s2.Validate())

		asNumber := false
		f := schema.FieldDef{Name: "at", Type: schema.DateTime, StoreAsString: &asNumber}
		av, err := Encode(f, time.Now(), s2)
		require.NoError(t, err)
		assert.IsType(t, &types.AttributeValueMemberN{}, av)
	})
}

func TestEncode_Sets(t *testing.T) {
	s := testSettings(t)

	t.Run("string set dedupes and drops empties", func(t *testing.T) {
		f := schema.FieldDef{Name: "tags", Type: schema.StringSet}
		av, err := Encode(f, []string{"a", "b", "a", ""}, s)
		require.NoError(t, err)
		assert.Equal(t, &types.AttributeValueMemberSS{Value: []string{"a", "b"}}, av)
	})

	t.Run("empty set is absent", func(t *testing.T) {
		f := schema.FieldDef{Name: "tags", Type: schema.StringSet}
		av, err := Encode(f, []string{}, s)
		require.NoError(t, err)
		assert.Nil(t, av)
	})

	t.Run("integer set round trip", func(t *testing.T) {
		f := schema.FieldDef{Name: "scores", Type: schema.IntegerSet}
		av, err := Encode(f, []int64{3, 1, 3}, s)
		require.NoError(t, err)
		require.Equal(t, &types.AttributeValueMemberNS{Value: []string{"3", "1"}}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 1}, got)
	})

	t.Run("number set decodes to decimals", func(t *testing.T) {
		f := schema.FieldDef{Name: "rates", Type: schema.NumberSet}
		got, err := Decode(f, &types.AttributeValueMemberNS{Value: []string{"1.5", "2.25"}}, s)
		require.NoError(t, err)
		ds := got.([]decimal.Decimal)
		require.Len(t, ds, 2)
		assert.True(t, ds[0].Equal(decimal.RequireFromString("1.5")))
	})
}

func TestEncode_Composite(t *testing.T) {
	s := testSettings(t)

	t.Run("serialized defaults to json", func(t *testing.T) {
		f := schema.FieldDef{Name: "prefs", Type: schema.Serialized}
		av, err := Encode(f, map[string]any{"theme": "dark"}, s)
		require.NoError(t, err)
		require.IsType(t, &types.AttributeValueMemberS{}, av)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"theme": "dark"}, got)
	})

	t.Run("custom without codec errors", func(t *testing.T) {
		f := schema.FieldDef{Name: "loc", Type: schema.Custom}
		_, err := Encode(f, struct{ X int }{1}, s)
		var merr *MissingCodecError
		require.ErrorAs(t, err, &merr)
		assert.Equal(t, "loc", merr.Field)
	})

	t.Run("custom with codec round trips", func(t *testing.T) {
		f := schema.FieldDef{Name: "loc", Type: schema.Custom, Codec: pointCodec{}}
		av, err := Encode(f, point{2, 3}, s)
		require.NoError(t, err)

		got, err := Decode(f, av, s)
		require.NoError(t, err)
		assert.Equal(t, point{2, 3}, got)
	})

	t.Run("map elides empty strings", func(t *testing.T) {
		f := schema.FieldDef{Name: "meta", Type: schema.Map}
		av, err := Encode(f, map[string]any{"a": "x", "b": ""}, s)
		require.NoError(t, err)
		m := av.(*types.AttributeValueMemberM)
		assert.Contains(t, m.Value, "a")
		assert.NotContains(t, m.Value, "b")
	})
}

type point struct{ X, Y int }

type pointCodec struct{}

func (pointCodec) Dump(v any) (any, error) {
	p := v.(point)
	return map[string]any{"x": p.X, "y": p.Y}, nil
}

func (pointCodec) Load(v any) (any, error) {
	m := v.(map[string]any)
	return point{X: toInt(m["x"]), Y: toInt(m["y"])}, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func TestNormalize(t *testing.T) {
	t.Run("recursive elision", func(t *testing.T) {
		av := &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"keep":  &types.AttributeValueMemberS{Value: "x"},
			"empty": &types.AttributeValueMemberS{Value: ""},
			"list": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberS{Value: ""},
				&types.AttributeValueMemberS{Value: "y"},
			}},
			"set": &types.AttributeValueMemberSS{Value: []string{""}},
		}}
		got := Normalize(av).(*types.AttributeValueMemberM)
		assert.Contains(t, got.Value, "keep")
		assert.NotContains(t, got.Value, "empty")
		assert.NotContains(t, got.Value, "set")
		list := got.Value["list"].(*types.AttributeValueMemberL)
		assert.Len(t, list.Value, 1)
	})

	t.Run("idempotent", func(t *testing.T) {
		av := &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"a": &types.AttributeValueMemberS{Value: "x"},
			"b": &types.AttributeValueMemberS{Value: ""},
		}}
		once := Normalize(av)
		twice := Normalize(once)
		assert.Equal(t, once, twice)
	})
}

func TestDocumentCodec(t *testing.T) {
	s := testSettings(t)
	m := &schema.ModelDefinition{
		Name:      "user",
		TableName: "users",
		HashKey:   "id",
		Fields: []schema.FieldDef{
			{Name: "id", Type: schema.String},
			{Name: "age", Type: schema.Integer},
			{Name: "tags", Type: schema.StringSet},
		},
	}
	require.NoError(t, m.Validate())

	t.Run("round trip skips absent and unknown", func(t *testing.T) {
		item, err := EncodeDocument(m, map[string]any{"id": "u1", "age": 30, "tags": []string{}}, s)
		require.NoError(t, err)
		assert.NotContains(t, item, "tags")

		item["legacy"] = &types.AttributeValueMemberS{Value: "old"}
		attrs, err := DecodeDocument(m, item, s)
		require.NoError(t, err)
		assert.Equal(t, "u1", attrs["id"])
		assert.Equal(t, int64(30), attrs["age"])
		assert.NotContains(t, attrs, "legacy")
	})
}
