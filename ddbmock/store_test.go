package ddbmock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSongStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	_, err := s.CreateTable(context.Background(), &dynamodb.CreateTableInput{
		TableName: aws.String("songs"),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("artist"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("title"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("artist"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("title"), AttributeType: types.ScalarAttributeTypeS},
		},
	})
	require.NoError(t, err)
	return s
}

func song(artist, title, year string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"artist": s(artist),
		"title":  s(title),
		"year":   n(year),
	}
}

func putSong(t *testing.T, st *Store, item map[string]types.AttributeValue) {
	t.Helper()
	_, err := st.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String("songs"),
		Item:      item,
	})
	require.NoError(t, err)
}

func TestConditionalWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("put rejected when item exists", func(t *testing.T) {
		st := newSongStore(t)
		putSong(t, st, song("nina", "sinnerman", "1965"))

		_, err := st.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String("songs"),
			Item:                     song("nina", "sinnerman", "1999"),
			ConditionExpression:      aws.String("attribute_not_exists (#0)"),
			ExpressionAttributeNames: map[string]string{"#0": "artist"},
		})
		var ccf *types.ConditionalCheckFailedException
		require.True(t, errors.As(err, &ccf))

		// The rejected write must not have touched the item.
		out, err := st.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String("songs"),
			Key: map[string]types.AttributeValue{
				"artist": s("nina"), "title": s("sinnerman"),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, n("1965"), out.Item["year"])
	})

	t.Run("forced failures burn down", func(t *testing.T) {
		st := newSongStore(t)
		st.FailNextConditionalChecks(1)

		input := &dynamodb.PutItemInput{
			TableName:                aws.String("songs"),
			Item:                     song("nina", "sinnerman", "1965"),
			ConditionExpression:      aws.String("attribute_not_exists (#0)"),
			ExpressionAttributeNames: map[string]string{"#0": "artist"},
		}
		_, err := st.PutItem(ctx, input)
		var ccf *types.ConditionalCheckFailedException
		require.True(t, errors.As(err, &ccf))

		_, err = st.PutItem(ctx, input)
		require.NoError(t, err)
	})

	t.Run("unconditional put returns old values", func(t *testing.T) {
		st := newSongStore(t)
		putSong(t, st, song("nina", "sinnerman", "1965"))

		out, err := st.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:    aws.String("songs"),
			Item:         song("nina", "sinnerman", "1999"),
			ReturnValues: types.ReturnValueAllOld,
		})
		require.NoError(t, err)
		assert.Equal(t, n("1965"), out.Attributes["year"])
	})
}

func TestQueryPaging(t *testing.T) {
	ctx := context.Background()
	st := newSongStore(t)
	titles := []string{"a", "b", "c", "d", "e"}
	for _, title := range titles {
		putSong(t, st, song("nina", title, "1965"))
	}
	putSong(t, st, song("miles", "so what", "1959"))

	query := func(start map[string]types.AttributeValue, limit int32, forward bool) *dynamodb.QueryOutput {
		out, err := st.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String("songs"),
			KeyConditionExpression:    aws.String("#0 = :0"),
			ExpressionAttributeNames:  map[string]string{"#0": "artist"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":0": s("nina")},
			ExclusiveStartKey:         start,
			Limit:                     aws.Int32(limit),
			ScanIndexForward:          aws.Bool(forward),
		})
		require.NoError(t, err)
		return out
	}

	t.Run("walks pages in range key order", func(t *testing.T) {
		var got []string
		var start map[string]types.AttributeValue
		pages := 0
		for {
			out := query(start, 2, true)
			pages++
			for _, item := range out.Items {
				got = append(got, item["title"].(*types.AttributeValueMemberS).Value)
			}
			if len(out.LastEvaluatedKey) == 0 {
				break
			}
			start = out.LastEvaluatedKey
		}
		assert.Equal(t, titles, got)
		assert.Equal(t, 3, pages)
	})

	t.Run("backward", func(t *testing.T) {
		out := query(nil, 2, false)
		require.Len(t, out.Items, 2)
		assert.Equal(t, s("e"), out.Items[0]["title"])
		assert.Equal(t, s("d"), out.Items[1]["title"])
	})

	t.Run("limit counts before the filter", func(t *testing.T) {
		out, err := st.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String("songs"),
			KeyConditionExpression:   aws.String("#0 = :0"),
			FilterExpression:         aws.String("#1 = :1"),
			ExpressionAttributeNames: map[string]string{"#0": "artist", "#1": "title"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":0": s("nina"), ":1": s("e"),
			},
			Limit: aws.Int32(2),
		})
		require.NoError(t, err)
		// The first page scans a and b, neither passes the filter, but the
		// page cursor still advances.
		assert.Empty(t, out.Items)
		require.NotEmpty(t, out.LastEvaluatedKey)
		assert.Equal(t, s("b"), out.LastEvaluatedKey["title"])
	})
}

func TestStoreTables(t *testing.T) {
	ctx := context.Background()

	t.Run("create twice fails", func(t *testing.T) {
		st := newSongStore(t)
		_, err := st.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String("songs"),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("artist"), KeyType: types.KeyTypeHash},
			},
		})
		var inUse *types.ResourceInUseException
		assert.True(t, errors.As(err, &inUse))
	})

	t.Run("unknown table", func(t *testing.T) {
		st := NewStore()
		_, err := st.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String("nope"),
			Key:       map[string]types.AttributeValue{"artist": s("x")},
		})
		var nf *types.ResourceNotFoundException
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("describe and list", func(t *testing.T) {
		st := newSongStore(t)
		putSong(t, st, song("nina", "sinnerman", "1965"))

		desc, err := st.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String("songs")})
		require.NoError(t, err)
		assert.Equal(t, types.TableStatusActive, desc.Table.TableStatus)
		assert.EqualValues(t, 1, *desc.Table.ItemCount)

		list, err := st.ListTables(ctx, &dynamodb.ListTablesInput{})
		require.NoError(t, err)
		assert.Equal(t, []string{"songs"}, list.TableNames)

		_, err = st.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String("songs")})
		require.NoError(t, err)
		list, err = st.ListTables(ctx, &dynamodb.ListTablesInput{})
		require.NoError(t, err)
		assert.Empty(t, list.TableNames)
	})
}
