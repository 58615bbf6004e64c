package query

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/schema"
)

// Results is a lazy cursor over a plan's matches. Pages are fetched on
// demand as Next drains them. A Results is single use; call Run again for a
// fresh traversal.
type Results struct {
	plan *Plan

	buf    []map[string]types.AttributeValue
	cursor map[string]types.AttributeValue
	done   bool
	seen   int32
}

// Run starts a fresh cursor over the plan.
func (pl *Plan) Run() *Results {
	return &Results{plan: pl}
}

// Next returns the next matching document, fetching further pages
// transparently. It returns nil with no error once the results are
// exhausted.
func (r *Results) Next(ctx context.Context) (*schema.Document, error) {
	pl := r.plan
	if pl.limit > 0 && r.seen >= pl.limit {
		return nil, nil
	}
	for len(r.buf) == 0 {
		if r.done {
			return nil, nil
		}
		if err := r.fetch(ctx); err != nil {
			return nil, err
		}
	}
	item := r.buf[0]
	r.buf = r.buf[1:]
	r.seen++

	m := r.resolveModel(item)
	attrs, err := codec.DecodeDocument(m, item, pl.planner.settings)
	if err != nil {
		return nil, err
	}
	return schema.Loaded(m, attrs), nil
}

// resolveModel maps an item's discriminator value to its registered model,
// falling back to the plan's model when no registry is installed or the
// value is unknown.
func (r *Results) resolveModel(item map[string]types.AttributeValue) *schema.ModelDefinition {
	m := r.plan.model
	reg := r.plan.planner.registry
	if reg == nil || m.DiscriminatorField == "" {
		return m
	}
	tag, ok := item[m.DiscriminatorField].(*types.AttributeValueMemberS)
	if !ok {
		return m
	}
	if sub, ok := reg.Lookup(tag.Value); ok {
		return sub
	}
	return m
}

// All drains the cursor.
func (r *Results) All(ctx context.Context) ([]*schema.Document, error) {
	var docs []*schema.Document
	for {
		doc, err := r.Next(ctx)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return docs, nil
		}
		docs = append(docs, doc)
	}
}

// fetch pulls one page into the buffer and advances the paging cursor.
func (r *Results) fetch(ctx context.Context) error {
	pl := r.plan
	table := pl.planner.conn.TableFor(pl.model)
	api := pl.planner.conn.API()

	switch pl.kind {
	case tableQuery, indexQuery:
		out, err := api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 &table,
			IndexName:                 pl.indexName,
			KeyConditionExpression:    pl.expr.KeyCondition(),
			FilterExpression:          pl.expr.Filter(),
			ExpressionAttributeNames:  pl.expr.Names(),
			ExpressionAttributeValues: pl.expr.Values(),
			Limit:                     aws.Int32(pl.pageSize),
			ScanIndexForward:          aws.Bool(!pl.descending),
			ExclusiveStartKey:         r.cursor,
		})
		if err != nil {
			return fmt.Errorf("query %s: %w", pl.model.Name, err)
		}
		r.buf = out.Items
		r.cursor = out.LastEvaluatedKey
	default:
		input := &dynamodb.ScanInput{
			TableName:         &table,
			Limit:             aws.Int32(pl.pageSize),
			ExclusiveStartKey: r.cursor,
		}
		if pl.hasFilter {
			input.FilterExpression = pl.expr.Filter()
			input.ExpressionAttributeNames = pl.expr.Names()
			input.ExpressionAttributeValues = pl.expr.Values()
		}
		out, err := api.Scan(ctx, input)
		if err != nil {
			return fmt.Errorf("scan %s: %w", pl.model.Name, err)
		}
		r.buf = out.Items
		r.cursor = out.LastEvaluatedKey
	}

	r.done = len(r.cursor) == 0
	return nil
}
