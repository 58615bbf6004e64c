package persist

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/schema"
)

type deleteConfig struct {
	skipLockCheck bool
}

// DeleteOption configures a single Delete call.
type DeleteOption func(*deleteConfig)

// SkipLockCheck removes the lock condition from a delete, forcing removal
// even when the stored item has moved past the loaded version.
func SkipLockCheck() DeleteOption {
	return func(c *deleteConfig) { c.skipLockCheck = true }
}

// Delete removes the document's item. When the model declares a lock field
// the delete is conditioned on the stored value still equalling this
// handle's basis, unless SkipLockCheck is given. A rejected condition maps
// to StaleObjectError; an aborting BeforeRemove hook maps to ErrNotDestroyed.
func (e *Engine) Delete(ctx context.Context, doc *schema.Document, opts ...DeleteOption) error {
	var cfg deleteConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	m := doc.Model()
	d, err := runHooks(ctx, e.hooks.BeforeRemove, doc)
	if err != nil {
		return err
	}
	if d == Abort {
		return ErrNotDestroyed
	}

	key, err := e.keyOf(doc)
	if err != nil {
		return err
	}
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(e.conn.TableFor(m)),
		Key:       key,
	}

	if m.LockField != "" && !cfg.skipLockCheck {
		var cond expression.ConditionBuilder
		if basis, ok := doc.LockBasis(); ok {
			cond = expression.Name(m.LockField).Equal(expression.Value(basis))
		} else {
			cond = expression.AttributeNotExists(expression.Name(m.LockField))
		}
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("build delete condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := e.conn.API().DeleteItem(ctx, input); err != nil {
		if conn.IsConditionalCheckFailed(err) {
			return &StaleObjectError{Model: m.Name, HashKey: doc.HashKeyValue()}
		}
		return fmt.Errorf("delete %s: %w", m.Name, err)
	}

	_, err = runHooks(ctx, e.hooks.AfterRemove, doc)
	return err
}
