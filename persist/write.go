package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/schema"
)

// Save dispatches on the document's lifecycle state: Create for documents
// that have never been written, Update otherwise.
func (e *Engine) Save(ctx context.Context, doc *schema.Document) error {
	if doc.IsNew() {
		return e.Create(ctx, doc)
	}
	return e.Update(ctx, doc)
}

// Create writes a brand-new item, guarded by a key-uniqueness condition. A
// blank hash key is filled with a generated uuid before encoding. When the
// model declares a lock field it is initialized to 1. A key collision maps
// to RecordNotUniqueError.
func (e *Engine) Create(ctx context.Context, doc *schema.Document) error {
	m := doc.Model()
	if d, err := runHooks(ctx, e.hooks.BeforePersist, doc); err != nil || d == Abort {
		return err
	}
	assignHashKey(doc)
	e.touch(doc, true)

	// The lock value rides only in the wire item until the store accepts the
	// write; a rejected create leaves the document untouched.
	attrs := doc.Attrs()
	if m.LockField != "" {
		attrs[m.LockField] = int64(1)
	}
	item, err := codec.EncodeDocument(m, attrs, e.settings)
	if err != nil {
		return err
	}

	cond := expression.AttributeNotExists(expression.Name(m.HashKey))
	if m.RangeKey != "" {
		cond = cond.And(expression.AttributeNotExists(expression.Name(m.RangeKey)))
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build create condition: %w", err)
	}

	_, err = e.conn.API().PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(e.conn.TableFor(m)),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if conn.IsConditionalCheckFailed(err) {
			return &RecordNotUniqueError{Model: m.Name, HashKey: doc.HashKeyValue()}
		}
		return fmt.Errorf("create %s: %w", m.Name, err)
	}

	if m.LockField != "" {
		doc.Set(m.LockField, int64(1))
	}
	doc.MarkPersisted(1, m.LockField != "")
	_, err = runHooks(ctx, e.hooks.AfterPersist, doc)
	return err
}

// Update overwrites the full item. When the model declares a lock field the
// write carries value basis+1 and is conditioned on the stored value still
// equalling the basis, which is the value observed at load time unless the
// caller overrode the lock attribute directly. A rejected condition maps to
// StaleObjectError and leaves the document's lock state untouched, so a
// retried stale handle stays stale until re-read.
func (e *Engine) Update(ctx context.Context, doc *schema.Document) error {
	m := doc.Model()
	if d, err := runHooks(ctx, e.hooks.BeforePersist, doc); err != nil || d == Abort {
		return err
	}
	e.touch(doc, false)

	var (
		next    int64
		hasLock = m.LockField != ""
		cond    expression.ConditionBuilder
		hasCond bool
	)
	attrs := doc.Attrs()
	if hasLock {
		if basis, ok := doc.LockBasis(); ok {
			next = basis + 1
			cond = expression.Name(m.LockField).Equal(expression.Value(basis))
		} else {
			// The handle never observed a lock value, so the item must not
			// have grown one behind our back.
			next = 1
			cond = expression.AttributeNotExists(expression.Name(m.LockField))
		}
		hasCond = true
		attrs[m.LockField] = next
	}

	item, err := codec.EncodeDocument(m, attrs, e.settings)
	if err != nil {
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(e.conn.TableFor(m)),
		Item:      item,
	}
	if hasCond {
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("build update condition: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := e.conn.API().PutItem(ctx, input); err != nil {
		if conn.IsConditionalCheckFailed(err) {
			return &StaleObjectError{Model: m.Name, HashKey: doc.HashKeyValue()}
		}
		return fmt.Errorf("update %s: %w", m.Name, err)
	}

	if hasLock {
		doc.Set(m.LockField, next)
	}
	doc.MarkPersisted(next, hasLock)
	_, err = runHooks(ctx, e.hooks.AfterPersist, doc)
	return err
}

// touch maintains the timestamp fields for models that declare them.
func (e *Engine) touch(doc *schema.Document, creating bool) {
	m := doc.Model()
	if !m.Timestamps {
		return
	}
	now := time.Now()
	if e.settings.Timezone != nil {
		now = now.In(e.settings.Timezone)
	}
	if creating && doc.Get("created_at") == nil {
		doc.Set("created_at", now)
	}
	doc.Set("updated_at", now)
}

// assignHashKey fills a blank string hash key with a fresh uuid.
func assignHashKey(doc *schema.Document) {
	f, ok := doc.Model().HashKeyField()
	if !ok || f.Type != schema.String {
		return
	}
	switch v := doc.HashKeyValue(); v {
	case nil, "":
		doc.SetHashKey(uuid.NewString())
	}
}
