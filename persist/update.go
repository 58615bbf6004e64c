package persist

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/exp/constraints"

	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/schema"
)

// ValueEncoder translates an op's typed value into the field's stored wire
// form.
type ValueEncoder func(field string, v any) (any, error)

// UpdateOp is one field-level mutation inside a ConditionalUpdate. Op values
// are encoded through the field codec before they reach the expression, so
// they land in the same wire form Save writes.
type UpdateOp interface {
	Field() string
	Apply(ub expression.UpdateBuilder, encode ValueEncoder) (expression.UpdateBuilder, error)
}

type number interface {
	constraints.Integer | constraints.Float
}

type setFieldOp struct {
	field string
	value any
}

// SetField overwrites a field's value.
func SetField(field string, value any) UpdateOp {
	return setFieldOp{field: field, value: value}
}

func (o setFieldOp) Field() string { return o.field }

func (o setFieldOp) Apply(ub expression.UpdateBuilder, encode ValueEncoder) (expression.UpdateBuilder, error) {
	v, err := encode(o.field, o.value)
	if err != nil {
		return ub, err
	}
	return ub.Set(expression.Name(o.field), expression.Value(v)), nil
}

type addNumberOp[T number] struct {
	field string
	delta T
}

// AddNumber increments a numeric field in place, treating absence as zero.
func AddNumber[T number](field string, delta T) UpdateOp {
	return addNumberOp[T]{field: field, delta: delta}
}

func (o addNumberOp[T]) Field() string { return o.field }

func (o addNumberOp[T]) Apply(ub expression.UpdateBuilder, encode ValueEncoder) (expression.UpdateBuilder, error) {
	v, err := encode(o.field, o.delta)
	if err != nil {
		return ub, err
	}
	return ub.Add(expression.Name(o.field), expression.Value(v)), nil
}

type addToSetOp struct {
	field string
	value any
}

// AddToSet unions elements into a set field.
func AddToSet(field string, value any) UpdateOp {
	return addToSetOp{field: field, value: value}
}

func (o addToSetOp) Field() string { return o.field }

func (o addToSetOp) Apply(ub expression.UpdateBuilder, encode ValueEncoder) (expression.UpdateBuilder, error) {
	v, err := encode(o.field, o.value)
	if err != nil {
		return ub, err
	}
	return ub.Add(expression.Name(o.field), expression.Value(v)), nil
}

type deleteFromSetOp struct {
	field string
	value any
}

// DeleteFromSet subtracts elements from a set field.
func DeleteFromSet(field string, value any) UpdateOp {
	return deleteFromSetOp{field: field, value: value}
}

func (o deleteFromSetOp) Field() string { return o.field }

func (o deleteFromSetOp) Apply(ub expression.UpdateBuilder, encode ValueEncoder) (expression.UpdateBuilder, error) {
	v, err := encode(o.field, o.value)
	if err != nil {
		return ub, err
	}
	return ub.Delete(expression.Name(o.field), expression.Value(v)), nil
}

type removeFieldOp struct {
	field string
}

// RemoveField deletes the attribute from the item.
func RemoveField(field string) UpdateOp {
	return removeFieldOp{field: field}
}

func (o removeFieldOp) Field() string { return o.field }

func (o removeFieldOp) Apply(ub expression.UpdateBuilder, _ ValueEncoder) (expression.UpdateBuilder, error) {
	return ub.Remove(expression.Name(o.field)), nil
}

// FieldIs is an equality precondition on a stored attribute's current value.
type FieldIs struct {
	Field string
	Value any
}

// ConditionalUpdate applies field-level mutations in one UpdateItem call.
// When the model declares a lock field it is incremented unconditionally
// alongside the ops; any caller conditions plus a rejected server-side check
// map to StaleObjectError. The document is refreshed from the item's
// post-update state.
func (e *Engine) ConditionalUpdate(ctx context.Context, doc *schema.Document, ops []UpdateOp, conds ...FieldIs) error {
	m := doc.Model()
	key, err := e.keyOf(doc)
	if err != nil {
		return err
	}

	encode := func(field string, v any) (any, error) {
		return e.wireValue(m, field, v)
	}
	var ub expression.UpdateBuilder
	for _, op := range ops {
		ub, err = op.Apply(ub, encode)
		if err != nil {
			return err
		}
	}
	if m.LockField != "" {
		ub = ub.Add(expression.Name(m.LockField), expression.Value(1))
	}

	builder := expression.NewBuilder().WithUpdate(ub)
	if len(conds) > 0 {
		var cond expression.ConditionBuilder
		for i, c := range conds {
			v, err := e.wireValue(m, c.Field, c.Value)
			if err != nil {
				return err
			}
			eq := expression.Name(c.Field).Equal(expression.Value(v))
			if i == 0 {
				cond = eq
			} else {
				cond = cond.And(eq)
			}
		}
		builder = builder.WithCondition(cond)
	}
	expr, err := builder.Build()
	if err != nil {
		return fmt.Errorf("build conditional update: %w", err)
	}

	out, err := e.conn.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(e.conn.TableFor(m)),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if conn.IsConditionalCheckFailed(err) {
			return &StaleObjectError{Model: m.Name, HashKey: doc.HashKeyValue()}
		}
		return fmt.Errorf("conditional update %s: %w", m.Name, err)
	}

	return e.refresh(doc, out.Attributes)
}

// wireValue encodes an op or condition value through the field codec so it
// matches the stored wire form. Undeclared fields pass through raw.
func (e *Engine) wireValue(m *schema.ModelDefinition, field string, v any) (any, error) {
	f, ok := m.Field(field)
	if !ok {
		return v, nil
	}
	av, err := codec.Encode(f, v, e.settings)
	if err != nil {
		return nil, err
	}
	if av == nil {
		return nil, fmt.Errorf("model %s: value for %q encodes to nothing", m.Name, field)
	}
	return av, nil
}

// refresh overwrites the document's attributes with the item state a write
// returned, re-capturing the lock basis. Attributes the update removed are
// unset.
func (e *Engine) refresh(doc *schema.Document, item map[string]types.AttributeValue) error {
	m := doc.Model()
	attrs, err := codec.DecodeDocument(m, item, e.settings)
	if err != nil {
		return err
	}
	for name, v := range attrs {
		doc.Set(name, v)
	}
	for _, f := range m.Fields {
		if _, ok := attrs[f.Name]; !ok {
			doc.Unset(f.Name)
		}
	}
	var lock int64
	hasLock := false
	if m.LockField != "" {
		lock, hasLock = doc.Int64(m.LockField)
	}
	doc.MarkPersisted(lock, hasLock)
	return nil
}
