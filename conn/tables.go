package conn

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dynadoc/dynadoc/schema"
)

// CreateTable creates the physical table for a model, with its secondary
// indexes and the configured provisioned throughput, then adds it to the
// table cache.
func (c *Connection) CreateTable(ctx context.Context, m *schema.ModelDefinition) error {
	input, err := c.buildCreateTable(m)
	if err != nil {
		return err
	}
	if _, err := c.api.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("create table %s: %w", *input.TableName, err)
	}
	c.mu.Lock()
	if c.tableNames != nil {
		c.tableNames[*input.TableName] = true
	}
	c.mu.Unlock()
	return nil
}

// EnsureTable creates the model's table unless it already exists.
func (c *Connection) EnsureTable(ctx context.Context, m *schema.ModelDefinition) error {
	exists, err := c.TableExists(ctx, c.TableFor(m))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.CreateTable(ctx, m)
}

// DeleteTable removes the model's table and evicts it from the cache.
func (c *Connection) DeleteTable(ctx context.Context, m *schema.ModelDefinition) error {
	name := c.TableFor(m)
	if _, err := c.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: &name}); err != nil {
		return fmt.Errorf("delete table %s: %w", name, err)
	}
	c.mu.Lock()
	if c.tableNames != nil {
		delete(c.tableNames, name)
	}
	c.mu.Unlock()
	return nil
}

func (c *Connection) buildCreateTable(m *schema.ModelDefinition) (*dynamodb.CreateTableInput, error) {
	name := c.TableFor(m)
	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(c.settings.ReadCapacity),
		WriteCapacityUnits: aws.Int64(c.settings.WriteCapacity),
	}

	attrs := map[string]types.ScalarAttributeType{}
	addAttr := func(field string) error {
		f, ok := m.Field(field)
		if !ok {
			return fmt.Errorf("model %s: key %q is not a declared field", m.Name, field)
		}
		attrs[field] = keyAttributeType(f, c.settings.StoreDateAsString, c.settings.StoreDatetimeAsString)
		return nil
	}

	if err := addAttr(m.HashKey); err != nil {
		return nil, err
	}
	keySchema := []types.KeySchemaElement{
		{AttributeName: &m.HashKey, KeyType: types.KeyTypeHash},
	}
	if m.RangeKey != "" {
		if err := addAttr(m.RangeKey); err != nil {
			return nil, err
		}
		keySchema = append(keySchema, types.KeySchemaElement{
			AttributeName: &m.RangeKey, KeyType: types.KeyTypeRange,
		})
	}

	input := &dynamodb.CreateTableInput{
		TableName:             &name,
		KeySchema:             keySchema,
		ProvisionedThroughput: throughput,
	}

	for i := range m.GlobalIndexes {
		idx := m.GlobalIndexes[i]
		for _, key := range []string{m.IndexHashKey(idx), idx.RangeKey} {
			if err := addAttr(key); err != nil {
				return nil, err
			}
		}
		hash := m.IndexHashKey(idx)
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, types.GlobalSecondaryIndex{
			IndexName: &m.GlobalIndexes[i].Name,
			KeySchema: []types.KeySchemaElement{
				{AttributeName: &hash, KeyType: types.KeyTypeHash},
				{AttributeName: &m.GlobalIndexes[i].RangeKey, KeyType: types.KeyTypeRange},
			},
			Projection:            indexProjection(idx),
			ProvisionedThroughput: throughput,
		})
	}
	for i := range m.LocalIndexes {
		idx := m.LocalIndexes[i]
		if err := addAttr(idx.RangeKey); err != nil {
			return nil, err
		}
		input.LocalSecondaryIndexes = append(input.LocalSecondaryIndexes, types.LocalSecondaryIndex{
			IndexName: &m.LocalIndexes[i].Name,
			KeySchema: []types.KeySchemaElement{
				{AttributeName: &m.HashKey, KeyType: types.KeyTypeHash},
				{AttributeName: &m.LocalIndexes[i].RangeKey, KeyType: types.KeyTypeRange},
			},
			Projection: indexProjection(idx),
		})
	}

	for name := range attrs {
		input.AttributeDefinitions = append(input.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(name),
			AttributeType: attrs[name],
		})
	}
	return input, nil
}

func indexProjection(idx schema.IndexDefinition) *types.Projection {
	if len(idx.Projection) == 0 {
		return &types.Projection{ProjectionType: types.ProjectionTypeAll}
	}
	keys := make([]string, len(idx.Projection))
	copy(keys, idx.Projection)
	return &types.Projection{
		ProjectionType:   types.ProjectionTypeInclude,
		NonKeyAttributes: keys,
	}
}

// keyAttributeType maps a field's wire representation to the scalar type
// DynamoDB requires for key attributes.
func keyAttributeType(f schema.FieldDef, dateAsString, datetimeAsString bool) types.ScalarAttributeType {
	asString := func(global bool) bool {
		if f.StoreAsString != nil {
			return *f.StoreAsString
		}
		return global
	}
	switch f.Type {
	case schema.Integer, schema.Number:
		return types.ScalarAttributeTypeN
	case schema.Date:
		if asString(dateAsString) {
			return types.ScalarAttributeTypeS
		}
		return types.ScalarAttributeTypeN
	case schema.DateTime:
		if asString(datetimeAsString) {
			return types.ScalarAttributeTypeS
		}
		return types.ScalarAttributeTypeN
	default:
		return types.ScalarAttributeTypeS
	}
}
