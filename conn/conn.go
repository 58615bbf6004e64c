package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/schema"
)

// Connection wraps a DynamoAPI with the process settings and a lazily
// populated table-name cache. The cache is best effort: staleness costs at
// worst a redundant remote call, and an explicit Clear refreshes it.
type Connection struct {
	api      DynamoAPI
	settings *dynadoc.Settings

	mu         sync.Mutex
	tableNames map[string]bool
}

// New wraps an injected client. Use Dial for the default AWS configuration
// chain.
func New(api DynamoAPI, settings *dynadoc.Settings) *Connection {
	return &Connection{api: api, settings: settings}
}

// Dial builds a Connection from the ambient AWS configuration.
func Dial(ctx context.Context, settings *dynadoc.Settings) (*Connection, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), settings), nil
}

// API exposes the underlying client for the engines' wire calls.
func (c *Connection) API() DynamoAPI { return c.api }

// Settings returns the process settings this connection was built with.
func (c *Connection) Settings() *dynadoc.Settings { return c.settings }

// TableFor returns the physical table name for a model, with the configured
// prefix applied.
func (c *Connection) TableFor(m *schema.ModelDefinition) string {
	if c.settings.TablePrefix == "" {
		return m.TableName
	}
	return c.settings.TablePrefix + "_" + m.TableName
}

// ListTables returns all table names, serving from the cache once populated.
func (c *Connection) ListTables(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tableNames == nil {
		if err := c.refreshTableCacheLocked(ctx); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(c.tableNames))
	for name := range c.tableNames {
		names = append(names, name)
	}
	return names, nil
}

// TableExists reports whether a table name is present, using the cache.
func (c *Connection) TableExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tableNames == nil {
		if err := c.refreshTableCacheLocked(ctx); err != nil {
			return false, err
		}
	}
	return c.tableNames[name], nil
}

// ClearTableCache drops the cached listing; the next lookup refetches.
func (c *Connection) ClearTableCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableNames = nil
}

func (c *Connection) refreshTableCacheLocked(ctx context.Context) error {
	names := make(map[string]bool)
	var start *string
	for {
		out, err := c.api.ListTables(ctx, &dynamodb.ListTablesInput{
			ExclusiveStartTableName: start,
		})
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		for _, name := range out.TableNames {
			names[name] = true
		}
		if out.LastEvaluatedTableName == nil {
			break
		}
		start = out.LastEvaluatedTableName
	}
	c.tableNames = names
	return nil
}

// IsConditionalCheckFailed reports whether the store rejected a write
// because a caller-specified precondition on the item's current state did
// not hold.
func IsConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tx *types.TransactionCanceledException
	if errors.As(err, &tx) {
		for _, reason := range tx.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}
