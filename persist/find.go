package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sethvargo/go-retry"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/schema"
)

// Key identifies one item of a model. Range is ignored for hash-only tables.
type Key struct {
	Hash  any
	Range any
}

// Find reads a single item by primary key. An installed Finder is consulted
// first; a miss goes to the store and the loaded document is handed back to
// the Finder. An absent item maps to NotFoundError.
func (e *Engine) Find(ctx context.Context, m *schema.ModelDefinition, hashKey, rangeKey any) (*schema.Document, error) {
	if e.finder != nil {
		if doc, ok := e.finder.Fetch(m.Name, hashKey, rangeKey); ok {
			return doc, nil
		}
	}

	key, err := e.keyFor(m, hashKey, rangeKey)
	if err != nil {
		return nil, err
	}
	table := e.conn.TableFor(m)
	out, err := e.conn.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &table,
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", m.Name, err)
	}
	if len(out.Item) == 0 {
		return nil, &NotFoundError{Model: m.Name, HashKey: hashKey, RangeKey: rangeKey}
	}

	doc, err := e.load(m, out.Item)
	if err != nil {
		return nil, err
	}
	if e.finder != nil {
		e.finder.Store(doc)
	}
	return doc, nil
}

// FindMany reads a set of items by primary key, chunking the batch-get limit
// and re-requesting unprocessed keys under the configured backoff strategy
// until the store drains them. Without a strategy each chunk is requested
// exactly once and unprocessed keys are dropped. Keys that resolve to
// nothing, dropped ones included, are reported via MissingItemsError
// alongside the documents that did resolve.
func (e *Engine) FindMany(ctx context.Context, m *schema.ModelDefinition, keys []Key) ([]*schema.Document, error) {
	table := e.conn.TableFor(m)
	byKey := make(map[string]*schema.Document, len(keys))
	var backoff retry.Backoff

	for start := 0; start < len(keys); start += dynadoc.MaxBatchGetItems {
		end := min(start+dynadoc.MaxBatchGetItems, len(keys))
		wire := make([]map[string]types.AttributeValue, 0, end-start)
		for _, k := range keys[start:end] {
			key, err := e.keyFor(m, k.Hash, k.Range)
			if err != nil {
				return nil, err
			}
			wire = append(wire, key)
		}

		pending := map[string]types.KeysAndAttributes{table: {Keys: wire}}
		for len(pending) > 0 {
			out, err := e.conn.API().BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return nil, fmt.Errorf("batch get %s: %w", m.Name, err)
			}
			for _, item := range out.Responses[table] {
				doc, err := e.load(m, item)
				if err != nil {
					return nil, err
				}
				byKey[keyID(m, item)] = doc
			}
			if len(out.UnprocessedKeys) == 0 || len(out.UnprocessedKeys[table].Keys) == 0 {
				backoff = nil
				break
			}
			pending = out.UnprocessedKeys
			if backoff == nil {
				backoff = e.settings.NewBackoff()
			}
			if backoff == nil {
				// No strategy configured: undrained keys surface through
				// MissingItemsError below instead of a zero-delay retry loop.
				e.logger.Warn("dropping unprocessed batch keys, no backoff strategy configured",
					"model", m.Name,
					"count", len(pending[table].Keys))
				break
			}
			if err := sleepBackoff(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	docs := make([]*schema.Document, 0, len(byKey))
	var missing []any
	for _, k := range keys {
		key, err := e.keyFor(m, k.Hash, k.Range)
		if err != nil {
			return nil, err
		}
		if doc, ok := byKey[keyID(m, key)]; ok {
			docs = append(docs, doc)
		} else {
			missing = append(missing, k.Hash)
		}
	}
	if len(missing) > 0 {
		return docs, &MissingItemsError{
			Model:    m.Name,
			Expected: len(keys),
			Found:    len(docs),
			Missing:  missing,
		}
	}
	return docs, nil
}

// load decodes a wire item into a loaded document, dispatching through the
// registry when the item carries a discriminator.
func (e *Engine) load(m *schema.ModelDefinition, item map[string]types.AttributeValue) (*schema.Document, error) {
	m = resolveModel(e.registry, m, item)
	attrs, err := codec.DecodeDocument(m, item, e.settings)
	if err != nil {
		return nil, err
	}
	return schema.Loaded(m, attrs), nil
}

// resolveModel maps a stored item's discriminator value to its registered
// model, falling back to the requested one when no registry is installed or
// the value is unknown.
func resolveModel(r *schema.Registry, m *schema.ModelDefinition, item map[string]types.AttributeValue) *schema.ModelDefinition {
	if r == nil || m.DiscriminatorField == "" {
		return m
	}
	tag, ok := item[m.DiscriminatorField].(*types.AttributeValueMemberS)
	if !ok {
		return m
	}
	if sub, ok := r.Lookup(tag.Value); ok {
		return sub
	}
	return m
}

// keyID flattens an item's primary key to a comparable string.
func keyID(m *schema.ModelDefinition, item map[string]types.AttributeValue) string {
	id := avScalar(item[m.HashKey])
	if m.RangeKey != "" {
		id += "\x00" + avScalar(item[m.RangeKey])
	}
	return id
}

func avScalar(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value
	case *types.AttributeValueMemberN:
		return "N:" + v.Value
	case *types.AttributeValueMemberB:
		return "B:" + string(v.Value)
	default:
		return ""
	}
}

// sleepBackoff waits for a strategy's next delay, honoring cancellation. A
// drained strategy waits nothing.
func sleepBackoff(ctx context.Context, b retry.Backoff) error {
	d, stop := b.Next()
	if stop || d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
