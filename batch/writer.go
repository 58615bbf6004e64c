// Package batch bulk-writes documents, chunking requests to the service
// limits and retrying unprocessed leftovers under a configurable backoff
// strategy. It bypasses the single-item engine's hooks and lock increments:
// imported items get their lock initialized, nothing more.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/schema"
)

// Key identifies one item of a model. Range is ignored for hash-only tables.
type Key struct {
	Hash  any
	Range any
}

// Writer performs chunked bulk writes. Safe for concurrent use.
type Writer struct {
	conn     *conn.Connection
	settings *dynadoc.Settings
	logger   *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger overrides the settings logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// NewWriter builds a bulk writer over a connection.
func NewWriter(c *conn.Connection, opts ...Option) *Writer {
	w := &Writer{
		conn:     c,
		settings: c.Settings(),
		logger:   c.Settings().Logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Import writes documents in bulk. Blank string hash keys are filled with
// generated uuids and declared lock fields are initialized to 1, but no
// conditional checks run: existing items are overwritten. Documents across
// models may be mixed; input order is preserved within each call. The
// returned slice is the input with persistence state updated; documents
// whose writes were dropped under the no-backoff mode stay new.
func (w *Writer) Import(ctx context.Context, docs []*schema.Document) ([]*schema.Document, error) {
	reqs := make([]tableRequest, 0, len(docs))
	for _, doc := range docs {
		m := doc.Model()
		prepare(doc)
		item, err := codec.EncodeDocument(m, doc.Attrs(), w.settings)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, tableRequest{
			table: w.conn.TableFor(m),
			req:   types.WriteRequest{PutRequest: &types.PutRequest{Item: item}},
			size:  EstimateItemSize(item),
		})
	}
	dropped, err := w.writeAll(ctx, reqs)
	if err != nil {
		return nil, err
	}
	for i, doc := range docs {
		if wasDropped(dropped[reqs[i].table], doc.Model(), reqs[i].req.PutRequest.Item) {
			continue
		}
		doc.MarkPersisted(1, doc.Model().LockField != "")
	}
	return docs, nil
}

// DeleteMany removes items by primary key in bulk, without lock checks.
func (w *Writer) DeleteMany(ctx context.Context, m *schema.ModelDefinition, keys []Key) error {
	table := w.conn.TableFor(m)
	reqs := make([]tableRequest, 0, len(keys))
	for _, k := range keys {
		key, err := w.keyFor(m, k)
		if err != nil {
			return err
		}
		reqs = append(reqs, tableRequest{
			table: table,
			req:   types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}},
			size:  EstimateItemSize(key),
		})
	}
	_, err := w.writeAll(ctx, reqs)
	return err
}

type tableRequest struct {
	table string
	req   types.WriteRequest
	size  int
}

// writeAll issues sequential BatchWriteItem calls over request chunks within
// the item-count and payload ceilings, draining unprocessed leftovers per
// call. The backoff strategy is acquired lazily on the first stall of the
// whole operation and discarded whenever a round comes back clean, so each
// stall streak starts the schedule over. Requests dropped for want of a
// strategy are returned per table.
func (w *Writer) writeAll(ctx context.Context, reqs []tableRequest) (map[string][]types.WriteRequest, error) {
	var backoff retry.Backoff
	var dropped map[string][]types.WriteRequest
	for start := 0; start < len(reqs); {
		end, chunkBytes := start, 0
		for end < len(reqs) && end-start < dynadoc.MaxBatchWriteItems {
			if end > start && chunkBytes+reqs[end].size > dynadoc.MaxBatchBytes {
				break
			}
			chunkBytes += reqs[end].size
			end++
		}

		pending := make(map[string][]types.WriteRequest)
		for _, r := range reqs[start:end] {
			pending[r.table] = append(pending[r.table], r.req)
		}

		for len(pending) > 0 {
			out, err := w.conn.API().BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return nil, fmt.Errorf("batch write: %w", err)
			}
			if !hasUnprocessed(out.UnprocessedItems) {
				backoff = nil
				break
			}
			pending = out.UnprocessedItems

			if backoff == nil {
				backoff = w.settings.NewBackoff()
			}
			if backoff == nil {
				// No strategy configured: leftovers are dropped. Callers who
				// need durability must set Settings.Backoff.
				w.logger.Warn("dropping unprocessed batch items, no backoff strategy configured",
					"count", countRequests(pending))
				if dropped == nil {
					dropped = make(map[string][]types.WriteRequest)
				}
				for table, rs := range pending {
					dropped[table] = append(dropped[table], rs...)
				}
				break
			}
			w.logger.Debug("retrying unprocessed batch items",
				"count", countRequests(pending))
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
		start = end
	}
	return dropped, nil
}

// prepare applies the import-time attribute maintenance: uuid hash keys,
// lock initialization, timestamps.
func prepare(doc *schema.Document) {
	m := doc.Model()
	if f, ok := m.HashKeyField(); ok && f.Type == schema.String {
		switch doc.HashKeyValue() {
		case nil, "":
			doc.SetHashKey(uuid.NewString())
		}
	}
	if m.LockField != "" {
		doc.Set(m.LockField, int64(1))
	}
	if m.Timestamps {
		now := time.Now()
		if doc.Get("created_at") == nil {
			doc.Set("created_at", now)
		}
		doc.Set("updated_at", now)
	}
}

func (w *Writer) keyFor(m *schema.ModelDefinition, k Key) (map[string]types.AttributeValue, error) {
	hf, ok := m.HashKeyField()
	if !ok {
		return nil, fmt.Errorf("model %s: hash key %q is not a declared field", m.Name, m.HashKey)
	}
	av, err := codec.Encode(hf, k.Hash, w.settings)
	if err != nil {
		return nil, err
	}
	if av == nil {
		return nil, fmt.Errorf("model %s: blank hash key", m.Name)
	}
	key := map[string]types.AttributeValue{m.HashKey: av}
	if m.RangeKey != "" {
		rf, _ := m.RangeKeyField()
		rav, err := codec.Encode(rf, k.Range, w.settings)
		if err != nil {
			return nil, err
		}
		if rav == nil {
			return nil, fmt.Errorf("model %s: blank range key", m.Name)
		}
		key[m.RangeKey] = rav
	}
	return key, nil
}

// wasDropped reports whether an item's write is among the requests a
// strategy-less run left behind, matched by primary key. The service hands
// unprocessed requests back by value, so pointer identity cannot be used.
func wasDropped(dropped []types.WriteRequest, m *schema.ModelDefinition, item map[string]types.AttributeValue) bool {
	for _, r := range dropped {
		if r.PutRequest == nil {
			continue
		}
		other := r.PutRequest.Item
		if !sameScalar(other[m.HashKey], item[m.HashKey]) {
			continue
		}
		if m.RangeKey == "" || sameScalar(other[m.RangeKey], item[m.RangeKey]) {
			return true
		}
	}
	return false
}

func sameScalar(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && string(av.Value) == string(bv.Value)
	}
	return false
}

func hasUnprocessed(items map[string][]types.WriteRequest) bool {
	for _, reqs := range items {
		if len(reqs) > 0 {
			return true
		}
	}
	return false
}

func countRequests(items map[string][]types.WriteRequest) int {
	n := 0
	for _, reqs := range items {
		n += len(reqs)
	}
	return n
}

func sleep(ctx context.Context, b retry.Backoff) error {
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
