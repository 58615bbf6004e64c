// Package ddbmock is an in-memory stand-in for DynamoDB, implementing the
// client surface the library talks to. It honors the expression subset the
// SDK builder emits, supports table and index queries with paging, and lets
// tests inject batch-round behavior to simulate unprocessed items.
package ddbmock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/btree"

	"github.com/dynadoc/dynadoc/schema"
)

// Store is an in-memory table collection. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	tables map[string]*mockTable

	// WriteHook, when set, is consulted once per BatchWriteItem call with
	// the 1-based call number and the batch size; it returns how many
	// requests to report unprocessed, taken from the end of the batch.
	WriteHook func(call, total int) int
	// ReadHook does the same for BatchGetItem calls.
	ReadHook func(call, total int) int

	writeCalls int
	readCalls  int
	failChecks int
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]*mockTable)}
}

// AddModel creates a table shaped after a model definition under the given
// physical name.
func (s *Store) AddModel(m *schema.ModelDefinition, tableName string) {
	t := newMockTable(tableName, m.HashKey, m.RangeKey)
	for _, idx := range m.Indexes() {
		t.indexes[idx.Name] = indexDef{hash: m.IndexHashKey(idx), rng: idx.RangeKey}
	}
	s.mu.Lock()
	s.tables[tableName] = t
	s.mu.Unlock()
}

// FailNextConditionalChecks forces the next n condition-guarded writes to be
// rejected regardless of item state.
func (s *Store) FailNextConditionalChecks(n int) {
	s.mu.Lock()
	s.failChecks = n
	s.mu.Unlock()
}

type indexDef struct {
	hash string
	rng  string
}

type mockTable struct {
	name     string
	hashKey  string
	rangeKey string
	indexes  map[string]indexDef

	parts     map[string]*btree.BTree
	partOrder []string
}

func newMockTable(name, hashKey, rangeKey string) *mockTable {
	return &mockTable{
		name:     name,
		hashKey:  hashKey,
		rangeKey: rangeKey,
		indexes:  make(map[string]indexDef),
		parts:    make(map[string]*btree.BTree),
	}
}

type entry struct {
	sort types.AttributeValue
	item map[string]types.AttributeValue
}

func (e entry) Less(than btree.Item) bool {
	other := than.(entry)
	if e.sort == nil || other.sort == nil {
		return e.sort == nil && other.sort != nil
	}
	cmp, err := attrCompare(e.sort, other.sort)
	if err != nil {
		panic(fmt.Sprintf("uncomparable sort keys: %v", err))
	}
	return cmp < 0
}

func scalarKey(av types.AttributeValue) string {
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

func (t *mockTable) keyOf(item map[string]types.AttributeValue) (hash string, sortAV types.AttributeValue, err error) {
	h, ok := item[t.hashKey]
	if !ok {
		return "", nil, fmt.Errorf("table %s: missing hash key %s", t.name, t.hashKey)
	}
	if t.rangeKey != "" {
		r, ok := item[t.rangeKey]
		if !ok {
			return "", nil, fmt.Errorf("table %s: missing range key %s", t.name, t.rangeKey)
		}
		sortAV = r
	}
	return scalarKey(h), sortAV, nil
}

func (t *mockTable) get(key map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	hash, sortAV, err := t.keyOf(key)
	if err != nil {
		return nil, err
	}
	part, ok := t.parts[hash]
	if !ok {
		return nil, nil
	}
	got := part.Get(entry{sort: sortAV})
	if got == nil {
		return nil, nil
	}
	return got.(entry).item, nil
}

func (t *mockTable) put(item map[string]types.AttributeValue) error {
	hash, sortAV, err := t.keyOf(item)
	if err != nil {
		return err
	}
	part, ok := t.parts[hash]
	if !ok {
		part = btree.New(2)
		t.parts[hash] = part
		t.partOrder = append(t.partOrder, hash)
	}
	part.ReplaceOrInsert(entry{sort: sortAV, item: copyItem(item)})
	return nil
}

func (t *mockTable) delete(key map[string]types.AttributeValue) error {
	hash, sortAV, err := t.keyOf(key)
	if err != nil {
		return err
	}
	if part, ok := t.parts[hash]; ok {
		part.Delete(entry{sort: sortAV})
	}
	return nil
}

// all returns every item, partitions in insertion order, entries in sort
// order.
func (t *mockTable) all() []map[string]types.AttributeValue {
	var out []map[string]types.AttributeValue
	for _, hash := range t.partOrder {
		t.parts[hash].Ascend(func(i btree.Item) bool {
			out = append(out, i.(entry).item)
			return true
		})
	}
	return out
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (s *Store) table(name *string) (*mockTable, error) {
	if name == nil {
		return nil, fmt.Errorf("table name is required")
	}
	t, ok := s.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + *name)}
	}
	return t, nil
}

// checkCondition evaluates a write's condition expression against the
// current item state, honoring forced failures.
func (s *Store) checkCondition(cond *string, names map[string]string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) error {
	if cond == nil {
		return nil
	}
	if s.failChecks > 0 {
		s.failChecks--
		return &types.ConditionalCheckFailedException{Message: aws.String("forced conditional failure")}
	}
	if current == nil {
		current = map[string]types.AttributeValue{}
	}
	ok, err := evalCondition(*cond, exprContext{item: current, names: names, values: values})
	if err != nil {
		return err
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: aws.String("the conditional request failed")}
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	item, err := t.get(params.Key)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.GetItemOutput{}
	if item != nil {
		out.Item = copyItem(item)
	}
	return out, nil
}

func (s *Store) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	current, err := t.get(params.Item)
	if err != nil {
		return nil, err
	}
	if err := s.checkCondition(params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, current); err != nil {
		return nil, err
	}
	if err := t.put(params.Item); err != nil {
		return nil, err
	}
	out := &dynamodb.PutItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld && current != nil {
		out.Attributes = copyItem(current)
	}
	return out, nil
}

func (s *Store) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	current, err := t.get(params.Key)
	if err != nil {
		return nil, err
	}
	if err := s.checkCondition(params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, current); err != nil {
		return nil, err
	}
	if err := t.delete(params.Key); err != nil {
		return nil, err
	}
	out := &dynamodb.DeleteItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld && current != nil {
		out.Attributes = copyItem(current)
	}
	return out, nil
}

func (s *Store) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	current, err := t.get(params.Key)
	if err != nil {
		return nil, err
	}
	if err := s.checkCondition(params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, current); err != nil {
		return nil, err
	}

	// An absent item is created from its key attributes, like the service.
	next := copyItem(params.Key)
	if current != nil {
		next = copyItem(current)
	}
	if params.UpdateExpression != nil {
		ctx := exprContext{
			item:   next,
			names:  params.ExpressionAttributeNames,
			values: params.ExpressionAttributeValues,
		}
		if err := applyUpdate(*params.UpdateExpression, next, ctx); err != nil {
			return nil, err
		}
	}
	if err := t.put(next); err != nil {
		return nil, err
	}

	out := &dynamodb.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew:
		out.Attributes = copyItem(next)
	case types.ReturnValueAllOld:
		if current != nil {
			out.Attributes = copyItem(current)
		}
	}
	return out, nil
}

func (s *Store) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}

	sortAttr := t.rangeKey
	if params.IndexName != nil {
		idx, ok := t.indexes[*params.IndexName]
		if !ok {
			return nil, fmt.Errorf("table %s: unknown index %s", t.name, *params.IndexName)
		}
		sortAttr = idx.rng
	}

	if params.KeyConditionExpression == nil {
		return nil, fmt.Errorf("query requires a key condition")
	}
	var matches []map[string]types.AttributeValue
	for _, item := range t.all() {
		ok, err := evalCondition(*params.KeyConditionExpression, exprContext{
			item:   item,
			names:  params.ExpressionAttributeNames,
			values: params.ExpressionAttributeValues,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, item)
		}
	}

	if sortAttr != "" {
		sort.SliceStable(matches, func(i, j int) bool {
			a, aok := matches[i][sortAttr]
			b, bok := matches[j][sortAttr]
			if !aok || !bok {
				return !aok && bok
			}
			cmp, err := attrCompare(a, b)
			return err == nil && cmp < 0
		})
	}
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
			matches[i], matches[j] = matches[j], matches[i]
		}
	}

	page, last := s.page(t, matches, params.ExclusiveStartKey, params.Limit)
	items, err := s.filterItems(page, params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dynamodb.QueryOutput{
		Items:            items,
		Count:            int32(len(items)),
		LastEvaluatedKey: last,
	}, nil
}

func (s *Store) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	page, last := s.page(t, t.all(), params.ExclusiveStartKey, params.Limit)
	items, err := s.filterItems(page, params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	return &dynamodb.ScanOutput{
		Items:            items,
		Count:            int32(len(items)),
		LastEvaluatedKey: last,
	}, nil
}

// page cuts one request's worth out of an ordered item list: it skips past
// the start key, takes up to limit items, and reports the last taken item's
// primary key when more remain. Like the service, the limit counts scanned
// items, before any filter runs.
func (s *Store) page(t *mockTable, items []map[string]types.AttributeValue, start map[string]types.AttributeValue, limit *int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	from := 0
	if len(start) > 0 {
		for i, item := range items {
			if t.sameKey(item, start) {
				from = i + 1
				break
			}
		}
	}
	items = items[from:]
	if limit != nil && int(*limit) < len(items) {
		taken := items[:int(*limit)]
		lastItem := taken[len(taken)-1]
		return taken, t.primaryKey(lastItem)
	}
	return items, nil
}

func (t *mockTable) sameKey(item, key map[string]types.AttributeValue) bool {
	if !attrEqual(item[t.hashKey], key[t.hashKey]) {
		return false
	}
	if t.rangeKey == "" {
		return true
	}
	return attrEqual(item[t.rangeKey], key[t.rangeKey])
}

func (t *mockTable) primaryKey(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	key := map[string]types.AttributeValue{t.hashKey: item[t.hashKey]}
	if t.rangeKey != "" {
		key[t.rangeKey] = item[t.rangeKey]
	}
	return key
}

func (s *Store) filterItems(items []map[string]types.AttributeValue, filter *string, names map[string]string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	out := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		if filter != nil {
			ok, err := evalCondition(*filter, exprContext{item: item, names: names, values: values})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, copyItem(item))
	}
	return out, nil
}

func (s *Store) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++

	type flatReq struct {
		table string
		req   types.WriteRequest
	}
	var flat []flatReq
	for table, reqs := range params.RequestItems {
		for _, r := range reqs {
			flat = append(flat, flatReq{table: table, req: r})
		}
	}

	deferN := 0
	if s.WriteHook != nil {
		deferN = s.WriteHook(s.writeCalls, len(flat))
		if deferN > len(flat) {
			deferN = len(flat)
		}
	}
	process := flat[:len(flat)-deferN]
	leftover := flat[len(flat)-deferN:]

	for _, fr := range process {
		t, err := s.table(&fr.table)
		if err != nil {
			return nil, err
		}
		switch {
		case fr.req.PutRequest != nil:
			if err := t.put(fr.req.PutRequest.Item); err != nil {
				return nil, err
			}
		case fr.req.DeleteRequest != nil:
			if err := t.delete(fr.req.DeleteRequest.Key); err != nil {
				return nil, err
			}
		}
	}

	out := &dynamodb.BatchWriteItemOutput{}
	if len(leftover) > 0 {
		out.UnprocessedItems = make(map[string][]types.WriteRequest)
		for _, fr := range leftover {
			out.UnprocessedItems[fr.table] = append(out.UnprocessedItems[fr.table], fr.req)
		}
	}
	return out, nil
}

func (s *Store) BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++

	type flatKey struct {
		table string
		key   map[string]types.AttributeValue
	}
	var flat []flatKey
	for table, ka := range params.RequestItems {
		for _, k := range ka.Keys {
			flat = append(flat, flatKey{table: table, key: k})
		}
	}

	deferN := 0
	if s.ReadHook != nil {
		deferN = s.ReadHook(s.readCalls, len(flat))
		if deferN > len(flat) {
			deferN = len(flat)
		}
	}
	process := flat[:len(flat)-deferN]
	leftover := flat[len(flat)-deferN:]

	out := &dynamodb.BatchGetItemOutput{
		Responses: make(map[string][]map[string]types.AttributeValue),
	}
	for _, fk := range process {
		t, err := s.table(&fk.table)
		if err != nil {
			return nil, err
		}
		item, err := t.get(fk.key)
		if err != nil {
			return nil, err
		}
		if item != nil {
			out.Responses[fk.table] = append(out.Responses[fk.table], copyItem(item))
		}
	}
	if len(leftover) > 0 {
		out.UnprocessedKeys = make(map[string]types.KeysAndAttributes)
		for _, fk := range leftover {
			ka := out.UnprocessedKeys[fk.table]
			ka.Keys = append(ka.Keys, fk.key)
			out.UnprocessedKeys[fk.table] = ka
		}
	}
	return out, nil
}

func (s *Store) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.TableName == nil {
		return nil, fmt.Errorf("table name is required")
	}
	if _, exists := s.tables[*params.TableName]; exists {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists: " + *params.TableName)}
	}

	var hash, rng string
	for _, ks := range params.KeySchema {
		switch ks.KeyType {
		case types.KeyTypeHash:
			hash = *ks.AttributeName
		case types.KeyTypeRange:
			rng = *ks.AttributeName
		}
	}
	t := newMockTable(*params.TableName, hash, rng)
	for _, gsi := range params.GlobalSecondaryIndexes {
		var ih, ir string
		for _, ks := range gsi.KeySchema {
			switch ks.KeyType {
			case types.KeyTypeHash:
				ih = *ks.AttributeName
			case types.KeyTypeRange:
				ir = *ks.AttributeName
			}
		}
		t.indexes[*gsi.IndexName] = indexDef{hash: ih, rng: ir}
	}
	for _, lsi := range params.LocalSecondaryIndexes {
		var ir string
		for _, ks := range lsi.KeySchema {
			if ks.KeyType == types.KeyTypeRange {
				ir = *ks.AttributeName
			}
		}
		t.indexes[*lsi.IndexName] = indexDef{hash: hash, rng: ir}
	}
	s.tables[*params.TableName] = t

	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{
			TableName:   params.TableName,
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

func (s *Store) DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	delete(s.tables, t.name)
	return &dynamodb.DeleteTableOutput{
		TableDescription: &types.TableDescription{
			TableName:   &t.name,
			TableStatus: types.TableStatusDeleting,
		},
	}, nil
}

func (s *Store) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(params.TableName)
	if err != nil {
		return nil, err
	}
	count := int64(len(t.all()))
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   &t.name,
			TableStatus: types.TableStatusActive,
			ItemCount:   &count,
		},
	}, nil
}

func (s *Store) ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return &dynamodb.ListTablesOutput{TableNames: names}, nil
}
