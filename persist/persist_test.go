package persist

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/ddbmock"
	"github.com/dynadoc/dynadoc/schema"
)

func userModel(t *testing.T) *schema.ModelDefinition {
	t.Helper()
	m := &schema.ModelDefinition{
		Name:      "user",
		TableName: "users",
		HashKey:   "id",
		LockField: "lock_version",
		Fields: []schema.FieldDef{
			{Name: "id", Type: schema.String},
			{Name: "name", Type: schema.String},
			{Name: "age", Type: schema.Integer},
			{Name: "tags", Type: schema.StringSet},
		},
	}
	require.NoError(t, m.Validate())
	return m
}

func newTestEngine(t *testing.T, m *schema.ModelDefinition, opts ...Option) (*Engine, *ddbmock.Store) {
	t.Helper()
	store := ddbmock.NewStore()
	store.AddModel(m, m.TableName)
	s := dynadoc.DefaultSettings()
	require.NoError(t, s.Validate())
	return NewEngine(conn.New(store, s), opts...), store
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m := userModel(t)

	t.Run("assigns uuid and initializes lock", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.Set("name", "alice")

		require.NoError(t, e.Create(ctx, doc))
		assert.NotEmpty(t, doc.HashKeyValue())
		assert.False(t, doc.IsNew())

		lock, ok := doc.LockValue()
		require.True(t, ok)
		assert.Equal(t, int64(1), lock)
	})

	t.Run("duplicate key is not unique", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		first, err := schema.New(m)
		require.NoError(t, err)
		first.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, first))

		second, err := schema.New(m)
		require.NoError(t, err)
		second.SetHashKey("u1")
		err = e.Create(ctx, second)

		var dup *RecordNotUniqueError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "user", dup.Model)
	})

	t.Run("aborting persist hook skips the write", func(t *testing.T) {
		aborter := func(ctx context.Context, doc *schema.Document) (Decision, error) {
			return Abort, nil
		}
		e, _ := newTestEngine(t, m, WithHooks(Hooks{BeforePersist: []Hook{aborter}}))
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")

		require.NoError(t, e.Create(ctx, doc))
		assert.True(t, doc.IsNew(), "abort must leave the document unpersisted")

		_, err = e.Find(ctx, m, "u1", nil)
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
	})
}

func TestUpdate_OptimisticLocking(t *testing.T) {
	ctx := context.Background()
	m := userModel(t)

	t.Run("increments the lock on each save", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		doc.Set("name", "bob")
		require.NoError(t, e.Save(ctx, doc))
		lock, _ := doc.LockValue()
		assert.Equal(t, int64(2), lock)

		doc.Set("name", "carol")
		require.NoError(t, e.Save(ctx, doc))
		lock, _ = doc.LockValue()
		assert.Equal(t, int64(3), lock)
	})

	t.Run("two handles conflict, loser goes stale", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		h1, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		h2, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)

		h1.Set("age", 30)
		require.NoError(t, e.Update(ctx, h1))

		h2.Set("age", 31)
		err = e.Update(ctx, h2)
		var stale *StaleObjectError
		require.ErrorAs(t, err, &stale)

		// The first writer's state won.
		got, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(30), got.Get("age"))
	})

	t.Run("stale handle stays stale on retry", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		h1, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		h2, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)

		h1.Set("age", 30)
		require.NoError(t, e.Update(ctx, h1))

		h2.Set("age", 99)
		var stale *StaleObjectError
		require.ErrorAs(t, e.Update(ctx, h2), &stale)

		// The failed write must not advance the handle's lock state, so a
		// blind retry conflicts again instead of clobbering the first writer.
		lock, ok := h2.LockValue()
		require.True(t, ok)
		assert.Equal(t, int64(1), lock)
		require.ErrorAs(t, e.Update(ctx, h2), &stale)

		got, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(30), got.Get("age"))
	})

	t.Run("explicit lock override changes the compare basis", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		h, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		h.Set("lock_version", int64(99))
		err = e.Update(ctx, h)
		var stale *StaleObjectError
		assert.ErrorAs(t, err, &stale, "stored lock is 1, overridden basis 99 must not match")
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m := userModel(t)

	t.Run("stale handle cannot delete", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		stale, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)

		fresh, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		fresh.Set("name", "moved on")
		require.NoError(t, e.Update(ctx, fresh))

		var serr *StaleObjectError
		require.ErrorAs(t, e.Delete(ctx, stale), &serr)
	})

	t.Run("skip lock check forces the delete", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		stale, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)

		fresh, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		fresh.Set("name", "moved on")
		require.NoError(t, e.Update(ctx, fresh))

		require.NoError(t, e.Delete(ctx, stale, SkipLockCheck()))

		_, err = e.Find(ctx, m, "u1", nil)
		var nf *NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("aborting remove hook reports not destroyed", func(t *testing.T) {
		aborter := func(ctx context.Context, doc *schema.Document) (Decision, error) {
			return Abort, nil
		}
		e, _ := newTestEngine(t, m, WithHooks(Hooks{BeforeRemove: []Hook{aborter}}))
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		assert.ErrorIs(t, e.Delete(ctx, doc), ErrNotDestroyed)

		_, err = e.Find(ctx, m, "u1", nil)
		assert.NoError(t, err, "item must survive the aborted delete")
	})
}

func TestConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	m := userModel(t)

	t.Run("applies ops and bumps the lock", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		doc.Set("age", 30)
		require.NoError(t, e.Create(ctx, doc))

		err = e.ConditionalUpdate(ctx, doc, []UpdateOp{
			SetField("name", "dave"),
			AddNumber("age", 5),
		})
		require.NoError(t, err)

		assert.Equal(t, "dave", doc.Get("name"))
		assert.Equal(t, int64(35), doc.Get("age"))
		lock, _ := doc.LockValue()
		assert.Equal(t, int64(2), lock)
	})

	t.Run("failed condition goes stale", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		doc.Set("name", "dave")
		require.NoError(t, e.Create(ctx, doc))

		err = e.ConditionalUpdate(ctx, doc,
			[]UpdateOp{SetField("age", 40)},
			FieldIs{Field: "name", Value: "someone else"},
		)
		var stale *StaleObjectError
		require.ErrorAs(t, err, &stale)
	})

	t.Run("remove field", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		doc.Set("name", "dave")
		require.NoError(t, e.Create(ctx, doc))

		require.NoError(t, e.ConditionalUpdate(ctx, doc, []UpdateOp{RemoveField("name")}))
		assert.Nil(t, doc.Get("name"))
	})

	t.Run("set encodes datetimes into the stored numeric form", func(t *testing.T) {
		tm := &schema.ModelDefinition{
			Name:      "trip",
			TableName: "trips",
			HashKey:   "id",
			LockField: "lock_version",
			Fields: []schema.FieldDef{
				{Name: "id", Type: schema.String},
				{Name: "visited_at", Type: schema.DateTime},
			},
		}
		require.NoError(t, tm.Validate())
		e, store := newTestEngine(t, tm)

		doc, err := schema.New(tm)
		require.NoError(t, err)
		doc.SetHashKey("t1")
		require.NoError(t, e.Create(ctx, doc))

		at := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, e.ConditionalUpdate(ctx, doc, []UpdateOp{SetField("visited_at", at)}))

		// The raw item must carry the field's wire form, not a stringified
		// time.Time the decoder happens to tolerate.
		out, err := store.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String("trips"),
			Key: map[string]types.AttributeValue{
				"id": &types.AttributeValueMemberS{Value: "t1"},
			},
		})
		require.NoError(t, err)
		require.IsType(t, &types.AttributeValueMemberN{}, out.Item["visited_at"])

		got, ok := doc.Get("visited_at").(time.Time)
		require.True(t, ok)
		assert.True(t, got.Equal(at))
	})
}

// memoryFinder is a trivial identity cache for Find tests.
type memoryFinder struct {
	docs   map[string]*schema.Document
	stores int
}

func (f *memoryFinder) Fetch(model string, hashKey, rangeKey any) (*schema.Document, bool) {
	d, ok := f.docs[model+"/"+hashKey.(string)]
	return d, ok
}

func (f *memoryFinder) Store(doc *schema.Document) {
	f.stores++
	f.docs[doc.Model().Name+"/"+doc.HashKeyValue().(string)] = doc
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	m := userModel(t)

	t.Run("missing item is not found", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		_, err := e.Find(ctx, m, "ghost", nil)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "ghost", nf.HashKey)
	})

	t.Run("finder intercepts repeat reads", func(t *testing.T) {
		finder := &memoryFinder{docs: make(map[string]*schema.Document)}
		e, _ := newTestEngine(t, m, WithFinder(finder))

		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		first, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)
		second, err := e.Find(ctx, m, "u1", nil)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, finder.stores)
	})
}

func TestFindMany(t *testing.T) {
	ctx := context.Background()
	m := userModel(t)

	t.Run("fetches all requested keys", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		for _, id := range []string{"u1", "u2", "u3"} {
			doc, err := schema.New(m)
			require.NoError(t, err)
			doc.SetHashKey(id)
			require.NoError(t, e.Create(ctx, doc))
		}

		docs, err := e.FindMany(ctx, m, []Key{{Hash: "u1"}, {Hash: "u2"}, {Hash: "u3"}})
		require.NoError(t, err)
		assert.Len(t, docs, 3)
	})

	t.Run("missing keys are reported alongside partial results", func(t *testing.T) {
		e, _ := newTestEngine(t, m)
		doc, err := schema.New(m)
		require.NoError(t, err)
		doc.SetHashKey("u1")
		require.NoError(t, e.Create(ctx, doc))

		docs, err := e.FindMany(ctx, m, []Key{{Hash: "u1"}, {Hash: "ghost"}})
		var missing *MissingItemsError
		require.ErrorAs(t, err, &missing)
		assert.Len(t, docs, 1)
		assert.Equal(t, 2, missing.Expected)
		assert.Equal(t, 1, missing.Found)
		assert.Equal(t, []any{"ghost"}, missing.Missing)
	})

	t.Run("drains unprocessed keys under the backoff strategy", func(t *testing.T) {
		store := ddbmock.NewStore()
		store.AddModel(m, m.TableName)
		s := dynadoc.DefaultSettings()
		s.BackoffRegistry["instant"] = dynadoc.ConstantBackoff(time.Millisecond)
		s.Backoff = "instant"
		require.NoError(t, s.Validate())
		e := NewEngine(conn.New(store, s))

		for _, id := range []string{"u1", "u2"} {
			doc, err := schema.New(m)
			require.NoError(t, err)
			doc.SetHashKey(id)
			require.NoError(t, e.Create(ctx, doc))
		}

		store.ReadHook = func(call, total int) int {
			if call == 1 {
				return 1
			}
			return 0
		}

		docs, err := e.FindMany(ctx, m, []Key{{Hash: "u1"}, {Hash: "u2"}})
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("no strategy stops after one request and reports dropped keys", func(t *testing.T) {
		e, store := newTestEngine(t, m)
		for _, id := range []string{"u1", "u2"} {
			doc, err := schema.New(m)
			require.NoError(t, err)
			doc.SetHashKey(id)
			require.NoError(t, e.Create(ctx, doc))
		}

		// Hold one key back on every call. Without a configured strategy the
		// engine must not spin re-requesting it.
		calls := 0
		store.ReadHook = func(call, total int) int {
			calls = call
			return 1
		}

		docs, err := e.FindMany(ctx, m, []Key{{Hash: "u1"}, {Hash: "u2"}})
		var missing *MissingItemsError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, 1, calls, "each chunk is requested exactly once")
		assert.Len(t, docs, 1)
		assert.Equal(t, 2, missing.Expected)
		assert.Equal(t, 1, missing.Found)
		assert.Equal(t, []any{"u2"}, missing.Missing)
	})
}

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()
	animal := &schema.ModelDefinition{
		Name:               "animal",
		TableName:          "animals",
		HashKey:            "id",
		DiscriminatorField: "type",
		Fields: []schema.FieldDef{
			{Name: "id", Type: schema.String},
			{Name: "name", Type: schema.String},
		},
	}
	dog := &schema.ModelDefinition{
		Name:               "dog",
		TableName:          "animals",
		HashKey:            "id",
		DiscriminatorField: "type",
		Fields: []schema.FieldDef{
			{Name: "id", Type: schema.String},
			{Name: "name", Type: schema.String},
			{Name: "breed", Type: schema.String},
		},
	}
	reg := schema.NewRegistry()
	reg.MustRegister(animal)
	reg.MustRegister(dog)
	reg.Freeze()

	e, _ := newTestEngine(t, animal, WithRegistry(reg))

	pup, err := schema.New(dog)
	require.NoError(t, err)
	pup.SetHashKey("rex")
	pup.Set("breed", "kelpie")
	require.NoError(t, e.Create(ctx, pup))

	t.Run("find returns the subtype model", func(t *testing.T) {
		got, err := e.Find(ctx, animal, "rex", nil)
		require.NoError(t, err)
		assert.Equal(t, "dog", got.Model().Name)
		assert.Equal(t, "kelpie", got.Get("breed"))
	})

	t.Run("find many dispatches per item", func(t *testing.T) {
		docs, err := e.FindMany(ctx, animal, []Key{{Hash: "rex"}})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "dog", docs[0].Model().Name)
	})
}
