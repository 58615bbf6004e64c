package persist

import (
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/schema"
)

// Finder is an identity-cache collaborator consulted before single-item
// reads hit the store. Implementations own their scoping and eviction; the
// engine only asks and tells.
type Finder interface {
	// Fetch returns a cached document for the key, if any.
	Fetch(model string, hashKey, rangeKey any) (*schema.Document, bool)
	// Store records a freshly loaded document.
	Store(doc *schema.Document)
}

// Engine performs single-item persistence with optimistic locking and
// lifecycle hooks. It is safe for concurrent use; individual Documents are
// not.
type Engine struct {
	conn     *conn.Connection
	settings *dynadoc.Settings
	logger   *slog.Logger
	hooks    Hooks
	finder   Finder
	registry *schema.Registry
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks installs the lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithFinder installs an identity-cache collaborator for Find.
func WithFinder(f Finder) Option {
	return func(e *Engine) { e.finder = f }
}

// WithLogger overrides the settings logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegistry installs a model registry so loads dispatch items to the model
// named by their discriminator attribute.
func WithRegistry(r *schema.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// NewEngine builds an engine over a connection.
func NewEngine(c *conn.Connection, opts ...Option) *Engine {
	e := &Engine{
		conn:     c,
		settings: c.Settings(),
		logger:   c.Settings().Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Connection returns the underlying connection.
func (e *Engine) Connection() *conn.Connection { return e.conn }

// keyFor encodes the primary key of a model to wire form. Keys must encode
// to a present value; an absent encoding (blank string) is an error.
func (e *Engine) keyFor(m *schema.ModelDefinition, hashKey, rangeKey any) (map[string]types.AttributeValue, error) {
	hf, ok := m.HashKeyField()
	if !ok {
		return nil, fmt.Errorf("model %s: hash key %q is not a declared field", m.Name, m.HashKey)
	}
	av, err := codec.Encode(hf, hashKey, e.settings)
	if err != nil {
		return nil, err
	}
	if av == nil {
		return nil, fmt.Errorf("model %s: blank hash key", m.Name)
	}
	key := map[string]types.AttributeValue{m.HashKey: av}
	if m.RangeKey != "" {
		rf, _ := m.RangeKeyField()
		rav, err := codec.Encode(rf, rangeKey, e.settings)
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

// keyOf extracts and encodes the primary key carried by a document.
func (e *Engine) keyOf(doc *schema.Document) (map[string]types.AttributeValue, error) {
	return e.keyFor(doc.Model(), doc.HashKeyValue(), doc.RangeKeyValue())
}
