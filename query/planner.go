package query

import (
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"

	"github.com/dynadoc/dynadoc"
	"github.com/dynadoc/dynadoc/codec"
	"github.com/dynadoc/dynadoc/conn"
	"github.com/dynadoc/dynadoc/schema"
)

// Planner compiles criteria against a model's key schema.
type Planner struct {
	conn     *conn.Connection
	settings *dynadoc.Settings
	logger   *slog.Logger
	registry *schema.Registry
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger overrides the settings logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithRegistry installs a model registry so result documents dispatch to the
// model named by their discriminator attribute.
func WithRegistry(r *schema.Registry) Option {
	return func(p *Planner) { p.registry = r }
}

// NewPlanner builds a planner over a connection.
func NewPlanner(c *conn.Connection, opts ...Option) *Planner {
	p := &Planner{
		conn:     c,
		settings: c.Settings(),
		logger:   c.Settings().Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

type planKind int

const (
	tableQuery planKind = iota
	indexQuery
	tableScan
)

// Plan is a compiled access path. Limit, PageSize and Descending refine it;
// Run starts a fresh cursor over it, so one plan can execute many times.
type Plan struct {
	planner *Planner
	model   *schema.ModelDefinition

	kind      planKind
	indexName *string
	expr      expression.Expression
	hasKey    bool
	hasFilter bool

	limit      int32
	pageSize   int32
	descending bool
}

const defaultPageSize = 100

// Plan routes criteria to an access path. The table's own hash key wins when
// constrained; otherwise the first declared index (globals before locals)
// whose hash key is constrained, and whose range key matches the range
// condition when one is present, is chosen. With no usable key the plan
// falls back to a scan carrying every constraint as a filter.
func (p *Planner) Plan(m *schema.ModelDefinition, c *Criteria) (*Plan, error) {
	plan := &Plan{planner: p, model: m, pageSize: defaultPageSize}

	consumed := map[string]bool{}
	rng := c.RangeCond()
	rangeConsumed := false

	var key expression.KeyConditionBuilder

	switch {
	case c.hasEqual(m.HashKey):
		plan.kind = tableQuery
		kc, err := p.keyEqual(m, m.HashKey, c)
		if err != nil {
			return nil, err
		}
		key = kc
		consumed[m.HashKey] = true
		if m.RangeKey != "" {
			if c.hasEqual(m.RangeKey) {
				rc, err := p.keyEqual(m, m.RangeKey, c)
				if err != nil {
					return nil, err
				}
				key = key.And(rc)
				consumed[m.RangeKey] = true
			} else if rng != nil && rng.Field == m.RangeKey {
				rc, err := p.keyRange(m, rng)
				if err != nil {
					return nil, err
				}
				key = key.And(rc)
				rangeConsumed = true
			}
		}
		plan.hasKey = true

	default:
		for _, idx := range m.Indexes() {
			hash := m.IndexHashKey(idx)
			if !c.hasEqual(hash) {
				continue
			}
			if rng != nil && rng.Field != idx.RangeKey {
				continue
			}
			plan.kind = indexQuery
			name := idx.Name
			plan.indexName = &name
			kc, err := p.keyEqual(m, hash, c)
			if err != nil {
				return nil, err
			}
			key = kc
			consumed[hash] = true
			if rng != nil {
				rc, err := p.keyRange(m, rng)
				if err != nil {
					return nil, err
				}
				key = key.And(rc)
				rangeConsumed = true
			} else if c.hasEqual(idx.RangeKey) {
				rc, err := p.keyEqual(m, idx.RangeKey, c)
				if err != nil {
					return nil, err
				}
				key = key.And(rc)
				consumed[idx.RangeKey] = true
			}
			plan.hasKey = true
			break
		}
		if !plan.hasKey {
			plan.kind = tableScan
		}
	}

	var filter expression.ConditionBuilder
	hasFilter := false
	addFilter := func(cond expression.ConditionBuilder) {
		if hasFilter {
			filter = filter.And(cond)
		} else {
			filter = cond
			hasFilter = true
		}
	}
	for _, field := range c.Fields() {
		if consumed[field] {
			continue
		}
		cond, err := p.filterEqual(m, field, c)
		if err != nil {
			return nil, err
		}
		addFilter(cond)
	}
	if rng != nil && !rangeConsumed {
		cond, err := p.filterRange(m, rng)
		if err != nil {
			return nil, err
		}
		addFilter(cond)
	}
	plan.hasFilter = hasFilter

	if plan.kind == tableScan && p.settings.WarnOnScan {
		p.logger.Warn("query cannot use any index, falling back to a scan",
			"model", m.Name,
			"attributes", c.Fields(),
			"hint", "declare a secondary index on the constrained attributes")
	}

	builder := expression.NewBuilder()
	used := false
	if plan.hasKey {
		builder = builder.WithKeyCondition(key)
		used = true
	}
	if hasFilter {
		builder = builder.WithFilter(filter)
		used = true
	}
	if used {
		expr, err := builder.Build()
		if err != nil {
			return nil, fmt.Errorf("build query expression: %w", err)
		}
		plan.expr = expr
	}
	return plan, nil
}

// Limit caps the total number of documents a cursor yields.
func (pl *Plan) Limit(n int) *Plan {
	pl.limit = int32(n)
	return pl
}

// PageSize sets the per-request page size.
func (pl *Plan) PageSize(n int) *Plan {
	pl.pageSize = int32(n)
	return pl
}

// Descending flips the traversal order. Only query plans honor it; scans
// have no defined order.
func (pl *Plan) Descending() *Plan {
	pl.descending = true
	return pl
}

func (c *Criteria) hasEqual(field string) bool {
	_, ok := c.equal[field]
	return ok
}

// encodeField encodes a criteria value through the field's codec so
// comparisons happen in wire form.
func (p *Planner) encodeField(m *schema.ModelDefinition, field string, v any) (any, error) {
	f, ok := m.Field(field)
	if !ok {
		return nil, fmt.Errorf("model %s: criteria on undeclared field %q", m.Name, field)
	}
	av, err := codec.Encode(f, v, p.settings)
	if err != nil {
		return nil, err
	}
	if av == nil {
		return nil, fmt.Errorf("model %s: criteria value for %q encodes to nothing", m.Name, field)
	}
	return av, nil
}

func (p *Planner) keyEqual(m *schema.ModelDefinition, field string, c *Criteria) (expression.KeyConditionBuilder, error) {
	v, _ := c.EqualValue(field)
	av, err := p.encodeField(m, field, v)
	if err != nil {
		return expression.KeyConditionBuilder{}, err
	}
	return expression.Key(field).Equal(expression.Value(av)), nil
}

func (p *Planner) keyRange(m *schema.ModelDefinition, rng *RangeCondition) (expression.KeyConditionBuilder, error) {
	vals, err := p.rangeValues(m, rng)
	if err != nil {
		return expression.KeyConditionBuilder{}, err
	}
	k := expression.Key(rng.Field)
	switch rng.Op {
	case EQ:
		return k.Equal(expression.Value(vals[0])), nil
	case LT:
		return k.LessThan(expression.Value(vals[0])), nil
	case LE:
		return k.LessThanEqual(expression.Value(vals[0])), nil
	case GT:
		return k.GreaterThan(expression.Value(vals[0])), nil
	case GE:
		return k.GreaterThanEqual(expression.Value(vals[0])), nil
	case Between:
		return k.Between(expression.Value(vals[0]), expression.Value(vals[1])), nil
	case BeginsWith:
		s, ok := rng.Values[0].(string)
		if !ok {
			return expression.KeyConditionBuilder{}, fmt.Errorf("begins_with on %q needs a string prefix", rng.Field)
		}
		return k.BeginsWith(s), nil
	default:
		return expression.KeyConditionBuilder{}, fmt.Errorf("unsupported range operator %q", rng.Op)
	}
}

func (p *Planner) filterEqual(m *schema.ModelDefinition, field string, c *Criteria) (expression.ConditionBuilder, error) {
	v, _ := c.EqualValue(field)
	av, err := p.encodeField(m, field, v)
	if err != nil {
		return expression.ConditionBuilder{}, err
	}
	return expression.Name(field).Equal(expression.Value(av)), nil
}

func (p *Planner) filterRange(m *schema.ModelDefinition, rng *RangeCondition) (expression.ConditionBuilder, error) {
	vals, err := p.rangeValues(m, rng)
	if err != nil {
		return expression.ConditionBuilder{}, err
	}
	n := expression.Name(rng.Field)
	switch rng.Op {
	case EQ:
		return n.Equal(expression.Value(vals[0])), nil
	case LT:
		return n.LessThan(expression.Value(vals[0])), nil
	case LE:
		return n.LessThanEqual(expression.Value(vals[0])), nil
	case GT:
		return n.GreaterThan(expression.Value(vals[0])), nil
	case GE:
		return n.GreaterThanEqual(expression.Value(vals[0])), nil
	case Between:
		return n.Between(expression.Value(vals[0]), expression.Value(vals[1])), nil
	case BeginsWith:
		s, ok := rng.Values[0].(string)
		if !ok {
			return expression.ConditionBuilder{}, fmt.Errorf("begins_with on %q needs a string prefix", rng.Field)
		}
		return n.BeginsWith(s), nil
	default:
		return expression.ConditionBuilder{}, fmt.Errorf("unsupported range operator %q", rng.Op)
	}
}

func (p *Planner) rangeValues(m *schema.ModelDefinition, rng *RangeCondition) ([]any, error) {
	want := 1
	if rng.Op == Between {
		want = 2
	}
	if len(rng.Values) != want {
		return nil, fmt.Errorf("range operator %s on %q wants %d values, got %d", rng.Op, rng.Field, want, len(rng.Values))
	}
	out := make([]any, len(rng.Values))
	for i, v := range rng.Values {
		av, err := p.encodeField(m, rng.Field, v)
		if err != nil {
			return nil, err
		}
		out[i] = av
	}
	return out, nil
}
