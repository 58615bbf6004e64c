// Package query routes declarative criteria to the cheapest access path a
// model's key schema supports: a table query, a secondary-index query, or a
// filtered scan as the last resort.
package query

// RangeOp is a comparison operator usable on a range key or in a filter.
type RangeOp string

const (
	EQ         RangeOp = "EQ"
	LT         RangeOp = "LT"
	LE         RangeOp = "LE"
	GT         RangeOp = "GT"
	GE         RangeOp = "GE"
	Between    RangeOp = "BETWEEN"
	BeginsWith RangeOp = "BEGINS_WITH"
)

// RangeCondition is a single non-equality constraint. Between carries two
// inclusive bounds in Values; every other operator carries one.
type RangeCondition struct {
	Field  string
	Op     RangeOp
	Values []any
}

// Criteria is a conjunction of equality constraints plus at most one range
// condition. Field order is remembered so plans and filters come out
// deterministic.
type Criteria struct {
	equal map[string]any
	order []string
	rng   *RangeCondition
}

// Where starts a criteria chain with one equality constraint.
func Where(field string, value any) *Criteria {
	c := &Criteria{equal: make(map[string]any)}
	return c.And(field, value)
}

// And adds an equality constraint. Re-constraining a field overwrites the
// previous value.
func (c *Criteria) And(field string, value any) *Criteria {
	if _, ok := c.equal[field]; !ok {
		c.order = append(c.order, field)
	}
	c.equal[field] = value
	return c
}

// Range sets the range condition. Only one is allowed; a second call
// replaces the first.
func (c *Criteria) Range(field string, op RangeOp, values ...any) *Criteria {
	c.rng = &RangeCondition{Field: field, Op: op, Values: values}
	return c
}

// EqualValue returns the equality constraint on a field, if any.
func (c *Criteria) EqualValue(field string) (any, bool) {
	v, ok := c.equal[field]
	return v, ok
}

// Fields returns the equality-constrained field names in insertion order.
func (c *Criteria) Fields() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// RangeCond returns the range condition, or nil.
func (c *Criteria) RangeCond() *RangeCondition { return c.rng }
