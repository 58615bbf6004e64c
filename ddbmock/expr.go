package ddbmock

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// The evaluator covers the grammar the SDK expression builder emits:
// substituted #name/:value placeholders, comparators, BETWEEN, begins_with,
// attribute_exists/attribute_not_exists, AND/OR/NOT with parentheses, and
// the SET/ADD/REMOVE/DELETE update clauses. It is not a general DynamoDB
// expression engine.

type exprContext struct {
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

func (c exprContext) resolveName(tok string) string {
	if strings.HasPrefix(tok, "#") {
		if real, ok := c.names[tok]; ok {
			return real
		}
	}
	return tok
}

func (c exprContext) operand(tok string) (types.AttributeValue, bool) {
	if strings.HasPrefix(tok, ":") {
		v, ok := c.values[tok]
		return v, ok
	}
	v, ok := c.item[c.resolveName(tok)]
	return v, ok
}

// tokenizer

type lexer struct {
	toks []string
	pos  int
}

func lex(s string) *lexer {
	var toks []string
	i := 0
	for i < len(s) {
		switch ch := s[i]; {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++
		case ch == '(' || ch == ')' || ch == ',':
			toks = append(toks, string(ch))
			i++
		case ch == '=':
			toks = append(toks, "=")
			i++
		case ch == '<':
			if i+1 < len(s) && (s[i+1] == '>' || s[i+1] == '=') {
				toks = append(toks, s[i:i+2])
				i += 2
			} else {
				toks = append(toks, "<")
				i++
			}
		case ch == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, ">=")
				i += 2
			} else {
				toks = append(toks, ">")
				i++
			}
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n(),=<>", rune(s[j])) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return &lexer{toks: toks}
}

func (l *lexer) peek() string {
	if l.pos >= len(l.toks) {
		return ""
	}
	return l.toks[l.pos]
}

func (l *lexer) next() string {
	t := l.peek()
	l.pos++
	return t
}

func (l *lexer) expect(tok string) error {
	if got := l.next(); !strings.EqualFold(got, tok) {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func isKeyword(tok, kw string) bool { return strings.EqualFold(tok, kw) }

// condition parser

func evalCondition(expr string, ctx exprContext) (bool, error) {
	l := lex(expr)
	ok, err := parseOr(l, ctx)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	if l.pos != len(l.toks) {
		return false, fmt.Errorf("condition %q: trailing tokens at %q", expr, l.peek())
	}
	return ok, nil
}

func parseOr(l *lexer, ctx exprContext) (bool, error) {
	ok, err := parseAnd(l, ctx)
	if err != nil {
		return false, err
	}
	for isKeyword(l.peek(), "OR") {
		l.next()
		rhs, err := parseAnd(l, ctx)
		if err != nil {
			return false, err
		}
		ok = ok || rhs
	}
	return ok, nil
}

func parseAnd(l *lexer, ctx exprContext) (bool, error) {
	ok, err := parseNot(l, ctx)
	if err != nil {
		return false, err
	}
	for isKeyword(l.peek(), "AND") {
		l.next()
		rhs, err := parseNot(l, ctx)
		if err != nil {
			return false, err
		}
		ok = ok && rhs
	}
	return ok, nil
}

func parseNot(l *lexer, ctx exprContext) (bool, error) {
	if isKeyword(l.peek(), "NOT") {
		l.next()
		ok, err := parseNot(l, ctx)
		return !ok, err
	}
	return parsePrimary(l, ctx)
}

func parsePrimary(l *lexer, ctx exprContext) (bool, error) {
	switch tok := l.peek(); {
	case tok == "(":
		l.next()
		ok, err := parseOr(l, ctx)
		if err != nil {
			return false, err
		}
		return ok, l.expect(")")
	case isKeyword(tok, "attribute_exists"), isKeyword(tok, "attribute_not_exists"):
		fn := l.next()
		if err := l.expect("("); err != nil {
			return false, err
		}
		path := l.next()
		if err := l.expect(")"); err != nil {
			return false, err
		}
		_, present := ctx.item[ctx.resolveName(path)]
		if isKeyword(fn, "attribute_exists") {
			return present, nil
		}
		return !present, nil
	case isKeyword(tok, "begins_with"):
		l.next()
		if err := l.expect("("); err != nil {
			return false, err
		}
		path := l.next()
		if err := l.expect(","); err != nil {
			return false, err
		}
		prefix := l.next()
		if err := l.expect(")"); err != nil {
			return false, err
		}
		return evalBeginsWith(path, prefix, ctx)
	default:
		return parseComparison(l, ctx)
	}
}

func parseComparison(l *lexer, ctx exprContext) (bool, error) {
	lhs := l.next()
	if lhs == "" {
		return false, fmt.Errorf("unexpected end of expression")
	}
	if isKeyword(l.peek(), "BETWEEN") {
		l.next()
		low := l.next()
		if err := l.expect("AND"); err != nil {
			return false, err
		}
		high := l.next()
		return evalBetween(lhs, low, high, ctx)
	}
	op := l.next()
	rhs := l.next()
	return evalComparator(lhs, op, rhs, ctx)
}

func evalComparator(lhs, op, rhs string, ctx exprContext) (bool, error) {
	a, aok := ctx.operand(lhs)
	b, bok := ctx.operand(rhs)
	if !aok || !bok {
		// Comparing against an absent attribute never matches.
		return false, nil
	}
	switch op {
	case "=":
		return attrEqual(a, b), nil
	case "<>":
		return !attrEqual(a, b), nil
	case "<", "<=", ">", ">=":
		cmp, err := attrCompare(a, b)
		if err != nil {
			return false, err
		}
		switch op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	default:
		return false, fmt.Errorf("unsupported comparator %q", op)
	}
}

func evalBetween(path, low, high string, ctx exprContext) (bool, error) {
	v, ok := ctx.operand(path)
	if !ok {
		return false, nil
	}
	lo, lok := ctx.operand(low)
	hi, hok := ctx.operand(high)
	if !lok || !hok {
		return false, fmt.Errorf("between bounds unresolved")
	}
	cl, err := attrCompare(v, lo)
	if err != nil {
		return false, err
	}
	ch, err := attrCompare(v, hi)
	if err != nil {
		return false, err
	}
	return cl >= 0 && ch <= 0, nil
}

func evalBeginsWith(path, prefix string, ctx exprContext) (bool, error) {
	v, ok := ctx.operand(path)
	if !ok {
		return false, nil
	}
	p, ok := ctx.operand(prefix)
	if !ok {
		return false, fmt.Errorf("begins_with prefix unresolved")
	}
	vs, ok1 := v.(*types.AttributeValueMemberS)
	ps, ok2 := p.(*types.AttributeValueMemberS)
	if !ok1 || !ok2 {
		return false, nil
	}
	return strings.HasPrefix(vs.Value, ps.Value), nil
}

// attribute value comparison

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		ad, err1 := decimal.NewFromString(av.Value)
		bd, err2 := decimal.NewFromString(bv.Value)
		return err1 == nil && err2 == nil && ad.Equal(bd)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && string(av.Value) == string(bv.Value)
	case *types.AttributeValueMemberSS:
		bv, ok := b.(*types.AttributeValueMemberSS)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for i := range av.Value {
			if av.Value[i] != bv.Value[i] {
				return false
			}
		}
		return true
	case *types.AttributeValueMemberNS:
		bv, ok := b.(*types.AttributeValueMemberNS)
		if !ok || len(av.Value) != len(bv.Value) {
			return false
		}
		for i := range av.Value {
			if av.Value[i] != bv.Value[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// attrCompare orders scalar values of the same type: -1, 0 or 1.
func attrCompare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, fmt.Errorf("type mismatch in comparison")
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, fmt.Errorf("type mismatch in comparison")
		}
		ad, err := decimal.NewFromString(av.Value)
		if err != nil {
			return 0, err
		}
		bd, err := decimal.NewFromString(bv.Value)
		if err != nil {
			return 0, err
		}
		return ad.Cmp(bd), nil
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, fmt.Errorf("type mismatch in comparison")
		}
		return strings.Compare(string(av.Value), string(bv.Value)), nil
	default:
		return 0, fmt.Errorf("unorderable attribute type %T", a)
	}
}
