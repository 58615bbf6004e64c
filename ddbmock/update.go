package ddbmock

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// applyUpdate executes an update expression against an item in place.
func applyUpdate(expr string, item map[string]types.AttributeValue, ctx exprContext) error {
	l := lex(expr)
	for l.pos < len(l.toks) {
		section := l.next()
		switch {
		case isKeyword(section, "SET"):
			if err := applySection(l, func() error { return applySet(l, item, ctx) }); err != nil {
				return fmt.Errorf("update %q: %w", expr, err)
			}
		case isKeyword(section, "ADD"):
			if err := applySection(l, func() error { return applyAdd(l, item, ctx) }); err != nil {
				return fmt.Errorf("update %q: %w", expr, err)
			}
		case isKeyword(section, "REMOVE"):
			if err := applySection(l, func() error { return applyRemove(l, item, ctx) }); err != nil {
				return fmt.Errorf("update %q: %w", expr, err)
			}
		case isKeyword(section, "DELETE"):
			if err := applySection(l, func() error { return applyDelete(l, item, ctx) }); err != nil {
				return fmt.Errorf("update %q: %w", expr, err)
			}
		default:
			return fmt.Errorf("update %q: unexpected token %q", expr, section)
		}
	}
	return nil
}

// applySection runs one comma-separated entry list.
func applySection(l *lexer, entry func() error) error {
	for {
		if err := entry(); err != nil {
			return err
		}
		if l.peek() != "," {
			return nil
		}
		l.next()
	}
}

func applySet(l *lexer, item map[string]types.AttributeValue, ctx exprContext) error {
	path := l.next()
	if err := l.expect("="); err != nil {
		return err
	}
	operand := l.next()
	v, ok := ctx.operand(operand)
	if !ok {
		return fmt.Errorf("SET operand %q unresolved", operand)
	}
	item[ctx.resolveName(path)] = v
	return nil
}

func applyRemove(l *lexer, item map[string]types.AttributeValue, ctx exprContext) error {
	path := l.next()
	delete(item, ctx.resolveName(path))
	return nil
}

func applyAdd(l *lexer, item map[string]types.AttributeValue, ctx exprContext) error {
	path := l.next()
	operand := l.next()
	v, ok := ctx.operand(operand)
	if !ok {
		return fmt.Errorf("ADD operand %q unresolved", operand)
	}
	name := ctx.resolveName(path)
	cur, exists := item[name]
	if !exists {
		item[name] = v
		return nil
	}
	switch cv := cur.(type) {
	case *types.AttributeValueMemberN:
		nv, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return fmt.Errorf("ADD to number %q with non-number", name)
		}
		a, err := decimal.NewFromString(cv.Value)
		if err != nil {
			return err
		}
		b, err := decimal.NewFromString(nv.Value)
		if err != nil {
			return err
		}
		item[name] = &types.AttributeValueMemberN{Value: a.Add(b).String()}
	case *types.AttributeValueMemberSS:
		nv, ok := v.(*types.AttributeValueMemberSS)
		if !ok {
			return fmt.Errorf("ADD to string set %q with non string set", name)
		}
		item[name] = &types.AttributeValueMemberSS{Value: unionStrings(cv.Value, nv.Value)}
	case *types.AttributeValueMemberNS:
		nv, ok := v.(*types.AttributeValueMemberNS)
		if !ok {
			return fmt.Errorf("ADD to number set %q with non number set", name)
		}
		item[name] = &types.AttributeValueMemberNS{Value: unionStrings(cv.Value, nv.Value)}
	default:
		return fmt.Errorf("ADD on unsupported attribute type %T", cur)
	}
	return nil
}

func applyDelete(l *lexer, item map[string]types.AttributeValue, ctx exprContext) error {
	path := l.next()
	operand := l.next()
	v, ok := ctx.operand(operand)
	if !ok {
		return fmt.Errorf("DELETE operand %q unresolved", operand)
	}
	name := ctx.resolveName(path)
	cur, exists := item[name]
	if !exists {
		return nil
	}
	switch cv := cur.(type) {
	case *types.AttributeValueMemberSS:
		nv, ok := v.(*types.AttributeValueMemberSS)
		if !ok {
			return fmt.Errorf("DELETE from string set %q with non string set", name)
		}
		rest := subtractStrings(cv.Value, nv.Value)
		if len(rest) == 0 {
			delete(item, name)
		} else {
			item[name] = &types.AttributeValueMemberSS{Value: rest}
		}
	case *types.AttributeValueMemberNS:
		nv, ok := v.(*types.AttributeValueMemberNS)
		if !ok {
			return fmt.Errorf("DELETE from number set %q with non number set", name)
		}
		rest := subtractStrings(cv.Value, nv.Value)
		if len(rest) == 0 {
			delete(item, name)
		} else {
			item[name] = &types.AttributeValueMemberNS{Value: rest}
		}
	default:
		return fmt.Errorf("DELETE on unsupported attribute type %T", cur)
	}
	return nil
}

func unionStrings(cur, add []string) []string {
	seen := make(map[string]bool, len(cur))
	out := make([]string, 0, len(cur)+len(add))
	for _, s := range cur {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subtractStrings(cur, del []string) []string {
	drop := make(map[string]bool, len(del))
	for _, s := range del {
		drop[s] = true
	}
	var out []string
	for _, s := range cur {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
