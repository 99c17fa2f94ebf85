package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devblac/event-tracker/internal/sink"
)

// Predicate evaluates whether an event's fields satisfy a condition.
type Predicate func(fields map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, >=, <=, in, contains. String comparisons
// ignore case so checksummed and lowercase hex compare equal.
// Examples:
//
//	"block_number >= 19000000"
//	"topic1 in 0xabc...,0xdef..."
//	"data contains 0000dead"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// eventFields exposes the raw log of a payload to predicates. Topics beyond
// the log's own count are absent, so predicates on them do not match.
func eventFields(p sink.EventPayload) map[string]any {
	fields := map[string]any{
		"subscription": p.Subscription,
		"block_number": p.BlockNumber,
		"tx_index":     p.TxIndex,
		"log_index":    p.LogIndex,
		"address":      p.Address,
		"tx_hash":      p.TxHash,
		"block_hash":   p.BlockHash,
		"data":         p.Data,
	}
	for i, t := range p.Topics {
		fields["topic"+strconv.Itoa(i)] = t
	}
	return fields
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		field := strings.TrimSpace(parts[0])
		rawList := strings.Split(parts[1], ",")
		values := make(map[string]struct{}, len(rawList))
		for _, v := range rawList {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "" {
				continue
			}
			values[v] = struct{}{}
		}
		return func(fields map[string]any) (bool, error) {
			arg, ok := fields[field]
			if !ok {
				return false, nil
			}
			_, hit := values[strings.ToLower(fmt.Sprint(arg))]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		field := strings.TrimSpace(parts[0])
		needle := strings.ToLower(strings.TrimSpace(parts[1]))
		return func(fields map[string]any) (bool, error) {
			val, ok := fields[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(strings.ToLower(fmt.Sprint(val)), needle), nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])
	if field == "" || rhsRaw == "" {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)

	return func(fields map[string]any) (bool, error) {
		val, ok := fields[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			if lhs, ok := toNumber(val); ok {
				switch op {
				case "==":
					return lhs == numRHS, nil
				case "!=":
					return lhs != numRHS, nil
				case ">":
					return lhs > numRHS, nil
				case "<":
					return lhs < numRHS, nil
				case ">=":
					return lhs >= numRHS, nil
				case "<=":
					return lhs <= numRHS, nil
				}
			}
		}

		lhs := fmt.Sprint(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

// evaluateNumber evaluates a numeric expression, supporting:
// - Simple numbers: "100", "1e6", "1_000_000"
// - wei(...) as a readability helper
// - Multiplication: "1_000_000 * 1e6"
// Hex strings are not numbers; "0x10" compares as a string.
func evaluateNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 0, false
	}
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return 0, false
		}
		a, ok1 := evaluateNumber(strings.TrimSpace(parts[0]))
		b, ok2 := evaluateNumber(strings.TrimSpace(parts[1]))
		if !ok1 || !ok2 {
			return 0, false
		}
		return a * b, true
	}

	if strings.HasPrefix(s, "wei(") && strings.HasSuffix(s, ")") {
		return evaluateNumber(s[4 : len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		return evaluateNumber(n)
	default:
		return 0, false
	}
}
