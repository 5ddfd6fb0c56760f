package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Attribute names a customer attribute can be segmented on.
const (
	FieldSpend              = "spend"
	FieldVisits             = "visits"
	FieldOrders             = "orders"
	FieldDaysSinceLastVisit = "daysSinceLastVisit"
	FieldAvgOrderValue      = "avgOrderValue"
	FieldLoyaltyPoints      = "loyaltyPoints"
)

var knownFields = []string{
	FieldSpend,
	FieldVisits,
	FieldOrders,
	FieldDaysSinceLastVisit,
	FieldAvgOrderValue,
	FieldLoyaltyPoints,
}

// older dashboards stored the recency attribute as "lastVisit"
var fieldAliases = map[string]string{
	"lastVisit": FieldDaysSinceLastVisit,
}

// KnownFields returns the attribute set conditions may reference.
func KnownFields() []string { return append([]string(nil), knownFields...) }

// NormalizeField maps a field name onto the known attribute set.
func NormalizeField(field string) (string, bool) {
	field = strings.TrimSpace(field)
	if alias, ok := fieldAliases[field]; ok {
		field = alias
	}
	for _, f := range knownFields {
		if f == field {
			return f, true
		}
	}
	return field, false
}

func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// NormalizeRule canonicalizes field aliases and logic type casing, then
// validates the result.
func NormalizeRule(rule SegmentRule) (SegmentRule, error) {
	rule.LogicType = LogicType(strings.ToUpper(strings.TrimSpace(string(rule.LogicType))))
	conds := make([]Condition, len(rule.Conditions))
	for i, c := range rule.Conditions {
		c.Field, _ = NormalizeField(c.Field)
		c.Operator = Operator(strings.TrimSpace(string(c.Operator)))
		conds[i] = c
	}
	rule.Conditions = conds
	if err := ValidateRule(rule); err != nil {
		return SegmentRule{}, err
	}
	return rule, nil
}

func ValidateRule(rule SegmentRule) error {
	if rule.LogicType != LogicAnd && rule.LogicType != LogicOr {
		return fmt.Errorf("%w: logic type %q must be AND or OR", ErrInvalidRule, rule.LogicType)
	}
	if len(rule.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrInvalidRule)
	}
	for i, c := range rule.Conditions {
		if _, ok := NormalizeField(c.Field); !ok {
			return fmt.Errorf("%w: condition %d: unknown field %q (known: %s)", ErrInvalidRule, i, c.Field, strings.Join(KnownFields(), ", "))
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("%w: condition %d: unsupported operator %q", ErrInvalidRule, i, c.Operator)
		}
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			return fmt.Errorf("%w: condition %d: value must be a finite number", ErrInvalidRule, i)
		}
	}
	return nil
}

// Evaluate reports whether the customer satisfies the rule. It has no side
// effects and never panics on missing attributes.
func Evaluate(rule SegmentRule, customer Customer) bool {
	switch rule.LogicType {
	case LogicAnd:
		if len(rule.Conditions) == 0 {
			return false
		}
		for _, c := range rule.Conditions {
			if !evaluateCondition(c, customer.Attributes) {
				return false
			}
		}
		return true
	case LogicOr:
		for _, c := range rule.Conditions {
			if evaluateCondition(c, customer.Attributes) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Explain evaluates every condition independently, in rule order.
func Explain(rule SegmentRule, customer Customer) []ConditionResult {
	out := make([]ConditionResult, 0, len(rule.Conditions))
	for _, c := range rule.Conditions {
		r := ConditionResult{Condition: c, Matched: evaluateCondition(c, customer.Attributes)}
		if v, ok := customer.Attributes[c.Field]; ok {
			r.Actual = &v
		}
		out = append(out, r)
	}
	return out
}

func evaluateCondition(c Condition, attributes map[string]float64) bool {
	// absence is not zero
	actual, ok := attributes[c.Field]
	if !ok {
		return false
	}
	return compare(actual, c.Operator, c.Value)
}

func compare(a float64, op Operator, b float64) bool {
	switch op {
	case OpGreater:
		return a > b
	case OpLess:
		return a < b
	case OpGreaterEqual:
		return a >= b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpNotEqual:
		return a != b
	default:
		return false
	}
}

// Describe renders the rule as "<field> <op> <value> <JOINER> ..." keeping
// condition order.
func Describe(rule SegmentRule) string {
	parts := make([]string, len(rule.Conditions))
	for i, c := range rule.Conditions {
		parts[i] = c.String()
	}
	return strings.Join(parts, " "+string(rule.LogicType)+" ")
}

func (c Condition) String() string {
	return c.Field + " " + string(c.Operator) + " " + strconv.FormatFloat(c.Value, 'f', -1, 64)
}
