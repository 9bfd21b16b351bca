// Package rules defines the declarative audience rule model and its pure
// evaluation against customer attributes. Rules are validated at construction
// time; evaluation never fails.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beaconcrm/beacon/internal/db"
)

// Field names a customer attribute a condition can target.
type Field string

const (
	FieldTotalSpent         Field = "totalSpent"
	FieldVisitCount         Field = "visitCount"
	FieldDaysSinceLastOrder Field = "daysSinceLastOrder"
	FieldStatus             Field = "status"
	FieldCity               Field = "city"
	FieldValueCategory      Field = "valueCategory"
)

// Operator is a comparison applied to a single field.
type Operator string

const (
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpEq     Operator = "eq"
	OpNe     Operator = "ne"
	OpIn     Operator = "in"
	OpNin    Operator = "nin"
	OpExists Operator = "exists"
)

// Logic combines a rule's conditions. Flat, never nested.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindString
)

var fieldKinds = map[Field]fieldKind{
	FieldTotalSpent:         kindNumber,
	FieldVisitCount:         kindNumber,
	FieldDaysSinceLastOrder: kindNumber,
	FieldStatus:             kindString,
	FieldCity:               kindString,
	FieldValueCategory:      kindString,
}

// Condition is one {field, operator, value} triple. The value's type is
// checked against the field's declared type when the condition is validated,
// so evaluation can assume well-typed input.
type Condition struct {
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule is a flat set of conditions joined by a single logic mode.
type Rule struct {
	Conditions []Condition `json:"conditions"`
	Logic      Logic       `json:"logic"`
}

// ErrInvalid marks rule validation failures so callers can distinguish a bad
// rule from an infrastructure error.
var ErrInvalid = errors.New("invalid rule")

// Parse decodes and validates a rule from JSON in one step.
func Parse(raw json.RawMessage) (Rule, error) {
	var r Rule
	if err := json.Unmarshal(raw, &r); err != nil {
		return Rule{}, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Validate rejects empty rules, unknown fields/operators, and values whose
// type does not suit the operator. A rule with zero conditions is never
// launchable, so it is rejected here rather than resolving to everyone or
// no one. All failures wrap ErrInvalid.
func (r Rule) Validate() error {
	if err := r.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (r Rule) validate() error {
	if r.Logic != LogicAnd && r.Logic != LogicOr {
		return fmt.Errorf("logic must be %s or %s, got %q", LogicAnd, LogicOr, r.Logic)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule must have at least one condition")
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the condition's field, operator, and value type.
func (c Condition) Validate() error {
	kind, ok := fieldKinds[c.Field]
	if !ok {
		return fmt.Errorf("unknown field %q", c.Field)
	}

	switch c.Operator {
	case OpGt, OpGte, OpLt, OpLte:
		if kind != kindNumber {
			return fmt.Errorf("operator %q requires a numeric field, %q is not", c.Operator, c.Field)
		}
		if _, ok := toNumber(c.Value); !ok {
			return fmt.Errorf("operator %q on %q requires a numeric value", c.Operator, c.Field)
		}
	case OpEq, OpNe:
		if kind == kindNumber {
			if _, ok := toNumber(c.Value); !ok {
				return fmt.Errorf("operator %q on numeric field %q requires a numeric value", c.Operator, c.Field)
			}
		} else {
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("operator %q on %q requires a string value", c.Operator, c.Field)
			}
		}
	case OpIn, OpNin:
		arr, ok := c.Value.([]any)
		if !ok {
			return fmt.Errorf("operator %q requires an array value", c.Operator)
		}
		if len(arr) == 0 {
			return fmt.Errorf("operator %q requires a non-empty array", c.Operator)
		}
		for _, v := range arr {
			if kind == kindNumber {
				if _, ok := toNumber(v); !ok {
					return fmt.Errorf("operator %q on numeric field %q requires numeric array elements", c.Operator, c.Field)
				}
			} else if _, ok := v.(string); !ok {
				return fmt.Errorf("operator %q on %q requires string array elements", c.Operator, c.Field)
			}
		}
	case OpExists:
		if _, ok := c.Value.(bool); !ok {
			return fmt.Errorf("operator %q requires a boolean value", c.Operator)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}

	return nil
}

// Matches evaluates the rule against one customer. AND requires every
// condition to hold, OR at least one. Derived fields are computed here,
// before comparison.
func (r Rule) Matches(c *db.Customer, now time.Time) bool {
	for _, cond := range r.Conditions {
		ok := cond.matches(c, now)
		if r.Logic == LogicAnd && !ok {
			return false
		}
		if r.Logic == LogicOr && ok {
			return true
		}
	}
	return r.Logic == LogicAnd
}

func (c Condition) matches(cust *db.Customer, now time.Time) bool {
	if fieldKinds[c.Field] == kindNumber {
		actual, present := numberField(cust, c.Field, now)
		// -1 is the wire convention for a customer who has never ordered, so
		// eq/ne against it test presence rather than compare magnitudes.
		if c.Field == FieldDaysSinceLastOrder && isNeverOrderedSentinel(c) {
			switch c.Operator {
			case OpEq:
				return !present
			case OpNe:
				return present
			}
		}
		return c.evalNumber(actual, present)
	}
	actual, present := stringField(cust, c.Field)
	return c.evalString(actual, present)
}

func isNeverOrderedSentinel(c Condition) bool {
	v, ok := toNumber(c.Value)
	return ok && v == -1
}

func numberField(c *db.Customer, f Field, now time.Time) (float64, bool) {
	switch f {
	case FieldTotalSpent:
		return c.TotalSpent, c.TotalSpent > 0
	case FieldVisitCount:
		return float64(c.VisitCount), c.VisitCount > 0
	case FieldDaysSinceLastOrder:
		days := c.DaysSinceLastOrder(now)
		if days < 0 {
			return 0, false
		}
		return float64(days), true
	}
	return 0, false
}

func stringField(c *db.Customer, f Field) (string, bool) {
	switch f {
	case FieldStatus:
		return c.Status, c.Status != ""
	case FieldCity:
		return c.City, c.City != ""
	case FieldValueCategory:
		return c.ValueCategory(), true
	}
	return "", false
}

func (c Condition) evalNumber(actual float64, present bool) bool {
	switch c.Operator {
	case OpExists:
		want := c.Value.(bool)
		return present == want
	case OpGt:
		v, _ := toNumber(c.Value)
		return actual > v
	case OpGte:
		v, _ := toNumber(c.Value)
		return actual >= v
	case OpLt:
		v, _ := toNumber(c.Value)
		return actual < v
	case OpLte:
		v, _ := toNumber(c.Value)
		return actual <= v
	case OpEq:
		v, _ := toNumber(c.Value)
		return actual == v
	case OpNe:
		v, _ := toNumber(c.Value)
		return actual != v
	case OpIn:
		return numberIn(actual, c.Value)
	case OpNin:
		return !numberIn(actual, c.Value)
	}
	return false
}

func (c Condition) evalString(actual string, present bool) bool {
	switch c.Operator {
	case OpExists:
		want := c.Value.(bool)
		return present == want
	case OpEq:
		return actual == c.Value.(string)
	case OpNe:
		return actual != c.Value.(string)
	case OpIn:
		return stringIn(actual, c.Value)
	case OpNin:
		return !stringIn(actual, c.Value)
	}
	return false
}

func numberIn(actual float64, value any) bool {
	arr, _ := value.([]any)
	for _, v := range arr {
		if n, ok := toNumber(v); ok && n == actual {
			return true
		}
	}
	return false
}

func stringIn(actual string, value any) bool {
	arr, _ := value.([]any)
	for _, v := range arr {
		if s, ok := v.(string); ok && s == actual {
			return true
		}
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Describe renders a short human-readable summary of the rule, used for AI
// prompts and logs.
func (r Rule) Describe() string {
	parts := make([]string, len(r.Conditions))
	for i, c := range r.Conditions {
		parts[i] = fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
	}
	return strings.Join(parts, fmt.Sprintf(" %s ", r.Logic))
}
