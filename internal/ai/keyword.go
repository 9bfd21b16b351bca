package ai

import (
	"context"
	"strings"

	"github.com/beaconcrm/beacon/internal/rules"
)

// KeywordAssistant is the deterministic fallback. It scans the query for
// known marketing phrases and maps them onto rule conditions. Not clever,
// but it never fails and never leaves the process.
type KeywordAssistant struct{}

func NewKeywordAssistant() *KeywordAssistant {
	return &KeywordAssistant{}
}

type keywordRule struct {
	phrases   []string
	condition rules.Condition
}

var keywordRules = []keywordRule{
	{
		phrases: []string{"premium", "big spender", "top spender", "vip"},
		condition: rules.Condition{
			Field: rules.FieldValueCategory, Operator: rules.OpEq, Value: "premium",
		},
	},
	{
		phrases: []string{"high value", "high-value", "spent more than 10", "over 10000", "over 10,000"},
		condition: rules.Condition{
			Field: rules.FieldTotalSpent, Operator: rules.OpGt, Value: float64(10000),
		},
	},
	{
		phrases: []string{"churned", "lost customer"},
		condition: rules.Condition{
			Field: rules.FieldStatus, Operator: rules.OpEq, Value: "churned",
		},
	},
	{
		phrases: []string{"inactive", "dormant", "haven't ordered", "not ordered", "win back", "winback", "win-back"},
		condition: rules.Condition{
			Field: rules.FieldDaysSinceLastOrder, Operator: rules.OpGt, Value: float64(90),
		},
	},
	{
		phrases: []string{"frequent", "loyal", "regular visitor", "repeat"},
		condition: rules.Condition{
			Field: rules.FieldVisitCount, Operator: rules.OpGte, Value: float64(5),
		},
	},
	{
		phrases: []string{"new customer", "first time", "first-time", "recently joined"},
		condition: rules.Condition{
			Field: rules.FieldValueCategory, Operator: rules.OpEq, Value: "new",
		},
	},
	{
		phrases: []string{"never ordered", "no orders"},
		condition: rules.Condition{
			Field: rules.FieldDaysSinceLastOrder, Operator: rules.OpEq, Value: float64(-1),
		},
	},
}

// GenerateRules maps recognized phrases to conditions, ANDed together. An
// unrecognized query falls back to active customers.
func (k *KeywordAssistant) GenerateRules(_ context.Context, query string) (rules.Rule, error) {
	q := strings.ToLower(query)

	var conditions []rules.Condition
	for _, kr := range keywordRules {
		for _, phrase := range kr.phrases {
			if strings.Contains(q, phrase) {
				conditions = append(conditions, kr.condition)
				break
			}
		}
	}

	if len(conditions) == 0 {
		conditions = []rules.Condition{
			{Field: rules.FieldStatus, Operator: rules.OpEq, Value: "active"},
		}
	}

	rule := rules.Rule{Logic: rules.LogicAnd, Conditions: conditions}
	if err := rule.Validate(); err != nil {
		return rules.Rule{}, err
	}
	return rule, nil
}

// SuggestMessages returns template-driven copy keyed off the objective.
func (k *KeywordAssistant) SuggestMessages(_ context.Context, objective, _ string) ([]string, error) {
	o := strings.ToLower(objective)

	switch {
	case strings.Contains(o, "win") || strings.Contains(o, "inactive") || strings.Contains(o, "back"):
		return []string{
			"Hi {name}, we miss you! Come back and enjoy 15% off your next order.",
			"{name}, it's been a while. Here's something special to welcome you back.",
			"We saved a treat for you, {name}. Your next visit is on us to make up for lost time.",
		}, nil
	case strings.Contains(o, "thank") || strings.Contains(o, "loyal") || strings.Contains(o, "reward"):
		return []string{
			"Thank you {name}! With {visitCount} visits you've earned VIP access to our new collection.",
			"{name}, customers like you make us who we are. Enjoy an exclusive reward on your next order.",
			"You've spent {totalSpent} with us, {name}. Here's a loyalty bonus as our thanks.",
		}, nil
	case strings.Contains(o, "welcome") || strings.Contains(o, "new"):
		return []string{
			"Welcome aboard, {name}! Here's 10% off your first order.",
			"Hi {name}, great to have you. Explore our bestsellers with free shipping this week.",
			"{name}, your journey starts here. A welcome gift is waiting in your account.",
		}, nil
	default:
		return []string{
			"Hi {name}, don't miss our limited-time offer. Shop today!",
			"{name}, something new just landed. Be the first to check it out.",
			"Great news {name}! A special deal has been unlocked for you.",
		}, nil
	}
}
