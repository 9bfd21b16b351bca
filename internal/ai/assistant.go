// Package ai turns natural language into campaign building blocks: audience
// rules and message suggestions. The OpenAI-backed assistant is optional;
// when it is unconfigured or errors out, a deterministic keyword fallback
// answers instead, so the endpoints never depend on an external service.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/rules"
)

// Assistant generates audience rules and campaign copy from plain language.
type Assistant interface {
	GenerateRules(ctx context.Context, query string) (rules.Rule, error)
	SuggestMessages(ctx context.Context, objective, audience string) ([]string, error)
}

// ruleTool constrains the model to emit a rule in our schema.
var ruleTool = []Tool{
	{
		Type: "function",
		Function: ToolDefinition{
			Name:        "build_audience_rule",
			Description: "Build a customer segmentation rule from the user's description.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"logic": {
						"type": "string",
						"enum": ["AND", "OR"]
					},
					"conditions": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"field": {
									"type": "string",
									"enum": ["totalSpent", "visitCount", "daysSinceLastOrder", "status", "city", "valueCategory"]
								},
								"operator": {
									"type": "string",
									"enum": ["gt", "gte", "lt", "lte", "eq", "ne", "in", "nin", "exists"]
								},
								"value": {}
							},
							"required": ["field", "operator", "value"]
						}
					}
				},
				"required": ["logic", "conditions"]
			}`),
		},
	},
}

const rulesSystemPrompt = `You translate marketing audience descriptions into segmentation rules.
Fields: totalSpent (lifetime spend in rupees), visitCount, daysSinceLastOrder (-1 means never ordered),
status (active/inactive/churned), city, valueCategory (new/regular/high-value/premium).
Always respond by calling build_audience_rule exactly once.`

const messagesSystemPrompt = `You write short marketing messages for a CRM campaign tool.
Templates may use {name}, {totalSpent}, and {visitCount} placeholders.
Return exactly three suggestions, one per line, no numbering.`

// OpenAIAssistant implements Assistant against the OpenAI API.
type OpenAIAssistant struct {
	client *Client
	logger *zap.Logger
}

func NewOpenAIAssistant(client *Client, logger *zap.Logger) *OpenAIAssistant {
	return &OpenAIAssistant{client: client, logger: logger}
}

// GenerateRules asks the model for a rule and validates it before returning.
// A rule that fails validation is an error, never a silent passthrough.
func (a *OpenAIAssistant) GenerateRules(ctx context.Context, query string) (rules.Rule, error) {
	messages := []ChatMessage{
		{Role: "system", Content: rulesSystemPrompt},
		{Role: "user", Content: query},
	}
	toolChoice := map[string]interface{}{
		"type":     "function",
		"function": map[string]string{"name": "build_audience_rule"},
	}

	msg, err := a.client.ChatCompletion(ctx, messages, ruleTool, toolChoice)
	if err != nil {
		return rules.Rule{}, err
	}
	if len(msg.ToolCalls) == 0 {
		return rules.Rule{}, fmt.Errorf("model did not call build_audience_rule")
	}

	rule, err := rules.Parse(json.RawMessage(msg.ToolCalls[0].Function.Arguments))
	if err != nil {
		return rules.Rule{}, fmt.Errorf("model produced invalid rule: %w", err)
	}

	a.logger.Debug("rule generated",
		zap.String("query", query),
		zap.String("rule", rule.Describe()),
	)
	return rule, nil
}

// SuggestMessages asks the model for campaign copy variants.
func (a *OpenAIAssistant) SuggestMessages(ctx context.Context, objective, audience string) ([]string, error) {
	prompt := "Objective: " + objective
	if audience != "" {
		prompt += "\nAudience: " + audience
	}

	text, err := a.client.GenerateText(ctx, messagesSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var suggestions []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			suggestions = append(suggestions, line)
		}
	}
	if len(suggestions) == 0 {
		return nil, fmt.Errorf("model returned no suggestions")
	}
	return suggestions, nil
}

// WithFallback returns an assistant that answers from primary and falls back
// to the deterministic assistant on any error. With a nil primary every call
// goes straight to the fallback.
func WithFallback(primary Assistant, logger *zap.Logger) Assistant {
	return &fallbackAssistant{
		primary:  primary,
		fallback: NewKeywordAssistant(),
		logger:   logger,
	}
}

type fallbackAssistant struct {
	primary  Assistant
	fallback *KeywordAssistant
	logger   *zap.Logger
}

func (f *fallbackAssistant) GenerateRules(ctx context.Context, query string) (rules.Rule, error) {
	if f.primary != nil {
		rule, err := f.primary.GenerateRules(ctx, query)
		if err == nil {
			return rule, nil
		}
		f.logger.Warn("assistant failed, using keyword fallback", zap.Error(err))
	}
	return f.fallback.GenerateRules(ctx, query)
}

func (f *fallbackAssistant) SuggestMessages(ctx context.Context, objective, audience string) ([]string, error) {
	if f.primary != nil {
		msgs, err := f.primary.SuggestMessages(ctx, objective, audience)
		if err == nil {
			return msgs, nil
		}
		f.logger.Warn("assistant failed, using keyword fallback", zap.Error(err))
	}
	return f.fallback.SuggestMessages(ctx, objective, audience)
}
