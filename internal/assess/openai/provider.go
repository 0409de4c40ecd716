// Package openai provides an assess.Provider implementation backed by the
// OpenAI chat completion API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"regradar/internal/assess"
)

const classifyPrompt = `You are a regulatory change analyst. Classify the following unified diff
of a regulatory document.

Return ONLY a valid JSON object, no other text:
{"category": "<short category>", "priority": "low|medium|high", "confidence": <0.0-1.0>}`

const summarizePrompt = `You are a regulatory change analyst. Summarize the compliance impact of the
following regulatory document text.

Return ONLY a valid JSON object, no other text:
{"summary": "<one-paragraph impact summary>",
 "actions": ["<recommended action>", ...],
 "citations": ["<verbatim quote or URL from the document supporting the summary>", ...]}`

// Provider implements assess.Provider using OpenAI.
type Provider struct {
	client *openai.Client
	model  string
}

// NewProvider creates an OpenAI provider.
func NewProvider(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Provider{client: openai.NewClient(apiKey), model: model}, nil
}

type classification struct {
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

type impactSummary struct {
	Summary   string   `json:"summary"`
	Actions   []string `json:"actions"`
	Citations []string `json:"citations"`
}

// Assess classifies the diff and summarizes the document in two calls, the
// same split the scoring expects: priority/confidence from the diff shape,
// summary/actions/citations from the full text.
func (p *Provider) Assess(ctx context.Context, req assess.Request) (assess.Result, error) {
	var cls classification
	if err := p.complete(ctx, classifyPrompt, req.DiffText, &cls); err != nil {
		return assess.Result{}, fmt.Errorf("classify diff: %w", err)
	}

	var sum impactSummary
	if err := p.complete(ctx, summarizePrompt, req.Content, &sum); err != nil {
		return assess.Result{}, fmt.Errorf("summarize impact: %w", err)
	}

	return assess.Result{
		Summary:    sum.Summary,
		Actions:    sum.Actions,
		Citations:  sum.Citations,
		Priority:   cls.Priority,
		Confidence: cls.Confidence,
	}, nil
}

func (p *Provider) complete(ctx context.Context, system, user string, out any) error {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return fmt.Errorf("calling OpenAI: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("no response from OpenAI")
	}

	content := cleanJSONResponse(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("parsing response JSON: %w (response: %s)", err, content)
	}
	return nil
}

// cleanJSONResponse removes markdown code blocks if present.
func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(content, "```")
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}

	return strings.TrimSpace(content)
}
