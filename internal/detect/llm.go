// ABOUTME: Optional LLM transfer-intent classifier backed by an OpenAI-compatible chat API
// ABOUTME: Answers below the confidence threshold are treated as "no transfer"

package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/handoff-gateway/internal/assignment"
	"github.com/2389/handoff-gateway/internal/store"
)

// DefaultMinConfidence is used when LLMOptions.MinConfidence is zero.
const DefaultMinConfidence = 0.7

const systemPrompt = `You classify one hotel guest message. Decide whether it EXPLICITLY asks to speak with a human
(staff, agent, manager, person). Requests for items, food or information are not transfers, in any language.
Emergencies (medical, fire, security threats) are transfers with reason EmergencyHandoff and priority Emergency.

Respond with JSON only:
{"shouldTransfer": boolean, "confidence": number 0..1,
 "reason": "UserRequested" | "EmergencyHandoff" | "ComplexityLimit" | "SpecialistRequired",
 "priority": "Low" | "Normal" | "High" | "Urgent" | "Emergency",
 "department": "General" | "FrontDesk" | "Housekeeping" | "Maintenance" | "Concierge" | "Security",
 "reasoning": "brief explanation"}`

// LLMOptions configures an LLM detector.
type LLMOptions struct {
	APIKey        string
	BaseURL       string // empty uses the OpenAI default
	Model         string
	MinConfidence float64
	Logger        *slog.Logger
}

// LLM classifies messages with a chat completion.
type LLM struct {
	client        *openai.Client
	model         string
	minConfidence float64
	logger        *slog.Logger
}

// NewLLM creates an LLM detector.
func NewLLM(opts LLMOptions) *LLM {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LLM{
		client:        openai.NewClientWithConfig(cfg),
		model:         opts.Model,
		minConfidence: opts.MinConfidence,
		logger:        opts.Logger.With("component", "detect"),
	}
}

type llmAnswer struct {
	ShouldTransfer bool    `json:"shouldTransfer"`
	Confidence     float64 `json:"confidence"`
	Reason         string  `json:"reason"`
	Priority       string  `json:"priority"`
	Department     string  `json:"department"`
	Reasoning      string  `json:"reasoning"`
}

// Detect implements Detector.
func (l *LLM) Detect(ctx context.Context, text string) (*Result, error) {
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var ans llmAnswer
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &ans); err != nil {
		return nil, fmt.Errorf("decoding classifier answer: %w", err)
	}

	l.logger.Debug("llm transfer detection",
		"should_transfer", ans.ShouldTransfer,
		"confidence", ans.Confidence,
		"reasoning", ans.Reasoning,
	)
	if !ans.ShouldTransfer || ans.Confidence < l.minConfidence {
		return &Result{Confidence: ans.Confidence, Method: MethodLLM}, nil
	}

	r := &Result{
		ShouldTransfer: true,
		Confidence:     ans.Confidence,
		Reason:         store.TransferReason(ans.Reason),
		Priority:       store.TransferPriority(ans.Priority),
		Department:     ans.Department,
		Method:         MethodLLM,
		Trigger:        ans.Reasoning,
	}
	if !r.Reason.Valid() {
		r.Reason = store.ReasonUserRequested
	}
	if !r.Priority.Valid() {
		r.Priority = store.PriorityNormal
		if r.Reason == store.ReasonEmergencyHandoff {
			r.Priority = store.PriorityEmergency
		}
	}
	if r.Department == "" {
		r.Department = assignment.DefaultDepartment(r.Reason)
	}
	return r, nil
}
