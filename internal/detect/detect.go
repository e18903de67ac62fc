// ABOUTME: Transfer-intent detection over guest text using keyword lists and phrase patterns
// ABOUTME: A positive result carries the reason, priority and department for a handoff request

package detect

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/2389/handoff-gateway/internal/assignment"
	"github.com/2389/handoff-gateway/internal/store"
)

// Detection methods.
const (
	MethodKeyword = "keyword"
	MethodPattern = "pattern"
	MethodLLM     = "llm"
)

// Result is the outcome of running a detector over one message.
type Result struct {
	ShouldTransfer bool                   `json:"shouldTransfer"`
	Confidence     float64                `json:"confidence"`
	Reason         store.TransferReason   `json:"reason,omitempty"`
	Priority       store.TransferPriority `json:"priority,omitempty"`
	Department     string                 `json:"department,omitempty"`
	Method         string                 `json:"method,omitempty"`
	Trigger        string                 `json:"trigger,omitempty"`
}

// Detector decides whether a guest message asks for a human.
type Detector interface {
	Detect(ctx context.Context, text string) (*Result, error)
}

var keywords = []struct {
	reason store.TransferReason
	words  []string
}{
	// Emergency is checked first so "urgent, I need a manager" routes to Security.
	{store.ReasonEmergencyHandoff, []string{
		"emergency", "urgent", "immediate help", "critical", "serious problem",
		"life threatening", "medical emergency", "security issue", "fire", "ambulance",
	}},
	{store.ReasonSpecialistRequired, []string{
		"speak to billing", "talk to billing", "billing department",
		"speak to housekeeping", "talk to housekeeping staff", "housekeeping department",
		"speak to maintenance", "talk to maintenance team", "maintenance department",
		"speak to concierge", "talk to concierge", "concierge team",
		"speak to security", "security department", "security team",
		"connect me with", "transfer me to",
	}},
	{store.ReasonUserRequested, []string{
		"speak to someone", "talk to human", "human agent", "real person",
		"customer service", "representative", "manager", "supervisor",
		"human help", "live agent", "speak to agent", "transfer me",
		"not helpful", "need human", "actual person",
	}},
	{store.ReasonComplexityLimit, []string{
		"complicated", "complex", "don't understand", "confusing", "multiple issues",
	}},
}

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(can|could|may)\s+(i|we)\s+(speak|talk)\s+to\s+(someone|a\s+human|human|a\s+person|person|an\s+agent|agent|a\s+representative|representative)`),
	regexp.MustCompile(`(?i)\b(transfer|connect)\s+me\s+to\s+(a\s+)?(human|agent|person|someone)`),
	regexp.MustCompile(`(?i)\bthis\s+(is\s+)?not\s+(working|helping|useful)`),
	regexp.MustCompile(`(?i)\b(i\s+)?(need|want|require)\s+(a\s+)?(human|real)\s+(help|assistance|person)`),
	regexp.MustCompile(`(?i)\b(get\s+me\s+)?(a\s+)?(real|human|live)\s+(person|agent|representative)`),
}

var specialists = []struct{ word, department string }{
	{"housekeeping", "Housekeeping"},
	{"maintenance", "Maintenance"},
	{"concierge", "Concierge"},
	{"security", "Security"},
	{"billing", "FrontDesk"},
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "good morning": true, "good afternoon": true,
	"good evening": true, "greetings": true, "howdy": true, "yo": true, "hiya": true,
}

// Keywords detects handoff requests with fixed phrase lists and patterns.
type Keywords struct{}

// Detect implements Detector. Keyword hits score 0.8 and pattern hits 0.9.
func (Keywords) Detect(_ context.Context, text string) (*Result, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" || greetings[strings.Trim(lower, "!.? ")] {
		return &Result{}, nil
	}

	for _, group := range keywords {
		for _, w := range group.words {
			if !strings.Contains(lower, w) {
				continue
			}
			dept := assignment.DefaultDepartment(group.reason)
			if group.reason == store.ReasonSpecialistRequired {
				// "transfer me to" alone names nobody; leave it to the generic lists.
				if dept = specialistDepartment(lower); dept == "" {
					continue
				}
			}
			r := &Result{
				ShouldTransfer: true,
				Confidence:     0.8,
				Reason:         group.reason,
				Priority:       store.PriorityNormal,
				Department:     dept,
				Method:         MethodKeyword,
				Trigger:        w,
			}
			if group.reason == store.ReasonEmergencyHandoff {
				r.Priority = store.PriorityEmergency
			}
			return r, nil
		}
	}

	for _, p := range patterns {
		if m := p.FindString(text); m != "" {
			return &Result{
				ShouldTransfer: true,
				Confidence:     0.9,
				Reason:         store.ReasonUserRequested,
				Priority:       store.PriorityNormal,
				Department:     assignment.DepartmentGeneral,
				Method:         MethodPattern,
				Trigger:        m,
			}, nil
		}
	}
	return &Result{}, nil
}

func specialistDepartment(lower string) string {
	for _, s := range specialists {
		if strings.Contains(lower, s.word) {
			return s.department
		}
	}
	return ""
}

// Chain asks the primary detector first and falls back to the secondary when it fails.
// A negative answer from the primary is final.
type Chain struct {
	Primary   Detector
	Secondary Detector
	Logger    *slog.Logger
}

// Detect implements Detector.
func (c Chain) Detect(ctx context.Context, text string) (*Result, error) {
	if c.Primary == nil {
		return c.Secondary.Detect(ctx, text)
	}
	r, err := c.Primary.Detect(ctx, text)
	if err == nil {
		return r, nil
	}
	if c.Secondary == nil {
		return nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("primary transfer detector failed, falling back", "error", err)
	return c.Secondary.Detect(ctx, text)
}
