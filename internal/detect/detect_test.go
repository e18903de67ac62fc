// ABOUTME: Tests for keyword, pattern and LLM transfer detection
// ABOUTME: The LLM detector runs against an httptest server speaking the chat completions API

package detect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/store"
)

func TestKeywords(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		want       bool
		reason     store.TransferReason
		priority   store.TransferPriority
		department string
		method     string
	}{
		{"greeting", "Hello!", false, "", "", "", ""},
		{"item request", "Can I get two more towels please", false, "", "", "", ""},
		{"empty", "   ", false, "", "", "", ""},
		{"manager", "I want to speak to your manager", true, store.ReasonUserRequested, store.PriorityNormal, "General", MethodKeyword},
		{"emergency", "There is a FIRE on my floor", true, store.ReasonEmergencyHandoff, store.PriorityEmergency, "Security", MethodKeyword},
		{"emergency wins", "urgent, get me a manager", true, store.ReasonEmergencyHandoff, store.PriorityEmergency, "Security", MethodKeyword},
		{"specialist", "could you connect me with housekeeping", true, store.ReasonSpecialistRequired, store.PriorityNormal, "Housekeeping", MethodKeyword},
		{"transfer without department", "transfer me to someone", true, store.ReasonUserRequested, store.PriorityNormal, "General", MethodKeyword},
		{"complexity", "this is too complicated", true, store.ReasonComplexityLimit, store.PriorityNormal, "FrontDesk", MethodKeyword},
		{"pattern", "could I talk to a person", true, store.ReasonUserRequested, store.PriorityNormal, "General", MethodPattern},
		{"not working", "this is not helping at all", true, store.ReasonUserRequested, store.PriorityNormal, "General", MethodPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Keywords{}.Detect(t.Context(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.ShouldTransfer)
			if !tt.want {
				return
			}
			assert.Equal(t, tt.reason, r.Reason)
			assert.Equal(t, tt.priority, r.Priority)
			assert.Equal(t, tt.department, r.Department)
			assert.Equal(t, tt.method, r.Method)
			assert.NotEmpty(t, r.Trigger)
		})
	}
}

func TestKeywords_Confidence(t *testing.T) {
	r, err := Keywords{}.Detect(t.Context(), "live agent please")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)

	r, err = Keywords{}.Detect(t.Context(), "may we speak to an agent")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, r.Confidence, 1e-9)
}

// chatServer answers every completion with content.
func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLLM_Positive(t *testing.T) {
	srv := chatServer(t, `{"shouldTransfer":true,"confidence":0.92,"reason":"EmergencyHandoff","priority":"Bogus","department":"","reasoning":"medical"}`)
	d := NewLLM(LLMOptions{APIKey: "k", BaseURL: srv.URL, Model: "test"})

	r, err := d.Detect(t.Context(), "my husband collapsed")
	require.NoError(t, err)
	assert.True(t, r.ShouldTransfer)
	assert.Equal(t, store.ReasonEmergencyHandoff, r.Reason)
	assert.Equal(t, store.PriorityEmergency, r.Priority)
	assert.Equal(t, "Security", r.Department)
	assert.Equal(t, MethodLLM, r.Method)
}

func TestLLM_BelowThreshold(t *testing.T) {
	srv := chatServer(t, `{"shouldTransfer":true,"confidence":0.4,"reason":"UserRequested"}`)
	d := NewLLM(LLMOptions{APIKey: "k", BaseURL: srv.URL, MinConfidence: 0.6})

	r, err := d.Detect(t.Context(), "hmm maybe someone")
	require.NoError(t, err)
	assert.False(t, r.ShouldTransfer)
	assert.InDelta(t, 0.4, r.Confidence, 1e-9)
}

func TestLLM_BadJSON(t *testing.T) {
	srv := chatServer(t, "sure, transferring you")
	d := NewLLM(LLMOptions{APIKey: "k", BaseURL: srv.URL})

	_, err := d.Detect(t.Context(), "get me a human")
	assert.Error(t, err)
}

type failing struct{}

func (failing) Detect(context.Context, string) (*Result, error) {
	return nil, errors.New("upstream down")
}

type fixed struct{ r *Result }

func (f fixed) Detect(context.Context, string) (*Result, error) { return f.r, nil }

func TestChain(t *testing.T) {
	t.Run("fallback on error", func(t *testing.T) {
		r, err := Chain{Primary: failing{}, Secondary: Keywords{}}.Detect(t.Context(), "real person please")
		require.NoError(t, err)
		assert.True(t, r.ShouldTransfer)
		assert.Equal(t, MethodKeyword, r.Method)
	})

	t.Run("primary negative is final", func(t *testing.T) {
		r, err := Chain{Primary: fixed{&Result{}}, Secondary: Keywords{}}.Detect(t.Context(), "real person please")
		require.NoError(t, err)
		assert.False(t, r.ShouldTransfer)
	})

	t.Run("no secondary", func(t *testing.T) {
		_, err := Chain{Primary: failing{}}.Detect(t.Context(), "x")
		assert.EqualError(t, err, "upstream down")
	})
}
