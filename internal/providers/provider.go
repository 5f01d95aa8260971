// Package providers defines the uniform capability the engine uses to talk to
// upstream LLM vendors, plus the adapter sub-packages implementing it
// (OpenAI, DeepSeek, Gemini, Anthropic).
//
// Adapters translate between the vendor wire format and the gateway's
// canonical types. Streaming adapters emit already-framed events in the
// gateway's canonical SSE form; event ids are left empty and assigned by the
// engine when it tees the stream.
package providers

import (
	"context"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/events"
	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// Provider identifiers. The registry accepts additional names as long as a
// Client is registered for them.
const (
	NameOpenAI    = "openai"
	NameDeepSeek  = "deepseek"
	NameGemini    = "gemini"
	NameAnthropic = "anthropic"
)

// DefaultTimeout bounds one upstream HTTP call when no configured timeout
// applies (health checks, client construction).
const DefaultTimeout = 30 * time.Second

// Result classifies how a completion ended.
type Result string

const (
	ResultComplete            Result = "COMPLETE"
	ResultIncompleteMaxTokens Result = "INCOMPLETE_MAX_TOKENS"
	ResultIncompleteUnknown   Result = "INCOMPLETE_UNKNOWN"
)

// ChatTurn is one prompt/response pair of a session's history.
type ChatTurn struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Options carry the per-request generation parameters the engine resolved.
type Options struct {
	// Context is an optional system instruction prepended to the conversation.
	Context string

	// Temperature in [0, 1]; 0 means "vendor default".
	Temperature float64

	// MaxTokens caps the completion length; 0 means "vendor default".
	MaxTokens int

	// History is the prior conversation, oldest first.
	History []ChatTurn
}

// ContentResponse is the canonical non-streaming answer. SessionID is filled
// in by the engine, not by adapters.
type ContentResponse struct {
	Text      string `json:"text"`
	Result    Result `json:"result"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client is the uniform upstream capability.
//
// Stream returns a channel of canonical events: zero or more content frames
// followed by exactly one terminal frame (end on success, error otherwise).
// The adapter closes the channel after the terminal frame. Cancelling ctx
// stops the upstream read.
type Client interface {
	Name() string
	Request(ctx context.Context, model, prompt string, opts Options) (*ContentResponse, error)
	Stream(ctx context.Context, model, prompt string, opts Options) (<-chan events.Event, error)
	HealthCheck(ctx context.Context) error
}

// Message is a role-tagged turn in vendor-neutral form. Adapters convert it to
// their SDK's message union.
type Message struct {
	Role    string
	Content string
}

// BuildMessages flattens options + prompt into the conversation adapters send
// upstream: optional system context, history pairs, then the live prompt.
func BuildMessages(prompt string, opts Options) []Message {
	msgs := make([]Message, 0, 2*len(opts.History)+2)
	if opts.Context != "" {
		msgs = append(msgs, Message{Role: "system", Content: opts.Context})
	}
	for _, t := range opts.History {
		msgs = append(msgs, Message{Role: "user", Content: t.Prompt})
		msgs = append(msgs, Message{Role: "assistant", Content: t.Response})
	}
	return append(msgs, Message{Role: "user", Content: prompt})
}

// CodeForStatus maps an upstream HTTP status to the gateway error code.
//
//	429                      → PROVIDER_RATE_LIMIT
//	402, 403                 → PROVIDER_EXCEEDED_QUOTA (billing/quota class)
//	anything else (incl. 5xx) → PROVIDER_RESPONSE_ERROR
func CodeForStatus(status int) string {
	switch status {
	case 429:
		return aierr.CodeProviderRateLimit
	case 402, 403:
		return aierr.CodeProviderExceededQuota
	default:
		return aierr.CodeProviderResponseError
	}
}

// StreamEnd builds the adapter-side terminal end frame. The engine replaces
// its payload with the accumulated text and session id before forwarding.
func StreamEnd(result Result) events.Event {
	return events.NewEnd("", ContentResponse{Result: result})
}

// StreamError builds the adapter-side terminal error frame.
func StreamError(code, message string) events.Event {
	return events.NewError("", code, message)
}

// ResultForFinishReason normalizes OpenAI-style finish reasons.
func ResultForFinishReason(reason string) Result {
	switch reason {
	case "stop", "end_turn", "STOP":
		return ResultComplete
	case "length", "max_tokens", "MAX_TOKENS":
		return ResultIncompleteMaxTokens
	default:
		return ResultIncompleteUnknown
	}
}
