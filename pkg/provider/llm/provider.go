// Package llm defines the Provider interface for the Large Language Model
// backends that group, correct, and segment recognized speech.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, …) and exposes a uniform completion call so the
// re-analysis workers never couple to a specific SDK. Workers only ever ask
// for a single JSON object back; the instruction to emit nothing but JSON
// lives in the prompt, and response parsing is the caller's job.
//
// Implementations must be safe for concurrent use and must surface
// server-side rate limiting as a [*RateLimitError] so the scheduler can
// apply cooldown specifically.
package llm

import "context"

// Message is a single message in a model conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation. Providers without a dedicated system slot prepend it
	// as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation. The last message drives the
	// response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. The workers
	// run near zero for deterministic structure.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the model's reply. For worker calls
	// this is expected to be a single JSON object and nothing else.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must return
// [*RateLimitError] (possibly wrapped) when the backend signals HTTP 429
// or an equivalent throttle.
type Provider interface {
	// Name returns a short identifier for logs and diagnostics,
	// e.g. "openai" or "anyllm/ollama".
	Name() string

	// Complete performs a non-streaming completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
