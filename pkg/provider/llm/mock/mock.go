// Package mock provides a scriptable in-memory llm.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/7788ken/scribeflow/pkg/provider/llm"
)

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// Provider is a scriptable llm.Provider. Responses are served in the order
// they were enqueued; when the script is exhausted the last entry repeats.
// With an empty script every call fails. All methods are safe for
// concurrent use.
type Provider struct {
	mu       sync.Mutex
	script   []Reply
	pos      int
	requests []llm.CompletionRequest
}

// Reply is one scripted response: either Content or Err.
type Reply struct {
	Content string
	Err     error
}

// New returns a Provider that replies with the given script in order.
func New(script ...Reply) *Provider {
	return &Provider{script: script}
}

// Respond appends a successful reply to the script.
func (p *Provider) Respond(content string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, Reply{Content: content})
	return p
}

// Fail appends an error reply to the script.
func (p *Provider) Fail(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, Reply{Err: err})
	return p
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "mock" }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return nil, fmt.Errorf("mock: no scripted replies")
	}
	r := p.script[min(p.pos, len(p.script)-1)]
	p.pos++

	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.CompletionResponse{
		Content: r.Content,
		Usage:   llm.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

// Calls returns how many completions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every request seen so far.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
