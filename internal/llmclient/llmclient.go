// Package llmclient defines the abstract tool-using chat capability the
// Coder Stage drives (spec §4.7). The engine never talks to a model
// directly: it holds a Client value injected at startup, and tests
// inject a Mock instead.
package llmclient

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	acp "github.com/ironpark/acp-go"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the conversation fed to the model.
type Message struct {
	Role       Role
	Content    string
	ToolCallID acp.ToolCallId // set on RoleTool messages, the call this is a result for
}

// ToolSchema describes one tool the model may call, mirroring the
// shape the Tool Server exposes (spec §4.6).
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the tool's arguments
}

// ToolCall is one invocation the model requested.
type ToolCall struct {
	ID        acp.ToolCallId
	Name      string
	Arguments json.RawMessage
}

// Response is either a final message (ToolCalls empty) or a batch of
// tool calls the Coder Stage must execute and feed back as Messages
// before the next Chat call (spec §4.7). TokensIn/TokensOut are the
// model's reported usage for this call; a cache hit still carries the
// original call's counts (spec §4.7: "cache hits included").
type Response struct {
	Message   string
	ToolCalls []ToolCall
	Cached    bool
	TokensIn  int
	TokensOut int
}

// Client is the abstract capability the Coder Stage depends on.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (Response, error)
}

// CachingClient wraps a Client with a response cache keyed by
// (model, serialized messages, serialized tools), short-circuiting
// identical requests (spec §4.7). Cache hits report Cached=true.
type CachingClient struct {
	inner Client

	mu    sync.Mutex
	cache map[string]Response
}

// NewCachingClient wraps inner with an empty response cache.
func NewCachingClient(inner Client) *CachingClient {
	return &CachingClient{inner: inner, cache: map[string]Response{}}
}

func (c *CachingClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (Response, error) {
	key, err := cacheKey(model, messages, tools)
	if err != nil {
		// A key that can't be computed just disables caching for this
		// call; it is never a reason to fail the request.
		return c.inner.Chat(ctx, model, messages, tools)
	}

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		cached.Cached = true
		return cached, nil
	}
	c.mu.Unlock()

	response, err := c.inner.Chat(ctx, model, messages, tools)
	if err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	c.cache[key] = response
	c.mu.Unlock()

	return response, nil
}

// ModelPricing is the per-million-token USD rate for one model.
type ModelPricing struct {
	InputPerMillionUSD  float64
	OutputPerMillionUSD float64
}

// defaultPricing is used for any model not listed in Pricing, so an
// unrecognized --model value still produces a (conservative) estimate
// rather than a silent zero.
var defaultPricing = ModelPricing{InputPerMillionUSD: 3.00, OutputPerMillionUSD: 15.00}

// Pricing is the per-model cost table consulted by EstimateCostUSD. It
// is a package variable, not a constant, so a deployment can override
// rates for models priced differently than these defaults without
// touching the Coder Stage or Candidate Engine.
var Pricing = map[string]ModelPricing{
	"claude-opus-4":   {InputPerMillionUSD: 15.00, OutputPerMillionUSD: 75.00},
	"claude-sonnet-4": {InputPerMillionUSD: 3.00, OutputPerMillionUSD: 15.00},
	"claude-haiku-4":  {InputPerMillionUSD: 0.25, OutputPerMillionUSD: 1.25},
	"gpt-4o":          {InputPerMillionUSD: 2.50, OutputPerMillionUSD: 10.00},
	"gpt-4o-mini":     {InputPerMillionUSD: 0.15, OutputPerMillionUSD: 0.60},
}

// EstimateCostUSD estimates the USD cost of one LLM call from its token
// counts, using model's rate from Pricing or defaultPricing when model
// is not listed (spec's supplemented "per-model price table").
func EstimateCostUSD(model string, tokensIn, tokensOut int) float64 {
	rate, ok := Pricing[model]
	if !ok {
		rate = defaultPricing
	}
	return float64(tokensIn)*rate.InputPerMillionUSD/1_000_000 + float64(tokensOut)*rate.OutputPerMillionUSD/1_000_000
}

func cacheKey(model string, messages []Message, tools []ToolSchema) (string, error) {
	payload := struct {
		Model    string       `json:"model"`
		Messages []Message    `json:"messages"`
		Tools    []ToolSchema `json:"tools"`
	}{Model: model, Messages: messages, Tools: tools}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llmclient: compute cache key: %w", err)
	}
	sum := sha1.Sum(encoded)
	return hex.EncodeToString(sum[:]), nil
}
