// Package llm defines the provider-neutral contract for language model
// clients: conversation turns, tool declarations, generation settings, and
// the streaming interface every provider implements.
package llm

import (
	"context"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	// RoleUser is a turn authored by the human caller.
	RoleUser Role = "user"
	// RoleModel is a turn produced by the model, including turns that
	// request function calls.
	RoleModel Role = "model"
	// RoleFunction is a turn carrying the results of executed function
	// calls back to the model.
	RoleFunction Role = "function"
)

const (
	// TemperatureChat is the default sampling temperature for
	// conversational requests.
	TemperatureChat = 0.7

	// TemperatureSummarize is the temperature for summarization and
	// compression calls, where drift matters more than creativity.
	TemperatureSummarize = 0.2

	// DefaultMaxOutputTokens caps a response when the caller does not set
	// an explicit limit.
	DefaultMaxOutputTokens = 8192
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
}

// FunctionResult is the outcome of one executed function call, sent back in
// a RoleFunction turn.
type FunctionResult struct {
	Result map[string]any `json:"result,omitempty"`
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
}

// Turn is one entry in a conversation. Exactly one of Text, FunctionCalls,
// or FunctionResults is typically populated, though model turns may carry
// text alongside function calls.
type Turn struct {
	Role            Role
	Text            string
	FunctionCalls   []FunctionCall
	FunctionResults []FunctionResult
}

// Schema is a minimal JSON-Schema subset describing tool parameters. It
// covers the object/array/scalar shapes the providers accept without pulling
// in a full schema implementation.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// ToolSpec declares one callable function to the model.
type ToolSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

// GenerationConfig tunes a single request. Nil pointer fields mean "provider
// default". ThinkingBudget is the token allowance for extended reasoning;
// only some providers honor it, and the executor strips it on rejection.
type GenerationConfig struct {
	Temperature     *float32
	TopP            *float32
	ThinkingBudget  *int32
	MaxOutputTokens int32
}

// Request is a provider-neutral generation request.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type Request struct {
	System       string
	Turns        []Turn
	Tools        []ToolSpec
	Config       GenerationConfig
	EnableSearch bool
}

// Usage reports token consumption for one completed request.
type Usage struct {
	PromptTokens     int
	CandidatesTokens int
	TotalTokens      int
}

// Response is a complete, non-streamed generation result.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
	FinishReason  string // provider-reported: "STOP", "MAX_TOKENS", "end_turn", etc.
	Usage         Usage
}

// Chunk is one element of a streamed response. Usage is non-nil only on the
// chunk that carries the provider's final usage report; Done marks the last
// chunk of a successful stream; Err terminates the stream with a failure.
type Chunk struct {
	Err           error
	Usage         *Usage
	Text          string
	FunctionCalls []FunctionCall
	FinishReason  string
	Done          bool
}

// Client is the interface every provider implements.
type Client interface {
	// Generate produces a complete response synchronously.
	Generate(ctx context.Context, req Request) (Response, error)

	// Stream produces the response as a channel of chunks. The channel is
	// closed after the Done or Err chunk. Implementations stop producing
	// when ctx is canceled.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// ModelID returns the upstream model identifier this client targets.
	ModelID() string
}

// NewUserTurn builds a plain user text turn.
func NewUserTurn(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

// NewModelTurn builds a model turn from a prior response, preserving any
// function calls so the conversation history replays correctly.
func NewModelTurn(resp Response) Turn {
	return Turn{Role: RoleModel, Text: resp.Text, FunctionCalls: resp.FunctionCalls}
}

// NewFunctionTurn builds a turn carrying executed tool results.
func NewFunctionTurn(results []FunctionResult) Turn {
	return Turn{Role: RoleFunction, FunctionResults: results}
}

// Ptr returns a pointer to v, for the optional GenerationConfig fields.
func Ptr[T any](v T) *T {
	return &v
}
