// Package ollama implements the llm.Client contract against a local Ollama
// runtime. Ollama reports errors as plain text, so classification is
// message-pattern based.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
)

// DefaultHost is the standard local Ollama endpoint.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// New creates an Ollama client. hostURL falls back to DefaultHost when empty
// or unparseable.
func New(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

// ModelID returns the local model identifier.
func (c *Client) ModelID() string {
	return c.model
}

func (c *Client) buildRequest(req llm.Request, stream bool) (*api.ChatRequest, error) {
	if req.Config.ThinkingBudget != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "thinking budget is not supported by the ollama provider")
	}
	if req.EnableSearch {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "search grounding is not supported by the ollama provider")
	}
	if len(req.Turns) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "turn list cannot be empty")
	}

	messages, err := convertTurns(req.System, req.Turns)
	if err != nil {
		return nil, err
	}

	maxTokens := req.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxOutputTokens
	}
	options := map[string]any{
		"num_predict": int(maxTokens),
	}
	if req.Config.Temperature != nil {
		options["temperature"] = *req.Config.Temperature
	}
	if req.Config.TopP != nil {
		options["top_p"] = *req.Config.TopP
	}

	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq, nil
}

// convertTurns maps the neutral turn list to Ollama chat messages. The
// system prompt leads; function results become role "tool" messages.
func convertTurns(system string, turns []llm.Turn) ([]api.Message, error) {
	messages := make([]api.Message, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}

	for i := range turns {
		turn := &turns[i]
		switch turn.Role {
		case llm.RoleUser:
			messages = append(messages, api.Message{Role: "user", Content: turn.Text})
		case llm.RoleModel:
			msg := api.Message{Role: "assistant", Content: turn.Text}
			for j := range turn.FunctionCalls {
				fc := &turn.FunctionCalls[j]
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: fc.ID,
					Function: api.ToolCallFunction{
						Name:      fc.Name,
						Arguments: api.ToolCallFunctionArguments(fc.Args),
					},
				})
			}
			messages = append(messages, msg)
		case llm.RoleFunction:
			for j := range turn.FunctionResults {
				fr := &turn.FunctionResults[j]
				content, _ := json.Marshal(fr.Result)
				messages = append(messages, api.Message{
					Role:       "tool",
					Content:    string(content),
					ToolCallID: fr.ID,
				})
			}
		default:
			return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, fmt.Sprintf("unsupported turn role: %s", turn.Role))
		}
	}
	return messages, nil
}

func convertTools(specs []llm.ToolSpec) api.Tools {
	tools := make(api.Tools, len(specs))
	for i := range specs {
		spec := &specs[i]
		fn := api.ToolFunction{
			Name:        spec.Name,
			Description: spec.Description,
		}
		if spec.Parameters != nil {
			properties := make(map[string]api.ToolProperty, len(spec.Parameters.Properties))
			for name, child := range spec.Parameters.Properties {
				if child != nil {
					properties[name] = convertProperty(child)
				}
			}
			fn.Parameters = api.ToolFunctionParameters{
				Type:       "object",
				Properties: properties,
				Required:   spec.Parameters.Required,
			}
		}
		tools[i] = api.Tool{Type: "function", Function: fn}
	}
	return tools
}

func convertProperty(s *llm.Schema) api.ToolProperty {
	prop := api.ToolProperty{
		Type:        api.PropertyType{s.Type},
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		enum := make([]any, len(s.Enum))
		for i, v := range s.Enum {
			enum[i] = v
		}
		prop.Enum = enum
	}
	if s.Items != nil {
		prop.Items = convertProperty(s.Items)
	}
	if len(s.Properties) > 0 {
		nested := make(map[string]api.ToolProperty, len(s.Properties))
		for name, child := range s.Properties {
			if child != nil {
				nested[name] = convertProperty(child)
			}
		}
		prop.Items = map[string]any{
			"type":       "object",
			"properties": nested,
		}
	}
	return prop
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return llm.Response{}, err
	}

	var last api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	return convertResponse(&last), nil
}

// Stream implements llm.Client using Ollama's native chunked chat callback.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)

		var final api.ChatResponse
		err := c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Done {
				final = resp
				return nil
			}
			chunk := llm.Chunk{Text: resp.Message.Content}
			if len(resp.Message.ToolCalls) > 0 {
				chunk.FunctionCalls = convertToolCalls(resp.Message.ToolCalls)
			}
			if chunk.Text == "" && len(chunk.FunctionCalls) == 0 {
				return nil
			}
			select {
			case ch <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			select {
			case ch <- llm.Chunk{Err: classifyError(err)}:
			case <-ctx.Done():
			}
			return
		}

		done := convertResponse(&final)
		select {
		case ch <- llm.Chunk{Done: true, Usage: &done.Usage, FinishReason: done.FinishReason}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func convertResponse(resp *api.ChatResponse) llm.Response {
	out := llm.Response{
		Text:         resp.Message.Content,
		FinishReason: finishReason(resp),
		Usage: llm.Usage{
			PromptTokens:     resp.Metrics.PromptEvalCount,
			CandidatesTokens: resp.Metrics.EvalCount,
			TotalTokens:      resp.Metrics.PromptEvalCount + resp.Metrics.EvalCount,
		},
	}
	if len(resp.Message.ToolCalls) > 0 {
		out.FunctionCalls = convertToolCalls(resp.Message.ToolCalls)
	}
	return out
}

func convertToolCalls(calls []api.ToolCall) []llm.FunctionCall {
	out := make([]llm.FunctionCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out[i] = llm.FunctionCall{
			ID:   id,
			Name: call.Function.Name,
			Args: map[string]any(call.Function.Arguments),
		}
	}
	return out
}

func finishReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama's text errors to the retry taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, err, "request canceled")
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeValidation, err, "Ollama model not found")
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	case strings.Contains(errStr, "server busy") || strings.Contains(errStr, "too many"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeOverloaded, err, "Ollama server busy")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Ollama API error")
	}
}
