// Package openai implements the llm.Client contract against the OpenAI
// Responses API. The conversation is flattened to a single input string;
// streaming is adapted over Generate.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
)

// Client wraps the official OpenAI Go client.
type Client struct {
	client openai.Client
	model  string
}

// New creates an OpenAI client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// ModelID returns the upstream model identifier.
func (c *Client) ModelID() string {
	return c.model
}

// flattenPrompt renders the conversation as a single labeled transcript for
// the Responses API string input.
func flattenPrompt(req llm.Request) string {
	var b strings.Builder
	if req.System != "" {
		fmt.Fprintf(&b, "System: %s\n\n", req.System)
	}
	for i := range req.Turns {
		turn := &req.Turns[i]
		switch turn.Role {
		case llm.RoleUser:
			b.WriteString(turn.Text)
			b.WriteString("\n\n")
		case llm.RoleModel:
			if turn.Text != "" {
				fmt.Fprintf(&b, "Assistant: %s\n\n", turn.Text)
			}
			for j := range turn.FunctionCalls {
				fc := &turn.FunctionCalls[j]
				args, _ := json.Marshal(fc.Args)
				fmt.Fprintf(&b, "Assistant: [called %s with %s]\n\n", fc.Name, args)
			}
		case llm.RoleFunction:
			for j := range turn.FunctionResults {
				fr := &turn.FunctionResults[j]
				result, _ := json.Marshal(fr.Result)
				fmt.Fprintf(&b, "Tool %s returned: %s\n\n", fr.Name, result)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Client) buildParams(req llm.Request) (responses.ResponseNewParams, error) {
	if req.Config.ThinkingBudget != nil {
		return responses.ResponseNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeValidation, "thinking budget is not supported by the openai provider")
	}
	if req.EnableSearch {
		return responses.ResponseNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeValidation, "search grounding is not supported by the openai provider")
	}
	if len(req.Turns) == 0 {
		return responses.ResponseNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeValidation, "turn list cannot be empty")
	}

	maxTokens := int64(req.Config.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxOutputTokens
	}
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(maxTokens),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flattenPrompt(req))},
	}
	if req.Config.Temperature != nil {
		params.Temperature = openai.Float(float64(*req.Config.Temperature))
	}
	if req.Config.TopP != nil {
		params.TopP = openai.Float(float64(*req.Config.TopP))
	}

	if len(req.Tools) > 0 {
		tools := make([]responses.ToolUnionParam, len(req.Tools))
		for i := range req.Tools {
			spec := &req.Tools[i]
			parameters := map[string]any{"type": "object"}
			if spec.Parameters != nil {
				if props := schemaProperties(spec.Parameters); props != nil {
					parameters["properties"] = props
				}
				if len(spec.Parameters.Required) > 0 {
					parameters["required"] = spec.Parameters.Required
				}
			}
			tools[i] = responses.ToolUnionParam{
				OfFunction: &responses.FunctionToolParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(parameters),
				},
			}
		}
		params.Tools = tools
	}
	return params, nil
}

func schemaProperties(s *llm.Schema) map[string]any {
	if len(s.Properties) == 0 {
		return nil
	}
	props := make(map[string]any, len(s.Properties))
	for name, child := range s.Properties {
		if child != nil {
			props[name] = schemaMap(child)
		}
	}
	return props
}

func schemaMap(s *llm.Schema) map[string]any {
	m := map[string]any{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	if s.Items != nil {
		m["items"] = schemaMap(s.Items)
	}
	if props := schemaProperties(s); props != nil {
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	return m
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return llm.Response{}, err
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "empty response from OpenAI Responses API")
	}

	var calls []llm.FunctionCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			continue
		}
		fn := item.AsFunctionCall()
		var args map[string]any
		if fn.Arguments != "" {
			if err := json.Unmarshal([]byte(fn.Arguments), &args); err != nil {
				continue
			}
		}
		calls = append(calls, llm.FunctionCall{
			ID:   fn.ID,
			Name: fn.Name,
			Args: args,
		})
	}

	return llm.Response{
		Text:          resp.OutputText(),
		FunctionCalls: calls,
		FinishReason:  string(resp.Status),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CandidatesTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Stream implements llm.Client as an adapter over Generate.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if _, err := c.buildParams(req); err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 2)
	go func() {
		defer close(ch)
		resp, err := c.Generate(ctx, req)
		if err != nil {
			ch <- llm.Chunk{Err: err}
			return
		}
		if resp.Text != "" || len(resp.FunctionCalls) > 0 {
			ch <- llm.Chunk{Text: resp.Text, FunctionCalls: resp.FunctionCalls}
		}
		ch <- llm.Chunk{Done: true, Usage: &resp.Usage, FinishReason: resp.FinishReason}
	}()
	return ch, nil
}

// classifyError maps SDK failures onto the retry taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, err, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request deadline exceeded")
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 400, 413:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeValidation, apiErr.StatusCode, "invalid request")
		case 401, 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed")
		case 429:
			// insufficient_quota rides on 429 but retrying cannot help.
			if strings.Contains(strings.ToLower(err.Error()), "insufficient_quota") {
				return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeUpstreamQuota, apiErr.StatusCode, "quota exhausted")
			}
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimited, apiErr.StatusCode, "rate limit exceeded")
		case 500, 502, 504:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
		case 503:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeOverloaded, apiErr.StatusCode, "service overloaded")
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimited, err, "rate limiting detected")
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "eof") || strings.Contains(errStr, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network error")
	case strings.Contains(errStr, "api key") || strings.Contains(errStr, "unauthorized"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified OpenAI error")
}
