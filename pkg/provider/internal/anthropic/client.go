// Package anthropic implements the llm.Client contract against the Anthropic
// Messages API. Streaming is adapted over Generate; thinking budgets and
// search grounding are rejected at conversion time so the executor's
// fallbacks can strip them.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
)

// Client wraps the Anthropic API client.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates an Anthropic client for the given model.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// ModelID returns the upstream model identifier.
func (c *Client) ModelID() string {
	return string(c.model)
}

// message is an intermediate turn after alternation repair: role is either
// user or assistant, content is flattened text.
type message struct {
	role string
	text string
}

// repairAlternation flattens the neutral turn list into the strict
// user/assistant alternation the Messages API requires. Function-result turns
// are serialized into user text; consecutive user-side turns are merged.
func repairAlternation(turns []llm.Turn) ([]message, error) {
	if len(turns) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "turn list cannot be empty")
	}

	var merged []message
	var userParts []string

	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, message{role: "user", text: strings.Join(userParts, "\n\n")})
			userParts = nil
		}
	}

	for i := range turns {
		turn := &turns[i]
		switch turn.Role {
		case llm.RoleModel:
			flush()
			merged = append(merged, message{role: "assistant", text: flattenModelTurn(turn)})
		case llm.RoleUser:
			userParts = append(userParts, turn.Text)
		case llm.RoleFunction:
			for j := range turn.FunctionResults {
				userParts = append(userParts, flattenFunctionResult(&turn.FunctionResults[j]))
			}
		default:
			return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, fmt.Sprintf("unsupported turn role: %s", turn.Role))
		}
	}
	flush()

	if len(merged) == 0 || merged[0].role != "user" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "conversation must start with a user turn")
	}
	if merged[len(merged)-1].role != "user" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "conversation must end with a user turn")
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].role == merged[i-1].role {
			return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, fmt.Sprintf("alternation violation at index %d", i))
		}
	}
	return merged, nil
}

// flattenModelTurn renders a model turn as text, noting any function calls it
// made so replayed history stays coherent.
func flattenModelTurn(turn *llm.Turn) string {
	if len(turn.FunctionCalls) == 0 {
		return turn.Text
	}
	parts := make([]string, 0, len(turn.FunctionCalls)+1)
	if turn.Text != "" {
		parts = append(parts, turn.Text)
	}
	for i := range turn.FunctionCalls {
		fc := &turn.FunctionCalls[i]
		args, _ := json.Marshal(fc.Args)
		parts = append(parts, fmt.Sprintf("[called %s with %s]", fc.Name, args))
	}
	return strings.Join(parts, "\n")
}

func flattenFunctionResult(fr *llm.FunctionResult) string {
	result, _ := json.Marshal(fr.Result)
	return fmt.Sprintf("[%s result]: %s", fr.Name, result)
}

// buildParams converts the neutral request into Messages API parameters.
func (c *Client) buildParams(req llm.Request) (anthropic.MessageNewParams, error) {
	if req.Config.ThinkingBudget != nil {
		return anthropic.MessageNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeValidation, "thinking budget is not supported by the anthropic provider")
	}
	if req.EnableSearch {
		return anthropic.MessageNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeValidation, "search grounding is not supported by the anthropic provider")
	}

	repaired, err := repairAlternation(req.Turns)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	messages := make([]anthropic.MessageParam, 0, len(repaired))
	for i := range repaired {
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(repaired[i].role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(repaired[i].text)},
		})
	}

	maxTokens := int64(req.Config.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxOutputTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.Config.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Config.Temperature))
	}
	if req.Config.TopP != nil {
		params.TopP = anthropic.Float(float64(*req.Config.TopP))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: req.System,
			Type: "text",
		}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for i := range req.Tools {
			spec := &req.Tools[i]
			schema := anthropic.ToolInputSchemaParam{Type: "object"}
			if spec.Parameters != nil {
				schema.Properties = schemaProperties(spec.Parameters)
				schema.Required = spec.Parameters.Required
			}
			tools = append(tools, anthropic.ToolUnionParamOfTool(schema, spec.Name))
		}
		params.Tools = tools
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}
	return params, nil
}

// schemaProperties renders the neutral schema's properties as the loose map
// the tool schema parameter expects.
func schemaProperties(s *llm.Schema) any {
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
	if len(s.Properties) > 0 {
		m["properties"] = schemaProperties(s)
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

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "empty response from Anthropic API")
	}

	var text strings.Builder
	var calls []llm.FunctionCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				return llm.Response{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeStreamParse, err, "failed to parse tool input")
			}
			calls = append(calls, llm.FunctionCall{
				ID:   toolUse.ID,
				Name: toolUse.Name,
				Args: args,
			})
		}
	}

	return llm.Response{
		Text:          text.String(),
		FunctionCalls: calls,
		FinishReason:  string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CandidatesTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// Stream implements llm.Client as an adapter over Generate: a single text
// chunk followed by the terminal Done chunk carrying usage.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	// Fail conversion before spawning the stream.
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

// classifyError maps SDK failures onto the retry taxonomy, preferring the
// structured API error's status code over message sniffing.
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

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 400, 413:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeValidation, apiErr.StatusCode, "invalid request")
		case 401, 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed")
		case 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimited, apiErr.StatusCode, "rate limit exceeded")
		case 500, 502, 504:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
		case 503, 529:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeOverloaded, apiErr.StatusCode, "model overloaded")
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "overloaded"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeOverloaded, err, "model overloaded")
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimited, err, "rate limiting detected")
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "eof") || strings.Contains(errStr, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network error")
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "api key"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified Anthropic error")
}
