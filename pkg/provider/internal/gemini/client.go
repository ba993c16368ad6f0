// Package gemini implements the llm.Client contract against the Google
// Gemini API. This is the default provider and the only one with native
// streaming, a thinking-budget surface, and search grounding.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
)

// Client wraps the Google GenAI client.
type Client struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// New creates a Gemini client. The underlying SDK client is created lazily on
// first use because its constructor requires a context.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
	}
}

// ModelID returns the upstream model identifier.
func (c *Client) ModelID() string {
	return c.model
}

func (c *Client) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to create Gemini client")
	}
	c.client = client
	return client, nil
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return llm.Response{}, err
	}

	contents, cfg, err := convertRequest(req)
	if err != nil {
		return llm.Response{}, err
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return llm.Response{}, classifyError(err)
	}
	if result == nil {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "empty response from Gemini API")
	}

	resp := llm.Response{
		Text:         result.Text(),
		FinishReason: finishReason(result),
	}
	if calls := result.FunctionCalls(); len(calls) > 0 {
		resp.FunctionCalls = convertFunctionCalls(calls)
	}
	if result.UsageMetadata != nil {
		resp.Usage = convertUsage(result.UsageMetadata)
	}
	return resp, nil
}

// Stream implements llm.Client using the native streaming endpoint. Text and
// function-call deltas are forwarded as they arrive; usage and finish reason
// ride on the terminal Done chunk.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	contents, cfg, err := convertRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)

		var usage *llm.Usage
		finish := ""
		for resp, err := range client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				send(ctx, ch, llm.Chunk{Err: classifyError(err)})
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				u := convertUsage(resp.UsageMetadata)
				usage = &u
			}
			if fr := finishReason(resp); fr != "" {
				finish = fr
			}

			chunk := llm.Chunk{Text: resp.Text()}
			if calls := resp.FunctionCalls(); len(calls) > 0 {
				chunk.FunctionCalls = convertFunctionCalls(calls)
			}
			if chunk.Text == "" && len(chunk.FunctionCalls) == 0 {
				continue
			}
			if !send(ctx, ch, chunk) {
				return
			}
		}
		send(ctx, ch, llm.Chunk{Done: true, Usage: usage, FinishReason: finish})
	}()
	return ch, nil
}

// send delivers a chunk unless the context is canceled first.
func send(ctx context.Context, ch chan<- llm.Chunk, chunk llm.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// convertRequest translates the neutral request into Gemini contents and
// generation config.
func convertRequest(req llm.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	if len(req.Turns) == 0 {
		return nil, nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "turn list cannot be empty")
	}
	if req.EnableSearch && len(req.Tools) > 0 {
		// The API rejects search grounding combined with function
		// declarations; fail locally with the same classification.
		return nil, nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, "search grounding cannot be combined with function declarations")
	}

	contents := make([]*genai.Content, 0, len(req.Turns))
	for i := range req.Turns {
		content, err := convertTurn(&req.Turns[i])
		if err != nil {
			return nil, nil, err
		}
		if content != nil {
			contents = append(contents, content)
		}
	}

	maxTokens := req.Config.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxOutputTokens
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     req.Config.Temperature,
		TopP:            req.Config.TopP,
		MaxOutputTokens: maxTokens,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.Config.ThinkingBudget != nil {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: req.Config.ThinkingBudget,
		}
	}
	if req.EnableSearch {
		cfg.Tools = []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(req.Tools)},
		}
		// Force tool use when declarations are attached. Gemini may
		// return empty responses otherwise, especially when the
		// available tools change between turns.
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}
	return contents, cfg, nil
}

func convertTurn(turn *llm.Turn) (*genai.Content, error) {
	var role string
	switch turn.Role {
	case llm.RoleUser:
		role = "user"
	case llm.RoleModel:
		role = "model"
	case llm.RoleFunction:
		// Function responses travel in a user-role content.
		role = "user"
	default:
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation, fmt.Sprintf("unsupported turn role: %s", turn.Role))
	}

	var parts []*genai.Part
	if turn.Text != "" {
		parts = append(parts, &genai.Part{Text: turn.Text})
	}
	for i := range turn.FunctionCalls {
		fc := &turn.FunctionCalls[i]
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			},
		})
	}
	for i := range turn.FunctionResults {
		fr := &turn.FunctionResults[i]
		if fr.Name == "" {
			continue
		}
		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       fr.ID,
				Name:     fr.Name,
				Response: fr.Result,
			},
		})
	}
	if len(parts) == 0 {
		return nil, nil
	}
	return &genai.Content{Role: role, Parts: parts}, nil
}

func convertTools(specs []llm.ToolSpec) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(specs))
	for i := range specs {
		spec := &specs[i]
		declarations[i] = &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  convertSchema(spec.Parameters),
		}
	}
	return declarations
}

// convertSchema recursively converts the neutral schema to Gemini's format.
func convertSchema(s *llm.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	schema := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
	}
	switch s.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		schema.Items = convertSchema(s.Items)
	case "object":
		schema.Type = genai.TypeObject
		if len(s.Properties) > 0 {
			properties := make(map[string]*genai.Schema, len(s.Properties))
			for name, child := range s.Properties {
				if child != nil {
					properties[name] = convertSchema(child)
				}
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}
	if len(s.Enum) > 0 {
		schema.Enum = s.Enum
	}
	return schema
}

func convertFunctionCalls(calls []*genai.FunctionCall) []llm.FunctionCall {
	out := make([]llm.FunctionCall, len(calls))
	for i, call := range calls {
		// Gemini does not always provide call IDs; fall back to the
		// function name so results can be matched back.
		id := call.ID
		if id == "" {
			id = call.Name
		}
		out[i] = llm.FunctionCall{
			ID:   id,
			Name: call.Name,
			Args: call.Args,
		}
	}
	return out
}

func convertUsage(meta *genai.GenerateContentResponseUsageMetadata) llm.Usage {
	return llm.Usage{
		PromptTokens:     int(meta.PromptTokenCount),
		CandidatesTokens: int(meta.CandidatesTokenCount),
		TotalTokens:      int(meta.TotalTokenCount),
	}
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return string(resp.Candidates[0].FinishReason)
}

// classifyError maps Gemini API failures onto the retry taxonomy using the
// structured APIError when present.
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

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch apiErr.Code {
		case 400:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeValidation, apiErr.Code, apiErr.Message)
		case 401, 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.Code, apiErr.Message)
		case 429:
			// RESOURCE_EXHAUSTED covers both the per-minute limiter and
			// the daily free-tier quota; only the latter is hopeless.
			if strings.Contains(msg, "daily") || strings.Contains(msg, "per day") || strings.Contains(msg, "perday") {
				return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeUpstreamQuota, apiErr.Code, apiErr.Message)
			}
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimited, apiErr.Code, apiErr.Message)
		case 500, 502, 504:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.Code, apiErr.Message)
		case 503, 529:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeOverloaded, apiErr.Code, apiErr.Message)
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "resource_exhausted") || strings.Contains(errStr, "rate limit"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimited, err, "rate limited")
	case strings.Contains(errStr, "unavailable") || strings.Contains(errStr, "overloaded"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeOverloaded, err, "model overloaded")
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "eof") || strings.Contains(errStr, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network error")
	case strings.Contains(errStr, "api key") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "unauthenticated"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified Gemini error")
}
