package llm

import (
	"context"
	"fmt"
	"testing"
)

// mockClient is a simple mock implementation for testing.
type mockClient struct {
	generateFunc func(context.Context, Request) (Response, error)
	streamFunc   func(context.Context, Request) (<-chan Chunk, error)
	modelIDFunc  func() string
}

func (m *mockClient) Generate(ctx context.Context, req Request) (Response, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return Response{Text: "mock response"}, nil
}

func (m *mockClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	ch := make(chan Chunk, 1)
	ch <- Chunk{Text: "mock response", Done: true}
	close(ch)
	return ch, nil
}

func (m *mockClient) ModelID() string {
	if m.modelIDFunc != nil {
		return m.modelIDFunc()
	}
	return "mock-model"
}

func TestWrapClient(t *testing.T) {
	generateCalled := false
	streamCalled := false

	client := WrapClient(
		func(_ context.Context, _ Request) (Response, error) {
			generateCalled = true
			return Response{Text: "wrapped"}, nil
		},
		func(_ context.Context, _ Request) (<-chan Chunk, error) {
			streamCalled = true
			ch := make(chan Chunk)
			close(ch)
			return ch, nil
		},
		func() string { return "wrapped-model" },
	)

	ctx := context.Background()
	req := Request{Turns: []Turn{NewUserTurn("test")}}

	resp, err := client.Generate(ctx, req)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !generateCalled {
		t.Error("generate function was not called")
	}
	if resp.Text != "wrapped" {
		t.Errorf("expected 'wrapped', got %q", resp.Text)
	}

	if _, err = client.Stream(ctx, req); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !streamCalled {
		t.Error("stream function was not called")
	}

	if got := client.ModelID(); got != "wrapped-model" {
		t.Errorf("expected 'wrapped-model', got %q", got)
	}
}

// passthrough builds a middleware that transforms the response text.
func passthrough(transform func(string) string) Middleware {
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				resp, err := next.Generate(ctx, req)
				if err != nil {
					return resp, err
				}
				resp.Text = transform(resp.Text)
				return resp, nil
			},
			next.Stream,
			next.ModelID,
		)
	}
}

func TestChainOrdering(t *testing.T) {
	base := &mockClient{
		generateFunc: func(_ context.Context, _ Request) (Response, error) {
			return Response{Text: "base"}, nil
		},
	}

	mw1 := passthrough(func(s string) string { return "mw1:" + s })
	mw2 := passthrough(func(s string) string { return s + ":mw2" })
	mw3 := passthrough(func(s string) string { return "[" + s + "]" })

	client := Chain(base, mw1, mw2, mw3)

	resp, err := client.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// mw3 is innermost: base -> "[base]" -> "[base]:mw2" -> "mw1:[base]:mw2"
	if want := "mw1:[base]:mw2"; resp.Text != want {
		t.Errorf("expected %q, got %q", want, resp.Text)
	}
}

func TestChainErrorPropagation(t *testing.T) {
	base := &mockClient{
		generateFunc: func(_ context.Context, _ Request) (Response, error) {
			return Response{}, fmt.Errorf("base error")
		},
	}

	wrapper := func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				resp, err := next.Generate(ctx, req)
				if err != nil {
					return resp, fmt.Errorf("middleware wrapper: %w", err)
				}
				return resp, nil
			},
			next.Stream,
			next.ModelID,
		)
	}

	client := Chain(base, wrapper)
	_, err := client.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "middleware wrapper: base error" {
		t.Errorf("expected 'middleware wrapper: base error', got %q", err.Error())
	}
}

func TestChainShortCircuit(t *testing.T) {
	baseCalled := false
	base := &mockClient{
		generateFunc: func(_ context.Context, _ Request) (Response, error) {
			baseCalled = true
			return Response{Text: "base"}, nil
		},
	}

	guard := func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req Request) (Response, error) {
				if len(req.Turns) > 0 && req.Turns[0].Text == "skip" {
					return Response{Text: "short-circuited"}, nil
				}
				return next.Generate(ctx, req)
			},
			next.Stream,
			next.ModelID,
		)
	}

	client := Chain(base, guard)
	ctx := context.Background()

	resp, err := client.Generate(ctx, Request{Turns: []Turn{NewUserTurn("skip")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "short-circuited" {
		t.Errorf("expected 'short-circuited', got %q", resp.Text)
	}
	if baseCalled {
		t.Error("base should not have been called")
	}

	resp, err = client.Generate(ctx, Request{Turns: []Turn{NewUserTurn("normal")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "base" {
		t.Errorf("expected 'base', got %q", resp.Text)
	}
	if !baseCalled {
		t.Error("base should have been called")
	}
}

func TestChainModelIDPropagation(t *testing.T) {
	base := &mockClient{modelIDFunc: func() string { return "base-model-v1" }}

	client := Chain(base,
		passthrough(func(s string) string { return s }),
		passthrough(func(s string) string { return s }),
	)
	if got := client.ModelID(); got != "base-model-v1" {
		t.Errorf("expected 'base-model-v1', got %q", got)
	}
}

func TestChainNoMiddlewares(t *testing.T) {
	base := &mockClient{}
	if client := Chain(base); client != Client(base) {
		t.Error("Chain with no middlewares should return the base client")
	}
}

func TestNewModelTurnPreservesFunctionCalls(t *testing.T) {
	resp := Response{
		Text: "working on it",
		FunctionCalls: []FunctionCall{
			{Name: "lookup", Args: map[string]any{"id": "42"}},
		},
	}
	turn := NewModelTurn(resp)
	if turn.Role != RoleModel {
		t.Errorf("role = %q, want %q", turn.Role, RoleModel)
	}
	if turn.Text != "working on it" {
		t.Errorf("text = %q, want preserved response text", turn.Text)
	}
	if len(turn.FunctionCalls) != 1 || turn.FunctionCalls[0].Name != "lookup" {
		t.Errorf("function calls = %+v, want preserved lookup call", turn.FunctionCalls)
	}
}
