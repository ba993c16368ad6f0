package llm

import (
	"context"
)

// Middleware wraps a Client with additional behavior. Middlewares are
// composed with Chain to build a processing pipeline around a provider.
type Middleware func(next Client) Client

// clientFunc adapts plain functions to the Client interface.
type clientFunc struct {
	generate func(context.Context, Request) (Response, error)
	stream   func(context.Context, Request) (<-chan Chunk, error)
	modelID  func() string
}

func (f clientFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f.generate(ctx, req)
}

func (f clientFunc) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	return f.stream(ctx, req)
}

func (f clientFunc) ModelID() string {
	return f.modelID()
}

// WrapClient builds a Client from the provided function implementations.
// Middleware implementations use it to override only the calls they care
// about.
func WrapClient(
	generate func(context.Context, Request) (Response, error),
	stream func(context.Context, Request) (<-chan Chunk, error),
	modelID func() string,
) Client {
	return clientFunc{
		generate: generate,
		stream:   stream,
		modelID:  modelID,
	}
}

// Chain composes middlewares around a base Client. Earlier middlewares are
// outermost: Chain(client, mw1, mw2) produces the call stack
//
//	mw1 -> mw2 -> client
//
// so mw1 sees the request first and the response last.
func Chain(base Client, middlewares ...Middleware) Client {
	client := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		client = middlewares[i](client)
	}
	return client
}
