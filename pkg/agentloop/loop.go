// Package agentloop drives tool-calling conversations: submit with tool
// declarations, execute whatever the model requests, feed results back, and
// repeat until the model answers in text or the iteration cap is hit.
package agentloop

import (
	"context"
	"fmt"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/logx"
	"cadence/pkg/scheduler"
)

// defaultMaxIterations bounds a run when the config does not.
const defaultMaxIterations = 10

// ToolResult is the outcome of one tool execution. Error is set when
// Success is false.
type ToolResult struct {
	Result  map[string]any
	Error   string
	Success bool
}

// ToolExecutor performs the side of the conversation the model cannot:
// running the tools it asks for.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) ToolResult
}

// Submitter is the slice of the scheduler the loop needs.
type Submitter interface {
	Submit(req scheduler.Request) (*scheduler.Ticket, error)
}

// Config shapes one run.
type Config struct {
	Model         config.ModelKey
	Tools         []llm.ToolSpec
	Generation    llm.GenerationConfig
	MaxIterations int
}

// Outcome is a finished run: the model's final text plus the transcript
// that produced it.
type Outcome struct {
	Text       string
	History    []llm.Turn
	Iterations int
	ToolCalls  int
}

// Loop is a pure consumer of the scheduler: it holds no quota state and
// sees requests only through tickets.
type Loop struct {
	submit   Submitter
	executor ToolExecutor
	logger   *logx.Logger
}

func New(submit Submitter, executor ToolExecutor) *Loop {
	return &Loop{
		submit:   submit,
		executor: executor,
		logger:   logx.NewLogger("agentloop"),
	}
}

// Run drives the loop for one prompt. The returned Outcome carries the full
// transcript even when the error is non-nil, so callers can inspect how far
// the run got.
func (l *Loop) Run(ctx context.Context, prompt string, cfg Config) (Outcome, error) {
	var out Outcome
	if l.executor == nil {
		return out, fmt.Errorf("tool loop requires a tool executor")
	}
	if len(cfg.Tools) == 0 {
		return out, fmt.Errorf("tool loop requires tool declarations")
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	// The whole transcript travels as history so every resubmission is the
	// same shape: prior turns plus the latest tool results.
	history := []llm.Turn{llm.NewUserTurn(prompt)}

	for iteration := 0; iteration < maxIterations; iteration++ {
		ticket, err := l.submit.Submit(scheduler.Request{
			Model:     cfg.Model,
			History:   history,
			AgentMode: true,
			Tools:     cfg.Tools,
			Config:    cfg.Generation,
			Mode:      scheduler.SystemAgent,
		})
		if err != nil {
			out.History = history
			return out, fmt.Errorf("submit failed on iteration %d: %w", iteration+1, err)
		}
		res, err := ticket.Wait(ctx)
		if err != nil {
			out.History = history
			return out, fmt.Errorf("model call failed on iteration %d: %w", iteration+1, err)
		}
		out.Iterations = iteration + 1

		history = append(history, llm.NewModelTurn(llm.Response{
			Text:          res.Text,
			FunctionCalls: res.FunctionCalls,
			FinishReason:  res.Meta.FinishReason,
		}))

		if !res.RequiresAction {
			out.Text = res.Text
			out.History = history
			return out, nil
		}

		// Every requested call gets a result, failures included; the model
		// decides what to do with them.
		results := make([]llm.FunctionResult, 0, len(res.FunctionCalls))
		for _, call := range res.FunctionCalls {
			l.logger.Debug("executing tool %s", call.Name)
			tr := l.executor.Execute(ctx, call.Name, call.Args)
			if !tr.Success {
				l.logger.Warn("tool %s failed: %s", call.Name, tr.Error)
			}

			payload := make(map[string]any, len(tr.Result)+2)
			for k, v := range tr.Result {
				payload[k] = v
			}
			payload["success"] = tr.Success
			if tr.Error != "" {
				payload["error"] = tr.Error
			}
			results = append(results, llm.FunctionResult{
				ID:     call.ID,
				Name:   call.Name,
				Result: payload,
			})
			out.ToolCalls++
		}
		history = append(history, llm.NewFunctionTurn(results))
	}

	out.History = history
	return out, fmt.Errorf("maximum tool iterations (%d) exceeded", maxIterations)
}
