package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cadence/pkg/config"
	"cadence/pkg/llm"
)

// SystemMode selects the fixed system instruction attached to a request.
// The texts belong to the daemon and are not caller-editable.
type SystemMode int

const (
	// SystemNone attaches no system instruction. Internal calls such as
	// summarization carry their full instruction in the prompt body.
	SystemNone SystemMode = iota
	// SystemChat is the plain conversational mode.
	SystemChat
	// SystemAgent is the tool-driving agent mode.
	SystemAgent
)

const chatSystemText = `You are Cadence, a careful engineering assistant.
Answer directly and keep responses grounded in what you actually know; say so
plainly when you are unsure. Prefer a short working example over long prose.`

const agentSystemText = `You are Cadence, an engineering agent with access to
the declared tools. When a request needs a tool, call it with precise
arguments and base your answer on the returned result. Never invent tool
output. When no tool applies, answer directly.`

func systemText(mode SystemMode) string {
	switch mode {
	case SystemChat:
		return chatSystemText
	case SystemAgent:
		return agentSystemText
	default:
		return ""
	}
}

// Request is an inbound generation request. Model selects the quota profile
// and upstream model. History replays prior turns verbatim and counts fully
// against the input-token ceiling.
//
//nolint:govet // fieldalignment: grouped by meaning, not size
type Request struct {
	Prompt       string
	Model        config.ModelKey
	History      []llm.Turn
	AgentMode    bool
	Tools        []llm.ToolSpec
	Config       llm.GenerationConfig
	EnableSearch bool

	// AbortKey identifies the request for Cancel. Submit assigns a fresh
	// UUID when empty.
	AbortKey string
	Mode     SystemMode
}

// StreamEvent is one event on a request's outbound stream: zero or more
// delta events, then exactly one terminal event (Done true or Error set),
// with nothing after the terminal one. Notice carries human-readable
// progress text during pacing and backoff waits and is never model output.
type StreamEvent struct {
	Key    string `json:"key"`
	Delta  string `json:"delta,omitempty"`
	Notice string `json:"notice,omitempty"`
	Error  string `json:"error,omitempty"`
	Done   bool   `json:"done,omitempty"`
}

// Meta describes how a request was executed.
type Meta struct {
	Model            string
	FinishReason     string
	PromptTokens     int
	CandidatesTokens int
	TotalTokens      int
	QueuedMs         int64
	UsedReservation  int
}

// Result is the final outcome of a successful request.
type Result struct {
	Text           string
	FunctionCalls  []llm.FunctionCall
	RequiresAction bool // true when the model requested tool execution
	Meta           Meta
}

// QuotaStatus is a point-in-time view of one ModelKey's quota pressure.
type QuotaStatus struct {
	Key             config.ModelKey `json:"key"`
	UsedTokens      int             `json:"used_tokens"`
	Capacity        int             `json:"capacity"`
	RPMUsed         int             `json:"rpm_used"`
	RPMLimit        int             `json:"rpm_limit"`
	Queued          int             `json:"queued"`
	NextAvailableMs int64           `json:"next_available_ms"`
}

// StatusObserver receives quota status pushes: on every admission and
// completion, and periodically while the queue is non-empty or quota
// windows have not decayed.
type StatusObserver interface {
	QuotaStatus(status QuotaStatus)
}

// Request outcomes recorded after each terminal state.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// RequestRecord summarizes one finished request for the audit log and
// metrics.
type RequestRecord struct {
	Key        string
	Model      config.ModelKey
	Outcome    string
	ErrorClass string // classified type of the final error, empty on success
	Reserved   int
	Actual     int
	Retries    int
	QueuedMs   int64
	DurationMs int64
}

// RequestLog receives terminal request records. Implementations must not
// block; the scheduler calls them inline after each request retires.
type RequestLog interface {
	RecordRequest(rec RequestRecord)
}

// Ticket is the caller's handle on a submitted request: the event stream
// plus the final-result wait. Events is closed after the terminal event.
type Ticket struct {
	Key    string
	Events <-chan StreamEvent

	p *pending
}

// Wait blocks until the request reaches a terminal state or ctx is done.
// It may be called any number of times.
func (t *Ticket) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.p.done:
		return t.p.res, t.p.err
	}
}

// eventBuffer sizes each request's event channel. When a caller stops
// draining, further deltas are dropped from the stream view rather than
// blocking the executor; the final Result still carries the full text.
const eventBuffer = 256

// pending tracks one request from Submit to its terminal event. Only the
// scheduler (while queued) or the executor goroutine (while running) may
// touch the event channel.
type pending struct {
	req         Request
	reservation int
	submittedAt time.Time
	admittedAt  time.Time
	pacing      time.Duration

	events chan StreamEvent

	mu     sync.Mutex
	cancel context.CancelFunc // set when execution starts, nil while queued
	reason string             // first abort reason wins

	once sync.Once
	done chan struct{}
	res  *Result
	err  error
}

func newPending(req Request, reservation int, now time.Time) *pending {
	return &pending{
		req:         req,
		reservation: reservation,
		submittedAt: now,
		events:      make(chan StreamEvent, eventBuffer),
		done:        make(chan struct{}),
	}
}

func (p *pending) ticket() *Ticket {
	return &Ticket{Key: p.req.AbortKey, Events: p.events, p: p}
}

// emit forwards an event without blocking. Returns false when the buffer is
// full and the event was dropped.
func (p *pending) emit(ev StreamEvent) bool {
	ev.Key = p.req.AbortKey
	select {
	case p.events <- ev:
		return true
	default:
		return false
	}
}

func (p *pending) delta(text string) bool {
	return p.emit(StreamEvent{Delta: text})
}

func (p *pending) notice(text string) bool {
	return p.emit(StreamEvent{Notice: text})
}

// finish resolves the request exactly once: emits the terminal event, closes
// the event stream, and releases Wait.
func (p *pending) finish(res *Result, err error) {
	p.once.Do(func() {
		ev := StreamEvent{Done: err == nil}
		if err != nil {
			ev.Error = err.Error()
		}
		p.emit(ev)
		close(p.events)
		p.res = res
		p.err = err
		close(p.done)
	})
}

// setCancel publishes the running request's abort hook.
func (p *pending) setCancel(cancel context.CancelFunc) {
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
}

// abort records a reason and cancels the running request. Safe to call at
// any point in the lifecycle, any number of times.
func (p *pending) abort(reason string) {
	p.mu.Lock()
	if p.reason == "" {
		p.reason = reason
	}
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abortReason explains why a canceled request died. Explicit cancels and the
// inactivity watchdog record a reason before firing; an absolute timeout is
// recognized from the context state.
func (p *pending) abortReason(ctx context.Context, absolute time.Duration) string {
	p.mu.Lock()
	reason := p.reason
	p.mu.Unlock()
	if reason != "" {
		return reason
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("request timed out after %s", absolute)
	}
	return "canceled"
}
