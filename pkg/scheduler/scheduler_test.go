package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
	"cadence/pkg/quota"
	"cadence/pkg/tokenest"
)

const testCeiling = 1000

// lenEstimator prices text at one token per byte so tests can size
// requests exactly.
type lenEstimator struct{}

func (lenEstimator) Estimate(text string) int { return len(text) }

func (lenEstimator) EstimateHint(text string, _ tokenest.ContentKind) int {
	return len(text)
}

// stubClient is a scripted provider. serve gets the 1-based call number and
// full control of the chunk channel; the channel is closed when it returns.
type stubClient struct {
	model string
	serve func(ctx context.Context, call int, req llm.Request, ch chan<- llm.Chunk)

	mu    sync.Mutex
	calls []llm.Request
}

func (c *stubClient) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeValidation, "stub client streams only")
}

func (c *stubClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	n := len(c.calls)
	c.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		c.serve(ctx, n, req, ch)
	}()
	return ch, nil
}

func (c *stubClient) ModelID() string { return c.model }

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *stubClient) callRequest(i int) llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// send delivers one chunk unless ctx dies first.
func send(ctx context.Context, ch chan<- llm.Chunk, chunk llm.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// serveText streams parts then a terminal chunk carrying usage.
func serveText(promptTokens int, parts ...string) func(context.Context, int, llm.Request, chan<- llm.Chunk) {
	return func(ctx context.Context, _ int, _ llm.Request, ch chan<- llm.Chunk) {
		for _, part := range parts {
			if !send(ctx, ch, llm.Chunk{Text: part}) {
				return
			}
		}
		send(ctx, ch, llm.Chunk{
			Usage:        &llm.Usage{PromptTokens: promptTokens, CandidatesTokens: 5, TotalTokens: promptTokens + 5},
			FinishReason: "STOP",
			Done:         true,
		})
	}
}

type captureLog struct {
	mu   sync.Mutex
	recs []RequestRecord
}

func (c *captureLog) RecordRequest(rec RequestRecord) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
}

func (c *captureLog) records() []RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RequestRecord(nil), c.recs...)
}

type captureStatus struct {
	mu       sync.Mutex
	statuses []QuotaStatus
}

func (c *captureStatus) QuotaStatus(status QuotaStatus) {
	c.mu.Lock()
	c.statuses = append(c.statuses, status)
	c.mu.Unlock()
}

func (c *captureStatus) all() []QuotaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QuotaStatus(nil), c.statuses...)
}

type schedOptions struct {
	profile config.QuotaProfile
	exec    config.ExecutorConfig
	retry   map[llmerrors.ErrorType]llmerrors.RetryConfig
}

func defaultOptions() schedOptions {
	return schedOptions{
		profile: config.QuotaProfile{RPM: 100, RPD: 10000, TokenCeiling: testCeiling},
		exec: config.ExecutorConfig{
			RequestTimeout:    config.Duration(5 * time.Second),
			InactivityTimeout: config.Duration(2 * time.Second),
		},
	}
}

func startScheduler(t *testing.T, client llm.Client, opts schedOptions) (*Scheduler, *quota.Ledger) {
	t.Helper()
	ledger := quota.NewLedger(map[config.ModelKey]config.QuotaProfile{config.KeyStandard: opts.profile})
	s := New(ledger, map[config.ModelKey]llm.Client{config.KeyStandard: client}, lenEstimator{}, opts.exec)
	if opts.retry != nil {
		s.exec.retry = opts.retry
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, ledger
}

func fastRetry(maxRetries int) map[llmerrors.ErrorType]llmerrors.RetryConfig {
	cfg := llmerrors.RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  2 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}
	return map[llmerrors.ErrorType]llmerrors.RetryConfig{
		llmerrors.ErrorTypeRateLimited: cfg,
		llmerrors.ErrorTypeOverloaded:  cfg,
		llmerrors.ErrorTypeTransient:   cfg,
		llmerrors.ErrorTypeStreamParse: cfg,
	}
}

// drainEvents collects everything a ticket emits until its stream closes.
func drainEvents(t *testing.T, ticket *Ticket) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ticket.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining ticket events")
		}
	}
}

func waitResult(t *testing.T, ticket *Ticket) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ticket.Wait(ctx)
}

func TestSubmitValidation(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(10, "ok")}
	s, _ := startScheduler(t, client, defaultOptions())

	tool := llm.ToolSpec{Name: "lookup"}
	cases := []struct {
		name string
		req  Request
	}{
		{"unknown model key", Request{Prompt: "hi", Model: "turbo"}},
		{"empty request", Request{Model: config.KeyStandard}},
		{"agent mode without tools", Request{Prompt: "hi", Model: config.KeyStandard, AgentMode: true}},
		{"tools without agent mode", Request{Prompt: "hi", Model: config.KeyStandard, Tools: []llm.ToolSpec{tool}}},
		{"agent mode with search", Request{Prompt: "hi", Model: config.KeyStandard, AgentMode: true, Tools: []llm.ToolSpec{tool}, EnableSearch: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ticket, err := s.Submit(tc.req)
			require.Error(t, err)
			assert.Nil(t, ticket)
			assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeValidation), "want validation error, got %v", err)
		})
	}
	assert.Zero(t, client.callCount())
}

func TestSubmitRejectsRequestThatCanNeverFit(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(10, "ok")}
	s, _ := startScheduler(t, client, defaultOptions())

	_, err := s.Submit(Request{Prompt: strings.Repeat("a", testCeiling+200), Model: config.KeyStandard})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "never fit")
}

func TestSubmitAssignsAbortKey(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(10, "ok")}
	s, _ := startScheduler(t, client, defaultOptions())

	ticket, err := s.Submit(Request{Prompt: "hello", Model: config.KeyStandard})
	require.NoError(t, err)
	_, err = uuid.Parse(ticket.Key)
	assert.NoError(t, err, "generated abort key should be a UUID")
	_, err = waitResult(t, ticket)
	require.NoError(t, err)

	ticket, err = s.Submit(Request{Prompt: "hello", Model: config.KeyStandard, AbortKey: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine", ticket.Key)
	_, err = waitResult(t, ticket)
	require.NoError(t, err)
}

func TestDuplicateAbortKeyRejected(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{model: "test-model", serve: func(ctx context.Context, _ int, _ llm.Request, ch chan<- llm.Chunk) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		send(ctx, ch, llm.Chunk{Text: "ok"})
		send(ctx, ch, llm.Chunk{Usage: &llm.Usage{PromptTokens: 5, TotalTokens: 6}, Done: true})
	}}
	s, _ := startScheduler(t, client, defaultOptions())

	first, err := s.Submit(Request{Prompt: "hello", Model: config.KeyStandard, AbortKey: "dup"})
	require.NoError(t, err)

	_, err = s.Submit(Request{Prompt: "hello", Model: config.KeyStandard, AbortKey: "dup"})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "already in use")

	close(release)
	_, err = waitResult(t, first)
	require.NoError(t, err)

	// Key is reusable once the first request finished.
	again, err := s.Submit(Request{Prompt: "hello", Model: config.KeyStandard, AbortKey: "dup"})
	require.NoError(t, err)
	_, err = waitResult(t, again)
	require.NoError(t, err)
}

func TestImmediateAdmissionStreamsDeltasThenTerminal(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(7, "hel", "lo ", "there")}
	s, _ := startScheduler(t, client, defaultOptions())

	ticket, err := s.Submit(Request{Prompt: "greet me", Model: config.KeyStandard})
	require.NoError(t, err)

	events := drainEvents(t, ticket)
	require.NotEmpty(t, events)

	terminal := events[len(events)-1]
	assert.True(t, terminal.Done)
	assert.Empty(t, terminal.Error)
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Done, "only the last event may be terminal")
		assert.Empty(t, ev.Error, "only the last event may be terminal")
		text.WriteString(ev.Delta)
		assert.Equal(t, ticket.Key, ev.Key)
	}
	assert.Equal(t, "hello there", text.String())

	res, err := waitResult(t, ticket)
	require.NoError(t, err)
	assert.Equal(t, "hello there", res.Text)
	assert.False(t, res.RequiresAction)
	assert.Equal(t, "test-model", res.Meta.Model)
	assert.Equal(t, "STOP", res.Meta.FinishReason)
	assert.Equal(t, 7, res.Meta.PromptTokens)
	assert.Equal(t, len("greet me"), res.Meta.UsedReservation)

	// Wait is repeatable.
	res2, err := waitResult(t, ticket)
	require.NoError(t, err)
	assert.Same(t, res, res2)
}

func TestQueueIsFIFOWithoutGapFilling(t *testing.T) {
	release := make(chan struct{})
	client := &stubClient{model: "test-model", serve: func(ctx context.Context, _ int, req llm.Request, ch chan<- llm.Chunk) {
		prompt := req.Turns[len(req.Turns)-1].Text
		switch prompt[0] {
		case 'a':
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
			send(ctx, ch, llm.Chunk{Text: "first"})
			send(ctx, ch, llm.Chunk{Usage: &llm.Usage{PromptTokens: 10, TotalTokens: 12}, Done: true})
		default:
			send(ctx, ch, llm.Chunk{Text: "third"})
			send(ctx, ch, llm.Chunk{Usage: &llm.Usage{PromptTokens: 90, TotalTokens: 95}, Done: true})
		}
	}}
	log := &captureLog{}
	s, ledger := startScheduler(t, client, defaultOptions())
	s.AddRequestLog(log)

	// A fills most of the window and blocks until released.
	a, err := s.Submit(Request{Prompt: strings.Repeat("a", 800), Model: config.KeyStandard, AbortKey: "a"})
	require.NoError(t, err)
	// B does not fit behind A's reservation.
	b, err := s.Submit(Request{Prompt: strings.Repeat("b", 500), Model: config.KeyStandard, AbortKey: "b"})
	require.NoError(t, err)
	// C would fit right now, but it must not jump ahead of B.
	c, err := s.Submit(Request{Prompt: strings.Repeat("c", 100), Model: config.KeyStandard, AbortKey: "c"})
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, client.callCount(), "only the first request may be running")
	statuses := s.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, 2, statuses[0].Queued)

	// Canceling B rejects it without touching the window.
	s.Cancel("b")
	_, err = waitResult(t, b)
	require.Error(t, err)
	assert.True(t, llmerrors.IsCanceled(err))
	assert.Contains(t, err.Error(), "queued")

	// A finishes small; the freed window admits C.
	close(release)
	resA, err := waitResult(t, a)
	require.NoError(t, err)
	assert.Equal(t, "first", resA.Text)
	assert.Equal(t, 10, resA.Meta.PromptTokens)

	resC, err := waitResult(t, c)
	require.NoError(t, err)
	assert.Equal(t, "third", resC.Text)
	assert.Positive(t, resC.Meta.QueuedMs)

	require.Equal(t, 2, client.callCount())
	second := client.callRequest(1)
	assert.Equal(t, byte('c'), second.Turns[len(second.Turns)-1].Text[0])

	// Reconciliation left only the two actual charges in the window.
	snap := ledger.Snapshot(config.KeyStandard)
	assert.Equal(t, 100, snap.UsedTokens)

	recs := log.records()
	require.Len(t, recs, 3)
	outcomes := map[string]string{}
	for _, rec := range recs {
		outcomes[rec.Key] = rec.Outcome
	}
	assert.Equal(t, OutcomeCompleted, outcomes["a"])
	assert.Equal(t, OutcomeCanceled, outcomes["b"])
	assert.Equal(t, OutcomeCompleted, outcomes["c"])
}

func TestCancelRunningRequest(t *testing.T) {
	entered := make(chan struct{})
	client := &stubClient{model: "test-model", serve: func(ctx context.Context, _ int, _ llm.Request, ch chan<- llm.Chunk) {
		close(entered)
		<-ctx.Done()
	}}
	s, _ := startScheduler(t, client, defaultOptions())

	ticket, err := s.Submit(Request{Prompt: "hang forever", Model: config.KeyStandard, AbortKey: "victim"})
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the provider")
	}

	s.Cancel("victim")
	_, err = waitResult(t, ticket)
	require.Error(t, err)
	assert.True(t, llmerrors.IsCanceled(err))
	assert.Contains(t, err.Error(), "canceled by caller")

	events := drainEvents(t, ticket)
	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	assert.False(t, terminal.Done)
	assert.Contains(t, terminal.Error, "canceled by caller")

	var noticed bool
	for _, ev := range events {
		if strings.Contains(ev.Notice, "canceled by caller") {
			noticed = true
		}
	}
	assert.True(t, noticed, "cancellation should surface as a notice before the terminal event")
}

func TestCancelIsIdempotent(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(5, "ok")}
	s, _ := startScheduler(t, client, defaultOptions())

	s.Cancel("no-such-request")

	ticket, err := s.Submit(Request{Prompt: "hello", Model: config.KeyStandard, AbortKey: "gone"})
	require.NoError(t, err)
	_, err = waitResult(t, ticket)
	require.NoError(t, err)

	s.Cancel("gone")
	s.Cancel("gone")

	res, err := waitResult(t, ticket)
	require.NoError(t, err, "cancel after completion must not disturb the result")
	assert.Equal(t, "ok", res.Text)
}

func TestStopDrainsQueueAndRejectsSubmissions(t *testing.T) {
	client := &stubClient{model: "test-model", serve: func(ctx context.Context, _ int, _ llm.Request, _ chan<- llm.Chunk) {
		<-ctx.Done()
	}}
	s, _ := startScheduler(t, client, defaultOptions())

	running, err := s.Submit(Request{Prompt: strings.Repeat("a", 900), Model: config.KeyStandard})
	require.NoError(t, err)
	queued, err := s.Submit(Request{Prompt: strings.Repeat("b", 900), Model: config.KeyStandard})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_, err = waitResult(t, queued)
	require.Error(t, err)
	assert.True(t, llmerrors.IsCanceled(err))
	assert.Contains(t, err.Error(), "shutting down")

	_, err = waitResult(t, running)
	require.Error(t, err)
	assert.True(t, llmerrors.IsCanceled(err))

	_, err = s.Submit(Request{Prompt: "late", Model: config.KeyStandard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestStatusObserverAndRequestLog(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(42, "ok")}
	log := &captureLog{}
	status := &captureStatus{}
	s, _ := startScheduler(t, client, defaultOptions())
	s.AddRequestLog(log)
	s.AddObserver(status)

	ticket, err := s.Submit(Request{Prompt: strings.Repeat("p", 200), Model: config.KeyStandard, AbortKey: "watched"})
	require.NoError(t, err)
	res, err := waitResult(t, ticket)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Meta.PromptTokens)

	recs := log.records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "watched", rec.Key)
	assert.Equal(t, config.KeyStandard, rec.Model)
	assert.Equal(t, OutcomeCompleted, rec.Outcome)
	assert.Empty(t, rec.ErrorClass)
	assert.Equal(t, 200, rec.Reserved)
	assert.Equal(t, 42, rec.Actual)
	assert.Zero(t, rec.Retries)
	assert.GreaterOrEqual(t, rec.DurationMs, int64(0))

	statuses := status.all()
	require.NotEmpty(t, statuses)
	for _, st := range statuses {
		assert.Equal(t, config.KeyStandard, st.Key)
		assert.Equal(t, testCeiling, st.Capacity)
	}
	var sawUsage bool
	for _, st := range statuses {
		if st.UsedTokens > 0 {
			sawUsage = true
		}
	}
	assert.True(t, sawUsage, "some push should reflect the admitted reservation")
}

func TestHistoryCountsTowardEstimate(t *testing.T) {
	client := &stubClient{model: "test-model", serve: serveText(10, "ok")}
	s, _ := startScheduler(t, client, defaultOptions())

	history := []llm.Turn{
		llm.NewUserTurn(strings.Repeat("h", 600)),
		{Role: llm.RoleModel, Text: strings.Repeat("m", 300)},
	}
	// Prompt alone fits, but history pushes the estimate past the ceiling.
	_, err := s.Submit(Request{Prompt: strings.Repeat("p", 200), Model: config.KeyStandard, History: history})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "never fit")
}
