package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
	"cadence/pkg/logx"
	"cadence/pkg/quota"
)

// executor drives admitted requests through the provider's streaming call:
// pacing, classified retries with backoff, one-shot fallbacks, delta
// forwarding, and usage reconciliation against the reservation.
type executor struct {
	ledger  *quota.Ledger
	clients map[config.ModelKey]llm.Client
	cfg     config.ExecutorConfig
	retry   map[llmerrors.ErrorType]llmerrors.RetryConfig
	logger  *logx.Logger
	now     func() time.Time
	done    func(p *pending, rec RequestRecord)
}

// run executes p to a terminal state and reports the outcome. The absolute
// timeout starts here; pacing, backoff, and every retry attempt all run
// inside it.
func (e *executor) run(parent context.Context, p *pending) {
	started := e.now()

	ctx, cancel := context.WithTimeout(parent, time.Duration(e.cfg.RequestTimeout))
	defer cancel()
	p.setCancel(cancel)

	client := e.clients[p.req.Model]
	res, retries, err := e.execute(ctx, p, client)

	rec := RequestRecord{
		Key:        p.req.AbortKey,
		Model:      p.req.Model,
		Reserved:   p.reservation,
		Retries:    retries,
		QueuedMs:   p.admittedAt.Sub(p.submittedAt).Milliseconds(),
		DurationMs: e.now().Sub(started).Milliseconds(),
	}

	switch {
	case err == nil:
		res.Meta.QueuedMs = rec.QueuedMs
		res.Meta.UsedReservation = p.reservation
		rec.Outcome = OutcomeCompleted
		rec.Actual = res.Meta.PromptTokens
		e.logger.Debug("request %s completed on %s: %d prompt tokens, %d retries", p.req.AbortKey, client.ModelID(), rec.Actual, retries)
	case llmerrors.IsCanceled(err):
		rec.Outcome = OutcomeCanceled
		rec.ErrorClass = llmerrors.ErrorTypeCanceled.String()
		e.logger.Info("request %s canceled: %v", p.req.AbortKey, err)
	default:
		rec.Outcome = OutcomeFailed
		rec.ErrorClass = llmerrors.TypeOf(err).String()
		e.logger.Warn("request %s failed (%s): %v", p.req.AbortKey, rec.ErrorClass, err)
	}

	p.finish(res, err)
	e.done(p, rec)
}

// execute is the attempt loop. Fatal errors return immediately; retryable
// classes back off per their config; the thinking and search fallbacks each
// strip their surface once and go again without consuming retry budget.
//
//nolint:gocognit // the retry loop reads best as one piece
func (e *executor) execute(ctx context.Context, p *pending, client llm.Client) (*Result, int, error) {
	req := buildLLMRequest(&p.req)
	key := p.req.Model

	// First wait is the pacing delay issued with the reservation. Retries
	// re-derive spacing from the ledger because the slot has since moved.
	wait := p.pacing
	retries := 0
	droppedThinking := false
	droppedSearch := false

	for {
		if wait > 0 {
			p.notice(fmt.Sprintf("waiting %.1fs before calling %s", wait.Seconds(), client.ModelID()))
			if !sleepCtx(ctx, wait) {
				return nil, retries, e.abortError(ctx, p, nil)
			}
		}

		res, haveUsage, err := e.attempt(ctx, p, client, req)
		if err == nil {
			e.reconcile(key, p, res, haveUsage)
			return res, retries, nil
		}
		if ctx.Err() != nil {
			return nil, retries, e.abortError(ctx, p, err)
		}

		if llmerrors.Is(err, llmerrors.ErrorTypeValidation) {
			switch {
			case !droppedThinking && req.Config.ThinkingBudget != nil && errMentions(err, "thinking", "reasoning"):
				droppedThinking = true
				req.Config.ThinkingBudget = nil
				p.notice("upstream rejected the thinking budget, retrying without it")
				e.logger.Info("request %s: dropping thinking budget after upstream rejection", p.req.AbortKey)
				wait = e.ledger.SpacingDelay(key)
				continue
			case !droppedSearch && req.EnableSearch && errMentions(err, "search", "grounding"):
				droppedSearch = true
				req.EnableSearch = false
				p.notice("upstream rejected search grounding, retrying without it")
				e.logger.Info("request %s: dropping search grounding after upstream rejection", p.req.AbortKey)
				wait = e.ledger.SpacingDelay(key)
				continue
			}
			return nil, retries, err
		}

		cfg, class := e.retryPlan(err)
		if !retryableError(err) || retries >= cfg.MaxRetries {
			return nil, retries, err
		}
		retries++

		delay := backoffDelay(retries, cfg)
		if spacing := e.ledger.SpacingDelay(key); spacing > delay {
			delay = spacing
		}
		p.notice(fmt.Sprintf("%s, retrying in %.1fs (attempt %d of %d)", class, delay.Seconds(), retries, cfg.MaxRetries))
		e.logger.Debug("request %s attempt failed (%s), retry %d/%d in %s: %v", p.req.AbortKey, class, retries, cfg.MaxRetries, delay, err)
		wait = delay
	}
}

// attempt runs one streaming call, forwarding deltas as they arrive. The
// inactivity watchdog aborts the whole request when the stream goes silent,
// routing through the same path as an explicit cancel.
func (e *executor) attempt(ctx context.Context, p *pending, client llm.Client, req llm.Request) (*Result, bool, error) {
	ch, err := client.Stream(ctx, req)
	if err != nil {
		return nil, false, err
	}

	inactivity := time.Duration(e.cfg.InactivityTimeout)
	watchdog := time.AfterFunc(inactivity, func() {
		p.abort(fmt.Sprintf("no stream activity for %s", inactivity))
	})
	defer watchdog.Stop()

	var text strings.Builder
	var calls []llm.FunctionCall
	var usage llm.Usage
	haveUsage := false
	finish := ""

	for chunk := range ch {
		watchdog.Reset(inactivity)
		if chunk.Err != nil {
			return nil, false, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if !p.delta(chunk.Text) {
				e.logger.Debug("request %s: event buffer full, delta dropped from stream view", p.req.AbortKey)
			}
		}
		calls = append(calls, chunk.FunctionCalls...)
		if chunk.Usage != nil {
			usage = *chunk.Usage
			haveUsage = true
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Done {
			res := &Result{
				Text:           text.String(),
				FunctionCalls:  calls,
				RequiresAction: len(calls) > 0,
				Meta: Meta{
					Model:            client.ModelID(),
					FinishReason:     finish,
					PromptTokens:     usage.PromptTokens,
					CandidatesTokens: usage.CandidatesTokens,
					TotalTokens:      usage.TotalTokens,
				},
			}
			return res, haveUsage, nil
		}
	}

	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	return nil, false, llmerrors.NewError(llmerrors.ErrorTypeStreamParse, "stream closed without a terminal chunk")
}

// reconcile settles the reservation against the provider's reported input
// usage. Output tokens never count toward the window; a missing usage
// report leaves the reservation charged as-is.
func (e *executor) reconcile(key config.ModelKey, p *pending, res *Result, haveUsage bool) {
	actual := res.Meta.PromptTokens
	if !haveUsage || actual <= 0 {
		actual = p.reservation
		res.Meta.PromptTokens = actual
	}
	e.ledger.Adjust(key, actual, p.reservation)
}

// abortError classifies a dead-context request. Explicit cancels, the
// inactivity watchdog, and the absolute timeout all land here.
func (e *executor) abortError(ctx context.Context, p *pending, cause error) error {
	reason := p.abortReason(ctx, time.Duration(e.cfg.RequestTimeout))
	p.notice(reason)
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, cause, reason)
}

// sleepCtx waits for d or until ctx dies. Returns false when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// buildLLMRequest assembles the provider payload: fixed system text for the
// mode, replayed history, then the new user prompt. Tool declarations ride
// along only in agent mode.
func buildLLMRequest(req *Request) llm.Request {
	turns := make([]llm.Turn, 0, len(req.History)+1)
	turns = append(turns, req.History...)
	if req.Prompt != "" {
		turns = append(turns, llm.NewUserTurn(req.Prompt))
	}

	out := llm.Request{
		System:       systemText(req.Mode),
		Turns:        turns,
		Config:       req.Config,
		EnableSearch: req.EnableSearch,
	}
	if req.AgentMode {
		out.Tools = req.Tools
	}
	return out
}
