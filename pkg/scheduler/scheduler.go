// Package scheduler admits, queues, and executes generation requests
// against per-model quota windows.
//
// Admission is a pure ledger check. Requests that do not pass go into a
// single FIFO queue whose head is re-checked by a cycle goroutine; there is
// no reordering and no gap-filling, so a large request cannot be starved by
// smaller ones behind it. The cycle is woken by submissions and completions
// and otherwise runs on an adaptive ticker: tight while requests are
// queued, coarse while quota windows are still decaying, stopped once idle.
//
// Execution streams the provider call back to the caller with pacing
// delays, classified retries, and one-shot compatibility fallbacks, under
// both an absolute and an inactivity timeout.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
	"cadence/pkg/logx"
	"cadence/pkg/quota"
	"cadence/pkg/tokenest"
)

// Cycle cadence. Busy while the queue is non-empty, decay while ledger
// windows still hold expired-but-unpruned state, stopped once idle.
const (
	busyInterval  = 250 * time.Millisecond
	decayInterval = time.Second
)

// Scheduler owns the request queue and the in-flight set. Queue and
// bookkeeping live under mu; the admission check and the quota reservation
// happen inside one critical section so the decision cannot go stale
// between check and reserve.
type Scheduler struct {
	ledger    *quota.Ledger
	estimator tokenest.Estimator
	exec      *executor
	logger    *logx.Logger
	now       func() time.Time

	mu        sync.Mutex
	queue     []*pending
	running   map[string]*pending
	observers []StatusObserver
	logs      []RequestLog
	started   bool
	stopped   bool

	wake       chan struct{}
	shutdown   chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a scheduler over the given ledger and provider clients. The
// clients map is keyed by ModelKey and is not copied; callers must not
// mutate it after this call. Call Start before submitting.
func New(ledger *quota.Ledger, clients map[config.ModelKey]llm.Client, estimator tokenest.Estimator, execCfg config.ExecutorConfig) *Scheduler {
	s := &Scheduler{
		ledger:    ledger,
		estimator: estimator,
		logger:    logx.NewLogger("scheduler"),
		now:       time.Now,
		running:   make(map[string]*pending),
		wake:      make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
	}
	s.exec = &executor{
		ledger:  ledger,
		clients: clients,
		cfg:     execCfg,
		retry:   llmerrors.DefaultRetryConfigs,
		logger:  logx.NewLogger("executor"),
		now:     time.Now,
		done:    s.requestDone,
	}
	return s
}

// AddObserver registers a quota status observer. Register before Start.
func (s *Scheduler) AddObserver(o StatusObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// AddRequestLog registers a sink for terminal request records. Register
// before Start.
func (s *Scheduler) AddRequestLog(log RequestLog) {
	s.mu.Lock()
	s.logs = append(s.logs, log)
	s.mu.Unlock()
}

// Start launches the cycle goroutine. ctx bounds every request the
// scheduler will ever run; canceling it aborts all in-flight work.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.cycle(s.baseCtx)

	s.logger.Info("scheduler started")
	return nil
}

// Stop rejects further submissions, cancels queued and running requests,
// and waits for the executors to drain. ctx bounds the wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.stopped = true
	queued := s.queue
	s.queue = nil
	running := make([]*pending, 0, len(s.running))
	for _, p := range s.running {
		running = append(running, p)
	}
	s.mu.Unlock()

	for _, p := range queued {
		p.finish(nil, llmerrors.NewError(llmerrors.ErrorTypeCanceled, "scheduler shutting down"))
		s.logRecord(s.queuedCancelRecord(p))
	}
	for _, p := range running {
		p.abort("scheduler shutting down")
	}

	close(s.shutdown)
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for in-flight requests")
		return ctx.Err()
	}
}

// Submit validates and estimates the request, then either starts it
// immediately or queues it FIFO. It never blocks on quota; progress arrives
// on the returned ticket. A validation failure is the only synchronous
// error a well-formed running scheduler produces.
func (s *Scheduler) Submit(req Request) (*Ticket, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if req.AbortKey == "" {
		req.AbortKey = uuid.New().String()
	}

	estimate := s.estimateRequest(&req)
	if ceiling := s.ledger.Snapshot(req.Model).Capacity; estimate > ceiling {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation,
			fmt.Sprintf("estimated %d input tokens can never fit the %d-token ceiling for %q", estimate, ceiling, req.Model))
	}

	p := newPending(req, estimate, s.now())

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler is not running")
	}
	if s.liveLocked(req.AbortKey) {
		s.mu.Unlock()
		return nil, llmerrors.NewError(llmerrors.ErrorTypeValidation,
			fmt.Sprintf("abort key %q is already in use", req.AbortKey))
	}
	if !s.queuedForLocked(req.Model) && s.ledger.CanAdmit(req.Model, estimate) {
		s.startLocked(p)
		s.mu.Unlock()
		s.logger.Debug("request %s admitted immediately on %s (%d tokens reserved)", req.AbortKey, req.Model, estimate)
		s.pushStatus()
		return p.ticket(), nil
	}
	s.queue = append(s.queue, p)
	depth := len(s.queue)
	s.mu.Unlock()

	s.logger.Info("request %s queued on %s at depth %d (%d tokens)", req.AbortKey, req.Model, depth, estimate)
	s.wakeCycle()
	s.pushStatus()
	return p.ticket(), nil
}

// Cancel aborts the request identified by key. A queued request is removed
// and rejected without ever reserving quota; a running one is interrupted
// through its context. Unknown or already-finished keys are a no-op, so
// Cancel is idempotent.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	for i, p := range s.queue {
		if p.req.AbortKey != key {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.mu.Unlock()
		p.finish(nil, llmerrors.NewError(llmerrors.ErrorTypeCanceled, "canceled while queued"))
		s.logger.Info("request %s canceled while queued", key)
		s.logRecord(s.queuedCancelRecord(p))
		s.wakeCycle()
		s.pushStatus()
		return
	}
	p, ok := s.running[key]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("cancel for unknown request %s ignored", key)
		return
	}
	p.abort("canceled by caller")
	s.logger.Info("request %s cancel requested", key)
}

// Status reports current quota pressure per model key, in the same shape
// observers receive.
func (s *Scheduler) Status() []QuotaStatus {
	return s.statuses()
}

// validate rejects malformed requests before any quota work happens.
func (s *Scheduler) validate(req *Request) error {
	if _, ok := s.exec.clients[req.Model]; !ok {
		return llmerrors.NewError(llmerrors.ErrorTypeValidation, fmt.Sprintf("unknown model key %q", req.Model))
	}
	if req.Prompt == "" && len(req.History) == 0 {
		return llmerrors.NewError(llmerrors.ErrorTypeValidation, "empty request: no prompt and no history")
	}
	if req.AgentMode && len(req.Tools) == 0 {
		return llmerrors.NewError(llmerrors.ErrorTypeValidation, "agent mode requires tool declarations")
	}
	if !req.AgentMode && len(req.Tools) > 0 {
		return llmerrors.NewError(llmerrors.ErrorTypeValidation, "tool declarations require agent mode")
	}
	if req.AgentMode && req.EnableSearch {
		return llmerrors.NewError(llmerrors.ErrorTypeValidation, "search grounding and tool declarations are mutually exclusive")
	}
	return nil
}

// estimateRequest prices the full upstream payload: system instruction,
// every history turn, tool declarations, and the new prompt. History is not
// free and counts fully against the input-token ceiling.
func (s *Scheduler) estimateRequest(req *Request) int {
	total := 0
	if sys := systemText(req.Mode); sys != "" {
		total += s.estimator.Estimate(sys)
	}
	for i := range req.History {
		total += s.estimateTurn(&req.History[i])
	}
	if len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			total += s.estimator.EstimateHint(string(b), tokenest.KindJSON)
		}
	}
	if req.Prompt != "" {
		total += s.estimator.Estimate(req.Prompt)
	}
	return total
}

func (s *Scheduler) estimateTurn(t *llm.Turn) int {
	total := 0
	if t.Text != "" {
		total += s.estimator.Estimate(t.Text)
	}
	if len(t.FunctionCalls) > 0 {
		if b, err := json.Marshal(t.FunctionCalls); err == nil {
			total += s.estimator.EstimateHint(string(b), tokenest.KindJSON)
		}
	}
	if len(t.FunctionResults) > 0 {
		if b, err := json.Marshal(t.FunctionResults); err == nil {
			total += s.estimator.EstimateHint(string(b), tokenest.KindJSON)
		}
	}
	return total
}

// liveLocked reports whether key already names a queued or running request.
func (s *Scheduler) liveLocked(key string) bool {
	if _, ok := s.running[key]; ok {
		return true
	}
	for _, p := range s.queue {
		if p.req.AbortKey == key {
			return true
		}
	}
	return false
}

// queuedForLocked reports whether an earlier request for the same model key
// is still waiting. A later submission must not jump ahead of it.
func (s *Scheduler) queuedForLocked(key config.ModelKey) bool {
	for _, p := range s.queue {
		if p.req.Model == key {
			return true
		}
	}
	return false
}

// startLocked reserves quota and hands the request to an executor
// goroutine. Caller holds mu.
func (s *Scheduler) startLocked(p *pending) {
	p.pacing = s.ledger.Reserve(p.req.Model, p.reservation)
	p.admittedAt = s.now()
	s.running[p.req.AbortKey] = p
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exec.run(s.baseCtx, p)
	}()
}

// requestDone retires a finished request, fans its record out to the logs,
// and wakes the cycle: the freed quota may admit the current head.
func (s *Scheduler) requestDone(p *pending, rec RequestRecord) {
	s.mu.Lock()
	delete(s.running, p.req.AbortKey)
	s.mu.Unlock()

	s.logRecord(rec)
	s.wakeCycle()
	s.pushStatus()
}

func (s *Scheduler) logRecord(rec RequestRecord) {
	s.mu.Lock()
	logs := make([]RequestLog, len(s.logs))
	copy(logs, s.logs)
	s.mu.Unlock()

	for _, log := range logs {
		log.RecordRequest(rec)
	}
}

// queuedCancelRecord builds the audit record for a request rejected before
// it ever reserved quota.
func (s *Scheduler) queuedCancelRecord(p *pending) RequestRecord {
	return RequestRecord{
		Key:        p.req.AbortKey,
		Model:      p.req.Model,
		Outcome:    OutcomeCanceled,
		ErrorClass: llmerrors.ErrorTypeCanceled.String(),
		Reserved:   p.reservation,
		QueuedMs:   s.now().Sub(p.submittedAt).Milliseconds(),
	}
}

// wakeCycle nudges the cycle goroutine without blocking.
func (s *Scheduler) wakeCycle() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// cycle is the queue pump. Every wake or tick it runs one admission pass,
// then adapts its own cadence to the work left.
func (s *Scheduler) cycle(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(busyInterval)
	defer ticker.Stop()
	ticking := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-s.wake:
		case <-ticker.C:
		}

		depth := s.pass()

		switch {
		case depth > 0:
			ticker.Reset(busyInterval)
			ticking = true
		case !s.ledger.Idle():
			ticker.Reset(decayInterval)
			ticking = true
		case ticking:
			ticker.Stop()
			ticking = false
		}
	}
}

// pass admits from the head of the queue for as long as the ledger keeps
// saying yes, then prunes decayed ledger state. Returns the queue depth
// left behind.
func (s *Scheduler) pass() int {
	admitted := 0
	s.mu.Lock()
	for !s.stopped && len(s.queue) > 0 {
		head := s.queue[0]
		if !s.ledger.CanAdmit(head.req.Model, head.reservation) {
			break
		}
		s.queue = s.queue[1:]
		s.startLocked(head)
		admitted++
		s.logger.Debug("request %s admitted from queue on %s (%d tokens reserved)", head.req.AbortKey, head.req.Model, head.reservation)
	}
	depth := len(s.queue)
	s.mu.Unlock()

	for _, key := range s.ledger.Keys() {
		if s.ledger.Prune(key) {
			s.logger.Debug("pruned decayed quota state for %s", key)
		}
	}

	if admitted > 0 || depth > 0 || !s.ledger.Idle() {
		s.pushStatus()
	}
	return depth
}

// statuses snapshots every ledger key together with its queue depth.
func (s *Scheduler) statuses() []QuotaStatus {
	s.mu.Lock()
	depths := make(map[config.ModelKey]int, 2)
	for _, p := range s.queue {
		depths[p.req.Model]++
	}
	s.mu.Unlock()

	now := s.now()
	keys := s.ledger.Keys()
	out := make([]QuotaStatus, 0, len(keys))
	for _, key := range keys {
		snap := s.ledger.Snapshot(key)
		wait := snap.NextAvailable.Sub(now).Milliseconds()
		if wait < 0 {
			wait = 0
		}
		out = append(out, QuotaStatus{
			Key:             key,
			UsedTokens:      snap.UsedTokens,
			Capacity:        snap.Capacity,
			RPMUsed:         snap.RPMUsed,
			RPMLimit:        snap.RPMLimit,
			Queued:          depths[key],
			NextAvailableMs: wait,
		})
	}
	return out
}

func (s *Scheduler) pushStatus() {
	s.mu.Lock()
	observers := make([]StatusObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	for _, status := range s.statuses() {
		for _, o := range observers {
			o.QuotaStatus(status)
		}
	}
}
