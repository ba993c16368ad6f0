package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/logx"
	"cadence/pkg/scheduler"
	"cadence/pkg/tokenest"
)

// retainFraction of maxRecentMessages survives a summarization pass
// verbatim; everything older goes into the batch.
const retainFraction = 0.6

// compressionFloor is the minimum bank size before compression is
// attempted. Below it the bank is left alone even over its token cap.
const compressionFloor = 3

// Submitter is the slice of the scheduler the manager needs for its
// auxiliary summarization calls.
type Submitter interface {
	Submit(req scheduler.Request) (*scheduler.Ticket, error)
}

// SnapshotStore persists opaque per-session snapshots. LoadSnapshot returns
// (nil, nil) when no snapshot exists. All calls are best-effort; failures
// are logged and never surface to conversation flow.
type SnapshotStore interface {
	SaveSnapshot(sessionID string, snapshot []byte) error
	LoadSnapshot(sessionID string) ([]byte, error)
}

// Manager owns every session's ConversationMemory and runs the async
// summarization and compression passes through the scheduler. A nil store
// disables persistence.
type Manager struct {
	aux       *auxClient
	estimator tokenest.Estimator
	cfg       config.MemoryConfig
	store     SnapshotStore
	logger    *logx.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session pairs one Memory with its in-flight flags. mem is mutated only
// under mu; the flags keep at most one summarization and one compression in
// flight per session.
type session struct {
	mu          sync.Mutex
	mem         *Memory
	restored    bool
	summarizing bool
	compressing bool
}

// NewManager builds a manager that summarizes through submit on the given
// model key (normally config.KeyLite).
func NewManager(submit Submitter, auxKey config.ModelKey, estimator tokenest.Estimator, cfg config.MemoryConfig, store SnapshotStore) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		aux:       &auxClient{submit: submit, model: auxKey},
		estimator: estimator,
		cfg:       cfg,
		store:     store,
		logger:    logx.NewLogger("memory"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
}

// Open makes the session live, restoring its snapshot when the store has
// one. Reports whether a snapshot was restored. Opening is implicit on
// first use; calling Open is only needed to learn the restore outcome.
func (m *Manager) Open(sessionID string) bool {
	s, ok := m.session(sessionID)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored
}

// AddMessage appends one verbatim message and kicks the summarization check.
// It never blocks on model calls.
func (m *Manager) AddMessage(sessionID string, role llm.Role, text string) {
	s, ok := m.session(sessionID)
	if !ok {
		m.logger.Warn("message for session %s dropped: manager closed", sessionID)
		return
	}
	tokens := m.estimator.Estimate(text)

	s.mu.Lock()
	s.mem.add(role, text, tokens, m.now())
	m.maybeSummarizeLocked(s)
	s.mu.Unlock()
}

// Stats returns a read-only view of a live session. The second return is
// false when the session has never been opened.
func (m *Manager) Stats(sessionID string) (Stats, bool) {
	s := m.peek(sessionID)
	if s == nil {
		return Stats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.stats(), true
}

// Summaries returns a copy of the session's memory bank, oldest first.
func (m *Manager) Summaries(sessionID string) []SummaryEntry {
	s := m.peek(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SummaryEntry(nil), s.mem.bank.summaries...)
}

// Recent returns a copy of the session's rolling message buffer.
func (m *Manager) Recent(sessionID string) []RawMessage {
	s := m.peek(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RawMessage(nil), s.mem.recent...)
}

// Close waits for in-flight summarization, then snapshots every session.
// ctx bounds the wait; on timeout the in-flight work is aborted and no
// final snapshots are written.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		m.logger.Warn("memory close timed out; aborting in-flight summarization")
		return ctx.Err()
	}
	m.cancel()

	for _, s := range sessions {
		s.mu.Lock()
		data, err := marshalSnapshot(s.mem, m.now())
		id := s.mem.sessionID
		s.mu.Unlock()
		m.saveSnapshot(id, data, err)
	}
	return nil
}

// session returns the live session, lazily creating and restoring it.
// Returns ok=false once the manager is closed.
func (m *Manager) session(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if s, ok := m.sessions[id]; ok {
		return s, true
	}
	s := &session{mem: newMemory(id)}
	m.restoreSession(s, id)
	m.sessions[id] = s
	return s, true
}

// peek looks a session up without creating it.
func (m *Manager) peek(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) restoreSession(s *session, id string) {
	if m.store == nil {
		return
	}
	data, err := m.store.LoadSnapshot(id)
	if err != nil {
		m.logger.Warn("snapshot load for session %s failed, starting fresh: %v", id, err)
		return
	}
	if data == nil {
		return
	}
	if err := restoreSnapshot(s.mem, data); err != nil {
		m.logger.Warn("snapshot for session %s is unreadable, starting fresh: %v", id, err)
		s.mem = newMemory(id)
		return
	}
	s.restored = true
	m.logger.Info("session %s restored: %d recent messages, %d summaries", id, len(s.mem.recent), len(s.mem.bank.summaries))
}

func retainCount(maxRecent int) int {
	return int(math.Floor(float64(maxRecent) * retainFraction))
}

// maybeSummarizeLocked launches a summarization pass when the rolling
// buffer is over either threshold. Caller holds s.mu.
func (m *Manager) maybeSummarizeLocked(s *session) {
	if s.summarizing {
		return
	}
	mem := s.mem
	if len(mem.recent) <= m.cfg.MaxRecentMessages && mem.recentTokens() <= m.cfg.SummarizeMaxTokens {
		return
	}
	retain := retainCount(m.cfg.MaxRecentMessages)
	if len(mem.recent) <= retain {
		return
	}
	batch := make([]RawMessage, len(mem.recent)-retain)
	copy(batch, mem.recent[:len(mem.recent)-retain])

	s.summarizing = true
	m.wg.Add(1)
	go m.runSummarize(s, batch)
}

func (m *Manager) runSummarize(s *session, batch []RawMessage) {
	defer m.wg.Done()

	sessionID := s.mem.sessionID
	text, err := m.aux.summarize(m.ctx, batch)
	if err != nil {
		s.mu.Lock()
		s.summarizing = false
		s.mu.Unlock()
		if m.ctx.Err() != nil {
			m.logger.Debug("summarization for session %s aborted during shutdown", sessionID)
			return
		}
		m.logger.Warn("summarization for session %s failed, keeping %d raw messages: %v", sessionID, len(batch), err)
		return
	}

	now := m.now()
	ids := make(map[string]bool, len(batch))
	originals := make([]string, 0, len(batch))
	for _, msg := range batch {
		ids[msg.ID] = true
		originals = append(originals, msg.ID)
	}
	entry := SummaryEntry{
		ID:                 uuid.New().String(),
		Summary:            text,
		OriginalMessageIDs: originals,
		CreatedAt:          now,
		Category:           CategoryConversation,
		Tokens:             m.estimator.Estimate(text),
	}

	s.mu.Lock()
	s.mem.dropByID(ids)
	s.mem.bank.append(entry)
	s.mem.summarizations++
	s.mem.lastSummarized = now
	s.summarizing = false
	// Messages that arrived mid-pass may already warrant another pass.
	m.maybeSummarizeLocked(s)
	m.maybeCompressLocked(s)
	data, merr := marshalSnapshot(s.mem, now)
	s.mu.Unlock()

	m.logger.Info("session %s summarized %d messages into %d tokens", sessionID, len(batch), entry.Tokens)
	m.saveSnapshot(sessionID, data, merr)
}

// maybeCompressLocked launches a bank compression when the bank is over its
// trigger and has at least compressionFloor entries. Caller holds s.mu.
func (m *Manager) maybeCompressLocked(s *session) {
	if s.compressing {
		return
	}
	b := &s.mem.bank
	if len(b.summaries) < compressionFloor {
		return
	}
	if float64(b.totalTokens) <= float64(m.cfg.BankTokenCap)*m.cfg.CompressionThreshold {
		return
	}
	// Everything but the newest entry gets merged.
	batch := make([]SummaryEntry, len(b.summaries)-1)
	copy(batch, b.summaries[:len(b.summaries)-1])

	s.compressing = true
	m.wg.Add(1)
	go m.runCompress(s, batch)
}

func (m *Manager) runCompress(s *session, batch []SummaryEntry) {
	defer m.wg.Done()

	sessionID := s.mem.sessionID
	text, err := m.aux.compress(m.ctx, batch)
	if err != nil {
		s.mu.Lock()
		s.compressing = false
		s.mu.Unlock()
		if m.ctx.Err() != nil {
			m.logger.Debug("compression for session %s aborted during shutdown", sessionID)
			return
		}
		m.logger.Warn("compression for session %s failed, keeping %d summaries: %v", sessionID, len(batch), err)
		return
	}

	now := m.now()
	merged := make(map[string]bool, len(batch))
	var originals []string
	for _, entry := range batch {
		merged[entry.ID] = true
		originals = append(originals, entry.OriginalMessageIDs...)
	}
	meta := SummaryEntry{
		ID:                 uuid.New().String(),
		Summary:            text,
		OriginalMessageIDs: originals,
		CreatedAt:          now,
		Category:           CategoryMeta,
		Tokens:             m.estimator.Estimate(text),
	}

	s.mu.Lock()
	before := s.mem.bank.totalTokens
	s.mem.bank.replace(merged, meta)
	s.mem.compressions++
	s.mem.lastCompressed = now
	s.compressing = false
	m.maybeCompressLocked(s)
	data, merr := marshalSnapshot(s.mem, now)
	after := s.mem.bank.totalTokens
	s.mu.Unlock()

	m.logger.Info("session %s compressed %d summaries: bank %d -> %d tokens", sessionID, len(batch), before, after)
	m.saveSnapshot(sessionID, data, merr)
}

func (m *Manager) saveSnapshot(sessionID string, data []byte, merr error) {
	if m.store == nil {
		return
	}
	if merr != nil {
		m.logger.Warn("snapshot marshal for session %s failed: %v", sessionID, merr)
		return
	}
	if err := m.store.SaveSnapshot(sessionID, data); err != nil {
		m.logger.Warn("snapshot save for session %s failed: %v", sessionID, err)
	}
}
