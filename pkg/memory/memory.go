// Package memory keeps per-session conversation state bounded: a rolling
// buffer of verbatim messages plus a capped bank of summaries. When the
// buffer outgrows its thresholds, older messages are summarized through the
// scheduler on the lite model key; when the bank outgrows its cap, older
// summaries are merged into one coarser entry. Both run asynchronously and
// never block message intake, and both leave state untouched on failure.
package memory

import (
	"time"

	"github.com/google/uuid"

	"cadence/pkg/llm"
)

// Summary categories.
const (
	// CategoryConversation marks a summary produced directly from raw
	// messages.
	CategoryConversation = "conversation"
	// CategoryMeta marks a summary produced by merging older summaries.
	CategoryMeta = "meta"
)

// RawMessage is one verbatim conversation message with its cached token
// estimate.
type RawMessage struct {
	ID        string
	Role      llm.Role
	Text      string
	Timestamp time.Time
	Tokens    int
}

// SummaryEntry is one condensed block of conversation history. Immutable
// once created; compression supersedes entries rather than editing them.
type SummaryEntry struct {
	ID                 string
	Summary            string
	OriginalMessageIDs []string
	CreatedAt          time.Time
	Category           string
	Tokens             int
}

// bank is the capped summary store.
type bank struct {
	summaries   []SummaryEntry
	totalTokens int
	version     int
}

func (b *bank) append(entry SummaryEntry) {
	b.summaries = append(b.summaries, entry)
	b.totalTokens += entry.Tokens
	b.version++
}

// replace swaps the entries named by merged for the single meta entry,
// keeping everything else (including summaries appended while compression
// was in flight) in order behind it.
func (b *bank) replace(merged map[string]bool, meta SummaryEntry) {
	kept := make([]SummaryEntry, 0, len(b.summaries))
	kept = append(kept, meta)
	total := meta.Tokens
	for _, entry := range b.summaries {
		if merged[entry.ID] {
			continue
		}
		kept = append(kept, entry)
		total += entry.Tokens
	}
	b.summaries = kept
	b.totalTokens = total
	b.version++
}

// Stats is a read-only view of one session's memory state.
type Stats struct {
	SessionID        string
	RecentMessages   int
	RecentTokens     int
	BankSummaries    int
	BankTokens       int
	BankVersion      int
	Interactions     int
	Summarizations   int
	Compressions     int
	LastSummarizedAt time.Time
	LastCompressedAt time.Time
}

// Memory is the per-session aggregate. It is owned by the Manager and
// mutated only under the owning session's lock.
type Memory struct {
	sessionID string
	recent    []RawMessage
	bank      bank

	interactions   int
	summarizations int
	compressions   int
	lastSummarized time.Time
	lastCompressed time.Time
}

func newMemory(sessionID string) *Memory {
	return &Memory{sessionID: sessionID}
}

func (m *Memory) add(role llm.Role, text string, tokens int, now time.Time) RawMessage {
	msg := RawMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: now,
		Tokens:    tokens,
	}
	m.recent = append(m.recent, msg)
	m.interactions++
	return msg
}

func (m *Memory) recentTokens() int {
	total := 0
	for i := range m.recent {
		total += m.recent[i].Tokens
	}
	return total
}

// dropByID removes the messages named by ids, preserving order of the rest.
func (m *Memory) dropByID(ids map[string]bool) {
	kept := m.recent[:0]
	for _, msg := range m.recent {
		if !ids[msg.ID] {
			kept = append(kept, msg)
		}
	}
	m.recent = kept
}

func (m *Memory) stats() Stats {
	return Stats{
		SessionID:        m.sessionID,
		RecentMessages:   len(m.recent),
		RecentTokens:     m.recentTokens(),
		BankSummaries:    len(m.bank.summaries),
		BankTokens:       m.bank.totalTokens,
		BankVersion:      m.bank.version,
		Interactions:     m.interactions,
		Summarizations:   m.summarizations,
		Compressions:     m.compressions,
		LastSummarizedAt: m.lastSummarized,
		LastCompressedAt: m.lastCompressed,
	}
}
