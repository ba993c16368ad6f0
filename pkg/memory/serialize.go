package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"cadence/pkg/llm"
)

// Snapshot mirror structs. Timestamps travel as Unix seconds so snapshots
// stay readable and diffable in the store.

//nolint:govet // field order mirrors the rendered JSON
type snapshotMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Tokens    int    `json:"tokens"`
}

//nolint:govet // field order mirrors the rendered JSON
type snapshotSummary struct {
	ID                 string   `json:"id"`
	Summary            string   `json:"summary"`
	OriginalMessageIDs []string `json:"original_message_ids,omitempty"`
	CreatedAt          int64    `json:"created_at"`
	Category           string   `json:"category"`
	Tokens             int      `json:"tokens"`
}

//nolint:govet // field order mirrors the rendered JSON
type snapshot struct {
	SessionID      string            `json:"session_id"`
	Recent         []snapshotMessage `json:"recent,omitempty"`
	Summaries      []snapshotSummary `json:"summaries,omitempty"`
	BankVersion    int               `json:"bank_version"`
	Interactions   int               `json:"interactions"`
	Summarizations int               `json:"summarizations"`
	Compressions   int               `json:"compressions"`
	LastSummarized int64             `json:"last_summarized,omitempty"`
	LastCompressed int64             `json:"last_compressed,omitempty"`
	SavedAt        int64             `json:"saved_at"`
}

func marshalSnapshot(mem *Memory, now time.Time) ([]byte, error) {
	snap := snapshot{
		SessionID:      mem.sessionID,
		BankVersion:    mem.bank.version,
		Interactions:   mem.interactions,
		Summarizations: mem.summarizations,
		Compressions:   mem.compressions,
		SavedAt:        now.Unix(),
	}
	if !mem.lastSummarized.IsZero() {
		snap.LastSummarized = mem.lastSummarized.Unix()
	}
	if !mem.lastCompressed.IsZero() {
		snap.LastCompressed = mem.lastCompressed.Unix()
	}
	for _, msg := range mem.recent {
		snap.Recent = append(snap.Recent, snapshotMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Text:      msg.Text,
			Timestamp: msg.Timestamp.Unix(),
			Tokens:    msg.Tokens,
		})
	}
	for _, entry := range mem.bank.summaries {
		snap.Summaries = append(snap.Summaries, snapshotSummary{
			ID:                 entry.ID,
			Summary:            entry.Summary,
			OriginalMessageIDs: entry.OriginalMessageIDs,
			CreatedAt:          entry.CreatedAt.Unix(),
			Category:           entry.Category,
			Tokens:             entry.Tokens,
		})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal memory snapshot: %w", err)
	}
	return data, nil
}

// restoreSnapshot rebuilds mem from a stored snapshot. The bank token total
// is recomputed from the entries rather than trusted from the blob.
func restoreSnapshot(mem *Memory, data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal memory snapshot: %w", err)
	}
	if snap.SessionID != "" && snap.SessionID != mem.sessionID {
		return fmt.Errorf("snapshot belongs to session %q, not %q", snap.SessionID, mem.sessionID)
	}

	mem.recent = mem.recent[:0]
	for _, msg := range snap.Recent {
		mem.recent = append(mem.recent, RawMessage{
			ID:        msg.ID,
			Role:      llm.Role(msg.Role),
			Text:      msg.Text,
			Timestamp: time.Unix(msg.Timestamp, 0),
			Tokens:    msg.Tokens,
		})
	}
	mem.bank.summaries = mem.bank.summaries[:0]
	mem.bank.totalTokens = 0
	for _, entry := range snap.Summaries {
		mem.bank.summaries = append(mem.bank.summaries, SummaryEntry{
			ID:                 entry.ID,
			Summary:            entry.Summary,
			OriginalMessageIDs: entry.OriginalMessageIDs,
			CreatedAt:          time.Unix(entry.CreatedAt, 0),
			Category:           entry.Category,
			Tokens:             entry.Tokens,
		})
		mem.bank.totalTokens += entry.Tokens
	}
	mem.bank.version = snap.BankVersion
	mem.interactions = snap.Interactions
	mem.summarizations = snap.Summarizations
	mem.compressions = snap.Compressions
	if snap.LastSummarized != 0 {
		mem.lastSummarized = time.Unix(snap.LastSummarized, 0)
	}
	if snap.LastCompressed != 0 {
		mem.lastCompressed = time.Unix(snap.LastCompressed, 0)
	}
	return nil
}
