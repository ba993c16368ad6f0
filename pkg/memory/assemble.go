package memory

import (
	"fmt"
	"strings"
)

// Budget fractions for the optional tiers. Summaries and the prompt itself
// are always included; recent messages stop at recentBudgetFraction of the
// budget and additional context must fit under contextBudgetFraction.
const (
	recentBudgetFraction  = 0.8
	contextBudgetFraction = 0.9
)

// AssembleInput is one prompt-assembly request. A zero TokenBudget falls
// back to the configured default.
type AssembleInput struct {
	Prompt            string
	AdditionalContext string
	TokenBudget       int
}

// SectionTokens breaks an assembled prompt down by tier. Section framing is
// not counted; the totals are estimator output for the raw content.
type SectionTokens struct {
	Summaries int `json:"summaries"`
	Recent    int `json:"recent"`
	Context   int `json:"context"`
	Prompt    int `json:"prompt"`
	Total     int `json:"total"`
}

// Assembled is a rendered prompt plus what went into it.
type Assembled struct {
	Text              string
	SummariesIncluded int
	RecentIncluded    int
	ContextIncluded   bool
	Tokens            SectionTokens
}

// AssemblePrompt renders the session's memory around the given prompt.
// Summaries always make it in, then as many of the newest recent messages
// as fit, then the additional context if it fits, then the prompt itself.
// Two calls against unchanged memory produce identical output.
func (m *Manager) AssemblePrompt(sessionID string, in AssembleInput) (Assembled, error) {
	s, ok := m.session(sessionID)
	if !ok {
		return Assembled{}, fmt.Errorf("memory manager is closed")
	}
	budget := in.TokenBudget
	if budget <= 0 {
		budget = m.cfg.PromptTokenBudget
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mem := s.mem

	out := Assembled{
		SummariesIncluded: len(mem.bank.summaries),
		Tokens: SectionTokens{
			Summaries: mem.bank.totalTokens,
			Prompt:    m.estimator.Estimate(in.Prompt),
		},
	}

	// Walk recent messages newest first until the next one would push the
	// running total past the recent-tier cutoff.
	recentCap := int(float64(budget) * recentBudgetFraction)
	acc := out.Tokens.Summaries
	include := 0
	for i := len(mem.recent) - 1; i >= 0; i-- {
		if acc+mem.recent[i].Tokens > recentCap {
			break
		}
		acc += mem.recent[i].Tokens
		include++
	}
	selected := mem.recent[len(mem.recent)-include:]
	out.RecentIncluded = include
	out.Tokens.Recent = acc - out.Tokens.Summaries

	if in.AdditionalContext != "" {
		ct := m.estimator.Estimate(in.AdditionalContext)
		if acc+ct <= int(float64(budget)*contextBudgetFraction) {
			out.ContextIncluded = true
			out.Tokens.Context = ct
			acc += ct
		}
	}
	out.Tokens.Total = acc + out.Tokens.Prompt

	var b strings.Builder
	if len(mem.bank.summaries) > 0 {
		b.WriteString("## Project memory\n\n")
		for _, entry := range mem.bank.summaries {
			b.WriteString(entry.Summary)
			b.WriteString("\n\n")
		}
	}
	if len(selected) > 0 {
		b.WriteString("## Recent conversation\n\n")
		for _, msg := range selected {
			b.WriteString(string(msg.Role))
			b.WriteString(": ")
			b.WriteString(msg.Text)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if out.ContextIncluded {
		b.WriteString("## Context\n\n")
		b.WriteString(in.AdditionalContext)
		b.WriteString("\n\n")
	}
	if b.Len() > 0 {
		b.WriteString("## Request\n\n")
	}
	b.WriteString(in.Prompt)

	out.Text = b.String()
	return out, nil
}
