package memory

import (
	"context"
	"fmt"
	"strings"

	"cadence/pkg/config"
	"cadence/pkg/llm"
	"cadence/pkg/scheduler"
)

// summaryOutputTokens caps the model output for summarization and
// compression calls. Summaries that need more than this are doing it wrong.
const summaryOutputTokens = 1024

const summarizeInstruction = `Condense the conversation below into a compact summary for long-term memory.
Keep, as terse bullet points: stated goals and requirements, decisions and
their reasons, facts established about the codebase or environment, and
errors that were hit along with how they were resolved. Drop greetings,
repetition, and anything restated later. Do not add commentary or headers.`

const compressInstruction = `The notes below are earlier summaries of one long conversation, oldest first.
Merge them into a single project memory: deduplicate, drop superseded
details, and keep every goal, decision, constraint, and resolved error that
still matters. Stay in terse bullet points. Do not add commentary or headers.`

// auxClient issues the manager's own model calls through the scheduler, so
// they are paced and rate-limited like any other request.
type auxClient struct {
	submit Submitter
	model  config.ModelKey
}

func (a *auxClient) summarize(ctx context.Context, batch []RawMessage) (string, error) {
	var b strings.Builder
	b.WriteString(summarizeInstruction)
	b.WriteString("\n\nConversation:\n\n")
	for _, msg := range batch {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Text)
		b.WriteByte('\n')
	}
	return a.call(ctx, b.String())
}

func (a *auxClient) compress(ctx context.Context, entries []SummaryEntry) (string, error) {
	var b strings.Builder
	b.WriteString(compressInstruction)
	b.WriteString("\n\nNotes:\n\n")
	for _, entry := range entries {
		b.WriteString(entry.Summary)
		b.WriteString("\n\n")
	}
	return a.call(ctx, b.String())
}

func (a *auxClient) call(ctx context.Context, prompt string) (string, error) {
	ticket, err := a.submit.Submit(scheduler.Request{
		Prompt: prompt,
		Model:  a.model,
		Mode:   scheduler.SystemNone,
		Config: llm.GenerationConfig{
			Temperature:     llm.Ptr(float32(llm.TemperatureSummarize)),
			MaxOutputTokens: summaryOutputTokens,
		},
	})
	if err != nil {
		return "", err
	}
	res, err := ticket.Wait(ctx)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("model %s returned an empty summary", res.Meta.Model)
	}
	return text, nil
}
