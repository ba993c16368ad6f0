package tokenest

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// BPE estimates with a real byte-pair tokenizer (cl100k_base). Still an
// approximation for non-OpenAI providers, but a closer one than the character
// heuristics. Applies the same framing overhead and floor as the heuristic so
// the two are interchangeable.
type BPE struct {
	codec tokenizer.Codec
}

// NewBPE loads the cl100k_base codec.
func NewBPE() (*BPE, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to load cl100k_base codec: %w", err)
	}
	return &BPE{codec: codec}, nil
}

// Estimate implements Estimator.
func (b *BPE) Estimate(text string) int {
	return b.EstimateHint(text, KindAuto)
}

// EstimateHint implements Estimator. The hint is ignored; the tokenizer does
// not care what the text looks like.
func (b *BPE) EstimateHint(text string, _ ContentKind) int {
	if len(text) == 0 {
		return floorTokens
	}

	count, err := b.codec.Count(text)
	if err != nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token).
		count = len(text) / 4
	}

	total := count + overheadTokens
	if total < floorTokens {
		total = floorTokens
	}
	return total
}
