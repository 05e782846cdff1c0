package provider

import (
	"log"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator produces deterministic token counts for providers that omit
// usage reporting. Name() is surfaced in the response usage so downstream
// cost figures can be told apart from provider-exact numbers.
type TokenEstimator interface {
	Name() string
	Count(text string) int
}

// NewEstimator returns the cl100k_base tokenizer when its encoding is
// available, falling back to whitespace counting otherwise.
func NewEstimator() TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("WARN tokenizer: cl100k_base unavailable, falling back to whitespace counting: %v", err)
		return WhitespaceEstimator{}
	}
	return &tiktokenEstimator{enc: enc}
}

type tiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Name() string { return "tiktoken-cl100k" }

func (e *tiktokenEstimator) Count(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// WhitespaceEstimator counts whitespace-separated tokens. Crude, but
// deterministic and dependency-free.
type WhitespaceEstimator struct{}

func (WhitespaceEstimator) Name() string { return "whitespace" }

func (WhitespaceEstimator) Count(text string) int {
	return len(strings.Fields(text))
}

// RequestText joins the request text handed to the estimator, the system
// prompt plus whichever message texts the caller counts. The adapters pass
// the last user message, matching the heuristic the usage marker names.
func RequestText(system string, texts ...string) string {
	var sb strings.Builder
	sb.WriteString(system)
	for _, t := range texts {
		if sb.Len() > 0 && t != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(t)
	}
	return sb.String()
}
