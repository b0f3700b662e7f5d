package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

const synthesisSystemPrompt = `You answer questions about a collection of documents.
Use only the information in the provided context.
Answer concisely.
If the context does not contain the information needed, say that you cannot answer from the available documents.
Never add facts, names or numbers that are not present in the context.`

type AnswerSynthesizer struct {
	generator       ports.TextGenerator
	contextMaxChars int
	timeout         time.Duration
}

type SynthesisResult struct {
	Draft   string
	Context string
	Called  bool
}

func NewAnswerSynthesizer(generator ports.TextGenerator, contextMaxChars int, timeout time.Duration) *AnswerSynthesizer {
	if contextMaxChars <= 0 {
		contextMaxChars = 12000
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnswerSynthesizer{
		generator:       generator,
		contextMaxChars: contextMaxChars,
		timeout:         timeout,
	}
}

func (s *AnswerSynthesizer) Synthesize(ctx context.Context, query string, ranked []domain.RankedCandidate) (SynthesisResult, error) {
	if len(ranked) == 0 {
		return SynthesisResult{Draft: domain.NoInformationAnswer}, nil
	}

	groundingContext := buildGroundingContext(ranked, s.contextMaxChars)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.generator.Generate(callCtx, domain.GenerationRequest{
		Role:   domain.RoleSynthesis,
		System: synthesisSystemPrompt,
		Prompt: buildSynthesisPrompt(query, groundingContext),
	})
	if err != nil {
		return SynthesisResult{Context: groundingContext, Called: true}, fmt.Errorf("generate answer: %w", err)
	}
	return SynthesisResult{
		Draft:   strings.TrimSpace(raw),
		Context: groundingContext,
		Called:  true,
	}, nil
}

func buildSynthesisPrompt(query, groundingContext string) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(groundingContext)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// buildGroundingContext renders one labeled block per document, cut at maxChars.
func buildGroundingContext(ranked []domain.RankedCandidate, maxChars int) string {
	var b strings.Builder
	remaining := maxChars
	for i, c := range ranked {
		if remaining <= 0 {
			break
		}
		title := strings.TrimSpace(c.Fields.Title)
		if title == "" {
			title = c.DocumentID
		}
		text := strings.TrimSpace(c.Fields.Body)
		if text == "" {
			text = strings.TrimSpace(c.Fields.Abstract)
		}

		block := fmt.Sprintf("[Document %d] %s\n%s", i+1, title, text)
		if i > 0 {
			block = "\n\n" + block
		}
		block, cut := truncateRunes(block, remaining)
		b.WriteString(block)
		if cut {
			break
		}
		remaining -= len([]rune(block))
	}
	return b.String()
}
