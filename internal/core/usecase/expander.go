package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

const expansionSystemPrompt = "You are a query rewriting assistant for a document search engine. " +
	"Rewrite the user's question into alternative search queries that may surface relevant documents. " +
	"Output exactly one query per line with no numbering, quotes, explanations or additional text."

var enumerationMarker = regexp.MustCompile(`^(?:\d+[.)]|[-*•])\s*`)

const expansionTrimSet = " \t\r\"'`“”‘’-"

// QueryExpander asks the generator for alternative phrasings of a query.
type QueryExpander struct {
	generator ports.TextGenerator
	timeout   time.Duration
}

// ExpansionResult always holds at least the original query.
// Err is set when the generator failed or produced nothing usable.
type ExpansionResult struct {
	Queries  []string
	Fallback bool
	Err      error
}

func NewQueryExpander(generator ports.TextGenerator, timeout time.Duration) *QueryExpander {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &QueryExpander{generator: generator, timeout: timeout}
}

func (e *QueryExpander) Expand(ctx context.Context, query string, n int) ExpansionResult {
	if n <= 1 {
		return ExpansionResult{Queries: []string{query}}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.generator.Generate(callCtx, domain.GenerationRequest{
		Role:        domain.RoleExpansion,
		System:      expansionSystemPrompt,
		Prompt:      buildExpansionPrompt(query, n-1),
		Temperature: 0.3,
	})
	if err != nil {
		return ExpansionResult{Queries: []string{query}, Fallback: true, Err: fmt.Errorf("generate expansions: %w", err)}
	}

	lines, err := parseExpansionLines(raw)
	if err != nil {
		return ExpansionResult{Queries: []string{query}, Fallback: true, Err: err}
	}
	return ExpansionResult{Queries: buildVariants(query, lines, n)}
}

func buildExpansionPrompt(query string, count int) string {
	return fmt.Sprintf("Generate %d alternative search queries for the following question.\n\nQuestion: %s", count, query)
}

// parseExpansionLines extracts one query per non-blank line of model output.
func parseExpansionLines(raw string) ([]string, error) {
	out := make([]string, 0, 8)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.Trim(line, expansionTrimSet)
		line = enumerationMarker.ReplaceAllString(line, "")
		line = strings.Trim(line, expansionTrimSet)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return nil, domain.WrapError(domain.ErrUnparseable, "parse expansions", fmt.Errorf("no usable lines"))
	}
	return out, nil
}

// buildVariants puts the original query first and fills up to n distinct variants.
func buildVariants(query string, expansions []string, n int) []string {
	out := make([]string, 0, n)
	out = append(out, query)
	seen := map[string]struct{}{strings.ToLower(query): {}}
	for _, candidate := range expansions {
		if len(out) >= n {
			break
		}
		key := strings.ToLower(candidate)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, candidate)
	}
	return out
}
