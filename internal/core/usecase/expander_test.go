package usecase

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

func TestParseExpansionLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "numbered and bulleted",
			raw:  "1. transformer model\n2) \"self-attention networks\"\n- encoder decoder\n",
			want: []string{"transformer model", "self-attention networks", "encoder decoder"},
		},
		{
			name: "blank lines and quotes",
			raw:  "\n  'attention mechanism'  \n\n“neural translation”\n",
			want: []string{"attention mechanism", "neural translation"},
		},
		{
			name: "multi digit enumeration",
			raw:  "10. tenth query",
			want: []string{"tenth query"},
		},
		{
			name: "quoted numbered line",
			raw:  "\"1. What is self-attention?\"",
			want: []string{"What is self-attention?"},
		},
		{
			name: "bullet before number",
			raw:  "- 1. What is self-attention?",
			want: []string{"What is self-attention?"},
		},
		{
			name: "single quoted parenthesis enumeration",
			raw:  "'2) Transformer encoder design'",
			want: []string{"Transformer encoder design"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseExpansionLines(tc.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseExpansionLinesRejectsEmptyOutput(t *testing.T) {
	_, err := parseExpansionLines(" \n - \n\"\"\n")
	if !domain.IsKind(err, domain.ErrUnparseable) {
		t.Fatalf("expected unparseable error, got %v", err)
	}
}

func TestQueryExpanderKeepsOriginalAndBoundsVariants(t *testing.T) {
	gen := &fakeGenerator{responses: map[domain.GenerationRole]string{
		domain.RoleExpansion: "What is the Transformer architecture?\n1. transformer model\n2. attention is all you need\n3. seq2seq attention",
	}}
	expander := NewQueryExpander(gen, 0)

	res := expander.Expand(context.Background(), "What is the Transformer architecture?", 3)
	want := []string{"What is the Transformer architecture?", "transformer model", "attention is all you need"}
	if !reflect.DeepEqual(res.Queries, want) {
		t.Fatalf("expected %q, got %q", want, res.Queries)
	}
	if res.Fallback {
		t.Fatalf("did not expect fallback")
	}

	calls := gen.callsFor(domain.RoleExpansion)
	if len(calls) != 1 {
		t.Fatalf("expected exactly one generation call, got %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "Generate 2 alternative") {
		t.Fatalf("expected prompt to request n-1 expansions, got %q", calls[0].Prompt)
	}
	if !strings.Contains(calls[0].System, "one query per line") {
		t.Fatalf("unexpected system prompt: %q", calls[0].System)
	}
}

func TestQueryExpanderFallsBackToOriginalQuery(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{
			name: "generator error",
			gen:  &fakeGenerator{errs: map[domain.GenerationRole]error{domain.RoleExpansion: errors.New("connection refused")}},
		},
		{
			name: "garbage output",
			gen:  &fakeGenerator{responses: map[domain.GenerationRole]string{domain.RoleExpansion: "\n  \n--\n"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := NewQueryExpander(tc.gen, 0).Expand(context.Background(), "q", 4)
			if !reflect.DeepEqual(res.Queries, []string{"q"}) {
				t.Fatalf("expected fallback to original query, got %q", res.Queries)
			}
			if !res.Fallback || res.Err == nil {
				t.Fatalf("expected fallback with error, got %+v", res)
			}
		})
	}
}

func TestQueryExpanderSingleVariantSkipsGeneration(t *testing.T) {
	gen := &fakeGenerator{}
	res := NewQueryExpander(gen, 0).Expand(context.Background(), "q", 1)
	if !reflect.DeepEqual(res.Queries, []string{"q"}) {
		t.Fatalf("expected only original query, got %q", res.Queries)
	}
	if len(gen.calls) != 0 {
		t.Fatalf("expected no generation call, got %d", len(gen.calls))
	}
}
