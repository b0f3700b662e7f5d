package ports

import (
	"context"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

// SearchBackend runs lexical and nearest-neighbor search over one collection.
type SearchBackend interface {
	SearchLexical(ctx context.Context, queryText string, limit int) ([]domain.RawHit, error)
	SearchVector(ctx context.Context, queryVector []float32, limit int) ([]domain.RawHit, error)
}

// Embedder builds vectors for query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// TextGenerator returns generated text for a prompt and optional system instruction.
type TextGenerator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (string, error)
}

// CrossEncoder scores a batch of texts against a query.
// The returned slice is aligned with texts.
type CrossEncoder interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// PipelineObserver receives per-stage and per-run measurements.
type PipelineObserver interface {
	ObserveStage(stage domain.PipelineState, outcome string, duration time.Duration)
	ObserveFallback(stage domain.PipelineState, reason string)
	ObserveRun(verdict domain.Verdict, results int, duration time.Duration)
}
