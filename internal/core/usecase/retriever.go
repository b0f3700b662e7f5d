package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

type RetrieverOptions struct {
	SearchLimit   int
	CandidateCap  int
	Concurrency   int
	SearchTimeout time.Duration
	EmbedTimeout  time.Duration
}

// HybridRetriever runs lexical and vector search for every query variant
// and fuses the hits into one ranked candidate pool.
type HybridRetriever struct {
	search   ports.SearchBackend
	embedder ports.Embedder
	opts     RetrieverOptions
	logger   *slog.Logger
}

type RetrievalResult struct {
	Candidates     []domain.Candidate
	InitialHits    int
	Deduplicated   int
	FailedBranches int
}

func NewHybridRetriever(search ports.SearchBackend, embedder ports.Embedder, opts RetrieverOptions, logger *slog.Logger) *HybridRetriever {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 50
	}
	if opts.CandidateCap <= 0 {
		opts.CandidateCap = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 10 * time.Second
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		search:   search,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
	}
}

func (r *HybridRetriever) CandidateCap() int {
	return r.opts.CandidateCap
}

// Retrieve never fails: a failed branch contributes no hits.
func (r *HybridRetriever) Retrieve(ctx context.Context, variants []string, alpha float64) RetrievalResult {
	hits := make([][]domain.RawHit, len(variants)*2)
	errs := make([]error, len(variants)*2)

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, variant := range variants {
		g.Go(func() error {
			hits[2*i], errs[2*i] = r.searchLexical(ctx, variant)
			return nil
		})
		g.Go(func() error {
			hits[2*i+1], errs[2*i+1] = r.searchVector(ctx, variant)
			return nil
		})
	}
	_ = g.Wait()

	result := RetrievalResult{}
	pool := newCandidatePool(len(variants) * r.opts.SearchLimit)
	for i, branch := range hits {
		if err := errs[i]; err != nil {
			result.FailedBranches++
			r.logger.Warn("retrieval_branch_failed",
				"variant", variants[i/2],
				"mode", branchMode(i),
				"error", err,
			)
			continue
		}
		result.InitialHits += len(branch)
		for _, hit := range branch {
			pool.merge(hit)
		}
	}

	result.Deduplicated = pool.len()
	result.Candidates = trimCandidates(FuseCandidates(pool.candidates(), alpha), r.opts.CandidateCap)
	return result
}

func (r *HybridRetriever) searchLexical(ctx context.Context, variant string) ([]domain.RawHit, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
	defer cancel()

	hits, err := r.search.SearchLexical(callCtx, variant, r.opts.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return withMode(hits, domain.RetrievalLexical), nil
}

func (r *HybridRetriever) searchVector(ctx context.Context, variant string) ([]domain.RawHit, error) {
	embedCtx, cancelEmbed := context.WithTimeout(ctx, r.opts.EmbedTimeout)
	vector, err := r.embedder.EmbedQuery(embedCtx, variant)
	cancelEmbed()
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("embed query: empty vector")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.SearchTimeout)
	defer cancel()

	hits, err := r.search.SearchVector(callCtx, vector, r.opts.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return withMode(hits, domain.RetrievalVector), nil
}

func withMode(hits []domain.RawHit, mode domain.RetrievalMode) []domain.RawHit {
	for i := range hits {
		hits[i].Mode = mode
	}
	return hits
}

func branchMode(index int) domain.RetrievalMode {
	if index%2 == 0 {
		return domain.RetrievalLexical
	}
	return domain.RetrievalVector
}
