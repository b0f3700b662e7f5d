package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

// RerankScore is one cross-encoder result, Index points into the scored batch.
type RerankScore struct {
	Index int
	Score float64
	Text  string
}

type Reranker struct {
	encoder   ports.CrossEncoder
	model     string
	bodyChars int
	timeout   time.Duration
}

func NewReranker(encoder ports.CrossEncoder, model string, bodyChars int, timeout time.Duration) *Reranker {
	if bodyChars <= 0 {
		bodyChars = 4000
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Reranker{
		encoder:   encoder,
		model:     model,
		bodyChars: bodyChars,
		timeout:   timeout,
	}
}

func (r *Reranker) Model() string {
	return r.model
}

// Rerank scores all texts in one batch call and returns at most topK results
// in descending score order.
func (r *Reranker) Rerank(ctx context.Context, query string, texts []string, topK int) ([]RerankScore, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if r.encoder == nil {
		return nil, domain.WrapError(domain.ErrUnavailable, "cross-encoder score", errors.New("no cross-encoder configured"))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scores, err := r.encoder.Score(callCtx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder score: %w", err)
	}
	if len(scores) != len(texts) {
		return nil, domain.WrapError(domain.ErrUnparseable, "cross-encoder score",
			fmt.Errorf("got %d scores for %d texts", len(scores), len(texts)))
	}
	return rankScores(texts, scores, topK), nil
}

// RankCandidates reranks the fused pool. On error the caller falls back to fallbackRanking.
func (r *Reranker) RankCandidates(ctx context.Context, query string, candidates []domain.Candidate, topK int) ([]domain.RankedCandidate, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = buildRerankText(c.Fields, r.bodyChars)
	}

	scored, err := r.Rerank(ctx, query, texts, topK)
	if err != nil {
		return nil, err
	}

	out := make([]domain.RankedCandidate, 0, len(scored))
	for _, s := range scored {
		ranked := domain.RankedCandidate{Candidate: candidates[s.Index]}
		// Non-finite scores cannot be encoded as JSON.
		if !math.IsInf(s.Score, 0) {
			score := s.Score
			ranked.RerankScore = &score
		}
		out = append(out, ranked)
	}
	return out, nil
}

// fallbackRanking keeps the combined-score order and leaves RerankScore unset.
func fallbackRanking(candidates []domain.Candidate, topK int) []domain.RankedCandidate {
	head := trimCandidates(candidates, topK)
	out := make([]domain.RankedCandidate, 0, len(head))
	for _, c := range head {
		out = append(out, domain.RankedCandidate{Candidate: c})
	}
	return out
}

func rankScores(texts []string, scores []float64, topK int) []RerankScore {
	out := make([]RerankScore, len(texts))
	for i := range texts {
		score := scores[i]
		if math.IsNaN(score) {
			score = math.Inf(-1)
		}
		out[i] = RerankScore{Index: i, Score: score, Text: texts[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Index < out[j].Index
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func buildRerankText(fields domain.DocumentFields, bodyChars int) string {
	parts := make([]string, 0, 3)
	if title := strings.TrimSpace(fields.Title); title != "" {
		parts = append(parts, title)
	}
	if abstract := strings.TrimSpace(fields.Abstract); abstract != "" {
		parts = append(parts, abstract)
	}
	if body := strings.TrimSpace(fields.Body); body != "" {
		body, _ = truncateRunes(body, bodyChars)
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n\n")
}
