package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

const tracerName = "github.com/kirillkom/ragfusion/internal/core/usecase"

const (
	outcomeOK       = "ok"
	outcomeFallback = "fallback"
	outcomeSkipped  = "skipped"
)

type PipelineStages struct {
	Expander    *QueryExpander
	Retriever   *HybridRetriever
	Reranker    *Reranker
	Synthesizer *AnswerSynthesizer
	Verifier    *GroundingVerifier
}

type PipelineOptions struct {
	DefaultExpansionCount int
	DefaultTopK           int
	DefaultAlpha          float64
	PreviewChars          int
	// Deadline bounds a whole run; zero disables it.
	Deadline time.Duration
}

// Pipeline runs one linear pass from query expansion to verification.
// Stage failures degrade the result instead of failing the run.
type Pipeline struct {
	stages   PipelineStages
	opts     PipelineOptions
	observer ports.PipelineObserver
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewPipeline(stages PipelineStages, opts PipelineOptions, observer ports.PipelineObserver, logger *slog.Logger) *Pipeline {
	if opts.DefaultExpansionCount <= 0 {
		opts.DefaultExpansionCount = 5
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	if opts.DefaultAlpha < 0 || opts.DefaultAlpha > 1 || math.IsNaN(opts.DefaultAlpha) {
		opts.DefaultAlpha = 0.6
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = 500
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		stages:   stages,
		opts:     opts,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

func (p *Pipeline) Run(ctx context.Context, req domain.PipelineRequest) (*domain.PipelineResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "run pipeline", fmt.Errorf("query is required"))
	}

	expansionCount := req.ExpansionCount
	if expansionCount <= 0 {
		expansionCount = p.opts.DefaultExpansionCount
	}
	topK := req.TopK
	if topK <= 0 {
		topK = p.opts.DefaultTopK
	}
	alpha := req.Alpha
	if math.IsNaN(alpha) {
		alpha = p.opts.DefaultAlpha
	}
	alpha = clampUnit(alpha)

	if p.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Deadline)
		defer cancel()
	}

	run := &pipelineRun{
		pipeline: p,
		started:  time.Now(),
		report: domain.PipelineReport{
			RunID: uuid.NewString(),
			State: domain.StateInit,
			Parameters: domain.PipelineParameters{
				Query:                query,
				ExpansionCount:       expansionCount,
				TopK:                 topK,
				Alpha:                alpha,
				CandidateCap:         p.stages.Retriever.CandidateCap(),
				RerankerModel:        p.stages.Reranker.Model(),
				VerificationSeverity: string(p.stages.Verifier.Severity()),
			},
		},
	}
	run.logger = p.logger.With("run_id", run.report.RunID)

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", run.report.RunID),
		attribute.Int("expansion_count", expansionCount),
		attribute.Int("top_k", topK),
		attribute.Float64("alpha", alpha),
	))
	defer span.End()

	result := run.execute(ctx, query, expansionCount, topK, alpha)

	span.SetAttributes(
		attribute.String("verdict", string(result.Answer.Verdict)),
		attribute.Int("results", len(result.RankedResults)),
	)
	return result, nil
}

type pipelineRun struct {
	pipeline *Pipeline
	logger   *slog.Logger
	started  time.Time
	report   domain.PipelineReport
	expired  bool
}

func (r *pipelineRun) execute(ctx context.Context, query string, expansionCount, topK int, alpha float64) *domain.PipelineResult {
	stages := r.pipeline.stages

	variants := r.expand(ctx, stages.Expander, query, expansionCount)

	candidates := r.retrieve(ctx, stages.Retriever, variants, alpha)
	if len(candidates) == 0 {
		reason := domain.ReasonNoEvidence
		if r.expired {
			reason = domain.ReasonDeadlineExceeded
		}
		return r.finish(domain.SuppressedAnswer(reason), nil)
	}

	ranked := r.rerank(ctx, stages.Reranker, query, candidates, topK)

	synthesis, answer, ok := r.synthesize(ctx, stages.Synthesizer, query, ranked)
	if !ok {
		return r.finish(answer, ranked)
	}

	return r.finish(r.verify(ctx, stages.Verifier, query, synthesis), ranked)
}

func (r *pipelineRun) expand(ctx context.Context, expander *QueryExpander, query string, n int) []string {
	stageCtx, done := r.enter(ctx, domain.StateExpanding)
	if r.deadlineHit(stageCtx, domain.StateExpanding) {
		done(outcomeSkipped, nil)
		r.report.IntermediateSteps.GeneratedQueries = []string{query}
		r.report.Statistics.GeneratedQueries = 1
		return []string{query}
	}

	expansion := expander.Expand(stageCtx, query, n)
	outcome := outcomeOK
	if expansion.Fallback {
		outcome = outcomeFallback
		r.fallback(domain.StateExpanding, "expansion_fallback", expansion.Err)
	}
	done(outcome, expansion.Err)

	r.report.IntermediateSteps.GeneratedQueries = expansion.Queries
	r.report.Statistics.GeneratedQueries = len(expansion.Queries)
	return expansion.Queries
}

func (r *pipelineRun) retrieve(ctx context.Context, retriever *HybridRetriever, variants []string, alpha float64) []domain.Candidate {
	stageCtx, done := r.enter(ctx, domain.StateRetrieving)
	if r.deadlineHit(stageCtx, domain.StateRetrieving) {
		done(outcomeSkipped, nil)
		return nil
	}

	retrieval := retriever.Retrieve(stageCtx, variants, alpha)
	outcome := outcomeOK
	if retrieval.FailedBranches > 0 {
		outcome = outcomeFallback
		r.fallback(domain.StateRetrieving, "retrieval_branch_failed", nil)
	}
	done(outcome, nil)
	r.deadlineHit(stageCtx, domain.StateRetrieving)

	r.report.Statistics.InitialCandidates = retrieval.InitialHits
	r.report.Statistics.DeduplicatedCandidates = retrieval.Deduplicated
	r.report.Statistics.FailedBranches = retrieval.FailedBranches
	return retrieval.Candidates
}

func (r *pipelineRun) rerank(ctx context.Context, reranker *Reranker, query string, candidates []domain.Candidate, topK int) []domain.RankedCandidate {
	stageCtx, done := r.enter(ctx, domain.StateReranking)
	if r.deadlineHit(stageCtx, domain.StateReranking) {
		done(outcomeSkipped, nil)
		return fallbackRanking(candidates, topK)
	}

	r.report.Statistics.SentToReranker = len(candidates)
	ranked, err := reranker.RankCandidates(stageCtx, query, candidates, topK)
	if err != nil {
		r.fallback(domain.StateReranking, "rerank_fallback", err)
		done(outcomeFallback, err)
		return fallbackRanking(candidates, topK)
	}
	done(outcomeOK, nil)
	return ranked
}

// synthesize reports ok=false when there is no draft worth verifying;
// the returned answer is then final.
func (r *pipelineRun) synthesize(ctx context.Context, synthesizer *AnswerSynthesizer, query string, ranked []domain.RankedCandidate) (SynthesisResult, domain.Answer, bool) {
	stageCtx, done := r.enter(ctx, domain.StateSynthesizing)
	if r.deadlineHit(stageCtx, domain.StateSynthesizing) {
		done(outcomeSkipped, nil)
		return SynthesisResult{}, domain.SuppressedAnswer(domain.ReasonDeadlineExceeded), false
	}

	synthesis, err := synthesizer.Synthesize(stageCtx, query, ranked)
	if err != nil {
		reason := domain.ReasonSynthesisFailed
		if r.deadlineHit(stageCtx, domain.StateSynthesizing) {
			reason = domain.ReasonDeadlineExceeded
		}
		r.fallback(domain.StateSynthesizing, reason, err)
		done(outcomeFallback, err)
		return synthesis, domain.SuppressedAnswer(reason), false
	}
	if synthesis.Draft == "" {
		r.fallback(domain.StateSynthesizing, domain.ReasonEmptyDraft, nil)
		done(outcomeFallback, nil)
		return synthesis, domain.SuppressedAnswer(domain.ReasonEmptyDraft), false
	}
	done(outcomeOK, nil)
	return synthesis, domain.Answer{}, true
}

func (r *pipelineRun) verify(ctx context.Context, verifier *GroundingVerifier, query string, synthesis SynthesisResult) domain.Answer {
	answer := domain.Answer{Text: synthesis.Draft, Verdict: domain.VerdictRelevant}

	stageCtx, done := r.enter(ctx, domain.StateVerifying)
	if r.deadlineHit(stageCtx, domain.StateVerifying) {
		r.fallback(domain.StateVerifying, "verification_skipped", nil)
		done(outcomeSkipped, nil)
		return answer
	}

	verification := verifier.Verify(stageCtx, query, synthesis.Context, synthesis.Draft)
	switch {
	case verification.Skipped:
		done(outcomeSkipped, nil)
	case verification.Err != nil:
		r.fallback(domain.StateVerifying, "verification_fail_open", verification.Err)
		done(outcomeFallback, verification.Err)
	default:
		done(outcomeOK, nil)
	}

	if verification.Verdict == domain.VerdictOffTopic {
		return domain.Answer{Text: domain.NotRelevantAnswer, Verdict: domain.VerdictOffTopic, Reason: domain.ReasonOffTopic}
	}
	return answer
}

// enter moves the run to state and returns a callback that records the stage.
func (r *pipelineRun) enter(ctx context.Context, state domain.PipelineState) (context.Context, func(outcome string, err error)) {
	r.logger.Debug("pipeline_state", "from", r.report.State, "to", state)
	r.report.State = state

	stageCtx, span := r.pipeline.tracer.Start(ctx, "pipeline."+string(state))
	started := time.Now()
	return stageCtx, func(outcome string, err error) {
		elapsed := time.Since(started)
		r.recordTiming(state, elapsed)
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.pipeline.observer.ObserveStage(state, outcome, elapsed)
	}
}

func (r *pipelineRun) deadlineHit(ctx context.Context, state domain.PipelineState) bool {
	if r.expired {
		return true
	}
	err := ctx.Err()
	if err == nil {
		return false
	}
	r.expired = true
	reason := domain.ReasonDeadlineExceeded
	if errors.Is(err, context.Canceled) {
		reason = "request_canceled"
	}
	r.fallback(state, reason, err)
	return true
}

func (r *pipelineRun) fallback(state domain.PipelineState, reason string, err error) {
	r.report.Fallbacks = append(r.report.Fallbacks, string(state)+":"+reason)
	r.pipeline.observer.ObserveFallback(state, reason)
	if err != nil {
		r.logger.Warn("pipeline_fallback", "stage", state, "reason", reason, "error", err)
		return
	}
	r.logger.Warn("pipeline_fallback", "stage", state, "reason", reason)
}

func (r *pipelineRun) recordTiming(state domain.PipelineState, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	switch state {
	case domain.StateExpanding:
		r.report.TimingsMS.QueryGeneration = ms
	case domain.StateRetrieving:
		r.report.TimingsMS.CandidateRetrieval = ms
	case domain.StateReranking:
		r.report.TimingsMS.Reranking = ms
	case domain.StateSynthesizing:
		r.report.TimingsMS.SummaryGeneration = ms
	case domain.StateVerifying:
		r.report.TimingsMS.AnswerVerification = ms
	}
}

func (r *pipelineRun) finish(answer domain.Answer, ranked []domain.RankedCandidate) *domain.PipelineResult {
	results := toRankedResults(ranked, r.pipeline.opts.PreviewChars)
	elapsed := time.Since(r.started)

	r.report.State = domain.StateDone
	r.report.Statistics.FinalResults = len(results)
	r.report.TimingsMS.Total = elapsed.Milliseconds()

	r.pipeline.observer.ObserveRun(answer.Verdict, len(results), elapsed)
	r.logger.Info("pipeline_completed",
		"verdict", answer.Verdict,
		"reason", answer.Reason,
		"queries", r.report.Statistics.GeneratedQueries,
		"candidates", r.report.Statistics.DeduplicatedCandidates,
		"results", len(results),
		"fallbacks", len(r.report.Fallbacks),
		"duration_ms", r.report.TimingsMS.Total,
	)

	return &domain.PipelineResult{
		Answer:        answer,
		RankedResults: results,
		Report:        r.report,
	}
}

func toRankedResults(ranked []domain.RankedCandidate, previewChars int) []domain.RankedResult {
	out := make([]domain.RankedResult, 0, len(ranked))
	for _, c := range ranked {
		keywords := c.Fields.Keywords
		if keywords == nil {
			keywords = []string{}
		}
		out = append(out, domain.RankedResult{
			DocumentID:     c.DocumentID,
			Title:          c.Fields.Title,
			Abstract:       c.Fields.Abstract,
			Keywords:       keywords,
			CombinedScore:  c.CombinedScore,
			RerankScore:    c.RerankScore,
			ContentPreview: contentPreview(c.Fields, previewChars),
		})
	}
	return out
}

func contentPreview(fields domain.DocumentFields, limit int) string {
	text := strings.TrimSpace(fields.Body)
	if text == "" {
		text = strings.TrimSpace(fields.Abstract)
	}
	preview, cut := truncateRunes(text, limit)
	if cut {
		return preview + "..."
	}
	return preview
}

type noopObserver struct{}

func (noopObserver) ObserveStage(domain.PipelineState, string, time.Duration) {}
func (noopObserver) ObserveFallback(domain.PipelineState, string)            {}
func (noopObserver) ObserveRun(domain.Verdict, int, time.Duration)           {}
