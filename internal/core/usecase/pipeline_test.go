package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

const transformerQuery = "What is the Transformer architecture?"

type pipelineFixture struct {
	gen      *fakeGenerator
	search   *fakeSearch
	embedder *fakeEmbedder
	encoder  *fakeEncoder
	observer *recordingObserver
	opts     PipelineOptions
	severity VerificationSeverity
}

func newTransformerFixture() *pipelineFixture {
	return &pipelineFixture{
		gen: &fakeGenerator{responses: map[domain.GenerationRole]string{
			domain.RoleExpansion:    "1. transformer model\n2. attention is all you need",
			domain.RoleSynthesis:    "The Transformer is an encoder-decoder model built on self-attention.",
			domain.RoleVerification: "RELEVANT",
		}},
		search: &fakeSearch{
			lexical: map[string][]domain.RawHit{
				transformerQuery: {{DocumentID: "doc-a", Value: 8.0, Fields: domain.DocumentFields{
					Title:    "Attention Is All You Need",
					Abstract: "The dominant sequence transduction models...",
					Body:     "We propose a new simple network architecture, the Transformer.",
					Keywords: []string{"attention", "transformer"},
				}}},
				"transformer model": {{DocumentID: "doc-a", Value: 3.0}},
			},
			vector: map[float32][]domain.RawHit{
				1: {
					{DocumentID: "doc-a", Value: 0.9},
					{DocumentID: "doc-b", Value: 0.95, Fields: domain.DocumentFields{Title: "BERT", Body: "Bidirectional encoders."}},
				},
			},
		},
		embedder: &fakeEmbedder{dflt: []float32{1}},
		encoder: &fakeEncoder{scores: map[string]float64{
			"BERT\n\nBidirectional encoders.": 4.2,
		}},
		observer: &recordingObserver{},
		severity: SeverityTopic,
	}
}

func (f *pipelineFixture) build() *Pipeline {
	return NewPipeline(PipelineStages{
		Expander:    NewQueryExpander(f.gen, 0),
		Retriever:   NewHybridRetriever(f.search, f.embedder, RetrieverOptions{}, nil),
		Reranker:    NewReranker(f.encoder, "BAAI/bge-reranker-v2-m3", 0, 0),
		Synthesizer: NewAnswerSynthesizer(f.gen, 0, 0),
		Verifier:    NewGroundingVerifier(f.gen, f.severity, 0),
	}, f.opts, f.observer, nil)
}

func TestPipelineRunTransformerScenario(t *testing.T) {
	fx := newTransformerFixture()

	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{
		Query:          transformerQuery,
		ExpansionCount: 3,
		TopK:           5,
		Alpha:          0.6,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Answer.Verdict != domain.VerdictRelevant || !strings.Contains(res.Answer.Text, "self-attention") {
		t.Fatalf("unexpected answer: %+v", res.Answer)
	}
	if len(res.RankedResults) != 2 {
		t.Fatalf("expected 2 ranked results, got %d", len(res.RankedResults))
	}
	first, second := res.RankedResults[0], res.RankedResults[1]
	if first.DocumentID != "doc-b" || second.DocumentID != "doc-a" {
		t.Fatalf("expected reranked order [doc-b doc-a], got [%s %s]", first.DocumentID, second.DocumentID)
	}
	if first.RerankScore == nil || *first.RerankScore != 4.2 {
		t.Fatalf("expected rerank score 4.2 on doc-b, got %v", first.RerankScore)
	}
	if !approxEqual(second.CombinedScore, 0.94) || !approxEqual(first.CombinedScore, 0.57) {
		t.Fatalf("unexpected combined scores: a=%v b=%v", second.CombinedScore, first.CombinedScore)
	}
	if len(second.Keywords) != 2 || second.Title != "Attention Is All You Need" {
		t.Fatalf("expected doc-a metadata in result, got %+v", second)
	}

	// Reranker sees candidates in combined-score order.
	if len(fx.encoder.texts) != 2 || !strings.HasPrefix(fx.encoder.texts[0], "Attention Is All You Need") {
		t.Fatalf("unexpected rerank batch: %q", fx.encoder.texts)
	}

	report := res.Report
	if report.State != domain.StateDone || report.RunID == "" {
		t.Fatalf("unexpected report state: %+v", report)
	}
	wantQueries := []string{transformerQuery, "transformer model", "attention is all you need"}
	if strings.Join(report.IntermediateSteps.GeneratedQueries, "|") != strings.Join(wantQueries, "|") {
		t.Fatalf("unexpected generated queries: %q", report.IntermediateSteps.GeneratedQueries)
	}
	stats := report.Statistics
	if stats.GeneratedQueries != 3 || stats.InitialCandidates != 8 || stats.DeduplicatedCandidates != 2 ||
		stats.SentToReranker != 2 || stats.FinalResults != 2 {
		t.Fatalf("unexpected statistics: %+v", stats)
	}
	if report.Parameters.Alpha != 0.6 || report.Parameters.RerankerModel != "BAAI/bge-reranker-v2-m3" ||
		report.Parameters.VerificationSeverity != "topic" || report.Parameters.CandidateCap != 200 {
		t.Fatalf("unexpected parameters: %+v", report.Parameters)
	}
	if len(report.Fallbacks) != 0 {
		t.Fatalf("expected no fallbacks, got %v", report.Fallbacks)
	}
	if fx.observer.runs != 1 || fx.observer.stages[domain.StateVerifying] != outcomeOK {
		t.Fatalf("unexpected observations: %+v", fx.observer)
	}
}

func TestPipelineRerankerFailureFallsBackToCombinedOrder(t *testing.T) {
	fx := newTransformerFixture()
	fx.encoder.err = errors.New("reranker unavailable")

	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{Query: transformerQuery, ExpansionCount: 3, TopK: 1, Alpha: 0.6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.RankedResults) != 1 || res.RankedResults[0].DocumentID != "doc-a" {
		t.Fatalf("expected combined order truncated to top_k, got %+v", res.RankedResults)
	}
	if res.RankedResults[0].RerankScore != nil {
		t.Fatalf("expected rerank score absent on fallback")
	}
	if !containsFallback(res.Report.Fallbacks, "reranking:rerank_fallback") {
		t.Fatalf("expected rerank fallback recorded, got %v", res.Report.Fallbacks)
	}
	if res.Answer.Verdict != domain.VerdictRelevant {
		t.Fatalf("expected answer to survive reranker outage, got %+v", res.Answer)
	}
}

func TestPipelineOffTopicVerdictReplacesAnswerOnly(t *testing.T) {
	fx := newTransformerFixture()
	fx.gen.responses[domain.RoleVerification] = "OFF_TOPIC"

	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{Query: transformerQuery, ExpansionCount: 3, TopK: 5, Alpha: 0.6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer.Text != domain.NotRelevantAnswer || res.Answer.Verdict != domain.VerdictOffTopic {
		t.Fatalf("expected not-relevant sentinel, got %+v", res.Answer)
	}
	if len(res.RankedResults) != 2 || res.RankedResults[0].DocumentID != "doc-b" {
		t.Fatalf("expected ranked results unaffected, got %+v", res.RankedResults)
	}
}

func TestPipelineZeroEvidenceSkipsSynthesis(t *testing.T) {
	fx := newTransformerFixture()
	fx.search = &fakeSearch{}

	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{Query: "unknown topic", ExpansionCount: 3, TopK: 5, Alpha: 0.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer.Text != domain.NoInformationAnswer || res.Answer.Reason != domain.ReasonNoEvidence {
		t.Fatalf("expected no-evidence sentinel, got %+v", res.Answer)
	}
	if len(fx.gen.callsFor(domain.RoleSynthesis)) != 0 || len(fx.gen.callsFor(domain.RoleVerification)) != 0 {
		t.Fatalf("expected synthesis and verification to be skipped")
	}
	if fx.encoder.calls != 0 {
		t.Fatalf("expected reranker to be skipped")
	}
	if len(res.RankedResults) != 0 || res.Report.State != domain.StateDone {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPipelineSynthesisFailureSuppressesAnswer(t *testing.T) {
	fx := newTransformerFixture()
	fx.gen.errs = map[domain.GenerationRole]error{domain.RoleSynthesis: errors.New("connection reset")}

	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{Query: transformerQuery, ExpansionCount: 3, TopK: 5, Alpha: 0.6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer.Verdict != domain.VerdictSuppressed || res.Answer.Reason != domain.ReasonSynthesisFailed {
		t.Fatalf("expected suppressed answer, got %+v", res.Answer)
	}
	if len(res.RankedResults) != 2 {
		t.Fatalf("expected ranked results kept, got %d", len(res.RankedResults))
	}
}

func TestPipelineDeadlineDegradesInsteadOfFailing(t *testing.T) {
	fx := newTransformerFixture()
	fx.gen.block = map[domain.GenerationRole]bool{domain.RoleExpansion: true}
	fx.opts.Deadline = 30 * time.Millisecond

	started := time.Now()
	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{Query: transformerQuery, ExpansionCount: 3, TopK: 5, Alpha: 0.6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("expected deadline to bound the run")
	}
	if res.Answer.Verdict != domain.VerdictSuppressed || res.Answer.Reason != domain.ReasonDeadlineExceeded {
		t.Fatalf("expected deadline suppression, got %+v", res.Answer)
	}
	if len(res.Report.IntermediateSteps.GeneratedQueries) != 1 {
		t.Fatalf("expected expansion fallback to original query, got %q", res.Report.IntermediateSteps.GeneratedQueries)
	}
}

func TestPipelineRejectsEmptyQuery(t *testing.T) {
	_, err := newTransformerFixture().build().Run(context.Background(), domain.PipelineRequest{Query: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPipelineAppliesDefaultsAndClampsAlpha(t *testing.T) {
	fx := newTransformerFixture()
	res, err := fx.build().Run(context.Background(), domain.PipelineRequest{Query: transformerQuery, Alpha: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params := res.Report.Parameters
	if params.ExpansionCount != 5 || params.TopK != 5 || params.Alpha != 1 {
		t.Fatalf("unexpected parameters: %+v", params)
	}
}

func TestContentPreviewCapsLength(t *testing.T) {
	preview := contentPreview(domain.DocumentFields{Body: strings.Repeat("é", 600)}, 500)
	if len([]rune(preview)) != 503 || !strings.HasSuffix(preview, "...") {
		t.Fatalf("expected 500 runes plus ellipsis, got %d runes", len([]rune(preview)))
	}
	if got := contentPreview(domain.DocumentFields{Abstract: "short"}, 500); got != "short" {
		t.Fatalf("expected abstract preview, got %q", got)
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	stages    map[domain.PipelineState]string
	fallbacks []string
	runs      int
}

func (o *recordingObserver) ObserveStage(stage domain.PipelineState, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stages == nil {
		o.stages = map[domain.PipelineState]string{}
	}
	o.stages[stage] = outcome
}

func (o *recordingObserver) ObserveFallback(stage domain.PipelineState, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks = append(o.fallbacks, string(stage)+":"+reason)
}

func (o *recordingObserver) ObserveRun(domain.Verdict, int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
}

func containsFallback(fallbacks []string, want string) bool {
	for _, f := range fallbacks {
		if f == want {
			return true
		}
	}
	return false
}
