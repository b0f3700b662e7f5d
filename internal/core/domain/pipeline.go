package domain

// PipelineState is a step of the linear pipeline pass.
type PipelineState string

const (
	StateInit         PipelineState = "init"
	StateExpanding    PipelineState = "expanding"
	StateRetrieving   PipelineState = "retrieving"
	StateReranking    PipelineState = "reranking"
	StateSynthesizing PipelineState = "synthesizing"
	StateVerifying    PipelineState = "verifying"
	StateDone         PipelineState = "done"
)

// PipelineRequest carries the parameters of one run.
// Zero ExpansionCount and TopK select the configured defaults; Alpha is clamped to [0,1].
type PipelineRequest struct {
	Query          string  `json:"query"`
	ExpansionCount int     `json:"expansion_count"`
	TopK           int     `json:"top_k"`
	Alpha          float64 `json:"alpha"`
}

type RankedResult struct {
	DocumentID     string   `json:"id"`
	Title          string   `json:"title"`
	Abstract       string   `json:"abstract"`
	Keywords       []string `json:"keywords"`
	CombinedScore  float64  `json:"combined_score"`
	RerankScore    *float64 `json:"rerank_score,omitempty"`
	ContentPreview string   `json:"content_preview"`
}

type PipelineResult struct {
	Answer        Answer         `json:"answer"`
	RankedResults []RankedResult `json:"ranked_results"`
	Report        PipelineReport `json:"report"`
}

type StageTimings struct {
	QueryGeneration    int64 `json:"query_generation"`
	CandidateRetrieval int64 `json:"candidate_retrieval"`
	Reranking          int64 `json:"reranking"`
	SummaryGeneration  int64 `json:"summary_generation"`
	AnswerVerification int64 `json:"answer_verification"`
	Total              int64 `json:"total_pipeline_duration"`
}

type PipelineStatistics struct {
	GeneratedQueries      int `json:"num_generated_queries"`
	InitialCandidates     int `json:"num_initial_candidates"`
	DeduplicatedCandidates int `json:"num_deduplicated_candidates"`
	SentToReranker        int `json:"num_docs_sent_to_reranker"`
	FinalResults          int `json:"num_final_results"`
	FailedBranches        int `json:"num_failed_branches"`
}

type PipelineParameters struct {
	Query                string  `json:"user_query"`
	ExpansionCount       int     `json:"expansion_count"`
	TopK                 int     `json:"top_k"`
	Alpha                float64 `json:"alpha"`
	CandidateCap         int     `json:"candidate_cap"`
	RerankerModel        string  `json:"reranker_model"`
	VerificationSeverity string  `json:"verification_severity"`
}

type IntermediateSteps struct {
	GeneratedQueries []string `json:"generated_queries"`
}

// PipelineReport describes one run. It is built per request and never persisted.
type PipelineReport struct {
	RunID             string             `json:"run_id"`
	State             PipelineState      `json:"state"`
	TimingsMS         StageTimings       `json:"timings_ms"`
	Statistics        PipelineStatistics `json:"statistics"`
	Parameters        PipelineParameters `json:"parameters"`
	IntermediateSteps IntermediateSteps  `json:"intermediate_steps"`
	Fallbacks         []string           `json:"fallbacks,omitempty"`
}
