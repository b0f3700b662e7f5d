package domain

// RetrievalMode identifies which search branch produced a hit.
type RetrievalMode string

const (
	RetrievalLexical RetrievalMode = "lexical"
	RetrievalVector  RetrievalMode = "vector"
)

// DocumentFields holds the fixed set of text fields a backend returns for a document.
type DocumentFields struct {
	Title    string   `json:"title"`
	Abstract string   `json:"abstract"`
	Body     string   `json:"body"`
	Keywords []string `json:"keywords"`
}

func (f DocumentFields) IsZero() bool {
	return f.Title == "" && f.Abstract == "" && f.Body == "" && len(f.Keywords) == 0
}

// RawHit is one result of a single search call.
// Value is a lexical score for lexical hits and either a similarity or a
// distance for vector hits, depending on IsDistance.
type RawHit struct {
	DocumentID string
	Fields     DocumentFields
	Mode       RetrievalMode
	Value      float64
	IsDistance bool
}

// Candidate is the per-run deduplicated view of a document.
type Candidate struct {
	DocumentID    string         `json:"document_id"`
	Fields        DocumentFields `json:"fields"`
	LexicalScore  float64        `json:"lexical_score"`
	VectorScore   float64        `json:"vector_score"`
	CombinedScore float64        `json:"combined_score"`
}

// RankedCandidate is a candidate after the rerank stage.
// RerankScore is nil when the reranker was unavailable.
type RankedCandidate struct {
	Candidate
	RerankScore *float64 `json:"rerank_score,omitempty"`
}
