package domain

type Verdict string

const (
	VerdictRelevant   Verdict = "relevant"
	VerdictOffTopic   Verdict = "off_topic"
	VerdictSuppressed Verdict = "suppressed"
)

const (
	NoInformationAnswer = "No relevant information was found in the available documents to answer this question."
	NotRelevantAnswer   = "The retrieved documents are not relevant to this question, so no answer can be given."
)

// Reasons attached to an answer whose verdict is not relevant.
const (
	ReasonNoEvidence       = "no_evidence"
	ReasonSynthesisFailed  = "synthesis_failed"
	ReasonEmptyDraft       = "empty_draft"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonOffTopic         = "off_topic"
)

type Answer struct {
	Text    string  `json:"text"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

func SuppressedAnswer(reason string) Answer {
	return Answer{Text: NoInformationAnswer, Verdict: VerdictSuppressed, Reason: reason}
}
