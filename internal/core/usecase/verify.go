package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

// VerificationSeverity selects how strictly a draft must match its sources.
type VerificationSeverity string

const (
	// SeverityTopic accepts a draft that shares the subject of the context.
	SeverityTopic VerificationSeverity = "topic"
	// SeverityAnswer requires the draft to answer the question from the context.
	SeverityAnswer VerificationSeverity = "answer"
	SeverityOff    VerificationSeverity = "off"
)

const (
	verdictTokenRelevant = "RELEVANT"
	verdictTokenOffTopic = "OFF_TOPIC"
)

const verificationSystemPrompt = "You are a strict relevance classifier. Reply with exactly one word: " +
	verdictTokenRelevant + " or " + verdictTokenOffTopic + "."

func ParseVerificationSeverity(raw string) (VerificationSeverity, error) {
	switch s := VerificationSeverity(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return SeverityTopic, nil
	case SeverityTopic, SeverityAnswer, SeverityOff:
		return s, nil
	default:
		return "", domain.WrapError(domain.ErrConfiguration, "parse verification severity", fmt.Errorf("unknown severity %q", raw))
	}
}

type GroundingVerifier struct {
	generator ports.TextGenerator
	severity  VerificationSeverity
	timeout   time.Duration
}

// VerificationResult is relevant unless the model explicitly answered off topic.
type VerificationResult struct {
	Verdict domain.Verdict
	Skipped bool
	Parsed  bool
	Raw     string
	Err     error
}

func NewGroundingVerifier(generator ports.TextGenerator, severity VerificationSeverity, timeout time.Duration) *GroundingVerifier {
	if severity == "" {
		severity = SeverityTopic
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GroundingVerifier{generator: generator, severity: severity, timeout: timeout}
}

func (v *GroundingVerifier) Severity() VerificationSeverity {
	return v.severity
}

func (v *GroundingVerifier) Verify(ctx context.Context, question, groundingContext, draft string) VerificationResult {
	if strings.TrimSpace(draft) == "" || v.severity == SeverityOff {
		return VerificationResult{Verdict: domain.VerdictRelevant, Skipped: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	raw, err := v.generator.Generate(callCtx, domain.GenerationRequest{
		Role:      domain.RoleVerification,
		System:    verificationSystemPrompt,
		Prompt:    buildVerificationPrompt(v.severity, question, groundingContext, draft),
		MaxTokens: 8,
	})
	if err != nil {
		return VerificationResult{Verdict: domain.VerdictRelevant, Err: fmt.Errorf("generate verdict: %w", err)}
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		return VerificationResult{Verdict: domain.VerdictRelevant, Raw: raw, Err: err}
	}
	return VerificationResult{Verdict: verdict, Parsed: true, Raw: raw}
}

func buildVerificationPrompt(severity VerificationSeverity, question, groundingContext, draft string) string {
	var b strings.Builder
	switch severity {
	case SeverityAnswer:
		b.WriteString("Decide whether the answer below directly answers the question using information from the context.\n")
		b.WriteString("Reply " + verdictTokenRelevant + " if it does, otherwise reply " + verdictTokenOffTopic + ".\n\n")
		b.WriteString("Question: ")
		b.WriteString(question)
		b.WriteString("\n\n")
	default:
		b.WriteString("Decide whether the answer below and the context address the same subject matter.\n")
		b.WriteString("Reply " + verdictTokenRelevant + " if they do, otherwise reply " + verdictTokenOffTopic + ".\n\n")
	}
	b.WriteString("Context:\n")
	b.WriteString(groundingContext)
	b.WriteString("\n\nAnswer:\n")
	b.WriteString(draft)
	return b.String()
}

// parseVerdict matches the two expected tokens anywhere in the reply.
// The negative token is checked first.
func parseVerdict(raw string) (domain.Verdict, error) {
	normalized := strings.ToUpper(raw)
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch {
	case strings.Contains(normalized, verdictTokenOffTopic):
		return domain.VerdictOffTopic, nil
	case strings.Contains(normalized, verdictTokenRelevant):
		return domain.VerdictRelevant, nil
	default:
		return "", domain.WrapError(domain.ErrUnparseable, "parse verdict", fmt.Errorf("unexpected reply %q", strings.TrimSpace(raw)))
	}
}
