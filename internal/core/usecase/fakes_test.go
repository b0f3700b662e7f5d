package usecase

import (
	"context"
	"math"
	"sync"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

type fakeGenerator struct {
	mu        sync.Mutex
	responses map[domain.GenerationRole]string
	errs      map[domain.GenerationRole]error
	block     map[domain.GenerationRole]bool
	calls     []domain.GenerationRequest
}

func (f *fakeGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	resp := f.responses[req.Role]
	err := f.errs[req.Role]
	block := f.block[req.Role]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return resp, err
}

func (f *fakeGenerator) callsFor(role domain.GenerationRole) []domain.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.GenerationRequest, 0, len(f.calls))
	for _, call := range f.calls {
		if call.Role == role {
			out = append(out, call)
		}
	}
	return out
}

type fakeSearch struct {
	mu          sync.Mutex
	lexical     map[string][]domain.RawHit
	vector      map[float32][]domain.RawHit
	lexicalErrs map[string]error
	vectorErr   error
	blockVector bool
	lexicalSeen []string
	vectorCalls int
}

func (f *fakeSearch) SearchLexical(_ context.Context, queryText string, _ int) ([]domain.RawHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lexicalSeen = append(f.lexicalSeen, queryText)
	if err := f.lexicalErrs[queryText]; err != nil {
		return nil, err
	}
	return append([]domain.RawHit(nil), f.lexical[queryText]...), nil
}

func (f *fakeSearch) SearchVector(ctx context.Context, queryVector []float32, _ int) ([]domain.RawHit, error) {
	f.mu.Lock()
	f.vectorCalls++
	block := f.blockVector
	err := f.vectorErr
	hits := append([]domain.RawHit(nil), f.vector[queryVector[0]]...)
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return hits, nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
	errs    map[string]error
	dflt    []float32
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if err := f.errs[text]; err != nil {
		return nil, err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.dflt, nil
}

type fakeEncoder struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	calls  int
	texts  []string
}

func (f *fakeEncoder) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append([]string(nil), texts...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(texts))
	for i, text := range texts {
		out[i] = f.scores[text]
	}
	return out, nil
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
