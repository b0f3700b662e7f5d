package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/infrastructure/resilience"
)

const OperationScore = "reranker.score"

// Dialect selects the wire format of the rerank endpoint.
type Dialect string

const (
	// DialectTEI is the text-embeddings-inference POST /rerank API.
	DialectTEI Dialect = "tei"
	// DialectCohere is the Cohere/Jina style POST /v1/rerank API.
	DialectCohere Dialect = "cohere"
)

func ParseDialect(raw string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(raw))); d {
	case "":
		return DialectTEI, nil
	case DialectTEI, DialectCohere:
		return d, nil
	default:
		return "", domain.WrapError(domain.ErrConfiguration, "parse rerank dialect", fmt.Errorf("unknown dialect %q", raw))
	}
}

type Config struct {
	BaseURL string
	Dialect Dialect
	Model   string
	APIKey  string
}

// Client scores query/document pairs against a remote cross-encoder in one request.
type Client struct {
	cfg        Config
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "reranker client", fmt.Errorf("base url is required"))
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectTEI
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}, nil
}

type rerankResult struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var results []rerankResult
	call := func(callCtx context.Context) error {
		var err error
		results, err = c.post(callCtx, query, texts)
		return err
	}

	var err error
	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, OperationScore, call, resilience.ClassifyHTTPError)
		err = resilience.WrapTemporaryIfNeeded(OperationScore, err, resilience.ClassifyHTTPError)
	}
	if err != nil {
		return nil, err
	}
	return alignScores(results, len(texts))
}

func (c *Client) post(ctx context.Context, query string, texts []string) ([]rerankResult, error) {
	var (
		path    string
		payload any
	)
	switch c.cfg.Dialect {
	case DialectCohere:
		path = "/v1/rerank"
		payload = map[string]any{
			"model":            c.cfg.Model,
			"query":            query,
			"documents":        texts,
			"top_n":            len(texts),
			"return_documents": false,
		}
	default:
		path = "/rerank"
		payload = map[string]any{
			"query":      query,
			"texts":      texts,
			"raw_scores": true,
			"truncate":   true,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.ReadHTTPStatusError("reranker", "score", resp)
	}

	if c.cfg.Dialect == DialectCohere {
		var decoded struct {
			Results []rerankResult `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decode rerank response: %w", err)
		}
		return decoded.Results, nil
	}

	var decoded []rerankResult
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	return decoded, nil
}

// alignScores maps index-addressed results back onto the input order.
func alignScores(results []rerankResult, n int) ([]float64, error) {
	scores := make([]float64, n)
	seen := make([]bool, n)
	for _, r := range results {
		if r.Index < 0 || r.Index >= n {
			return nil, domain.WrapError(domain.ErrUnparseable, "align rerank scores", fmt.Errorf("index %d out of range", r.Index))
		}
		switch {
		case r.Score != nil:
			scores[r.Index] = *r.Score
		case r.RelevanceScore != nil:
			scores[r.Index] = *r.RelevanceScore
		default:
			return nil, domain.WrapError(domain.ErrUnparseable, "align rerank scores", fmt.Errorf("missing score for index %d", r.Index))
		}
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, domain.WrapError(domain.ErrUnparseable, "align rerank scores", fmt.Errorf("no score for index %d", i))
		}
	}
	return scores, nil
}
