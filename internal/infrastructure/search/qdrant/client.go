package qdrant

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

const (
	OperationSearchLexical = "qdrant.search_lexical"
	OperationSearchVector  = "qdrant.search_vector"
)

type Config struct {
	BaseURL    string
	APIKey     string
	Collection string
	// DenseVector names the dense vector; empty uses the unnamed default vector.
	DenseVector string
	// SparseVector names the BM25-style sparse vector used for lexical search.
	SparseVector string
}

// Client searches one Qdrant collection through the Query API.
// Dense scores are cosine similarities, sparse scores are raw dot products.
type Client struct {
	cfg        Config
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SparseVector == "" {
		cfg.SparseVector = "text-sparse"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

func (c *Client) SearchLexical(ctx context.Context, queryText string, limit int) ([]domain.RawHit, error) {
	sparse := encodeSparseQuery(queryText)
	if len(sparse.Indices) == 0 {
		return nil, nil
	}
	reqBody := map[string]any{
		"query":        sparse,
		"using":        c.cfg.SparseVector,
		"limit":        limit,
		"with_payload": true,
	}
	return c.query(ctx, OperationSearchLexical, reqBody)
}

func (c *Client) SearchVector(ctx context.Context, queryVector []float32, limit int) ([]domain.RawHit, error) {
	reqBody := map[string]any{
		"query":        queryVector,
		"limit":        limit,
		"with_payload": true,
	}
	if c.cfg.DenseVector != "" {
		reqBody["using"] = c.cfg.DenseVector
	}
	return c.query(ctx, OperationSearchVector, reqBody)
}

func (c *Client) query(ctx context.Context, operation string, reqBody map[string]any) ([]domain.RawHit, error) {
	var points []queryPoint
	call := func(callCtx context.Context) error {
		var err error
		points, err = c.postQuery(callCtx, reqBody)
		return err
	}

	var err error
	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, call, resilience.ClassifyHTTPError)
		err = resilience.WrapTemporaryIfNeeded(operation, err, resilience.ClassifyHTTPError)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.RawHit, 0, len(points))
	for _, p := range points {
		id := getStringPayload(p.Payload, "doc_id")
		if id == "" {
			id = pointID(p.ID)
		}
		out = append(out, domain.RawHit{
			DocumentID: id,
			Fields:     fieldsFromPayload(p.Payload),
			Value:      p.Score,
		})
	}
	return out, nil
}

type queryPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func (c *Client) postQuery(ctx context.Context, reqBody map[string]any) ([]queryPoint, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal query body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", c.cfg.BaseURL, c.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.ReadHTTPStatusError("qdrant", "query", resp)
	}

	var queryResp struct {
		Result struct {
			Points []queryPoint `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	return queryResp.Result.Points, nil
}

func fieldsFromPayload(payload map[string]any) domain.DocumentFields {
	body := getStringPayload(payload, "text")
	if body == "" {
		body = getStringPayload(payload, "body")
	}
	return domain.DocumentFields{
		Title:    getStringPayload(payload, "title"),
		Abstract: getStringPayload(payload, "abstract"),
		Body:     body,
		Keywords: getStringSlicePayload(payload, "keywords"),
	}
}

func pointID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getStringSlicePayload(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
