package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	wv "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/infrastructure/resilience"
)

const (
	OperationSearchLexical = "weaviate.search_lexical"
	OperationSearchVector  = "weaviate.search_vector"
)

var className = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*$`)

var resultFields = []string{"title", "abstract", "keywords", "text"}

type Config struct {
	BaseURL    string
	APIKey     string
	Collection string
}

// Client runs bm25 and nearVector queries through the Weaviate GraphQL API.
// Vector hits carry Weaviate's distance, not a similarity.
type Client struct {
	cfg      Config
	client   *wv.Client
	executor *resilience.Executor
}

func New(cfg Config, executor *resilience.Executor) (*Client, error) {
	if !className.MatchString(cfg.Collection) {
		return nil, domain.WrapError(domain.ErrConfiguration, "weaviate client", fmt.Errorf("invalid collection name %q", cfg.Collection))
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "weaviate client", fmt.Errorf("invalid base url %q", cfg.BaseURL))
	}

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	client, err := wv.NewClient(wv.Config{
		Host:             base.Host,
		Scheme:           base.Scheme,
		Headers:          headers,
		ConnectionClient: &http.Client{Timeout: 60 * time.Second},
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "weaviate client", err)
	}
	return &Client{
		cfg:      cfg,
		client:   client,
		executor: executor,
	}, nil
}

func (c *Client) SearchLexical(ctx context.Context, queryText string, limit int) ([]domain.RawHit, error) {
	bm25 := c.client.GraphQL().Bm25ArgBuilder().WithQuery(queryText)
	get := c.client.GraphQL().Get().
		WithClassName(c.cfg.Collection).
		WithFields(fields("id", "score")...).
		WithBM25(bm25).
		WithLimit(limit)
	return c.search(ctx, OperationSearchLexical, get, domain.RetrievalLexical)
}

func (c *Client) SearchVector(ctx context.Context, queryVector []float32, limit int) ([]domain.RawHit, error) {
	nearVector := c.client.GraphQL().NearVectorArgBuilder().WithVector(queryVector)
	get := c.client.GraphQL().Get().
		WithClassName(c.cfg.Collection).
		WithFields(fields("id", "distance")...).
		WithNearVector(nearVector).
		WithLimit(limit)
	return c.search(ctx, OperationSearchVector, get, domain.RetrievalVector)
}

func fields(additional ...string) []graphql.Field {
	out := make([]graphql.Field, 0, len(resultFields)+1)
	for _, name := range resultFields {
		out = append(out, graphql.Field{Name: name})
	}
	extra := make([]graphql.Field, 0, len(additional))
	for _, name := range additional {
		extra = append(extra, graphql.Field{Name: name})
	}
	return append(out, graphql.Field{Name: "_additional", Fields: extra})
}

type object struct {
	Title      string   `json:"title"`
	Abstract   string   `json:"abstract"`
	Keywords   []string `json:"keywords"`
	Text       string   `json:"text"`
	Additional struct {
		ID       string          `json:"id"`
		Score    json.RawMessage `json:"score"`
		Distance *float64        `json:"distance"`
	} `json:"_additional"`
}

func (c *Client) search(ctx context.Context, operation string, get *graphql.GetBuilder, mode domain.RetrievalMode) ([]domain.RawHit, error) {
	isDistance := mode == domain.RetrievalVector
	var objects []object
	call := func(callCtx context.Context) error {
		var err error
		objects, err = c.do(callCtx, get)
		return err
	}

	var err error
	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, call, classifyWeaviateError)
		err = resilience.WrapTemporaryIfNeeded(operation, err, classifyWeaviateError)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.RawHit, 0, len(objects))
	for _, o := range objects {
		hit := domain.RawHit{
			DocumentID: o.Additional.ID,
			Fields: domain.DocumentFields{
				Title:    o.Title,
				Abstract: o.Abstract,
				Body:     o.Text,
				Keywords: o.Keywords,
			},
			Mode:       mode,
			IsDistance: isDistance,
		}
		if isDistance {
			if o.Additional.Distance == nil {
				continue
			}
			hit.Value = *o.Additional.Distance
		} else {
			hit.Value = parseScore(o.Additional.Score)
		}
		out = append(out, hit)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, get *graphql.GetBuilder) ([]object, error) {
	resp, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate graphql request: %w", err)
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("weaviate graphql error: %s", resp.Errors[0].Message)
	}

	// The client hands back loosely typed JSON; re-decode it into objects.
	raw, err := json.Marshal(resp.Data["Get"])
	if err != nil {
		return nil, fmt.Errorf("encode graphql data: %w", err)
	}
	var byClass map[string][]object
	if err := json.Unmarshal(raw, &byClass); err != nil {
		return nil, fmt.Errorf("decode graphql data: %w", err)
	}
	return byClass[c.cfg.Collection], nil
}

// classifyWeaviateError maps unexpected status codes onto the shared HTTP classification.
func classifyWeaviateError(err error) resilience.ErrorClassification {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode > 0 {
		return resilience.ClassifyHTTPError(&resilience.HTTPStatusError{
			Service:    "weaviate",
			Operation:  "graphql",
			StatusCode: clientErr.StatusCode,
			Status:     http.StatusText(clientErr.StatusCode),
			Body:       clientErr.Msg,
		})
	}
	return resilience.ClassifyHTTPError(err)
}

// parseScore accepts bm25 scores encoded either as JSON numbers or strings.
func parseScore(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return 0
}
