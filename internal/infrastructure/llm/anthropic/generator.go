package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/infrastructure/resilience"
)

const OperationGenerate = "anthropic.generate"

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// Generator produces text through the Anthropic Messages API.
// Anthropic has no embedding endpoint, so it only serves generation.
type Generator struct {
	cfg      Config
	sdk      anthropic.Client
	executor *resilience.Executor
}

func NewGenerator(cfg Config, executor *resilience.Executor) (*Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "anthropic generator", fmt.Errorf("api key is required"))
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &Generator{
		cfg:      cfg,
		sdk:      anthropic.NewClient(options...),
		executor: executor,
	}, nil
}

func (g *Generator) Generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	maxTokens := g.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(g.cfg.Model),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		MaxTokens:   maxTokens,
		Temperature: param.NewOpt(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	var text strings.Builder
	call := func(callCtx context.Context) error {
		text.Reset()
		msg, err := g.sdk.Messages.New(callCtx, params)
		if err != nil {
			return err
		}
		for _, block := range msg.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return nil
	}

	var err error
	if g.executor == nil {
		err = call(ctx)
	} else {
		err = g.executor.Execute(ctx, OperationGenerate, call, classifyAnthropicError)
		err = resilience.WrapTemporaryIfNeeded(OperationGenerate, err, classifyAnthropicError)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text.String()), nil
}

func classifyAnthropicError(err error) resilience.ErrorClassification {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTPError(&resilience.HTTPStatusError{
			Service:    "anthropic",
			StatusCode: apiErr.StatusCode,
		})
	}
	return resilience.ClassifyHTTPError(err)
}
