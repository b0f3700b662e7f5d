package ports

import (
	"context"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

// PipelineRunner is the inbound contract for one retrieval and answer pass.
type PipelineRunner interface {
	Run(ctx context.Context, req domain.PipelineRequest) (*domain.PipelineResult, error)
}
