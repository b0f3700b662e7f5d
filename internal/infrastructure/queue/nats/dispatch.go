package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/infrastructure/resilience"
)

// Run sends the request to a worker and waits for its reply.
// It satisfies ports.PipelineRunner so the API can dispatch remotely.
func (q *Queue) Run(ctx context.Context, req domain.PipelineRequest) (*domain.PipelineResult, error) {
	payload, err := json.Marshal(runRequest{Request: req, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode pipeline request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.requestTimeout)
		defer cancel()
	}

	var reply *nats.Msg
	call := func(callCtx context.Context) error {
		msg, err := q.conn.RequestWithContext(callCtx, q.subject, payload)
		if err != nil {
			return fmt.Errorf("nats request: %w", err)
		}
		reply = msg
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, OperationRequest, call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, resilience.WrapTemporaryIfNeeded(OperationRequest, err, classifyNATSError)
	}
	return decodeReply(reply.Data)
}
