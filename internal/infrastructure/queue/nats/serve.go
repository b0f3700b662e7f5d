package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

// JobObserver receives worker-side job measurements.
type JobObserver interface {
	StartJob()
	FinishJob(duration time.Duration, err error)
	ObserveQueueLag(lag time.Duration)
}

// Serve answers pipeline requests on the queue group until ctx is done,
// running at most concurrency jobs at once.
func (q *Queue) Serve(ctx context.Context, runner ports.PipelineRunner, concurrency int, observer JobObserver) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	slots := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			q.handle(ctx, msg, runner, observer)
		}()
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	q.logger.Info("pipeline_worker_subscribed", "subject", q.subject, "group", q.group, "concurrency", concurrency)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	wg.Wait()
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (q *Queue) handle(ctx context.Context, msg *nats.Msg, runner ports.PipelineRunner, observer JobObserver) {
	start := time.Now()
	if observer != nil {
		observer.StartJob()
	}

	result, runErr := q.runMessage(ctx, msg.Data, runner, observer)
	if observer != nil {
		observer.FinishJob(time.Since(start), runErr)
	}
	if runErr != nil {
		q.logger.Error("pipeline_job_failed", "error", runErr)
	}

	reply, err := encodeReply(result, runErr)
	if err != nil {
		q.logger.Error("pipeline_reply_encode_failed", "error", err)
		return
	}
	if err := msg.Respond(reply); err != nil {
		q.logger.Error("pipeline_reply_failed", "error", err)
	}
}

func (q *Queue) runMessage(
	ctx context.Context,
	data []byte,
	runner ports.PipelineRunner,
	observer JobObserver,
) (*domain.PipelineResult, error) {
	var req runRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode pipeline request", err)
	}
	if observer != nil && !req.EnqueuedAt.IsZero() {
		observer.ObserveQueueLag(time.Since(req.EnqueuedAt))
	}
	return runner.Run(ctx, req.Request)
}
