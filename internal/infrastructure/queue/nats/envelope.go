package nats

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/ragfusion/internal/core/domain"
)

type runRequest struct {
	Request    domain.PipelineRequest `json:"request"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
}

type runReply struct {
	Result *domain.PipelineResult `json:"result,omitempty"`
	Error  *replyError            `json:"error,omitempty"`
}

type replyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var errorKinds = map[string]error{
	"invalid_input": domain.ErrInvalidInput,
	"temporary":     domain.ErrTemporary,
	"unavailable":   domain.ErrUnavailable,
	"configuration": domain.ErrConfiguration,
	"unparseable":   domain.ErrUnparseable,
}

func encodeReply(result *domain.PipelineResult, runErr error) ([]byte, error) {
	reply := runReply{Result: result}
	if runErr != nil {
		reply.Result = nil
		reply.Error = &replyError{Kind: kindOf(runErr), Message: runErr.Error()}
	}
	return json.Marshal(reply)
}

func decodeReply(data []byte) (*domain.PipelineResult, error) {
	var reply runReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("decode pipeline reply: %w", err)
	}
	if reply.Error != nil {
		cause := errors.New(reply.Error.Message)
		if kind, ok := errorKinds[reply.Error.Kind]; ok {
			return nil, domain.WrapError(kind, "remote pipeline", cause)
		}
		return nil, fmt.Errorf("remote pipeline: %w", cause)
	}
	if reply.Result == nil {
		return nil, fmt.Errorf("decode pipeline reply: empty result")
	}
	return reply.Result, nil
}

func kindOf(err error) string {
	for name, kind := range errorKinds {
		if errors.Is(err, kind) {
			return name
		}
	}
	return "internal"
}
