package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/sonicbridge/internal/resilience"
)

// BedrockAPI is the slice of the Bedrock runtime client the bridge uses.
// Satisfied by [bedrockruntime.Client]; faked in tests.
type BedrockAPI interface {
	InvokeModelWithBidirectionalStream(ctx context.Context,
		params *bedrockruntime.InvokeModelWithBidirectionalStreamInput,
		optFns ...func(*bedrockruntime.Options),
	) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// Client opens bidirectional streams against the Nova Sonic model, guarded
// by a retry policy and a circuit breaker. One Client serves all sessions.
type Client struct {
	api            BedrockAPI
	modelID        string
	requestTimeout time.Duration
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
}

// ClientConfig holds construction parameters for a [Client].
type ClientConfig struct {
	// ModelID is the Bedrock model identifier
	// (e.g. "amazon.nova-sonic-v1:0").
	ModelID string

	// RequestTimeout bounds a single stream initiation. Default: 5m.
	RequestTimeout time.Duration

	// Retry overrides the initiation retry schedule. Zero value uses
	// [resilience.DefaultRetryPolicy].
	Retry resilience.RetryPolicy
}

// NewClient creates a Client around api.
func NewClient(api BedrockAPI, cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryPolicy()
	}
	return &Client{
		api:            api,
		modelID:        cfg.ModelID,
		requestTimeout: cfg.RequestTimeout,
		retry:          retry,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "bedrock-stream",
		}),
	}
}

// Start opens a bidirectional stream, retrying transient initiation
// failures with backoff behind the circuit breaker. Validation errors are
// not retried.
func (c *Client) Start(ctx context.Context) (EventStream, error) {
	var stream EventStream

	err := c.retry.Do(ctx, "bedrock-stream", func() error {
		return c.breaker.Execute(func() error {
			out, err := c.api.InvokeModelWithBidirectionalStream(ctx,
				&bedrockruntime.InvokeModelWithBidirectionalStreamInput{
					ModelId: aws.String(c.modelID),
				})
			if err != nil {
				return fmt.Errorf("invoke bidirectional stream: %w", err)
			}
			stream = newBedrockStream(out.GetStream())
			return nil
		})
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("model: start stream for %s: %w", c.modelID, err)
	}
	return stream, nil
}

// bedrockStream adapts the SDK event stream to [EventStream].
type bedrockStream struct {
	sdk *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream

	items     chan StreamItem
	closeOnce sync.Once
}

func newBedrockStream(sdk *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream) *bedrockStream {
	s := &bedrockStream{
		sdk:   sdk,
		items: make(chan StreamItem, 16),
	}
	go s.receive()
	return s
}

// Send implements [EventStream].
func (s *bedrockStream) Send(ctx context.Context, event []byte) error {
	err := s.sdk.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: event},
	})
	if err != nil {
		return fmt.Errorf("model: send event: %w", err)
	}
	return nil
}

// receive pumps SDK events into the items channel, translating the payload
// union. The channel closes after the terminal error (if any) is delivered.
func (s *bedrockStream) receive() {
	defer close(s.items)

	for event := range s.sdk.Events() {
		switch e := event.(type) {
		case *types.InvokeModelWithBidirectionalStreamOutputMemberChunk:
			if e.Value.Bytes != nil {
				s.items <- StreamItem{Chunk: e.Value.Bytes}
			}
		default:
			slog.Debug("model: ignoring unknown stream event union member",
				"type", fmt.Sprintf("%T", event))
		}
	}
	if err := s.sdk.Err(); err != nil {
		s.items <- StreamItem{Err: err}
	}
}

// Events implements [EventStream].
func (s *bedrockStream) Events() <-chan StreamItem {
	return s.items
}

// Close implements [EventStream].
func (s *bedrockStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sdk.Close()
	})
	return err
}

// ClassifyException maps a terminal stream error to its normalized error
// variant name and a details payload for the dispatcher. ok is false for
// nil errors.
func ClassifyException(err error) (variant string, details map[string]any, ok bool) {
	if err == nil {
		return "", nil, false
	}

	var (
		modelStream  *types.ModelStreamErrorException
		internal     *types.InternalServerException
		validation   *types.ValidationException
		throttling   *types.ThrottlingException
		accessDenied *types.AccessDeniedException
	)
	switch {
	case errors.As(err, &modelStream):
		return ErrModelStream, exceptionDetails(modelStream.ErrorMessage(), err), true
	case errors.As(err, &internal):
		return ErrInternalServer, exceptionDetails(internal.ErrorMessage(), err), true
	case errors.As(err, &validation):
		return ErrValidation, exceptionDetails(validation.ErrorMessage(), err), true
	case errors.As(err, &throttling):
		return ErrThrottling, exceptionDetails(throttling.ErrorMessage(), err), true
	case errors.As(err, &accessDenied):
		return ErrAccessDenied, exceptionDetails(accessDenied.ErrorMessage(), err), true
	}

	// Unrecognised API errors still surface as a model stream error so the
	// session observes a terminal variant.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return ErrModelStream, map[string]any{
			"message": apiErr.ErrorMessage(),
			"code":    apiErr.ErrorCode(),
		}, true
	}
	return ErrModelStream, map[string]any{"message": err.Error()}, true
}

func exceptionDetails(message string, err error) map[string]any {
	if message == "" {
		message = err.Error()
	}
	return map[string]any{"message": message}
}
