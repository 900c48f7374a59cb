package nova

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Stream is one open bidirectional model invocation. Payloads are the raw
// JSON event documents of the Nova Sonic protocol; framing and chunking
// below that level belong to the transport.
type Stream interface {
	// Send writes one event document to the model.
	Send(ctx context.Context, payload []byte) error

	// Events returns the channel of inbound event documents. It is closed
	// when the model ends the stream or the transport fails; check Err
	// afterwards.
	Events() <-chan []byte

	// Err returns the transport error that closed Events, if any.
	Err() error

	// Close tears the stream down. Safe to call more than once.
	Close() error
}

// StreamAPI opens bidirectional streams against one model. It exists so
// tests can substitute an in-memory fake; [SDKStreams] is the production
// implementation.
type StreamAPI interface {
	Open(ctx context.Context, modelID string) (Stream, error)
}

// BidirectionalInvoker is the subset of *bedrockruntime.Client used by
// [SDKStreams].
type BidirectionalInvoker interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// SDKStreams implements [StreamAPI] on the AWS Bedrock runtime.
type SDKStreams struct {
	client BidirectionalInvoker
}

// NewSDKStreams wraps a Bedrock runtime client.
func NewSDKStreams(client BidirectionalInvoker) *SDKStreams {
	return &SDKStreams{client: client}
}

// Open implements [StreamAPI].
func (s *SDKStreams) Open(ctx context.Context, modelID string) (Stream, error) {
	out, err := s.client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(modelID),
	})
	if err != nil {
		return nil, fmt.Errorf("nova: invoke bidirectional stream: %w", err)
	}

	st := &sdkStream{
		es:     out.GetStream(),
		events: make(chan []byte, 64),
	}
	go st.pump()
	return st, nil
}

// sdkStream adapts the generated AWS event stream to [Stream].
type sdkStream struct {
	es     *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
	events chan []byte
}

func (s *sdkStream) Send(ctx context.Context, payload []byte) error {
	chunk := &brtypes.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: brtypes.BidirectionalInputPayloadPart{Bytes: payload},
	}
	if err := s.es.Send(ctx, chunk); err != nil {
		return fmt.Errorf("nova: send event: %w", err)
	}
	return nil
}

func (s *sdkStream) Events() <-chan []byte { return s.events }

func (s *sdkStream) Err() error { return s.es.Err() }

func (s *sdkStream) Close() error { return s.es.Close() }

// pump converts SDK union members to raw payload bytes. It owns the events
// channel and closes it when the SDK stream ends.
func (s *sdkStream) pump() {
	defer close(s.events)
	for ev := range s.es.Events() {
		chunk, ok := ev.(*brtypes.InvokeModelWithBidirectionalStreamOutputMemberChunk)
		if !ok || len(chunk.Value.Bytes) == 0 {
			continue
		}
		s.events <- chunk.Value.Bytes
	}
}
