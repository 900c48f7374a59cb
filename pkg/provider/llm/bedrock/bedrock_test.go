package bedrock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/parlorbank/voxgate/pkg/provider/llm"
	"github.com/parlorbank/voxgate/pkg/provider/llm/bedrock"
	"github.com/parlorbank/voxgate/pkg/types"
)

// fakeAPI records the last Converse input and returns canned output.
type fakeAPI struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (f *fakeAPI) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastInput = params
	return f.output, f.err
}

func textOutput(text string) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
			},
		},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(10),
			OutputTokens: aws.Int32(3),
			TotalTokens:  aws.Int32(13),
		},
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := bedrock.New(nil, "amazon.nova-lite-v1:0"); err == nil {
		t.Error("New: expected error for nil api")
	}
	if _, err := bedrock.New(&fakeAPI{}, ""); err == nil {
		t.Error("New: expected error for empty model id")
	}
}

func TestCompleteBuildsConverseInput(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{output: textOutput("user verified")}
	p, err := bedrock.New(api, "amazon.nova-lite-v1:0")
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	resp, err := p.Complete(context.Background(), llm.Request{
		SystemPrompt: "You decide workflow paths.",
		Messages: []types.Message{
			types.Text(types.RoleUser, "my name is Alice"),
			types.Text(types.RoleAssistant, "thanks Alice"),
		},
		Temperature: 0.1,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Complete: unexpected error: %v", err)
	}
	if resp.Content != "user verified" {
		t.Fatalf("Complete: expected content %q, got %q", "user verified", resp.Content)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Fatalf("Complete: expected 13 total tokens, got %d", resp.Usage.TotalTokens)
	}

	in := api.lastInput
	if in == nil {
		t.Fatal("Complete: Converse was never called")
	}
	if aws.ToString(in.ModelId) != "amazon.nova-lite-v1:0" {
		t.Fatalf("Complete: unexpected model id %q", aws.ToString(in.ModelId))
	}
	if len(in.System) != 1 {
		t.Fatalf("Complete: expected 1 system block, got %d", len(in.System))
	}
	if len(in.Messages) != 2 {
		t.Fatalf("Complete: expected 2 messages, got %d", len(in.Messages))
	}
	if in.Messages[0].Role != brtypes.ConversationRoleUser {
		t.Fatalf("Complete: expected first message role user, got %q", in.Messages[0].Role)
	}
	if in.InferenceConfig == nil {
		t.Fatal("Complete: expected inference config to be set")
	}
	if got := aws.ToInt32(in.InferenceConfig.MaxTokens); got != 64 {
		t.Fatalf("Complete: expected max tokens 64, got %d", got)
	}
}

func TestCompleteFoldsSystemMessages(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{output: textOutput("ok")}
	p, err := bedrock.New(api, "amazon.nova-lite-v1:0")
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	_, err = p.Complete(context.Background(), llm.Request{
		Messages: []types.Message{
			types.Text(types.RoleSystem, "stay terse"),
			types.Text(types.RoleUser, "hello"),
		},
	})
	if err != nil {
		t.Fatalf("Complete: unexpected error: %v", err)
	}
	if len(api.lastInput.System) != 1 {
		t.Fatalf("Complete: expected system message folded into system block, got %d blocks", len(api.lastInput.System))
	}
	if len(api.lastInput.Messages) != 1 {
		t.Fatalf("Complete: expected 1 conversation message, got %d", len(api.lastInput.Messages))
	}
}

func TestCompletePropagatesError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("throttled")
	api := &fakeAPI{err: wantErr}
	p, err := bedrock.New(api, "amazon.nova-lite-v1:0")
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	_, err = p.Complete(context.Background(), llm.Request{
		Messages: []types.Message{types.Text(types.RoleUser, "hello")},
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Complete: expected wrapped backend error, got %v", err)
	}
}
