// Package bedrock provides an LLM provider backed by the AWS Bedrock
// Converse API.
//
// The AWS client is hidden behind the [ConverseAPI] interface so tests can
// substitute a fake without network access; *bedrockruntime.Client satisfies
// it directly.
package bedrock

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/parlorbank/voxgate/pkg/provider/llm"
	"github.com/parlorbank/voxgate/pkg/types"
)

// Compile-time assertion that Provider satisfies the llm.Provider interface.
var _ llm.Provider = (*Provider)(nil)

// ConverseAPI is the subset of the Bedrock runtime client used by this
// provider. It matches *bedrockruntime.Client.
type ConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider implements llm.Provider using the Bedrock Converse API.
type Provider struct {
	api     ConverseAPI
	modelID string
}

// New constructs a Bedrock-backed Provider for the given model identifier
// (e.g. "amazon.nova-lite-v1:0").
func New(api ConverseAPI, modelID string) (*Provider, error) {
	if api == nil {
		return nil, fmt.Errorf("bedrock: api must not be nil")
	}
	if modelID == "" {
		return nil, fmt.Errorf("bedrock: modelID must not be empty")
	}
	return &Provider{api: api, modelID: modelID}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	input := p.buildInput(req)

	output, err := p.api.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateOutput(output)
}

// buildInput converts a llm.Request into Converse parameters. System-role
// messages fold into the dedicated system block because Bedrock rejects them
// inside the conversation.
func (p *Provider) buildInput(req llm.Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.modelID),
	}

	if req.SystemPrompt != "" {
		input.System = append(input.System, &brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		if m.Role == types.RoleSystem {
			input.System = append(input.System, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == types.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	var cfg brtypes.InferenceConfiguration
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	if cfg.MaxTokens != nil || cfg.Temperature != nil {
		input.InferenceConfig = &cfg
	}

	return input
}

func translateOutput(output *bedrockruntime.ConverseOutput) (*llm.Response, error) {
	if output == nil {
		return nil, fmt.Errorf("bedrock: response is nil")
	}

	resp := &llm.Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Content += text.Value
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = types.Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(usage.TotalTokens)),
		}
	}
	return resp, nil
}
