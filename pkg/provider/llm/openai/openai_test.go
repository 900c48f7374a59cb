package openai

import (
	"testing"

	"github.com/parlorbank/voxgate/pkg/provider/llm"
	"github.com/parlorbank/voxgate/pkg/types"
)

// TestNew_Validation checks constructor argument validation.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o-mini"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestBuildParams_RoleMapping checks each role lands in the right union member.
func TestBuildParams_RoleMapping(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.Request{
		SystemPrompt: "You decide workflow paths.",
		Messages: []types.Message{
			types.Text(types.RoleUser, "Hello"),
			types.Text(types.RoleAssistant, "Hi there"),
			types.Text(types.RoleSystem, "stay terse"),
		},
	})
	if len(params.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected leading system prompt message")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("expected user message at index 1")
	}
	if params.Messages[2].OfAssistant == nil {
		t.Error("expected assistant message at index 2")
	}
	if params.Messages[3].OfSystem == nil {
		t.Error("expected system message at index 3")
	}
}

// TestBuildParams_OptionalFields checks temperature and token cap mapping.
func TestBuildParams_OptionalFields(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.Request{
		Messages:    []types.Message{types.Text(types.RoleUser, "Hi")},
		Temperature: 0.1,
		MaxTokens:   64,
	})
	if !params.Temperature.Valid() || params.Temperature.Value != 0.1 {
		t.Errorf("expected temperature 0.1, got %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 64 {
		t.Errorf("expected max completion tokens 64, got %+v", params.MaxCompletionTokens)
	}

	params = p.buildParams(llm.Request{
		Messages: []types.Message{types.Text(types.RoleUser, "Hi")},
	})
	if params.Temperature.Valid() {
		t.Error("expected unset temperature for zero value")
	}
	if params.MaxCompletionTokens.Valid() {
		t.Error("expected unset max tokens for zero value")
	}
}
