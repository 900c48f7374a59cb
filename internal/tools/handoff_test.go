package tools_test

import (
	"testing"

	"github.com/parlorbank/voxgate/internal/tools"
)

func TestIsHandoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want bool
	}{
		{"transfer_to_banking", true},
		{"transfer_to_idv", true},
		{"return_to_triage", true},
		{"check_balance", false},
		{"transfer", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := tools.IsHandoff(tc.name); got != tc.want {
			t.Errorf("IsHandoff(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHandoffTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		target string
		ok     bool
	}{
		{"transfer_to_banking", "banking", true},
		{"transfer_to_mortgage", "mortgage", true},
		{"return_to_triage", "triage", true},
		{"transfer_to_", "", false},
		{"check_balance", "", false},
	}
	for _, tc := range cases {
		target, ok := tools.HandoffTarget(tc.name)
		if target != tc.target || ok != tc.ok {
			t.Errorf("HandoffTarget(%q) = (%q, %v), want (%q, %v)", tc.name, target, ok, tc.target, tc.ok)
		}
	}
}

func TestTransferToolDefinition(t *testing.T) {
	t.Parallel()

	def := tools.TransferTool("banking")
	if def.Name != "transfer_to_banking" {
		t.Errorf("TransferTool: expected name %q, got %q", "transfer_to_banking", def.Name)
	}
	if def.Description == "" {
		t.Error("TransferTool: expected a description")
	}
	if def.InputSchema["type"] != "object" {
		t.Errorf("TransferTool: expected object input schema, got %v", def.InputSchema["type"])
	}
	if !tools.IsHandoff(def.Name) {
		t.Error("TransferTool: generated name must classify as a handoff tool")
	}
}

func TestReturnToTriageToolDefinition(t *testing.T) {
	t.Parallel()

	def := tools.ReturnToTriageTool()
	if def.Name != "return_to_triage" {
		t.Errorf("ReturnToTriageTool: expected name %q, got %q", "return_to_triage", def.Name)
	}
	target, ok := tools.HandoffTarget(def.Name)
	if !ok || target != "triage" {
		t.Errorf("ReturnToTriageTool: expected target triage, got (%q, %v)", target, ok)
	}
}
