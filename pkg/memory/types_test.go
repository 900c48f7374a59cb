package memory_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/parlorbank/voxgate/pkg/memory"
)

func TestSessionMemoryAccessorsTolerateBadTypes(t *testing.T) {
	t.Parallel()

	m := memory.SessionMemory{
		"verified": "yes", // wrong type
		"userName": 42,    // wrong type
	}
	if m.Verified() {
		t.Error("Verified: expected false for non-bool value")
	}
	if m.UserName() != "" {
		t.Errorf("UserName: expected empty string for non-string value, got %q", m.UserName())
	}
}

func TestSessionMemoryApply(t *testing.T) {
	t.Parallel()

	m := memory.SessionMemory{"userName": "Alice", "account": "12345678"}
	m.Apply(map[string]any{
		"account":  nil, // removes
		"sortCode": "12-34-56",
	})

	if _, ok := m["account"]; ok {
		t.Error("Apply: nil value should remove the key")
	}
	if m.SortCode() != "12-34-56" {
		t.Errorf("Apply: expected sortCode %q, got %q", "12-34-56", m.SortCode())
	}
	if m.UserName() != "Alice" {
		t.Error("Apply: untouched keys must survive")
	}
}

func TestSessionMemoryCloneIsDeep(t *testing.T) {
	t.Parallel()

	m := memory.SessionMemory{
		"graphState": map[string]any{"workflowId": "idv", "context": map[string]any{"step": 1}},
		"tags":       []any{"a", "b"},
	}
	c := m.Clone()

	c["graphState"].(map[string]any)["workflowId"] = "other"
	c["tags"].([]any)[0] = "z"

	if m["graphState"].(map[string]any)["workflowId"] != "idv" {
		t.Error("Clone: nested map mutation leaked into the original")
	}
	if m["tags"].([]any)[0] != "a" {
		t.Error("Clone: nested slice mutation leaked into the original")
	}
}

func TestGraphStateSurvivesJSONRoundTrip(t *testing.T) {
	t.Parallel()

	sess := memory.NewSession("sess-1", "idv", time.Unix(1000, 0))
	sess.Memory.SetGraphState(memory.GraphState{
		WorkflowID:    "identity_verification",
		CurrentNodeID: "ask_account",
		Context:       map[string]any{"attempts": 1.0},
	})

	buf, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("Marshal: unexpected error: %v", err)
	}
	var back memory.Session
	if err := json.Unmarshal(buf, &back); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}

	gs, ok := back.Memory.GraphState()
	if !ok {
		t.Fatal("GraphState: expected decoded graph state after round trip")
	}
	if gs.WorkflowID != "identity_verification" || gs.CurrentNodeID != "ask_account" {
		t.Fatalf("GraphState: unexpected value %+v", gs)
	}
	if gs.Context["attempts"] != 1.0 {
		t.Fatalf("GraphState: context lost in round trip: %+v", gs.Context)
	}
}

func TestPendingHandoffSurvivesJSONRoundTrip(t *testing.T) {
	t.Parallel()

	sess := memory.NewSession("sess-2", "idv", time.Unix(1000, 0))
	sess.Memory.SetPendingHandoff(memory.PendingHandoff{
		Target: "banking",
		Reason: "identity verified",
		Context: map[string]any{
			"verified": true,
			"userName": "Alice",
		},
	})

	buf, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("Marshal: unexpected error: %v", err)
	}
	var back memory.Session
	if err := json.Unmarshal(buf, &back); err != nil {
		t.Fatalf("Unmarshal: unexpected error: %v", err)
	}

	ph, ok := back.Memory.PendingHandoff()
	if !ok {
		t.Fatal("PendingHandoff: expected decoded handoff intent after round trip")
	}
	if ph.Target != "banking" || ph.Reason != "identity verified" {
		t.Fatalf("PendingHandoff: unexpected value %+v", ph)
	}
	if ph.Context["userName"] != "Alice" {
		t.Fatalf("PendingHandoff: context lost in round trip: %+v", ph.Context)
	}

	back.Memory.ClearPendingHandoff()
	if _, ok := back.Memory.PendingHandoff(); ok {
		t.Fatal("ClearPendingHandoff: expected intent to be gone")
	}
}

func TestVerifiedImpliesIdentityFields(t *testing.T) {
	t.Parallel()

	// The store does not enforce the pairing itself, but the accessors must
	// make the check cheap for callers that do.
	m := memory.SessionMemory{}
	m.SetVerified(true)
	m.Apply(map[string]any{
		"userName": "Alice",
		"account":  "12345678",
		"sortCode": "12-34-56",
	})

	if !m.Verified() || m.UserName() == "" || m.Account() == "" || m.SortCode() == "" {
		t.Fatal("expected verified session to expose all identity fields")
	}
}
