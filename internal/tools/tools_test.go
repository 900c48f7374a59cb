package tools_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/parlorbank/voxgate/internal/tools"
	"github.com/parlorbank/voxgate/internal/tools/mock"
)

func TestTruncateUnderCap(t *testing.T) {
	t.Parallel()

	value := map[string]any{"balance": 1200.5, "currency": "GBP"}
	got := tools.Truncate(value, 2048)
	if _, ok := got.(map[string]any); !ok {
		t.Fatalf("Truncate: expected value unchanged, got %T", got)
	}
	if got.(map[string]any)["currency"] != "GBP" {
		t.Fatal("Truncate: value mutated below the cap")
	}
}

func TestTruncateOverCap(t *testing.T) {
	t.Parallel()

	value := map[string]any{"blob": strings.Repeat("x", 4096)}
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: unexpected error: %v", err)
	}

	got, ok := tools.Truncate(value, 256).(map[string]any)
	if !ok {
		t.Fatalf("Truncate: expected marker object, got %T", got)
	}
	if got["truncated"] != true {
		t.Fatal("Truncate: expected truncated=true marker")
	}
	if got["originalSize"] != len(raw) {
		t.Fatalf("Truncate: expected originalSize %d, got %v", len(raw), got["originalSize"])
	}
	preview, ok := got["preview"].(string)
	if !ok || len(preview) != 256 {
		t.Fatalf("Truncate: expected a %d-byte preview, got %q", 256, preview)
	}
}

func TestTruncateZeroLimitUsesDefault(t *testing.T) {
	t.Parallel()

	small := map[string]any{"ok": true}
	if _, ok := tools.Truncate(small, 0).(map[string]any); !ok {
		t.Fatal("Truncate: small value should pass through under the default cap")
	}

	big := strings.Repeat("y", tools.DefaultResultCap*2)
	marker, ok := tools.Truncate(big, 0).(map[string]any)
	if !ok || marker["truncated"] != true {
		t.Fatal("Truncate: oversize value should be truncated at the default cap")
	}
}

func TestRemapperRenamesRequestAndResponse(t *testing.T) {
	t.Parallel()

	backend := &mock.Invoker{Results: map[string]tools.Result{
		"check_balance": tools.OK(map[string]any{"accountId": "12345678", "balance": 1200.5}),
	}}
	remapper := tools.NewRemapper(backend, map[string]map[string]string{
		"check_balance": {"accountNumber": "accountId"},
	})

	res := remapper.Execute(context.Background(), "check_balance", map[string]any{
		"accountNumber": "12345678",
		"sortCode":      "112233",
	})
	if !res.Success {
		t.Fatalf("Execute: unexpected failure: %s %s", res.Kind, res.Message)
	}

	// The backend must have seen the remapped field name.
	calls := backend.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(calls))
	}
	sent := calls[0].Args[1].(map[string]any)
	if _, ok := sent["accountId"]; !ok {
		t.Fatalf("Execute: expected backend to receive accountId, got %v", sent)
	}
	if _, ok := sent["accountNumber"]; ok {
		t.Fatal("Execute: internal field name leaked to the backend")
	}
	if sent["sortCode"] != "112233" {
		t.Fatal("Execute: unmapped fields must pass through unchanged")
	}

	// The response must come back under the internal name.
	value := res.Value.(map[string]any)
	if value["accountNumber"] != "12345678" {
		t.Fatalf("Execute: expected accountNumber restored in response, got %v", value)
	}
	if _, ok := value["accountId"]; ok {
		t.Fatal("Execute: backend field name leaked to the caller")
	}
}

func TestRemapperPassThrough(t *testing.T) {
	t.Parallel()

	backend := &mock.Invoker{Results: map[string]tools.Result{
		"check_transactions": tools.OK([]any{"tx-1"}),
	}}
	remapper := tools.NewRemapper(backend, map[string]map[string]string{
		"check_balance": {"accountNumber": "accountId"},
	})

	input := map[string]any{"accountNumber": "12345678"}
	res := remapper.Execute(context.Background(), "check_transactions", input)
	if !res.Success {
		t.Fatalf("Execute: unexpected failure: %s", res.Message)
	}

	sent := backend.Calls()[0].Args[1].(map[string]any)
	if _, ok := sent["accountNumber"]; !ok {
		t.Fatal("Execute: tools without a remap entry must pass through unchanged")
	}
}

func TestRemapperLeavesFailuresAlone(t *testing.T) {
	t.Parallel()

	backend := &mock.Invoker{Results: map[string]tools.Result{
		"check_balance": tools.Failure(tools.KindUpstream, "backend down"),
	}}
	remapper := tools.NewRemapper(backend, map[string]map[string]string{
		"check_balance": {"accountNumber": "accountId"},
	})

	res := remapper.Execute(context.Background(), "check_balance", nil)
	if res.Success {
		t.Fatal("Execute: expected failure to propagate")
	}
	if res.Kind != tools.KindUpstream || res.Message != "backend down" {
		t.Fatalf("Execute: failure mutated by remapper: %+v", res)
	}
}

func TestResultHelpers(t *testing.T) {
	t.Parallel()

	ok := tools.OK("done")
	if !ok.Success || ok.Value != "done" || ok.Kind != "" {
		t.Fatalf("OK: unexpected result %+v", ok)
	}

	fail := tools.Failure(tools.KindTimeout, "tool %q timed out", "check_balance")
	if fail.Success {
		t.Fatal("Failure: expected Success=false")
	}
	if fail.Kind != tools.KindTimeout {
		t.Fatalf("Failure: expected kind %q, got %q", tools.KindTimeout, fail.Kind)
	}
	if fail.Message != `tool "check_balance" timed out` {
		t.Fatalf("Failure: unexpected message %q", fail.Message)
	}
}
