package registry_test

import (
	"testing"
	"time"

	"github.com/parlorbank/voxgate/internal/registry"
)

func TestStatusIsValid(t *testing.T) {
	t.Parallel()

	valid := []registry.Status{registry.StatusStarting, registry.StatusHealthy, registry.StatusUnhealthy}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("IsValid(%q): expected true", s)
		}
	}
	for _, s := range []registry.Status{"", "ok", "HEALTHY"} {
		if s.IsValid() {
			t.Errorf("IsValid(%q): expected false", s)
		}
	}
}

func TestHealthyAt(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	window := 30 * time.Second

	tests := []struct {
		name string
		info registry.AgentInfo
		want bool
	}{
		{
			name: "fresh healthy agent",
			info: registry.AgentInfo{Status: registry.StatusHealthy, LastHeartbeat: now.Add(-5 * time.Second)},
			want: true,
		},
		{
			name: "heartbeat just inside the window",
			info: registry.AgentInfo{Status: registry.StatusHealthy, LastHeartbeat: now.Add(-window + time.Millisecond)},
			want: true,
		},
		{
			name: "heartbeat exactly at the window is stale",
			info: registry.AgentInfo{Status: registry.StatusHealthy, LastHeartbeat: now.Add(-window)},
			want: false,
		},
		{
			name: "heartbeat past the window",
			info: registry.AgentInfo{Status: registry.StatusHealthy, LastHeartbeat: now.Add(-window - time.Second)},
			want: false,
		},
		{
			name: "starting agent with fresh heartbeat",
			info: registry.AgentInfo{Status: registry.StatusStarting, LastHeartbeat: now},
			want: false,
		},
		{
			name: "unhealthy agent with fresh heartbeat",
			info: registry.AgentInfo{Status: registry.StatusUnhealthy, LastHeartbeat: now},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.info.HealthyAt(now, window); got != tt.want {
				t.Errorf("HealthyAt: expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestHasCapability(t *testing.T) {
	t.Parallel()

	info := registry.AgentInfo{Capabilities: []string{"banking", "disputes"}}
	if !info.HasCapability("banking") {
		t.Error("HasCapability(banking): expected true")
	}
	if info.HasCapability("mortgage") {
		t.Error("HasCapability(mortgage): expected false")
	}
	if (registry.AgentInfo{}).HasCapability("banking") {
		t.Error("HasCapability on empty list: expected false")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := registry.AgentInfo{
		AgentID:      "banking",
		Capabilities: []string{"banking"},
	}
	clone := orig.Clone()
	clone.Capabilities[0] = "mortgage"

	if orig.Capabilities[0] != "banking" {
		t.Fatal("Clone: mutating the clone's capabilities leaked into the original")
	}
}
