package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/parlorbank/voxgate/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log_level: debug
log_format: json

store:
  backend: redis
  fallback: none
  history_limit: 25
  redis:
    addr: localhost:6379
    password: hunter2
    db: 3
    key_prefix: "test:"

registry:
  backend: redis
  heartbeat_interval_seconds: 5
  healthy_window_seconds: 20

gateway:
  listen_addr: ":9090"
  default_workflow: banking
  persona_dir: testdata/personas
  allowed_origins:
    - "app.example.com"
  disconnect_grace_seconds: 30
  handoff_ack_timeout_ms: 500
  auto_trigger_delay_ms: 1500

agent:
  id: banking
  listen_addr: ":9191"
  advertise_url: http://agents.internal:9191
  gateway_url: http://localhost:9090
  mode: voice
  persona_dirs:
    - testdata/personas
  commitment_patterns:
    - "(?i)one moment"

tools:
  backend: http
  base_url: http://localhost:4000
  auth_token: tok-test
  timeout_ms: 8000
  remap:
    check_balance:
      accountNumber: accountId

reasoner:
  backend: openai
  model: gpt-4o-mini
  api_key: sk-test
  timeout_ms: 4000

voice:
  model_id: amazon.nova-sonic-v1:0
  voice_id: tiffany
  region: us-east-1
  debounce_ms: 250
  ttfb_timeout_seconds: 15
  idle_timeout_seconds: 900
  filler_phrases:
    - "Let me check that for you."
`

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != config.LogJSON {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.Store.Backend != config.StoreRedis {
		t.Errorf("Store.Backend = %q, want redis", cfg.Store.Backend)
	}
	if cfg.Store.Fallback != config.FallbackNone {
		t.Errorf("Store.Fallback = %q, want none", cfg.Store.Fallback)
	}
	if cfg.Store.HistoryLimit != 25 {
		t.Errorf("Store.HistoryLimit = %d, want 25", cfg.Store.HistoryLimit)
	}
	if cfg.Store.Redis.Addr != "localhost:6379" || cfg.Store.Redis.DB != 3 {
		t.Errorf("Store.Redis = %+v, want addr localhost:6379 db 3", cfg.Store.Redis)
	}
	if cfg.Store.Redis.KeyPrefix != "test:" {
		t.Errorf("Store.Redis.KeyPrefix = %q, want test:", cfg.Store.Redis.KeyPrefix)
	}

	// The registry block does not set its own redis address, so it reuses
	// the store's connection settings wholesale.
	if cfg.Registry.Redis.Addr != "localhost:6379" || cfg.Registry.Redis.Password != "hunter2" {
		t.Errorf("Registry.Redis = %+v, want store.redis settings", cfg.Registry.Redis)
	}
	if got := cfg.Registry.HeartbeatInterval(); got != 5*time.Second {
		t.Errorf("HeartbeatInterval() = %v, want 5s", got)
	}
	if got := cfg.Registry.HealthyWindow(); got != 20*time.Second {
		t.Errorf("HealthyWindow() = %v, want 20s", got)
	}

	if cfg.Gateway.ListenAddr != ":9090" {
		t.Errorf("Gateway.ListenAddr = %q, want :9090", cfg.Gateway.ListenAddr)
	}
	if cfg.Gateway.DefaultWorkflow != "banking" {
		t.Errorf("Gateway.DefaultWorkflow = %q, want banking", cfg.Gateway.DefaultWorkflow)
	}
	if got := cfg.Gateway.DisconnectGrace(); got != 30*time.Second {
		t.Errorf("DisconnectGrace() = %v, want 30s", got)
	}
	if got := cfg.Gateway.HandoffAckTimeout(); got != 500*time.Millisecond {
		t.Errorf("HandoffAckTimeout() = %v, want 500ms", got)
	}
	if got := cfg.Gateway.AutoTriggerDelay(); got != 1500*time.Millisecond {
		t.Errorf("AutoTriggerDelay() = %v, want 1.5s", got)
	}

	if cfg.Agent.ID != "banking" || cfg.Agent.Mode != config.ModeVoice {
		t.Errorf("Agent = %+v, want id banking mode voice", cfg.Agent)
	}
	if cfg.Agent.AdvertiseURL != "http://agents.internal:9191" {
		t.Errorf("Agent.AdvertiseURL = %q", cfg.Agent.AdvertiseURL)
	}
	if len(cfg.Agent.CommitmentPatterns) != 1 {
		t.Errorf("Agent.CommitmentPatterns = %v, want one entry", cfg.Agent.CommitmentPatterns)
	}

	if cfg.Tools.Backend != config.ToolHTTP || cfg.Tools.BaseURL != "http://localhost:4000" {
		t.Errorf("Tools = %+v", cfg.Tools)
	}
	if got := cfg.Tools.Timeout(); got != 8*time.Second {
		t.Errorf("Tools.Timeout() = %v, want 8s", got)
	}
	if cfg.Tools.Remap["check_balance"]["accountNumber"] != "accountId" {
		t.Errorf("Tools.Remap = %v, want check_balance accountNumber → accountId", cfg.Tools.Remap)
	}

	if cfg.Reasoner.Backend != config.ReasonerOpenAI || cfg.Reasoner.Model != "gpt-4o-mini" {
		t.Errorf("Reasoner = %+v", cfg.Reasoner)
	}
	if got := cfg.Reasoner.Timeout(); got != 4*time.Second {
		t.Errorf("Reasoner.Timeout() = %v, want 4s", got)
	}

	if cfg.Voice.VoiceID != "tiffany" {
		t.Errorf("Voice.VoiceID = %q, want tiffany", cfg.Voice.VoiceID)
	}
	if got := cfg.Voice.Debounce(); got != 250*time.Millisecond {
		t.Errorf("Voice.Debounce() = %v, want 250ms", got)
	}
	if got := cfg.Voice.TTFBTimeout(); got != 15*time.Second {
		t.Errorf("Voice.TTFBTimeout() = %v, want 15s", got)
	}
	if got := cfg.Voice.IdleTimeout(); got != 15*time.Minute {
		t.Errorf("Voice.IdleTimeout() = %v, want 15m", got)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.LogFormat != config.LogText {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.Store.Backend != config.StoreInMem {
		t.Errorf("Store.Backend = %q, want inmem", cfg.Store.Backend)
	}
	if cfg.Store.Fallback != config.FallbackInMem {
		t.Errorf("Store.Fallback = %q, want inmem", cfg.Store.Fallback)
	}
	if cfg.Store.HistoryLimit != 50 {
		t.Errorf("Store.HistoryLimit = %d, want 50", cfg.Store.HistoryLimit)
	}
	if cfg.Store.Redis.KeyPrefix != "voxgate:" {
		t.Errorf("Store.Redis.KeyPrefix = %q, want voxgate:", cfg.Store.Redis.KeyPrefix)
	}
	if cfg.Registry.Backend != config.RegistryInMem {
		t.Errorf("Registry.Backend = %q, want inmem", cfg.Registry.Backend)
	}
	if got := cfg.Registry.HeartbeatInterval(); got != 10*time.Second {
		t.Errorf("HeartbeatInterval() = %v, want 10s", got)
	}
	if got := cfg.Registry.HealthyWindow(); got != 30*time.Second {
		t.Errorf("HealthyWindow() = %v, want 30s", got)
	}
	if cfg.Gateway.ListenAddr != ":8080" {
		t.Errorf("Gateway.ListenAddr = %q, want :8080", cfg.Gateway.ListenAddr)
	}
	if cfg.Gateway.DefaultWorkflow != "triage" {
		t.Errorf("Gateway.DefaultWorkflow = %q, want triage", cfg.Gateway.DefaultWorkflow)
	}
	if cfg.Gateway.PersonaDir != "configs" {
		t.Errorf("Gateway.PersonaDir = %q, want configs", cfg.Gateway.PersonaDir)
	}
	if got := cfg.Gateway.DisconnectGrace(); got != time.Minute {
		t.Errorf("DisconnectGrace() = %v, want 1m", got)
	}
	if got := cfg.Gateway.HandoffAckTimeout(); got != time.Second {
		t.Errorf("HandoffAckTimeout() = %v, want 1s", got)
	}
	if got := cfg.Gateway.AutoTriggerDelay(); got != 2*time.Second {
		t.Errorf("AutoTriggerDelay() = %v, want 2s", got)
	}
	if cfg.Agent.ListenAddr != ":8081" {
		t.Errorf("Agent.ListenAddr = %q, want :8081", cfg.Agent.ListenAddr)
	}
	if cfg.Agent.AdvertiseURL != "http://localhost:8081" {
		t.Errorf("Agent.AdvertiseURL = %q, want http://localhost:8081", cfg.Agent.AdvertiseURL)
	}
	if cfg.Agent.Mode != config.ModeHybrid {
		t.Errorf("Agent.Mode = %q, want hybrid", cfg.Agent.Mode)
	}
	if len(cfg.Agent.PersonaDirs) != 1 || cfg.Agent.PersonaDirs[0] != "configs" {
		t.Errorf("Agent.PersonaDirs = %v, want [configs]", cfg.Agent.PersonaDirs)
	}
	if cfg.Tools.Backend != config.ToolHTTP {
		t.Errorf("Tools.Backend = %q, want http", cfg.Tools.Backend)
	}
	if got := cfg.Tools.Timeout(); got != 10*time.Second {
		t.Errorf("Tools.Timeout() = %v, want 10s", got)
	}
	if cfg.Reasoner.Backend != config.ReasonerBedrock {
		t.Errorf("Reasoner.Backend = %q, want bedrock", cfg.Reasoner.Backend)
	}
	if cfg.Reasoner.Model != "amazon.nova-lite-v1:0" {
		t.Errorf("Reasoner.Model = %q, want amazon.nova-lite-v1:0", cfg.Reasoner.Model)
	}
	if got := cfg.Reasoner.Timeout(); got != 5*time.Second {
		t.Errorf("Reasoner.Timeout() = %v, want 5s", got)
	}
	if cfg.Voice.ModelID != "amazon.nova-sonic-v1:0" {
		t.Errorf("Voice.ModelID = %q, want amazon.nova-sonic-v1:0", cfg.Voice.ModelID)
	}
	if cfg.Voice.VoiceID != "matthew" {
		t.Errorf("Voice.VoiceID = %q, want matthew", cfg.Voice.VoiceID)
	}
	if got := cfg.Voice.Debounce(); got != 500*time.Millisecond {
		t.Errorf("Voice.Debounce() = %v, want 500ms", got)
	}
	if got := cfg.Voice.TTFBTimeout(); got != 30*time.Second {
		t.Errorf("Voice.TTFBTimeout() = %v, want 30s", got)
	}
	if got := cfg.Voice.IdleTimeout(); got != time.Hour {
		t.Errorf("Voice.IdleTimeout() = %v, want 1h", got)
	}
}

func TestLoadFromReader_RegistryRedisOverride(t *testing.T) {
	t.Parallel()
	yaml := `
store:
  backend: redis
  redis:
    addr: store.redis:6379
registry:
  backend: redis
  redis:
    addr: registry.redis:6379
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Registry.Redis.Addr != "registry.redis:6379" {
		t.Errorf("Registry.Redis.Addr = %q, want registry.redis:6379", cfg.Registry.Redis.Addr)
	}
	if cfg.Registry.Redis.KeyPrefix != "voxgate:" {
		t.Errorf("Registry.Redis.KeyPrefix = %q, want voxgate:", cfg.Registry.Redis.KeyPrefix)
	}
}
