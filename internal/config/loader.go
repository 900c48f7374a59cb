package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] to fields left unset.
const (
	defaultHistoryLimit         = 50
	defaultKeyPrefix            = "voxgate:"
	defaultHeartbeatSeconds     = 10
	defaultHealthyWindowSeconds = 30
	defaultGatewayAddr          = ":8080"
	defaultWorkflowID           = "triage"
	defaultPersonaRoot          = "configs"
	defaultGraceSeconds         = 60
	defaultAckTimeoutMS         = 1000
	defaultAutoTriggerMS        = 2000
	defaultAgentAddr            = ":8081"
	defaultToolTimeoutMS        = 10000
	defaultReasonerTimeoutMS    = 5000
	defaultBedrockModel         = "amazon.nova-lite-v1:0"
	defaultVoiceModelID         = "amazon.nova-sonic-v1:0"
	defaultVoiceID              = "matthew"
	defaultDebounceMS           = 500
	defaultTTFBSeconds          = 30
	defaultIdleSeconds          = 3600
)

// envRef matches ${NAME} references with POSIX-style variable names.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a [Config] with
// ${ENV} references expanded, defaults applied, and all values validated.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadAgent loads path like [Load] and additionally enforces the fields the
// voxagent binary cannot run without.
func LoadAgent(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	var errs []error
	if cfg.Agent.ID == "" {
		errs = append(errs, errors.New("agent.id is required"))
	}
	if cfg.Agent.GatewayURL == "" {
		errs = append(errs, errors.New("agent.gateway_url is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces every ${NAME} reference in raw with the value of the
// corresponding environment variable. Unset variables expand to the empty
// string with a warning.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := string(envRef.FindSubmatch(ref)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config references an unset environment variable", "var", name)
		}
		return []byte(val)
	})
}

// applyDefaults fills in the documented default for every field left at its
// zero value. A zero duration or count therefore cannot be configured
// explicitly; use a negative value to have [Validate] reject it instead.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = LogText
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreInMem
	}
	if cfg.Store.Fallback == "" {
		cfg.Store.Fallback = FallbackInMem
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = defaultKeyPrefix
	}

	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = RegistryInMem
	}
	if cfg.Registry.Redis.Addr == "" {
		cfg.Registry.Redis = cfg.Store.Redis
	} else if cfg.Registry.Redis.KeyPrefix == "" {
		cfg.Registry.Redis.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Registry.HeartbeatIntervalSeconds == 0 {
		cfg.Registry.HeartbeatIntervalSeconds = defaultHeartbeatSeconds
	}
	if cfg.Registry.HealthyWindowSeconds == 0 {
		cfg.Registry.HealthyWindowSeconds = defaultHealthyWindowSeconds
	}

	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = defaultGatewayAddr
	}
	if cfg.Gateway.DefaultWorkflow == "" {
		cfg.Gateway.DefaultWorkflow = defaultWorkflowID
	}
	if cfg.Gateway.PersonaDir == "" {
		cfg.Gateway.PersonaDir = defaultPersonaRoot
	}
	if cfg.Gateway.DisconnectGraceSeconds == 0 {
		cfg.Gateway.DisconnectGraceSeconds = defaultGraceSeconds
	}
	if cfg.Gateway.HandoffAckTimeoutMS == 0 {
		cfg.Gateway.HandoffAckTimeoutMS = defaultAckTimeoutMS
	}
	if cfg.Gateway.AutoTriggerDelayMS == 0 {
		cfg.Gateway.AutoTriggerDelayMS = defaultAutoTriggerMS
	}

	if cfg.Agent.ListenAddr == "" {
		cfg.Agent.ListenAddr = defaultAgentAddr
	}
	if cfg.Agent.AdvertiseURL == "" {
		cfg.Agent.AdvertiseURL = defaultAdvertiseURL(cfg.Agent.ListenAddr)
	}
	if cfg.Agent.Mode == "" {
		cfg.Agent.Mode = ModeHybrid
	}
	if len(cfg.Agent.PersonaDirs) == 0 {
		cfg.Agent.PersonaDirs = []string{defaultPersonaRoot}
	}

	if cfg.Tools.Backend == "" {
		cfg.Tools.Backend = ToolHTTP
	}
	if cfg.Tools.TimeoutMS == 0 {
		cfg.Tools.TimeoutMS = defaultToolTimeoutMS
	}

	if cfg.Reasoner.Backend == "" {
		cfg.Reasoner.Backend = ReasonerBedrock
	}
	if cfg.Reasoner.Model == "" && cfg.Reasoner.Backend == ReasonerBedrock {
		cfg.Reasoner.Model = defaultBedrockModel
	}
	if cfg.Reasoner.TimeoutMS == 0 {
		cfg.Reasoner.TimeoutMS = defaultReasonerTimeoutMS
	}

	if cfg.Voice.ModelID == "" {
		cfg.Voice.ModelID = defaultVoiceModelID
	}
	if cfg.Voice.VoiceID == "" {
		cfg.Voice.VoiceID = defaultVoiceID
	}
	if cfg.Voice.DebounceMS == 0 {
		cfg.Voice.DebounceMS = defaultDebounceMS
	}
	if cfg.Voice.TTFBTimeoutSeconds == 0 {
		cfg.Voice.TTFBTimeoutSeconds = defaultTTFBSeconds
	}
	if cfg.Voice.IdleTimeoutSeconds == 0 {
		cfg.Voice.IdleTimeoutSeconds = defaultIdleSeconds
	}
}

// defaultAdvertiseURL derives a reachable base URL from a listen address.
func defaultAdvertiseURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "http://localhost" + listenAddr
	}
	return "http://" + listenAddr
}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied already and returns a joined error listing
// all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !cfg.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("log_format %q is invalid; valid values: text, json", cfg.LogFormat))
	}

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: inmem, redis, postgres", cfg.Store.Backend))
	}
	if !cfg.Store.Fallback.IsValid() {
		errs = append(errs, fmt.Errorf("store.fallback %q is invalid; valid values: inmem, none", cfg.Store.Fallback))
	}
	if cfg.Store.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("store.history_limit %d must not be negative", cfg.Store.HistoryLimit))
	}
	if cfg.Store.Backend == StoreRedis && cfg.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr is required when store.backend is redis"))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.Postgres.DSN == "" {
		errs = append(errs, errors.New("store.postgres.dsn is required when store.backend is postgres"))
	}

	// Registry
	if !cfg.Registry.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("registry.backend %q is invalid; valid values: inmem, redis", cfg.Registry.Backend))
	}
	if cfg.Registry.Backend == RegistryRedis && cfg.Registry.Redis.Addr == "" {
		errs = append(errs, errors.New("registry.redis.addr (or store.redis.addr) is required when registry.backend is redis"))
	}
	if cfg.Registry.HeartbeatIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("registry.heartbeat_interval_seconds %d must not be negative", cfg.Registry.HeartbeatIntervalSeconds))
	}
	if cfg.Registry.HealthyWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("registry.healthy_window_seconds %d must not be negative", cfg.Registry.HealthyWindowSeconds))
	}
	if cfg.Registry.HeartbeatIntervalSeconds > 0 && cfg.Registry.HealthyWindowSeconds <= cfg.Registry.HeartbeatIntervalSeconds {
		slog.Warn("registry healthy window is not larger than the heartbeat interval; agents will flap unhealthy between heartbeats",
			"heartbeat_interval_seconds", cfg.Registry.HeartbeatIntervalSeconds,
			"healthy_window_seconds", cfg.Registry.HealthyWindowSeconds,
		)
	}

	// Gateway
	if cfg.Gateway.DisconnectGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("gateway.disconnect_grace_seconds %d must not be negative", cfg.Gateway.DisconnectGraceSeconds))
	}
	if cfg.Gateway.HandoffAckTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("gateway.handoff_ack_timeout_ms %d must not be negative", cfg.Gateway.HandoffAckTimeoutMS))
	}
	if cfg.Gateway.AutoTriggerDelayMS < 0 {
		errs = append(errs, fmt.Errorf("gateway.auto_trigger_delay_ms %d must not be negative", cfg.Gateway.AutoTriggerDelayMS))
	}

	// Agent
	if !cfg.Agent.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("agent.mode %q is invalid; valid values: text, voice, hybrid", cfg.Agent.Mode))
	}
	for i, pat := range cfg.Agent.CommitmentPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			errs = append(errs, fmt.Errorf("agent.commitment_patterns[%d] %q does not compile: %v", i, pat, err))
		}
	}

	// Tools
	if !cfg.Tools.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("tools.backend %q is invalid; valid values: http, mcp", cfg.Tools.Backend))
	}
	if cfg.Tools.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_ms %d must not be negative", cfg.Tools.TimeoutMS))
	}
	switch cfg.Tools.Backend {
	case ToolHTTP:
		if cfg.Tools.BaseURL == "" {
			slog.Warn("tools.base_url is empty; tool execution will fail until it is set")
		}
	case ToolMCP:
		if cfg.Tools.MCPURL == "" {
			slog.Warn("tools.mcp_url is empty; tool execution will fail until it is set")
		}
	}

	// Reasoner
	if !cfg.Reasoner.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("reasoner.backend %q is invalid; valid values: bedrock, anyllm, openai, mock", cfg.Reasoner.Backend))
	}
	if cfg.Reasoner.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("reasoner.timeout_ms %d must not be negative", cfg.Reasoner.TimeoutMS))
	}
	switch cfg.Reasoner.Backend {
	case ReasonerAnyLLM, ReasonerOpenAI:
		if cfg.Reasoner.Model == "" {
			errs = append(errs, fmt.Errorf("reasoner.model is required when reasoner.backend is %s", cfg.Reasoner.Backend))
		}
		if cfg.Reasoner.APIKey == "" {
			slog.Warn("reasoner.api_key is empty; the provider may reject decision evaluations", "backend", cfg.Reasoner.Backend)
		}
	}

	// Voice
	if cfg.Voice.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("voice.debounce_ms %d must not be negative", cfg.Voice.DebounceMS))
	}
	if cfg.Voice.TTFBTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("voice.ttfb_timeout_seconds %d must not be negative", cfg.Voice.TTFBTimeoutSeconds))
	}
	if cfg.Voice.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("voice.idle_timeout_seconds %d must not be negative", cfg.Voice.IdleTimeoutSeconds))
	}

	return errors.Join(errs...)
}
