// Package config loads the runtime's startup configuration (§6): the
// reasoning-service registry, auto-compression tuning, step/round/shutdown
// ceilings, and which persistence backend to wire in. It is the one place
// that turns a YAML file into the concrete collaborators runtime/facade.New
// expects, so a cmd entrypoint only has to call Load then Build.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/compaction"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
	"github.com/zhanglunet/agent-society/runtime/reasoning/anthropic"
	"github.com/zhanglunet/agent-society/runtime/reasoning/bedrock"
	"github.com/zhanglunet/agent-society/runtime/reasoning/openai"
	"github.com/zhanglunet/agent-society/runtime/reasoning/ratelimit"
	"github.com/zhanglunet/agent-society/runtime/turn"
)

// Capabilities names the modalities a reasoning service accepts/produces.
type Capabilities struct {
	Input  []string `yaml:"input"`
	Output []string `yaml:"output"`
}

// ServiceConfig describes one entry in the reasoning-service registry.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Provider selects the adapter: "anthropic", "openai", or "bedrock".
	// Defaults to "anthropic".
	Provider              string       `yaml:"provider"`
	BaseURL               string       `yaml:"baseURL"`
	Model                 string       `yaml:"model"`
	APIKey                string       `yaml:"apiKey"`
	MaxConcurrentRequests int          `yaml:"maxConcurrentRequests"`
	Capabilities          Capabilities `yaml:"capabilities"`
	// Default marks the service used when a role names no service and for
	// the compaction engine's summarization calls.
	Default bool `yaml:"default"`
}

// ContextLimitConfig bounds the model context window used to trigger
// auto-compression.
type ContextLimitConfig struct {
	MaxTokens int `yaml:"maxTokens"`
}

// AutoCompressionConfig mirrors compaction.Config's tunables.
type AutoCompressionConfig struct {
	Threshold        float64             `yaml:"threshold"`
	KeepRecentCount  int                 `yaml:"keepRecentCount"`
	SummaryModel     string              `yaml:"summaryModel"`
	SummaryMaxTokens int                 `yaml:"summaryMaxTokens"`
	SummaryTimeoutMs int                 `yaml:"summaryTimeout"`
	ContextLimit     ContextLimitConfig  `yaml:"contextLimit"`
}

// PersistenceConfig selects and configures the persistence backend.
type PersistenceConfig struct {
	// Backend is "file" (default) or "mongo".
	Backend string `yaml:"backend"`
	RuntimeDir string `yaml:"runtimeDir"`
	Mongo struct {
		URI                    string `yaml:"uri"`
		Database               string `yaml:"database"`
		MessagesCollection     string `yaml:"messagesCollection"`
		ConversationCollection string `yaml:"conversationCollection"`
	} `yaml:"mongo"`
}

// ObservabilityConfig configures the optional Pulse-backed event fan-out.
type ObservabilityConfig struct {
	Pulse struct {
		Enabled  bool   `yaml:"enabled"`
		RedisURL string `yaml:"redisURL"`
	} `yaml:"pulse"`
}

// RuntimeConfig is the full §6 configuration surface, loaded from YAML.
type RuntimeConfig struct {
	MaxSteps          int                   `yaml:"maxSteps"`
	MaxToolRounds     int                   `yaml:"maxToolRounds"`
	ShutdownTimeoutMs int                   `yaml:"shutdownTimeoutMs"`
	AutoCompression   AutoCompressionConfig `yaml:"autoCompression"`
	Services          []ServiceConfig       `yaml:"services"`
	Persistence       PersistenceConfig     `yaml:"persistence"`
	Observability     ObservabilityConfig   `yaml:"observability"`
}

// Load reads and parses a YAML config file at path, filling in spec
// defaults for every field left unset.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns the spec's stated defaults: maxSteps 200, maxToolRounds
// 20000, shutdownTimeoutMs 30000, autoCompression threshold 0.85 /
// keepRecentCount 10, file-backed persistence under ./runtime-data.
func Default() RuntimeConfig {
	return RuntimeConfig{
		MaxSteps:          200,
		MaxToolRounds:     20000,
		ShutdownTimeoutMs: 30000,
		AutoCompression: AutoCompressionConfig{
			Threshold:       0.85,
			KeepRecentCount: 10,
			SummaryTimeoutMs: 60000,
		},
		Persistence: PersistenceConfig{
			Backend:    "file",
			RuntimeDir: "./runtime-data",
		},
	}
}

// applyDefaults fills in the fields below that the loaded YAML left at its
// zero value with the spec default, since yaml.Unmarshal into an
// already-defaulted struct only overwrites keys actually present in the file
// — zero-valued numeric fields explicitly set to 0 in the file are
// indistinguishable from "unset" here. MaxSteps is not re-defaulted: an
// explicit 0 stays 0, which disables the per-submission step ceiling.
func applyDefaults(cfg *RuntimeConfig) {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 20000
	}
	if cfg.ShutdownTimeoutMs <= 0 {
		cfg.ShutdownTimeoutMs = 30000
	}
	if cfg.AutoCompression.Threshold <= 0 {
		cfg.AutoCompression.Threshold = 0.85
	}
	if cfg.AutoCompression.KeepRecentCount <= 0 {
		cfg.AutoCompression.KeepRecentCount = 10
	}
	if cfg.AutoCompression.SummaryTimeoutMs <= 0 {
		cfg.AutoCompression.SummaryTimeoutMs = 60000
	}
	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = "file"
	}
	if cfg.Persistence.Backend == "file" && cfg.Persistence.RuntimeDir == "" {
		cfg.Persistence.RuntimeDir = "./runtime-data"
	}
}

func validate(cfg *RuntimeConfig) error {
	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one reasoning service is required")
	}
	seenDefault := false
	for _, svc := range cfg.Services {
		if svc.ID == "" {
			return fmt.Errorf("service entry missing id")
		}
		if svc.Model == "" {
			return fmt.Errorf("service %q missing model", svc.ID)
		}
		if svc.Default {
			seenDefault = true
		}
	}
	if !seenDefault {
		cfg.Services[0].Default = true
	}
	switch cfg.Persistence.Backend {
	case "file", "mongo":
	default:
		return fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
	return nil
}

// LifecycleConfig translates the loaded RuntimeConfig into the lifecycle
// package's Config shape. The compaction ContextLimit is taken from
// AutoCompression.ContextLimit.MaxTokens and applies to every role alike;
// the single-Config-per-Manager shape cannot express per-role limits.
func (cfg RuntimeConfig) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		Turn: turn.Config{
			MaxToolRounds: cfg.MaxToolRounds,
			Compaction: compaction.Config{
				Threshold:        cfg.AutoCompression.Threshold,
				KeepRecentCount:  cfg.AutoCompression.KeepRecentCount,
				ContextLimit:     cfg.AutoCompression.ContextLimit.MaxTokens,
				Timeout:          time.Duration(cfg.AutoCompression.SummaryTimeoutMs) * time.Millisecond,
				SummaryModel:     cfg.AutoCompression.SummaryModel,
				SummaryMaxTokens: cfg.AutoCompression.SummaryMaxTokens,
			},
		},
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeoutMs) * time.Millisecond,
		MaxSteps:        cfg.MaxSteps,
	}
}

// BuildRouter constructs a reasoning.Router from the service registry,
// instantiating the named provider adapter per entry and wrapping each in a
// maxConcurrentRequests-bounded, AIMD-rate-limited reasoning.Service.
func BuildRouter(ctx context.Context, services []ServiceConfig) (reasoning.Router, error) {
	r := &router{byKey: make(map[string]reasoning.Service, len(services))}
	for _, svc := range services {
		service, err := buildService(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("config: build service %q: %w", svc.ID, err)
		}
		r.byKey[svc.ID] = service
		if svc.Name != "" {
			r.byKey[svc.Name] = service
		}
		if svc.Default {
			r.defaultService = service
		}
	}
	if r.defaultService == nil {
		return nil, fmt.Errorf("config: no default reasoning service configured")
	}
	return r, nil
}

func buildService(ctx context.Context, svc ServiceConfig) (reasoning.Service, error) {
	var (
		base reasoning.Service
		err  error
	)
	switch strings.ToLower(svc.Provider) {
	case "", "anthropic":
		base, err = buildAnthropic(svc)
	case "openai":
		base, err = buildOpenAI(svc)
	case "bedrock":
		base, err = buildBedrock(ctx, svc)
	default:
		return nil, fmt.Errorf("unknown provider %q", svc.Provider)
	}
	if err != nil {
		return nil, err
	}

	if svc.MaxConcurrentRequests > 0 {
		base = newConcurrencyLimiter(base, svc.MaxConcurrentRequests)
	}
	// Wrap every provider in the adaptive-budget limiter even without an
	// explicit TPM config knob: it costs nothing idle and backs off
	// automatically the first time the provider returns a rate-limit error.
	initialTPM := float64(svc.MaxConcurrentRequests) * 20000
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	return ratelimit.New(ctx, base, nil, "", initialTPM, initialTPM*4), nil
}

func buildAnthropic(svc ServiceConfig) (reasoning.Service, error) {
	if svc.APIKey == "" {
		return nil, fmt.Errorf("anthropic service %q missing apiKey", svc.ID)
	}
	if svc.BaseURL == "" {
		return anthropic.NewFromAPIKey(svc.APIKey, svc.Model)
	}
	return anthropic.NewFromAPIKeyAndBaseURL(svc.APIKey, svc.BaseURL, svc.Model)
}

func buildOpenAI(svc ServiceConfig) (reasoning.Service, error) {
	if svc.APIKey == "" {
		return nil, fmt.Errorf("openai service %q missing apiKey", svc.ID)
	}
	if svc.BaseURL == "" {
		return openai.NewFromAPIKey(svc.APIKey, svc.Model)
	}
	return openai.NewFromAPIKeyAndBaseURL(svc.APIKey, svc.BaseURL, svc.Model)
}

func buildBedrock(ctx context.Context, svc ServiceConfig) (reasoning.Service, error) {
	return bedrock.NewFromDefaultConfig(ctx, svc.Model)
}

// router implements reasoning.Router over a flat id/name keyed map.
type router struct {
	byKey          map[string]reasoning.Service
	defaultService reasoning.Service
}

func (r *router) ServiceFor(roleID string) reasoning.Service {
	if s, ok := r.byKey[roleID]; ok {
		return s
	}
	return nil
}

func (r *router) Default() reasoning.Service { return r.defaultService }

var _ reasoning.Router = (*router)(nil)

// concurrencyLimiter caps in-flight Chat calls at a fixed concurrency,
// matching the service registry's literal maxConcurrentRequests knob
// (distinct from ratelimit.Limiter's tokens-per-minute budget).
type concurrencyLimiter struct {
	next reasoning.Service
	sem  chan struct{}
}

func newConcurrencyLimiter(next reasoning.Service, max int) *concurrencyLimiter {
	return &concurrencyLimiter{next: next, sem: make(chan struct{}, max)}
}

func (c *concurrencyLimiter) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return reasoning.Response{}, ctx.Err()
	}
	defer func() { <-c.sem }()
	return c.next.Chat(ctx, agentID, req, token)
}

func (c *concurrencyLimiter) Abort(agentID string) { c.next.Abort(agentID) }

var _ reasoning.Service = (*concurrencyLimiter)(nil)
