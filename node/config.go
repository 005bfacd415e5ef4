package node

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weaveline/loom/runtime/writer"
)

type (
	// Config assembles every tunable of a node. LoadFile layers a YAML
	// document over DefaultConfig; cmd/loomd layers environment variables
	// over the result, so any knob can be set per deployment without a
	// file.
	Config struct {
		Node      NodeConfig      `yaml:"node"`
		Redis     RedisConfig     `yaml:"redis"`
		Postgres  PostgresConfig  `yaml:"postgres"`
		Mongo     MongoConfig     `yaml:"mongo"`
		Queue     QueueConfig     `yaml:"queue"`
		Stream    StreamConfig    `yaml:"stream"`
		Cluster   ClusterConfig   `yaml:"cluster"`
		Models    ModelsConfig    `yaml:"models"`
		Execution ExecutionConfig `yaml:"execution"`
		Lease     LeaseConfig     `yaml:"lease"`
		Buffer    BufferConfig    `yaml:"buffer"`
		Sweeper   SweeperConfig   `yaml:"sweeper"`
		Writer    WriterConfig    `yaml:"writer"`
		Credits   CreditsConfig   `yaml:"credits"`
		Compactor CompactorConfig `yaml:"compactor"`
		Admission AdmissionConfig `yaml:"admission"`
		Sandbox   SandboxConfig   `yaml:"sandbox"`
		Health    HealthConfig    `yaml:"health"`
	}

	// NodeConfig identifies the process and bounds its work intake.
	NodeConfig struct {
		// ID names this worker in leases, run rows, and the cluster map.
		// Defaults to hostname-pid.
		ID string `yaml:"id"`
		// MaxConcurrentRuns bounds runs executing on this node at once.
		// Dispatches beyond it stay pending in the consumer group, so
		// other workers pick them up. Default 64.
		MaxConcurrentRuns int64 `yaml:"max_concurrent_runs"`
		// DrainTimeout bounds how long shutdown waits for in-flight runs
		// before aborting them. Default 30s.
		DrainTimeout time.Duration `yaml:"drain_timeout"`
		// SnapshotInterval paces the metrics history snapshots. Default 1m.
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		// HistoryEntries bounds the metrics history ring buffer. Default
		// 1440 (one day of minute samples).
		HistoryEntries int64 `yaml:"history_entries"`
	}

	// RedisConfig locates the KV and stream store.
	RedisConfig struct {
		// Addr is the redis server address (host:port). Required unless a
		// client is injected.
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// OpTimeout bounds each non-blocking KV operation. Default 5s.
		OpTimeout time.Duration `yaml:"op_timeout"`
	}

	// PostgresConfig locates the durable row store.
	PostgresConfig struct {
		// DSN is the connection string. Required unless a pool is injected.
		DSN string `yaml:"dsn"`
	}

	// MongoConfig locates the optional run event archive. Leaving URI empty
	// disables archiving; the per-run redis stream then remains the only
	// record of stream history.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
		// Collection defaults to run_events.
		Collection string `yaml:"collection"`
	}

	// QueueConfig names the dispatch stream and consumer group.
	QueueConfig struct {
		// Stream defaults to loom_dispatch.
		Stream string `yaml:"stream"`
		// Group defaults to loom_workers. All nodes must share one group.
		Group string `yaml:"group"`
		// MaxLen caps the dispatch stream. Default 16384.
		MaxLen int `yaml:"max_len"`
	}

	// StreamConfig tunes the per-run event streams.
	StreamConfig struct {
		// MaxLen caps each run stream; trimming is approximate. Default 8192.
		MaxLen int64 `yaml:"max_len"`
		// ControlTTL bounds how long the completion signal outlives the
		// run. Default 1h.
		ControlTTL time.Duration `yaml:"control_ttl"`
	}

	// ClusterConfig tunes membership.
	ClusterConfig struct {
		// Name prefixes the replicated map names so several clusters can
		// share a redis. Default loom.
		Name string `yaml:"name"`
		// PingInterval paces the membership heartbeat. Default 10s.
		PingInterval time.Duration `yaml:"ping_interval"`
	}

	// ModelsConfig wires the LLM backends and routing.
	ModelsConfig struct {
		Anthropic AnthropicConfig `yaml:"anthropic"`
		OpenAI    OpenAIConfig    `yaml:"openai"`
		Bedrock   BedrockConfig   `yaml:"bedrock"`
		// Default is the gateway-routed model id used when a run names
		// none, e.g. anthropic/claude-sonnet-4-5.
		Default string `yaml:"default"`
		// Vision replaces a non-vision selection when the thread carries
		// images. Empty disables the switch.
		Vision string `yaml:"vision"`
		// Fallback is the reroute target when a provider sheds load. Empty
		// disables rerouting.
		Fallback string `yaml:"fallback"`
		// Rewrites maps model ids to overload fallback targets inside the
		// gateway.
		Rewrites map[string]string `yaml:"rewrites"`
		Retry    RetryConfig       `yaml:"retry"`
		Breaker  BreakerConfig     `yaml:"breaker"`
		Limiter  LimiterConfig     `yaml:"limiter"`
	}

	// AnthropicConfig enables the Anthropic route when APIKey is set.
	AnthropicConfig struct {
		APIKey string `yaml:"api_key"`
		// DefaultModel is the bare model id the adapter falls back to.
		// Default claude-sonnet-4-5.
		DefaultModel string `yaml:"default_model"`
	}

	// OpenAIConfig enables the OpenAI route when APIKey is set.
	OpenAIConfig struct {
		APIKey string `yaml:"api_key"`
		// DefaultModel defaults to gpt-4o.
		DefaultModel string `yaml:"default_model"`
	}

	// BedrockConfig enables the Bedrock route when Region is set or a
	// runtime client is injected. Credentials come from the injected
	// client; a region-only route relies on ambient AWS configuration.
	BedrockConfig struct {
		Region string `yaml:"region"`
		// DefaultModel defaults to anthropic.claude-sonnet-4-5.
		DefaultModel string `yaml:"default_model"`
	}

	// RetryConfig tunes per-backend dispatch retries.
	RetryConfig struct {
		// MaxAttempts bounds total dispatches, first call included.
		// Default 3.
		MaxAttempts int `yaml:"max_attempts"`
		// BaseDelay is the first backoff interval, doubled per attempt.
		// Default 500ms.
		BaseDelay time.Duration `yaml:"base_delay"`
		// MaxDelay caps the backoff interval. Default 8s.
		MaxDelay time.Duration `yaml:"max_delay"`
	}

	// BreakerConfig tunes the per-backend circuit breakers.
	BreakerConfig struct {
		// FailureThreshold opens the breaker. Default 5.
		FailureThreshold int `yaml:"failure_threshold"`
		// Cooldown is the open interval before the first probe. Default 30s.
		Cooldown time.Duration `yaml:"cooldown"`
		// ProbeSuccesses closes a half-open breaker. Default 2.
		ProbeSuccesses int `yaml:"probe_successes"`
	}

	// LimiterConfig tunes the adaptive tokens-per-minute limiter.
	LimiterConfig struct {
		// InitialTPM is the starting budget per backend. Default 60000.
		InitialTPM float64 `yaml:"initial_tpm"`
		// MaxTPM caps the budget the limiter probes back up to. Clamped to
		// InitialTPM when smaller.
		MaxTPM float64 `yaml:"max_tpm"`
		// Local keeps each node's budget independent instead of
		// coordinating it through the replicated map.
		Local bool `yaml:"local"`
	}

	// ExecutionConfig tunes the orchestrator.
	ExecutionConfig struct {
		// SystemPrompt leads every prepared conversation. Optional.
		SystemPrompt string `yaml:"system_prompt"`
		// MaxIterations bounds the auto-continue loop. Default 25.
		MaxIterations int `yaml:"max_iterations"`
		// MaxTokens caps completion tokens per iteration. Default 8192.
		MaxTokens int `yaml:"max_tokens"`
		// Temperature is passed to the provider. Zero keeps the provider
		// default.
		Temperature float32 `yaml:"temperature"`
		// MaxToolCallsPerTurn caps announcements per iteration. Default 16.
		MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`
		// MaxConcurrentLLM bounds in-flight LLM calls across all runs on
		// this node. Default 100.
		MaxConcurrentLLM int64 `yaml:"max_concurrent_llm"`
	}

	// LeaseConfig tunes run ownership.
	LeaseConfig struct {
		// TTL is the owner key lifetime; the heartbeat interval is TTL/3
		// and the orphan threshold 2*TTL. Default 60s.
		TTL time.Duration `yaml:"ttl"`
		// StatusTTL bounds the informational status keys. Default 1h.
		StatusTTL time.Duration `yaml:"status_ttl"`
	}

	// BufferConfig tunes the write buffer.
	BufferConfig struct {
		// MaxBufferedRuns caps registered runs. Default 500.
		MaxBufferedRuns int `yaml:"max_buffered_runs"`
		// FlushInterval is the background flush period. Default 500ms.
		FlushInterval time.Duration `yaml:"flush_interval"`
		// MaxWriteAttempts before a write is dead-lettered. Default 3.
		MaxWriteAttempts int `yaml:"max_write_attempts"`
	}

	// SweeperConfig tunes recovery.
	SweeperConfig struct {
		// Interval is the sweep cadence. Default 10s.
		Interval time.Duration `yaml:"interval"`
		// MaxRunDuration is the stuck-run threshold. Default 30m.
		MaxRunDuration time.Duration `yaml:"max_run_duration"`
		// RequeueAfter re-dispatches queued runs stranded by a worker that
		// died between ack and claim. Default 2m.
		RequeueAfter time.Duration `yaml:"requeue_after"`
	}

	// WriterConfig selects the transactional discipline.
	WriterConfig struct {
		// Mode is reservation or saga. Default reservation.
		Mode string `yaml:"mode"`
	}

	// CreditsConfig tunes billing.
	CreditsConfig struct {
		// HoldTTL bounds a reservation's lifetime. Default 5m.
		HoldTTL time.Duration `yaml:"hold_ttl"`
		// SweepInterval paces hold garbage collection. Default 1m.
		SweepInterval time.Duration `yaml:"sweep_interval"`
		// PricePerKiloToken scales the default pricer. Zero keeps one
		// credit per thousand tokens.
		PricePerKiloToken float64 `yaml:"price_per_kilo_token"`
	}

	// CompactorConfig tunes context compression.
	CompactorConfig struct {
		// WorkingMemory is the number of recent messages kept verbatim.
		// Default 18.
		WorkingMemory int `yaml:"working_memory"`
		// TriggerSlack is how far past the working memory the history must
		// grow before compression triggers. Default 20.
		TriggerSlack int `yaml:"trigger_slack"`
		// Model is the extraction model id. Default anthropic/claude-haiku.
		Model string `yaml:"model"`
		// MaxSummaryTokens caps the extraction completion. Default 2000.
		MaxSummaryTokens int `yaml:"max_summary_tokens"`
	}

	// AdmissionConfig tunes the guest-session limiter.
	AdmissionConfig struct {
		// SessionMessages caps messages per guest session. Default 3.
		SessionMessages int `yaml:"session_messages"`
		// SessionTTL is the absolute session lifetime. Default 24h.
		SessionTTL time.Duration `yaml:"session_ttl"`
		// IPHourly caps messages per IP hash per rolling hour. Default 10.
		IPHourly int `yaml:"ip_hourly"`
		// IPDaily caps messages per IP hash per rolling day. Default 30.
		IPDaily int `yaml:"ip_daily"`
	}

	// SandboxConfig tunes the warm pool. The pool only runs when a
	// launcher is injected.
	SandboxConfig struct {
		// MinSize is the warm target. Default 5.
		MinSize int `yaml:"min_size"`
		// MaxSize caps pooled sandboxes. Default 20.
		MaxSize int `yaml:"max_size"`
		// StaleAfter expires pooled sandboxes. Default 24h.
		StaleAfter time.Duration `yaml:"stale_after"`
	}

	// HealthConfig tunes the health listener.
	HealthConfig struct {
		// Addr is the listener address, e.g. :8081. Empty disables the
		// listener.
		Addr string `yaml:"addr"`
		// Debug additionally mounts pprof and the debug log toggle.
		Debug bool `yaml:"debug"`
	}
)

// DefaultConfig returns a Config with every default filled in. Redis, the
// postgres DSN, and at least one model backend remain for the caller.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			MaxConcurrentRuns: 64,
			DrainTimeout:      30 * time.Second,
			SnapshotInterval:  time.Minute,
			HistoryEntries:    1440,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			OpTimeout: 5 * time.Second,
		},
		Mongo: MongoConfig{
			Database:   "loom",
			Collection: "run_events",
		},
		Queue: QueueConfig{
			Stream: "loom_dispatch",
			Group:  "loom_workers",
			MaxLen: 16384,
		},
		Stream: StreamConfig{
			MaxLen:     8192,
			ControlTTL: time.Hour,
		},
		Cluster: ClusterConfig{
			Name:         "loom",
			PingInterval: 10 * time.Second,
		},
		Models: ModelsConfig{
			Anthropic: AnthropicConfig{DefaultModel: "claude-sonnet-4-5"},
			OpenAI:    OpenAIConfig{DefaultModel: "gpt-4o"},
			Bedrock:   BedrockConfig{DefaultModel: "anthropic.claude-sonnet-4-5"},
			Default:   "anthropic/claude-sonnet-4-5",
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    8 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
				ProbeSuccesses:   2,
			},
			Limiter: LimiterConfig{
				InitialTPM: 60000,
				MaxTPM:     120000,
			},
		},
		Execution: ExecutionConfig{
			MaxIterations:       25,
			MaxTokens:           8192,
			MaxToolCallsPerTurn: 16,
			MaxConcurrentLLM:    100,
		},
		Lease: LeaseConfig{
			TTL:       60 * time.Second,
			StatusTTL: time.Hour,
		},
		Buffer: BufferConfig{
			MaxBufferedRuns:  500,
			FlushInterval:    500 * time.Millisecond,
			MaxWriteAttempts: 3,
		},
		Sweeper: SweeperConfig{
			Interval:       10 * time.Second,
			MaxRunDuration: 30 * time.Minute,
			RequeueAfter:   2 * time.Minute,
		},
		Writer: WriterConfig{Mode: string(writer.ModeReservation)},
		Credits: CreditsConfig{
			HoldTTL:       5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Compactor: CompactorConfig{
			WorkingMemory:    18,
			TriggerSlack:     20,
			MaxSummaryTokens: 2000,
		},
		Admission: AdmissionConfig{
			SessionMessages: 3,
			SessionTTL:      24 * time.Hour,
			IPHourly:        10,
			IPDaily:         30,
		},
		Sandbox: SandboxConfig{
			MinSize:    5,
			MaxSize:    20,
			StaleAfter: 24 * time.Hour,
		},
	}
}

// LoadFile layers the YAML document at path over DefaultConfig. Keys absent
// from the document keep their defaults.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("node: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("node: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first statically detectable misconfiguration.
// Requirements that depend on injected handles (postgres pool, model
// clients) are checked in New instead.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return errors.New("node: redis address is required")
	}
	switch writer.Mode(c.Writer.Mode) {
	case writer.ModeReservation, writer.ModeSaga:
	default:
		return fmt.Errorf("node: unknown writer mode %q", c.Writer.Mode)
	}
	if c.Models.Default == "" {
		return errors.New("node: default model id is required")
	}
	if c.Models.Fallback != "" && c.Models.Fallback == c.Models.Default {
		return errors.New("node: fallback model must differ from the default")
	}
	for from, to := range c.Models.Rewrites {
		if from == "" || to == "" {
			return errors.New("node: model rewrite entries need both sides")
		}
	}
	if c.Node.MaxConcurrentRuns <= 0 {
		return errors.New("node: max concurrent runs must be positive")
	}
	return nil
}

// routePrefix extracts the gateway route prefix of a model id, empty when
// the id carries none.
func routePrefix(modelID string) string {
	if i := strings.IndexByte(modelID, '/'); i > 0 {
		return modelID[:i+1]
	}
	return ""
}
