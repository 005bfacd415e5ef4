// Command loomd runs one Loom worker node.
//
// A node consumes the shared dispatch queue, executes agent runs against
// the configured model backends, and serves the cluster-wide operations
// surface. Any number of nodes with the same REDIS_URL, POSTGRES_DSN, and
// LOOM_CLUSTER form a cluster: they share one dispatch queue, recover each
// other's orphaned runs, and coordinate model rate limits.
//
// # Configuration
//
// Optionally set LOOM_CONFIG to a YAML file (see node.Config); environment
// variables override it:
//
//	LOOM_CONFIG                - YAML config path (optional)
//	LOOM_NODE_ID               - Worker identity (default: hostname-pid)
//	LOOM_CLUSTER               - Cluster name prefix (default: "loom")
//	LOOM_HEALTH_ADDR           - Health listener address (default: off)
//	LOOM_DEBUG                 - Debug logs plus pprof on the health listener
//	REDIS_URL                  - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD             - Redis password (optional)
//	REDIS_DB                   - Redis database number (default: 0)
//	POSTGRES_DSN               - Postgres connection string (required)
//	MONGO_URL                  - Mongo URI for the run event archive (optional)
//	MONGO_DATABASE             - Archive database (default: "loom")
//	LOOM_QUEUE_STREAM          - Dispatch stream (default: "loom_dispatch")
//	LOOM_QUEUE_GROUP           - Consumer group (default: "loom_workers")
//	LOOM_MAX_CONCURRENT_RUNS   - Per-node run cap (default: 64)
//	LOOM_DRAIN_TIMEOUT         - Shutdown drain bound (default: "30s")
//	LOOM_LEASE_TTL             - Run lease lifetime (default: "60s")
//	LOOM_MAX_RUN_DURATION      - Stuck-run threshold (default: "30m")
//	LOOM_WRITER_MODE           - "reservation" or "saga" (default: "reservation")
//	LOOM_PRICE_PER_KILO_TOKEN  - Credit price scale (default: 1.0)
//	LOOM_SYSTEM_PROMPT         - System prompt for all runs (optional)
//	LOOM_DEFAULT_MODEL         - Routed model id (default: "anthropic/claude-sonnet-4-5")
//	LOOM_VISION_MODEL          - Vision switch target (optional)
//	LOOM_FALLBACK_MODEL        - Overload reroute target (optional)
//	ANTHROPIC_API_KEY          - Enables the anthropic/ route
//	OPENAI_API_KEY             - Enables the openai/ route
//	AWS_REGION                 - Enables the bedrock/ route
//
// # Example
//
// Single node against local services:
//
//	POSTGRES_DSN=postgres://loom@localhost/loom ANTHROPIC_API_KEY=sk-... go run ./cmd/loomd
//
// Multi-node cluster (run on different hosts):
//
//	LOOM_CLUSTER=prod REDIS_URL=redis:6379 POSTGRES_DSN=... ./loomd
//	LOOM_CLUSTER=prod REDIS_URL=redis:6379 POSTGRES_DSN=... ./loomd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/weaveline/loom/node"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loomd:", err)
		os.Exit(1)
	}
}

func run() error {
	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	debugMode := envBoolOr("LOOM_DEBUG", false)
	if debugMode {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	// Load configuration: defaults, then the optional file, then the
	// environment.
	cfg := node.DefaultConfig()
	if path := os.Getenv("LOOM_CONFIG"); path != "" {
		var err error
		if cfg, err = node.LoadFile(path); err != nil {
			return err
		}
		log.Print(ctx, log.KV{K: "config", V: path})
	}
	applyEnv(&cfg)
	if debugMode {
		cfg.Health.Debug = true
	}

	// Stop gracefully on SIGINT and SIGTERM: the node drains in-flight
	// runs and flushes buffered writes before Run returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		sig := <-c
		log.Printf(ctx, "received %s, draining", sig)
		cancel()
	}()

	n, err := node.New(ctx, cfg, node.Deps{})
	if err != nil {
		return fmt.Errorf("wire node: %w", err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer ccancel()
		if err := n.Close(cctx); err != nil {
			log.Errorf(cctx, err, "close node")
		}
	}()

	return n.Run(ctx)
}

// applyEnv layers environment overrides onto the configuration.
func applyEnv(cfg *node.Config) {
	cfg.Node.ID = envOr("LOOM_NODE_ID", cfg.Node.ID)
	cfg.Node.MaxConcurrentRuns = envInt64Or("LOOM_MAX_CONCURRENT_RUNS", cfg.Node.MaxConcurrentRuns)
	cfg.Node.DrainTimeout = envDurationOr("LOOM_DRAIN_TIMEOUT", cfg.Node.DrainTimeout)
	cfg.Redis.Addr = envOr("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envIntOr("REDIS_DB", cfg.Redis.DB)
	cfg.Postgres.DSN = envOr("POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Mongo.URI = envOr("MONGO_URL", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)
	cfg.Queue.Stream = envOr("LOOM_QUEUE_STREAM", cfg.Queue.Stream)
	cfg.Queue.Group = envOr("LOOM_QUEUE_GROUP", cfg.Queue.Group)
	cfg.Cluster.Name = envOr("LOOM_CLUSTER", cfg.Cluster.Name)
	cfg.Models.Anthropic.APIKey = envOr("ANTHROPIC_API_KEY", cfg.Models.Anthropic.APIKey)
	cfg.Models.OpenAI.APIKey = envOr("OPENAI_API_KEY", cfg.Models.OpenAI.APIKey)
	cfg.Models.Bedrock.Region = envOr("AWS_REGION", cfg.Models.Bedrock.Region)
	cfg.Models.Default = envOr("LOOM_DEFAULT_MODEL", cfg.Models.Default)
	cfg.Models.Vision = envOr("LOOM_VISION_MODEL", cfg.Models.Vision)
	cfg.Models.Fallback = envOr("LOOM_FALLBACK_MODEL", cfg.Models.Fallback)
	cfg.Execution.SystemPrompt = envOr("LOOM_SYSTEM_PROMPT", cfg.Execution.SystemPrompt)
	cfg.Lease.TTL = envDurationOr("LOOM_LEASE_TTL", cfg.Lease.TTL)
	cfg.Sweeper.MaxRunDuration = envDurationOr("LOOM_MAX_RUN_DURATION", cfg.Sweeper.MaxRunDuration)
	cfg.Writer.Mode = envOr("LOOM_WRITER_MODE", cfg.Writer.Mode)
	cfg.Credits.PricePerKiloToken = envFloatOr("LOOM_PRICE_PER_KILO_TOKEN", cfg.Credits.PricePerKiloToken)
	cfg.Health.Addr = envOr("LOOM_HEALTH_ADDR", cfg.Health.Addr)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envInt64Or returns the environment variable as int64 or a default.
func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// envFloatOr returns the environment variable as float64 or a default.
func envFloatOr(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envBoolOr returns the environment variable as bool or a default.
func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
