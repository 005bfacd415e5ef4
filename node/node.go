// Package node assembles a complete Loom worker: the redis KV and stream
// clients, the postgres stores, the optional mongo event archive, the model
// gateway with its middleware, the runtime components (leases, buffer,
// writer, credits, sweeper, orchestrator, compactor, cache strategist,
// admission, sandbox pool), the dispatch queue, and cluster membership.
//
// New wires everything from a Config plus optional injected handles; Run
// supervises the background loops until the context is canceled, then
// drains in-flight runs and flushes the write buffer before returning.
// The embedding process submits work with SubmitRun, stops it with
// StopRun, and inspects it through Admin.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"
	"golang.org/x/sync/semaphore"

	kvredis "github.com/weaveline/loom/features/kv/redis"
	"github.com/weaveline/loom/features/model/anthropic"
	"github.com/weaveline/loom/features/model/bedrock"
	"github.com/weaveline/loom/features/model/gateway"
	"github.com/weaveline/loom/features/model/middleware"
	"github.com/weaveline/loom/features/model/openai"
	queue "github.com/weaveline/loom/features/queue/pulse"
	runlogmongo "github.com/weaveline/loom/features/runlog/mongo"
	clientsmongo "github.com/weaveline/loom/features/runlog/mongo/clients/mongo"
	"github.com/weaveline/loom/features/store/postgres"
	streamredis "github.com/weaveline/loom/features/stream/redis"
	"github.com/weaveline/loom/runtime/admission"
	"github.com/weaveline/loom/runtime/breaker"
	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/cluster"
	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/credits"
	"github.com/weaveline/loom/runtime/lease"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/orchestrator"
	"github.com/weaveline/loom/runtime/promptcache"
	"github.com/weaveline/loom/runtime/resources"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/runlog"
	"github.com/weaveline/loom/runtime/sandbox"
	"github.com/weaveline/loom/runtime/sweeper"
	"github.com/weaveline/loom/runtime/telemetry"
	"github.com/weaveline/loom/runtime/tools"
	"github.com/weaveline/loom/runtime/writer"
)

// Deps are externally owned handles a Node can be built around. Every field
// is optional: absent handles are dialed from the Config where possible.
type Deps struct {
	// Redis overrides dialing from Config.Redis. The caller owns the
	// client lifecycle.
	Redis *goredis.Client
	// PG overrides dialing from Config.Postgres. The caller owns the pool.
	PG *pgxpool.Pool
	// Mongo overrides dialing from Config.Mongo. The caller owns the
	// client.
	Mongo *mongodriver.Client
	// LLM replaces the built-in model plane (gateway, middleware,
	// provider adapters) entirely.
	LLM model.Client
	// Bedrock supplies a configured Bedrock runtime, typically built with
	// the caller's AWS credential chain, for the bedrock route.
	Bedrock bedrock.Runtime
	// Launcher enables the sandbox pool and the resource resolver.
	Launcher sandbox.Launcher
	// Signer re-signs expiring image URLs during prompt assembly.
	Signer orchestrator.URLSigner
	// Tools are registered for execution by all runs on this node.
	Tools []*tools.Descriptor
	// Logger defaults to the clue-backed implementation.
	Logger telemetry.Logger
	// Metrics defaults to the otel-backed implementation.
	Metrics telemetry.Metrics
	// Tracer defaults to the otel-backed implementation.
	Tracer telemetry.Tracer
}

// SubmitRequest describes one run to accept.
type SubmitRequest struct {
	// ThreadID names the conversation the run operates on. Required; the
	// thread must exist.
	ThreadID string
	// ProjectID is the owning project.
	ProjectID string
	// AccountID is the billed account.
	AccountID string
	// Prompt is the user input starting the run. Required.
	Prompt string
	// Model is the gateway-routed model id, empty for the configured
	// default.
	Model string
	// SessionID, when set, subjects the submission to the guest-session
	// limiter.
	SessionID string
	// IP is the caller address hashed into the per-IP admission counters.
	IP string
}

// Node is one Loom worker process.
type Node struct {
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	kv        *kvredis.Client
	rdb       *goredis.Client
	ownsRedis bool

	pgPool *pgxpool.Pool
	ownsPG bool
	db     *postgres.DB

	mongo         *mongodriver.Client
	ownsMongo     bool
	archiveClient clientsmongo.Client

	stream *streamredis.Stream

	nodesMap   *rmap.Map
	limitsMap  *rmap.Map
	membership *cluster.Membership

	leases    *lease.Manager
	credits   *credits.Manager
	writer    *writer.Writer
	buffer    *buffer.Buffer
	breakers  *breaker.Registry
	limiters  map[string]*middleware.AdaptiveLimiter
	gateway   *gateway.Gateway
	llm       model.Client
	catalog   *model.Catalog
	tools     *tools.Registry
	canceler  *orchestrator.Canceler
	files     *orchestrator.FileContext
	compactor *compactor.Compactor
	cache     *promptcache.Strategist
	orch      *orchestrator.Orchestrator
	sweeper   *sweeper.Sweeper
	pool      *sandbox.Pool
	resolver  *resources.Resolver
	admission *admission.Limiter
	history   *telemetry.History

	producer *queue.Producer
	consumer *queue.Consumer

	execSlots *semaphore.Weighted
	execWG    sync.WaitGroup
	execCtx   context.Context
}

// New wires a Node from the configuration and the injected handles. On
// error everything already connected is released; on success the caller
// runs the node with Run and releases it with Close.
func New(ctx context.Context, cfg Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "loom"
		}
		cfg.Node.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewClueLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewClueMetrics()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.NewClueTracer()
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		limiters: make(map[string]*middleware.AdaptiveLimiter),
	}

	if err := n.connect(ctx, deps); err != nil {
		n.Close(ctx)
		return nil, err
	}
	if err := n.build(ctx, deps); err != nil {
		n.Close(ctx)
		return nil, err
	}

	logger.Info(ctx, "node wired",
		"node_id", cfg.Node.ID,
		"writer_mode", cfg.Writer.Mode,
		"default_model", cfg.Models.Default,
		"archive", n.archiveClient != nil,
		"sandbox_pool", n.pool != nil)
	return n, nil
}

// connect establishes the external connections: redis, postgres, optional
// mongo, and the replicated maps.
func (n *Node) connect(ctx context.Context, deps Deps) error {
	cfg := &n.cfg

	if deps.Redis != nil {
		n.kv = kvredis.NewFromClient(deps.Redis, cfg.Redis.OpTimeout)
		if err := n.kv.Ping(ctx); err != nil {
			return fmt.Errorf("node: redis ping: %w", err)
		}
	} else {
		kvc, err := kvredis.New(ctx, kvredis.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			OpTimeout: cfg.Redis.OpTimeout,
		})
		if err != nil {
			return fmt.Errorf("node: %w", err)
		}
		n.kv = kvc
		n.ownsRedis = true
	}
	n.rdb = n.kv.Unwrap()

	if deps.PG != nil {
		n.pgPool = deps.PG
	} else {
		if cfg.Postgres.DSN == "" {
			return errors.New("node: postgres dsn or an injected pool is required")
		}
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("node: postgres connect: %w", err)
		}
		n.pgPool = pool
		n.ownsPG = true
	}
	n.db = postgres.New(n.pgPool)
	if err := n.db.Ping(ctx); err != nil {
		return fmt.Errorf("node: postgres ping: %w", err)
	}
	if err := n.db.Init(ctx); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if deps.Mongo != nil {
		n.mongo = deps.Mongo
	} else if cfg.Mongo.URI != "" {
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("node: mongo connect: %w", err)
		}
		n.mongo = client
		n.ownsMongo = true
	}

	nodesMap, err := rmap.Join(ctx, cfg.Cluster.Name+":nodes", n.rdb)
	if err != nil {
		return fmt.Errorf("node: join cluster map: %w", err)
	}
	n.nodesMap = nodesMap

	if !cfg.Models.Limiter.Local {
		limitsMap, err := rmap.Join(ctx, cfg.Cluster.Name+":limits", n.rdb)
		if err != nil {
			return fmt.Errorf("node: join limiter map: %w", err)
		}
		n.limitsMap = limitsMap
	}
	return nil
}

// build assembles the runtime components over the established connections.
func (n *Node) build(ctx context.Context, deps Deps) error {
	cfg := &n.cfg

	var archive *runlogmongo.Store
	if n.mongo != nil {
		ac, err := clientsmongo.New(clientsmongo.Options{
			Client:     n.mongo,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return fmt.Errorf("node: archive client: %w", err)
		}
		n.archiveClient = ac
		if archive, err = runlogmongo.NewStore(ac); err != nil {
			return fmt.Errorf("node: archive store: %w", err)
		}
	}

	strm, err := streamredis.New(n.kv, streamredis.Options{
		MaxLen:     cfg.Stream.MaxLen,
		ControlTTL: cfg.Stream.ControlTTL,
		Archive:    archiveOrNil(archive),
		Logger:     n.logger,
		Metrics:    n.metrics,
	})
	if err != nil {
		return fmt.Errorf("node: run stream: %w", err)
	}
	n.stream = strm

	qc, err := queue.NewClient(n.rdb, cfg.Queue.MaxLen)
	if err != nil {
		return fmt.Errorf("node: queue client: %w", err)
	}
	if n.producer, err = queue.NewProducer(qc, queue.ProducerOptions{
		Stream:  cfg.Queue.Stream,
		Metrics: n.metrics,
	}); err != nil {
		return fmt.Errorf("node: queue producer: %w", err)
	}
	if n.consumer, err = queue.NewConsumer(qc, queue.ConsumerOptions{
		Stream:  cfg.Queue.Stream,
		Group:   cfg.Queue.Group,
		Logger:  n.logger,
		Metrics: n.metrics,
	}); err != nil {
		return fmt.Errorf("node: queue consumer: %w", err)
	}

	if n.membership, err = cluster.New(n.nodesMap, cluster.Options{
		NodeID:       cfg.Node.ID,
		PingInterval: cfg.Cluster.PingInterval,
		Logger:       n.logger,
		Metrics:      n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.leases, err = lease.New(n.kv, lease.Options{
		WorkerID:  cfg.Node.ID,
		LeaseTTL:  cfg.Lease.TTL,
		StatusTTL: cfg.Lease.StatusTTL,
		Logger:    n.logger,
		Metrics:   n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.credits, err = credits.New(n.db.Ledger(), n.kv, credits.Options{
		HoldTTL: cfg.Credits.HoldTTL,
		Logger:  n.logger,
		Metrics: n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.writer, err = writer.New(n.db.Messages(), n.credits, n.db.Ledger(), n.db.DLQ(), writer.Options{
		Mode:    writer.Mode(cfg.Writer.Mode),
		Logger:  n.logger,
		Metrics: n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.buffer, err = buffer.New(n.writer, buffer.Options{
		MaxBufferedRuns:  cfg.Buffer.MaxBufferedRuns,
		FlushInterval:    cfg.Buffer.FlushInterval,
		MaxWriteAttempts: cfg.Buffer.MaxWriteAttempts,
		Runs:             n.db.Runs(),
		Logger:           n.logger,
		Metrics:          n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	n.breakers = breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.Models.Breaker.FailureThreshold,
		Cooldown:         cfg.Models.Breaker.Cooldown,
		ProbeSuccesses:   cfg.Models.Breaker.ProbeSuccesses,
		Logger:           n.logger,
		Metrics:          n.metrics,
	})

	if err = n.buildModelPlane(ctx, deps); err != nil {
		return err
	}

	n.catalog = model.NewCatalog(nil)
	n.canceler = orchestrator.NewCanceler(n.kv)
	n.files = orchestrator.NewFileContext(n.kv)

	if n.tools, err = tools.NewRegistry(deps.Tools...); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.compactor, err = compactor.New(n.db.Messages(), n.db.Threads(), n.llm, compactor.Options{
		WorkingMemory:    cfg.Compactor.WorkingMemory,
		TriggerSlack:     cfg.Compactor.TriggerSlack,
		Model:            cfg.Compactor.Model,
		MaxSummaryTokens: cfg.Compactor.MaxSummaryTokens,
		Logger:           n.logger,
		Metrics:          n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.cache, err = promptcache.New(n.db.Threads(), n.catalog, promptcache.Options{
		Logger:  n.logger,
		Metrics: n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if deps.Launcher != nil {
		if n.pool, err = sandbox.NewPool(n.db.Resources(), deps.Launcher, sandbox.PoolOptions{
			MinSize:    cfg.Sandbox.MinSize,
			MaxSize:    cfg.Sandbox.MaxSize,
			StaleAfter: cfg.Sandbox.StaleAfter,
			Logger:     n.logger,
			Metrics:    n.metrics,
		}); err != nil {
			return fmt.Errorf("node: %w", err)
		}
		if n.resolver, err = resources.New(n.db.Projects(), n.db.Resources(), n.pool, deps.Launcher, resources.Options{
			Logger:  n.logger,
			Metrics: n.metrics,
		}); err != nil {
			return fmt.Errorf("node: %w", err)
		}
	}

	if n.admission, err = admission.New(n.kv, admission.Options{
		SessionMessages: cfg.Admission.SessionMessages,
		SessionTTL:      cfg.Admission.SessionTTL,
		IPHourly:        cfg.Admission.IPHourly,
		IPDaily:         cfg.Admission.IPDaily,
		Logger:          n.logger,
		Metrics:         n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	var pricer orchestrator.Pricer
	if rate := cfg.Credits.PricePerKiloToken; rate > 0 {
		pricer = func(modelID string, u model.TokenUsage) float64 {
			return orchestrator.DefaultPricer(modelID, u) * rate
		}
	}

	if n.orch, err = orchestrator.New(orchestrator.Deps{
		Runs:      n.db.Runs(),
		Threads:   n.db.Threads(),
		Messages:  n.db.Messages(),
		LLM:       n.llm,
		Catalog:   n.catalog,
		Tools:     n.tools,
		Publisher: n.stream,
		Buffer:    n.buffer,
		Leases:    n.leases,
		Credits:   n.credits,
		Compactor: n.compactor,
		Cache:     n.cache,
		Canceler:  n.canceler,
		Signer:    deps.Signer,
		Files:     n.files,
	}, orchestrator.Options{
		DefaultModel:        cfg.Models.Default,
		VisionModel:         cfg.Models.Vision,
		FallbackModel:       cfg.Models.Fallback,
		SystemPrompt:        cfg.Execution.SystemPrompt,
		MaxIterations:       cfg.Execution.MaxIterations,
		MaxTokens:           cfg.Execution.MaxTokens,
		Temperature:         cfg.Execution.Temperature,
		MaxToolCallsPerTurn: cfg.Execution.MaxToolCallsPerTurn,
		MaxConcurrentLLM:    cfg.Execution.MaxConcurrentLLM,
		Pricer:              pricer,
		Logger:              n.logger,
		Metrics:             n.metrics,
		Tracer:              n.tracer,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	if n.sweeper, err = sweeper.New(n.leases, n.db.Runs(), n.buffer, n.stream, dispatcher{n.producer}, sweeper.Options{
		Interval:       cfg.Sweeper.Interval,
		MaxRunDuration: cfg.Sweeper.MaxRunDuration,
		RequeueAfter:   cfg.Sweeper.RequeueAfter,
		Shards:         n.membership.Shard,
		Logger:         n.logger,
		Metrics:        n.metrics,
	}); err != nil {
		return fmt.Errorf("node: %w", err)
	}

	n.history = telemetry.NewHistory(n.kv, cfg.Node.HistoryEntries)
	n.execSlots = semaphore.NewWeighted(cfg.Node.MaxConcurrentRuns)
	n.execCtx = context.Background()
	return nil
}

// buildModelPlane assembles the gateway with retry, adaptive rate limiting,
// and breaker middleware per backend, unless a complete client is injected.
func (n *Node) buildModelPlane(ctx context.Context, deps Deps) error {
	if deps.LLM != nil {
		n.llm = deps.LLM
		return nil
	}
	cfg := &n.cfg

	retryOpts := middleware.RetryOptions{
		MaxAttempts: cfg.Models.Retry.MaxAttempts,
		BaseDelay:   cfg.Models.Retry.BaseDelay,
		MaxDelay:    cfg.Models.Retry.MaxDelay,
		Logger:      n.logger,
		Metrics:     n.metrics,
	}

	opts := []gateway.Option{
		gateway.WithLogger(n.logger),
		gateway.WithMetrics(n.metrics),
	}
	routes := 0

	if key := cfg.Models.Anthropic.APIKey; key != "" {
		base, err := anthropic.NewFromAPIKey(key, anthropic.Options{DefaultModel: cfg.Models.Anthropic.DefaultModel})
		if err != nil {
			return fmt.Errorf("node: anthropic backend: %w", err)
		}
		opts = append(opts, gateway.WithRoute("anthropic/", n.wrapBackend(ctx, "anthropic", base, retryOpts)))
		routes++
	}
	if key := cfg.Models.OpenAI.APIKey; key != "" {
		base, err := openai.NewFromAPIKey(key, openai.Options{DefaultModel: cfg.Models.OpenAI.DefaultModel})
		if err != nil {
			return fmt.Errorf("node: openai backend: %w", err)
		}
		opts = append(opts, gateway.WithRoute("openai/", n.wrapBackend(ctx, "openai", base, retryOpts)))
		routes++
	}
	if deps.Bedrock != nil || cfg.Models.Bedrock.Region != "" {
		rt := deps.Bedrock
		if rt == nil {
			rt = bedrockruntime.New(bedrockruntime.Options{Region: cfg.Models.Bedrock.Region})
		}
		base, err := bedrock.New(rt, bedrock.Options{DefaultModel: cfg.Models.Bedrock.DefaultModel})
		if err != nil {
			return fmt.Errorf("node: bedrock backend: %w", err)
		}
		opts = append(opts, gateway.WithRoute("bedrock/", n.wrapBackend(ctx, "bedrock", base, retryOpts)))
		routes++
	}
	if routes == 0 {
		return errors.New("node: at least one model backend or an injected LLM client is required")
	}

	if prefix := routePrefix(cfg.Models.Default); prefix != "" {
		opts = append(opts, gateway.WithDefaultRoute(prefix))
	}
	for from, to := range cfg.Models.Rewrites {
		opts = append(opts, gateway.WithRewrite(from, to))
	}

	gw, err := gateway.New(opts...)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	n.gateway = gw
	n.llm = gw
	return nil
}

// wrapBackend layers retry, the adaptive TPM limiter, and the circuit
// breaker around one provider adapter. Retry sits outermost so every
// attempt re-passes the limiter wait and the breaker admission check.
func (n *Node) wrapBackend(ctx context.Context, name string, base model.Client, retry middleware.RetryOptions) model.Client {
	lim := middleware.NewAdaptiveLimiter(ctx, n.limitsMap, name, middleware.LimiterOptions{
		InitialTPM: n.cfg.Models.Limiter.InitialTPM,
		MaxTPM:     n.cfg.Models.Limiter.MaxTPM,
		Metrics:    n.metrics,
	})
	n.limiters[name] = lim
	return middleware.Chain(base,
		middleware.WithRetry(retry),
		lim.Wrapper(),
		middleware.WithBreaker(n.breakers.Get(name)),
	)
}

// dispatcher adapts the queue producer to the sweeper's enqueue contract.
type dispatcher struct {
	producer *queue.Producer
}

func (d dispatcher) EnqueueRun(ctx context.Context, r run.Run) error {
	return d.producer.Enqueue(ctx, queue.Work{
		RunID:     r.ID,
		ThreadID:  r.ThreadID,
		ProjectID: r.ProjectID,
		AccountID: r.AccountID,
		Model:     r.Model,
	})
}

// archiveOrNil keeps the stream's Archive field a true nil interface when
// no store was built.
func archiveOrNil(s *runlogmongo.Store) runlog.Store {
	if s == nil {
		return nil
	}
	return s
}

// Run supervises the node's loops until ctx is canceled: startup recovery,
// the dispatch consumer, the buffer flusher, the recovery sweeper, the
// membership pinger, hold and admission sweeps, the sandbox replenisher,
// metric snapshots, and the health listener. On cancellation it stops
// accepting dispatches, drains in-flight runs up to DrainTimeout, flushes
// the write buffer one final time, and leaves the cluster.
func (n *Node) Run(ctx context.Context) error {
	if err := n.membership.Join(ctx); err != nil {
		return fmt.Errorf("node: join cluster: %w", err)
	}

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()
	n.execCtx = execCtx

	// Recover whatever the previous owner of this shard left behind before
	// accepting new work. A failure here is retried by the sweep loop.
	if err := n.sweeper.RecoverOnStartup(ctx); err != nil {
		n.logger.Warn(ctx, "startup recovery incomplete", "err", err)
	}

	var wg sync.WaitGroup
	loop := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// The flusher follows execCtx, not ctx, so draining runs still get
	// their writes applied during shutdown.
	loop(func() { n.buffer.Run(execCtx) })
	loop(func() { n.sweeper.Run(ctx) })
	loop(func() { n.admission.Run(ctx) })
	loop(func() { n.membership.Run(ctx) })
	if n.pool != nil {
		loop(func() { n.pool.Run(ctx) })
	}
	loop(func() { n.sweepHolds(ctx) })
	loop(func() { n.snapshotLoop(ctx) })
	loop(func() {
		if err := n.consumer.Run(ctx, n.handleDispatch); err != nil && ctx.Err() == nil {
			n.logger.Error(ctx, "dispatch consumer stopped", "err", err)
		}
	})
	n.serveHealth(ctx, loop)

	n.logger.Info(ctx, "node running", "node_id", n.cfg.Node.ID)
	<-ctx.Done()

	base := context.WithoutCancel(ctx)
	n.logger.Info(base, "node draining", "timeout", n.cfg.Node.DrainTimeout.String())
	if !waitTimeout(&n.execWG, n.cfg.Node.DrainTimeout) {
		n.logger.Warn(base, "drain timeout, aborting in-flight runs")
		cancelExec()
		n.execWG.Wait()
	}

	flushCtx, cancel := context.WithTimeout(base, 30*time.Second)
	stats := n.buffer.FlushAll(flushCtx)
	n.logger.Info(flushCtx, "final flush",
		"runs", stats.Runs, "writes", stats.Writes,
		"failures", stats.Failures, "deadletters", stats.Deadletters)
	n.membership.Leave(flushCtx)
	cancel()

	cancelExec()
	wg.Wait()
	return nil
}

// handleDispatch accepts one queued run. The slot is taken before the ack
// so a saturated node leaves deliveries pending for other workers; the
// execution itself runs on the node's drain-aware context.
func (n *Node) handleDispatch(ctx context.Context, w queue.Work) error {
	if err := n.execSlots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("node: no execution slot: %w", err)
	}
	n.execWG.Add(1)
	go func() {
		defer n.execWG.Done()
		defer n.execSlots.Release(1)
		if err := n.orch.ExecuteRun(n.execCtx, w.RunID); err != nil {
			n.logger.Error(n.execCtx, "run execution failed", "run_id", w.RunID, "err", err)
		}
	}()
	return nil
}

// sweepHolds garbage-collects expired credit reservations.
func (n *Node) sweepHolds(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Credits.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.credits.Sweep(ctx)
		}
	}
}

// snapshotLoop pushes periodic gauge snapshots into the metrics history
// ring buffer.
func (n *Node) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Node.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.snapshot(ctx)
		}
	}
}

func (n *Node) snapshot(ctx context.Context) {
	gauges := map[string]float64{
		"buffered_runs": float64(n.buffer.Len()),
		"credit_holds":  float64(n.credits.Count()),
		"cluster_nodes": float64(len(n.membership.Nodes())),
	}
	if active, err := n.leases.Active(ctx); err == nil {
		gauges["active_runs"] = float64(len(active))
	}
	for name, lim := range n.limiters {
		gauges["limiter_tpm_"+name] = lim.TPM()
	}
	if n.pool != nil {
		if st, err := n.pool.Stats(ctx); err == nil {
			gauges["sandbox_pooled"] = float64(st.Pooled)
		}
	}
	snap := telemetry.Snapshot{Time: time.Now(), Node: n.cfg.Node.ID, Gauges: gauges}
	if err := n.history.Push(ctx, snap); err != nil {
		n.logger.Warn(ctx, "metrics snapshot push failed", "err", err)
	}
}

// serveHealth mounts the checker on the configured listener. /healthz
// reports readiness of every backing service; /livez only proves the
// process is serving.
func (n *Node) serveHealth(ctx context.Context, loop func(func())) {
	if n.cfg.Health.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(health.NewChecker(n.pingers()...)))
	mux.Handle("/livez", health.Handler(health.NewChecker()))
	if n.cfg.Health.Debug {
		debug.MountDebugLogEnabler(mux)
		debug.MountPprofHandlers(mux)
	}
	srv := &http.Server{Addr: n.cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 60 * time.Second}
	loop(func() {
		n.logger.Info(ctx, "health listener started", "addr", n.cfg.Health.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error(ctx, "health listener failed", "err", err)
		}
	})
	loop(func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
}

func (n *Node) pingers() []health.Pinger {
	ps := []health.Pinger{n.kv, n.db}
	if n.archiveClient != nil {
		ps = append(ps, n.archiveClient)
	}
	if n.gateway != nil {
		ps = append(ps, n.gateway.Pingers()...)
	}
	return ps
}

// SubmitRun accepts a new run: it verifies the thread, applies guest
// admission when a session is named, persists the user message and the
// queued run row, and enqueues the dispatch. The returned row is in status
// queued; any live worker may claim it.
func (n *Node) SubmitRun(ctx context.Context, req SubmitRequest) (run.Run, error) {
	if req.ThreadID == "" {
		return run.Run{}, errors.New("node: thread id is required")
	}
	if req.Prompt == "" {
		return run.Run{}, errors.New("node: prompt is required")
	}
	if _, err := n.db.Threads().Get(ctx, req.ThreadID); err != nil {
		return run.Run{}, fmt.Errorf("node: submit run: %w", err)
	}
	if req.SessionID != "" || req.IP != "" {
		if _, err := n.admission.Admit(ctx, req.SessionID, req.IP); err != nil {
			return run.Run{}, err
		}
	}

	now := time.Now()
	r := run.Run{
		ID:        uuid.NewString(),
		ThreadID:  req.ThreadID,
		ProjectID: req.ProjectID,
		AccountID: req.AccountID,
		Status:    run.StatusQueued,
		Prompt:    req.Prompt,
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msg := &run.Message{
		ID:        uuid.NewString(),
		ThreadID:  req.ThreadID,
		RunID:     r.ID,
		Type:      run.TypeUser,
		Content:   run.Text(req.Prompt),
		CreatedAt: now,
	}
	if err := n.db.Messages().Insert(ctx, msg); err != nil {
		return run.Run{}, fmt.Errorf("node: persist prompt: %w", err)
	}
	if err := n.db.Runs().Create(ctx, r); err != nil {
		return run.Run{}, fmt.Errorf("node: create run: %w", err)
	}
	if err := n.producer.Enqueue(ctx, queue.Work{
		RunID:      r.ID,
		ThreadID:   r.ThreadID,
		ProjectID:  r.ProjectID,
		AccountID:  r.AccountID,
		Model:      r.Model,
		EnqueuedAt: now,
	}); err != nil {
		// The row exists in status queued, so the sweeper re-dispatches it
		// once RequeueAfter elapses even though this enqueue failed.
		return r, fmt.Errorf("node: enqueue run: %w", err)
	}
	return r, nil
}

// StopRun requests cooperative cancellation of a run. The owning worker
// honours the signal at its next safe point, flushes, and releases.
func (n *Node) StopRun(ctx context.Context, runID, reason string) error {
	if _, err := n.db.Runs().Get(ctx, runID); err != nil {
		return fmt.Errorf("node: stop run: %w", err)
	}
	return n.canceler.RequestStop(ctx, runID, reason)
}

// Close releases every connection New established. Injected handles are
// left to their owners.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	if n.stream != nil {
		if err := n.stream.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.nodesMap != nil {
		n.nodesMap.Close()
	}
	if n.limitsMap != nil {
		n.limitsMap.Close()
	}
	if n.mongo != nil && n.ownsMongo {
		if err := n.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.pgPool != nil && n.ownsPG {
		n.pgPool.Close()
	}
	if n.kv != nil && n.ownsRedis {
		if err := n.kv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Admin exposes the operations surface of this node.
func (n *Node) Admin() *Admin { return &Admin{n: n} }

// Admission exposes the guest-session limiter for pre-submission checks.
func (n *Node) Admission() *admission.Limiter { return n.admission }

// Runs exposes the run row store for status queries.
func (n *Node) Runs() run.RunStore { return n.db.Runs() }

// Threads exposes the thread row store.
func (n *Node) Threads() run.ThreadStore { return n.db.Threads() }

// Messages exposes the thread message store.
func (n *Node) Messages() run.MessageStore { return n.db.Messages() }

// Projects exposes the project row store.
func (n *Node) Projects() run.ProjectStore { return n.db.Projects() }

// Stream exposes the run event stream for subscribers.
func (n *Node) Stream() *streamredis.Stream { return n.stream }

// Resources exposes the sandbox resolver, nil when no launcher was
// injected.
func (n *Node) Resources() *resources.Resolver { return n.resolver }

// Catalog exposes the model capability catalog for overrides.
func (n *Node) Catalog() *model.Catalog { return n.catalog }

// Tools exposes the tool registry for late registration.
func (n *Node) Tools() *tools.Registry { return n.tools }

// FileContext exposes the parsed-file cache so the upload surface can stage
// attachment context for a thread's next turns.
func (n *Node) FileContext() *orchestrator.FileContext { return n.files }

// waitTimeout waits for the group up to d, reporting whether it drained.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
