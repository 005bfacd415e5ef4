// Package orchestrator drives a run from claim to terminal status: it owns
// the per-turn preparation pipeline (model selection, history fetch,
// compression, pairing repair, cache markers), the LLM dispatch, the
// streaming response processor, and the bounded auto-continue loop that
// expands tool calls across iterations.
//
// The orchestrator is stateless across runs. Everything durable flows
// through the write buffer and the stores; everything coordinated flows
// through the lease manager and the stop signal. A worker that dies
// mid-run leaves nothing behind that the sweeper cannot recover.
package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/weaveline/loom/runtime/buffer"
	"github.com/weaveline/loom/runtime/compactor"
	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/model"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/stream"
	"github.com/weaveline/loom/runtime/telemetry"
	"github.com/weaveline/loom/runtime/tools"
)

type (
	// Leases is the ownership protocol subset the orchestrator drives.
	Leases interface {
		Claim(ctx context.Context, runID string) (bool, error)
		Release(ctx context.Context, runID, status string) error
		StartHeartbeat(ctx context.Context, runID string, onLost func(error)) (stop func())
		WorkerID() string
	}

	// Compressor folds old history into a thread summary when the prompt
	// outgrows the model's compression threshold.
	Compressor interface {
		Compress(ctx context.Context, threadID string, msgs []run.Message, force bool) (*compactor.Result, error)
		WorkingMemory() int
	}

	// CachePlanner annotates prepared messages with provider cache markers.
	CachePlanner interface {
		Apply(ctx context.Context, thread run.Thread, modelID string, msgs []*model.Message) ([]*model.Message, *model.CacheOptions, error)
	}

	// CreditGate answers the per-iteration balance preflight.
	CreditGate interface {
		Available(ctx context.Context, accountID string) (float64, error)
	}

	// URLSigner re-signs image URLs that expire before dispatch. Optional.
	URLSigner interface {
		Refresh(ctx context.Context, url string) (newURL string, expiresAt time.Time, err error)
	}

	// Pricer converts one iteration's token usage into a credit amount.
	Pricer func(modelID string, usage model.TokenUsage) float64

	// Deps are the collaborators an Orchestrator coordinates. Tools, Signer,
	// and Files are optional; everything else is required.
	Deps struct {
		Runs      run.RunStore
		Threads   run.ThreadStore
		Messages  run.MessageStore
		LLM       model.Client
		Catalog   *model.Catalog
		Tools     *tools.Registry
		Publisher stream.Publisher
		Buffer    *buffer.Buffer
		Leases    Leases
		Credits   CreditGate
		Compactor Compressor
		Cache     CachePlanner
		Canceler  *Canceler
		Signer    URLSigner
		Files     *FileContext
	}

	// Options tune the execution loop.
	Options struct {
		// DefaultModel is dispatched when the run row names no model.
		DefaultModel string
		// VisionModel replaces a non-vision selection when the thread
		// carries images. Empty disables the switch.
		VisionModel string
		// FallbackModel is the reroute target when a provider sheds load.
		// Empty disables rerouting.
		FallbackModel string
		// SystemPrompt leads every prepared conversation. Optional.
		SystemPrompt string
		// MaxIterations bounds the auto-continue loop. Defaults to 25.
		MaxIterations int
		// MaxPairingRetries bounds dispatch retries after provider
		// tool-pairing rejections. Defaults to 2.
		MaxPairingRetries int
		// MaxOverloadReroutes bounds fallback reroutes per run. Defaults
		// to 2.
		MaxOverloadReroutes int
		// MaxToolCallsPerTurn caps announcements per iteration; beyond it
		// the turn finishes with xml_tool_limit_reached. Defaults to 16.
		MaxToolCallsPerTurn int
		// MaxTokens caps completion tokens per iteration. Defaults to 8192.
		MaxTokens int
		// Temperature is passed through to the provider. Zero keeps the
		// provider default.
		Temperature float32
		// MaxConcurrentLLM bounds in-flight LLM calls across all runs on
		// this worker. Defaults to 100.
		MaxConcurrentLLM int64
		// CreditWarmup is how long a first-iteration balance denial waits
		// before the single recheck. Defaults to 500ms.
		CreditWarmup time.Duration
		// CancelPollInterval is the stop-signal poll period during
		// execution. Defaults to 500ms.
		CancelPollInterval time.Duration
		// URLRefreshSlack re-signs image URLs expiring within this window.
		// Defaults to 2m.
		URLRefreshSlack time.Duration
		// Pricer defaults to a flat rate of one credit per thousand tokens.
		Pricer Pricer
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Tracer defaults to a no-op tracer.
		Tracer telemetry.Tracer
		// Clock is injectable for tests. Defaults to time.Now.
		Clock func() time.Time
	}

	// Orchestrator executes runs. Safe for concurrent use; per-run state
	// lives on the stack of ExecuteRun.
	Orchestrator struct {
		runs      run.RunStore
		threads   run.ThreadStore
		messages  run.MessageStore
		llm       model.Client
		catalog   *model.Catalog
		tools     *tools.Registry
		pub       stream.Publisher
		buffer    *buffer.Buffer
		leases    Leases
		credits   CreditGate
		compactor Compressor
		cache     CachePlanner
		canceler  *Canceler
		signer    URLSigner
		files     *FileContext

		gate    *semaphore.Weighted
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		clock   func() time.Time
	}

	// outcome is the terminal disposition of one run.
	outcome struct {
		status run.Status
		reason string
		finish model.FinishReason
		err    error
	}
)

const (
	defaultMaxIterations       = 25
	defaultMaxPairingRetries   = 2
	defaultMaxOverloadReroutes = 2
	defaultMaxToolCallsPerTurn = 16
	defaultMaxTokens           = 8192
	defaultMaxConcurrentLLM    = 100
	defaultCreditWarmup        = 500 * time.Millisecond
	defaultCancelPoll          = 500 * time.Millisecond
	defaultURLRefreshSlack     = 2 * time.Minute

	// insufficientCredits is the user-facing message on the stopped status
	// record when the balance preflight denies an iteration.
	insufficientCredits = "Insufficient credits"
)

// DefaultPricer charges one credit per thousand total tokens.
func DefaultPricer(_ string, u model.TokenUsage) float64 {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return float64(total) / 1000
}

// New constructs an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Runs == nil:
		return nil, errors.New("orchestrator: run store is required")
	case deps.Threads == nil:
		return nil, errors.New("orchestrator: thread store is required")
	case deps.Messages == nil:
		return nil, errors.New("orchestrator: message store is required")
	case deps.LLM == nil:
		return nil, errors.New("orchestrator: model client is required")
	case deps.Catalog == nil:
		return nil, errors.New("orchestrator: model catalog is required")
	case deps.Publisher == nil:
		return nil, errors.New("orchestrator: stream publisher is required")
	case deps.Buffer == nil:
		return nil, errors.New("orchestrator: write buffer is required")
	case deps.Leases == nil:
		return nil, errors.New("orchestrator: lease manager is required")
	case deps.Credits == nil:
		return nil, errors.New("orchestrator: credit gate is required")
	case deps.Compactor == nil:
		return nil, errors.New("orchestrator: compactor is required")
	case deps.Cache == nil:
		return nil, errors.New("orchestrator: cache planner is required")
	case deps.Canceler == nil:
		return nil, errors.New("orchestrator: canceler is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("orchestrator: default model is required")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxPairingRetries <= 0 {
		opts.MaxPairingRetries = defaultMaxPairingRetries
	}
	if opts.MaxOverloadReroutes <= 0 {
		opts.MaxOverloadReroutes = defaultMaxOverloadReroutes
	}
	if opts.MaxToolCallsPerTurn <= 0 {
		opts.MaxToolCallsPerTurn = defaultMaxToolCallsPerTurn
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxConcurrentLLM <= 0 {
		opts.MaxConcurrentLLM = defaultMaxConcurrentLLM
	}
	if opts.CreditWarmup <= 0 {
		opts.CreditWarmup = defaultCreditWarmup
	}
	if opts.CancelPollInterval <= 0 {
		opts.CancelPollInterval = defaultCancelPoll
	}
	if opts.URLRefreshSlack <= 0 {
		opts.URLRefreshSlack = defaultURLRefreshSlack
	}
	if opts.Pricer == nil {
		opts.Pricer = DefaultPricer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{
		runs:      deps.Runs,
		threads:   deps.Threads,
		messages:  deps.Messages,
		llm:       deps.LLM,
		catalog:   deps.Catalog,
		tools:     deps.Tools,
		pub:       deps.Publisher,
		buffer:    deps.Buffer,
		leases:    deps.Leases,
		credits:   deps.Credits,
		compactor: deps.Compactor,
		cache:     deps.Cache,
		canceler:  deps.Canceler,
		signer:    deps.Signer,
		files:     deps.Files,
		gate:      semaphore.NewWeighted(opts.MaxConcurrentLLM),
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		clock:     opts.Clock,
	}, nil
}

// ExecuteRun claims the run, drives it to a terminal status, and releases
// ownership. Redeliveries are safe: terminal rows and foreign leases return
// without side effects. The returned error is non-nil only when finalization
// itself failed and the delivery should be retried.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "loom.run.execute")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run execution failed")
		}
		span.End()
	}()

	r, err := o.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return fault.Wrap(fault.KindValidation, "unknown run", err)
		}
		return fault.Wrap(fault.KindPersistence, "load run", err)
	}
	if r.Status.Terminal() {
		o.logger.Debug(ctx, "run already terminal, skipping", "run_id", runID, "status", string(r.Status))
		return nil
	}

	claimed, err := o.leases.Claim(ctx, runID)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "claim run", err)
	}
	if !claimed {
		o.logger.Debug(ctx, "run owned elsewhere, skipping", "run_id", runID)
		return nil
	}

	if err := o.runs.SetStatus(ctx, runID, run.StatusRunning, ""); err != nil && !errors.Is(err, run.ErrInvalidTransition) {
		o.logger.Warn(ctx, "running transition failed", "run_id", runID, "err", err)
	}
	if err := o.runs.SetOwner(ctx, runID, o.leases.WorkerID()); err != nil {
		o.logger.Warn(ctx, "owner mirror failed", "run_id", runID, "err", err)
	}

	o.buffer.Register(ctx, buffer.NewRunState(runID, r.ThreadID, r.AccountID, o.clock()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	stopHeartbeat := o.leases.StartHeartbeat(runCtx, runID, func(err error) {
		lost.Store(true)
		o.logger.Error(ctx, "run lease lost mid-execution", "run_id", runID, "err", err)
		cancel()
	})
	defer stopHeartbeat()
	go o.watchCancel(runCtx, runID, cancel)

	started := o.clock()
	seq := newSequencer()
	out := o.loop(runCtx, &r, seq)
	o.metrics.RecordTimer("loom.run.duration", o.clock().Sub(started), "status", string(out.status))
	span.AddEvent("outcome", "run_id", runID, "status", string(out.status))

	if lost.Load() {
		return o.abandon(ctx, runID)
	}
	// Finalize with the parent context so an in-flight stop signal cannot
	// abort the flush it mandates.
	return o.finish(ctx, &r, out, seq)
}

// loop is the auto-continue controller: it prepares and dispatches
// iterations until the model finishes, an error class says stop, the stop
// signal fires, or the iteration budget runs out.
func (o *Orchestrator) loop(ctx context.Context, r *run.Run, seq *sequencer) outcome {
	modelID := r.Model
	if modelID == "" {
		modelID = o.opts.DefaultModel
	}

	var total model.TokenUsage
	pairingRetries, reroutes := 0, 0
	forceToolFallback := false
	promptHint := 0

	iter := 1
	for iter <= o.opts.MaxIterations {
		if stopped, reason := o.stopRequested(ctx, r.ID); stopped {
			return outcome{status: run.StatusStopped, reason: reason}
		}
		if out, ok := o.preflight(ctx, r, iter); !ok {
			return out
		}

		prep, err := o.prepare(ctx, r, modelID, iter, promptHint, forceToolFallback)
		if err != nil {
			return o.failure(ctx, r, err)
		}

		res, err := o.dispatch(ctx, r, prep, seq)
		if err != nil {
			switch {
			case fault.IsCanceled(err):
				_, reason := o.stopRequested(ctx, r.ID)
				if reason == "" {
					reason = "canceled"
				}
				return outcome{status: run.StatusStopped, reason: reason}
			case fault.IsToolPairing(err) && pairingRetries < o.opts.MaxPairingRetries:
				pairingRetries++
				forceToolFallback = true
				o.metrics.IncCounter("loom.orchestrator.pairing_retries", 1)
				o.logger.Warn(ctx, "provider rejected tool pairing, retrying with stripped tool history",
					"run_id", r.ID, "attempt", pairingRetries, "err", err)
				continue
			case fault.IsOverload(err) && o.opts.FallbackModel != "" &&
				modelID != o.opts.FallbackModel && reroutes < o.opts.MaxOverloadReroutes:
				reroutes++
				o.metrics.IncCounter("loom.orchestrator.reroutes", 1)
				o.logger.Warn(ctx, "provider overloaded, rerouting",
					"run_id", r.ID, "from", modelID, "to", o.opts.FallbackModel)
				modelID = o.opts.FallbackModel
				continue
			default:
				return o.failure(ctx, r, err)
			}
		}

		total = addUsage(total, res.usage)
		promptHint = res.usage.TotalTokens
		if err := o.commitTurn(ctx, r, prep.modelID, res, seq, iter); err != nil {
			return o.failure(ctx, r, err)
		}

		switch res.finish {
		case model.FinishToolCalls:
			terminal, toolTokens, err := o.runTools(ctx, r, res, seq)
			if err != nil {
				return o.failure(ctx, r, err)
			}
			promptHint += toolTokens
			if err := o.buffer.FlushUntilEmpty(ctx, r.ID); err != nil {
				return o.failure(ctx, r, fault.Wrap(fault.KindPersistence, "iteration flush", err))
			}
			if terminal {
				return outcome{status: run.StatusCompleted, finish: model.FinishAgentTerminated}
			}
			iter++
		case model.FinishLength:
			if err := o.buffer.FlushUntilEmpty(ctx, r.ID); err != nil {
				return o.failure(ctx, r, fault.Wrap(fault.KindPersistence, "iteration flush", err))
			}
			iter++
		case model.FinishAgentTerminated, model.FinishXMLToolLimit:
			return outcome{status: run.StatusCompleted, finish: res.finish}
		default:
			return outcome{status: run.StatusCompleted, finish: model.FinishStop}
		}

		o.logger.Debug(ctx, "auto-continue", "run_id", r.ID, "iteration", iter,
			"finish_reason", string(res.finish), "prompt_tokens", promptHint,
			"total_tokens", total.TotalTokens)
	}

	o.metrics.IncCounter("loom.orchestrator.iteration_limit", 1)
	o.logger.Warn(ctx, "auto-continue limit reached", "run_id", r.ID, "iterations", o.opts.MaxIterations)
	return outcome{status: run.StatusStopped, reason: "auto-continue limit reached"}
}

// stopRequested checks the durable stop signal and the run context. The
// recorded reason wins over a bare context cancellation so the terminal
// record carries what the caller actually asked for.
func (o *Orchestrator) stopRequested(ctx context.Context, runID string) (bool, string) {
	stopped, reason, err := o.canceler.Stopped(context.WithoutCancel(ctx), runID)
	if err != nil {
		o.logger.Warn(ctx, "stop signal read failed", "run_id", runID, "err", err)
	} else if stopped {
		if reason == "" {
			reason = "canceled"
		}
		return true, reason
	}
	if ctx.Err() != nil {
		return true, "canceled"
	}
	return false, ""
}

// watchCancel polls the durable stop signal and cancels the run context
// when it fires, so streaming reads observe cancellation between chunks.
func (o *Orchestrator) watchCancel(ctx context.Context, runID string, cancel context.CancelFunc) {
	t := time.NewTicker(o.opts.CancelPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stopped, _, err := o.canceler.Stopped(ctx, runID)
			if err != nil {
				continue
			}
			if stopped {
				cancel()
				return
			}
		}
	}
}

// preflight re-checks the account balance before each dispatch. On the
// first iteration a denial is rechecked once after a short warmup so a
// commit from the previous run can land. Balance read failures degrade
// open: the ledger settles accounts on flush regardless.
func (o *Orchestrator) preflight(ctx context.Context, r *run.Run, iter int) (outcome, bool) {
	avail, err := o.credits.Available(ctx, r.AccountID)
	if err != nil {
		o.logger.Warn(ctx, "credit preflight read failed", "run_id", r.ID, "account_id", r.AccountID, "err", err)
		return outcome{}, true
	}
	if avail > 0 {
		return outcome{}, true
	}
	if iter == 1 {
		if !sleepCtx(ctx, o.opts.CreditWarmup) {
			return outcome{status: run.StatusStopped, reason: "canceled"}, false
		}
		if avail, err = o.credits.Available(ctx, r.AccountID); err == nil && avail > 0 {
			return outcome{}, true
		}
	}
	o.metrics.IncCounter("loom.orchestrator.credit_denials", 1)
	o.logger.Info(ctx, "run stopped on credit preflight", "run_id", r.ID, "account_id", r.AccountID, "iteration", iter)
	return outcome{status: run.StatusStopped, reason: insufficientCredits}, false
}

// failure classifies err into a terminal outcome. Cancellation is not an
// error: it maps to a stopped status.
func (o *Orchestrator) failure(ctx context.Context, r *run.Run, err error) outcome {
	kind := fault.Classify(err)
	if kind == fault.KindCanceled {
		_, reason := o.stopRequested(ctx, r.ID)
		if reason == "" {
			reason = "canceled"
		}
		return outcome{status: run.StatusStopped, reason: reason}
	}
	o.metrics.IncCounter("loom.orchestrator.failures", 1, "kind", string(kind))
	o.logger.Error(ctx, "run failed", "run_id", r.ID, "kind", string(kind), "err", err)
	return outcome{status: run.StatusFailed, reason: err.Error(), err: err}
}

// finish flushes buffered writes, transitions the run row, publishes the
// terminal status record, clears the stop signal, and releases the lease,
// in that order. The terminal record carries the highest sequence number
// the run published.
func (o *Orchestrator) finish(ctx context.Context, r *run.Run, out outcome, seq *sequencer) error {
	if err := o.buffer.Finalize(ctx, r.ID, out.status, out.reason); err != nil {
		// Keep the lease: the sweeper will recover the run and retry the
		// flush once this owner's heartbeat goes stale.
		o.logger.Error(ctx, "run finalize failed", "run_id", r.ID, "err", err)
		return fault.Wrap(fault.KindPersistence, "finalize run", err)
	}

	o.publish(ctx, r.ID, stream.Terminal(seq.next(), streamStatus(out.status), out.reason, string(out.finish)))
	if err := o.pub.Complete(ctx, r.ID); err != nil {
		o.logger.Warn(ctx, "stream completion signal failed", "run_id", r.ID, "err", err)
	}
	if err := o.canceler.Clear(ctx, r.ID); err != nil {
		o.logger.Warn(ctx, "stop signal clear failed", "run_id", r.ID, "err", err)
	}
	if err := o.leases.Release(ctx, r.ID, string(out.status)); err != nil {
		// The owner key expires on its own; the active-set entry is reaped
		// by the sweeper once the row reads terminal.
		o.logger.Warn(ctx, "lease release failed", "run_id", r.ID, "err", err)
	}

	o.metrics.IncCounter("loom.orchestrator.runs", 1, "status", string(out.status))
	o.logger.Info(ctx, "run finished", "run_id", r.ID, "status", string(out.status),
		"finish_reason", string(out.finish), "reason", out.reason)
	return nil
}

// abandon handles losing the lease mid-run: another worker owns the run
// now, so this one flushes what it buffered (message ids are unique, so
// replays are harmless) and steps aside without touching the row, the
// stream, or the lease.
func (o *Orchestrator) abandon(ctx context.Context, runID string) error {
	if err := o.buffer.FlushUntilEmpty(ctx, runID); err != nil && !errors.Is(err, buffer.ErrUnknownRun) {
		o.logger.Warn(ctx, "post-loss flush failed", "run_id", runID, "err", err)
	}
	o.buffer.Unregister(runID)
	o.metrics.IncCounter("loom.orchestrator.abandoned", 1)
	o.logger.Warn(ctx, "run abandoned after lease loss", "run_id", runID)
	return nil
}

// publish emits one stream record, logging failures instead of propagating
// them: the stream is a live view, the write buffer is the durability path.
func (o *Orchestrator) publish(ctx context.Context, runID string, rec stream.Record) {
	if err := o.pub.Publish(ctx, runID, rec); err != nil {
		o.logger.Warn(ctx, "stream publish failed", "run_id", runID, "type", rec.Type, "err", err)
	}
}

// sequencer hands out the monotone sequence numbers stream records carry.
type sequencer struct {
	n atomic.Int64
}

func newSequencer() *sequencer { return &sequencer{} }

func (s *sequencer) next() int64 { return s.n.Add(1) }

func streamStatus(s run.Status) string {
	switch s {
	case run.StatusCompleted:
		return stream.StatusCompleted
	case run.StatusStopped:
		return stream.StatusStopped
	default:
		return stream.StatusError
	}
}

func addUsage(a, b model.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
	}
}

// sleepCtx waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
