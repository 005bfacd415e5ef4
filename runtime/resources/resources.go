// Package resources binds projects to compute sandboxes. Each (account,
// project) pair owns exactly one sandbox. Resolve walks a chain of
// fallbacks, cheapest first: the process-local cache, the project's
// persisted resource link, a warm pool claim, and finally a fresh launch.
// Concurrent resolutions for the same project are serialised by an
// in-process lock table so a burst of first turns cannot create duplicate
// sandboxes.
package resources

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/run"
	"github.com/weaveline/loom/runtime/sandbox"
	"github.com/weaveline/loom/runtime/telemetry"
)

// Resolution sources, used in logs and metric tags.
const (
	SourceCache   = "cache"
	SourceRecord  = "record"
	SourcePool    = "pool"
	SourceCreated = "created"
)

// SandboxInfo is what a run needs to reach its sandbox.
type SandboxInfo struct {
	ResourceID string
	ExternalID string
	PreviewURL string
	Token      string
	// Source records which resolution step produced the binding.
	Source string
}

// Claimer is the slice of the sandbox pool the resolver uses.
type Claimer interface {
	Claim(ctx context.Context, accountID, projectID string) (sandbox.Resource, error)
}

// Options tune the resolver.
type Options struct {
	// ReadyWait is how long a freshly launched sandbox gets to start its
	// services before the resolver hands it out. Default 2s.
	ReadyWait time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func (o *Options) defaults() {
	if o.ReadyWait <= 0 {
		o.ReadyWait = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
}

// Resolver finds or creates the sandbox bound to a project.
type Resolver struct {
	projects run.ProjectStore
	store    sandbox.Store
	pool     Claimer
	launcher sandbox.Launcher
	opts     Options
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu    sync.Mutex
	cache map[string]SandboxInfo
	locks map[string]*sync.Mutex
}

// New builds a resolver. The pool may be nil, in which case empty-pool
// fallback goes straight to the launcher.
func New(projects run.ProjectStore, store sandbox.Store, pool Claimer, launcher sandbox.Launcher, opts Options) (*Resolver, error) {
	if projects == nil {
		return nil, errors.New("resources: project store is required")
	}
	if store == nil {
		return nil, errors.New("resources: resource store is required")
	}
	if launcher == nil {
		return nil, errors.New("resources: launcher is required")
	}
	opts.defaults()
	return &Resolver{
		projects: projects,
		store:    store,
		pool:     pool,
		launcher: launcher,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		cache:    make(map[string]SandboxInfo),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Resolve returns the sandbox bound to the project, binding one if needed.
func (r *Resolver) Resolve(ctx context.Context, accountID, projectID string) (SandboxInfo, error) {
	if projectID == "" {
		return SandboxInfo{}, fault.New(fault.KindValidation, "resources: project id required")
	}
	started := time.Now()

	lock := r.projLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if info, ok := r.cached(projectID); ok {
		r.resolved(SourceCache, started)
		return info, nil
	}

	proj, err := r.projects.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return SandboxInfo{}, fault.Wrap(fault.KindValidation, "resources: unknown project "+projectID, err)
		}
		return SandboxInfo{}, fault.Wrap(fault.KindPersistence, "resources: project lookup failed", err)
	}
	if proj.AccountID != "" && proj.AccountID != accountID {
		return SandboxInfo{}, fault.Newf(fault.KindValidation, "resources: project %s owned by another account", projectID)
	}

	if proj.ResourceID != "" {
		res, err := r.store.Get(ctx, proj.ResourceID)
		switch {
		case err == nil && res.Status == sandbox.StatusActive:
			info := infoFrom(res, SourceRecord)
			r.remember(projectID, info)
			r.resolved(SourceRecord, started)
			return info, nil
		case err != nil && !errors.Is(err, sandbox.ErrNotFound):
			return SandboxInfo{}, fault.Wrap(fault.KindPersistence, "resources: resource lookup failed", err)
		}
		// Linked row is gone or no longer active; bind a new sandbox.
		r.logger.Info(ctx, "project resource link is dead, rebinding",
			"project_id", projectID, "resource_id", proj.ResourceID)
	}

	if r.pool != nil {
		res, err := r.pool.Claim(ctx, accountID, projectID)
		if err == nil {
			return r.bind(ctx, projectID, res, SourcePool, started)
		}
		if !errors.Is(err, sandbox.ErrPoolEmpty) {
			return SandboxInfo{}, fault.Wrap(fault.KindPersistence, "resources: pool claim failed", err)
		}
	}

	res, err := r.create(ctx, accountID, projectID)
	if err != nil {
		return SandboxInfo{}, err
	}
	return r.bind(ctx, projectID, res, SourceCreated, started)
}

// Forget drops the process-local binding so the next Resolve re-reads the
// store. Call it when a sandbox stops answering.
func (r *Resolver) Forget(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, projectID)
}

// create launches a sandbox, waits for its services to come up, and records
// it as active.
func (r *Resolver) create(ctx context.Context, accountID, projectID string) (sandbox.Resource, error) {
	inst, err := r.launcher.Launch(ctx)
	if err != nil {
		return sandbox.Resource{}, fault.Wrap(fault.KindTransient, "resources: sandbox launch failed", err)
	}
	if err := sleep(ctx, r.opts.ReadyWait); err != nil {
		r.terminate(inst.ExternalID)
		return sandbox.Resource{}, fault.Wrap(fault.KindCanceled, "resources: canceled waiting for sandbox services", err)
	}
	now := time.Now()
	res := sandbox.Resource{
		ID:         uuid.NewString(),
		ExternalID: inst.ExternalID,
		Status:     sandbox.StatusActive,
		AccountID:  accountID,
		ProjectID:  projectID,
		PreviewURL: inst.PreviewURL,
		Token:      inst.Token,
		CreatedAt:  now,
		ClaimedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.Insert(ctx, res); err != nil {
		r.terminate(inst.ExternalID)
		return sandbox.Resource{}, fault.Wrap(fault.KindPersistence, "resources: record sandbox failed", err)
	}
	r.metrics.IncCounter("loom.resources.created", 1)
	return res, nil
}

// bind links the project row to the resource and caches the result.
func (r *Resolver) bind(ctx context.Context, projectID string, res sandbox.Resource, source string, started time.Time) (SandboxInfo, error) {
	if err := r.projects.SetResource(ctx, projectID, res.ID); err != nil {
		return SandboxInfo{}, fault.Wrap(fault.KindPersistence, "resources: link project failed", err)
	}
	info := infoFrom(res, source)
	r.remember(projectID, info)
	r.resolved(source, started)
	r.logger.Info(ctx, "bound sandbox to project",
		"project_id", projectID, "resource_id", res.ID, "source", source)
	return info, nil
}

func (r *Resolver) terminate(externalID string) {
	// Best effort, off the caller's context so cancellation cannot leak
	// the external sandbox.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.launcher.Terminate(ctx, externalID); err != nil {
		r.logger.Error(ctx, "failed to terminate unrecorded sandbox",
			"external_id", externalID, "err", err)
	}
}

func (r *Resolver) cached(projectID string) (SandboxInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.cache[projectID]
	return info, ok
}

func (r *Resolver) remember(projectID string, info SandboxInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[projectID] = info
}

func (r *Resolver) projLock(projectID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[projectID] = l
	}
	return l
}

func (r *Resolver) resolved(source string, started time.Time) {
	r.metrics.IncCounter("loom.resources.resolved", 1, "source", source)
	r.metrics.RecordTimer("loom.resources.resolve.duration", time.Since(started), "source", source)
}

func infoFrom(res sandbox.Resource, source string) SandboxInfo {
	return SandboxInfo{
		ResourceID: res.ID,
		ExternalID: res.ExternalID,
		PreviewURL: res.PreviewURL,
		Token:      res.Token,
		Source:     source,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
