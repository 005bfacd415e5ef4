// Package pulse implements the run dispatch queue over goa.design/pulse
// streams. Submitters enqueue one unit of work per accepted run onto a
// shared stream; workers join a single consumer group, so each unit is
// delivered to exactly one live worker and redelivered when that worker
// dies before acking. The queue only moves work between processes; run
// ownership is granted separately by the lease protocol, which also makes
// a redelivered unit harmless once some worker has claimed it.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/weaveline/loom/runtime/telemetry"
)

const (
	// DefaultStream is the Pulse stream carrying run dispatches.
	DefaultStream = "loom_dispatch"
	// DefaultGroup is the consumer group shared by all workers.
	DefaultGroup = "loom_workers"

	defaultMaxLen = 16384

	// eventDispatch names the single event type the queue publishes.
	eventDispatch = "run.dispatch"
)

type (
	// Work is one unit of run execution handed from submitter to worker.
	// Fields mirror the run row so a worker can claim and start execution
	// without a read-back.
	Work struct {
		// RunID identifies the run to execute. Required.
		RunID string `json:"run_id"`
		// ThreadID is the conversation the run operates on.
		ThreadID string `json:"thread_id"`
		// ProjectID is the owning project.
		ProjectID string `json:"project_id"`
		// AccountID is the billed account.
		AccountID string `json:"account_id"`
		// Model is the requested model id, empty for the configured default.
		Model string `json:"model,omitempty"`
		// EnqueuedAt records submission time.
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// Handler accepts one unit of work. A nil return acknowledges the
	// delivery. Handlers should claim the run and hand execution off
	// rather than block for the whole run; an error return leaves the
	// delivery pending so the group redelivers it, so return one only
	// when the unit was not accepted at all.
	Handler func(ctx context.Context, w Work) error

	// Client exposes the subset of Pulse the queue consumes.
	Client interface {
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string) (Stream, error)
	}

	// Stream exposes publishing and consumer-group creation on one stream.
	Stream interface {
		// Add publishes an event, returning the Redis-assigned ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink joins the named consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink is one worker's membership in a consumer group.
	Sink interface {
		// Subscribe returns the channel deliveries arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack marks a delivery processed so the group stops redelivering it.
		Ack(ctx context.Context, evt *streaming.Event) error
		// Close leaves the group and releases resources.
		Close(ctx context.Context)
	}
)

type client struct {
	rdb    *goredis.Client
	maxLen int
}

// NewClient wraps a Redis connection in the Client surface. maxLen bounds
// the dispatch stream with approximate trimming; zero keeps 16384 entries.
// The caller owns the connection lifecycle.
func NewClient(rdb *goredis.Client, maxLen int) (Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &client{rdb: rdb, maxLen: maxLen}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	str, err := streaming.NewStream(name, c.rdb, streamopts.WithStreamMaxLen(c.maxLen))
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	return &handle{stream: str}, nil
}

type handle struct {
	stream *streaming.Stream
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return h.stream.Add(ctx, event, payload)
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{sink}, nil
}

// sinkAdapter narrows *streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }

type (
	// ProducerOptions configures a Producer.
	ProducerOptions struct {
		// Stream names the dispatch stream. Defaults to DefaultStream.
		Stream string
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
		// Clock overrides time.Now for tests.
		Clock func() time.Time
	}

	// Producer enqueues run dispatches.
	Producer struct {
		stream  Stream
		metrics telemetry.Metrics
		clock   func() time.Time
	}
)

// NewProducer builds a Producer publishing to the dispatch stream.
func NewProducer(c Client, opts ProducerOptions) (*Producer, error) {
	if c == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	str, err := c.Stream(name)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Producer{stream: str, metrics: metrics, clock: clock}, nil
}

// Enqueue publishes one unit of work. EnqueuedAt defaults to the current
// time when the caller leaves it zero.
func (p *Producer) Enqueue(ctx context.Context, w Work) error {
	if w.RunID == "" {
		return errors.New("enqueue: run id is required")
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = p.clock()
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("enqueue run %s: encode: %w", w.RunID, err)
	}
	if _, err := p.stream.Add(ctx, eventDispatch, payload); err != nil {
		return fmt.Errorf("enqueue run %s: %w", w.RunID, err)
	}
	p.metrics.IncCounter("loom.queue.enqueued", 1)
	return nil
}

type (
	// ConsumerOptions configures a Consumer.
	ConsumerOptions struct {
		// Stream names the dispatch stream. Defaults to DefaultStream.
		Stream string
		// Group names the consumer group. All workers must share one
		// group for each dispatch to reach a single worker. Defaults to
		// DefaultGroup.
		Group string
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Consumer delivers dispatches to a handler with ack-on-accept
	// semantics.
	Consumer struct {
		stream  Stream
		group   string
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}
)

// NewConsumer builds a Consumer reading from the dispatch stream.
func NewConsumer(c Client, opts ConsumerOptions) (*Consumer, error) {
	if c == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = DefaultStream
	}
	str, err := c.Stream(name)
	if err != nil {
		return nil, err
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Consumer{stream: str, group: group, logger: logger, metrics: metrics}, nil
}

// Run consumes dispatches until ctx is canceled, handing each one to
// handler. A nil handler return acks the delivery; an error leaves it
// pending for redelivery. Payloads that fail to decode and events that
// are not dispatches are acked and counted, never redelivered.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("dispatch handler is required")
	}
	// Work can be enqueued before the first worker boots; the group
	// starts at the oldest entry so none of it is skipped.
	sink, err := c.stream.NewSink(ctx, c.group, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return fmt.Errorf("join dispatch group %q: %w", c.group, err)
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("dispatch subscription closed")
			}
			c.deliver(ctx, sink, evt, handler)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, sink Sink, evt *streaming.Event, handler Handler) {
	if evt.EventName != eventDispatch {
		c.ack(ctx, sink, evt)
		return
	}
	var w Work
	if err := json.Unmarshal(evt.Payload, &w); err != nil {
		// A payload that cannot decode will never succeed; ack it so
		// the group stops redelivering it.
		c.logger.Error(ctx, "dropping undecodable dispatch", "event_id", evt.ID, "err", err)
		c.metrics.IncCounter("loom.queue.poison", 1)
		c.ack(ctx, sink, evt)
		return
	}
	if err := handler(ctx, w); err != nil {
		// Left pending: the group redelivers it, possibly to another
		// worker.
		c.logger.Warn(ctx, "dispatch not accepted", "run_id", w.RunID, "event_id", evt.ID, "err", err)
		c.metrics.IncCounter("loom.queue.rejected", 1)
		return
	}
	c.metrics.IncCounter("loom.queue.delivered", 1)
	c.ack(ctx, sink, evt)
}

func (c *Consumer) ack(ctx context.Context, sink Sink, evt *streaming.Event) {
	if err := sink.Ack(ctx, evt); err != nil {
		// A missed ack means redelivery; the lease claim rejects the
		// duplicate.
		c.logger.Warn(ctx, "dispatch ack failed", "event_id", evt.ID, "err", err)
	}
}
