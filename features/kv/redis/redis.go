// Package redis implements the runtime's key-value and stream store client
// over github.com/redis/go-redis/v9. It exposes the primitives the runtime
// coordinates through: get/set with TTL, atomic increments, sets, lists,
// capped streams with consumer groups, pub/sub, and SCAN. Every non-blocking
// operation runs under a per-operation timeout, and missing keys map to
// ErrNotFound so callers never compare against redis.Nil directly.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/weaveline/loom/runtime/kv"
)

type (
	// Options configures the client.
	Options struct {
		// Addr is the redis server address (host:port).
		Addr string
		// Password is the optional server password.
		Password string
		// DB is the redis database number.
		DB int
		// OpTimeout bounds each non-blocking operation. Defaults to 5s.
		OpTimeout time.Duration
	}

	// Client wraps a go-redis client with the runtime's KV contract.
	Client struct {
		rdb       *goredis.Client
		opTimeout time.Duration
	}

	// StreamEntry is one record read from a stream.
	StreamEntry = kv.StreamEntry

	// Message is one pub/sub delivery.
	Message struct {
		Channel string
		Payload string
	}

	// Subscription is an active pub/sub subscription. Receive on C; Close
	// releases the connection.
	Subscription struct {
		C      <-chan Message
		pubsub *goredis.PubSub
		done   chan struct{}
	}
)

// ErrNotFound reports a missing key. It wraps the runtime's kv.ErrNotFound
// so consumers can match either sentinel.
var ErrNotFound = fmt.Errorf("redis: %w", kv.ErrNotFound)

const defaultOpTimeout = 5 * time.Second

// New connects to redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	c := NewFromClient(rdb, opts.OpTimeout)
	pingCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", opts.Addr, err)
	}
	return c, nil
}

// NewFromClient wraps an existing go-redis client. The caller keeps ownership
// of the underlying client lifecycle when sharing it with other subsystems.
func NewFromClient(rdb *goredis.Client, opTimeout time.Duration) *Client {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &Client{rdb: rdb, opTimeout: opTimeout}
}

// Unwrap exposes the underlying go-redis client for subsystems that need it
// directly (pulse streams, replicated maps).
func (c *Client) Unwrap() *goredis.Client { return c.rdb }

// Name implements health.Pinger.
func (c *Client) Name() string { return "redis" }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get returns the string value of a key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Set stores a value. A zero ttl stores without expiry.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX stores a value only if the key does not exist. Returns true when the
// caller won the write.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes keys. Missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Incr atomically increments a counter and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a key's TTL. Returns ErrNotFound when the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// TTL returns a key's remaining time to live. ErrNotFound when the key does
// not exist; zero duration when the key has no expiry.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	switch {
	case d == -2*time.Second:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	case d == -1*time.Second:
		return 0, nil
	default:
		return d, nil
	}
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of a set. A missing key yields an empty slice.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

// Scan returns all keys matching a glob pattern using cursor iteration.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

// LRange returns the list elements between start and stop inclusive.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

// LTrim trims a list to the given inclusive range.
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", key, err)
	}
	return nil
}

// Publish sends a message to a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the given channels. The returned
// subscription delivers messages until Close is called or ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, channels...)
	// Force the subscription handshake so failures surface here rather than
	// on first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", strings.Join(channels, ","), err)
	}
	out := make(chan Message, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Subscription{C: out, pubsub: pubsub, done: done}, nil
}

// Close terminates the subscription.
func (s *Subscription) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}

// XAdd appends an entry to a stream, trimming it to approximately maxLen
// entries when maxLen > 0. Returns the assigned entry id.
func (c *Client) XAdd(ctx context.Context, key string, maxLen int64, values map[string]any) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	args := &goredis.XAddArgs{Stream: key, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("redis xadd %s: %w", key, err)
	}
	return id, nil
}

// XRange reads stream entries between two ids inclusive ("-" and "+" select
// the extremes). count <= 0 reads the full range.
func (c *Client) XRange(ctx context.Context, key, start, stop string, count int64) ([]StreamEntry, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	var (
		msgs []goredis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = c.rdb.XRangeN(ctx, key, start, stop, count).Result()
	} else {
		msgs, err = c.rdb.XRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis xrange %s: %w", key, err)
	}
	return convertEntries(msgs), nil
}

// XLen returns the number of entries in a stream.
func (c *Client) XLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis xlen %s: %w", key, err)
	}
	return n, nil
}

// XGroupCreate creates a consumer group reading from the given start id,
// creating the stream if needed. An already-existing group is not an error.
func (c *Client) XGroupCreate(ctx context.Context, key, group, start string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.rdb.XGroupCreateMkStream(ctx, key, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis xgroup create %s/%s: %w", key, group, err)
	}
	return nil
}

// XReadGroup reads up to count pending entries for a consumer, blocking up to
// block when no entries are available. A non-positive block returns
// immediately.
func (c *Client) XReadGroup(ctx context.Context, key, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	if block <= 0 {
		// go-redis sends BLOCK 0 (block forever) for a zero value; a
		// negative value omits the argument entirely.
		block = -1
	}
	// Blocking reads manage their own deadline; the op timeout would cut
	// them short.
	res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{key, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis xreadgroup %s/%s: %w", key, group, err)
	}
	var entries []StreamEntry
	for _, stream := range res {
		entries = append(entries, convertEntries(stream.Messages)...)
	}
	return entries, nil
}

// XAck acknowledges processed entries for a consumer group.
func (c *Client) XAck(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.XAck(ctx, key, group, ids...).Err(); err != nil {
		return fmt.Errorf("redis xack %s/%s: %w", key, group, err)
	}
	return nil
}

func convertEntries(msgs []goredis.XMessage) []StreamEntry {
	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				values[k] = s
			} else {
				values[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, StreamEntry{ID: m.ID, Values: values})
	}
	return entries
}
