// Package admission throttles anonymous guest traffic. Guests carry a
// client-issued session id; the limiter caps the total messages a session
// may send over its lifetime and the messages a single IP may send per hour
// and per day. Counters live in the shared key-value store so every node
// enforces the same quota, using plain atomic increments with an expiry set
// on first use.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/weaveline/loom/runtime/fault"
	"github.com/weaveline/loom/runtime/kv"
	"github.com/weaveline/loom/runtime/telemetry"
)

// Denial sentinels. Callers unwrap these to distinguish quota exhaustion
// from store failures.
var (
	// ErrSessionLimit means the session spent its lifetime message budget.
	ErrSessionLimit = errors.New("admission: session message limit reached")

	// ErrIPLimit means the caller's IP hash hit an hourly or daily cap.
	ErrIPLimit = errors.New("admission: ip rate limit exceeded")
)

// KV is the slice of the key-value store the limiter needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Options tune the limiter. Zero values take the defaults listed on each
// field.
type Options struct {
	// SessionMessages caps total messages per guest session. Default 3.
	SessionMessages int

	// SessionTTL is the absolute session lifetime, counted from the first
	// message. Default 24h.
	SessionTTL time.Duration

	// IPHourly caps messages per IP hash per rolling hour. Default 10.
	IPHourly int

	// IPDaily caps messages per IP hash per rolling day. Default 30.
	IPDaily int

	// CleanupInterval paces the background sweep that deletes session keys
	// which lost their expiry. Default 10m.
	CleanupInterval time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

func (o *Options) defaults() {
	if o.SessionMessages <= 0 {
		o.SessionMessages = 3
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	if o.IPHourly <= 0 {
		o.IPHourly = 10
	}
	if o.IPDaily <= 0 {
		o.IPDaily = 30
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
}

// Limiter admits or refuses guest messages.
type Limiter struct {
	kv      KV
	opts    Options
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Grant reports the headroom left after an admitted message. The node's
// HTTP layer surfaces these in rate-limit response headers.
type Grant struct {
	SessionUsed      int `json:"session_used"`
	SessionRemaining int `json:"session_remaining"`
	HourRemaining    int `json:"hour_remaining"`
	DayRemaining     int `json:"day_remaining"`
}

// New builds a limiter over the given store.
func New(kv KV, opts Options) (*Limiter, error) {
	if kv == nil {
		return nil, errors.New("admission: kv store is required")
	}
	opts.defaults()
	return &Limiter{kv: kv, opts: opts, logger: opts.Logger, metrics: opts.Metrics}, nil
}

// HashIP reduces a raw client address to a short stable hash so raw IPs
// never reach the store or the logs.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

// Admit counts one guest message against the session and IP quotas and
// refuses it when any quota is spent. Checks run session first, then the
// hourly and daily IP windows; a refusal at a later check still consumes
// the earlier counters, matching how the attempt consumed server work.
// An empty ip skips the IP windows (trusted local callers).
func (l *Limiter) Admit(ctx context.Context, sessionID, ip string) (Grant, error) {
	if sessionID == "" {
		return Grant{}, fault.New(fault.KindValidation, "admission: session id required")
	}

	var g Grant
	used, err := l.bump(ctx, sessionKey(sessionID), l.opts.SessionTTL)
	if err != nil {
		return Grant{}, err
	}
	g.SessionUsed = int(used)
	g.SessionRemaining = remaining(l.opts.SessionMessages, used)
	if used > int64(l.opts.SessionMessages) {
		return Grant{}, l.deny(ctx, "session_limit", fault.Wrap(fault.KindValidation,
			fmt.Sprintf("guest session message limit (%d) reached", l.opts.SessionMessages), ErrSessionLimit))
	}

	if ip != "" {
		hash := HashIP(ip)
		hourly, err := l.bump(ctx, ipHourKey(hash), time.Hour)
		if err != nil {
			return Grant{}, err
		}
		g.HourRemaining = remaining(l.opts.IPHourly, hourly)
		if hourly > int64(l.opts.IPHourly) {
			return Grant{}, l.deny(ctx, "ip_hourly", fault.Wrap(fault.KindOverload,
				fmt.Sprintf("guest hourly limit (%d) reached", l.opts.IPHourly), ErrIPLimit))
		}

		daily, err := l.bump(ctx, ipDayKey(hash), 24*time.Hour)
		if err != nil {
			return Grant{}, err
		}
		g.DayRemaining = remaining(l.opts.IPDaily, daily)
		if daily > int64(l.opts.IPDaily) {
			return Grant{}, l.deny(ctx, "ip_daily", fault.Wrap(fault.KindOverload,
				fmt.Sprintf("guest daily limit (%d) reached", l.opts.IPDaily), ErrIPLimit))
		}
	}

	l.metrics.IncCounter("loom.admission.allowed", 1)
	return g, nil
}

// bump increments a quota counter and arms its expiry on first use, so the
// window is absolute from the first message rather than sliding.
func (l *Limiter) bump(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := l.kv.Incr(ctx, key)
	if err != nil {
		return 0, fault.Wrap(fault.KindPersistence, "admission: counter update failed", err)
	}
	if n == 1 {
		if err := l.kv.Expire(ctx, key, ttl); err != nil {
			// The counter survives without an expiry until the cleanup
			// sweep reaps it, so the quota stays enforced either way.
			l.logger.Warn(ctx, "failed to arm quota expiry", "key", key, "err", err)
		}
	}
	return n, nil
}

func (l *Limiter) deny(ctx context.Context, reason string, err error) error {
	l.metrics.IncCounter("loom.admission.denied", 1, "reason", reason)
	l.logger.Info(ctx, "guest message refused", "reason", reason)
	return err
}

// SessionInfo reports how many messages a session spent and how long until
// it expires. A session that never sent a message reports zero use and the
// full lifetime.
func (l *Limiter) SessionInfo(ctx context.Context, sessionID string) (used int, expiresIn time.Duration, err error) {
	val, err := l.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		if isNotFound(err) {
			return 0, l.opts.SessionTTL, nil
		}
		return 0, 0, fault.Wrap(fault.KindPersistence, "admission: session lookup failed", err)
	}
	used, convErr := strconv.Atoi(val)
	if convErr != nil {
		return 0, 0, fault.Newf(fault.KindPersistence, "admission: corrupt session counter %q", val)
	}
	ttl, err := l.kv.TTL(ctx, sessionKey(sessionID))
	if err != nil && !isNotFound(err) {
		return 0, 0, fault.Wrap(fault.KindPersistence, "admission: session ttl lookup failed", err)
	}
	return used, ttl, nil
}

// Reset forgets a session, restoring its full message budget. Admin use
// only; IP windows are left alone.
func (l *Limiter) Reset(ctx context.Context, sessionID string) error {
	if err := l.kv.Del(ctx, sessionKey(sessionID)); err != nil {
		return fault.Wrap(fault.KindPersistence, "admission: session reset failed", err)
	}
	return nil
}

// Cleanup deletes guest keys that lost their expiry, which happens when a
// node dies between the increment and the expire. Keys with a live TTL are
// left for the store to expire on its own.
func (l *Limiter) Cleanup(ctx context.Context) (int, error) {
	removed := 0
	for _, pattern := range []string{"guest:session:*", "guest:ip:*"} {
		n, err := l.sweep(ctx, pattern)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		l.metrics.IncCounter("loom.admission.cleaned", float64(removed))
	}
	return removed, nil
}

func (l *Limiter) sweep(ctx context.Context, pattern string) (int, error) {
	keys, err := l.kv.Scan(ctx, pattern)
	if err != nil {
		return 0, fault.Wrap(fault.KindPersistence, "admission: cleanup scan failed", err)
	}
	removed := 0
	for _, key := range keys {
		ttl, err := l.kv.TTL(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue // expired between scan and lookup
			}
			return removed, fault.Wrap(fault.KindPersistence, "admission: cleanup ttl lookup failed", err)
		}
		if ttl != 0 {
			continue
		}
		if err := l.kv.Del(ctx, key); err != nil {
			return removed, fault.Wrap(fault.KindPersistence, "admission: cleanup delete failed", err)
		}
		removed++
	}
	return removed, nil
}

// Run sweeps leaked guest keys until the context ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := l.Cleanup(ctx); err != nil {
				l.logger.Error(ctx, "guest cleanup pass failed", "err", err)
			} else if n > 0 {
				l.logger.Info(ctx, "reaped leaked guest keys", "count", n)
			}
		}
	}
}

func sessionKey(id string) string  { return "guest:session:" + id }
func ipHourKey(hash string) string { return "guest:ip:" + hash + ":h" }
func ipDayKey(hash string) string  { return "guest:ip:" + hash + ":d" }

func remaining(limit int, used int64) int {
	if r := limit - int(used); r > 0 {
		return r
	}
	return 0
}

func isNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound)
}
