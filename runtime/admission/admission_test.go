package admission_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "github.com/weaveline/loom/features/kv/redis"
	"github.com/weaveline/loom/runtime/admission"
	"github.com/weaveline/loom/runtime/fault"
)

func setup(t *testing.T, opts admission.Options) (*admission.Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	c := kvredis.NewFromClient(rdb, 2*time.Second)
	t.Cleanup(func() { _ = c.Close() })

	l, err := admission.New(c, opts)
	require.NoError(t, err)
	return l, mr
}

func TestAdmitCountsDownSessionBudget(t *testing.T) {
	l, _ := setup(t, admission.Options{})
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		g, err := l.Admit(ctx, "sess-1", "203.0.113.9")
		require.NoError(t, err)
		assert.Equal(t, want, g.SessionRemaining)
	}
}

func TestAdmitRefusesExhaustedSession(t *testing.T) {
	l, _ := setup(t, admission.Options{SessionMessages: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Admit(ctx, "sess-1", "203.0.113.9")
		require.NoError(t, err)
	}

	_, err := l.Admit(ctx, "sess-1", "203.0.113.9")
	require.ErrorIs(t, err, admission.ErrSessionLimit)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
	assert.False(t, fault.Retryable(err))

	// Other sessions from the same address keep their own budget.
	_, err = l.Admit(ctx, "sess-2", "203.0.113.9")
	require.NoError(t, err)
}

func TestAdmitSessionLifetimeIsAbsolute(t *testing.T) {
	l, mr := setup(t, admission.Options{SessionMessages: 2})
	ctx := context.Background()

	_, err := l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)

	// Messages late in the session do not push the expiry out.
	mr.FastForward(23 * time.Hour)
	_, err = l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	g, err := l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, g.SessionUsed, "expired session starts a fresh budget")
}

func TestAdmitEnforcesHourlyIPLimit(t *testing.T) {
	l, mr := setup(t, admission.Options{SessionMessages: 100, IPHourly: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Admit(ctx, "sess-1", "203.0.113.9")
		require.NoError(t, err)
	}

	// A fresh session does not dodge the address cap.
	_, err := l.Admit(ctx, "sess-2", "203.0.113.9")
	require.ErrorIs(t, err, admission.ErrIPLimit)
	assert.True(t, fault.IsOverload(err))

	// A different address is unaffected.
	_, err = l.Admit(ctx, "sess-3", "198.51.100.7")
	require.NoError(t, err)

	mr.FastForward(61 * time.Minute)
	_, err = l.Admit(ctx, "sess-2", "203.0.113.9")
	require.NoError(t, err)
}

func TestAdmitEnforcesDailyIPLimit(t *testing.T) {
	l, mr := setup(t, admission.Options{SessionMessages: 100, IPHourly: 100, IPDaily: 2})
	ctx := context.Background()

	_, err := l.Admit(ctx, "sess-1", "203.0.113.9")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "sess-2", "203.0.113.9")
	require.NoError(t, err)

	_, err = l.Admit(ctx, "sess-3", "203.0.113.9")
	require.ErrorIs(t, err, admission.ErrIPLimit)

	// The daily window outlives the hourly one.
	mr.FastForward(2 * time.Hour)
	_, err = l.Admit(ctx, "sess-4", "203.0.113.9")
	require.ErrorIs(t, err, admission.ErrIPLimit)

	mr.FastForward(23 * time.Hour)
	_, err = l.Admit(ctx, "sess-5", "203.0.113.9")
	require.NoError(t, err)
}

func TestAdmitSkipsIPWindowsForLocalCallers(t *testing.T) {
	l, _ := setup(t, admission.Options{SessionMessages: 100, IPHourly: 1})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Admit(ctx, "sess-1", "")
		require.NoError(t, err)
	}
}

func TestAdmitRequiresSessionID(t *testing.T) {
	l, _ := setup(t, admission.Options{})
	_, err := l.Admit(context.Background(), "", "203.0.113.9")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestSessionInfo(t *testing.T) {
	l, _ := setup(t, admission.Options{})
	ctx := context.Background()

	used, expiresIn, err := l.SessionInfo(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, used)
	assert.Equal(t, 24*time.Hour, expiresIn)

	_, err = l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)

	used, expiresIn, err = l.SessionInfo(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, used)
	assert.Greater(t, expiresIn, time.Duration(0))
	assert.LessOrEqual(t, expiresIn, 24*time.Hour)
}

func TestResetRestoresSessionBudget(t *testing.T) {
	l, _ := setup(t, admission.Options{SessionMessages: 1})
	ctx := context.Background()

	_, err := l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)
	_, err = l.Admit(ctx, "sess-1", "")
	require.ErrorIs(t, err, admission.ErrSessionLimit)

	require.NoError(t, l.Reset(ctx, "sess-1"))

	g, err := l.Admit(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, g.SessionUsed)
}

func TestCleanupReapsKeysWithoutExpiry(t *testing.T) {
	l, mr := setup(t, admission.Options{})
	ctx := context.Background()

	// A live session armed its expiry normally.
	_, err := l.Admit(ctx, "sess-live", "203.0.113.9")
	require.NoError(t, err)

	// A crash between increment and expire leaves counters with no TTL.
	require.NoError(t, mr.Set("guest:session:leaked", "2"))
	require.NoError(t, mr.Set("guest:ip:deadbeefdeadbeef:h", "5"))

	removed, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.False(t, mr.Exists("guest:session:leaked"))
	assert.False(t, mr.Exists("guest:ip:deadbeefdeadbeef:h"))
	assert.True(t, mr.Exists("guest:session:sess-live"))

	// A second pass finds nothing.
	removed, err = l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestHashIPIsStableAndOpaque(t *testing.T) {
	a := admission.HashIP("203.0.113.9")
	b := admission.HashIP("203.0.113.9")
	c := admission.HashIP("203.0.113.10")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
	assert.NotContains(t, a, ".")
}
