package resendlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan int) []int {
	t.Helper()
	var got []int
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, n)
		case <-timeout:
			t.Fatalf("countdown did not finish, got %v", got)
		}
	}
}

func next(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no countdown value")
		return 0
	}
}

func TestCountdown_TicksDownToZero(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "login")

	_, err := s.TryConsume(ctx, key, 3*time.Second)
	require.NoError(t, err)

	c := NewCountdown(s, key, WithTickInterval(5*time.Millisecond))
	got := collect(t, c.Start(ctx))

	assert.Equal(t, []int{3, 2, 1, 0}, got)
	assert.Equal(t, 0, c.Remaining())
}

func TestCountdown_NoLockEmitsZeroAndCloses(t *testing.T) {
	s, _, _ := newTestSession(t)

	c := NewCountdown(s, SubjectKey("0922982986", "login"))
	assert.Equal(t, []int{0}, collect(t, c.Start(context.Background())))
}

func TestCountdown_ForegroundReanchors(t *testing.T) {
	s, clock, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "delete_account")

	_, err := s.TryConsume(ctx, key, lockFor)
	require.NoError(t, err)

	// Ticks never fire within the test, as if the app were suspended.
	c := NewCountdown(s, key, WithTickInterval(time.Hour))
	ch := c.Start(ctx)
	defer c.Stop()
	assert.Equal(t, 60, next(t, ch))

	clock.Advance(42 * time.Second)
	assert.Equal(t, 18, c.Foreground(ctx))
	assert.Equal(t, 18, next(t, ch))
	assert.Equal(t, 18, c.Remaining())
}

func TestCountdown_ForegroundAfterExpiryFinishes(t *testing.T) {
	s, clock, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "login")

	_, err := s.TryConsume(ctx, key, lockFor)
	require.NoError(t, err)

	c := NewCountdown(s, key, WithTickInterval(time.Hour))
	ch := c.Start(ctx)
	assert.Equal(t, 60, next(t, ch))

	clock.Advance(2 * lockFor)
	assert.Equal(t, 0, c.Foreground(ctx))
	assert.Equal(t, []int{0}, collect(t, ch))
}

func TestCountdown_StopKeepsPersistedLock(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "login")

	_, err := s.TryConsume(ctx, key, lockFor)
	require.NoError(t, err)

	c := NewCountdown(s, key, WithTickInterval(time.Hour))
	ch := c.Start(ctx)
	assert.Equal(t, 60, next(t, ch))

	c.Stop()
	_, open := <-ch
	assert.False(t, open)

	assert.Equal(t, 60, s.Resync(ctx, key))
	dec, err := s.TryConsume(ctx, key, lockFor)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
}

func TestCountdown_StartTwiceReturnsSameChannel(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "login")
	_, err := s.TryConsume(ctx, key, lockFor)
	require.NoError(t, err)

	c := NewCountdown(s, key, WithTickInterval(time.Hour))
	defer c.Stop()
	assert.Equal(t, c.Start(ctx), c.Start(ctx))
}

func TestCountdown_StartAfterStopBeginsAgain(t *testing.T) {
	s, clock, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "login")
	_, err := s.TryConsume(ctx, key, lockFor)
	require.NoError(t, err)

	c := NewCountdown(s, key, WithTickInterval(time.Hour))
	first := c.Start(ctx)
	assert.Equal(t, 60, next(t, first))
	c.Stop()
	assert.Empty(t, collect(t, first))

	clock.Advance(15 * time.Second)
	second := c.Start(ctx)
	defer c.Stop()
	assert.NotEqual(t, first, second)
	assert.Equal(t, 45, next(t, second), "re-anchored on the persisted lock")
}

func TestCountdown_StartAfterFinishBeginsAgain(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	key := SubjectKey("0922982986", "login")

	c := NewCountdown(s, key, WithTickInterval(5*time.Millisecond))
	assert.Equal(t, []int{0}, collect(t, c.Start(ctx)))

	_, err := s.TryConsume(ctx, key, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 0}, collect(t, c.Start(ctx)))
}

func TestCountdown_StopBeforeStart(t *testing.T) {
	s, _, _ := newTestSession(t)
	NewCountdown(s, "0922982986|login").Stop()
}

func TestCountdown_CancelledContextCloses(t *testing.T) {
	s, _, _ := newTestSession(t)
	key := SubjectKey("0922982986", "login")
	_, err := s.TryConsume(context.Background(), key, lockFor)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewCountdown(s, key, WithTickInterval(time.Hour))
	ch := c.Start(ctx)
	assert.Equal(t, 60, next(t, ch))

	cancel()
	assert.Empty(t, collect(t, ch))
}
