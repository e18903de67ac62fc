// ABOUTME: Tests for the liveness sweep
// ABOUTME: Covers expiry, isolate-and-skip on failing records, hooks and the ticker loop

package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// flakyStore fails CloseSession for selected sessions.
type flakyStore struct {
	*store.MockStore
	failFor map[string]bool
}

func (f *flakyStore) CloseSession(ctx context.Context, id string, at time.Time, reason string) error {
	if f.failFor[id] {
		return errors.New("disk I/O error")
	}
	return f.MockStore.CloseSession(ctx, id, at, reason)
}

func TestSweep_ExpiresStaleSessions(t *testing.T) {
	tr, s, clock := newTestTracker(t)
	ctx := t.Context()
	addAgent(t, s, "stale")
	addAgent(t, s, "fresh")

	staleSession, err := tr.StartSession(ctx, "stale", "")
	require.NoError(t, err)
	clock.Advance(60 * time.Second)
	_, err = tr.StartSession(ctx, "fresh", "")
	require.NoError(t, err)
	clock.Advance(45 * time.Second)

	res, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Expired: 1, Failed: 0, Live: 1}, res)

	sess, err := s.GetSession(ctx, staleSession)
	require.NoError(t, err)
	assert.False(t, sess.Open())
	assert.Equal(t, ExpiredReason, sess.EndReason)

	agent, err := s.GetAgent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, agent.State)

	fresh, err := tr.EffectivePresence(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.IsLive)
}

func TestSweep_IsolatesFailures(t *testing.T) {
	mock := store.NewMockStore()
	clock := routing.NewFakeClock(epoch)
	fs := &flakyStore{MockStore: mock, failFor: map[string]bool{}}
	tr := NewTracker(fs, Options{LivenessWindow: 90 * time.Second, Clock: clock})
	ctx := t.Context()

	addAgent(t, mock, "a1")
	addAgent(t, mock, "a2")
	addAgent(t, mock, "a3")
	s1, err := tr.StartSession(ctx, "a1", "")
	require.NoError(t, err)
	_, err = tr.StartSession(ctx, "a2", "")
	require.NoError(t, err)
	_, err = tr.StartSession(ctx, "a3", "")
	require.NoError(t, err)
	fs.failFor[s1] = true

	clock.Advance(5 * time.Minute)
	res, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 1, res.Failed)

	open, err := mock.ListOpenSessions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, s1, open[0].ID)
}

func TestSweep_RunsHooksAndSurvivesPanics(t *testing.T) {
	tr, s, clock := newTestTracker(t)
	ctx := t.Context()
	addAgent(t, s, "a1")
	addAgent(t, s, "a2")

	var mu sync.Mutex
	var expired []string
	tr.OnExpire(func(ctx context.Context, sess *store.AgentSession) error {
		if sess.AgentID == "a1" {
			panic("boom")
		}
		mu.Lock()
		expired = append(expired, sess.AgentID)
		mu.Unlock()
		return nil
	})

	_, err := tr.StartSession(ctx, "a1", "")
	require.NoError(t, err)
	_, err = tr.StartSession(ctx, "a2", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"a2"}, expired)

	// Both sessions were closed before their hooks ran.
	open, err := s.ListOpenSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSweep_HookErrorCountsAsFailure(t *testing.T) {
	tr, s, clock := newTestTracker(t)
	ctx := t.Context()
	addAgent(t, s, "a1")
	tr.OnExpire(func(ctx context.Context, sess *store.AgentSession) error {
		return errors.New("release failed")
	})

	_, err := tr.StartSession(ctx, "a1", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := tr.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Failed)
}

func TestSweep_AuditsExpiry(t *testing.T) {
	tr, s, clock := newTestTracker(t)
	ctx := t.Context()
	addAgent(t, s, "a1")
	sessionID, err := tr.StartSession(ctx, "a1", "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = tr.Sweep(ctx)
	require.NoError(t, err)

	action := store.AuditExpireSession
	entries, err := s.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sessionID, entries[0].TargetID)
	assert.Equal(t, "system", entries[0].Actor)
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tr.RunSweeper(ctx, 10*time.Millisecond) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
