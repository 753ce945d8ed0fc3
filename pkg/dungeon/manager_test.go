package dungeon_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/launcher"
	"github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, opts dungeon.Options) *dungeon.Manager {
	t.Helper()
	if opts.PortMin == 0 {
		opts.PortMin, opts.PortMax = 7701, 7703
	}
	if opts.Launcher == nil {
		opts.NoSpawn = true
	}
	m, err := dungeon.NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func newMatch(matchID string, teams ...[]string) *types.Match {
	m := &types.Match{ID: matchID, MapID: maps.GoblinCave}
	for i, members := range teams {
		m.Teams = append(m.Teams, types.Team{
			ID:      matchID + "-t" + string(rune('a'+i)),
			Members: members,
		})
	}
	return m
}

func TestManager_StartMatch(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{})

	match := newMatch("m1", []string{"a", "b", "c"}, []string{"d"})
	res, err := m.StartMatch(context.Background(), match)
	require.NoError(t, err)

	assert.NotEmpty(t, res.DungeonID)
	assert.Equal(t, "m1", res.MatchID)
	assert.Equal(t, 7701, res.Port)
	assert.Equal(t, "127.0.0.1:7701", res.ServerAddr)
	require.Len(t, res.Credentials, 4)
	assert.Equal(t, dungeon.Credential{
		Token: res.Credentials["a"].Token, TeamID: "m1-ta", TeamSize: 3,
	}, res.Credentials["a"])
	assert.Equal(t, "m1-tb", res.Credentials["d"].TeamID)
	assert.Equal(t, 1, res.Credentials["d"].TeamSize)
	assert.NotEqual(t, res.Credentials["a"].Token, res.Credentials["b"].Token)

	sess, ok := m.Session(res.DungeonID)
	require.True(t, ok)
	assert.Equal(t, store.StatusPreparing, sess.Status)
	assert.Equal(t, maps.GoblinCave, sess.MapID)
	assert.True(t, m.Ports().IsReserved(7701))

	byMatch, ok := m.SessionByMatch("m1")
	require.True(t, ok)
	assert.Equal(t, res.DungeonID, byMatch.DungeonID)
	byUser, ok := m.SessionByUser("d")
	require.True(t, ok)
	assert.Equal(t, res.DungeonID, byUser.DungeonID)
	assert.Len(t, m.ActiveSessions(), 1)
}

func TestManager_ReadinessTimeoutTearsDown(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{})

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	require.Equal(t, 7701, res.Port)

	_, err = m.WhenReady(context.Background(), res.DungeonID, 20*time.Millisecond)
	require.ErrorIs(t, err, dungeon.ErrReadyTimeout)

	require.True(t, m.EndDungeonSession(res.DungeonID, store.EndAborted))
	sess, ok := m.Session(res.DungeonID)
	require.True(t, ok)
	assert.Equal(t, store.StatusEnded, sess.Status)
	assert.Equal(t, store.EndAborted, sess.EndReason)
	assert.False(t, m.Ports().IsReserved(7701))
	assert.Equal(t, 0, m.Ports().InUse())

	// Ending again neither fails nor changes the recorded reason.
	require.True(t, m.EndDungeonSession("m1", store.EndCompleted))
	sess, _ = m.Session(res.DungeonID)
	assert.Equal(t, store.EndAborted, sess.EndReason)
	assert.Equal(t, 0, m.Ports().InUse())
	assert.Empty(t, m.ActiveSessions())

	assert.False(t, m.EndDungeonSession("missing", store.EndAborted))
}

func TestManager_MarkReady(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{ReadySecret: "s3cret"})

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)

	_, err = m.MarkReady(dungeon.ReadySignal{DungeonID: res.DungeonID, Port: res.Port, Secret: "wrong"})
	require.ErrorIs(t, err, dungeon.ErrReadySecret)

	_, err = m.MarkReady(dungeon.ReadySignal{DungeonID: res.DungeonID, Port: 9999, Secret: "s3cret"})
	require.ErrorIs(t, err, dungeon.ErrPortMismatch)

	_, err = m.MarkReady(dungeon.ReadySignal{DungeonID: "missing", Secret: "s3cret"})
	require.ErrorIs(t, err, dungeon.ErrSessionNotFound)

	waited := make(chan error, 1)
	go func() {
		_, err := m.WhenReady(context.Background(), res.DungeonID, 5*time.Second)
		waited <- err
	}()

	sess, err := m.MarkReady(dungeon.ReadySignal{
		MatchID: "m1", Host: "10.0.0.5", Port: res.Port, Secret: "s3cret",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, sess.Status)
	assert.Equal(t, "10.0.0.5", sess.Host)
	require.NoError(t, <-waited)

	// Repeated signals are accepted.
	_, err = m.MarkReady(dungeon.ReadySignal{DungeonID: res.DungeonID, Secret: "s3cret"})
	require.NoError(t, err)

	ready, err := m.WhenReady(context.Background(), res.DungeonID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, ready.Status)

	m.EndDungeonSession(res.DungeonID, store.EndCompleted)
	_, err = m.MarkReady(dungeon.ReadySignal{DungeonID: res.DungeonID, Secret: "s3cret"})
	require.ErrorIs(t, err, dungeon.ErrSessionEnded)
}

func TestManager_WhenReady(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{})

	_, err := m.WhenReady(context.Background(), "missing", time.Second)
	require.ErrorIs(t, err, dungeon.ErrSessionNotFound)

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)

	waited := make(chan error, 1)
	go func() {
		_, err := m.WhenReady(context.Background(), res.DungeonID, 5*time.Second)
		waited <- err
	}()
	m.EndDungeonSession(res.DungeonID, store.EndAborted)
	require.ErrorIs(t, <-waited, dungeon.ErrSessionEnded)

	res, err = m.StartMatch(context.Background(), newMatch("m2", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.WhenReady(ctx, res.DungeonID, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestManager_PortsExhausted(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{PortMin: 7701, PortMax: 7702})

	first, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	second, err := m.StartMatch(context.Background(), newMatch("m2", []string{"c"}, []string{"d"}))
	require.NoError(t, err)
	assert.Equal(t, 7701, first.Port)
	assert.Equal(t, 7702, second.Port)

	_, err = m.StartMatch(context.Background(), newMatch("m3", []string{"e"}, []string{"f"}))
	require.ErrorIs(t, err, dungeon.ErrPortsExhausted)
	_, ok := m.SessionByMatch("m3")
	assert.False(t, ok, "failed start must not leave a session behind")

	m.EndDungeonSession(first.DungeonID, store.EndCompleted)
	third, err := m.StartMatch(context.Background(), newMatch("m3", []string{"e"}, []string{"f"}))
	require.NoError(t, err)
	assert.Equal(t, 7701, third.Port)

	// Ports of live sessions stay unique.
	ports := make(map[int]bool)
	for _, sess := range m.ActiveSessions() {
		assert.False(t, ports[sess.Port], "port %d shared", sess.Port)
		ports[sess.Port] = true
	}
	assert.Len(t, ports, 2)
}

func TestManager_VerifyUserToken(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{})

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a", "b"}, []string{"c"}))
	require.NoError(t, err)
	tokA := res.Credentials["a"].Token
	tokB := res.Credentials["b"].Token

	assert.Equal(t, dungeon.VerifyDungeonNotFound, m.VerifyUserToken("missing", "a", tokA, false))
	assert.Equal(t, dungeon.VerifyUserNotFound, m.VerifyUserToken(res.DungeonID, "zed", tokA, false))
	assert.Equal(t, dungeon.VerifyTokenMismatch, m.VerifyUserToken(res.DungeonID, "a", tokB, false))
	assert.Equal(t, dungeon.VerifyTokenMismatch, m.VerifyUserToken(res.DungeonID, "a", "garbage", false))

	// Without consume the token stays valid.
	assert.Equal(t, dungeon.VerifyOK, m.VerifyUserToken(res.DungeonID, "a", tokA, false))
	assert.Equal(t, dungeon.VerifyOK, m.VerifyUserToken(res.DungeonID, "a", tokA, true))
	assert.Equal(t, dungeon.VerifyUserNotFound, m.VerifyUserToken(res.DungeonID, "a", tokA, true))

	assert.True(t, m.RevokeUserToken(res.DungeonID, "b"))
	assert.False(t, m.RevokeUserToken(res.DungeonID, "b"))
	assert.Equal(t, dungeon.VerifyUserNotFound, m.VerifyUserToken(res.DungeonID, "b", tokB, true))

	m.EndDungeonSession(res.DungeonID, store.EndCompleted)
	assert.Equal(t, dungeon.VerifyDungeonNotFound,
		m.VerifyUserToken(res.DungeonID, "c", res.Credentials["c"].Token, true))

	assert.Equal(t, "TOKEN_MISMATCH", dungeon.VerifyTokenMismatch.String())
}

func TestManager_VerifyConcurrentConsume(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{})

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	tok := res.Credentials["a"].Token

	var wg sync.WaitGroup
	results := make(chan dungeon.VerifyResult, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.VerifyUserToken(res.DungeonID, "a", tok, true)
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for r := range results {
		if r == dungeon.VerifyOK {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func waitEnded(t *testing.T, m *dungeon.Manager, dungeonID string) store.Session {
	t.Helper()
	var sess store.Session
	require.Eventually(t, func() bool {
		var ok bool
		sess, ok = m.Session(dungeonID)
		return ok && sess.Status == store.StatusEnded
	}, 5*time.Second, 10*time.Millisecond)
	return sess
}

func TestManager_ProcessExit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		reason store.EndReason
	}{
		{name: "clean exit completes", script: "exit 0", reason: store.EndCompleted},
		{name: "non-zero exit crashes", script: "exit 1", reason: store.EndCrash},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := newTestManager(t, dungeon.Options{
				Launcher: &launcher.Exec{Command: "sh", Args: []string{"-c", tc.script}},
			})

			res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
			require.NoError(t, err)

			sess := waitEnded(t, m, res.DungeonID)
			assert.Equal(t, tc.reason, sess.EndReason)
			assert.Positive(t, sess.PID)
			assert.False(t, m.Ports().IsReserved(res.Port))
		})
	}
}

func TestManager_SpawnFailureAborts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{
		Launcher: &launcher.Exec{Command: "/nonexistent/game-server"},
	})

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)

	sess := waitEnded(t, m, res.DungeonID)
	assert.Equal(t, store.EndAborted, sess.EndReason)
	assert.Equal(t, 0, m.Ports().InUse())
}

func TestManager_EndKillsProcess(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{
		Launcher: &launcher.Exec{Command: "sleep", Args: []string{"30"}},
	})

	res, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sess, _ := m.Session(res.DungeonID)
		return sess.PID > 0
	}, 5*time.Second, 10*time.Millisecond)

	m.EndDungeonSession(res.DungeonID, store.EndAborted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	sess, _ := m.Session(res.DungeonID)
	assert.Equal(t, store.EndAborted, sess.EndReason, "exit after kill must not rewrite the reason")
}

func TestManager_CompletedEndHoldsPortUntilExit(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{
		PortMin:  7701,
		PortMax:  7701,
		Launcher: &launcher.Exec{Command: "sleep", Args: []string{"30"}},
	})

	first, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		sess, _ := m.Session(first.DungeonID)
		return sess.PID > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, m.EndDungeonSession(first.DungeonID, store.EndCompleted))

	// The server is killed and its port freed well before sleep would have returned.
	require.Eventually(t, func() bool {
		return !m.Ports().IsReserved(7701)
	}, 5*time.Second, 10*time.Millisecond)

	second, err := m.StartMatch(context.Background(), newMatch("m2", []string{"c"}, []string{"d"}))
	require.NoError(t, err)
	assert.Equal(t, 7701, second.Port)

	sess, _ := m.Session(first.DungeonID)
	assert.Equal(t, store.EndCompleted, sess.EndReason)
}

func TestManager_Sweep(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	m := newTestManager(t, dungeon.Options{
		Clock:       clock.Now,
		MaxLifetime: time.Hour,
		Retention:   10 * time.Minute,
	})

	running, err := m.StartMatch(context.Background(), newMatch("m1", []string{"a"}, []string{"b"}))
	require.NoError(t, err)
	_, err = m.MarkReady(dungeon.ReadySignal{DungeonID: running.DungeonID})
	require.NoError(t, err)
	preparing, err := m.StartMatch(context.Background(), newMatch("m2", []string{"c"}, []string{"d"}))
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	m.Sweep()
	assert.Len(t, m.ActiveSessions(), 2)

	clock.Advance(31 * time.Minute)
	m.Sweep()
	sess, ok := m.Session(running.DungeonID)
	require.True(t, ok)
	assert.Equal(t, store.EndTimeout, sess.EndReason)
	assert.False(t, m.Ports().IsReserved(running.Port))

	// Preparing sessions are bounded by the readiness wait, not the lifetime sweep.
	sess, _ = m.Session(preparing.DungeonID)
	assert.Equal(t, store.StatusPreparing, sess.Status)

	clock.Advance(11 * time.Minute)
	m.Sweep()
	_, ok = m.Session(running.DungeonID)
	assert.False(t, ok)
	_, ok = m.Session(preparing.DungeonID)
	assert.True(t, ok)
}

func TestManager_ShutdownEndsLiveSessions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, dungeon.Options{})

	for _, id := range []string{"m1", "m2"} {
		_, err := m.StartMatch(context.Background(), newMatch(id, []string{"a" + id}, []string{"b" + id}))
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Empty(t, m.ActiveSessions())
	assert.Equal(t, 0, m.Ports().InUse())
	sess, ok := m.SessionByMatch("m2")
	require.True(t, ok)
	assert.Equal(t, store.EndAborted, sess.EndReason)
}
