package deduplication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/tasks"
	"github.com/steveyegge/analyzerd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return KeyFor(tasks.Submission{
		ServiceClass: "static",
		Target:       protocol.Target{Model: "gpt", App: "app3"},
		TaskKind:     "security",
	})
}

func newLocal() *Deduplicator {
	return New(DefaultConfig(), nil, nil, telemetry.Discard())
}

func TestKeyIgnoresToolsAndPriority(t *testing.T) {
	a := KeyFor(tasks.Submission{ServiceClass: "s", Target: protocol.Target{Model: "m", App: "a"}, Tools: []string{"x"}, Priority: 1})
	b := KeyFor(tasks.Submission{ServiceClass: "s", Target: protocol.Target{Model: "m", App: "a"}, Tools: []string{"y"}, Priority: 5})
	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)

	c := KeyFor(tasks.Submission{ServiceClass: "s", Target: protocol.Target{Model: "m", App: "a"}, TaskKind: "perf"})
	assert.NotEqual(t, a, c)
}

func TestConcurrentClaimsElectOneLeader(t *testing.T) {
	d := newLocal()
	key := testKey()

	var leaders atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan Outcome, 10)

	var leaderExec atomic.Pointer[Execution]
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			exec, leader := d.Claim(key, string(rune('a'+i)))
			if leader {
				leaders.Add(1)
				leaderExec.Store(exec)
				// Let every waiter attach before finishing.
				assert.Eventually(t, func() bool { return exec.Waiters() == 9 }, time.Second, time.Millisecond)
				d.Finish(exec, Outcome{Status: tasks.StatusCompleted, Result: json.RawMessage(`{"issues":2}`)})
			}
			out, err := exec.Wait(context.Background())
			assert.NoError(t, err)
			results <- out
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	assert.Equal(t, int64(1), leaders.Load())
	count := 0
	for out := range results {
		count++
		assert.Equal(t, tasks.StatusCompleted, out.Status)
		assert.JSONEq(t, `{"issues":2}`, string(out.Result))
		assert.Equal(t, leaderExec.Load().LeaderID, out.LeaderID)
	}
	assert.Equal(t, 10, count)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Executions)
	assert.Equal(t, int64(9), stats.Shared)
	assert.Equal(t, 0, stats.InFlight)
}

func TestFinishClearsKey(t *testing.T) {
	d := newLocal()
	key := testKey()

	exec, leader := d.Claim(key, "t1")
	require.True(t, leader)
	d.Finish(exec, Outcome{Status: tasks.StatusFailed, Error: "boom"})

	exec2, leader := d.Claim(key, "t2")
	assert.True(t, leader, "new submission after finish starts a new execution")
	assert.NotSame(t, exec, exec2)
}

func TestWaiterDetachesOnCancel(t *testing.T) {
	d := newLocal()
	key := testKey()
	exec, _ := d.Claim(key, "leader")
	_, leader := d.Claim(key, "waiter")
	require.False(t, leader)
	assert.Equal(t, 1, exec.Waiters())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, exec.Waiters())

	d.Finish(exec, Outcome{Status: tasks.StatusCompleted})
	assert.Equal(t, tasks.StatusCompleted, exec.Outcome().Status)
}

func TestAbandonLetsWaiterTakeOver(t *testing.T) {
	d := newLocal()
	key := testKey()
	exec, _ := d.Claim(key, "leader")
	_, leader := d.Claim(key, "waiter")
	require.False(t, leader)

	d.Abandon(exec)
	_, err := exec.Wait(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, 0, exec.Waiters())

	next, leader := d.Claim(key, "waiter")
	assert.True(t, leader)
	assert.Equal(t, "waiter", next.LeaderID)
}

func TestDisabledNeverShares(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	d := New(cfg, nil, nil, telemetry.Discard())

	_, l1 := d.Claim(testKey(), "a")
	_, l2 := d.Claim(testKey(), "b")
	assert.True(t, l1)
	assert.True(t, l2)
	assert.Equal(t, 0, d.Stats().InFlight)
}

func newRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisClaimStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	client := NewRedisClient(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisClaimStore(client, cfg)
}

func TestRedisClaimIsExclusive(t *testing.T) {
	_, store := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	ok, holder, err := store.Claim(ctx, key, "proc-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "proc-a", holder)

	ok, holder, err = store.Claim(ctx, key, "proc-b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "proc-a", holder)
}

func TestRedisPublishAndAwait(t *testing.T) {
	_, store := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	_, _, err := store.Claim(ctx, key, "proc-a")
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		out, err := store.Await(ctx, key, "proc-a")
		assert.NoError(t, err)
		done <- out
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, key, "proc-a", Outcome{
		Status:   tasks.StatusCompleted,
		Result:   json.RawMessage(`{"score":9}`),
		LeaderID: "proc-a",
	}))

	select {
	case out := <-done:
		assert.Equal(t, tasks.StatusCompleted, out.Status)
		assert.JSONEq(t, `{"score":9}`, string(out.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("remote waiter never saw the outcome")
	}

	// Claim was released, so the key is free again.
	ok, _, err := store.Claim(ctx, key, "proc-c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisPublishDoesNotReleaseForeignClaim(t *testing.T) {
	mr, store := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	_, _, err := store.Claim(ctx, key, "proc-a")
	require.NoError(t, err)
	mr.FastForward(31 * time.Minute)
	ok, _, err := store.Claim(ctx, key, "proc-b")
	require.NoError(t, err)
	require.True(t, ok, "expired claim can be retaken")

	require.NoError(t, store.Publish(ctx, key, "proc-a", Outcome{Status: tasks.StatusFailed}))
	holder, err := mr.Get(store.claimKey(key))
	require.NoError(t, err)
	assert.Equal(t, "proc-b", holder)
}

func TestRedisAwaitClaimLost(t *testing.T) {
	mr, store := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	_, _, err := store.Claim(ctx, key, "proc-a")
	require.NoError(t, err)
	mr.Del(store.claimKey(key))

	_, err = store.Await(ctx, key, "proc-a")
	assert.True(t, errors.Is(err, ErrClaimLost))
}

func TestClaimRemoteFallsBackWhenStoreDown(t *testing.T) {
	mr, store := newRedisStore(t)
	d := New(DefaultConfig(), store, nil, telemetry.Discard())
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Equal(t, "", d.ClaimRemote(ctx, testKey(), "proc-a"), "outage runs locally")
}

func TestClaimRemoteReportsHolder(t *testing.T) {
	_, store := newRedisStore(t)
	a := New(DefaultConfig(), store, nil, telemetry.Discard())
	b := New(DefaultConfig(), store, nil, telemetry.Discard())
	ctx := context.Background()

	assert.Equal(t, "", a.ClaimRemote(ctx, testKey(), "proc-a"))
	assert.Equal(t, "proc-a", b.ClaimRemote(ctx, testKey(), "proc-b"))

	go a.PublishRemote(ctx, testKey(), "proc-a", Outcome{Status: tasks.StatusCompleted})
	out, err := b.AwaitRemote(ctx, testKey(), "proc-a")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, out.Status)
	assert.Equal(t, "proc-a", out.LeaderID)
}

func TestKeepRemoteOutlivesClaimTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.ClaimTTL = 300 * time.Millisecond
	client := NewRedisClient(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisClaimStore(client, cfg)
	d := New(cfg, store, nil, telemetry.Discard())
	ctx := context.Background()
	key := testKey()
	claim := store.claimKey(key)

	require.Equal(t, "", d.ClaimRemote(ctx, key, "proc-a"))
	stop := d.KeepRemote(key, "proc-a")

	// Each step burns most of the TTL, then waits for a refresh to restore it.
	for i := 0; i < 5; i++ {
		mr.FastForward(200 * time.Millisecond)
		require.True(t, mr.Exists(claim), "claim expired at step %d", i)
		require.Eventually(t, func() bool { return mr.TTL(claim) > 250*time.Millisecond },
			2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, "proc-a", d.ClaimRemote(ctx, key, "proc-b"), "a long-running leader keeps its claim")

	stop()
	mr.FastForward(time.Second)
	assert.Equal(t, "", d.ClaimRemote(ctx, key, "proc-b"), "claim expires once refreshing stops")
}

func TestRedisRefreshIgnoresForeignClaim(t *testing.T) {
	mr, store := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	_, _, err := store.Claim(ctx, key, "proc-a")
	require.NoError(t, err)
	mr.FastForward(20 * time.Minute)

	held, err := store.Refresh(ctx, key, "proc-b")
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, 10*time.Minute, mr.TTL(store.claimKey(key)))

	held, err = store.Refresh(ctx, key, "proc-a")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, 30*time.Minute, mr.TTL(store.claimKey(key)))
}

func TestReleaseRemoteHandsKeyToRemoteWaiter(t *testing.T) {
	_, store := newRedisStore(t)
	a := New(DefaultConfig(), store, nil, telemetry.Discard())
	b := New(DefaultConfig(), store, nil, telemetry.Discard())
	ctx := context.Background()

	require.Equal(t, "", a.ClaimRemote(ctx, testKey(), "proc-a"))
	require.Equal(t, "proc-a", b.ClaimRemote(ctx, testKey(), "proc-b"))

	a.ReleaseRemote(ctx, testKey(), "proc-a")
	_, err := b.AwaitRemote(ctx, testKey(), "proc-a")
	assert.ErrorIs(t, err, ErrClaimLost)
	assert.Equal(t, "", b.ClaimRemote(ctx, testKey(), "proc-b"), "the waiter can now run the key itself")
}
