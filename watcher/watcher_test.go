package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/0xmhha/orchestrator-go/cache"
	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/testutil"
	"github.com/0xmhha/orchestrator-go/store"
	"github.com/0xmhha/orchestrator-go/types"
)

// mockClient serves synthetic blocks up to a configurable head and can be
// told to fail a number of BlockRange or LatestBlockNumber calls.
type mockClient struct {
	mu         sync.Mutex
	network    string
	head       uint64
	failRange  int
	failHead   int
	rangeCalls int
	headCalls  int
	closed     bool
}

func newMockClient(network string, head uint64) *mockClient {
	return &mockClient{network: network, head: head}
}

func (m *mockClient) LatestBlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headCalls++
	if m.failHead > 0 {
		m.failHead--
		return 0, errors.New("rpc unavailable")
	}
	return m.head, nil
}

func (m *mockClient) BlockByNumber(_ context.Context, number uint64) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if number > m.head {
		return nil, fmt.Errorf("block %d not yet available", number)
	}
	return testutil.NewTestBlock(m.network, number), nil
}

func (m *mockClient) BlockRange(_ context.Context, from, to uint64) ([]*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeCalls++
	if m.failRange > 0 {
		m.failRange--
		return nil, errors.New("rpc unavailable")
	}
	blocks := make([]*types.Block, 0, to-from+1)
	for n := from; n <= to; n++ {
		blocks = append(blocks, testutil.NewTestBlock(m.network, n))
	}
	return blocks, nil
}

func (m *mockClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockClient) setFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRange = n
}

func (m *mockClient) setHeadFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failHead = n
}

func (m *mockClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeCalls
}

func (m *mockClient) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newTestStore(t *testing.T) *store.PebbleStore {
	t.Helper()
	st, err := store.NewPebbleStore(config.StoreConfig{Path: t.TempDir(), CacheSizeMB: 8}, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewPebbleStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(config.CacheConfig{
		KeyPrefix:      "test",
		BlockTTL:       time.Minute,
		LatestBlockTTL: time.Minute,
	}, testutil.NewTestLogger(t), nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestWatcher(t *testing.T, st *store.PebbleStore, c *cache.Cache, pollInterval time.Duration) *Watcher {
	t.Helper()
	w := New(config.WatcherConfig{
		PollInterval:      pollInterval,
		MaxBlocksPerFetch: 10,
		RetryAttempts:     2,
		RetryDelay:        time.Millisecond,
		ChannelBufferSize: 64,
	}, st, c, testutil.NewTestLogger(t), nil)
	t.Cleanup(w.Stop)
	return w
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestWatcherFirstRunStartsAtConfirmedHead(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 10
	cli := newMockClient(network.ID, 100)

	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 90
	}, "cursor initialization")

	published, _, _ := w.broadcaster.Stats()
	if published != 0 {
		t.Errorf("expected no published blocks on first run, got %d", published)
	}
}

func TestWatcherPublishesBatchAndAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 5
	if err := st.SetCursor(context.Background(), network.ID, 90); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	sub := w.broadcaster.Subscribe(network.ID, "worker-1")
	cli := newMockClient(network.ID, 100)
	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	for want := uint64(91); want <= 95; want++ {
		select {
		case event := <-sub.Channel:
			if event.Block.Number != want {
				t.Errorf("expected block %d, got %d", want, event.Block.Number)
			}
			if event.Gap != 0 {
				t.Errorf("block %d: unexpected gap %d", want, event.Gap)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for block %d", want)
		}
	}

	waitFor(t, time.Second, func() bool {
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 95
	}, "cursor advance")

	status, err := w.NetworkStatus(network.ID)
	if err != nil {
		t.Fatalf("NetworkStatus() error = %v", err)
	}
	if status != types.NetworkActive {
		t.Errorf("expected active status, got %s", status)
	}
}

func TestWatcherCapsBatchSize(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 0
	if err := st.SetCursor(context.Background(), network.ID, 0); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	cli := newMockClient(network.ID, 100)
	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	// MaxBlocksPerFetch is 10, so the immediate round stops at block 10
	// even though the head is at 100.
	waitFor(t, time.Second, func() bool {
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 10
	}, "capped cursor advance")

	published, _, _ := w.broadcaster.Stats()
	if published != 10 {
		t.Errorf("expected 10 published blocks, got %d", published)
	}
}

func TestWatcherRetriesThenDegrades(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), 20*time.Millisecond)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 5
	if err := st.SetCursor(context.Background(), network.ID, 90); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	cli := newMockClient(network.ID, 100)
	cli.setFailures(1000)
	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		status, err := w.NetworkStatus(network.ID)
		return err == nil && status == types.NetworkDegraded
	}, "degraded status")

	// 1 initial attempt + 2 retries per round, at minimum one round.
	if calls := cli.calls(); calls < 3 {
		t.Errorf("expected at least 3 fetch attempts, got %d", calls)
	}
	cursor, err := st.GetCursor(context.Background(), network.ID)
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if cursor != 90 {
		t.Errorf("cursor must not advance on failure, got %d", cursor)
	}

	// Endpoint recovers: the network returns to active and catches up.
	cli.setFailures(0)
	waitFor(t, 2*time.Second, func() bool {
		status, err := w.NetworkStatus(network.ID)
		if err != nil || status != types.NetworkActive {
			return false
		}
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 95
	}, "recovery")
}

func TestWatcherRetriesTransientHeadError(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 5
	if err := st.SetCursor(context.Background(), network.ID, 90); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	// The first head fetch fails, the retry succeeds. The round must
	// complete without the network ever leaving the active state.
	cli := newMockClient(network.ID, 100)
	cli.setHeadFailures(1)
	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 95
	}, "cursor advance after head retry")

	status, err := w.NetworkStatus(network.ID)
	if err != nil {
		t.Fatalf("NetworkStatus() error = %v", err)
	}
	if status != types.NetworkActive {
		t.Errorf("expected active status after transient head error, got %s", status)
	}
}

func TestWatcherDegradesAfterHeadRetryBudget(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), 20*time.Millisecond)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 5
	if err := st.SetCursor(context.Background(), network.ID, 90); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	cli := newMockClient(network.ID, 100)
	cli.setHeadFailures(1000)
	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		status, err := w.NetworkStatus(network.ID)
		return err == nil && status == types.NetworkDegraded
	}, "degraded status")

	// 1 initial attempt + 2 retries before the round gives up.
	cli.mu.Lock()
	headCalls := cli.headCalls
	cli.mu.Unlock()
	if headCalls < 3 {
		t.Errorf("expected at least 3 head fetch attempts, got %d", headCalls)
	}
}

func TestWatcherServesBlocksFromCache(t *testing.T) {
	st := newTestStore(t)
	c := newTestCache(t)
	w := newTestWatcher(t, st, c, time.Hour)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 5
	if err := st.SetCursor(context.Background(), network.ID, 90); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	ctx := context.Background()
	for n := uint64(91); n <= 95; n++ {
		if err := c.SetBlock(ctx, testutil.NewTestBlock(network.ID, n)); err != nil {
			t.Fatalf("SetBlock(%d) error = %v", n, err)
		}
	}

	cli := newMockClient(network.ID, 100)
	if err := w.AddNetwork(ctx, network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 95
	}, "cursor advance from cached blocks")

	if calls := cli.calls(); calls != 0 {
		t.Errorf("expected no RPC range calls when cache is warm, got %d", calls)
	}
}

func TestWatcherShallowChainBelowConfirmationDepth(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)

	network := testutil.NewTestNetwork("ethereum-mainnet")
	network.ConfirmationDepth = 12
	cli := newMockClient(network.ID, 3)

	if err := w.AddNetwork(context.Background(), network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		cursor, err := st.GetCursor(context.Background(), network.ID)
		return err == nil && cursor == 0
	}, "cursor pinned at zero")

	published, _, _ := w.broadcaster.Stats()
	if published != 0 {
		t.Errorf("expected no published blocks, got %d", published)
	}
}

func TestWatcherNetworkLifecycle(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)
	ctx := context.Background()

	network := testutil.NewTestNetwork("ethereum-mainnet")
	cli := newMockClient(network.ID, 100)
	if err := w.AddNetwork(ctx, network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}

	if err := w.AddNetwork(ctx, network, newMockClient(network.ID, 100)); !errors.Is(err, ErrNetworkExists) {
		t.Errorf("expected ErrNetworkExists, got %v", err)
	}

	if _, err := w.Subscribe("unknown", "worker-1"); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("expected ErrUnknownNetwork, got %v", err)
	}
	if _, err := w.Subscribe(network.ID, "worker-1"); err != nil {
		t.Errorf("Subscribe() error = %v", err)
	}

	states := w.Networks()
	if len(states) != 1 || states[0].Network.ID != network.ID {
		t.Fatalf("unexpected network snapshot: %+v", states)
	}

	if err := w.RemoveNetwork(network.ID); err != nil {
		t.Fatalf("RemoveNetwork() error = %v", err)
	}
	if !cli.isClosed() {
		t.Error("expected client to be closed after RemoveNetwork")
	}
	if err := w.RemoveNetwork(network.ID); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("expected ErrUnknownNetwork on double remove, got %v", err)
	}
}

func TestWatcherStopClosesSubscriptions(t *testing.T) {
	st := newTestStore(t)
	w := newTestWatcher(t, st, newTestCache(t), time.Hour)
	ctx := context.Background()

	network := testutil.NewTestNetwork("ethereum-mainnet")
	cli := newMockClient(network.ID, 100)
	if err := w.AddNetwork(ctx, network, cli); err != nil {
		t.Fatalf("AddNetwork() error = %v", err)
	}
	sub, err := w.Subscribe(network.ID, "worker-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	w.Stop()

	waitFor(t, time.Second, func() bool {
		select {
		case _, ok := <-sub.Channel:
			return !ok
		default:
			return false
		}
	}, "subscription channel close")

	if !cli.isClosed() {
		t.Error("expected client to be closed after Stop")
	}
	if err := w.AddNetwork(ctx, network, newMockClient(network.ID, 100)); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("expected ErrWatcherClosed, got %v", err)
	}
}
