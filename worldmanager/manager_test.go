package worldmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisco-open/pymultiworld/communicator"
	wdErrors "github.com/cisco-open/pymultiworld/errors"
	"github.com/cisco-open/pymultiworld/config"
	"github.com/cisco-open/pymultiworld/store"
	"github.com/cisco-open/pymultiworld/transport"
	"github.com/cisco-open/pymultiworld/transport/loopback"
	"github.com/cisco-open/pymultiworld/watchdog"
	"github.com/cisco-open/pymultiworld/workerpool"
	"github.com/cisco-open/pymultiworld/world"
)

func testTransportCfg() config.TransportConfig {
	return config.TransportConfig{
		ClassifiedFaultSubstrings: []string{"Connection reset by peer"},
		PollInterval:              2 * time.Millisecond,
	}
}

func testWatchdogCfg() config.WatchdogConfig {
	return config.WatchdogConfig{
		UpdatePeriod:            10 * time.Millisecond,
		UpdatesPerCheck:         2,
		DeadlockCheckIterations: 3,
		DeadlockCheckWaitTime:   10 * time.Millisecond,
		BrokenChannelCapacity:   4,
	}
}

// memStoreFactory hands every caller the same shared MemStore, mimicking a
// single rendezvous point every rank of a test world dials into.
func memStoreFactory(mem *store.MemStore) StoreFactory {
	return func(ctx context.Context, addr string, port int) (transport.RendezvousStore, error) {
		return mem, nil
	}
}

// rankManager wires one rank's Manager+Communicator+Watchdog+Transport
// sharing a worker pool and rendezvous store, mirroring the newGroup helpers
// in the communicator/loopback test suites.
type rankManager struct {
	mgr  *Manager
	comm *communicator.Communicator
	dog  *watchdog.Watchdog
	pool *workerpool.Pool
}

func newRankManager(mem *store.MemStore) *rankManager {
	tr := loopback.New()
	pool := workerpool.New(context.Background(), 4)
	dog := watchdog.New(testWatchdogCfg())
	comm := communicator.New(tr, pool, dog, testTransportCfg())
	mgr := New(tr, comm, dog, pool, memStoreFactory(mem))
	return &rankManager{mgr: mgr, comm: comm, dog: dog, pool: pool}
}

func (r *rankManager) close() {
	r.mgr.Stop()
	r.pool.Stop()
	r.dog.Close()
}

func TestInitializeWorldJoinsAllRanks(t *testing.T) {
	worldName := "mgr-init"
	t.Cleanup(func() { loopback.Forget(worldName) })
	mem := store.NewMemStore()

	size := 3
	ranks := make([]*rankManager, size)
	worlds := make([]*world.World, size)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var initErr error

	for rank := 0; rank < size; rank++ {
		ranks[rank] = newRankManager(mem)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			w, err := ranks[rank].mgr.InitializeWorld(ctx, worldName, rank, size, world.BackendCPUCollective, "localhost", 0)
			if err != nil {
				mu.Lock()
				initErr = err
				mu.Unlock()
				return
			}
			worlds[rank] = w
		}(rank)
	}
	wg.Wait()
	require.NoError(t, initErr)

	for rank, w := range worlds {
		require.NotNil(t, w)
		assert.Equal(t, world.Active, w.State())
		assert.Equal(t, rank, w.LocalRank)
		assert.Equal(t, size, w.Size)
	}

	for _, r := range ranks {
		r.close()
	}
}

func TestInitializeWorldRejectsDuplicateName(t *testing.T) {
	worldName := "mgr-dup"
	t.Cleanup(func() { loopback.Forget(worldName) })
	mem := store.NewMemStore()
	r := newRankManager(mem)
	defer r.close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		other := newRankManager(mem)
		defer other.close()
		_, _ = other.mgr.InitializeWorld(ctx, worldName, 1, 2, world.BackendCPUCollective, "localhost", 0)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := r.mgr.InitializeWorld(ctx, worldName, 0, 2, world.BackendCPUCollective, "localhost", 0)
	require.NoError(t, err)
	require.NotNil(t, w)

	_, err = r.mgr.InitializeWorld(context.Background(), worldName, 0, 2, world.BackendCPUCollective, "localhost", 0)
	assert.Equal(t, wdErrors.KindAlreadyExists, wdErrors.KindOf(err))
}

func TestInitializeWorldTimesOutWithoutAllPeers(t *testing.T) {
	worldName := "mgr-timeout"
	t.Cleanup(func() { loopback.Forget(worldName) })
	mem := store.NewMemStore()
	r := newRankManager(mem)
	defer r.close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.mgr.InitializeWorld(ctx, worldName, 0, 2, world.BackendCPUCollective, "localhost", 0)
	assert.Error(t, err)
}

func TestRemoveWorldIsIdempotentAndReturnsNotFoundExternally(t *testing.T) {
	worldName := "mgr-remove"
	t.Cleanup(func() { loopback.Forget(worldName) })
	mem := store.NewMemStore()
	r := newRankManager(mem)
	defer r.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.mgr.InitializeWorld(ctx, worldName, 0, 1, world.BackendCPUCollective, "localhost", 0)
	require.NoError(t, err)

	require.NoError(t, r.mgr.RemoveWorld(worldName))

	_, ok := r.mgr.World(worldName)
	assert.False(t, ok)

	err = r.mgr.RemoveWorld(worldName)
	assert.Equal(t, wdErrors.KindNotFound, wdErrors.KindOf(err))
}

// TestRemoveWorldMarksCommunicatorBrokenDirectly covers a direct RemoveWorld
// call that never goes through the watchdog-triggered cleanup task (e.g. a
// clean shutdown): the Communicator must still end up with the world marked
// broken, so a late-arriving operation fails fast with BrokenWorld instead
// of being treated as legal against a world that no longer exists.
func TestRemoveWorldMarksCommunicatorBrokenDirectly(t *testing.T) {
	worldName := "mgr-remove-marks-broken"
	t.Cleanup(func() { loopback.Forget(worldName) })
	mem := store.NewMemStore()
	r := newRankManager(mem)
	defer r.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.mgr.InitializeWorld(ctx, worldName, 0, 1, world.BackendCPUCollective, "localhost", 0)
	require.NoError(t, err)

	assert.False(t, r.comm.IsBroken(worldName))
	require.NoError(t, r.mgr.RemoveWorld(worldName))
	assert.True(t, r.comm.IsBroken(worldName))

	err = r.comm.Send(context.Background(), nil, 0, worldName)
	assert.Equal(t, wdErrors.KindBrokenWorld, wdErrors.KindOf(err))
}

func TestCleanupTaskRemovesWorldOnWatchdogBroken(t *testing.T) {
	worldName := "mgr-cleanup-task"
	t.Cleanup(func() { loopback.Forget(worldName) })
	mem := store.NewMemStore()

	size := 2
	ranks := make([]*rankManager, size)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var initErr error

	for rank := 0; rank < size; rank++ {
		ranks[rank] = newRankManager(mem)
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := ranks[rank].mgr.InitializeWorld(ctx, worldName, rank, size, world.BackendCPUCollective, "localhost", 0); err != nil {
				mu.Lock()
				initErr = err
				mu.Unlock()
			}
		}(rank)
	}
	wg.Wait()
	require.NoError(t, initErr)
	defer ranks[1].close()

	// Stop rank 1's heartbeat goroutine without telling rank 0: rank 0's
	// own watchdog should see the stalled peer within its own check window
	// and the cleanup task should remove the world.
	ranks[1].dog.Forget(worldName)

	assert.Eventually(t, func() bool {
		_, ok := ranks[0].mgr.World(worldName)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	ranks[0].close()
}

// TestAsymmetricFaultIsolatesWorldAndManagerActiveSet is end-to-end scenario
// 5 (spec.md §8): one process joins two worlds through a single Manager;
// world2's rendezvous store goes unreachable while world1 stays healthy.
// world1 operations must keep succeeding, world2 operations must fail with
// BrokenWorld, and the Manager's active set must contain only world1 once
// the cleanup task has run.
func TestAsymmetricFaultIsolatesWorldAndManagerActiveSet(t *testing.T) {
	world1Name, world2Name := "scenario5-world1", "scenario5-world2"
	t.Cleanup(func() {
		loopback.Forget(world1Name)
		loopback.Forget(world2Name)
	})

	mem1 := store.NewMemStore()
	mem2 := store.NewMemStore()
	factory := StoreFactory(func(ctx context.Context, addr string, port int) (transport.RendezvousStore, error) {
		switch addr {
		case world1Name:
			return mem1, nil
		case world2Name:
			return mem2, nil
		default:
			return nil, wdErrors.NotFound(addr)
		}
	})

	tr := loopback.New()
	pool := workerpool.New(context.Background(), 4)
	dog := watchdog.New(testWatchdogCfg())
	comm := communicator.New(tr, pool, dog, testTransportCfg())
	mgr := New(tr, comm, dog, pool, factory)
	defer func() {
		mgr.Stop()
		pool.Stop()
		dog.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := mgr.InitializeWorld(ctx, world1Name, 0, 1, world.BackendCPUCollective, world1Name, 0)
	require.NoError(t, err)
	_, err = mgr.InitializeWorld(ctx, world2Name, 0, 1, world.BackendCPUCollective, world2Name, 0)
	require.NoError(t, err)

	require.NoError(t, comm.Send(context.Background(), transport.Tensor{1}, 0, world1Name))
	require.NoError(t, comm.Send(context.Background(), transport.Tensor{1}, 0, world2Name))

	// world2's rendezvous store goes unreachable; its own heartbeat publish
	// will fail on the next tick and the watchdog reports it broken.
	require.NoError(t, mem2.Close())

	assert.Eventually(t, func() bool {
		return comm.IsBroken(world2Name)
	}, 2*time.Second, 5*time.Millisecond)

	err = comm.Send(context.Background(), transport.Tensor{1}, 0, world2Name)
	assert.Equal(t, wdErrors.KindBrokenWorld, wdErrors.KindOf(err))

	assert.NoError(t, comm.Send(context.Background(), transport.Tensor{1}, 0, world1Name))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{world1Name}, mgr.ActiveWorlds())
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCleanupCallsSwappedExit(t *testing.T) {
	called := make(chan int, 1)
	original := cleanupExit
	cleanupExit = func(code int) { called <- code }
	defer func() { cleanupExit = original }()

	mem := store.NewMemStore()
	r := newRankManager(mem)
	defer r.close()

	r.mgr.Cleanup()

	select {
	case code := <-called:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("expected Cleanup to invoke the swapped exit seam")
	}
}
