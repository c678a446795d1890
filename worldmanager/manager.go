// Package worldmanager implements the World Manager (spec.md §4.1): world
// lifecycle and rendezvous. It owns the per-world store.RendezvousStore
// handles and the worker pool used to run blocking transport.InitProcessGroup
// calls off the caller's goroutine, and runs the cleanup task that tears a
// world down once the Watchdog reports it broken.
package worldmanager

import (
	"context"
	"os"
	"sync"

	"github.com/cisco-open/pymultiworld/communicator"
	"github.com/cisco-open/pymultiworld/errors"
	"github.com/cisco-open/pymultiworld/logger"
	"github.com/cisco-open/pymultiworld/transport"
	"github.com/cisco-open/pymultiworld/watchdog"
	"github.com/cisco-open/pymultiworld/workerpool"
	"github.com/cisco-open/pymultiworld/world"
)

// StoreFactory dials the rendezvous store backing a world's (addr, port)
// rendezvous point. Production callers pass a store.DialWSClient closure;
// tests pass one that hands back a shared store.MemStore.
type StoreFactory func(ctx context.Context, addr string, port int) (transport.RendezvousStore, error)

// cleanupExit is a swappable seam over os.Exit (spec.md §9): Cleanup's
// abrupt-termination behavior must be exercised by tests without actually
// killing the test process.
var cleanupExit = os.Exit

// Manager owns world lifecycle: creation, rendezvous, and teardown.
type Manager struct {
	transport transport.Transport
	comm      *communicator.Communicator
	dog       *watchdog.Watchdog
	pool      *workerpool.Pool
	newStore  StoreFactory

	mu     sync.Mutex
	worlds map[string]*world.World
	stores map[string]transport.RendezvousStore

	stopCleanup context.CancelFunc
}

// New constructs a Manager and starts its cleanup task, which consumes
// dog.Broken() and removes each reported world (spec.md §4.1).
func New(tr transport.Transport, comm *communicator.Communicator, dog *watchdog.Watchdog, pool *workerpool.Pool, newStore StoreFactory) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport:   tr,
		comm:        comm,
		dog:         dog,
		pool:        pool,
		newStore:    newStore,
		worlds:      make(map[string]*world.World),
		stores:      make(map[string]transport.RendezvousStore),
		stopCleanup: cancel,
	}
	go m.runCleanupTask(ctx)
	return m
}

func (m *Manager) runCleanupTask(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-m.dog.Broken():
			logger.Warnw("worldmanager: watchdog reported broken world, removing", "world", name)
			if w, ok := m.lookup(name); ok {
				w.MarkBroken()
			}
			if err := m.RemoveWorld(name); err != nil && !errors.IsKind(err, errors.KindNotFound) {
				logger.Errorw("worldmanager: cleanup task failed to remove broken world", "world", name, "error", err)
			}
		}
	}
}

func (m *Manager) lookup(name string) (*world.World, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.worlds[name]
	return w, ok
}

// InitializeWorld joins a named world: dials its rendezvous store, runs the
// (blocking) transport.InitProcessGroup on the worker pool, and registers
// the world for watchdog heartbeat tracking. Cancellable via ctx (invariant:
// rendezvous can legitimately block a long time, so the deadlock probe is
// suspended for the duration via watchdog.BeginInit/EndInit).
func (m *Manager) InitializeWorld(ctx context.Context, name string, rank, size int, backend world.Backend, addr string, port int) (*world.World, error) {
	if _, exists := m.lookup(name); exists {
		return nil, errors.AlreadyExists(name)
	}

	w, err := world.New(name, rank, size, backend, addr, port)
	if err != nil {
		return nil, errors.InvalidArgument(name, err.Error())
	}

	st, err := m.newStore(ctx, addr, port)
	if err != nil {
		return nil, errors.StoreErrorf(name, err, "failed to dial rendezvous store at %s:%d", addr, port)
	}

	m.dog.BeginInit()
	defer m.dog.EndInit()

	type result struct{ err error }
	done := make(chan result, 1)
	m.pool.Submit(func() {
		backendName := string(backend)
		err := m.transport.InitProcessGroup(ctx, backendName, rank, size, st, name)
		done <- result{err: err}
	})

	select {
	case <-ctx.Done():
		_ = st.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			_ = st.Close()
			return nil, errors.StoreErrorf(name, r.err, "rendezvous failed for world %q", name)
		}
	}

	w.MarkActive()

	m.mu.Lock()
	m.worlds[name] = w
	m.stores[name] = st
	m.mu.Unlock()

	logger.Infow("world active", "world", name, "instance", w.InstanceID, "rank", rank, "size", size)
	m.comm.RegisterWorld(name, size, rank)
	m.dog.Announce(context.Background(), st, name, rank, size)
	return w, nil
}

// RemoveWorld tears down a world: it never calls a transport teardown RPC
// (the destroy_process_group open question, resolved as "do not call it" —
// spec.md §9) since the loopback and real collective backends alike treat
// group teardown as purely local bookkeeping once the last participant
// leaves. It stops heartbeat tracking, closes the local rendezvous store
// handle, and drops the process's transport binding for the world name.
// It marks the world Broken on the Communicator unconditionally — not just
// when called from runCleanupTask — so any in-flight or late-arriving
// operation against a world removed by a direct caller (e.g. a clean
// shutdown) also fails fast with BrokenWorld instead of racing the teardown
// (spec.md §4.1). Idempotent: removing an unknown world returns NotFound.
func (m *Manager) RemoveWorld(name string) error {
	m.mu.Lock()
	w, ok := m.worlds[name]
	if !ok {
		m.mu.Unlock()
		return errors.NotFound(name)
	}
	st := m.stores[name]
	delete(m.worlds, name)
	delete(m.stores, name)
	m.mu.Unlock()

	m.comm.MarkBroken(name)
	m.comm.UnregisterWorld(name)
	w.MarkRemoved()
	m.dog.Forget(name)

	if forgetter, ok := m.transport.(interface{ Forget(string) }); ok {
		forgetter.Forget(name)
	}

	if st != nil {
		if err := st.Close(); err != nil {
			logger.Warnw("worldmanager: failed to close rendezvous store handle", "world", name, "error", err)
		}
	}
	return nil
}

// World returns the tracked World by name, if any.
func (m *Manager) World(name string) (*world.World, bool) {
	return m.lookup(name)
}

// ActiveWorlds returns the names of every world this Manager currently
// tracks (Active or Broken-but-not-yet-removed), letting a caller assert
// the Manager's active set after an asymmetric fault (spec.md §8 scenario 5).
func (m *Manager) ActiveWorlds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.worlds))
	for name := range m.worlds {
		names = append(names, name)
	}
	return names
}

// Cleanup performs the forced-termination response to a suspected deadlock
// (spec.md §8 scenario 6): it is deliberately abrupt and does not attempt to
// drain in-flight work, matching the original's documented "if the main
// thread looks dead, stop the process" behavior. Exercised in tests via the
// cleanupExit seam rather than actually terminating the test binary.
func (m *Manager) Cleanup() {
	logger.Errorw("worldmanager: forced termination, main task presumed deadlocked")
	cleanupExit(1)
}

// Stop cancels the cleanup task goroutine without touching worlds already
// tracked; call RemoveWorld for each world first if a graceful shutdown
// (rather than process exit) is desired.
func (m *Manager) Stop() {
	m.stopCleanup()
}
