// Package watchdog implements the heartbeat-based liveness monitor and
// deadlock probe (spec.md §4.3). One goroutine runs per announced world so
// a stalled peer in one world never delays another world's tick, and a
// bounded channel reports world names that should be torn down — grounded
// on pulse/async.WorkerPool's one-goroutine-per-worker + time.Ticker idiom
// and its bounded-queue handoff to the caller.
package watchdog

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cisco-open/pymultiworld/config"
	"github.com/cisco-open/pymultiworld/logger"
	"github.com/cisco-open/pymultiworld/transport"
)

// Watchdog tracks per-world peer liveness and the main task's own progress.
type Watchdog struct {
	cfg config.WatchdogConfig

	mu     sync.Mutex
	worlds map[string]*worldWatch

	broken chan string

	mainAlive      atomic.Int64
	initInFlight   atomic.Int32
	consecutiveLag atomic.Int32

	stopSignals func()

	ctx          context.Context
	cancel       context.CancelFunc
	probeArmOnce sync.Once
	suspected    chan struct{}
}

type worldWatch struct {
	rank     int
	size     int
	store    transport.RendezvousStore
	lastSeen []int64
	cancel   context.CancelFunc
}

// New constructs a Watchdog. The signal handler for SIGUSR1 (the secondary,
// POSIX-only confirmation path for main-task liveness, spec.md §9) is
// registered immediately and torn down by Close.
func New(cfg config.WatchdogConfig) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watchdog{
		cfg:       cfg,
		worlds:    make(map[string]*worldWatch),
		broken:    make(chan string, cfg.BrokenChannelCapacity),
		ctx:       ctx,
		cancel:    cancel,
		suspected: make(chan struct{}, 1),
	}
	w.stopSignals = w.watchSignals()
	return w
}

// Broken is a receive-only stream of world names that have failed liveness
// checks; the Manager's cleanup task consumes it (spec.md §4.1).
func (w *Watchdog) Broken() <-chan string {
	return w.broken
}

// Bump records that the main task made progress. The communicator's poll
// tick calls this automatically; applications driving their own event loop
// should call it once per scheduling yield.
func (w *Watchdog) Bump() {
	w.mainAlive.Add(1)
}

// BeginInit suspends the deadlock probe for the duration of an in-flight
// InitializeWorld call: rendezvous can legitimately block the caller for a
// long time without the main task being deadlocked.
func (w *Watchdog) BeginInit() {
	w.initInFlight.Add(1)
}

// EndInit resumes probing once InitializeWorld returns.
func (w *Watchdog) EndInit() {
	w.initInFlight.Add(-1)
}

// Announce registers a world for heartbeat tracking (spec.md invariant 6)
// and starts its per-world heartbeat goroutine.
func (w *Watchdog) Announce(ctx context.Context, store transport.RendezvousStore, name string, rank, size int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.worlds[name]; ok {
		existing.cancel()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	ww := &worldWatch{
		rank:     rank,
		size:     size,
		store:    store,
		lastSeen: make([]int64, size),
		cancel:   cancel,
	}
	w.worlds[name] = ww

	go w.runHeartbeat(watchCtx, name, ww)
}

// Forget stops tracking a world, e.g. after it has been removed.
func (w *Watchdog) Forget(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ww, ok := w.worlds[name]; ok {
		ww.cancel()
		delete(w.worlds, name)
	}
}

func heartbeatKey(world string, rank int) string {
	return "watchdog/" + world + "/" + strconv.Itoa(rank)
}

func (w *Watchdog) runHeartbeat(ctx context.Context, name string, ww *worldWatch) {
	ticker := time.NewTicker(w.cfg.UpdatePeriod)
	defer ticker.Stop()

	var ownTick int64
	var sinceCheck int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ownTick++
			if err := ww.store.Set(ctx, heartbeatKey(name, ww.rank), []byte(strconv.FormatInt(ownTick, 10))); err != nil {
				logger.Warnw("watchdog: failed to publish heartbeat", "world", name, "error", err)
				w.reportBroken(name)
				return
			}

			sinceCheck++
			if sinceCheck < w.cfg.UpdatesPerCheck {
				continue
			}
			sinceCheck = 0

			if stalled := w.checkPeers(ctx, name, ww); stalled {
				return
			}
		}
	}
}

// checkPeers reads every other rank's published counter and compares it
// against the last-seen snapshot. A store failure or an unchanged counter
// both mark the world broken immediately (spec.md §7 propagation policy).
func (w *Watchdog) checkPeers(ctx context.Context, name string, ww *worldWatch) bool {
	for rank := 0; rank < ww.size; rank++ {
		if rank == ww.rank {
			continue
		}
		raw, err := ww.store.Get(ctx, heartbeatKey(name, rank))
		if err != nil {
			logger.Warnw("watchdog: peer heartbeat unreachable", "world", name, "peer_rank", rank, "error", err)
			w.reportBroken(name)
			return true
		}
		count, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			w.reportBroken(name)
			return true
		}
		if count == ww.lastSeen[rank] {
			logger.Warnw("watchdog: peer stalled", "world", name, "peer_rank", rank)
			w.reportBroken(name)
			return true
		}
		ww.lastSeen[rank] = count
	}
	return false
}

func (w *Watchdog) reportBroken(name string) {
	w.armProbe()
	select {
	case w.broken <- name:
	default:
		logger.Errorw("watchdog: broken-world channel full, dropping report", "world", name)
	}
}

// armProbe lazily starts the deadlock probe the first time any world is
// reported broken (spec.md §4.3: "When at least one world breaks, the
// Watchdog starts a bounded probe"). A healthy, idle process with no broken
// world never arms the probe and so is never at risk of Suspected() firing.
func (w *Watchdog) armProbe() {
	w.probeArmOnce.Do(func() {
		go func() {
			select {
			case <-w.RunProbe(w.ctx):
				select {
				case w.suspected <- struct{}{}:
				default:
				}
			case <-w.ctx.Done():
			}
		}()
	})
}

// Suspected returns a channel that receives once the deadlock probe fires,
// armed only after a world has actually been reported broken. Callers
// (typically the join loop) select on this instead of calling RunProbe
// directly, so an idle process with no broken world is never killed for
// looking deadlocked.
func (w *Watchdog) Suspected() <-chan struct{} {
	return w.suspected
}

// watchSignals wires SIGUSR1 as a secondary confirmation path for main-task
// liveness (spec.md §9 REDESIGN FLAG), bumping the same counter Bump()
// does. Returns a stop function that unregisters the handler.
func (w *Watchdog) watchSignals() func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigCh:
				w.Bump()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// Close stops the signal handler goroutine and the probe-arming goroutine,
// if armed. It does not stop per-world heartbeat goroutines; call Forget for
// each announced world first.
func (w *Watchdog) Close() {
	if w.stopSignals != nil {
		w.stopSignals()
	}
	w.cancel()
}

// probeOnce is the probe's pure decision function, exercised directly by
// tests without any real process-termination side effect (spec.md §8
// scenario 6). It reports whether the main task has made zero progress
// across the most recent check and whether that should now count as a
// suspected deadlock (DeadlockCheckIterations consecutive stalls, and no
// InitializeWorld call in flight).
func (w *Watchdog) probeOnce(previousAlive int64) (currentAlive int64, suspected bool) {
	currentAlive = w.mainAlive.Load()
	if w.initInFlight.Load() > 0 {
		w.consecutiveLag.Store(0)
		return currentAlive, false
	}
	if currentAlive == previousAlive {
		lag := w.consecutiveLag.Add(1)
		return currentAlive, int(lag) >= w.cfg.DeadlockCheckIterations
	}
	w.consecutiveLag.Store(0)
	return currentAlive, false
}

// RunProbe polls the main task's progress counter every
// DeadlockCheckWaitTime and sends once on the returned channel the first
// time a deadlock is suspected. The caller (armProbe, which forwards the
// result to Suspected) decides what to do about it; RunProbe never
// terminates the process itself.
func (w *Watchdog) RunProbe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(w.cfg.DeadlockCheckWaitTime)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var suspected bool
				last, suspected = w.probeOnce(last)
				if suspected {
					select {
					case out <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()
	return out
}
