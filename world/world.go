// Package world defines the data model shared by the Manager, Communicator,
// and Watchdog: a named communication group with a fixed size and local
// rank, per spec.md §3.
package world

import (
	"fmt"

	"github.com/google/uuid"
)

// Backend tags the transport backend a world was initialized with.
type Backend string

const (
	BackendCPUCollective Backend = "cpu-collective"
	BackendGPUCollective Backend = "gpu-collective"
)

// State is the lifecycle state of a World (spec.md §3 Lifecycle).
// Invariant 3: a world in Broken or Removed never transitions back to Active.
type State int

const (
	Initializing State = iota
	Active
	Broken
	Removed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Active:
		return "Active"
	case Broken:
		return "Broken"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// DefaultName is the sentinel default world name, equal to
// communicator.DefaultWorldName. Communicator operations always take the
// world name explicitly; they do not substitute DefaultName for an empty one.
const DefaultName = "__default__"

// World is a named communication group this process participates in.
type World struct {
	Name      string
	Size      int
	LocalRank int
	Backend   Backend
	Addr      string
	Port      int

	// InstanceID is a fresh identifier minted each time this rank joins
	// Name, so logs and heartbeat traces can tell two processes that
	// raced to join the same world name apart after a crash-and-rejoin.
	InstanceID string

	state State
}

// New validates and constructs a World in the Initializing state.
// Enforces invariant 2 (local_rank < size).
func New(name string, rank, size int, backend Backend, addr string, port int) (*World, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid size %d: must be >= 1", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d: must satisfy 0 <= rank < size (%d)", rank, size)
	}
	return &World{
		Name:       name,
		Size:       size,
		LocalRank:  rank,
		Backend:    backend,
		Addr:       addr,
		Port:       port,
		InstanceID: uuid.NewString(),
		state:      Initializing,
	}, nil
}

// State returns the world's current lifecycle state.
func (w *World) State() State { return w.state }

// MarkActive transitions Initializing -> Active. No-op (but reported via ok)
// if the world is already Broken or Removed (invariant 3).
func (w *World) MarkActive() (ok bool) {
	if w.state == Broken || w.state == Removed {
		return false
	}
	w.state = Active
	return true
}

// MarkBroken transitions any non-terminal state to Broken. Idempotent.
func (w *World) MarkBroken() {
	if w.state == Removed {
		return
	}
	w.state = Broken
}

// MarkRemoved transitions to the terminal Removed state. Idempotent.
func (w *World) MarkRemoved() {
	w.state = Removed
}

// ValidRank reports whether rank is a legal peer rank for a world of size
// size. Package-level so callers that only know a world's size (e.g.
// communicator's size registry) can use the same rule a *World does.
func ValidRank(rank, size int) bool {
	return rank >= 0 && rank < size
}

// ValidRank reports whether rank is a legal peer rank for this world.
func (w *World) ValidRank(rank int) bool {
	return ValidRank(rank, w.Size)
}
