// Package transport defines the narrow contract the core depends on for
// wire-level tensor exchange (spec.md §6). The core never talks to a
// specific collective library directly — only through this interface —
// so that multiple simultaneously-initialized worlds never alias each
// other's state (REDESIGN FLAG, spec.md §9: no thread-local "current
// group", every call takes an explicit world name).
package transport

import "context"

// ReduceOp is a reduction operator for AllReduce/Reduce.
type ReduceOp int

const (
	SUM ReduceOp = iota
	PROD
	MIN
	MAX
	BAND
	BOR
	BXOR
)

func (op ReduceOp) String() string {
	switch op {
	case SUM:
		return "SUM"
	case PROD:
		return "PROD"
	case MIN:
		return "MIN"
	case MAX:
		return "MAX"
	case BAND:
		return "BAND"
	case BOR:
		return "BOR"
	case BXOR:
		return "BXOR"
	default:
		return "UNKNOWN"
	}
}

// Tensor is the buffer type exchanged by collectives. The core treats it as
// opaque; the tensor/array runtime that allocates and interprets it is out
// of scope (spec.md §1).
type Tensor = []float64

// WorkHandle is an opaque token for an in-flight transport operation
// (spec.md §3 WorkHandle / GLOSSARY).
type WorkHandle interface {
	// IsCompleted reports, without blocking, whether the operation has
	// finished (successfully or not).
	IsCompleted() bool
	// Wait blocks until the operation completes or ctx is cancelled. This
	// is the transport's own blocking wait — the communicator package only
	// calls it once IsCompleted has reported true, to collect the result,
	// so it never blocks there.
	Wait(ctx context.Context) error
}

// Transport is the contract the core requires from the external collective
// library (spec.md §6). Every call is scoped to a world name so that the
// same process can participate in multiple simultaneously-initialized
// groups without aliasing.
type Transport interface {
	// InitProcessGroup joins the named group. Blocking; the caller (the
	// Manager) is responsible for running this on a worker thread.
	InitProcessGroup(ctx context.Context, backend string, rank, worldSize int, store RendezvousStore, worldName string) error

	// Point-to-point, async: return a WorkHandle immediately.
	ISend(tensor Tensor, dst int, worldName string) (WorkHandle, error)
	IRecv(tensor Tensor, src int, worldName string) (WorkHandle, error)

	// Point-to-point, blocking.
	Send(ctx context.Context, tensor Tensor, dst int, worldName string) error
	Recv(ctx context.Context, tensor Tensor, src int, worldName string) error

	// Collectives. asyncOp selects whether a WorkHandle is returned
	// (non-nil) or the call blocks and returns once complete.
	Broadcast(tensor Tensor, src int, worldName string, asyncOp bool) (WorkHandle, error)
	AllReduce(tensor Tensor, op ReduceOp, worldName string, asyncOp bool) (WorkHandle, error)
	Reduce(tensor Tensor, dst int, op ReduceOp, worldName string, asyncOp bool) (WorkHandle, error)
	AllGather(out []Tensor, tensor Tensor, worldName string, asyncOp bool) (WorkHandle, error)
	Gather(tensor Tensor, out []Tensor, dst int, worldName string, asyncOp bool) (WorkHandle, error)
	Scatter(tensor Tensor, in []Tensor, src int, worldName string, asyncOp bool) (WorkHandle, error)
}

// RendezvousStore is the external, networked key-value store bound to a
// (host, port) and a participant count (spec.md §3). It is the rendezvous
// primitive used both by the transport to bootstrap a group and by the
// Watchdog to exchange heartbeats.
type RendezvousStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Add(ctx context.Context, key string, delta int64) (int64, error)
	Close() error
}
