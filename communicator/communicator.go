// Package communicator implements the World Communicator (spec.md §4.2):
// the async collective/point-to-point API applications call once a world
// is initialized. Every operation is a thin wrapper that submits the
// blocking transport call to a shared worker pool and busy-awaits its
// WorkHandle on a ticker, the literal Go translation of the cooperative
// busy-await design note in spec.md §9.
package communicator

import (
	"context"
	"fmt"
	"time"

	"github.com/cisco-open/pymultiworld/config"
	"github.com/cisco-open/pymultiworld/errors"
	"github.com/cisco-open/pymultiworld/transport"
	"github.com/cisco-open/pymultiworld/watchdog"
	"github.com/cisco-open/pymultiworld/workerpool"
	worldpkg "github.com/cisco-open/pymultiworld/world"
)

// DefaultWorldName is used by callers that never named their world
// explicitly, mirroring spec.md §3's single implicit default world.
const DefaultWorldName = "__default__"

// Communicator dispatches collective and point-to-point operations against
// a named, already-initialized world.
type Communicator struct {
	transport transport.Transport
	pool      *workerpool.Pool
	dog       *watchdog.Watchdog
	cfg       config.TransportConfig
	classifier *transport.Classifier

	broken brokenSet
	sizes  sizeRegistry
}

// New constructs a Communicator. pool and dog are shared with the
// worldmanager.Manager that owns this world's lifecycle.
func New(tr transport.Transport, pool *workerpool.Pool, dog *watchdog.Watchdog, cfg config.TransportConfig) *Communicator {
	return &Communicator{
		transport:  tr,
		pool:       pool,
		dog:        dog,
		cfg:        cfg,
		classifier: transport.NewClassifier(cfg.ClassifiedFaultSubstrings),
		broken:     newBrokenSet(),
		sizes:      newSizeRegistry(),
	}
}

// RegisterWorld records world's size and this process's local rank within
// it so subsequent operations can validate ranks and gather/scatter list
// lengths synchronously, before submission (spec.md §5.2). worldmanager.
// Manager calls this once a world becomes Active.
func (c *Communicator) RegisterWorld(name string, size, localRank int) {
	c.sizes.set(name, size, localRank)
}

// UnregisterWorld drops world's recorded extent, e.g. once it has been
// removed. Operations against an unregistered world skip size validation.
func (c *Communicator) UnregisterWorld(name string) {
	c.sizes.unset(name)
}

// validateRank checks rank against world's registered size, if any. A world
// with no registered extent (a Communicator used without a Manager) only
// gets the cheaper rank >= 0 check.
func (c *Communicator) validateRank(world, label string, rank int) error {
	if ext, ok := c.sizes.get(world); ok {
		if !worldpkg.ValidRank(rank, ext.size) {
			return errors.InvalidArgument(world, fmt.Sprintf("%s rank %d must satisfy 0 <= rank < size (%d)", label, rank, ext.size))
		}
		return nil
	}
	if rank < 0 {
		return errors.InvalidArgument(world, fmt.Sprintf("%s rank must be >= 0", label))
	}
	return nil
}

// validateRootListLen checks a gather/scatter list length against world's
// registered size, but only at the root rank (dst for gather, src for
// scatter) — the only rank where the list is meaningful, matching
// transport/loopback's own conditional check. Non-root ranks and
// unregistered worlds are left to the transport.
func (c *Communicator) validateRootListLen(world, label string, got, root int) error {
	ext, ok := c.sizes.get(world)
	if !ok || ext.localRank != root {
		return nil
	}
	if got != ext.size {
		return errors.InvalidArgument(world, fmt.Sprintf("%s required at root, size %d != world size %d", label, got, ext.size))
	}
	return nil
}

// validateListLen checks an all_gather out-list length against world's
// registered size, if any: every rank supplies the full-size list.
func (c *Communicator) validateListLen(world, label string, got int) error {
	if ext, ok := c.sizes.get(world); ok {
		if got != ext.size {
			return errors.InvalidArgument(world, fmt.Sprintf("%s must have exactly one entry per rank: got %d, want %d", label, got, ext.size))
		}
		return nil
	}
	if got == 0 {
		return errors.InvalidArgument(world, fmt.Sprintf("%s must not be empty", label))
	}
	return nil
}

// MarkBroken flags a world as unusable; every subsequent operation against
// it fails fast with BrokenWorld (spec.md invariant 3/5).
func (c *Communicator) MarkBroken(world string) {
	c.broken.mark(world)
}

// IsBroken reports whether world has been flagged broken.
func (c *Communicator) IsBroken(world string) bool {
	return c.broken.isBroken(world)
}

// UpdateClassifier replaces the transport fault classifier, e.g. after a
// config hot-reload (spec.md §9 REDESIGN FLAG).
func (c *Communicator) UpdateClassifier(substrings []string) {
	c.classifier.Update(substrings)
}

func (c *Communicator) guard(ctx context.Context, world string) error {
	if c.broken.isBroken(world) {
		return errors.BrokenWorld(world, "world marked broken")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// await submits submit to the worker pool, then busy-awaits the returned
// WorkHandle on a ticker, checking ctx cancellation and the world's broken
// flag at every tick (spec.md §5 cancellation + §9 busy-await design note).
func (c *Communicator) await(ctx context.Context, world string, submit func() (transport.WorkHandle, error)) error {
	type outcome struct {
		handle transport.WorkHandle
		err    error
	}
	submitted := make(chan outcome, 1)
	c.pool.Submit(func() {
		h, err := submit()
		submitted <- outcome{handle: h, err: err}
	})

	var o outcome
	select {
	case o = <-submitted:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.err != nil {
		return c.classify(world, o.err)
	}
	if o.handle == nil {
		return nil // synchronous op already completed inside submit
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.dog.Bump()
			if c.broken.isBroken(world) {
				return errors.BrokenWorld(world, "world marked broken while operation in flight")
			}
			if o.handle.IsCompleted() {
				return c.classify(world, o.handle.Wait(ctx))
			}
		}
	}
}

func (c *Communicator) classify(world string, err error) error {
	if err == nil {
		return nil
	}
	if c.classifier.IsWorldBreaking(err) {
		c.broken.mark(world)
		return errors.BrokenWorldWrap(world, "transport fault classified as world-breaking", err)
	}
	return errors.TransportFault(world, err)
}

// Send blocks until tensor has been handed to the transport for dst.
func (c *Communicator) Send(ctx context.Context, tensor transport.Tensor, dst int, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateRank(world, "dst", dst); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.ISend(tensor, dst, world)
	})
}

// Recv blocks until tensor has been filled from src.
func (c *Communicator) Recv(ctx context.Context, tensor transport.Tensor, src int, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateRank(world, "src", src); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.IRecv(tensor, src, world)
	})
}

// Broadcast distributes tensor from src to every rank.
func (c *Communicator) Broadcast(ctx context.Context, tensor transport.Tensor, src int, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateRank(world, "src", src); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.Broadcast(tensor, src, world, true)
	})
}

// AllReduce reduces tensor across every rank with op, leaving the result on
// every rank.
func (c *Communicator) AllReduce(ctx context.Context, tensor transport.Tensor, op transport.ReduceOp, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if len(tensor) == 0 {
		return errors.InvalidArgument(world, "all_reduce tensor must not be empty")
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.AllReduce(tensor, op, world, true)
	})
}

// Reduce reduces tensor across every rank with op, leaving the result only
// on dst.
func (c *Communicator) Reduce(ctx context.Context, tensor transport.Tensor, dst int, op transport.ReduceOp, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateRank(world, "dst", dst); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.Reduce(tensor, dst, op, world, true)
	})
}

// AllGather collects tensor from every rank into out, ordered by rank. out
// must have one slot per world rank.
func (c *Communicator) AllGather(ctx context.Context, out []transport.Tensor, tensor transport.Tensor, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateListLen(world, "all_gather out list", len(out)); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.AllGather(out, tensor, world, true)
	})
}

// Gather collects tensor from every rank into out, valid only on dst.
func (c *Communicator) Gather(ctx context.Context, tensor transport.Tensor, out []transport.Tensor, dst int, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateRank(world, "dst", dst); err != nil {
		return err
	}
	if err := c.validateRootListLen(world, "gather out list", len(out), dst); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.Gather(tensor, out, dst, world, true)
	})
}

// Scatter distributes in (valid only on src, one entry per rank) into
// tensor on every rank.
func (c *Communicator) Scatter(ctx context.Context, tensor transport.Tensor, in []transport.Tensor, src int, world string) error {
	if err := c.guard(ctx, world); err != nil {
		return err
	}
	if err := c.validateRank(world, "src", src); err != nil {
		return err
	}
	if err := c.validateRootListLen(world, "scatter in list", len(in), src); err != nil {
		return err
	}
	return c.await(ctx, world, func() (transport.WorkHandle, error) {
		return c.transport.Scatter(tensor, in, src, world, true)
	})
}

// Drive bumps the watchdog's main-task liveness counter once per call; an
// application driving its own event loop around Communicator calls should
// invoke this once per scheduling yield, matching spec.md §9's REDESIGN
// FLAG for the deadlock probe (await already does this on every poll tick
// for operations in flight).
func (c *Communicator) Drive() {
	c.dog.Bump()
}
