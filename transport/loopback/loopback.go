// Package loopback is an in-process fake transport.Transport. It exists to
// make the core's narrow transport contract (spec.md §6) concretely
// testable without a real NCCL/gloo-equivalent backend: every rank in a
// test is a goroutine holding its own *loopback.Transport, all sharing one
// in-process group keyed by world name.
//
// Grounded on the symmetric peer protocol in sync/peer.go (both sides run
// the same code, no leader election on the data path) and the job-channel
// idiom in pulse/async/queue.go (a shared, mutex-guarded structure that
// goroutines rendezvous through).
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cisco-open/pymultiworld/errors"
	"github.com/cisco-open/pymultiworld/transport"
)

const mailboxBuffer = 8

// group is the in-process rendezvous point shared by every rank of one
// world. It is looked up by world name in a package-level registry so that
// independently-constructed *Transport values (one per simulated rank)
// find each other.
type group struct {
	size int

	mu       sync.Mutex
	mailbox  [][]chan transport.Tensor // mailbox[dst][src]
	current  *round
	initOnce sync.Once
}

func (g *group) ensureMailboxes() {
	g.initOnce.Do(func() {
		g.mailbox = make([][]chan transport.Tensor, g.size)
		for i := range g.mailbox {
			g.mailbox[i] = make([]chan transport.Tensor, g.size)
			for j := range g.mailbox[i] {
				g.mailbox[i][j] = make(chan transport.Tensor, mailboxBuffer)
			}
		}
	})
}

// round is one in-flight collective: every rank contributes, the last
// arrival computes results for everyone and releases the others.
type round struct {
	contributions []interface{}
	count         int
	perRank       []interface{}
	shared        interface{}
	err           error
	done          chan struct{}
}

type computeFunc func(contributions []interface{}) (perRank []interface{}, shared interface{}, err error)

func (g *group) collective(rank int, contribution interface{}, compute computeFunc) (perRank interface{}, shared interface{}, err error) {
	g.mu.Lock()
	if g.current == nil {
		g.current = &round{contributions: make([]interface{}, g.size), done: make(chan struct{})}
	}
	r := g.current
	r.contributions[rank] = contribution
	r.count++
	last := r.count == g.size
	if last {
		g.current = nil
	}
	g.mu.Unlock()

	if last {
		r.perRank, r.shared, r.err = compute(r.contributions)
		close(r.done)
	} else {
		<-r.done
	}

	if r.err != nil {
		return nil, nil, r.err
	}
	if r.perRank != nil {
		return r.perRank[rank], r.shared, nil
	}
	return nil, r.shared, nil
}

var (
	registryMu sync.Mutex
	registry   = map[string]*group{}
)

func groupFor(worldName string, size int) *group {
	registryMu.Lock()
	defer registryMu.Unlock()

	g, ok := registry[worldName]
	if !ok {
		g = &group{size: size}
		registry[worldName] = g
	}
	g.ensureMailboxes()
	return g
}

// Forget drops a world's in-process group, e.g. after it is removed, so a
// future world of the same name starts clean. Mirrors RemoveWorld dropping
// the last store reference (spec.md invariant 4).
func Forget(worldName string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, worldName)
}

// binding is one world's rank/size/group triplet, as joined by a call to
// InitProcessGroup.
type binding struct {
	rank  int
	size  int
	group *group
}

// Transport is one process's view of however many loopback worlds it has
// joined, keyed by world name so that multiple simultaneously-initialized
// worlds never alias each other's rank or group (spec.md §6 REDESIGN FLAG:
// no thread-local "current group").
type Transport struct {
	mu       sync.Mutex
	bindings map[string]*binding
}

// New constructs a Transport with no worlds joined yet.
func New() *Transport {
	return &Transport{bindings: make(map[string]*binding)}
}

// workHandle adapts a function run on its own goroutine into
// transport.WorkHandle.
type workHandle struct {
	done chan struct{}
	err  error
}

func runAsync(fn func() error) *workHandle {
	h := &workHandle{done: make(chan struct{})}
	go func() {
		h.err = fn()
		close(h.done)
	}()
	return h
}

func (h *workHandle) IsCompleted() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *workHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InitProcessGroup joins the named group, rendezvousing through store the
// way a real transport would: every rank bumps a join counter, the last
// arrival flips a ready flag, and everyone polls for it. This makes the
// rendezvous-timeout scenario (spec.md §8 scenario 3) observable against
// the fake exactly as it would be against a real one.
func (t *Transport) InitProcessGroup(ctx context.Context, backend string, rank, worldSize int, store transport.RendezvousStore, worldName string) error {
	if rank < 0 || rank >= worldSize {
		return errors.InvalidArgument(worldName, fmt.Sprintf("rank %d >= size %d", rank, worldSize))
	}

	joinKey := fmt.Sprintf("loopback/%s/joined", worldName)
	readyKey := fmt.Sprintf("loopback/%s/ready", worldName)

	joined, err := store.Add(ctx, joinKey, 1)
	if err != nil {
		return errors.StoreErrorf(worldName, err, "failed to join rendezvous")
	}
	if int(joined) == worldSize {
		if err := store.Set(ctx, readyKey, []byte{1}); err != nil {
			return errors.StoreErrorf(worldName, err, "failed to publish rendezvous ready flag")
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if v, err := store.Get(ctx, readyKey); err == nil && len(v) == 1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.StoreErrorf(worldName, ctx.Err(), "rendezvous timed out before %d peers joined", worldSize)
		case <-ticker.C:
		}
	}

	t.mu.Lock()
	t.bindings[worldName] = &binding{rank: rank, size: worldSize, group: groupFor(worldName, worldSize)}
	t.mu.Unlock()
	return nil
}

// Forget drops this Transport's binding for worldName, e.g. after the world
// is removed, so a future world of the same name starts clean.
func (t *Transport) Forget(worldName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, worldName)
}

func (t *Transport) self(worldName string) (*binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[worldName]
	if !ok {
		return nil, errors.NotFound(worldName)
	}
	return b, nil
}

func (t *Transport) ISend(tensor transport.Tensor, dst int, worldName string) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if dst < 0 || dst >= b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("dst rank %d out of range", dst))
	}
	cp := append(transport.Tensor(nil), tensor...)
	rank, g := b.rank, b.group
	return runAsync(func() error {
		g.mailbox[dst][rank] <- cp
		return nil
	}), nil
}

func (t *Transport) IRecv(tensor transport.Tensor, src int, worldName string) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if src < 0 || src >= b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("src rank %d out of range", src))
	}
	rank, g := b.rank, b.group
	return runAsync(func() error {
		msg := <-g.mailbox[rank][src]
		copy(tensor, msg)
		return nil
	}), nil
}

func (t *Transport) Send(ctx context.Context, tensor transport.Tensor, dst int, worldName string) error {
	h, err := t.ISend(tensor, dst, worldName)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func (t *Transport) Recv(ctx context.Context, tensor transport.Tensor, src int, worldName string) error {
	h, err := t.IRecv(tensor, src, worldName)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

func (t *Transport) dispatch(b *binding, contribution interface{}, compute computeFunc, apply func(perRank, shared interface{}) error, asyncOp bool) (transport.WorkHandle, error) {
	run := func() error {
		perRank, shared, err := b.group.collective(b.rank, contribution, compute)
		if err != nil {
			return err
		}
		return apply(perRank, shared)
	}
	if !asyncOp {
		return nil, run()
	}
	return runAsync(run), nil
}

func (t *Transport) Broadcast(tensor transport.Tensor, src int, worldName string, asyncOp bool) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if src < 0 || src >= b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("src rank %d out of range", src))
	}
	var contribution interface{}
	if b.rank == src {
		contribution = append(transport.Tensor(nil), tensor...)
	}
	compute := func(contribs []interface{}) ([]interface{}, interface{}, error) {
		v, ok := contribs[src].(transport.Tensor)
		if !ok {
			return nil, nil, errors.Newf("broadcast: source rank %d contributed no tensor", src)
		}
		return nil, v, nil
	}
	apply := func(_ interface{}, shared interface{}) error {
		copy(tensor, shared.(transport.Tensor))
		return nil
	}
	return t.dispatch(b, contribution, compute, apply, asyncOp)
}

func (t *Transport) AllReduce(tensor transport.Tensor, op transport.ReduceOp, worldName string, asyncOp bool) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	contribution := append(transport.Tensor(nil), tensor...)
	compute := func(contribs []interface{}) ([]interface{}, interface{}, error) {
		result, err := reduceAll(contribs, op)
		return nil, result, err
	}
	apply := func(_ interface{}, shared interface{}) error {
		copy(tensor, shared.(transport.Tensor))
		return nil
	}
	return t.dispatch(b, contribution, compute, apply, asyncOp)
}

func (t *Transport) Reduce(tensor transport.Tensor, dst int, op transport.ReduceOp, worldName string, asyncOp bool) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if dst < 0 || dst >= b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("dst rank %d out of range", dst))
	}
	contribution := append(transport.Tensor(nil), tensor...)
	compute := func(contribs []interface{}) ([]interface{}, interface{}, error) {
		result, err := reduceAll(contribs, op)
		if err != nil {
			return nil, nil, err
		}
		perRank := make([]interface{}, len(contribs))
		perRank[dst] = result
		return perRank, nil, nil
	}
	apply := func(perRank interface{}, _ interface{}) error {
		if b.rank != dst {
			return nil
		}
		copy(tensor, perRank.(transport.Tensor))
		return nil
	}
	return t.dispatch(b, contribution, compute, apply, asyncOp)
}

func (t *Transport) AllGather(out []transport.Tensor, tensor transport.Tensor, worldName string, asyncOp bool) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if len(out) != b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("all_gather out list size %d != world size %d", len(out), b.size))
	}
	contribution := append(transport.Tensor(nil), tensor...)
	compute := func(contribs []interface{}) ([]interface{}, interface{}, error) {
		list := make([]transport.Tensor, len(contribs))
		for i, c := range contribs {
			list[i] = c.(transport.Tensor)
		}
		return nil, list, nil
	}
	apply := func(_ interface{}, shared interface{}) error {
		list := shared.([]transport.Tensor)
		for i, v := range list {
			copy(out[i], v)
		}
		return nil
	}
	return t.dispatch(b, contribution, compute, apply, asyncOp)
}

func (t *Transport) Gather(tensor transport.Tensor, out []transport.Tensor, dst int, worldName string, asyncOp bool) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if dst < 0 || dst >= b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("dst rank %d out of range", dst))
	}
	if b.rank == dst && len(out) != b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("gather out list required at dst, size %d != world size %d", len(out), b.size))
	}
	contribution := append(transport.Tensor(nil), tensor...)
	compute := func(contribs []interface{}) ([]interface{}, interface{}, error) {
		list := make([]transport.Tensor, len(contribs))
		for i, c := range contribs {
			list[i] = c.(transport.Tensor)
		}
		perRank := make([]interface{}, len(contribs))
		perRank[dst] = list
		return perRank, nil, nil
	}
	apply := func(perRank interface{}, _ interface{}) error {
		if b.rank != dst {
			return nil
		}
		list := perRank.([]transport.Tensor)
		for i, v := range list {
			copy(out[i], v)
		}
		return nil
	}
	return t.dispatch(b, contribution, compute, apply, asyncOp)
}

func (t *Transport) Scatter(tensor transport.Tensor, in []transport.Tensor, src int, worldName string, asyncOp bool) (transport.WorkHandle, error) {
	b, err := t.self(worldName)
	if err != nil {
		return nil, err
	}
	if src < 0 || src >= b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("src rank %d out of range", src))
	}
	if b.rank == src && len(in) != b.size {
		return nil, errors.InvalidArgument(worldName, fmt.Sprintf("scatter in list required at src, size %d != world size %d", len(in), b.size))
	}
	var contribution interface{}
	if b.rank == src {
		cp := make([]transport.Tensor, b.size)
		for i, v := range in {
			cp[i] = append(transport.Tensor(nil), v...)
		}
		contribution = cp
	}
	compute := func(contribs []interface{}) ([]interface{}, interface{}, error) {
		list, ok := contribs[src].([]transport.Tensor)
		if !ok {
			return nil, nil, errors.Newf("scatter: source rank %d contributed no list", src)
		}
		perRank := make([]interface{}, len(contribs))
		for i := range perRank {
			perRank[i] = list[i]
		}
		return perRank, nil, nil
	}
	apply := func(perRank interface{}, _ interface{}) error {
		copy(tensor, perRank.(transport.Tensor))
		return nil
	}
	return t.dispatch(b, contribution, compute, apply, asyncOp)
}

func reduceAll(contribs []interface{}, op transport.ReduceOp) (transport.Tensor, error) {
	first := contribs[0].(transport.Tensor)
	result := append(transport.Tensor(nil), first...)
	for _, c := range contribs[1:] {
		v := c.(transport.Tensor)
		if len(v) != len(result) {
			return nil, errors.Newf("reduce: tensor length mismatch")
		}
		for i := range result {
			result[i] = combine(result[i], v[i], op)
		}
	}
	return result, nil
}

func combine(a, b float64, op transport.ReduceOp) float64 {
	switch op {
	case transport.SUM:
		return a + b
	case transport.PROD:
		return a * b
	case transport.MIN:
		if b < a {
			return b
		}
		return a
	case transport.MAX:
		if b > a {
			return b
		}
		return a
	case transport.BAND:
		return float64(int64(a) & int64(b))
	case transport.BOR:
		return float64(int64(a) | int64(b))
	case transport.BXOR:
		return float64(int64(a) ^ int64(b))
	default:
		return a
	}
}

var _ transport.Transport = (*Transport)(nil)
