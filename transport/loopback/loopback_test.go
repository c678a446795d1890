package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisco-open/pymultiworld/store"
	"github.com/cisco-open/pymultiworld/transport"
)

// initGroup brings up `size` ranks of worldName sharing mem, returning one
// Transport per rank, all already past InitProcessGroup.
func initGroup(t *testing.T, worldName string, size int) []*Transport {
	t.Helper()
	t.Cleanup(func() { Forget(worldName) })

	mem := store.NewMemStore()
	transports := make([]*Transport, size)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var initErr error

	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			tr := New()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := tr.InitProcessGroup(ctx, "loopback", rank, size, mem, worldName); err != nil {
				mu.Lock()
				initErr = err
				mu.Unlock()
				return
			}
			transports[rank] = tr
		}(rank)
	}
	wg.Wait()
	require.NoError(t, initErr)
	return transports
}

func TestInitProcessGroupTimesOutWithoutAllPeers(t *testing.T) {
	t.Cleanup(func() { Forget("lonely") })
	mem := store.NewMemStore()
	tr := New()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := tr.InitProcessGroup(ctx, "loopback", 0, 2, mem, "lonely")
	assert.Error(t, err)
}

func TestSendRecvRoundTrip(t *testing.T) {
	trs := initGroup(t, "sendrecv", 2)

	var wg sync.WaitGroup
	wg.Add(2)
	var recvErr error

	go func() {
		defer wg.Done()
		require.NoError(t, trs[0].Send(context.Background(), transport.Tensor{1, 2, 3}, 1, "sendrecv"))
	}()
	go func() {
		defer wg.Done()
		buf := make(transport.Tensor, 3)
		recvErr = trs[1].Recv(context.Background(), buf, 0, "sendrecv")
		assert.Equal(t, transport.Tensor{1, 2, 3}, buf)
	}()
	wg.Wait()
	require.NoError(t, recvErr)
}

func TestISendIRecvWorkHandlePolling(t *testing.T) {
	trs := initGroup(t, "async-sendrecv", 2)

	buf := make(transport.Tensor, 2)
	recvHandle, err := trs[1].IRecv(buf, 0, "async-sendrecv")
	require.NoError(t, err)
	assert.False(t, recvHandle.IsCompleted())

	sendHandle, err := trs[0].ISend(transport.Tensor{9, 10}, 1, "async-sendrecv")
	require.NoError(t, err)

	require.NoError(t, sendHandle.Wait(context.Background()))
	require.NoError(t, recvHandle.Wait(context.Background()))
	assert.True(t, recvHandle.IsCompleted())
	assert.Equal(t, transport.Tensor{9, 10}, buf)
}

func TestAllReduceSum(t *testing.T) {
	trs := initGroup(t, "allreduce", 3)

	results := make([]transport.Tensor, 3)
	var wg sync.WaitGroup
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			buf := transport.Tensor{float64(rank + 1)}
			_, err := trs[rank].AllReduce(buf, transport.SUM, "allreduce", false)
			assert.NoError(t, err)
			results[rank] = buf
		}(rank)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, transport.Tensor{6}, r) // 1+2+3
	}
}

func TestBroadcastFromSource(t *testing.T) {
	trs := initGroup(t, "broadcast", 3)

	results := make([]transport.Tensor, 3)
	var wg sync.WaitGroup
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			buf := make(transport.Tensor, 2)
			if rank == 1 {
				buf = transport.Tensor{7, 8}
			}
			_, err := trs[rank].Broadcast(buf, 1, "broadcast", false)
			assert.NoError(t, err)
			results[rank] = buf
		}(rank)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, transport.Tensor{7, 8}, r)
	}
}

func TestReduceOnlyDestinationGetsResult(t *testing.T) {
	trs := initGroup(t, "reduce", 3)

	results := make([]transport.Tensor, 3)
	var wg sync.WaitGroup
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			buf := transport.Tensor{float64(rank + 1)}
			_, err := trs[rank].Reduce(buf, 0, transport.SUM, "reduce", false)
			assert.NoError(t, err)
			results[rank] = buf
		}(rank)
	}
	wg.Wait()

	assert.Equal(t, transport.Tensor{6}, results[0])
	assert.Equal(t, transport.Tensor{2}, results[1]) // untouched, still its contribution
}

func TestAllGatherCollectsEveryRank(t *testing.T) {
	trs := initGroup(t, "allgather", 3)

	gathered := make([][]transport.Tensor, 3)
	var wg sync.WaitGroup
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			out := make([]transport.Tensor, 3)
			for i := range out {
				out[i] = make(transport.Tensor, 1)
			}
			_, err := trs[rank].AllGather(out, transport.Tensor{float64(rank)}, "allgather", false)
			assert.NoError(t, err)
			gathered[rank] = out
		}(rank)
	}
	wg.Wait()

	for _, out := range gathered {
		assert.Equal(t, transport.Tensor{0}, out[0])
		assert.Equal(t, transport.Tensor{1}, out[1])
		assert.Equal(t, transport.Tensor{2}, out[2])
	}
}

func TestScatterDistributesFromSource(t *testing.T) {
	trs := initGroup(t, "scatter", 3)

	results := make([]transport.Tensor, 3)
	var wg sync.WaitGroup
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			var in []transport.Tensor
			if rank == 0 {
				in = []transport.Tensor{{10}, {20}, {30}}
			}
			buf := make(transport.Tensor, 1)
			_, err := trs[rank].Scatter(buf, in, 0, "scatter", false)
			assert.NoError(t, err)
			results[rank] = buf
		}(rank)
	}
	wg.Wait()

	assert.Equal(t, transport.Tensor{10}, results[0])
	assert.Equal(t, transport.Tensor{20}, results[1])
	assert.Equal(t, transport.Tensor{30}, results[2])
}

func TestInvalidRankRejected(t *testing.T) {
	trs := initGroup(t, "badrank", 2)

	_, err := trs[0].ISend(transport.Tensor{1}, 5, "badrank")
	assert.Error(t, err)
}
