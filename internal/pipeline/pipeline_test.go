package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainsync/internal/filter"
	"chainsync/pkg/chain"
)

// fakeQueue is an in-memory chain.RequestQueue backed by a linear chain of
// blocks keyed by number, with an optional fork table keyed by hash for
// reorg tests.
type fakeQueue struct {
	mu               sync.Mutex
	byNumber         map[uint64]*chain.RawBlock
	byHash           map[string]*chain.RawBlock
	getLogsErr       error
	getBlockByNumber int // call counter, used to check gap-fill doesn't re-fetch the incoming block
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		byNumber: make(map[uint64]*chain.RawBlock),
		byHash:   make(map[string]*chain.RawBlock),
	}
}

func (q *fakeQueue) add(b *chain.RawBlock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byNumber[b.Header.Number] = b
	q.byHash[b.Header.Hash] = b
}

func (q *fakeQueue) GetBlockByNumber(ctx context.Context, tagOrNumber string) (*chain.RawBlock, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.getBlockByNumber++
	n, err := strconv.ParseUint(tagOrNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad tag %q", tagOrNumber)
	}
	b, ok := q.byNumber[n]
	if !ok {
		return nil, fmt.Errorf("no block %d", n)
	}
	return b, nil
}

func (q *fakeQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getBlockByNumber
}

func (q *fakeQueue) GetBlockByHash(ctx context.Context, hash string) (*chain.RawBlock, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("no block %s", hash)
	}
	return b, nil
}

func (q *fakeQueue) GetLogs(ctx context.Context, blockHash string) ([]chain.RawLog, error) {
	return nil, q.getLogsErr
}

func (q *fakeQueue) DebugTraceBlockByHash(ctx context.Context, hash string, cfg chain.TracerConfig) ([]chain.TxTrace, error) {
	return nil, nil
}

func (q *fakeQueue) GetTransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, Status: 1}, nil
}

func block(number uint64, hash, parentHash string) *chain.RawBlock {
	return &chain.RawBlock{Header: chain.Header{
		Number:     number,
		Hash:       hash,
		ParentHash: parentHash,
		Timestamp:  1000 + number,
	}}
}

func newTestPipeline(rpc chain.RequestQueue, genesis chain.LightBlock, onEvent func(Event), onFatal func(error)) *Pipeline {
	return New(1, 2, rpc, filter.NewSet(), genesis, onEvent, onFatal)
}

func TestPipeline_HappyPathAppendsBlocks(t *testing.T) {
	rpc := newFakeQueue()
	genesis := chain.LightBlock{Number: 0, Hash: "0xg"}

	var events []Event
	var mu sync.Mutex
	p := newTestPipeline(rpc, genesis, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	b1 := block(1, "0x1", "0xg")
	p.Enqueue(b1)

	require.Eventually(t, func() bool {
		return len(p.UnfinalizedBlocks()) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, "0x1", p.UnfinalizedBlocks()[0].Hash)

	p.Kill()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.Equal(t, EventBlock, events[0].Kind)
	require.Equal(t, "0x1", events[0].Block.Block.Hash)
}

func TestPipeline_DuplicateBlockIsNoOp(t *testing.T) {
	rpc := newFakeQueue()
	genesis := chain.LightBlock{Number: 0, Hash: "0xg"}

	var count int
	var mu sync.Mutex
	p := newTestPipeline(rpc, genesis, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	b1 := block(1, "0x1", "0xg")
	p.Enqueue(b1)
	require.Eventually(t, func() bool { return len(p.UnfinalizedBlocks()) == 1 }, time.Second, time.Millisecond)

	// Re-enqueue the exact same head block; it must be a no-op.
	p.Enqueue(b1)
	time.Sleep(20 * time.Millisecond)

	p.Kill()
	cancel()
	<-done

	require.Len(t, p.UnfinalizedBlocks(), 1)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestPipeline_GapFillFetchesMissingRange(t *testing.T) {
	rpc := newFakeQueue()
	genesis := chain.LightBlock{Number: 0, Hash: "0xg"}
	rpc.add(block(1, "0x1", "0xg"))
	rpc.add(block(2, "0x2", "0x1"))
	// Deliberately no entry for block 3: the incoming block is already
	// held in full, so gap-fill must re-push it rather than re-fetch it
	// via GetBlockByNumber(3). If it tried, this test would fail with
	// "no block 3" instead of passing.

	var mu sync.Mutex
	var blocksSeen []string
	p := newTestPipeline(rpc, genesis, func(e Event) {
		if e.Kind == EventBlock {
			mu.Lock()
			blocksSeen = append(blocksSeen, e.Block.Block.Hash)
			mu.Unlock()
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Enqueue block 3 directly: head is genesis (number 0), so this is a
	// gap that must be back-filled with 1 and 2 before 3 itself lands.
	p.Enqueue(block(3, "0x3", "0x2"))

	require.Eventually(t, func() bool {
		return len(p.UnfinalizedBlocks()) == 3
	}, time.Second, 5*time.Millisecond)

	p.Kill()
	cancel()
	<-done

	got := p.UnfinalizedBlocks()
	require.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Number, got[1].Number, got[2].Number})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"0x1", "0x2", "0x3"}, blocksSeen)
	require.Equal(t, 2, rpc.callCount(), "gap-fill must fetch only 1 and 2, not re-fetch the already-held incoming block 3")
}

func TestPipeline_ReorgEvictsDivergedBlocksAndEmitsReorgEvent(t *testing.T) {
	rpc := newFakeQueue()
	genesis := chain.LightBlock{Number: 0, Hash: "0xg"}

	var mu sync.Mutex
	var reorgEvt *ReorgEvent
	p := newTestPipeline(rpc, genesis, func(e Event) {
		if e.Kind == EventReorg {
			mu.Lock()
			reorgEvt = e.Reorg
			mu.Unlock()
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Enqueue(block(1, "0x1a", "0xg"))
	require.Eventually(t, func() bool { return len(p.UnfinalizedBlocks()) == 1 }, time.Second, time.Millisecond)

	p.Enqueue(block(2, "0x2a", "0x1a"))
	require.Eventually(t, func() bool { return len(p.UnfinalizedBlocks()) == 2 }, time.Second, time.Millisecond)

	// A competing block 1 on a different fork: its number (1) is <= the
	// current head's number (2), so this takes the reorg path. Its parent
	// is genesis, which is still in range, so the walk-back finds the
	// common ancestor immediately.
	p.Enqueue(block(1, "0x1b", "0xg"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reorgEvt != nil
	}, time.Second, 5*time.Millisecond)

	p.Kill()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "0xg", reorgEvt.CommonAncestor.Hash)
	require.Len(t, reorgEvt.Reorged, 2)
	require.Empty(t, p.UnfinalizedBlocks(), "reorg path leaves the evicted chain unenqueued until the competing block itself is resubmitted")
}

func TestPipeline_FinalizationPromotesAfterThreshold(t *testing.T) {
	rpc := newFakeQueue()
	genesis := chain.LightBlock{Number: 0, Hash: "0xg"}

	var mu sync.Mutex
	var finalized *FinalizeEvent
	p := newTestPipeline(rpc, genesis, func(e Event) {
		if e.Kind == EventFinalize {
			mu.Lock()
			finalized = e.Finalize
			mu.Unlock()
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// finalityBlockCount=2: a block finalizes once incoming.number >=
	// finalized.number + 2*finalityBlockCount == 4.
	prevHash := "0xg"
	for n := uint64(1); n <= 4; n++ {
		h := fmt.Sprintf("0x%d", n)
		p.Enqueue(block(n, h, prevHash))
		prevHash = h
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return finalized != nil
	}, time.Second, 5*time.Millisecond)

	p.Kill()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, uint64(2), finalized.Finalized.Number)
	require.Equal(t, uint64(2), p.FinalizedBlock().Number)
}
