// Package pipeline implements the Reorg-Safe Pipeline (§4.5): the
// single-consumer state machine that ingests head blocks, detects gaps
// and reorgs from block-number/parent-hash relationships, fetches
// missing data through the Block Fetcher, keeps the Factory Tracker
// consistent, and emits block/reorg/finalize events in pipeline order.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"chainsync/internal/chainerr"
	"chainsync/internal/events"
	"chainsync/internal/factory"
	"chainsync/internal/filter"
	"chainsync/internal/supervisor"
	"chainsync/pkg/chain"
)

// MaxQueuedBlocks bounds a single gap-fill burst (§4.5).
const MaxQueuedBlocks = 25

// EventKind tags the three notifications the Pipeline emits downstream.
type EventKind int

const (
	EventBlock EventKind = iota
	EventReorg
	EventFinalize
)

// Event is one downstream notification (§6 onEvent). Exactly one of
// Block/Reorg/Finalize is populated, matching Kind.
type Event struct {
	Kind     EventKind
	Block    *BlockEvent
	Reorg    *ReorgEvent
	Finalize *FinalizeEvent
}

// BlockEvent carries a newly ingested block and its matched records
// (§4.5 happy-path step e).
type BlockEvent struct {
	Block         chain.LightBlock
	MatchedEvents []events.RawEvent
}

// ReorgEvent carries the common ancestor and the blocks evicted by a
// reorg (§4.5 reorg-path step f).
type ReorgEvent struct {
	CommonAncestor chain.LightBlock
	Reorged        []chain.LightBlock
}

// FinalizeEvent carries the newly finalized block (§4.5 happy-path
// finalization step).
type FinalizeEvent struct {
	Finalized chain.LightBlock
}

// Pipeline is one chain's Reorg-Safe Pipeline instance.
type Pipeline struct {
	chainID            int64
	finalityBlockCount uint64

	rpc     chain.RequestQueue
	fetcher *chain.Fetcher
	sources *filter.Set
	tracker *factory.Tracker

	onEvent      func(Event)
	onFatalError func(error)
	sup          *supervisor.Supervisor

	q *queue

	mu                sync.Mutex
	finalizedBlock    chain.LightBlock
	unfinalizedBlocks []chain.LightBlock

	killed bool
}

// New constructs a Pipeline seeded at finalizedBlock (§3: "a block ...
// may be evicted ... or promoted to finalizedBlock").
func New(chainID int64, finalityBlockCount uint64, rpc chain.RequestQueue, sources *filter.Set, finalizedBlock chain.LightBlock, onEvent func(Event), onFatalError func(error)) *Pipeline {
	p := &Pipeline{
		chainID:            chainID,
		finalityBlockCount: finalityBlockCount,
		rpc:                rpc,
		fetcher:            chain.NewFetcher(rpc, sources),
		sources:            sources,
		tracker:            factory.NewTracker(sources.Factories),
		onEvent:            onEvent,
		onFatalError:       onFatalError,
		finalizedBlock:     finalizedBlock,
		q:                  newQueue(),
	}
	p.sup = supervisor.New(func(err error) {
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		if onFatalError != nil {
			onFatalError(err)
		}
	})
	return p
}

// Tracker exposes the Factory Tracker for read-only introspection (§6).
func (p *Pipeline) Tracker() *factory.Tracker {
	return p.tracker
}

// UnfinalizedBlocks returns a snapshot of the unfinalized block list (§6
// read-only accessor).
func (p *Pipeline) UnfinalizedBlocks() []chain.LightBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chain.LightBlock, len(p.unfinalizedBlocks))
	copy(out, p.unfinalizedBlocks)
	return out
}

// FinalizedBlock returns the current finalized block (§6 read-only
// accessor).
func (p *Pipeline) FinalizedBlock() chain.LightBlock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalizedBlock
}

// Enqueue pushes a raw fetched block onto the single-consumer queue. The
// Poller calls this after fetching `latest`; gap-fill and reorg recovery
// call it internally to requeue follow-up work.
func (p *Pipeline) Enqueue(block *chain.RawBlock) {
	p.q.push(block)
}

// Kill implements the §5 cancellation contract: stop accepting work and
// let Run drain out once any in-flight RPC completes.
func (p *Pipeline) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.q.close()
}

func (p *Pipeline) isKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Run drives the consumer loop until ctx is canceled, the pipeline is
// killed, or a fatal error is promoted.
func (p *Pipeline) Run(ctx context.Context) error {
	// Close the queue on ctx cancellation so a pop blocked on an empty
	// queue returns instead of waiting for the next push.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.q.close()
		case <-stop:
		}
	}()

	for {
		if p.isKilled() || ctx.Err() != nil {
			return ctx.Err()
		}

		v, ok := p.q.pop()
		if !ok {
			return nil
		}
		if p.isKilled() {
			return nil
		}
		block, ok := v.(*chain.RawBlock)
		if !ok || block == nil {
			continue
		}

		err := p.processIncoming(ctx, block)
		if err == nil {
			p.sup.Success()
			continue
		}

		if chainerr.IsFatal(err) {
			p.sup.Fatal(err)
			return err
		}

		log.Error().Err(err).Int64("chainId", p.chainID).Msg("pipeline ingest error, backing off")
		p.q.clear()
		wait, retryable := p.sup.RecordError(err)
		if !retryable {
			return err
		}
		if werr := supervisor.Sleep(ctx, wait); werr != nil {
			return werr
		}
	}
}

// currentHeadLocked returns unfinalizedBlocks.last, falling back to
// finalizedBlock when the unfinalized list is empty. Caller must hold mu.
func (p *Pipeline) currentHeadLocked() chain.LightBlock {
	if n := len(p.unfinalizedBlocks); n > 0 {
		return p.unfinalizedBlocks[n-1]
	}
	return p.finalizedBlock
}

func (p *Pipeline) processIncoming(ctx context.Context, incoming *chain.RawBlock) error {
	p.mu.Lock()
	head := p.currentHeadLocked()
	p.mu.Unlock()

	switch {
	case incoming.Header.Hash == head.Hash:
		return nil // duplicate, no-op
	case incoming.Header.Number <= head.Number:
		return p.reorgPath(ctx, incoming)
	case incoming.Header.Number > head.Number+1:
		return p.gapFill(ctx, incoming, head)
	case incoming.Header.ParentHash == head.Hash:
		return p.happyPath(ctx, incoming)
	default:
		return p.reorgPath(ctx, incoming)
	}
}

// gapFill implements §4.5's gap-fill branch: fetch the missing
// contiguous range, enqueue it in order, then re-enqueue incoming.
func (p *Pipeline) gapFill(ctx context.Context, incoming *chain.RawBlock, head chain.LightBlock) error {
	// end stops short of incoming's own number: incoming is already held
	// in full and is re-pushed below rather than re-fetched (spec.md §8
	// scenario 3: filling the gap before n:105 issues exactly the four
	// getBlockByNumber(101..104) calls, not a fifth for 105 itself).
	end := incoming.Header.Number - 1
	if end > head.Number+MaxQueuedBlocks {
		end = head.Number + MaxQueuedBlocks
	}

	p.q.clear()

	for n := head.Number + 1; n <= end; n++ {
		blk, err := p.rpc.GetBlockByNumber(ctx, strconv.FormatUint(n, 10))
		if err != nil {
			return chainerr.Transient(fmt.Errorf("gap-fill getBlockByNumber(%d): %w", n, err))
		}
		p.q.push(blk)
	}
	p.q.push(incoming)
	return nil
}

// happyPath implements §4.5's happy-path ingest.
func (p *Pipeline) happyPath(ctx context.Context, incoming *chain.RawBlock) error {
	fb, err := p.fetcher.Fetch(ctx, incoming)
	if err != nil {
		return err
	}

	light := fb.Light()

	// (a) update unfinalizedChildAddresses from the block's factory logs.
	children := decodeFactoryChildren(p.sources.Factories, fb.FactoryLogs)
	p.tracker.RecordBlock(light.Hash, children)

	// (b) re-apply all filters with factory membership for the final
	// matched set.
	matched := events.BuildBlockEvents(p.chainID, light.Timestamp, light.Number, p.sources, fb, p.tracker)

	p.mu.Lock()
	// (c) append LightBlock.
	p.unfinalizedBlocks = append(p.unfinalizedBlocks, light)
	p.mu.Unlock()

	// (d) drop the heavy transactions array.
	fb.DropHeavyTransactions()

	// (e) emit the block event.
	if p.onEvent != nil {
		p.onEvent(Event{Kind: EventBlock, Block: &BlockEvent{Block: light, MatchedEvents: matched}})
	}

	// (f) test finalization.
	p.maybeFinalize(incoming.Header.Number)

	return nil
}

func (p *Pipeline) maybeFinalize(incomingNumber uint64) {
	p.mu.Lock()
	if incomingNumber < p.finalizedBlock.Number+2*p.finalityBlockCount {
		p.mu.Unlock()
		return
	}
	target := incomingNumber - p.finalityBlockCount

	idx := -1
	for i, b := range p.unfinalizedBlocks {
		if b.Number == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}

	promoted := make([]chain.LightBlock, idx+1)
	copy(promoted, p.unfinalizedBlocks[:idx+1])
	remaining := make([]chain.LightBlock, len(p.unfinalizedBlocks)-idx-1)
	copy(remaining, p.unfinalizedBlocks[idx+1:])

	newFinalized := promoted[len(promoted)-1]
	p.finalizedBlock = newFinalized
	p.unfinalizedBlocks = remaining
	p.mu.Unlock()

	p.tracker.Promote(hashesOf(promoted), hashesOf(remaining))

	if p.onEvent != nil {
		p.onEvent(Event{Kind: EventFinalize, Finalize: &FinalizeEvent{Finalized: newFinalized}})
	}
}

// reorgPath implements §4.5's reorg-path: evict diverged blocks, walk
// back via getBlockByHash until a common ancestor is found, or fail
// fatally if the walk-back exhausts unfinalizedBlocks.
func (p *Pipeline) reorgPath(ctx context.Context, incoming *chain.RawBlock) error {
	p.mu.Lock()
	var reorged []chain.LightBlock
	cut := len(p.unfinalizedBlocks)
	for cut > 0 && p.unfinalizedBlocks[cut-1].Number >= incoming.Header.Number {
		cut--
	}
	reorged = append(reorged, p.unfinalizedBlocks[cut:]...)
	p.unfinalizedBlocks = p.unfinalizedBlocks[:cut]
	p.mu.Unlock()

	b := incoming
	for {
		p.mu.Lock()
		head := p.currentHeadLocked()
		p.mu.Unlock()

		if head.Hash == b.Header.ParentHash {
			break
		}

		p.mu.Lock()
		empty := len(p.unfinalizedBlocks) == 0
		p.mu.Unlock()
		if empty {
			return chainerr.UnrecoverableReorg(fmt.Errorf("reorg walk-back exhausted unfinalized blocks below %s", head.Hash))
		}

		nb, err := p.rpc.GetBlockByHash(ctx, b.Header.ParentHash)
		if err != nil {
			return chainerr.Transient(fmt.Errorf("reorg getBlockByHash(%s): %w", b.Header.ParentHash, err))
		}
		b = nb

		p.mu.Lock()
		last := p.unfinalizedBlocks[len(p.unfinalizedBlocks)-1]
		p.unfinalizedBlocks = p.unfinalizedBlocks[:len(p.unfinalizedBlocks)-1]
		p.mu.Unlock()
		reorged = append(reorged, last)
	}

	p.mu.Lock()
	commonAncestor := p.currentHeadLocked()
	remaining := make([]chain.LightBlock, len(p.unfinalizedBlocks))
	copy(remaining, p.unfinalizedBlocks)
	p.mu.Unlock()

	p.tracker.Rewind(hashesOf(reorged), hashesOf(remaining))

	if p.onEvent != nil {
		p.onEvent(Event{Kind: EventReorg, Reorg: &ReorgEvent{CommonAncestor: commonAncestor, Reorged: reorged}})
	}

	// (g) clear the queue so stale subsequent items do not race.
	p.q.clear()

	return nil
}

func hashesOf(blocks []chain.LightBlock) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Hash
	}
	return out
}

func decodeFactoryChildren(factories []*filter.Factory, logs []filter.LogRecord) []factory.DiscoveredChild {
	var out []factory.DiscoveredChild
	for i := range logs {
		rec := &logs[i]
		for _, f := range factories {
			if !filter.MatchFactoryLog(f, rec) {
				continue
			}
			addr, ok := f.ExtractChildAddress(rec)
			if !ok {
				log.Debug().Str("factory", f.Name).Str("tx", rec.TxHash).Msg("factory log matched selector but child address could not be decoded")
				continue
			}
			out = append(out, factory.DiscoveredChild{FactoryName: f.Name, Address: addr})
		}
	}
	return out
}
