package events

import (
	"sort"
	"strings"

	"chainsync/internal/filter"
	"chainsync/pkg/chain"
)

// RawEvent is one emitted record (§4.6): a matched filter record plus its
// total-order Checkpoint and a back-reference to the filter's position in
// the user's declared source list.
type RawEvent struct {
	Checkpoint  Checkpoint
	Type        Type
	SourceIndex int

	Log         *filter.LogRecord
	Trace       *filter.TraceRecord
	Transaction *filter.TxRecord
	BlockNumber uint64 // populated for TypeBlock

	// TransactionReceipt is non-nil only when the Block Fetcher fetched a
	// receipt for this event's transaction — i.e. some filter with
	// IncludeReverted==false matched a record of that transaction (§4.3
	// step 6). It is looked up by transaction hash, so it is attached
	// whichever filter produced this event. Downstream must nil-check
	// rather than assume absence means success (SPEC_FULL.md Open
	// Question: receipt presence tracks what was fetched, not reversion
	// status).
	TransactionReceipt *chain.Receipt
}

// BuildBlockEvents converts a fetched block into the canonically ordered
// []RawEvent for one ingested block (§4.6). It applies every filter in
// sources to the block's records — log filters with factory membership m
// (§4.5 happy-path step b) — emits one RawEvent per (record, matching
// filter) pair with its checkpoint, and sorts the result by checkpoint.
func BuildBlockEvents(chainID int64, blockTimestamp, blockNumber uint64, sources *filter.Set, fb *chain.FetchedBlock, m filter.Membership) []RawEvent {
	var out []RawEvent

	for i := range fb.Logs {
		rec := &fb.Logs[i]
		for _, lf := range sources.Logs {
			if !filter.MatchLog(lf, rec, m) {
				continue
			}
			out = append(out, RawEvent{
				Type:               TypeLog,
				SourceIndex:        lf.SourceIndex,
				Log:                rec,
				TransactionReceipt: fb.Receipts[strings.ToLower(rec.TxHash)],
				Checkpoint: Checkpoint{
					BlockTimestamp:   blockTimestamp,
					ChainID:          chainID,
					BlockNumber:      blockNumber,
					TransactionIndex: uint64(rec.TxIndex),
					EventType:        TypeLog,
					EventIndex:       uint64(rec.LogIndex),
				},
			})
		}
	}

	for i := range fb.Traces {
		rec := &fb.Traces[i]
		for _, tf := range sources.Traces {
			if !filter.MatchTrace(tf, rec) {
				continue
			}
			out = append(out, RawEvent{
				Type:               TypeTrace,
				SourceIndex:        tf.SourceIndex,
				Trace:              rec,
				TransactionReceipt: fb.Receipts[strings.ToLower(rec.TxHash)],
				Checkpoint: Checkpoint{
					BlockTimestamp:   blockTimestamp,
					ChainID:          chainID,
					BlockNumber:      blockNumber,
					TransactionIndex: uint64(rec.TxIndex),
					EventType:        TypeTrace,
					EventIndex:       uint64(rec.TracePosition),
				},
			})
		}
		for _, tf := range sources.Transfers {
			if !filter.MatchTransfer(tf, rec) {
				continue
			}
			out = append(out, RawEvent{
				Type:               TypeTransfer,
				SourceIndex:        tf.SourceIndex,
				Trace:              rec,
				TransactionReceipt: fb.Receipts[strings.ToLower(rec.TxHash)],
				Checkpoint: Checkpoint{
					BlockTimestamp:   blockTimestamp,
					ChainID:          chainID,
					BlockNumber:      blockNumber,
					TransactionIndex: uint64(rec.TxIndex),
					EventType:        TypeTransfer,
					EventIndex:       uint64(rec.TracePosition),
				},
			})
		}
	}

	for i := range fb.Transactions {
		rec := &fb.Transactions[i]
		for _, txf := range sources.Transactions {
			if !filter.MatchTransaction(txf, rec) {
				continue
			}
			out = append(out, RawEvent{
				Type:               TypeTransaction,
				SourceIndex:        txf.SourceIndex,
				Transaction:        rec,
				TransactionReceipt: fb.Receipts[rec.Hash],
				Checkpoint: Checkpoint{
					BlockTimestamp:   blockTimestamp,
					ChainID:          chainID,
					BlockNumber:      blockNumber,
					TransactionIndex: uint64(rec.TxIndex),
					EventType:        TypeTransaction,
					EventIndex:       0,
				},
			})
		}
	}

	for _, bf := range sources.Blocks {
		if !filter.MatchBlock(bf, blockNumber) {
			continue
		}
		out = append(out, RawEvent{
			Type:        TypeBlock,
			SourceIndex: bf.SourceIndex,
			BlockNumber: blockNumber,
			Checkpoint: Checkpoint{
				BlockTimestamp:   blockTimestamp,
				ChainID:          chainID,
				BlockNumber:      blockNumber,
				TransactionIndex: sentinelTxIndex,
				EventType:        TypeBlock,
				EventIndex:       0,
			},
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Checkpoint.Less(out[j].Checkpoint)
	})

	return out
}
