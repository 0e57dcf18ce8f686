package chain

import (
	"context"
	"fmt"
	"strings"

	"chainsync/internal/bloom"
	"chainsync/internal/chainerr"
	"chainsync/internal/filter"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
)

// Fetcher is the Block Fetcher (§4.3): given one block hash/number, it
// retrieves logs, traces, and selected receipts, validating the RPC
// responses for internal consistency and trimming the result to what the
// configured Sources require.
type Fetcher struct {
	queue   RequestQueue
	sources *filter.Set
	tracer  TracerConfig
}

// NewFetcher constructs a Fetcher over queue, matching against sources.
func NewFetcher(queue RequestQueue, sources *filter.Set) *Fetcher {
	return &Fetcher{queue: queue, sources: sources, tracer: DefaultTracerConfig()}
}

// Fetch retrieves and assembles a FetchedBlock for an already-fetched raw
// block header+transactions (§4.3).
func (f *Fetcher) Fetch(ctx context.Context, block *RawBlock) (*FetchedBlock, error) {
	fb := &FetchedBlock{Block: block}

	logs, err := f.fetchLogs(ctx, block)
	if err != nil {
		return nil, err
	}
	fb.Logs = logs

	if f.sources.NeedsTraces() {
		traces, err := f.fetchTraces(ctx, block)
		if err != nil {
			return nil, err
		}
		fb.Traces = traces
	}

	fb.FactoryLogs = f.recordFactoryLogs(logs)

	requiredTxHashes := f.weakPrefilter(block, logs, fb.Traces)

	fb.Transactions = f.selectTransactions(block, requiredTxHashes)

	receiptHashes := f.requiredReceiptHashes(logs, fb.Traces, fb.Transactions)
	if len(receiptHashes) > 0 {
		receipts, err := f.fetchReceipts(ctx, receiptHashes)
		if err != nil {
			return nil, err
		}
		fb.Receipts = receipts
	}

	return fb, nil
}

// fetchLogs implements §4.3 step 1.
func (f *Fetcher) fetchLogs(ctx context.Context, block *RawBlock) ([]filter.LogRecord, error) {
	if !bloom.ShouldFetchLogs(block.Header.LogsBloom, f.sources) {
		log.Debug().Str("block", block.Header.Hash).Msg("bloom predicate ruled out all log filters, skipping getLogs")
		return nil, nil
	}

	raw, err := f.queue.GetLogs(ctx, block.Header.Hash)
	if err != nil {
		return nil, chainerr.Transient(fmt.Errorf("getLogs(%s): %w", block.Header.Hash, err))
	}

	if block.Header.LogsBloom != (types.Bloom{}) && len(raw) == 0 {
		return nil, chainerr.Inconsistent(fmt.Errorf("getLogs(%s): nonzero bloom but no logs returned", block.Header.Hash))
	}

	out := make([]filter.LogRecord, 0, len(raw))
	for _, l := range raw {
		if !strings.EqualFold(l.BlockHash, block.Header.Hash) {
			return nil, chainerr.Inconsistent(fmt.Errorf("getLogs(%s): log blockHash %s mismatch", block.Header.Hash, l.BlockHash))
		}
		out = append(out, filter.LogRecord{
			Address:     strings.ToLower(l.Address),
			Topics:      lowerAll(l.Topics),
			Data:        l.Data,
			BlockNumber: l.BlockNumber,
			BlockHash:   strings.ToLower(l.BlockHash),
			TxHash:      strings.ToLower(l.TxHash),
			TxIndex:     l.TxIndex,
			LogIndex:    l.LogIndex,
		})
	}
	return out, nil
}

// fetchTraces implements §4.3 step 2.
func (f *Fetcher) fetchTraces(ctx context.Context, block *RawBlock) ([]filter.TraceRecord, error) {
	txTraces, err := f.queue.DebugTraceBlockByHash(ctx, block.Header.Hash, f.tracer)
	if err != nil {
		return nil, chainerr.Transient(fmt.Errorf("debugTraceBlockByHash(%s): %w", block.Header.Hash, err))
	}

	if len(block.Transactions) > 0 && len(txTraces) == 0 {
		return nil, chainerr.Inconsistent(fmt.Errorf("debugTraceBlockByHash(%s): block has transactions but no traces returned", block.Header.Hash))
	}

	known := make(map[string]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		known[strings.ToLower(tx.Hash)] = struct{}{}
	}
	for _, tt := range txTraces {
		if _, ok := known[strings.ToLower(tt.TxHash)]; !ok {
			return nil, chainerr.Inconsistent(fmt.Errorf("debugTraceBlockByHash(%s): trace for unknown tx %s", block.Header.Hash, tt.TxHash))
		}
	}

	return FlattenTraces(block.Header.Number, txTraces), nil
}

// recordFactoryLogs implements §4.3 step 3: the subset of logs matching
// any configured factory's selector, cached by the caller (the Pipeline,
// which owns the factory.Tracker) keyed by block hash.
func (f *Fetcher) recordFactoryLogs(logs []filter.LogRecord) []filter.LogRecord {
	if len(f.sources.Factories) == 0 {
		return nil
	}
	var out []filter.LogRecord
	for _, l := range logs {
		for _, fac := range f.sources.Factories {
			if filter.MatchFactoryLog(fac, &l) {
				out = append(out, l)
				break
			}
		}
	}
	return out
}

// weakPrefilter implements §4.3 step 4: log/trace/transfer/transaction/
// block filters applied without factory membership, to get a superset of
// required transaction hashes.
func (f *Fetcher) weakPrefilter(block *RawBlock, logs []filter.LogRecord, traces []filter.TraceRecord) map[string]struct{} {
	required := make(map[string]struct{})

	for i := range logs {
		l := &logs[i]
		for _, lf := range f.sources.Logs {
			if filter.MatchLogWeak(lf, l) {
				required[l.TxHash] = struct{}{}
				break
			}
		}
	}

	for i := range traces {
		t := &traces[i]
		for _, tf := range f.sources.Traces {
			if filter.MatchTrace(tf, t) {
				required[strings.ToLower(t.TxHash)] = struct{}{}
				break
			}
		}
		for _, tf := range f.sources.Transfers {
			if filter.MatchTransfer(tf, t) {
				required[strings.ToLower(t.TxHash)] = struct{}{}
				break
			}
		}
	}

	for _, tx := range block.Transactions {
		rec := toTxRecord(tx, block.Header.Number)
		for _, txf := range f.sources.Transactions {
			if filter.MatchTransaction(txf, rec) {
				required[strings.ToLower(tx.Hash)] = struct{}{}
				break
			}
		}
	}

	return required
}

// selectTransactions implements §4.3 step 5.
func (f *Fetcher) selectTransactions(block *RawBlock, required map[string]struct{}) []filter.TxRecord {
	var out []filter.TxRecord
	for _, tx := range block.Transactions {
		hash := strings.ToLower(tx.Hash)
		_, needed := required[hash]
		rec := toTxRecord(tx, block.Header.Number)
		if !needed {
			matched := false
			for _, txf := range f.sources.Transactions {
				if filter.MatchTransaction(txf, rec) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, *rec)
	}
	return out
}

// requiredReceiptHashes implements §4.3 step 6: receipts are fetched only
// for records that could satisfy a filter with IncludeReverted==false.
func (f *Fetcher) requiredReceiptHashes(logs []filter.LogRecord, traces []filter.TraceRecord, txs []filter.TxRecord) []string {
	set := make(map[string]struct{})

	for i := range logs {
		l := &logs[i]
		for _, lf := range f.sources.Logs {
			if !lf.IncludeReverted && filter.MatchLogWeak(lf, l) {
				set[l.TxHash] = struct{}{}
			}
		}
	}
	for i := range traces {
		t := &traces[i]
		for _, tf := range f.sources.Traces {
			if !tf.IncludeReverted && filter.MatchTrace(tf, t) {
				set[strings.ToLower(t.TxHash)] = struct{}{}
			}
		}
		for _, tf := range f.sources.Transfers {
			if !tf.IncludeReverted && filter.MatchTransfer(tf, t) {
				set[strings.ToLower(t.TxHash)] = struct{}{}
			}
		}
	}
	for i := range txs {
		tx := &txs[i]
		for _, txf := range f.sources.Transactions {
			if !txf.IncludeReverted && filter.MatchTransaction(txf, tx) {
				set[strings.ToLower(tx.Hash)] = struct{}{}
			}
		}
	}

	hashes := make([]string, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	return hashes
}

func (f *Fetcher) fetchReceipts(ctx context.Context, hashes []string) (map[string]*Receipt, error) {
	out := make(map[string]*Receipt, len(hashes))
	for _, h := range hashes {
		r, err := f.queue.GetTransactionReceipt(ctx, h)
		if err != nil {
			return nil, chainerr.Transient(fmt.Errorf("getTransactionReceipt(%s): %w", h, err))
		}
		if r == nil {
			return nil, chainerr.Inconsistent(fmt.Errorf("getTransactionReceipt(%s): missing receipt", h))
		}
		out[strings.ToLower(r.TxHash)] = r
	}
	return out, nil
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}

func toTxRecord(tx RawTransaction, blockNumber uint64) *filter.TxRecord {
	return &filter.TxRecord{
		Hash:        strings.ToLower(tx.Hash),
		From:        strings.ToLower(tx.From),
		To:          lowerPtr(tx.To),
		BlockNumber: blockNumber,
		TxIndex:     tx.Index,
	}
}

func lowerPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToLower(*s)
	return &v
}
