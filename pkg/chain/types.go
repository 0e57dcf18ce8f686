// Package chain implements the RequestQueue collaborator boundary (§6)
// and the Block Fetcher (§4.3): retrieving a block's logs, traces,
// transactions, and selected receipts, and validating the RPC responses
// for internal consistency.
package chain

import (
	"github.com/ethereum/go-ethereum/core/types"

	"chainsync/internal/filter"
)

// Header is the subset of a raw block header the core needs.
type Header struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
	LogsBloom  types.Bloom
}

// RawBlock is a full block as returned by the RPC, including every
// transaction — the "heavy" array the Pipeline nils out after ingest
// (§4.5 happy-path step d) to let it be garbage collected.
type RawBlock struct {
	Header       Header
	Transactions []RawTransaction
}

// RawTransaction is the filter engine's view of a transaction plus the
// fields the Block Fetcher needs to decide inclusion.
type RawTransaction struct {
	Hash    string
	From    string
	To      *string
	Index   uint
	Input   []byte
}

// Receipt is the subset of a transaction receipt the core needs to
// decide success/reversion for IncludeReverted==false filters.
type Receipt struct {
	TxHash string
	Status uint64 // 1 = success, 0 = reverted
}

// Succeeded reports whether the receipt indicates the transaction did
// not revert.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// LightBlock is the minimal record retained in the unfinalized block
// list (§3).
type LightBlock struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  uint64
}

// FetchedBlock is the Block Fetcher's output for one head block (§3
// BlockWithEventData): the raw block plus everything downstream matching
// requires, already trimmed to what the configured Sources need.
type FetchedBlock struct {
	Block       *RawBlock
	Logs        []filter.LogRecord
	FactoryLogs []filter.LogRecord // subset matching a configured factory's selector
	Traces      []filter.TraceRecord
	Transactions []filter.TxRecord // trimmed to the required hash set (§4.3 step 5)

	// Receipts is keyed by transaction hash, populated only for the
	// subset required by configured IncludeReverted==false filters
	// (§4.3 step 6). Absent entries mean the receipt was never fetched —
	// downstream must be prepared for either (SPEC_FULL.md Open Question).
	Receipts map[string]*Receipt
}

// Light returns the LightBlock projection of this block's header.
func (fb *FetchedBlock) Light() LightBlock {
	return LightBlock{
		Number:     fb.Block.Header.Number,
		Hash:       fb.Block.Header.Hash,
		ParentHash: fb.Block.Header.ParentHash,
		Timestamp:  fb.Block.Header.Timestamp,
	}
}

// DropHeavyTransactions nils the raw block's full transaction array,
// matching §4.5 happy-path step d. The trimmed Transactions slice
// (already extracted) is left untouched.
func (fb *FetchedBlock) DropHeavyTransactions() {
	if fb.Block != nil {
		fb.Block.Transactions = nil
	}
}
