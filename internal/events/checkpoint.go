// Package events implements the Checkpoint total-order key (§3) and the
// Event Builder (§4.6): converting a matched block into an ordered
// sequence of typed RawEvents.
package events

import "fmt"

// Type tags an emitted event's kind. Rank order (block < transaction <
// log < trace) is the tiebreak within a transaction index (§3).
type Type int

const (
	TypeBlock Type = iota
	TypeTransaction
	TypeLog
	TypeTrace
	TypeTransfer
)

func (t Type) rank() int {
	switch t {
	case TypeBlock:
		return 0
	case TypeTransaction:
		return 1
	case TypeLog:
		return 2
	case TypeTrace, TypeTransfer:
		return 3
	default:
		return 4
	}
}

func (t Type) String() string {
	switch t {
	case TypeBlock:
		return "block"
	case TypeTransaction:
		return "transaction"
	case TypeLog:
		return "log"
	case TypeTrace:
		return "trace"
	case TypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// sentinelTxIndex is the max transactionIndex used by block-level events
// so they always sort last within their block (§3).
const sentinelTxIndex = ^uint64(0)

// Checkpoint is the total-order key over all events across all chains
// (§3): (blockTimestamp, chainId, blockNumber, transactionIndex,
// eventType, eventIndex), decreasing in significance.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          int64
	BlockNumber      uint64
	TransactionIndex uint64
	EventType        Type
	EventIndex       uint64
}

// Less reports whether c sorts strictly before other.
func (c Checkpoint) Less(other Checkpoint) bool {
	return c.Encode() < other.Encode()
}

// Encode renders the checkpoint as a lexicographically sortable,
// fixed-width decimal string. Field widths hold every field's full range,
// so sorting the encoded strings byte-wise reproduces the fields'
// declared significance order. The event type is encoded by rank, so
// TypeTrace and TypeTransfer checkpoints with otherwise equal fields
// encode identically, and a negative ChainID encodes as 0.
func (c Checkpoint) Encode() string {
	chainID := uint64(0)
	if c.ChainID > 0 {
		chainID = uint64(c.ChainID)
	}
	return fmt.Sprintf("%020d-%020d-%020d-%020d-%02d-%020d",
		c.BlockTimestamp,
		chainID,
		c.BlockNumber,
		c.TransactionIndex,
		c.EventType.rank(),
		c.EventIndex,
	)
}

// BlockTransactionIndex returns the sentinel transaction index used by
// block-level events (§4.6: "sentinel max transactionIndex and zero
// eventIndex").
func BlockTransactionIndex() uint64 {
	return sentinelTxIndex
}
