package chain

import (
	"context"
	"math/big"
)

// BlockTagLatest requests the chain head from GetBlockByNumber.
const BlockTagLatest = "latest"

// RequestQueue is the external RPC-transport collaborator (§6): it owns
// rate limiting and retry-classification of individual calls. The core
// only ever sees a structured response or a retryable failure — the
// queue mechanics themselves are out of scope (spec.md §1).
type RequestQueue interface {
	GetBlockByNumber(ctx context.Context, tagOrNumber string) (*RawBlock, error)
	GetBlockByHash(ctx context.Context, hash string) (*RawBlock, error)
	GetLogs(ctx context.Context, blockHash string) ([]RawLog, error)
	DebugTraceBlockByHash(ctx context.Context, hash string, cfg TracerConfig) ([]TxTrace, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// RawLog is a log as returned by eth_getLogs, before the Block Fetcher's
// consistency validation.
type RawLog struct {
	Address     string
	Topics      []string
	Data        []byte
	BlockHash   string
	BlockNumber uint64
	TxHash      string
	TxIndex     uint
	LogIndex    uint
}

// CallFrame is one node of a debug_traceBlockByHash callTracer result
// tree (SPEC_FULL.md §5.1).
type CallFrame struct {
	From  string
	To    string
	Type  string // call / staticcall / delegatecall / create
	Input []byte
	Value *big.Int
	Calls []CallFrame
}

// TxTrace is one transaction's call-frame tree from a traceBlock result.
type TxTrace struct {
	TxHash string
	Root   CallFrame
}

// TracerConfig parameterizes the debug_traceBlockByHash call (SPEC_FULL.md
// §5.1, recovered from original_source/): a callTracer with every nested
// call enumerated rather than only the top-level frame.
type TracerConfig struct {
	Tracer      string
	OnlyTopCall bool
}

// DefaultTracerConfig matches the original's tracer selection.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Tracer: "callTracer", OnlyTopCall: false}
}
