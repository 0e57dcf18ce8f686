package chain

import "chainsync/internal/filter"

// FlattenTraces walks each transaction's call-frame tree in pre-order and
// assigns a deterministic trace-position ordinal (§4.6: "a deterministic
// ordinal within the transaction's trace tree produced by the tracing
// RPC"), producing the flat []filter.TraceRecord the Filter Engine and
// Event Builder operate on.
func FlattenTraces(blockNumber uint64, txTraces []TxTrace) []filter.TraceRecord {
	var out []filter.TraceRecord
	for txIdx, tt := range txTraces {
		position := 0
		walk(tt.Root, tt.TxHash, uint(txIdx), blockNumber, &position, &out)
	}
	return out
}

func walk(frame CallFrame, txHash string, txIndex uint, blockNumber uint64, position *int, out *[]filter.TraceRecord) {
	*out = append(*out, filter.TraceRecord{
		TxHash:        txHash,
		TxIndex:       txIndex,
		TracePosition: *position,
		From:          frame.From,
		To:            frame.To,
		CallType:      frame.Type,
		Input:         frame.Input,
		Value:         frame.Value,
		BlockNumber:   blockNumber,
	})
	*position++
	for _, child := range frame.Calls {
		walk(child, txHash, txIndex, blockNumber, position, out)
	}
}
