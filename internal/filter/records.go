package filter

import (
	"math/big"

	"github.com/holiman/uint256"
)

// LogRecord is the filter engine's view of an on-chain log, already
// normalized to lowercase addresses/topics by the Block Fetcher.
type LogRecord struct {
	Address     string
	Topics      []string
	Data        []byte
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	TxIndex     uint
	LogIndex    uint
}

// Topic returns the topic at idx and whether it is present.
func (l *LogRecord) Topic(idx int) (string, bool) {
	if idx < 0 || idx >= len(l.Topics) {
		return "", false
	}
	return l.Topics[idx], true
}

// TxRecord is the filter engine's view of a transaction.
type TxRecord struct {
	Hash        string
	From        string
	To          *string // nil denotes contract creation
	BlockNumber uint64
	TxIndex     uint
}

// TraceRecord is the filter engine's view of one call-frame within a
// transaction's trace tree, plus its deterministic position ordinal.
type TraceRecord struct {
	TxHash        string
	TxIndex       uint
	TracePosition int
	From          string
	To            string
	CallType      string
	Input         []byte
	Value         *big.Int
	BlockNumber   uint64
}

// HasValue reports whether the trace carries a non-zero transferred value.
// The comparison itself runs on uint256.Int rather than math/big: it sits
// on the per-trace TransferFilter hot path, and go-ethereum's own state
// transition code takes the same route for value comparisons.
func (t *TraceRecord) HasValue() bool {
	if t.Value == nil {
		return false
	}
	v, _ := uint256.FromBig(t.Value)
	return !v.IsZero()
}

// Selector returns the 4-byte function selector of Input as a lowercase
// "0x"-prefixed hex string, and whether Input is long enough to have one.
func (t *TraceRecord) Selector() (string, bool) {
	if len(t.Input) < 4 {
		return "", false
	}
	return "0x" + hexLower(t.Input[:4]), true
}

func hexLower(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// Membership answers whether an address belongs to a factory's
// discovered child-address set (finalized ∪ unfinalized). Implemented by
// internal/factory.Tracker; kept as an interface here so the Filter
// Engine stays a pure function of its inputs.
type Membership interface {
	Contains(f *Factory, address string) bool
}
