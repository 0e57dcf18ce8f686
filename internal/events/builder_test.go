package events

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"chainsync/internal/filter"
	"chainsync/pkg/chain"
)

// noMembership treats every factory as having no discovered children; the
// builder tests below don't exercise factory-ref address constraints.
type noMembership struct{}

func (noMembership) Contains(f *filter.Factory, address string) bool { return false }

func TestBuildBlockEvents_OrdersByCheckpoint(t *testing.T) {
	sources := &filter.Set{
		Logs: []*filter.LogFilter{{
			Range:       filter.NewRange(nil, nil),
			Address:     filter.DirectAddress([]string{"0xaaa"}),
			SourceIndex: 0,
		}},
		Transactions: []*filter.TransactionFilter{{
			Range:       filter.NewRange(nil, nil),
			FromAddress: filter.DirectAddress(nil),
			ToAddress:   filter.DirectAddress(nil),
			SourceIndex: 1,
		}},
		Blocks: []*filter.BlockFilter{{
			Range:       filter.NewRange(nil, nil),
			Interval:    1,
			SourceIndex: 2,
		}},
	}

	fb := &chain.FetchedBlock{
		Block: &chain.RawBlock{Header: chain.Header{Number: 10, Hash: "0xblock"}},
		Logs: []filter.LogRecord{{
			Address:     "0xaaa",
			BlockNumber: 10,
			TxIndex:     2,
			LogIndex:    0,
		}},
		Transactions: []filter.TxRecord{{
			Hash:        "0xtx",
			From:        "0xsender",
			BlockNumber: 10,
			TxIndex:     2,
		}},
	}

	got := BuildBlockEvents(1, 1000, 10, sources, fb, noMembership{})
	require.Len(t, got, 3)

	// Within the same (timestamp, chain, block, txIndex=2), transaction
	// ranks before log; the block-level event uses the sentinel tx index
	// and always sorts last.
	require.Equal(t, TypeTransaction, got[0].Type)
	require.Equal(t, TypeLog, got[1].Type)
	require.Equal(t, TypeBlock, got[2].Type)

	require.Equal(t, 1, got[0].SourceIndex)
	require.Equal(t, 0, got[1].SourceIndex)
	require.Equal(t, 2, got[2].SourceIndex)

	require.True(t, got[0].Checkpoint.Less(got[1].Checkpoint))
	require.True(t, got[1].Checkpoint.Less(got[2].Checkpoint))
}

func TestBuildBlockEvents_TraceAndTransferBothMatch(t *testing.T) {
	sources := &filter.Set{
		Traces: []*filter.TraceFilter{{
			Range:       filter.NewRange(nil, nil),
			FromAddress: filter.DirectAddress(nil),
			ToAddress:   filter.DirectAddress(nil),
			SourceIndex: 0,
		}},
		Transfers: []*filter.TransferFilter{{
			Range:       filter.NewRange(nil, nil),
			FromAddress: filter.DirectAddress(nil),
			ToAddress:   filter.DirectAddress(nil),
			SourceIndex: 1,
		}},
	}

	fb := &chain.FetchedBlock{
		Block: &chain.RawBlock{Header: chain.Header{Number: 5, Hash: "0xblock"}},
		Traces: []filter.TraceRecord{{
			TxHash:        "0xtx",
			TxIndex:       0,
			TracePosition: 0,
			From:          "0xfrom",
			To:            "0xto",
			CallType:      "call",
			Value:         big.NewInt(1),
			BlockNumber:   5,
		}},
	}

	got := BuildBlockEvents(1, 1000, 5, sources, fb, noMembership{})
	require.Len(t, got, 2)

	types := map[Type]bool{}
	for _, e := range got {
		types[e.Type] = true
	}
	require.True(t, types[TypeTrace])
	require.True(t, types[TypeTransfer])
}

func TestBuildBlockEvents_AttachesReceiptWhenFetched(t *testing.T) {
	sources := &filter.Set{
		Logs: []*filter.LogFilter{{
			Range:           filter.NewRange(nil, nil),
			Address:         filter.DirectAddress([]string{"0xaaa"}),
			IncludeReverted: false,
			SourceIndex:     0,
		}},
		Traces: []*filter.TraceFilter{{
			Range:       filter.NewRange(nil, nil),
			FromAddress: filter.DirectAddress(nil),
			ToAddress:   filter.DirectAddress(nil),
			SourceIndex: 1,
		}},
	}

	fb := &chain.FetchedBlock{
		Block: &chain.RawBlock{Header: chain.Header{Number: 10, Hash: "0xblock"}},
		Logs: []filter.LogRecord{{
			Address:     "0xaaa",
			TxHash:      "0xtxlog",
			BlockNumber: 10,
		}},
		// The RPC trace payload carries its original casing; TraceRecord
		// doesn't lowercase it the way LogRecord/TxRecord do.
		Traces: []filter.TraceRecord{{
			TxHash:      "0xTxTrace",
			From:        "0xfrom",
			To:          "0xto",
			CallType:    "call",
			BlockNumber: 10,
		}},
		Receipts: map[string]*chain.Receipt{
			"0xtxlog":   {TxHash: "0xtxlog", Status: 1},
			"0xtxtrace": {TxHash: "0xtxtrace", Status: 1},
		},
	}

	got := BuildBlockEvents(1, 1000, 10, sources, fb, noMembership{})
	require.Len(t, got, 2)

	for _, e := range got {
		require.NotNil(t, e.TransactionReceipt, "IncludeReverted==false filters must carry the fetched receipt")
		require.Equal(t, uint64(1), e.TransactionReceipt.Status)
	}
}

func TestBuildBlockEvents_NilReceiptWhenNotFetched(t *testing.T) {
	sources := &filter.Set{
		Logs: []*filter.LogFilter{{
			Range:           filter.NewRange(nil, nil),
			Address:         filter.DirectAddress([]string{"0xaaa"}),
			IncludeReverted: true,
			SourceIndex:     0,
		}},
	}

	fb := &chain.FetchedBlock{
		Block: &chain.RawBlock{Header: chain.Header{Number: 10, Hash: "0xblock"}},
		Logs: []filter.LogRecord{{
			Address:     "0xaaa",
			TxHash:      "0xtxlog",
			BlockNumber: 10,
		}},
		Receipts: nil, // IncludeReverted==true means the Fetcher never fetched one
	}

	got := BuildBlockEvents(1, 1000, 10, sources, fb, noMembership{})
	require.Len(t, got, 1)
	require.Nil(t, got[0].TransactionReceipt)
}

func TestBuildBlockEvents_NoMatches(t *testing.T) {
	sources := filter.NewSet()
	fb := &chain.FetchedBlock{
		Block: &chain.RawBlock{Header: chain.Header{Number: 1, Hash: "0xblock"}},
	}
	got := BuildBlockEvents(1, 1000, 1, sources, fb, noMembership{})
	require.Empty(t, got)
}
