package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNewHeadNumber_DecodesHexBlockNumber(t *testing.T) {
	msg := []byte(`{
		"jsonrpc": "2.0",
		"method": "eth_subscription",
		"params": {
			"subscription": "0xabc",
			"result": {"number": "0x1b4", "hash": "0xdeadbeef"}
		}
	}`)

	n, ok := parseNewHeadNumber(msg)
	require.True(t, ok)
	require.Equal(t, uint64(0x1b4), n)
}

func TestParseNewHeadNumber_IgnoresNonSubscriptionMessages(t *testing.T) {
	msg := []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub123"}`)
	_, ok := parseNewHeadNumber(msg)
	require.False(t, ok)
}

func TestParseNewHeadNumber_RejectsMalformedNumber(t *testing.T) {
	msg := []byte(`{
		"jsonrpc": "2.0",
		"method": "eth_subscription",
		"params": {"result": {"number": "not-hex"}}
	}`)
	_, ok := parseNewHeadNumber(msg)
	require.False(t, ok)
}

func TestNewWSHeadSubscriber_StartsDisconnected(t *testing.T) {
	w := NewWSHeadSubscriber("ws://localhost:1")
	require.False(t, w.IsConnected())
}
