package bloom

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"chainsync/internal/filter"
)

func TestMayContain_ZeroBloomAlwaysTrue(t *testing.T) {
	f := &filter.LogFilter{Address: filter.DirectAddress([]string{"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})}
	require.True(t, MayContain(types.Bloom{}, f))
}

func TestMayContain_AddressPresentInBloom(t *testing.T) {
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := types.CreateBloom(types.Receipts{{Logs: []*types.Log{{Address: addr}}}})

	f := &filter.LogFilter{Address: filter.DirectAddress([]string{addr.Hex()})}
	require.True(t, MayContain(b, f))
}

func TestMayContain_AddressAbsentFromBloom(t *testing.T) {
	present := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	absent := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	b := types.CreateBloom(types.Receipts{{Logs: []*types.Log{{Address: present}}}})

	f := &filter.LogFilter{Address: filter.DirectAddress([]string{absent.Hex()})}
	require.False(t, MayContain(b, f))
}

func TestMayContain_AbsentAddressConstraintAlwaysTrue(t *testing.T) {
	present := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := types.CreateBloom(types.Receipts{{Logs: []*types.Log{{Address: present}}}})

	f := &filter.LogFilter{Address: filter.DirectAddress(nil)}
	require.True(t, MayContain(b, f))
}

func TestMayContain_TopicMustAlsoBePresent(t *testing.T) {
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	presentTopic := common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	absentTopic := common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")

	b := types.CreateBloom(types.Receipts{{
		Logs: []*types.Log{{Address: addr, Topics: []common.Hash{presentTopic}}},
	}})

	matching := &filter.LogFilter{
		Address: filter.DirectAddress([]string{addr.Hex()}),
		Topic0:  filter.NewValueConstraint([]string{presentTopic.Hex()}),
	}
	require.True(t, MayContain(b, matching))

	nonMatching := &filter.LogFilter{
		Address: filter.DirectAddress([]string{addr.Hex()}),
		Topic0:  filter.NewValueConstraint([]string{absentTopic.Hex()}),
	}
	require.False(t, MayContain(b, nonMatching))
}

func TestShouldFetchLogs_NoSourcesSkipsFetch(t *testing.T) {
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := types.CreateBloom(types.Receipts{{Logs: []*types.Log{{Address: addr}}}})

	require.False(t, ShouldFetchLogs(b, filter.NewSet()))
}

func TestShouldFetchLogs_ZeroBloomAlwaysFetches(t *testing.T) {
	require.True(t, ShouldFetchLogs(types.Bloom{}, filter.NewSet()))
}

func TestShouldFetchLogs_RuledOutByEveryFilterSkips(t *testing.T) {
	present := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	absent := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	b := types.CreateBloom(types.Receipts{{Logs: []*types.Log{{Address: present}}}})

	set := filter.NewSet()
	set.Logs = append(set.Logs, &filter.LogFilter{Address: filter.DirectAddress([]string{absent.Hex()})})

	require.False(t, ShouldFetchLogs(b, set))
}

func TestShouldFetchLogs_FactorySelectorMatchFetches(t *testing.T) {
	factoryAddr := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	selector := common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333")
	b := types.CreateBloom(types.Receipts{{
		Logs: []*types.Log{{Address: factoryAddr, Topics: []common.Hash{selector}}},
	}})

	set := filter.NewSet()
	set.Factories = append(set.Factories, &filter.Factory{
		Name:          "pairs",
		Addresses:     []string{factoryAddr.Hex()},
		EventSelector: selector.Hex(),
	})

	require.True(t, ShouldFetchLogs(b, set))
}
