// Package bloom implements the Bloom Predicate (§4.2): a conservative
// "may-contain" test over a block's logs-bloom, used by the Block
// Fetcher to skip a getLogs RPC call when no configured log filter could
// possibly match. False negatives are forbidden — the predicate only
// ever says "maybe" or "definitely not".
package bloom

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"chainsync/internal/filter"
)

// MayContain reports whether block's logsBloom could contain a log
// satisfying f. An all-zero bloom forces a conservative "true": some
// chains zero the bloom when its contents are empty or unknown, and a
// false negative there would be a correctness bug (§4.2, §8 boundary).
func MayContain(logsBloom types.Bloom, f *filter.LogFilter) bool {
	if logsBloom == (types.Bloom{}) {
		return true
	}

	if !probeAddress(logsBloom, f.Address) {
		return false
	}
	if !probeTopic(logsBloom, f.Topic0) {
		return false
	}
	if !probeTopic(logsBloom, f.Topic1) {
		return false
	}
	if !probeTopic(logsBloom, f.Topic2) {
		return false
	}
	if !probeTopic(logsBloom, f.Topic3) {
		return false
	}
	return true
}

// AnyMayContain reports whether the bloom could satisfy at least one of
// filters. Used by the Block Fetcher to decide whether to skip getLogs
// entirely for a block (§4.3 step 1): it may skip only when every
// configured filter is ruled out.
func AnyMayContain(logsBloom types.Bloom, filters []*filter.LogFilter) bool {
	if logsBloom == (types.Bloom{}) {
		return true
	}
	if len(filters) == 0 {
		return false
	}
	for _, f := range filters {
		if MayContain(logsBloom, f) {
			return true
		}
	}
	return false
}

// ShouldFetchLogs decides §4.3 step 1's RPC-skip test over the full
// configured Set: fetch unless the bloom is nonzero and rules out every
// log filter and every factory's discovery selector.
func ShouldFetchLogs(logsBloom types.Bloom, sources *filter.Set) bool {
	if logsBloom == (types.Bloom{}) {
		return true
	}
	if len(sources.Logs) == 0 && len(sources.Factories) == 0 {
		return false
	}
	if AnyMayContain(logsBloom, sources.Logs) {
		return true
	}
	for _, f := range sources.Factories {
		if factoryMayContain(logsBloom, f) {
			return true
		}
	}
	return false
}

func factoryMayContain(logsBloom types.Bloom, f *filter.Factory) bool {
	addrHit := false
	for _, addr := range f.Addresses {
		if types.BloomLookup(logsBloom, common.BytesToAddress(hexToBytes(addr))) {
			addrHit = true
			break
		}
	}
	if !addrHit {
		return false
	}
	return types.BloomLookup(logsBloom, common.BytesToHash(hexToBytes(f.EventSelector)))
}

// probeAddress only constrains the bloom when the address constraint is
// fully specified (a direct, non-empty, single-or-many address list).
// Absent constraints and factory references can't be probed — a factory
// reference's child set isn't known until logs are fetched, so it must
// always be treated as "maybe".
func probeAddress(logsBloom types.Bloom, ac filter.AddressConstraint) bool {
	if ac.IsFactoryRef() {
		return true
	}
	if ac.Direct.Absent() {
		return true
	}
	if len(ac.Direct.Values) == 0 {
		// Explicit empty list: matches nothing, so the bloom can't help
		// either way — treat as non-constraining rather than risk a
		// false negative on an edge case the predicate isn't meant to
		// special-case.
		return true
	}
	for _, addr := range ac.Direct.Values {
		if types.BloomLookup(logsBloom, common.BytesToAddress(hexToBytes(addr))) {
			return true
		}
	}
	return false
}

func probeTopic(logsBloom types.Bloom, c filter.ValueConstraint) bool {
	if c.Absent() {
		return true
	}
	if len(c.Values) == 0 {
		return true
	}
	for _, topic := range c.Values {
		if types.BloomLookup(logsBloom, common.BytesToHash(hexToBytes(topic))) {
			return true
		}
	}
	return false
}

func hexToBytes(s string) []byte {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexVal(s[i*2])
		lo := hexVal(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
