package filter

import "strings"

// MatchLog implements the log filter predicate (§4.1): block number in
// range, each topic constraint satisfied, and the address constraint
// matched either directly or via factory child-address membership.
func MatchLog(f *LogFilter, rec *LogRecord, m Membership) bool {
	if !f.Range.Contains(rec.BlockNumber) {
		return false
	}
	if !matchTopic(f.Topic0, rec, 0) {
		return false
	}
	if !matchTopic(f.Topic1, rec, 1) {
		return false
	}
	if !matchTopic(f.Topic2, rec, 2) {
		return false
	}
	if !matchTopic(f.Topic3, rec, 3) {
		return false
	}
	return matchAddressWithMembership(f.Address, rec.Address, true, m)
}

// MatchLogWeak matches like MatchLog but treats a factory-referenced
// address as a wildcard instead of resolving membership (§4.3 step 4:
// the Block Fetcher's weak pre-filter, used only to compute a superset
// of candidate transaction hashes before the real, membership-aware
// match happens at Pipeline ingest time).
func MatchLogWeak(f *LogFilter, rec *LogRecord) bool {
	if !f.Range.Contains(rec.BlockNumber) {
		return false
	}
	if !matchTopic(f.Topic0, rec, 0) {
		return false
	}
	if !matchTopic(f.Topic1, rec, 1) {
		return false
	}
	if !matchTopic(f.Topic2, rec, 2) {
		return false
	}
	if !matchTopic(f.Topic3, rec, 3) {
		return false
	}
	return matchAddressLenient(f.Address, rec.Address, true)
}

func matchTopic(c ValueConstraint, rec *LogRecord, idx int) bool {
	v, present := rec.Topic(idx)
	return c.Matches(v, present)
}

// MatchFactoryLog implements the log-factory predicate (§4.1): the log's
// address lies in the factory's address set and its topic0 equals the
// factory's event selector.
func MatchFactoryLog(f *Factory, rec *LogRecord) bool {
	if !f.Range.Contains(rec.BlockNumber) {
		return false
	}
	addr := strings.ToLower(rec.Address)
	found := false
	for _, a := range f.Addresses {
		if a == addr {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	topic0, present := rec.Topic(0)
	if !present {
		return false
	}
	return strings.EqualFold(topic0, f.EventSelector)
}

// ExtractChildAddress decodes the child contract address from a log
// already known to match this factory's selector, per the factory's
// configured extractor (topic index or data offset).
func (f *Factory) ExtractChildAddress(rec *LogRecord) (string, bool) {
	if f.ChildTopicIndex >= 0 {
		v, present := rec.Topic(f.ChildTopicIndex)
		if !present || len(v) < 42 {
			return "", false
		}
		// Topics encode addresses left-padded to 32 bytes; the address is
		// the trailing 20 bytes (40 hex chars). The "0x" prefix matches the
		// form of LogRecord.Address that membership is checked against.
		return "0x" + strings.ToLower(v[len(v)-40:]), true
	}
	off := f.ChildDataOffset
	if off < 0 || off+20 > len(rec.Data) {
		return "", false
	}
	return "0x" + hexLower(rec.Data[off:off+20]), true
}

// MatchTransaction implements the transaction filter predicate (§4.1):
// in-range, fromAddress/toAddress matched leniently (factory references
// wildcard, per the TransactionFilter TODO and DESIGN.md's Open Question
// decision), and a missing `to` (contract creation) failing any
// non-absent toAddress constraint.
func MatchTransaction(f *TransactionFilter, rec *TxRecord) bool {
	if !f.Range.Contains(rec.BlockNumber) {
		return false
	}
	if !matchAddressLenient(f.FromAddress, rec.From, true) {
		return false
	}
	toPresent := rec.To != nil
	toValue := ""
	if toPresent {
		toValue = *rec.To
	}
	return matchAddressLenient(f.ToAddress, toValue, toPresent)
}

// MatchTrace implements the trace filter predicate (§4.1): in-range,
// fromAddress/toAddress matched leniently (factory references wildcard,
// per the TraceFilter TODO), callType equality, and an optional function
// selector match against the first four bytes of input.
func MatchTrace(f *TraceFilter, rec *TraceRecord) bool {
	if !f.Range.Contains(rec.BlockNumber) {
		return false
	}
	if !matchAddressLenient(f.FromAddress, rec.From, true) {
		return false
	}
	if !matchAddressLenient(f.ToAddress, rec.To, true) {
		return false
	}
	if !f.CallType.Matches(rec.CallType, rec.CallType != "") {
		return false
	}
	sel, present := rec.Selector()
	return f.FunctionSelector.Matches(sel, present)
}

// MatchTransfer implements the transfer filter predicate (§4.1): like
// TraceFilter but requires a non-zero value and ignores callType/selector.
func MatchTransfer(f *TransferFilter, rec *TraceRecord) bool {
	if !f.Range.Contains(rec.BlockNumber) {
		return false
	}
	if !rec.HasValue() {
		return false
	}
	if !matchAddressLenient(f.FromAddress, rec.From, true) {
		return false
	}
	return matchAddressLenient(f.ToAddress, rec.To, true)
}

// MatchBlock implements the block filter predicate (§4.1): in-range and
// (number - offset) mod interval == 0.
func MatchBlock(f *BlockFilter, number uint64) bool {
	if !f.Range.Contains(number) {
		return false
	}
	if f.Interval == 0 {
		return false
	}
	if number < f.Offset {
		return false
	}
	return (number-f.Offset)%f.Interval == 0
}

func matchAddressWithMembership(ac AddressConstraint, candidate string, present bool, m Membership) bool {
	if ac.IsFactoryRef() {
		if !present || m == nil {
			return false
		}
		return m.Contains(ac.Factory, strings.ToLower(candidate))
	}
	return ac.Direct.Matches(candidate, present)
}

// matchAddressLenient treats a factory reference as a wildcard rather
// than resolving membership, per the TraceFilter/TransferFilter TODO.
func matchAddressLenient(ac AddressConstraint, candidate string, present bool) bool {
	if ac.IsFactoryRef() {
		return true
	}
	return ac.Direct.Matches(candidate, present)
}
