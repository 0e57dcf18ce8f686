// Package factory maintains the Factory Tracker (§4.4): a two-tier set
// of child contract addresses discovered from factory logs, kept
// consistent across reorg rewinds and finalization promotions by full
// recomputation from cached per-block factory logs rather than
// incremental reverse-deltas (§4.4 rationale).
package factory

import (
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"chainsync/internal/filter"
)

// DiscoveredChild is one child address decoded from a factory-matching
// log in a specific block.
type DiscoveredChild struct {
	FactoryName string
	Address     string // lowercase
}

// Tracker implements filter.Membership and owns the finalized/unfinalized
// child-address sets for every configured factory.
type Tracker struct {
	mu sync.RWMutex

	finalized   map[string]mapset.Set[string] // factory name -> children
	unfinalized map[string]mapset.Set[string]

	// blockChildren caches, per unfinalized block hash, the children
	// discovered in that block — the source of truth recomputation reads
	// from on every reorg rewind and finalize promotion.
	blockChildren map[string][]DiscoveredChild
}

// NewTracker creates a Tracker with empty sets for every declared factory.
func NewTracker(factories []*filter.Factory) *Tracker {
	t := &Tracker{
		finalized:     make(map[string]mapset.Set[string]),
		unfinalized:   make(map[string]mapset.Set[string]),
		blockChildren: make(map[string][]DiscoveredChild),
	}
	for _, f := range factories {
		t.finalized[f.Name] = mapset.NewSet[string]()
		t.unfinalized[f.Name] = mapset.NewSet[string]()
	}
	return t
}

// Contains implements filter.Membership: address is a member of f's
// tracked set iff it appears in either the finalized or unfinalized
// child-address set.
func (t *Tracker) Contains(f *filter.Factory, address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	address = strings.ToLower(address)
	if s, ok := t.finalized[f.Name]; ok && s.Contains(address) {
		return true
	}
	if s, ok := t.unfinalized[f.Name]; ok && s.Contains(address) {
		return true
	}
	return false
}

// RecordBlock caches the children discovered in blockHash and folds them
// into the unfinalized sets. Called once per ingested block (§4.5 happy
// path step a).
func (t *Tracker) RecordBlock(blockHash string, children []DiscoveredChild) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.blockChildren[blockHash] = children
	for _, c := range children {
		s, ok := t.unfinalized[c.FactoryName]
		if !ok {
			s = mapset.NewSet[string]()
			t.unfinalized[c.FactoryName] = s
		}
		s.Add(c.Address)
	}
}

// Promote moves the cached children of the given (now finalized) block
// hashes into the finalized sets, drops their cache entries, and
// recomputes the unfinalized sets from the blocks that remain
// unfinalized (§4.5 happy-path finalization step).
func (t *Tracker) Promote(promotedHashes []string, remainingHashes []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, hash := range promotedHashes {
		for _, c := range t.blockChildren[hash] {
			s, ok := t.finalized[c.FactoryName]
			if !ok {
				s = mapset.NewSet[string]()
				t.finalized[c.FactoryName] = s
			}
			s.Add(c.Address)
		}
		delete(t.blockChildren, hash)
	}
	t.recomputeUnfinalizedLocked(remainingHashes)
}

// Rewind drops the cached children of reorged-away block hashes and
// recomputes the unfinalized sets from the surviving block hashes
// (§4.5 reorg path steps d-e).
func (t *Tracker) Rewind(reorgedHashes []string, survivingHashes []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, hash := range reorgedHashes {
		delete(t.blockChildren, hash)
	}
	t.recomputeUnfinalizedLocked(survivingHashes)
}

func (t *Tracker) recomputeUnfinalizedLocked(remainingHashes []string) {
	fresh := make(map[string]mapset.Set[string], len(t.unfinalized))
	for name := range t.unfinalized {
		fresh[name] = mapset.NewSet[string]()
	}
	for _, hash := range remainingHashes {
		for _, c := range t.blockChildren[hash] {
			s, ok := fresh[c.FactoryName]
			if !ok {
				s = mapset.NewSet[string]()
				fresh[c.FactoryName] = s
			}
			s.Add(c.Address)
		}
	}
	t.unfinalized = fresh
}

// Reset clears every finalized and unfinalized set and the block-children
// cache. Invariant 2 (§3) notes finalizedChildAddresses is append-only
// "except across explicit reset" — this is that escape hatch, used when a
// pipeline is fully rebootstrapped from a fresh finalized checkpoint.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for name := range t.finalized {
		t.finalized[name] = mapset.NewSet[string]()
	}
	for name := range t.unfinalized {
		t.unfinalized[name] = mapset.NewSet[string]()
	}
	t.blockChildren = make(map[string][]DiscoveredChild)
}

// FinalizedChildren returns a snapshot of the finalized child addresses
// for factory name (read-only accessor, §6).
func (t *Tracker) FinalizedChildren(name string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.finalized[name]
	if !ok {
		return nil
	}
	return s.ToSlice()
}

// UnfinalizedChildren returns a snapshot of the unfinalized child
// addresses for factory name (read-only accessor, §6).
func (t *Tracker) UnfinalizedChildren(name string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.unfinalized[name]
	if !ok {
		return nil
	}
	return s.ToSlice()
}

// BlockChildren returns the cached children discovered in blockHash, for
// tests and introspection.
func (t *Tracker) BlockChildren(blockHash string) []DiscoveredChild {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blockChildren[blockHash]
}
