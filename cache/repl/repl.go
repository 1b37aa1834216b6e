// Package repl implements the cache replacement-policy family: LRU,
// NRU, Random, LFU, tree-LRU, IdealLRU, and the partitioned variants
// (Vantage, WayPart, IdealLRUPart) that consult a UMON-style
// miss-curve monitor.
package repl

import "math/rand"

// Policy picks a victim among a set of candidate line indices and is
// notified whenever a line is touched (hit or fresh install).
type Policy interface {
	Touch(idx int)
	Victim(candidates []int) int
}

// LRU keeps a logical access-order timestamp per line.
type LRU struct {
	clock int64
	stamp map[int]int64
}

func NewLRU() *LRU { return &LRU{stamp: make(map[int]int64)} }

func (p *LRU) Touch(idx int) {
	p.clock++
	p.stamp[idx] = p.clock
}

func (p *LRU) Victim(candidates []int) int {
	best := candidates[0]
	bestStamp := p.stamp[best]
	for _, idx := range candidates[1:] {
		if p.stamp[idx] < bestStamp {
			best = idx
			bestStamp = p.stamp[idx]
		}
	}
	return best
}

// NRU is the 1-bit not-recently-used approximation: touched lines set
// their bit; Victim prefers an unset bit, clearing all bits in the
// candidate set once every one is set (a cheap LRU approximation).
type NRU struct {
	recent map[int]bool
}

func NewNRU() *NRU { return &NRU{recent: make(map[int]bool)} }

func (p *NRU) Touch(idx int) { p.recent[idx] = true }

func (p *NRU) Victim(candidates []int) int {
	for _, idx := range candidates {
		if !p.recent[idx] {
			return idx
		}
	}
	for _, idx := range candidates {
		p.recent[idx] = false
	}
	p.recent[candidates[0]] = true
	return candidates[0]
}

// Random picks a uniformly random candidate.
type Random struct{ rng *rand.Rand }

func NewRandom(seed int64) *Random { return &Random{rng: rand.New(rand.NewSource(seed))} }

func (p *Random) Touch(idx int) {}

func (p *Random) Victim(candidates []int) int {
	return candidates[p.rng.Intn(len(candidates))]
}

// LFU evicts the line with the fewest accesses.
type LFU struct {
	freq map[int]uint64
}

func NewLFU() *LFU { return &LFU{freq: make(map[int]uint64)} }

func (p *LFU) Touch(idx int) { p.freq[idx]++ }

func (p *LFU) Victim(candidates []int) int {
	best := candidates[0]
	for _, idx := range candidates[1:] {
		if p.freq[idx] < p.freq[best] {
			best = idx
		}
	}
	return best
}

// TreeLRU approximates LRU with one MRU bit per line: Victim returns the
// first candidate whose bit is clear and, once every candidate's bit is
// set, clears them all and returns the first candidate. It keeps no
// binary tree of per-node bits, so its cost is linear in the number of
// candidates.
type TreeLRU struct {
	bits map[int]bool // keyed by (way-index) bit position; simplified per-index MRU flag
}

func NewTreeLRU() *TreeLRU { return &TreeLRU{bits: make(map[int]bool)} }

func (p *TreeLRU) Touch(idx int) { p.bits[idx] = true }

func (p *TreeLRU) Victim(candidates []int) int {
	for _, idx := range candidates {
		if !p.bits[idx] {
			return idx
		}
	}
	for _, idx := range candidates {
		p.bits[idx] = false
	}
	return candidates[0]
}

// IdealLRU is a perfect stack-distance LRU, used as the oracle baseline
// the partitioned policies compare against; mechanically identical to
// LRU here since Go has no reason to approximate it.
type IdealLRU struct{ *LRU }

func NewIdealLRU() *IdealLRU { return &IdealLRU{LRU: NewLRU()} }
