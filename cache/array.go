package cache

import (
	"github.com/sarchlab/kilocore/cache/repl"
	"github.com/sarchlab/kilocore/memreq"
)

// SetAssoc is the conventional set-associative array: numSets sets of
// ways each.
type SetAssoc struct {
	ways   int
	sets   int
	lines  []Line
	policy repl.Policy
}

// NewSetAssoc builds a set-associative array of the given total line
// count, split into sets of ways associativity, backed by policy.
func NewSetAssoc(numLines, ways int, policy repl.Policy) *SetAssoc {
	if numLines%ways != 0 {
		panic("cache: numLines must be a multiple of ways")
	}
	return &SetAssoc{
		ways:   ways,
		sets:   numLines / ways,
		lines:  make([]Line, numLines),
		policy: policy,
	}
}

func (a *SetAssoc) setOf(addr uint64) int { return int(addr) % a.sets }

func (a *SetAssoc) Lookup(addr uint64, updateRepl bool) int {
	set := a.setOf(addr)
	base := set * a.ways
	for w := 0; w < a.ways; w++ {
		idx := base + w
		if a.lines[idx].Valid && a.lines[idx].Tag == addr {
			if updateRepl {
				a.policy.Touch(idx)
			}
			return idx
		}
	}
	return -1
}

func (a *SetAssoc) Preinsert(addr uint64) int {
	set := a.setOf(addr)
	base := set * a.ways
	candidates := make([]int, a.ways)
	for w := 0; w < a.ways; w++ {
		candidates[w] = base + w
	}
	return a.policy.Victim(candidates)
}

func (a *SetAssoc) Postinsert(addr uint64, idx int, state memreq.MESIState) {
	a.lines[idx] = Line{Valid: true, Tag: addr, State: state}
	a.policy.Touch(idx)
}

func (a *SetAssoc) Line(idx int) *Line { return &a.lines[idx] }
func (a *SetAssoc) NumLines() int      { return len(a.lines) }

// ZCache is a skewed-associative array: each of K hash functions maps
// addr to a candidate line in a disjoint bank, so a victim can be chosen
// from K*ways candidates spread across banks rather than one set.
type ZCache struct {
	ways    int
	banks   int
	perBank int
	lines   []Line
	policy  repl.Policy
}

// NewZCache builds a K-way skewed-associative array with banks hash
// functions, each bank holding perBank sets of ways associativity.
func NewZCache(banks, perBank, ways int, policy repl.Policy) *ZCache {
	return &ZCache{
		ways:    ways,
		banks:   banks,
		perBank: perBank,
		lines:   make([]Line, banks*perBank*ways),
		policy:  policy,
	}
}

func (z *ZCache) hash(bank int, addr uint64) int {
	h := addr ^ (addr >> uint(7+3*bank)) ^ uint64(bank)*0x9E3779B97F4A7C15
	return int(h % uint64(z.perBank))
}

func (z *ZCache) candidates(addr uint64) []int {
	out := make([]int, 0, z.banks*z.ways)
	for b := 0; b < z.banks; b++ {
		set := z.hash(b, addr)
		base := (b*z.perBank + set) * z.ways
		for w := 0; w < z.ways; w++ {
			out = append(out, base+w)
		}
	}
	return out
}

func (z *ZCache) Lookup(addr uint64, updateRepl bool) int {
	for _, idx := range z.candidates(addr) {
		if z.lines[idx].Valid && z.lines[idx].Tag == addr {
			if updateRepl {
				z.policy.Touch(idx)
			}
			return idx
		}
	}
	return -1
}

func (z *ZCache) Preinsert(addr uint64) int { return z.policy.Victim(z.candidates(addr)) }

func (z *ZCache) Postinsert(addr uint64, idx int, state memreq.MESIState) {
	z.lines[idx] = Line{Valid: true, Tag: addr, State: state}
	z.policy.Touch(idx)
}

func (z *ZCache) Line(idx int) *Line { return &z.lines[idx] }
func (z *ZCache) NumLines() int      { return len(z.lines) }

// IdealLRUArray is a fully-associative array used for characterization
// (unbounded ways, one global LRU order).
type IdealLRUArray struct {
	lines  []Line
	policy repl.Policy
}

func NewIdealLRUArray(numLines int, policy repl.Policy) *IdealLRUArray {
	return &IdealLRUArray{lines: make([]Line, numLines), policy: policy}
}

func (i *IdealLRUArray) Lookup(addr uint64, updateRepl bool) int {
	for idx := range i.lines {
		if i.lines[idx].Valid && i.lines[idx].Tag == addr {
			if updateRepl {
				i.policy.Touch(idx)
			}
			return idx
		}
	}
	return -1
}

func (i *IdealLRUArray) Preinsert(addr uint64) int {
	all := make([]int, len(i.lines))
	for idx := range all {
		all[idx] = idx
	}
	return i.policy.Victim(all)
}

func (i *IdealLRUArray) Postinsert(addr uint64, idx int, state memreq.MESIState) {
	i.lines[idx] = Line{Valid: true, Tag: addr, State: state}
	i.policy.Touch(idx)
}

func (i *IdealLRUArray) Line(idx int) *Line { return &i.lines[idx] }
func (i *IdealLRUArray) NumLines() int      { return len(i.lines) }
