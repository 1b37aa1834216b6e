package repl

// Monitor is a UMON-style miss-curve sampler: it tracks, for a sampled
// subset of sets, hit counts at each of numWays simulated associativity
// levels, letting a partitioner estimate each partition's marginal
// utility from one extra way without actually giving it one.
type Monitor struct {
	numWays int
	hits    map[int][]uint64 // partition id -> hits at each associativity level
}

// NewMonitor creates a monitor tracking numWays simulated associativity
// levels per partition.
func NewMonitor(numWays int) *Monitor {
	return &Monitor{numWays: numWays, hits: make(map[int][]uint64)}
}

// RecordAccess credits a hit at stackDistance (the LRU position the
// access would have hit at, or -1 for a miss) to partition.
func (m *Monitor) RecordAccess(partition, stackDistance int) {
	counts, ok := m.hits[partition]
	if !ok {
		counts = make([]uint64, m.numWays)
		m.hits[partition] = counts
	}
	if stackDistance >= 0 && stackDistance < m.numWays {
		counts[stackDistance]++
	}
}

// MissCurve returns cumulative hits for partition at each way count 1..numWays.
func (m *Monitor) MissCurve(partition int) []uint64 {
	counts := m.hits[partition]
	out := make([]uint64, m.numWays)
	var running uint64
	for i := 0; i < m.numWays; i++ {
		if i < len(counts) {
			running += counts[i]
		}
		out[i] = running
	}
	return out
}

// LookaheadPartitioner re-evaluates way allocations across partitions
// every N phases by a greedy marginal-utility walk over each
// partition's miss curve (Vantage/Utility-based cache partitioning).
type LookaheadPartitioner struct {
	monitor     *Monitor
	totalWays   int
	period      int
	sincePeriod int
	alloc       map[int]int
}

func NewLookaheadPartitioner(monitor *Monitor, totalWays, period int) *LookaheadPartitioner {
	return &LookaheadPartitioner{monitor: monitor, totalWays: totalWays, period: period, alloc: make(map[int]int)}
}

// Tick should be called once per phase; it re-partitions every period
// phases via marginal-utility lookahead.
func (p *LookaheadPartitioner) Tick(partitions []int) {
	p.sincePeriod++
	if p.sincePeriod < p.period {
		return
	}
	p.sincePeriod = 0
	p.repartition(partitions)
}

func (p *LookaheadPartitioner) repartition(partitions []int) {
	curves := make(map[int][]uint64, len(partitions))
	for _, part := range partitions {
		curves[part] = p.monitor.MissCurve(part)
	}
	ways := make(map[int]int, len(partitions))
	for _, part := range partitions {
		ways[part] = 1
	}
	remaining := p.totalWays - len(partitions)
	for remaining > 0 {
		bestPart, bestGain := -1, int64(-1)
		for _, part := range partitions {
			cur := ways[part]
			if cur >= p.monitor.numWays {
				continue
			}
			curve := curves[part]
			gain := int64(curve[cur]) - int64(valueAt(curve, cur-1))
			if gain > bestGain {
				bestGain = gain
				bestPart = part
			}
		}
		if bestPart == -1 {
			break
		}
		ways[bestPart]++
		remaining--
	}
	p.alloc = ways
}

func valueAt(curve []uint64, i int) uint64 {
	if i < 0 {
		return 0
	}
	return curve[i]
}

// WaysFor returns the current way allocation for a partition (0 if
// never repartitioned).
func (p *LookaheadPartitioner) WaysFor(partition int) int { return p.alloc[partition] }

// WayPart is a replacement policy that enforces the partitioner's way
// quotas: a partition occupying more ways than it was allocated gives
// up a line before any partition still within its quota, with plain
// LRU ordering inside the chosen set.
type WayPart struct {
	lru         *LRU
	partitioner *LookaheadPartitioner
	wayOf       func(lineIdx int) int // which way-slot a candidate occupies in its set
	partOf      func(lineIdx int) int // which partition currently owns the line
}

func NewWayPart(partitioner *LookaheadPartitioner, wayOf, partOf func(int) int) *WayPart {
	return &WayPart{lru: NewLRU(), partitioner: partitioner, wayOf: wayOf, partOf: partOf}
}

func (p *WayPart) Touch(idx int) { p.lru.Touch(idx) }

func (p *WayPart) Victim(candidates []int) int {
	if over := p.overQuota(candidates); len(over) > 0 {
		return p.lru.Victim(over)
	}
	return p.lru.Victim(candidates)
}

// overQuota returns the candidates owned by partitions holding more
// ways in this set than the partitioner allocated them. Before the
// first repartition every allocation is zero, so every occupied line
// qualifies and the policy degenerates to plain LRU.
func (p *WayPart) overQuota(candidates []int) []int {
	held := make(map[int]int, len(candidates))
	for _, idx := range candidates {
		held[p.partOf(idx)]++
	}
	var over []int
	for _, idx := range candidates {
		part := p.partOf(idx)
		if held[part] > p.partitioner.WaysFor(part) {
			over = append(over, idx)
		}
	}
	return over
}

// IdealLRUPart is the oracle partitioned policy, used as the comparison
// point for Vantage/WayPart. It embeds WayPart unchanged, so it enforces
// the quotas of whatever partitioner it is given with the same mechanism.
type IdealLRUPart struct {
	*WayPart
}

func NewIdealLRUPart(partitioner *LookaheadPartitioner, wayOf, partOf func(int) int) *IdealLRUPart {
	return &IdealLRUPart{WayPart: NewWayPart(partitioner, wayOf, partOf)}
}

// Vantage implements the soft-partitioning scheme: a small "unmanaged"
// region shared by all partitions absorbs scan-resistant overflow,
// while the rest is allocated per the partitioner's quotas. Victim
// selection prefers unmanaged-region candidates before touching a
// partition's quota.
type Vantage struct {
	*WayPart
	unmanagedWays int
}

func NewVantage(partitioner *LookaheadPartitioner, unmanagedWays int, wayOf, partOf func(int) int) *Vantage {
	return &Vantage{WayPart: NewWayPart(partitioner, wayOf, partOf), unmanagedWays: unmanagedWays}
}

func (v *Vantage) Victim(candidates []int) int {
	var unmanaged []int
	for _, idx := range candidates {
		if v.wayOf(idx) < v.unmanagedWays {
			unmanaged = append(unmanaged, idx)
		}
	}
	if len(unmanaged) > 0 {
		return v.lru.Victim(unmanaged)
	}
	// Managed region: apply the partition quotas.
	return v.WayPart.Victim(candidates)
}
