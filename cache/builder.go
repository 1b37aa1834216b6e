package cache

import (
	"github.com/sarchlab/kilocore/cache/repl"
	"github.com/sarchlab/kilocore/memreq"
)

// Builder assembles one cache level with a fluent WithX/Build API: the
// array geometry, hit latency, parent access paths, replacement policy,
// recorder source, and an optional stream prefetcher that issues its
// speculative fetches back through the built cache.
type Builder struct {
	name     string
	lines    int
	ways     int
	latency  memreq.Cycle
	parents  []memreq.AccessPath
	policy   repl.Policy
	recs     RecorderSource
	prefetch bool
}

// MakeBuilder returns a Builder with a small default geometry; every
// WithX call returns the updated Builder value for chaining.
func MakeBuilder() Builder {
	return Builder{lines: 512, ways: 8, latency: 4}
}

func (b Builder) WithName(name string) Builder { b.name = name; return b }

// WithGeometry sets the total line count and associativity.
func (b Builder) WithGeometry(lines, ways int) Builder {
	b.lines = lines
	b.ways = ways
	return b
}

func (b Builder) WithLatency(latency memreq.Cycle) Builder { b.latency = latency; return b }

func (b Builder) WithParents(parents ...memreq.AccessPath) Builder {
	b.parents = parents
	return b
}

func (b Builder) WithPolicy(policy repl.Policy) Builder { b.policy = policy; return b }

func (b Builder) WithRecorderSource(recs RecorderSource) Builder { b.recs = recs; return b }

// WithStreamPrefetcher attaches a stream prefetcher to the built cache,
// wired to issue its prefetch accesses through the cache itself so
// prefetched lines install and time like demand fetches.
func (b Builder) WithStreamPrefetcher() Builder { b.prefetch = true; return b }

// Build constructs the cache level.
func (b Builder) Build() *Cache {
	policy := b.policy
	if policy == nil {
		policy = repl.NewLRU()
	}
	arr := NewSetAssoc(b.lines, b.ways, policy)
	c := NewCache(b.name, arr, NewCC(b.latency, b.parents...), b.recs)
	if b.prefetch {
		c.AttachPrefetcher(NewPrefetcher(c))
	}
	return c
}
