// Package memreq defines the coherence message exchanged across cache
// levels and the DRAM backends beneath them.
package memreq

import "sync"

// AccessType is the coherence message type carried by a Req.
type AccessType int

const (
	// GETS requests a line in shared state.
	GETS AccessType = iota
	// GETX requests a line in exclusive/modified state.
	GETX
	// PUTS downgrades/evicts a clean (shared) line.
	PUTS
	// PUTX writes back a dirty (modified) line.
	PUTX
)

func (t AccessType) String() string {
	switch t {
	case GETS:
		return "GETS"
	case GETX:
		return "GETX"
	case PUTS:
		return "PUTS"
	case PUTX:
		return "PUTX"
	default:
		return "UNKNOWN"
	}
}

// Flags is a bitmask of request modifiers.
type Flags uint32

const (
	// InstructionFetch marks a request issued by the L1I path.
	InstructionFetch Flags = 1 << iota
	// NoExclusive asks the controller not to grant exclusive ownership
	// even if it could (used by read-only requesters).
	NoExclusive
	// Prefetch marks a request issued speculatively by a prefetcher.
	Prefetch
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MESIState is the coherence state carried by a cache line or a request's
// "initial state" field.
type MESIState int

const (
	Invalid MESIState = iota
	Shared
	Exclusive
	Modified
)

func (s MESIState) String() string {
	switch s {
	case Invalid:
		return "I"
	case Shared:
		return "S"
	case Exclusive:
		return "E"
	case Modified:
		return "M"
	default:
		return "?"
	}
}

// Cycle is a discrete simulated clock tick. It is a named uint64 so
// cycle arithmetic stays plain integer arithmetic.
type Cycle uint64

// Req is the message a core or a lower-level cache issues to the next
// level.
type Req struct {
	LineAddr     uint64
	Type         AccessType
	ChildID      uint32
	ChildState   *MESIState
	Cycle        Cycle
	Lock         sync.Locker
	InitialState MESIState
	SrcCore      uint32
	Flags        Flags
}

// InvType distinguishes the two kinds of downward coherence messages a
// controller can send to evict or downgrade a child's line.
type InvType int

const (
	// Invalidate fully revokes the child's copy.
	Invalidate InvType = iota
	// Downgrade demotes Modified/Exclusive to Shared, keeping readability.
	Downgrade
)

// InvReq is sent down the hierarchy to invalidate or downgrade a line
// held by a child cache.
type InvReq struct {
	LineAddr     uint64
	Type         InvType
	ReqWriteback bool
	Cycle        Cycle
	SrcID        uint32
}

// AccessPath is the contract every cache level (and ultimately the DRAM
// backend) exposes to the level above it: a synchronous function call
// that returns the cycle at which the requested line becomes available.
//
//go:generate mockgen -write_package_comment=false -package=core_test -destination=../core/mock_accesspath_test.go github.com/sarchlab/kilocore/memreq AccessPath
type AccessPath interface {
	Access(req Req) Cycle
}
