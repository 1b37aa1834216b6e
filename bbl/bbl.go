// Package bbl defines the immutable basic-block descriptors the front end
// hands to the core timing model: instruction counts, byte lengths, and
// the OOO decoding of each block into a sequence of micro-ops.
package bbl

// RegID is an index into the flat architectural-register-plus-reserved
// namespace. Register 0 is the architecturally invalid register: writes
// to it are discarded and the scoreboard entry for it is always "ready
// now".
type RegID int32

// Invalid is the reserved always-ready register.
const Invalid RegID = 0

// Reserved temporary classes live past the architectural register file so
// that load/store/store-address/execution-chain intermediates never alias
// a real register.
const (
	FirstArchReg  RegID = 1
	NumArchRegs   RegID = 256
	TmpLoad       RegID = FirstArchReg + NumArchRegs
	TmpStore      RegID = TmpLoad + 1
	TmpStoreAddr  RegID = TmpStore + 1
	TmpExecChain  RegID = TmpStoreAddr + 1
	NumReservedRg RegID = 4
)

// UopType tags the kind of timing behavior a micro-op has.
type UopType int

const (
	General UopType = iota
	Load
	Store
	StoreAddr
	Fence
)

func (t UopType) String() string {
	switch t {
	case General:
		return "general"
	case Load:
		return "load"
	case Store:
		return "store"
	case StoreAddr:
		return "store-address"
	case Fence:
		return "fence"
	default:
		return "unknown"
	}
}

// Port is a bitmask of execution ports a uop may be scheduled on.
type Port uint32

// HasPort reports whether p includes execution port index idx.
func (p Port) HasPort(idx uint) bool { return p&(1<<idx) != 0 }

// Uop is one micro-op within a basic block's OOO decoding.
type Uop struct {
	// Src/Dst hold up to two register operands each; unused slots are
	// bbl.Invalid.
	Src [2]RegID
	Dst [2]RegID

	Latency     uint32
	DecodeCycle uint32 // offset relative to the block's first uop
	Type        UopType
	PortMask    Port
	ExtraSlots  uint32 // additional non-pipelined occupancy cycles
}

// Info is the immutable per-basic-block record produced by the
// instruction decoder and consumed by core.Core.
type Info struct {
	InstrCount uint32
	ByteLength uint32
	Uops       []Uop
}

// IsEmpty reports whether the block carries no uops.
func (b *Info) IsEmpty() bool { return len(b.Uops) == 0 }
