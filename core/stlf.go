package core

import "github.com/sarchlab/kilocore/memreq"

// stlfSize is the 32-entry direct-mapped store-to-load forwarding table
//, keyed by (addr>>2) mod 32.
const stlfSize = 32

type stlfEntry struct {
	addr      uint64
	storeDone memreq.Cycle
	valid     bool
}

// STLF is the direct-mapped store-to-load forwarding table.
type STLF struct {
	table [stlfSize]stlfEntry
}

func stlfHash(addr uint64) int { return int((addr >> 2) % stlfSize) }

// Record installs a completed store's address and completion cycle.
func (s *STLF) Record(addr uint64, storeDone memreq.Cycle) {
	h := stlfHash(addr)
	s.table[h] = stlfEntry{addr: addr, storeDone: storeDone, valid: true}
}

// Lookup returns the forwarded store-completion cycle for addr if the
// direct-mapped slot currently holds a matching entry.
func (s *STLF) Lookup(addr uint64) (storeDone memreq.Cycle, ok bool) {
	h := stlfHash(addr)
	e := s.table[h]
	if !e.valid || e.addr != addr {
		return 0, false
	}
	return e.storeDone, true
}
