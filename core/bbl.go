package core

import (
	"github.com/sarchlab/kilocore/bbl"
	"github.com/sarchlab/kilocore/memreq"
)

const fetchToDecodeGap = 1

// OnBbl executes one basic block's OOO simulation: the per-uop
// issue/dispatch/commit algorithm, correct-path instruction fetch, and
// the issue-chain wiring into the recorder. loadAddrs/storeAddrs are
// consumed in program order, one per load/store uop encountered.
func (c *Core) OnBbl(addr uint64, info *bbl.Info, loadAddrs, storeAddrs []uint64) {
	if info.IsEmpty() {
		return
	}

	c.fetchCorrectPath(addr, info)

	var loadIdx, storeIdx int
	blockDecodeBase := c.decodeCycle

	for _, u := range info.Uops {
		c.decodeCycle = blockDecodeBase + memreq.Cycle(u.DecodeCycle)
		if c.decodeCycle < c.uopQ.minAllocCycle {
			c.decodeCycle = c.uopQ.minAllocCycle
		}

		issueCycle := c.uopQ.throttle(c.decodeCycle)

		c.scoreboard[bbl.Invalid] = c.curCycle

		c0 := c.readyCycle(u.Src[0])
		c1 := c.readyCycle(u.Src[1])
		issueCycle = c.chargeReadPorts(issueCycle, c0, c1)

		dispatchBase := c.rob.minAlloc
		if c.curCycle > dispatchBase {
			dispatchBase = c.curCycle
		}
		dispatchCycle := maxCycle(c0, c1)
		withStage := dispatchBase + 1 // dispatchStage - issueStage, modeled as 1
		if withStage > dispatchCycle {
			dispatchCycle = withStage
		}
		if issueCycle > dispatchCycle {
			dispatchCycle = issueCycle
		}

		// Roll the window's base with the issue clock so reservations
		// the pipeline has moved past are reclaimed before the new uop
		// claims a slot.
		c.window.AdvanceTo(uint64(c.curCycle))
		scheduledCycle := c.window.Schedule(uint64(dispatchCycle), u.PortMask, u.ExtraSlots)
		dispatchCycle = memreq.Cycle(scheduledCycle)

		commitCycle := c.commitFor(u, dispatchCycle, &loadIdx, &storeIdx, loadAddrs, storeAddrs)

		c.rob.allocate(commitCycle)
		for _, dst := range u.Dst {
			if dst != bbl.Invalid {
				c.scoreboard[dst] = commitCycle
			}
		}
		if commitCycle > c.lastCommit {
			c.lastCommit = commitCycle
		}
		// curCycle is issue-centric: it tracks
		// the scheduler's clock, not retirement, so later uops may
		// dispatch while earlier loads are still outstanding.
		if issueCycle > c.curCycle {
			c.curCycle = issueCycle
		}
	}

	c.instrs += uint64(info.InstrCount)
}

func maxCycle(a, b memreq.Cycle) memreq.Cycle {
	if a > b {
		return a
	}
	return b
}

func (c *Core) readyCycle(reg bbl.RegID) memreq.Cycle {
	if reg == bbl.Invalid {
		return c.curCycle
	}
	ready, ok := c.scoreboard[reg]
	if !ok {
		return c.curCycle
	}
	return ready
}

// chargeReadPorts consumes a register-file read port for every source
// that was not available at issue; exceeding the per-cycle budget
// advances the window one cycle.
func (c *Core) chargeReadPorts(issueCycle, c0, c1 memreq.Cycle) memreq.Cycle {
	late := 0
	if c0 > c.curCycle {
		late++
	}
	if c1 > c.curCycle {
		late++
	}
	if late == 0 {
		return issueCycle
	}
	if issueCycle > c.regPortCycle {
		c.regPortCycle = issueCycle
		c.regPortsUsed = 0
	}
	c.regPortsUsed += late
	for c.regPortsUsed > regReadPorts {
		issueCycle++
		c.regPortCycle = issueCycle
		c.regPortsUsed = late
	}
	return issueCycle
}

// commitFor computes commitCycle by uop type.
func (c *Core) commitFor(u bbl.Uop, dispatchCycle memreq.Cycle, loadIdx, storeIdx *int, loadAddrs, storeAddrs []uint64) memreq.Cycle {
	switch u.Type {
	case bbl.Load:
		addr := nextAddr(loadAddrs, loadIdx)
		if addr == IgnoredAddr {
			return dispatchCycle + memreq.Cycle(u.Latency)
		}
		wait := c.lq.waitForSlot(dispatchCycle)
		if c.lastStoreAddrCommit > wait {
			wait = c.lastStoreAddrCommit
		}
		respCycle := c.l1d.Access(memreq.Req{LineAddr: addr, Type: memreq.GETS, Cycle: wait, SrcCore: uint32(c.ID)})
		respCycle += l1dLatency
		c.crec.RecordAccess(c.curCycle, wait, respCycle)
		if fwd, ok := c.stlf.Lookup(addr); ok && fwd > respCycle {
			respCycle = fwd
		}
		c.lq.occupy(respCycle)
		return respCycle
	case bbl.Store:
		addr := nextAddr(storeAddrs, storeIdx)
		if addr == IgnoredAddr {
			return dispatchCycle + memreq.Cycle(u.Latency)
		}
		wait := c.sq.waitForSlot(dispatchCycle)
		if c.lastStoreAddrCommit > wait {
			wait = c.lastStoreAddrCommit
		}
		respCycle := c.l1d.Access(memreq.Req{LineAddr: addr, Type: memreq.GETX, Cycle: wait, SrcCore: uint32(c.ID)})
		c.crec.RecordAccess(c.curCycle, wait, respCycle)
		c.stlf.Record(addr, respCycle)
		c.sq.occupy(respCycle)
		c.lastStoreCommit = respCycle
		return respCycle
	case bbl.StoreAddr:
		commit := dispatchCycle + memreq.Cycle(u.Latency)
		c.lastStoreAddrCommit = commit
		return commit
	case bbl.Fence:
		// A fence raises both store barriers, serializing every
		// subsequent load and store behind it.
		commit := dispatchCycle + memreq.Cycle(u.Latency)
		c.lastStoreAddrCommit = commit
		if commit > c.lastStoreCommit {
			c.lastStoreCommit = commit
		}
		return commit
	default:
		return dispatchCycle + memreq.Cycle(u.Latency)
	}
}

func nextAddr(addrs []uint64, idx *int) uint64 {
	if *idx >= len(addrs) {
		return 0
	}
	a := addrs[*idx]
	*idx++
	return a
}

// fetchCorrectPath fetches every 64-byte line of the current BBL
// through the L1I, throttled to 16 bytes/cycle, and bumps decodeCycle
// at least one cycle past fetch completion plus the fetch-to-decode
// stage gap.
func (c *Core) fetchCorrectPath(addr uint64, info *bbl.Info) {
	numLines := (info.ByteLength + fetchLineBytes - 1) / fetchLineBytes
	fetchCycle := c.curCycle
	for i := uint32(0); i < numLines; i++ {
		lineAddr := addr + uint64(i*fetchLineBytes)
		respCycle := c.l1i.Access(memreq.Req{
			LineAddr: lineAddr,
			Type:     memreq.GETS,
			Cycle:    fetchCycle,
			SrcCore:  uint32(c.ID),
			Flags:    memreq.InstructionFetch,
		})
		c.crec.RecordAccess(fetchCycle, fetchCycle, respCycle)
		fetchCycle = respCycle + memreq.Cycle(fetchLineBytes/fetchBytesPerCycle)
	}
	if fetchCycle+fetchToDecodeGap > c.decodeCycle {
		c.decodeCycle = fetchCycle + fetchToDecodeGap
	}
}

// FetchWrongPath simulates up to 5 wrong-path cache-line fetches from
// wrongTarget through the L1I when the branch predictor mispredicted,
// stopping as soon as a response cycle exceeds lastCommitCycle.
func (c *Core) FetchWrongPath(wrongTarget uint64) {
	fetchCycle := c.curCycle
	for i := 0; i < wrongPathMaxLines; i++ {
		lineAddr := wrongTarget + uint64(i*fetchLineBytes)
		respCycle := c.l1i.Access(memreq.Req{
			LineAddr: lineAddr,
			Type:     memreq.GETS,
			Cycle:    fetchCycle,
			SrcCore:  uint32(c.ID),
			Flags:    memreq.InstructionFetch,
		})
		c.crec.RecordAccess(fetchCycle, fetchCycle, respCycle)
		fetchCycle = respCycle + memreq.Cycle(fetchLineBytes/fetchBytesPerCycle)
		if respCycle > c.lastCommit {
			break
		}
	}
}

// OnBranch trains the predictor and, on a misprediction, drives the
// wrong-path fetch simulation.
func (c *Core) OnBranch(pc uint64, taken bool, takenNpc, notTakenNpc uint64) {
	predicted := c.bp.Predict(pc)
	c.bp.Update(pc, taken)
	if predicted != taken {
		wrongTarget := takenNpc
		if taken {
			wrongTarget = notTakenNpc
		}
		c.FetchWrongPath(wrongTarget)
	}
}

