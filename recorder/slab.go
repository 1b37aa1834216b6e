package recorder

// Slab is the per-recorder arena for Events: it owns every Event from
// allocation until the arena generation it belongs to is rotated out.
// Two generations are kept live because a draining chain's
// tail may still be referenced one phase after it completed; rotating
// at each phase end frees the generation before last, which is
// guaranteed dead. Events recycle through a freelist rather than being
// individually freed, so the arena owns every event it hands out.
type Slab struct {
	freeList []*Event
	cur      []*Event
	prev     []*Event
}

// NewSlab creates an empty slab.
func NewSlab() *Slab {
	return &Slab{}
}

// Alloc returns a zeroed Event ready for Init, charged to the current
// generation.
func (s *Slab) Alloc() *Event {
	var ev *Event
	if n := len(s.freeList); n > 0 {
		ev = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		ev = &Event{}
	}
	s.cur = append(s.cur, ev)
	return ev
}

// Live reports the number of events in the two live generations.
func (s *Slab) Live() int { return len(s.cur) + len(s.prev) }

// Rotate retires the before-last generation to the freelist and starts
// a new one. Call once per phase, after the weave has drained.
func (s *Slab) Rotate() {
	for _, ev := range s.prev {
		ev.Sim = nil
		ev.children = ev.children[:0]
		s.freeList = append(s.freeList, ev)
	}
	s.prev = s.cur
	s.cur = nil
}

// Reset drops every live event (used when a phase aborts or a test
// wants a clean slate); it does not validate that the DAG was fully
// drained, the caller is responsible for that.
func (s *Slab) Reset() {
	s.freeList = s.freeList[:0]
	s.cur = nil
	s.prev = nil
}
