package core

import (
	"github.com/sarchlab/kilocore/memreq"
	"github.com/sarchlab/kilocore/recorder"
)

// Builder constructs a Core with a fluent WithX/Build API.
type Builder struct {
	id       int32
	domain   int32
	enqueuer recorder.Enqueuer
	sink     recorder.CrossingSink
	l1i      memreq.AccessPath
	l1d      memreq.AccessPath
}

// MakeBuilder returns a Builder with no fields set; every WithX call
// returns the updated Builder value for chaining.
func MakeBuilder() Builder { return Builder{} }

func (b Builder) WithID(id int32) Builder { b.id = id; return b }

func (b Builder) WithDomain(domain int32) Builder { b.domain = domain; return b }

func (b Builder) WithEnqueuer(e recorder.Enqueuer) Builder { b.enqueuer = e; return b }

// WithCrossingSink enables cross-domain event production; leave unset
// in single-domain configurations.
func (b Builder) WithCrossingSink(s recorder.CrossingSink) Builder { b.sink = s; return b }

func (b Builder) WithL1I(path memreq.AccessPath) Builder { b.l1i = path; return b }

func (b Builder) WithL1D(path memreq.AccessPath) Builder { b.l1d = path; return b }

// Build validates the accumulated fields and constructs the Core and
// its bound/weave recorder together, since a Core never outlives its
// recorder.
func (b Builder) Build() (*Core, *OOORecorder) {
	if b.enqueuer == nil {
		panic("core.Builder: WithEnqueuer is required")
	}
	if b.l1i == nil || b.l1d == nil {
		panic("core.Builder: WithL1I and WithL1D are required")
	}
	rec := recorder.New(b.domain, b.enqueuer)
	crec := NewOOORecorder(rec, uint32(b.id), b.sink)
	c := New(b.id, crec, b.l1i, b.l1d)
	return c, crec
}
