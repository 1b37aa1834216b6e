// Package stats implements the hierarchical stats tree and its binary
// and text dump formats: a tree of
// {aggregate, scalar, vector, proxy-to-counter, lambda} nodes, rendered
// with github.com/jedib0t/go-pretty/v6 for the text form and golang.org/
// x/text/cases for header casing.
package stats

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/xid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Node is any element of the stats tree.
type Node interface {
	Name() string
	Desc() string
}

// Scalar is a single atomic counter, updated with atomic adds on hot
// paths.
type Scalar struct {
	name, desc string
	value      int64
}

func NewScalar(name, desc string) *Scalar { return &Scalar{name: name, desc: desc} }

func (s *Scalar) Name() string { return s.name }
func (s *Scalar) Desc() string { return s.desc }
func (s *Scalar) Inc()         { atomic.AddInt64(&s.value, 1) }
func (s *Scalar) Add(n int64)  { atomic.AddInt64(&s.value, n) }
func (s *Scalar) Get() int64   { return atomic.LoadInt64(&s.value) }

// Vector is an indexed array of counters, e.g. per-core or per-bucket.
type Vector struct {
	name, desc string
	values     []int64
}

func NewVector(name, desc string, size int) *Vector {
	return &Vector{name: name, desc: desc, values: make([]int64, size)}
}

func (v *Vector) Name() string  { return v.name }
func (v *Vector) Desc() string  { return v.desc }
func (v *Vector) Add(i int, n int64) { atomic.AddInt64(&v.values[i], n) }
func (v *Vector) Get(i int) int64    { return atomic.LoadInt64(&v.values[i]) }
func (v *Vector) Len() int           { return len(v.values) }

// Proxy reads a counter owned by some other component (e.g. a cache's
// own hit counter) without copying it into the tree.
type Proxy struct {
	name, desc string
	read       func() int64
}

func NewProxy(name, desc string, read func() int64) *Proxy {
	return &Proxy{name: name, desc: desc, read: read}
}

func (p *Proxy) Name() string { return p.name }
func (p *Proxy) Desc() string { return p.desc }
func (p *Proxy) Get() int64   { return p.read() }

// Lambda computes a derived value from other stats (e.g. a miss ratio)
// at dump time.
type Lambda struct {
	name, desc string
	compute    func() float64
}

func NewLambda(name, desc string, compute func() float64) *Lambda {
	return &Lambda{name: name, desc: desc, compute: compute}
}

func (l *Lambda) Name() string    { return l.name }
func (l *Lambda) Desc() string    { return l.desc }
func (l *Lambda) Value() float64 { return l.compute() }

// Aggregate is an interior node grouping children under a path segment
// (e.g. "sys.caches.l2").
type Aggregate struct {
	name, desc string
	children   []Node
}

func NewAggregate(name, desc string) *Aggregate { return &Aggregate{name: name, desc: desc} }

func (a *Aggregate) Name() string { return a.name }
func (a *Aggregate) Desc() string { return a.desc }

func (a *Aggregate) Add(child Node) *Aggregate {
	a.children = append(a.children, child)
	return a
}

func (a *Aggregate) Children() []Node { return a.children }

// Tree is the root of a dump, owning an Aggregate, a unique run id
// stamped into every binary snapshot header, and a running snapshot
// index used by the binary dump format.
type Tree struct {
	root    *Aggregate
	runID   string
	dumpSeq uint64
}

func NewTree(root *Aggregate) *Tree {
	return &Tree{root: root, runID: xid.New().String()}
}

// RunID is the unique identifier stamped into this run's dumps.
func (t *Tree) RunID() string { return t.runID }

// flatten walks the tree in a deterministic (sorted by name) order so
// repeated dumps are byte-comparable.
func flatten(n Node, prefix string, out *[]flatEntry) {
	path := n.Name()
	if prefix != "" {
		path = prefix + "." + n.Name()
	}
	switch v := n.(type) {
	case *Aggregate:
		children := append([]Node(nil), v.children...)
		sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
		for _, c := range children {
			flatten(c, path, out)
		}
	case *Scalar:
		*out = append(*out, flatEntry{path: path, value: v.Get()})
	case *Vector:
		for i := 0; i < v.Len(); i++ {
			*out = append(*out, flatEntry{path: fmt.Sprintf("%s[%d]", path, i), value: v.Get(i)})
		}
	case *Proxy:
		*out = append(*out, flatEntry{path: path, value: v.Get()})
	case *Lambda:
		*out = append(*out, flatEntry{path: path, value: int64(v.Value())})
	}
}

type flatEntry struct {
	path  string
	value int64
}

// DumpBinary writes a per-dump snapshot: the run id, a sequence number,
// an entry count, then (path length, path bytes, value) tuples, in the
// deterministic flatten order.
func (t *Tree) DumpBinary(w io.Writer) error {
	var entries []flatEntry
	flatten(t.root, "", &entries)

	seq := atomic.AddUint64(&t.dumpSeq, 1)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.runID))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(t.runID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, seq); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(e.path))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(e.path)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.value); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is one decoded binary dump.
type Snapshot struct {
	RunID   string
	Seq     uint64
	Paths   []string
	Values  []int64
}

// ReadBinary decodes one snapshot written by DumpBinary, preserving
// entry order so round-trips are byte-comparable.
func ReadBinary(r io.Reader) (*Snapshot, error) {
	var idLen uint32
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return nil, err
	}
	idBuf := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, err
	}
	s := &Snapshot{RunID: string(idBuf)}
	if err := binary.Read(r, binary.LittleEndian, &s.Seq); err != nil {
		return nil, err
	}
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		var pathLen uint32
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			return nil, err
		}
		pathBuf := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBuf); err != nil {
			return nil, err
		}
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		s.Paths = append(s.Paths, string(pathBuf))
		s.Values = append(s.Values, v)
	}
	return s, nil
}

// DumpText renders the tree as a table, using go-pretty for layout and
// x/text/cases to title-case the header row.
func (t *Tree) DumpText(w io.Writer) {
	var entries []flatEntry
	flatten(t.root, "", &entries)

	caser := cases.Title(language.English)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{caser.String("stat"), caser.String("value")})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.path, e.value})
	}
	tw.Render()
}
