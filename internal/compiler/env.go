package compiler

import (
	"sort"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// componentEntry is one component's allocation tables: dense slices
// ordered by ascending procedure/buffer id, so the position of an id is
// its slot index.
type componentEntry struct {
	id      inter.ComponentID
	sfi     addr.ComponentID
	procs   []inter.ProcedureID
	labels  []isa.Label
	bufs    []inter.BlockID
	extents []uint64 // declared buffer sizes in words, aligned with bufs
}

func (c *componentEntry) procIndex(pid inter.ProcedureID) (int, bool) {
	i := sort.Search(len(c.procs), func(i int) bool { return c.procs[i] >= pid })
	if i < len(c.procs) && c.procs[i] == pid {
		return i, true
	}
	return 0, false
}

func (c *componentEntry) bufIndex(bid inter.BlockID) (int, bool) {
	i := sort.Search(len(c.bufs), func(i int) bool { return c.bufs[i] >= bid })
	if i < len(c.bufs) && c.bufs[i] == bid {
		return i, true
	}
	return 0, false
}

// Environment holds the allocation tables built once from the input
// interface before translation: component to SFI id, procedure to
// label and code slot, buffer to data slot, and the fresh label
// counter. It is owned by a single compilation and never shared.
type Environment struct {
	params addr.Params
	comps  []componentEntry // ascending component id; SFI id = index+1
	next   isa.Label
}

// NewEnvironment builds the allocation tables in one deterministic
// pass: components ascending, procedures and buffers ascending within
// each. Two builds over the same interface always assign identical
// labels and slots.
func NewEnvironment(params addr.Params, prog *inter.Program) (*Environment, error) {
	// SFI id 0 is the monitor, so prog components start at 1.
	if uint64(len(prog.Components))+1 > params.CompMax() {
		return nil, &AllocationExhaustedError{
			Reason: "too many components for the component id field",
		}
	}

	order := make([]int, len(prog.Components))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return prog.Components[order[a]].ID < prog.Components[order[b]].ID
	})

	env := &Environment{params: params, next: 0}
	for idx, src := range order {
		comp := &prog.Components[src]
		entry := componentEntry{
			id:  comp.ID,
			sfi: addr.ComponentID(idx + 1),
		}
		for _, proc := range comp.Procedures {
			entry.procs = append(entry.procs, proc.ID)
		}
		sort.Slice(entry.procs, func(a, b int) bool { return entry.procs[a] < entry.procs[b] })
		for range entry.procs {
			entry.labels = append(entry.labels, env.next)
			env.next++
		}
		ordered := append([]inter.Buffer(nil), comp.Buffers...)
		sort.Slice(ordered, func(a, b int) bool { return ordered[a].ID < ordered[b].ID })
		for _, buf := range ordered {
			extent := uint64(len(buf.Values))
			if buf.Size > 0 {
				extent = uint64(buf.Size)
			}
			entry.bufs = append(entry.bufs, buf.ID)
			entry.extents = append(entry.extents, extent)
		}

		if len(entry.procs) > 0 {
			if addr.CodeSlot(uint64(len(entry.procs)-1)) > params.MaxSlot() {
				return nil, &AllocationExhaustedError{
					Reason: "procedure slots exceed the slot field",
				}
			}
		}
		if len(entry.bufs) > 0 {
			if addr.DataSlot(uint64(len(entry.bufs)-1)) > params.MaxSlot() {
				return nil, &AllocationExhaustedError{
					Reason: "buffer slots exceed the slot field",
				}
			}
		}
		env.comps = append(env.comps, entry)
	}
	return env, nil
}

func (e *Environment) Params() addr.Params { return e.params }

// Components lists the interface component ids in allocation order;
// the SFI id of Components()[i] is i+1.
func (e *Environment) Components() []inter.ComponentID {
	out := make([]inter.ComponentID, len(e.comps))
	for i := range e.comps {
		out[i] = e.comps[i].id
	}
	return out
}

func (e *Environment) lookup(cid inter.ComponentID) (*componentEntry, error) {
	for i := range e.comps {
		if e.comps[i].id == cid {
			return &e.comps[i], nil
		}
	}
	return nil, &MissingComponentError{Component: cid}
}

// SFIID maps an interface component id onto its dense SFI id.
func (e *Environment) SFIID(cid inter.ComponentID) (addr.ComponentID, error) {
	entry, err := e.lookup(cid)
	if err != nil {
		return 0, err
	}
	return entry.sfi, nil
}

// ProcedureLabel returns the entry label allocated for a procedure.
func (e *Environment) ProcedureLabel(cid inter.ComponentID, pid inter.ProcedureID) (isa.Label, error) {
	entry, err := e.lookup(cid)
	if err != nil {
		return 0, err
	}
	i, ok := entry.procIndex(pid)
	if !ok {
		return 0, &MissingProcedureError{Component: cid, Procedure: pid}
	}
	return entry.labels[i], nil
}

// CodeAddress resolves an offset within a procedure's code slot.
func (e *Environment) CodeAddress(cid inter.ComponentID, pid inter.ProcedureID, offset uint64) (addr.Address, error) {
	entry, err := e.lookup(cid)
	if err != nil {
		return 0, err
	}
	i, ok := entry.procIndex(pid)
	if !ok {
		return 0, &MissingProcedureError{Component: cid, Procedure: pid}
	}
	return e.params.AddressOf(entry.sfi, addr.CodeSlot(uint64(i)), offset), nil
}

// DataAddress resolves an offset within a static buffer's data slot.
func (e *Environment) DataAddress(cid inter.ComponentID, bid inter.BlockID, offset uint64) (addr.Address, error) {
	entry, err := e.lookup(cid)
	if err != nil {
		return 0, err
	}
	i, ok := entry.bufIndex(bid)
	if !ok {
		return 0, &MissingBlockError{Component: cid, Block: bid}
	}
	return e.params.AddressOf(entry.sfi, addr.DataSlot(uint64(i)), offset), nil
}

// BufferSize returns a static buffer's declared extent in words: its
// size field, or the length of its initial value list.
func (e *Environment) BufferSize(cid inter.ComponentID, bid inter.BlockID) (uint64, error) {
	entry, err := e.lookup(cid)
	if err != nil {
		return 0, err
	}
	i, ok := entry.bufIndex(bid)
	if !ok {
		return 0, &MissingBlockError{Component: cid, Block: bid}
	}
	return entry.extents[i], nil
}

// FreshLabel mints a label distinct from every procedure label and
// every previously minted label of this compilation.
func (e *Environment) FreshLabel() isa.Label {
	l := e.next
	e.next++
	return l
}
