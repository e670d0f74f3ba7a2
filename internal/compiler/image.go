package compiler

import (
	"fmt"
	"sort"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// imageBuilder materializes the final memory image: static buffers,
// allocator metadata, the monitor bootstrap, and the laid-out code.
type imageBuilder struct {
	env    *Environment
	params addr.Params
	image  isa.Image
}

func newImageBuilder(env *Environment) *imageBuilder {
	return &imageBuilder{
		env:    env,
		params: env.Params(),
		image:  make(isa.Image),
	}
}

// buffers writes every static buffer into its data slot, resolving
// pointer initial values to addresses, and writes each component's
// allocator metadata word.
func (b *imageBuilder) buffers(prog *inter.Program) error {
	// Monitor allocator metadata; the monitor has no static buffers.
	b.image[b.params.AddressOf(0, addr.AllocMetaSlot, 0)] = isa.Data(0)

	for _, cid := range b.env.Components() {
		comp, ok := prog.Component(cid)
		if !ok {
			return &MissingComponentError{Component: cid}
		}
		sfi, err := b.env.SFIID(cid)
		if err != nil {
			return err
		}

		ordered := append([]inter.Buffer(nil), comp.Buffers...)
		sort.Slice(ordered, func(a, c int) bool { return ordered[a].ID < ordered[c].ID })

		for _, buf := range ordered {
			base, err := b.env.DataAddress(cid, buf.ID, 0)
			if err != nil {
				return err
			}
			if buf.Size > 0 {
				if uint64(buf.Size) > b.params.SlotSize() {
					return &AllocationExhaustedError{
						Reason: fmt.Sprintf("buffer %d.%d exceeds one slot", cid, buf.ID),
					}
				}
				for i := int64(0); i < buf.Size; i++ {
					b.image[base+uint64(i)] = isa.Data(0)
				}
				continue
			}
			if uint64(len(buf.Values)) > b.params.SlotSize() {
				return &AllocationExhaustedError{
					Reason: fmt.Sprintf("buffer %d.%d exceeds one slot", cid, buf.ID),
				}
			}
			for i, v := range buf.Values {
				word, err := b.value(v)
				if err != nil {
					return err
				}
				b.image[base+uint64(i)] = word
			}
		}

		// The metadata word counts pre-allocated blocks so dynamic
		// allocation continues past the static buffers.
		meta := b.params.AddressOf(sfi, addr.AllocMetaSlot, 0)
		b.image[meta] = isa.Data(uint64(len(ordered)))
	}
	return nil
}

func (b *imageBuilder) value(v inter.Value) (isa.Word, error) {
	switch val := v.(type) {
	case inter.IntValue:
		return isa.Data(uint64(int64(val))), nil
	case inter.PtrValue:
		size, err := b.env.BufferSize(val.Component, val.Block)
		if err != nil {
			return nil, err
		}
		if val.Offset < 0 || uint64(val.Offset) >= size {
			return nil, &MalformedPointerConstantError{
				Component: val.Component,
				Block:     val.Block,
				Offset:    val.Offset,
			}
		}
		a, err := b.env.DataAddress(val.Component, val.Block, uint64(val.Offset))
		if err != nil {
			return nil, err
		}
		return isa.Data(a), nil
	default:
		return nil, fmt.Errorf("compiler: unsupported buffer value %T", v)
	}
}

// bootstrap synthesizes the monitor startup sequence at (0,0,0..5):
// zero the shadow stack pointer, load the global AND masks, jump and
// link into main, halt when main returns. The trailing nop pads the
// reserved region.
func (b *imageBuilder) bootstrap(main inter.ProcRef) error {
	mainEntry, err := b.env.CodeAddress(main.Component, main.Procedure, entryOffset)
	if err != nil {
		return err
	}
	seq := []isa.Instruction{
		isa.Const{Imm: 0, Dst: isa.RSfiSP},
		isa.Const{Imm: b.params.AndCodeMask(), Dst: isa.RAndCodeMask},
		isa.Const{Imm: b.params.AndDataMask(), Dst: isa.RAndDataMask},
		isa.Jal{Target: mainEntry},
		isa.Halt{},
		isa.Nop{},
	}
	for i, ins := range seq {
		b.image[b.params.AddressOf(0, 0, uint64(i))] = ins
	}
	return nil
}

// code writes every laid-out instruction at its resolved address. Any
// surviving symbolic target is a resolver bug.
func (b *imageBuilder) code(procs []*laidOut) error {
	for _, p := range procs {
		base, err := b.env.CodeAddress(p.component, p.procedure, 0)
		if err != nil {
			return err
		}
		for i, ins := range p.code {
			switch ins.(type) {
			case isa.BnzLabel, isa.JalLabel:
				return fmt.Errorf("compiler: procedure %d.%d offset %d: unresolved %s",
					p.component, p.procedure, i, ins)
			}
			b.image[base+uint64(i)] = ins
		}
	}
	return nil
}
