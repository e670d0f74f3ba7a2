package compiler

import (
	"fmt"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// translator lowers one procedure body to labeled target instructions.
// Labels accumulate in pending and attach to the next emitted
// instruction, matching the way the layout engine consumes them.
type translator struct {
	env     *Environment
	params  addr.Params
	comp    *inter.Component
	sfi     addr.ComponentID
	labels  map[string]isa.Label
	out     []isa.Labeled
	pending []isa.Label
}

// translated is one procedure's pre-layout output.
type translated struct {
	component inter.ComponentID
	procedure inter.ProcedureID
	entry     isa.Label
	code      []isa.Labeled
}

func translateProcedure(env *Environment, comp *inter.Component, proc *inter.Procedure) (*translated, error) {
	sfi, err := env.SFIID(comp.ID)
	if err != nil {
		return nil, err
	}
	entry, err := env.ProcedureLabel(comp.ID, proc.ID)
	if err != nil {
		return nil, err
	}

	t := &translator{
		env:    env,
		params: env.Params(),
		comp:   comp,
		sfi:    sfi,
		labels: make(map[string]isa.Label),
	}
	// Local labels are minted up front so branches can be emitted in
	// one pass. Minting order follows instruction order, keeping the
	// allocation deterministic.
	for _, ins := range proc.Code {
		if l, ok := ins.(inter.Label); ok {
			if _, exists := t.labels[l.Name]; !exists {
				t.labels[l.Name] = env.FreshLabel()
			}
		}
	}

	// Guard halt, entry label, push trampoline, mask restore, body.
	// The guard stops execution falling in from the slot base; the
	// entry label must end up at offset 1.
	t.emit(isa.Halt{})
	t.mark(entry)
	t.push()
	t.maskRestore()

	for idx, ins := range proc.Code {
		if err := t.instruction(ins); err != nil {
			return nil, fmt.Errorf("component %d procedure %d instruction %d: %w",
				comp.ID, proc.ID, idx, err)
		}
	}

	// Anchor any trailing labels and stop fall-through past the body.
	t.emit(isa.Halt{})

	return &translated{
		component: comp.ID,
		procedure: proc.ID,
		entry:     entry,
		code:      t.out,
	}, nil
}

func (t *translator) emit(ins ...isa.Instruction) {
	for _, i := range ins {
		t.out = append(t.out, isa.Labeled{Labels: t.pending, Ins: i})
		t.pending = nil
	}
}

func (t *translator) mark(l isa.Label) {
	t.pending = append(t.pending, l)
}

// maskRestore reloads the four mask registers with the current
// component's masks. Emitted at every point where control can re-enter
// this component: procedure entry and immediately after every call.
func (t *translator) maskRestore() {
	t.emit(
		isa.Const{Imm: t.params.AndCodeMask(), Dst: isa.RAndCodeMask},
		isa.Const{Imm: t.params.OrCodeMask(t.sfi), Dst: isa.ROrCodeMask},
		isa.Const{Imm: t.params.AndDataMask(), Dst: isa.RAndDataMask},
		isa.Const{Imm: t.params.OrDataMask(t.sfi), Dst: isa.ROrDataMask},
	)
}

// push stores the return address into the shadow stack slot for the
// current depth and increments the depth counter. The slot address for
// depth n is ShadowStackBase + n << (FieldShift+1); the addition must
// carry into the slot field, so the composition uses Add, not Or.
func (t *translator) push() {
	t.emit(
		isa.Const{Imm: t.params.FieldShift() + 1, Dst: isa.RAux1},
		isa.Bin{Op: isa.Shl, Src1: isa.RSfiSP, Src2: isa.RAux1, Dst: isa.RAux1},
		isa.Const{Imm: t.params.ShadowStackBase(), Dst: isa.RAux2},
		isa.Bin{Op: isa.Add, Src1: isa.RAux1, Src2: isa.RAux2, Dst: isa.RAux2},
		isa.Store{Ptr: isa.RAux2, Src: isa.RRa},
		isa.Const{Imm: 1, Dst: isa.RAux1},
		isa.Bin{Op: isa.Add, Src1: isa.RSfiSP, Src2: isa.RAux1, Dst: isa.RSfiSP},
	)
}

// pop undoes push: decrement the depth counter, recompute the slot
// address, reload the saved return address, and jump to it unmasked.
// The slot is trusted because only the matching push wrote it.
func (t *translator) pop() {
	t.emit(
		isa.Const{Imm: 1, Dst: isa.RAux1},
		isa.Bin{Op: isa.Sub, Src1: isa.RSfiSP, Src2: isa.RAux1, Dst: isa.RSfiSP},
		isa.Const{Imm: t.params.FieldShift() + 1, Dst: isa.RAux1},
		isa.Bin{Op: isa.Shl, Src1: isa.RSfiSP, Src2: isa.RAux1, Dst: isa.RAux1},
		isa.Const{Imm: t.params.ShadowStackBase(), Dst: isa.RAux2},
		isa.Bin{Op: isa.Add, Src1: isa.RAux1, Src2: isa.RAux2, Dst: isa.RAux2},
		isa.Load{Ptr: isa.RAux2, Dst: isa.RRa},
		isa.Jump{Reg: isa.RRa},
	)
}

func (t *translator) instruction(ins inter.Instruction) error {
	switch v := ins.(type) {
	case inter.Nop:
		t.emit(isa.Nop{})
	case inter.Halt:
		t.emit(isa.Halt{})
	case inter.Label:
		t.mark(t.labels[v.Name])
	case inter.Const:
		return t.constant(v)
	case inter.Mov:
		t.emit(isa.Mov{Src: v.Src, Dst: v.Dst})
	case inter.Bin:
		t.emit(isa.Bin{Op: v.Op, Src1: v.Src1, Src2: v.Src2, Dst: v.Dst})
	case inter.Load:
		t.maskData(v.Ptr)
		t.emit(isa.Load{Ptr: isa.RAux1, Dst: v.Dst})
	case inter.Store:
		t.maskData(v.Ptr)
		t.emit(isa.Store{Ptr: isa.RAux1, Src: v.Src})
	case inter.Jump:
		t.emit(
			isa.Bin{Op: isa.And, Src1: v.Reg, Src2: isa.RAndCodeMask, Dst: isa.RAux1},
			isa.Bin{Op: isa.Or, Src1: isa.RAux1, Src2: isa.ROrCodeMask, Dst: isa.RAux1},
			isa.Jump{Reg: isa.RAux1},
		)
	case inter.Bnz:
		t.emit(isa.BnzLabel{Reg: v.Reg, Label: t.labels[v.Label]})
	case inter.Jal:
		t.emit(isa.JalLabel{Label: t.labels[v.Label]})
	case inter.Call:
		return t.call(v)
	case inter.Return:
		t.pop()
	case inter.Alloc:
		t.alloc(v)
	default:
		return fmt.Errorf("unsupported intermediate instruction %T", ins)
	}
	return nil
}

// maskData forces the pointer register through the current component's
// data masks into RAux1 before any dereference.
func (t *translator) maskData(ptr isa.Register) {
	t.emit(
		isa.Bin{Op: isa.And, Src1: ptr, Src2: isa.RAndDataMask, Dst: isa.RAux1},
		isa.Bin{Op: isa.Or, Src1: isa.RAux1, Src2: isa.ROrDataMask, Dst: isa.RAux1},
	)
}

func (t *translator) constant(v inter.Const) error {
	switch val := v.Value.(type) {
	case inter.IntValue:
		t.emit(isa.Const{Imm: uint64(int64(val)), Dst: v.Dst})
		return nil
	case inter.PtrValue:
		size, err := t.env.BufferSize(val.Component, val.Block)
		if err != nil {
			return err
		}
		if val.Offset < 0 || uint64(val.Offset) >= size {
			return &MalformedPointerConstantError{
				Component: val.Component,
				Block:     val.Block,
				Offset:    val.Offset,
			}
		}
		a, err := t.env.DataAddress(val.Component, val.Block, uint64(val.Offset))
		if err != nil {
			return err
		}
		t.emit(isa.Const{Imm: a, Dst: v.Dst})
		return nil
	default:
		return fmt.Errorf("unsupported constant %T", v.Value)
	}
}

// call jumps-and-links to the callee's entry label and restores the
// caller's masks immediately after. The fresh label forces the restore
// sequence onto a basic block boundary during layout; the return
// address (the word after the Jal) falls through the alignment padding
// into the restore sequence, and a masked external jump can only land
// at its start.
func (t *translator) call(v inter.Call) error {
	callee, err := t.env.ProcedureLabel(v.Component, v.Procedure)
	if err != nil {
		return err
	}
	t.emit(isa.JalLabel{Label: callee})
	t.mark(t.env.FreshLabel())
	t.maskRestore()
	return nil
}

// alloc emits the bump allocator: read the next-block counter from the
// component's metadata slot, advance it, and build a pointer to the
// fresh odd data slot. The destination register doubles as scratch; the
// requested size is bounded by the slot size and not otherwise used.
func (t *translator) alloc(v inter.Alloc) {
	metaAddr := t.params.AddressOf(t.sfi, addr.AllocMetaSlot, 0)
	dataBase := t.params.AddressOf(t.sfi, addr.DataSlot(0), 0)
	t.emit(
		isa.Const{Imm: metaAddr, Dst: isa.RAux1},
		isa.Load{Ptr: isa.RAux1, Dst: isa.RAux2},
		isa.Const{Imm: 1, Dst: v.Dst},
		isa.Bin{Op: isa.Add, Src1: isa.RAux2, Src2: v.Dst, Dst: v.Dst},
		isa.Store{Ptr: isa.RAux1, Src: v.Dst},
		isa.Const{Imm: t.params.FieldShift() + 1, Dst: isa.RAux1},
		isa.Bin{Op: isa.Shl, Src1: isa.RAux2, Src2: isa.RAux1, Dst: isa.RAux2},
		isa.Const{Imm: dataBase, Dst: v.Dst},
		isa.Bin{Op: isa.Add, Src1: isa.RAux2, Src2: v.Dst, Dst: v.Dst},
	)
}
