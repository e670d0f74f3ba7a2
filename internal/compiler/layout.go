package compiler

import (
	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// laidOut is one procedure after layout: a dense instruction stream
// (offset i holds instruction i) plus the offset every label landed on.
type laidOut struct {
	component inter.ComponentID
	procedure inter.ProcedureID
	entry     isa.Label
	code      []isa.Instruction
	labels    map[isa.Label]uint64
}

// layoutProcedure strips label markers and inserts nop padding so that
// every instruction carrying more than one label, or any label other
// than the procedure's own entry label, starts a fresh basic block.
// Masked jumps can only land on block boundaries, so the padding
// guarantees a mask-restore sequence is never entered mid-sequence.
// The entry label itself must land at offset 1, right after the guard
// halt at the slot base.
func layoutProcedure(params addr.Params, tr *translated) (*laidOut, error) {
	block := uint64(params.BasicBlockSize)
	out := &laidOut{
		component: tr.component,
		procedure: tr.procedure,
		entry:     tr.entry,
		labels:    make(map[isa.Label]uint64),
	}

	for _, li := range tr.code {
		align := len(li.Labels) > 1 ||
			(len(li.Labels) == 1 && li.Labels[0] != tr.entry)
		if align {
			for uint64(len(out.code))%block != 0 {
				out.code = append(out.code, isa.Nop{})
			}
		}
		for _, l := range li.Labels {
			if _, dup := out.labels[l]; dup {
				return nil, &DuplicatedLabelsError{
					Component: tr.component,
					Procedure: tr.procedure,
					Label:     l,
					Reason:    "defined twice",
				}
			}
			out.labels[l] = uint64(len(out.code))
		}
		out.code = append(out.code, li.Ins)
	}

	if off, ok := out.labels[tr.entry]; !ok || off != entryOffset {
		return nil, &DuplicatedLabelsError{
			Component: tr.component,
			Procedure: tr.procedure,
			Label:     tr.entry,
			Reason:    "entry label not at the fixed entry offset",
		}
	}
	if uint64(len(out.code)) > params.SlotSize() {
		return nil, &AllocationExhaustedError{
			Reason: "procedure code exceeds one slot",
		}
	}
	return out, nil
}

// entryOffset is the fixed intra-slot offset of every procedure's
// entry label, one past the guard halt.
const entryOffset = 1
