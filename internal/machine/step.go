package machine

import (
	"github.com/tinyrange/sfi/internal/isa"
)

// Step executes the instruction at the program counter. It returns a
// non-nil Event when the instruction crosses a component boundary, and
// an error when the machine halts or gets stuck. The step relation is
// total and deterministic over well-formed images.
func (m *Machine) Step(st *State) (Event, error) {
	word, ok := st.Mem[st.PC]
	if !ok {
		return nil, &WrongError{PC: st.PC, Reason: "no word at pc"}
	}
	ins, ok := word.(isa.Instruction)
	if !ok {
		return nil, &WrongError{PC: st.PC, Reason: "pc points at data"}
	}

	switch v := ins.(type) {
	case isa.Nop:
		st.PC++
		return nil, nil

	case isa.Halt:
		return nil, ErrHalted

	case isa.Const:
		if err := m.checkReg(st, v.Dst); err != nil {
			return nil, err
		}
		st.Regs[v.Dst] = v.Imm
		st.PC++
		return nil, nil

	case isa.Mov:
		if err := m.checkReg(st, v.Src, v.Dst); err != nil {
			return nil, err
		}
		st.Regs[v.Dst] = st.Regs[v.Src]
		st.PC++
		return nil, nil

	case isa.Bin:
		if err := m.checkReg(st, v.Src1, v.Src2, v.Dst); err != nil {
			return nil, err
		}
		st.Regs[v.Dst] = v.Op.Eval(st.Regs[v.Src1], st.Regs[v.Src2])
		st.PC++
		return nil, nil

	case isa.Load:
		if err := m.checkReg(st, v.Ptr, v.Dst); err != nil {
			return nil, err
		}
		a := st.Regs[v.Ptr]
		if !m.params.IsDataAddress(a) {
			return nil, &WrongError{PC: st.PC, Reason: "load from code address"}
		}
		cell, ok := st.Mem[a]
		if !ok {
			return nil, &WrongError{PC: st.PC, Reason: "load from undefined memory"}
		}
		data, ok := cell.(isa.Data)
		if !ok {
			return nil, &WrongError{PC: st.PC, Reason: "load hits an instruction word"}
		}
		st.Regs[v.Dst] = uint64(data)
		st.PC++
		return nil, nil

	case isa.Store:
		if err := m.checkReg(st, v.Ptr, v.Src); err != nil {
			return nil, err
		}
		a := st.Regs[v.Ptr]
		if !m.params.IsDataAddress(a) {
			return nil, &WrongError{PC: st.PC, Reason: "store to code address"}
		}
		if cell, exists := st.Mem[a]; exists {
			if _, isData := cell.(isa.Data); !isData {
				return nil, &WrongError{PC: st.PC, Reason: "store over an instruction word"}
			}
		}
		st.Mem[a] = isa.Data(st.Regs[v.Src])
		st.PC++
		return nil, nil

	case isa.Bnz:
		if err := m.checkReg(st, v.Reg); err != nil {
			return nil, err
		}
		if st.Regs[v.Reg] != 0 {
			st.PC = uint64(int64(st.PC) + v.Off)
		} else {
			st.PC++
		}
		return nil, nil

	case isa.Jump:
		if err := m.checkReg(st, v.Reg); err != nil {
			return nil, err
		}
		target := st.Regs[v.Reg]
		if !m.params.IsCodeAddress(target) {
			return nil, &WrongError{PC: st.PC, Reason: "jump to data address"}
		}
		var ev Event
		from, to := m.params.ComponentOf(st.PC), m.params.ComponentOf(target)
		if from != to {
			ev = ReturnEvent{From: from, To: to, Value: st.Regs[isa.RCom]}
		}
		st.PC = target
		return ev, nil

	case isa.Jal:
		if !m.params.IsCodeAddress(v.Target) {
			return nil, &WrongError{PC: st.PC, Reason: "jal to data address"}
		}
		var ev Event
		from, to := m.params.ComponentOf(st.PC), m.params.ComponentOf(v.Target)
		if from != to {
			exp, sanctioned := m.exports[v.Target]
			if !sanctioned {
				return nil, &WrongError{PC: st.PC, Reason: "cross-component jal outside the export table"}
			}
			ev = CallEvent{From: from, To: to, Proc: exp.Label, Arg: st.Regs[isa.RCom]}
		}
		st.Regs[isa.RRa] = st.PC + 1
		st.PC = v.Target
		return ev, nil

	default:
		// Symbolic targets never reach the image; seeing one is a
		// compiler bug, but the machine still refuses to decode it.
		return nil, &WrongError{PC: st.PC, Reason: "undecodable instruction"}
	}
}

func (m *Machine) checkReg(st *State, regs ...isa.Register) error {
	for _, r := range regs {
		if !r.Valid() {
			return &WrongError{PC: st.PC, Reason: "undefined register operand"}
		}
	}
	return nil
}
