package inter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/sfi/internal/isa"
)

// Program-visible registers. Source programs never name the reserved
// mask/trampoline registers; the translator owns those.
var registersByName = map[string]isa.Register{
	"r0": isa.R0, "r1": isa.R1, "r2": isa.R2, "r3": isa.R3,
	"r4": isa.R4, "r5": isa.R5, "r6": isa.R6, "r7": isa.R7,
	"rcom": isa.RCom, "rra": isa.RRa,
}

var binOpsByName = map[string]isa.BinOp{
	"add": isa.Add, "sub": isa.Sub, "mul": isa.Mul, "eq": isa.Eq,
	"leq": isa.Leq, "and": isa.And, "or": isa.Or, "shl": isa.Shl,
}

// ParseRegister resolves a program-visible register name.
func ParseRegister(s string) (isa.Register, error) {
	if r, ok := registersByName[s]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("inter: unknown register %q", s)
}

// ParseValue parses an integer literal or a ptr(c,b,o) pointer literal.
func ParseValue(s string) (Value, error) {
	if strings.HasPrefix(s, "ptr(") && strings.HasSuffix(s, ")") {
		parts := strings.Split(s[len("ptr("):len(s)-1], ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("inter: malformed pointer literal %q", s)
		}
		nums := make([]int64, 3)
		for i, part := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("inter: malformed pointer literal %q: %w", s, err)
			}
			nums[i] = n
		}
		return PtrValue{
			Component: ComponentID(nums[0]),
			Block:     BlockID(nums[1]),
			Offset:    nums[2],
		}, nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("inter: malformed value %q", s)
	}
	return IntValue(n), nil
}

// ParseInstruction parses one mnemonic line of intermediate code.
func ParseInstruction(line string) (Instruction, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("inter: empty instruction")
	}
	op, args := fields[0], fields[1:]

	arity := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("inter: %s takes %d operands, got %d in %q", op, n, len(args), line)
		}
		return nil
	}
	reg := func(i int) (isa.Register, error) { return ParseRegister(args[i]) }

	switch op {
	case "nop":
		return Nop{}, arity(0)
	case "halt":
		return Halt{}, arity(0)
	case "return":
		return Return{}, arity(0)
	case "label":
		if err := arity(1); err != nil {
			return nil, err
		}
		return Label{Name: args[0]}, nil
	case "const":
		if err := arity(2); err != nil {
			return nil, err
		}
		v, err := ParseValue(args[0])
		if err != nil {
			return nil, err
		}
		dst, err := reg(1)
		if err != nil {
			return nil, err
		}
		return Const{Value: v, Dst: dst}, nil
	case "mov":
		if err := arity(2); err != nil {
			return nil, err
		}
		src, err := reg(0)
		if err != nil {
			return nil, err
		}
		dst, err := reg(1)
		if err != nil {
			return nil, err
		}
		return Mov{Src: src, Dst: dst}, nil
	case "load":
		if err := arity(2); err != nil {
			return nil, err
		}
		ptr, err := reg(0)
		if err != nil {
			return nil, err
		}
		dst, err := reg(1)
		if err != nil {
			return nil, err
		}
		return Load{Ptr: ptr, Dst: dst}, nil
	case "store":
		if err := arity(2); err != nil {
			return nil, err
		}
		ptr, err := reg(0)
		if err != nil {
			return nil, err
		}
		src, err := reg(1)
		if err != nil {
			return nil, err
		}
		return Store{Ptr: ptr, Src: src}, nil
	case "alloc":
		if err := arity(2); err != nil {
			return nil, err
		}
		dst, err := reg(0)
		if err != nil {
			return nil, err
		}
		size, err := reg(1)
		if err != nil {
			return nil, err
		}
		return Alloc{Dst: dst, Size: size}, nil
	case "bnz":
		if err := arity(2); err != nil {
			return nil, err
		}
		r, err := reg(0)
		if err != nil {
			return nil, err
		}
		return Bnz{Reg: r, Label: args[1]}, nil
	case "jal":
		if err := arity(1); err != nil {
			return nil, err
		}
		return Jal{Label: args[0]}, nil
	case "jump":
		if err := arity(1); err != nil {
			return nil, err
		}
		r, err := reg(0)
		if err != nil {
			return nil, err
		}
		return Jump{Reg: r}, nil
	case "call":
		if err := arity(2); err != nil {
			return nil, err
		}
		cid, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("inter: bad component id in %q", line)
		}
		pid, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("inter: bad procedure id in %q", line)
		}
		return Call{Component: ComponentID(cid), Procedure: ProcedureID(pid)}, nil
	default:
		if binOp, ok := binOpsByName[op]; ok {
			if err := arity(3); err != nil {
				return nil, err
			}
			s1, err := reg(0)
			if err != nil {
				return nil, err
			}
			s2, err := reg(1)
			if err != nil {
				return nil, err
			}
			dst, err := reg(2)
			if err != nil {
				return nil, err
			}
			return Bin{Op: binOp, Src1: s1, Src2: s2, Dst: dst}, nil
		}
		return nil, fmt.Errorf("inter: unknown instruction %q", op)
	}
}

func (Nop) String() string     { return "nop" }
func (Halt) String() string    { return "halt" }
func (Return) String() string  { return "return" }
func (i Label) String() string { return "label " + i.Name }
func (i Const) String() string { return fmt.Sprintf("const %s %s", i.Value, i.Dst) }
func (i Mov) String() string   { return fmt.Sprintf("mov %s %s", i.Src, i.Dst) }
func (i Bin) String() string   { return fmt.Sprintf("%s %s %s %s", i.Op, i.Src1, i.Src2, i.Dst) }
func (i Load) String() string  { return fmt.Sprintf("load %s %s", i.Ptr, i.Dst) }
func (i Store) String() string { return fmt.Sprintf("store %s %s", i.Ptr, i.Src) }
func (i Alloc) String() string { return fmt.Sprintf("alloc %s %s", i.Dst, i.Size) }
func (i Bnz) String() string   { return fmt.Sprintf("bnz %s %s", i.Reg, i.Label) }
func (i Jal) String() string   { return "jal " + i.Label }
func (i Jump) String() string  { return fmt.Sprintf("jump %s", i.Reg) }
func (i Call) String() string  { return fmt.Sprintf("call %d %d", int(i.Component), int(i.Procedure)) }
