// Package isa defines the RISC-like SFI target machine's register set,
// instruction forms, and memory words. Instructions are plain tagged
// structs; translation, layout, and the simulator dispatch over them
// with type switches.
package isa

import "fmt"

// Register identifies a target machine register. The general purpose
// registers are followed by the reserved ones the generated trampolines
// depend on; user code produced by the translator never names the
// reserved registers directly.
type Register int

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7

	// RCom carries the argument/result value across component calls.
	RCom
	// RRa receives the return address written by Jal.
	RRa

	// RSfiSP is the shadow stack depth counter shared by all components.
	RSfiSP
	// Mask registers reloaded by every prologue and post-call sequence.
	RAndCodeMask
	ROrCodeMask
	RAndDataMask
	ROrDataMask
	// Scratch registers used by the masking and trampoline sequences.
	RAux1
	RAux2

	NumRegisters int = iota
)

var registerNames = [...]string{
	R0: "r0", R1: "r1", R2: "r2", R3: "r3",
	R4: "r4", R5: "r5", R6: "r6", R7: "r7",
	RCom: "rcom", RRa: "rra",
	RSfiSP:       "rsp",
	RAndCodeMask: "randc", ROrCodeMask: "rorc",
	RAndDataMask: "randd", ROrDataMask: "rord",
	RAux1: "raux1", RAux2: "raux2",
}

func (r Register) Valid() bool {
	return r >= 0 && int(r) < NumRegisters
}

func (r Register) String() string {
	if !r.Valid() {
		return fmt.Sprintf("r?%d", int(r))
	}
	return registerNames[r]
}

// BinOp enumerates the ALU operators.
type BinOp int

const (
	Add BinOp = iota
	Sub
	Mul
	Eq
	Leq
	And
	Or
	Shl
)

var binOpNames = [...]string{
	Add: "add", Sub: "sub", Mul: "mul", Eq: "eq",
	Leq: "leq", And: "and", Or: "or", Shl: "shl",
}

func (op BinOp) String() string {
	if op < 0 || int(op) >= len(binOpNames) {
		return fmt.Sprintf("binop?%d", int(op))
	}
	return binOpNames[op]
}

// Eval applies the operator to two machine words. Comparison operators
// treat their operands as signed and produce 0 or 1.
func (op BinOp) Eval(a, b uint64) uint64 {
	switch op {
	case Add:
		return a + b
	case Sub:
		return a - b
	case Mul:
		return a * b
	case Eq:
		if a == b {
			return 1
		}
		return 0
	case Leq:
		if int64(a) <= int64(b) {
			return 1
		}
		return 0
	case And:
		return a & b
	case Or:
		return a | b
	case Shl:
		return a << (b & 63)
	default:
		return 0
	}
}

// Label is a symbolic code position minted by the compiler environment.
// Labels only exist before address resolution.
type Label int

// Instruction is the closed set of target machine instructions.
type Instruction interface {
	Word
	isInstruction()
}

type Nop struct{}

type Halt struct{}

// Const loads an immediate machine word.
type Const struct {
	Imm uint64
	Dst Register
}

type Mov struct {
	Src Register
	Dst Register
}

// Bin applies Op to Src1 and Src2, writing Dst.
type Bin struct {
	Op   BinOp
	Src1 Register
	Src2 Register
	Dst  Register
}

type Load struct {
	Ptr Register
	Dst Register
}

type Store struct {
	Ptr Register
	Src Register
}

// Bnz branches by the signed word offset Off when Reg is nonzero.
type Bnz struct {
	Reg Register
	Off int64
}

// Jump transfers control to the address in Reg.
type Jump struct {
	Reg Register
}

// Jal jumps to the absolute Target and writes the address of the next
// instruction into RRa.
type Jal struct {
	Target uint64
}

// BnzLabel and JalLabel are the pre-resolution forms; the address
// resolver rewrites them into Bnz and Jal. They must not survive into
// the memory image.
type BnzLabel struct {
	Reg   Register
	Label Label
}

type JalLabel struct {
	Label Label
}

func (Nop) isInstruction()      {}
func (Halt) isInstruction()     {}
func (Const) isInstruction()    {}
func (Mov) isInstruction()      {}
func (Bin) isInstruction()      {}
func (Load) isInstruction()     {}
func (Store) isInstruction()    {}
func (Bnz) isInstruction()      {}
func (Jump) isInstruction()     {}
func (Jal) isInstruction()      {}
func (BnzLabel) isInstruction() {}
func (JalLabel) isInstruction() {}

func (Nop) String() string        { return "nop" }
func (Halt) String() string       { return "halt" }
func (i Const) String() string    { return fmt.Sprintf("const %#x -> %s", i.Imm, i.Dst) }
func (i Mov) String() string      { return fmt.Sprintf("mov %s -> %s", i.Src, i.Dst) }
func (i Bin) String() string      { return fmt.Sprintf("%s %s %s -> %s", i.Op, i.Src1, i.Src2, i.Dst) }
func (i Load) String() string     { return fmt.Sprintf("load [%s] -> %s", i.Ptr, i.Dst) }
func (i Store) String() string    { return fmt.Sprintf("store %s -> [%s]", i.Src, i.Ptr) }
func (i Bnz) String() string      { return fmt.Sprintf("bnz %s %+d", i.Reg, i.Off) }
func (i Jump) String() string     { return fmt.Sprintf("jump %s", i.Reg) }
func (i Jal) String() string      { return fmt.Sprintf("jal %#x", i.Target) }
func (i BnzLabel) String() string { return fmt.Sprintf("bnz %s L%d", i.Reg, int(i.Label)) }
func (i JalLabel) String() string { return fmt.Sprintf("jal L%d", int(i.Label)) }

// Labeled annotates an instruction with the labels pointing at it.
// The layout engine strips these annotations while recording where
// each label lands.
type Labeled struct {
	Labels []Label
	Ins    Instruction
}

// Word is a memory image cell: an instruction or a data word.
type Word interface {
	isWord()
	String() string
}

// Data is an integer memory word.
type Data uint64

func (Data) isWord()     {}
func (Nop) isWord()      {}
func (Halt) isWord()     {}
func (Const) isWord()    {}
func (Mov) isWord()      {}
func (Bin) isWord()      {}
func (Load) isWord()     {}
func (Store) isWord()    {}
func (Bnz) isWord()      {}
func (Jump) isWord()     {}
func (Jal) isWord()      {}
func (BnzLabel) isWord() {}
func (JalLabel) isWord() {}

func (d Data) String() string { return fmt.Sprintf("data %#x", uint64(d)) }
