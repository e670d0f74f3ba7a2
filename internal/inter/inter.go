// Package inter models the component-structured intermediate programs
// consumed by the SFI backend: per-component interfaces, procedure
// bodies in the intermediate instruction set, and static buffers. The
// intermediate language's own type checker and interpreter live
// upstream; this package only parses and sanity-checks the input.
package inter

import (
	"fmt"

	"github.com/tinyrange/sfi/internal/isa"
)

type ComponentID int

type ProcedureID int

type BlockID int

// ProcRef names a procedure of some component.
type ProcRef struct {
	Component ComponentID `yaml:"component"`
	Procedure ProcedureID `yaml:"procedure"`
}

func (r ProcRef) String() string {
	return fmt.Sprintf("%d.%d", int(r.Component), int(r.Procedure))
}

// Value is an intermediate constant: an integer or a pointer into a
// static buffer.
type Value interface {
	isValue()
	String() string
}

type IntValue int64

// PtrValue points at offset Offset of component Component's static
// buffer Block.
type PtrValue struct {
	Component ComponentID
	Block     BlockID
	Offset    int64
}

func (IntValue) isValue() {}
func (PtrValue) isValue() {}

func (v IntValue) String() string { return fmt.Sprintf("%d", int64(v)) }
func (v PtrValue) String() string {
	return fmt.Sprintf("ptr(%d,%d,%d)", int(v.Component), int(v.Block), v.Offset)
}

// Instruction is the intermediate instruction set. Labels are local to
// their procedure.
type Instruction interface {
	isInstruction()
	String() string
}

type Nop struct{}

type Label struct {
	Name string
}

type Const struct {
	Value Value
	Dst   isa.Register
}

type Mov struct {
	Src isa.Register
	Dst isa.Register
}

type Bin struct {
	Op   isa.BinOp
	Src1 isa.Register
	Src2 isa.Register
	Dst  isa.Register
}

type Load struct {
	Ptr isa.Register
	Dst isa.Register
}

type Store struct {
	Ptr isa.Register
	Src isa.Register
}

// Alloc requests a fresh block; the resulting pointer is written to
// Dst. Size carries the requested size, bounded by the slot size.
type Alloc struct {
	Dst  isa.Register
	Size isa.Register
}

type Bnz struct {
	Reg   isa.Register
	Label string
}

type Jal struct {
	Label string
}

type Jump struct {
	Reg isa.Register
}

type Call struct {
	Component ComponentID
	Procedure ProcedureID
}

type Return struct{}

type Halt struct{}

func (Nop) isInstruction()    {}
func (Label) isInstruction()  {}
func (Const) isInstruction()  {}
func (Mov) isInstruction()    {}
func (Bin) isInstruction()    {}
func (Load) isInstruction()   {}
func (Store) isInstruction()  {}
func (Alloc) isInstruction()  {}
func (Bnz) isInstruction()    {}
func (Jal) isInstruction()    {}
func (Jump) isInstruction()   {}
func (Call) isInstruction()   {}
func (Return) isInstruction() {}
func (Halt) isInstruction()   {}

// Procedure is one intermediate procedure body.
type Procedure struct {
	ID   ProcedureID
	Code []Instruction
}

// Buffer is a static buffer: either an uninitialized size or an
// explicit list of initial values, never both.
type Buffer struct {
	ID     BlockID
	Size   int64
	Values []Value
}

// Component bundles one component's interface, code, and data.
type Component struct {
	ID         ComponentID
	Exports    []ProcedureID
	Imports    []ProcRef
	Procedures []Procedure
	Buffers    []Buffer
}

// Exported reports whether pid appears in the component's export list.
func (c *Component) Exported(pid ProcedureID) bool {
	for _, p := range c.Exports {
		if p == pid {
			return true
		}
	}
	return false
}

// Imported reports whether ref appears in the component's import list.
func (c *Component) Imported(ref ProcRef) bool {
	for _, imp := range c.Imports {
		if imp == ref {
			return true
		}
	}
	return false
}

// Program is the whole compilation unit.
type Program struct {
	Components []Component
	Main       ProcRef
}

// Component returns the component with the given id.
func (p *Program) Component(cid ComponentID) (*Component, bool) {
	for i := range p.Components {
		if p.Components[i].ID == cid {
			return &p.Components[i], true
		}
	}
	return nil, false
}

// Procedure returns a procedure body by reference.
func (p *Program) Procedure(ref ProcRef) (*Procedure, bool) {
	comp, ok := p.Component(ref.Component)
	if !ok {
		return nil, false
	}
	for i := range comp.Procedures {
		if comp.Procedures[i].ID == ref.Procedure {
			return &comp.Procedures[i], true
		}
	}
	return nil, false
}
