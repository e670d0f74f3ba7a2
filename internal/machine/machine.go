// Package machine implements the deterministic single-step target
// machine used as the differential-testing oracle for compiled images.
// It is not a production execution engine; its job is to expose every
// state transition and cross-component event to the test harness.
package machine

import (
	"errors"
	"fmt"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/compiler"
	"github.com/tinyrange/sfi/internal/isa"
)

// State is one machine configuration. Mem starts as a copy of the
// compiled image and is mutated only by Step.
type State struct {
	Mem  isa.Image
	PC   uint64
	Regs [isa.NumRegisters]uint64
}

// Event is a cross-component observable: the trace alphabet shared
// with the intermediate-level semantics.
type Event interface {
	isEvent()
	String() string
}

// CallEvent records a jump-and-link crossing a component boundary into
// an exported procedure.
type CallEvent struct {
	From addr.ComponentID
	To   addr.ComponentID
	Proc isa.Label
	Arg  uint64
}

// ReturnEvent records a register-indirect jump crossing a component
// boundary, which only the return trampoline produces.
type ReturnEvent struct {
	From  addr.ComponentID
	To    addr.ComponentID
	Value uint64
}

func (CallEvent) isEvent()   {}
func (ReturnEvent) isEvent() {}

func (e CallEvent) String() string {
	return fmt.Sprintf("call %d->%d L%d arg=%d", e.From, e.To, int(e.Proc), int64(e.Arg))
}

func (e ReturnEvent) String() string {
	return fmt.Sprintf("ret %d->%d val=%d", e.From, e.To, int64(e.Value))
}

// ErrHalted is returned by Step when the machine executes a halt. It is
// the machine's one normal terminal outcome.
var ErrHalted = errors.New("machine: halted")

// ErrOutOfFuel is returned by Run when the step bound is exhausted
// before the machine halts.
var ErrOutOfFuel = errors.New("machine: out of fuel")

// WrongError reports a stuck configuration: no decodable instruction at
// the program counter, an undefined operand, or a memory access that
// violates the code/data separation.
type WrongError struct {
	PC     uint64
	Reason string
}

func (e *WrongError) Error() string {
	return fmt.Sprintf("machine: wrong at %#x: %s", e.PC, e.Reason)
}

// Machine pairs an immutable compiled program with the step relation.
type Machine struct {
	params  addr.Params
	image   isa.Image
	exports map[addr.Address]compiler.Export
}

func New(prog *compiler.Program) *Machine {
	return &Machine{
		params:  prog.Params,
		image:   prog.Image,
		exports: prog.Exports,
	}
}

// Initial returns the boot state: a fresh copy of the image, the
// program counter at the monitor bootstrap, and all registers zero.
func (m *Machine) Initial() *State {
	return &State{
		Mem: m.image.Clone(),
		PC:  m.params.AddressOf(0, 0, 0),
	}
}

// Run drives Step until halt, a wrong configuration, or fuel
// exhaustion, collecting the cross-component trace. Halting returns a
// nil error.
func (m *Machine) Run(st *State, fuel int) ([]Event, error) {
	var trace []Event
	for i := 0; i < fuel; i++ {
		ev, err := m.Step(st)
		if errors.Is(err, ErrHalted) {
			return trace, nil
		}
		if err != nil {
			return trace, err
		}
		if ev != nil {
			trace = append(trace, ev)
		}
	}
	return trace, ErrOutOfFuel
}
