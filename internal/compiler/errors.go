package compiler

import (
	"fmt"

	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// The compiler error taxonomy. Environment lookup misses indicate a
// compiler bug for well-formed input and carry full positional context;
// pointer constant errors are input validation failures; exhaustion
// errors report address space limits. Every error aborts the whole
// compilation, there is no partial output.

type MissingComponentError struct {
	Component inter.ComponentID
}

func (e *MissingComponentError) Error() string {
	return fmt.Sprintf("compiler: component %d not in environment", e.Component)
}

type MissingProcedureError struct {
	Component inter.ComponentID
	Procedure inter.ProcedureID
}

func (e *MissingProcedureError) Error() string {
	return fmt.Sprintf("compiler: procedure %d.%d not in environment", e.Component, e.Procedure)
}

type MissingBlockError struct {
	Component inter.ComponentID
	Block     inter.BlockID
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("compiler: block %d.%d not in environment", e.Component, e.Block)
}

// DuplicatedLabelsError covers label layout violations: a label defined
// twice, or a procedure entry label not landing at its fixed offset.
type DuplicatedLabelsError struct {
	Component inter.ComponentID
	Procedure inter.ProcedureID
	Label     isa.Label
	Reason    string
}

func (e *DuplicatedLabelsError) Error() string {
	return fmt.Sprintf("compiler: procedure %d.%d label L%d: %s",
		e.Component, e.Procedure, int(e.Label), e.Reason)
}

type MalformedPointerConstantError struct {
	Component inter.ComponentID
	Block     inter.BlockID
	Offset    int64
}

func (e *MalformedPointerConstantError) Error() string {
	return fmt.Sprintf("compiler: malformed pointer constant ptr(%d,%d,%d): offset outside the buffer",
		e.Component, e.Block, e.Offset)
}

// AllocationExhaustedError reports an address space limit: too many
// components, procedure slots or buffer slots beyond the slot field, or
// code overflowing a slot.
type AllocationExhaustedError struct {
	Reason string
}

func (e *AllocationExhaustedError) Error() string {
	return "compiler: allocation exhausted: " + e.Reason
}
