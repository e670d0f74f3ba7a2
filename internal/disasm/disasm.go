// Package disasm renders compiled images, instructions, and traces as
// text, optionally styled with ANSI colors for terminal use.
package disasm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/sfi/internal/compiler"
	"github.com/tinyrange/sfi/internal/isa"
	"github.com/tinyrange/sfi/internal/machine"
)

// Printer renders program text. The zero value prints plain text;
// set Color for SGR-styled output.
type Printer struct {
	Color bool
}

func (p Printer) styled(s string, style ansi.Style) string {
	if !p.Color {
		return s
	}
	return style.Styled(s)
}

func (p Printer) opcode(s string) string {
	return p.styled(s, ansi.Style{}.ForegroundColor(ansi.Cyan))
}

func (p Printer) control(s string) string {
	return p.styled(s, ansi.Style{}.ForegroundColor(ansi.Red).Bold())
}

func (p Printer) data(s string) string {
	return p.styled(s, ansi.Style{}.ForegroundColor(ansi.Yellow))
}

func (p Printer) comment(s string) string {
	return p.styled(s, ansi.Style{}.Faint())
}

// Word renders one memory word.
func (p Printer) Word(w isa.Word) string {
	switch v := w.(type) {
	case isa.Data:
		return p.data(v.String())
	case isa.Halt, isa.Jump, isa.Jal, isa.Bnz:
		return p.control(v.String())
	case isa.Instruction:
		return p.opcode(v.String())
	default:
		return fmt.Sprintf("?%T", w)
	}
}

// Event renders one trace event.
func (p Printer) Event(ev machine.Event) string {
	switch ev.(type) {
	case machine.CallEvent:
		return p.control(ev.String())
	case machine.ReturnEvent:
		return p.data(ev.String())
	default:
		return ev.String()
	}
}

// Dump renders the whole image in address order, annotating each word
// with its (component, slot, offset) triple and marking export table
// entries.
func (p Printer) Dump(prog *compiler.Program) string {
	addrs := make([]uint64, 0, len(prog.Image))
	for a := range prog.Image {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var sb strings.Builder
	var prevSlotBase uint64
	for i, a := range addrs {
		cid, slot, off := prog.Params.Decode(a)
		slotBase := a - off
		if i > 0 && slotBase != prevSlotBase {
			sb.WriteByte('\n')
		}
		prevSlotBase = slotBase

		note := ""
		if exp, ok := prog.Exports[a]; ok {
			note = p.comment(fmt.Sprintf("  ; export %s (L%d)", exp.Ref, int(exp.Label)))
		}
		fmt.Fprintf(&sb, "%#012x  c%d s%d +%-4d  %s%s\n",
			a, cid, slot, off, p.Word(prog.Image[a]), note)
	}
	return sb.String()
}

// Trace renders a run's event trace, one event per line.
func (p Printer) Trace(events []machine.Event) string {
	var sb strings.Builder
	for i, ev := range events {
		fmt.Fprintf(&sb, "%4d  %s\n", i, p.Event(ev))
	}
	return sb.String()
}
