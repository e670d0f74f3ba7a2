package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/compiler"
	"github.com/tinyrange/sfi/internal/disasm"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sfidbg: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	paramsPath := flag.String("params", "", "Address layout YAML (default: built-in layout)")
	dis := flag.Bool("dis", false, "Disassemble the compiled image")
	trace := flag.Bool("trace", false, "Single-step the image, printing every transition")
	fuel := flag.Int("fuel", 100000, "Step bound for -trace")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -dis|-trace [flags] <program.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Inspect the compiled form and execution of an SFI program.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 || (!*dis && !*trace) {
		flag.Usage()
		return fmt.Errorf("expected -dis or -trace and one program file")
	}

	params := addr.DefaultParams()
	if *paramsPath != "" {
		var err error
		params, err = addr.LoadParams(*paramsPath)
		if err != nil {
			return err
		}
	}

	prog, err := inter.LoadProgram(args[0])
	if err != nil {
		return err
	}
	compiled, err := compiler.Compile(params, prog)
	if err != nil {
		return err
	}

	printer := disasm.Printer{Color: term.IsTerminal(int(os.Stdout.Fd()))}

	if *dis {
		fmt.Print(printer.Dump(compiled))
		return nil
	}
	return traceRun(compiled, printer, *fuel)
}

func traceRun(compiled *compiler.Program, printer disasm.Printer, fuel int) error {
	m := machine.New(compiled)
	st := m.Initial()

	for step := 0; step < fuel; step++ {
		word, ok := st.Mem[st.PC]
		if !ok {
			return fmt.Errorf("no word at %#x", st.PC)
		}
		cid, slot, off := compiled.Params.Decode(st.PC)
		fmt.Printf("%6d  %#012x c%d s%d +%-4d  %s\n",
			step, st.PC, cid, slot, off, printer.Word(word))

		ev, err := m.Step(st)
		if errors.Is(err, machine.ErrHalted) {
			fmt.Println("halted")
			return nil
		}
		if err != nil {
			return err
		}
		if ev != nil {
			fmt.Printf("        %s\n", printer.Event(ev))
		}
	}
	return fmt.Errorf("fuel exhausted after %d steps", fuel)
}
