package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/compiler"
	"github.com/tinyrange/sfi/internal/disasm"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
	"github.com/tinyrange/sfi/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sfi: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	paramsPath := flag.String("params", "", "Address layout YAML (default: built-in layout)")
	output := flag.String("o", "", "Write the image disassembly to a file")
	doRun := flag.Bool("run", false, "Run the compiled image in the simulator")
	fuel := flag.Int("fuel", 100000, "Step bound for -run")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <program.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile a component-structured intermediate program into an SFI machine image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return fmt.Errorf("expected exactly one program file")
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
	slog.Debug("Loaded program", "components", len(prog.Components), "main", prog.Main.String())

	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	var bar *progressbar.ProgressBar
	if isTerminal {
		bar = progressbar.Default(int64(len(prog.Components)), "compiling")
	}
	compiled, err := compiler.CompileOpts(params, prog, compiler.Options{
		OnComponent: func(cid inter.ComponentID) {
			slog.Debug("Compiling component", "id", int(cid))
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	slog.Info("Compiled", "components", len(compiled.Components),
		"exports", len(compiled.Exports), "words", len(compiled.Image))

	if *output != "" {
		dump := disasm.Printer{}.Dump(compiled)
		if err := os.WriteFile(*output, []byte(dump), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *output, err)
		}
		slog.Info("Wrote disassembly", "path", *output)
	}

	if *doRun {
		return runImage(compiled, *fuel)
	}
	return nil
}

func runImage(compiled *compiler.Program, fuel int) error {
	m := machine.New(compiled)
	st := m.Initial()
	trace, err := m.Run(st, fuel)

	printer := disasm.Printer{Color: term.IsTerminal(int(os.Stdout.Fd()))}
	fmt.Print(printer.Trace(trace))

	switch {
	case err == nil:
		slog.Info("Machine halted", "events", len(trace), "rcom", int64(st.Regs[isa.RCom]))
		return nil
	case errors.Is(err, machine.ErrOutOfFuel):
		return fmt.Errorf("fuel exhausted after %d steps", fuel)
	default:
		return err
	}
}
