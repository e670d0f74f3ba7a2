package machine

import (
	"errors"
	"testing"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/compiler"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// rawMachine builds a machine straight from a word map so individual
// opcodes can be exercised without going through the compiler.
func rawMachine(params addr.Params, words map[uint64]isa.Word, exports map[addr.Address]compiler.Export) (*Machine, *State) {
	m := New(&compiler.Program{
		Params:  params,
		Image:   isa.Image(words),
		Exports: exports,
		Entry:   params.AddressOf(0, 0, 0),
	})
	return m, m.Initial()
}

func mustStep(t *testing.T, m *Machine, st *State) Event {
	t.Helper()
	ev, err := m.Step(st)
	if err != nil {
		t.Fatalf("step at %#x: %v", st.PC, err)
	}
	return ev
}

func wantWrong(t *testing.T, m *Machine, st *State, reason string) {
	t.Helper()
	_, err := m.Step(st)
	var wrong *WrongError
	if !errors.As(err, &wrong) {
		t.Fatalf("expected wrong configuration, got %v", err)
	}
	if wrong.Reason != reason {
		t.Fatalf("wrong reason %q, want %q", wrong.Reason, reason)
	}
}

func TestStepArithmetic(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:     isa.Const{Imm: 6, Dst: isa.R1},
		base + 1: isa.Const{Imm: 7, Dst: isa.R2},
		base + 2: isa.Bin{Op: isa.Mul, Src1: isa.R1, Src2: isa.R2, Dst: isa.R3},
		base + 3: isa.Mov{Src: isa.R3, Dst: isa.R4},
		base + 4: isa.Bin{Op: isa.Eq, Src1: isa.R3, Src2: isa.R4, Dst: isa.R5},
		base + 5: isa.Halt{},
	}, nil)

	for i := 0; i < 5; i++ {
		if ev := mustStep(t, m, st); ev != nil {
			t.Fatalf("unexpected event %s", ev)
		}
	}
	if st.Regs[isa.R3] != 42 || st.Regs[isa.R4] != 42 {
		t.Fatalf("r3=%d r4=%d, want 42", st.Regs[isa.R3], st.Regs[isa.R4])
	}
	if st.Regs[isa.R5] != 1 {
		t.Fatalf("eq produced %d, want 1", st.Regs[isa.R5])
	}
	if _, err := m.Step(st); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halt, got %v", err)
	}
}

func TestStepSignedComparison(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:     isa.Const{Imm: ^uint64(4), Dst: isa.R1}, // -5
		base + 1: isa.Const{Imm: 3, Dst: isa.R2},
		base + 2: isa.Bin{Op: isa.Leq, Src1: isa.R1, Src2: isa.R2, Dst: isa.R3},
	}, nil)
	for i := 0; i < 3; i++ {
		mustStep(t, m, st)
	}
	if st.Regs[isa.R3] != 1 {
		t.Fatalf("-5 <= 3 evaluated to %d", st.Regs[isa.R3])
	}
}

func TestStepLoadStore(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	cell := params.AddressOf(0, 1, 4)
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:     isa.Const{Imm: cell, Dst: isa.R1},
		base + 1: isa.Const{Imm: 9, Dst: isa.R2},
		base + 2: isa.Store{Ptr: isa.R1, Src: isa.R2},
		base + 3: isa.Load{Ptr: isa.R1, Dst: isa.R3},
		cell:     isa.Data(0),
	}, nil)
	for i := 0; i < 4; i++ {
		mustStep(t, m, st)
	}
	if st.Regs[isa.R3] != 9 {
		t.Fatalf("loaded %d, want 9", st.Regs[isa.R3])
	}
	if got := st.Mem[cell]; got != isa.Data(9) {
		t.Fatalf("memory cell holds %v, want 9", got)
	}
}

func TestStepMemoryWrongs(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	code := params.AddressOf(0, 2, 0)

	// Load through a code address.
	m, st := rawMachine(params, map[uint64]isa.Word{
		base: isa.Load{Ptr: isa.R1, Dst: isa.R2},
	}, nil)
	st.Regs[isa.R1] = code
	wantWrong(t, m, st, "load from code address")

	// Load from a data address with no cell behind it.
	m, st = rawMachine(params, map[uint64]isa.Word{
		base: isa.Load{Ptr: isa.R1, Dst: isa.R2},
	}, nil)
	st.Regs[isa.R1] = params.AddressOf(0, 1, 0)
	wantWrong(t, m, st, "load from undefined memory")

	// Store through a code address.
	m, st = rawMachine(params, map[uint64]isa.Word{
		base: isa.Store{Ptr: isa.R1, Src: isa.R2},
	}, nil)
	st.Regs[isa.R1] = code
	wantWrong(t, m, st, "store to code address")

	// Executing a data word.
	m, st = rawMachine(params, map[uint64]isa.Word{
		base: isa.Data(77),
	}, nil)
	wantWrong(t, m, st, "pc points at data")

	// Running off the image.
	m, st = rawMachine(params, map[uint64]isa.Word{}, nil)
	wantWrong(t, m, st, "no word at pc")
}

func TestStepBnz(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:     isa.Const{Imm: 1, Dst: isa.R1},
		base + 1: isa.Bnz{Reg: isa.R1, Off: 3},
		base + 4: isa.Const{Imm: 0, Dst: isa.R1},
		base + 5: isa.Bnz{Reg: isa.R1, Off: -4},
		base + 6: isa.Halt{},
	}, nil)

	mustStep(t, m, st)
	mustStep(t, m, st)
	if st.PC != base+4 {
		t.Fatalf("taken branch landed at %#x, want %#x", st.PC, base+4)
	}
	mustStep(t, m, st)
	mustStep(t, m, st)
	if st.PC != base+6 {
		t.Fatalf("untaken branch landed at %#x, want %#x", st.PC, base+6)
	}
}

func TestStepJump(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	local := params.AddressOf(0, 2, 0)
	foreign := params.AddressOf(3, 2, 0)

	// A jump inside the component is silent.
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:  isa.Jump{Reg: isa.R1},
		local: isa.Halt{},
	}, nil)
	st.Regs[isa.R1] = local
	if ev := mustStep(t, m, st); ev != nil {
		t.Fatalf("intra-component jump produced %s", ev)
	}
	if st.PC != local {
		t.Fatalf("jump landed at %#x, want %#x", st.PC, local)
	}

	// Crossing a component boundary produces a return event carrying
	// the communication register.
	m, st = rawMachine(params, map[uint64]isa.Word{
		base:    isa.Jump{Reg: isa.R1},
		foreign: isa.Halt{},
	}, nil)
	st.Regs[isa.R1] = foreign
	st.Regs[isa.RCom] = 13
	ev := mustStep(t, m, st)
	ret, ok := ev.(ReturnEvent)
	if !ok {
		t.Fatalf("expected return event, got %v", ev)
	}
	if ret.From != 0 || ret.To != 3 || ret.Value != 13 {
		t.Fatalf("return event %+v", ret)
	}

	// Jumping into a data slot is a wrong configuration.
	m, st = rawMachine(params, map[uint64]isa.Word{
		base: isa.Jump{Reg: isa.R1},
	}, nil)
	st.Regs[isa.R1] = params.AddressOf(0, 1, 0)
	wantWrong(t, m, st, "jump to data address")
}

func TestStepJalExportGate(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	entry := params.AddressOf(2, 2, 1)

	// Cross-component jal outside the export table is wrong.
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:  isa.Jal{Target: entry},
		entry: isa.Halt{},
	}, nil)
	wantWrong(t, m, st, "cross-component jal outside the export table")

	// The same jal with the target sanctioned produces a call event
	// and links the return address.
	m, st = rawMachine(params, map[uint64]isa.Word{
		base:  isa.Jal{Target: entry},
		entry: isa.Halt{},
	}, map[addr.Address]compiler.Export{
		entry: {Label: 4, Ref: inter.ProcRef{Component: 7, Procedure: 0}},
	})
	st.Regs[isa.RCom] = 21
	ev := mustStep(t, m, st)
	call, ok := ev.(CallEvent)
	if !ok {
		t.Fatalf("expected call event, got %v", ev)
	}
	if call.From != 0 || call.To != 2 || call.Proc != 4 || call.Arg != 21 {
		t.Fatalf("call event %+v", call)
	}
	if st.Regs[isa.RRa] != base+1 {
		t.Fatalf("link register %#x, want %#x", st.Regs[isa.RRa], base+1)
	}
	if st.PC != entry {
		t.Fatalf("pc %#x, want %#x", st.PC, entry)
	}

	// Intra-component jal needs no sanction.
	local := params.AddressOf(0, 2, 0)
	m, st = rawMachine(params, map[uint64]isa.Word{
		base:  isa.Jal{Target: local},
		local: isa.Halt{},
	}, nil)
	if ev := mustStep(t, m, st); ev != nil {
		t.Fatalf("intra-component jal produced %s", ev)
	}
}

func TestRunOutOfFuel(t *testing.T) {
	params := addr.DefaultParams()
	base := params.AddressOf(0, 0, 0)
	m, st := rawMachine(params, map[uint64]isa.Word{
		base:     isa.Const{Imm: 1, Dst: isa.R1},
		base + 1: isa.Bnz{Reg: isa.R1, Off: -1},
	}, nil)
	if _, err := m.Run(st, 100); !errors.Is(err, ErrOutOfFuel) {
		t.Fatalf("expected fuel exhaustion, got %v", err)
	}
}

// parseCode is a fixture helper shared by the integration tests.
func parseCode(t *testing.T, lines ...string) []inter.Instruction {
	t.Helper()
	var out []inter.Instruction
	for _, l := range lines {
		ins, err := inter.ParseInstruction(l)
		if err != nil {
			t.Fatalf("parse %q: %v", l, err)
		}
		out = append(out, ins)
	}
	return out
}

// chainProgram is the integration fixture: component 1 loops three
// times, each iteration calling component 2, which forwards into
// component 3. Component 3 doubles the communication register.
func chainProgram(t *testing.T) *inter.Program {
	t.Helper()
	return &inter.Program{
		Main: inter.ProcRef{Component: 1, Procedure: 0},
		Components: []inter.Component{
			{
				ID:      1,
				Exports: []inter.ProcedureID{0},
				Imports: []inter.ProcRef{{Component: 2, Procedure: 0}},
				Procedures: []inter.Procedure{
					{ID: 0, Code: parseCode(t,
						"const ptr(1,0,0) r1",
						"load r1 r2",
						"label loop",
						"mov r2 rcom",
						"call 2 0",
						"const ptr(1,0,1) r4",
						"store r4 rcom",
						"const -1 r3",
						"add r2 r3 r2",
						"bnz r2 loop",
						"load r4 rcom",
						"return",
					)},
				},
				Buffers: []inter.Buffer{
					{ID: 0, Values: []inter.Value{inter.IntValue(3), inter.IntValue(0)}},
				},
			},
			{
				ID:      2,
				Exports: []inter.ProcedureID{0},
				Imports: []inter.ProcRef{{Component: 3, Procedure: 0}},
				Procedures: []inter.Procedure{
					{ID: 0, Code: parseCode(t,
						"const 1 r5",
						"add rcom r5 rcom",
						"call 3 0",
						"return",
					)},
				},
			},
			{
				ID:      3,
				Exports: []inter.ProcedureID{0},
				Procedures: []inter.Procedure{
					{ID: 0, Code: parseCode(t,
						"add rcom rcom rcom",
						"return",
					)},
				},
			},
		},
	}
}

func compileAndRun(t *testing.T, prog *inter.Program, fuel int) (*Machine, *State, []Event) {
	t.Helper()
	params := addr.DefaultParams()
	compiled, err := compiler.Compile(params, prog)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	m := New(compiled)
	st := m.Initial()
	trace, err := m.Run(st, fuel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return m, st, trace
}

func TestCompiledChainTrace(t *testing.T) {
	_, st, trace := compileAndRun(t, chainProgram(t), 100000)

	// Bootstrap call, three round trips through components 2 and 3,
	// and the final return to the monitor.
	if len(trace) != 1+3*4+1 {
		t.Fatalf("trace has %d events: %v", len(trace), trace)
	}
	boot, ok := trace[0].(CallEvent)
	if !ok || boot.From != 0 || boot.To != 1 || boot.Arg != 0 {
		t.Fatalf("first event %v, want bootstrap call into component 1", trace[0])
	}

	// First iteration: rcom goes 3 -> 4 entering component 3, doubles
	// to 8, and returns unchanged through component 2.
	first := trace[1:5]
	if c, ok := first[0].(CallEvent); !ok || c.From != 1 || c.To != 2 || c.Arg != 3 {
		t.Fatalf("event 1 = %v", first[0])
	}
	if c, ok := first[1].(CallEvent); !ok || c.From != 2 || c.To != 3 || c.Arg != 4 {
		t.Fatalf("event 2 = %v", first[1])
	}
	if r, ok := first[2].(ReturnEvent); !ok || r.From != 3 || r.To != 2 || r.Value != 8 {
		t.Fatalf("event 3 = %v", first[2])
	}
	if r, ok := first[3].(ReturnEvent); !ok || r.From != 2 || r.To != 1 || r.Value != 8 {
		t.Fatalf("event 4 = %v", first[3])
	}

	// Last iteration runs with r2=1, so the stored result is (1+1)*2.
	last, ok := trace[len(trace)-1].(ReturnEvent)
	if !ok || last.From != 1 || last.To != 0 {
		t.Fatalf("final event %v, want return to monitor", trace[len(trace)-1])
	}
	if last.Value != 4 {
		t.Fatalf("final value %d, want 4", int64(last.Value))
	}
	if st.Regs[isa.RCom] != 4 {
		t.Fatalf("rcom after halt = %d, want 4", st.Regs[isa.RCom])
	}
}

// TestTraceWellNested checks the stack discipline of the trace: every
// return matches the most recent unanswered call.
func TestTraceWellNested(t *testing.T) {
	_, _, trace := compileAndRun(t, chainProgram(t), 100000)

	stack := []addr.ComponentID{0}
	for i, ev := range trace {
		switch v := ev.(type) {
		case CallEvent:
			if v.From != stack[len(stack)-1] {
				t.Fatalf("event %d: call from %d while in %d", i, v.From, stack[len(stack)-1])
			}
			stack = append(stack, v.To)
		case ReturnEvent:
			if v.From != stack[len(stack)-1] {
				t.Fatalf("event %d: return from %d while in %d", i, v.From, stack[len(stack)-1])
			}
			stack = stack[:len(stack)-1]
			if v.To != stack[len(stack)-1] {
				t.Fatalf("event %d: return to %d, caller was %d", i, v.To, stack[len(stack)-1])
			}
		}
	}
	if len(stack) != 1 || stack[0] != 0 {
		t.Fatalf("trace left the stack at %v", stack)
	}
}

// TestStoreIsolation single-steps the compiled program and checks that
// every store lands in the running component's own region or in the
// monitor's shadow stack.
func TestStoreIsolation(t *testing.T) {
	params := addr.DefaultParams()
	compiled, err := compiler.Compile(params, chainProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	m := New(compiled)
	st := m.Initial()

	for i := 0; i < 100000; i++ {
		var target uint64
		checking := false
		if w, ok := st.Mem[st.PC]; ok {
			if s, ok := w.(isa.Store); ok {
				target = st.Regs[s.Ptr]
				checking = true
			}
		}
		cur := params.ComponentOf(st.PC)

		_, err := m.Step(st)
		if errors.Is(err, ErrHalted) {
			return
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if checking {
			dst := params.ComponentOf(target)
			if dst != cur && dst != 0 {
				t.Fatalf("component %d stored into component %d at %#x", cur, dst, target)
			}
		}
	}
	t.Fatal("program did not halt")
}

// TestMasksRestoredAfterReturn follows a cross-component return and
// checks the caller's masks are back in place within one basic block.
func TestMasksRestoredAfterReturn(t *testing.T) {
	params := addr.DefaultParams()
	compiled, err := compiler.Compile(params, chainProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	m := New(compiled)
	st := m.Initial()

	for i := 0; i < 100000; i++ {
		ev, err := m.Step(st)
		if errors.Is(err, ErrHalted) {
			return
		}
		if err != nil {
			t.Fatal(err)
		}
		ret, ok := ev.(ReturnEvent)
		if !ok || ret.To == 0 {
			continue
		}
		// Padding plus the four restore constants.
		window := params.BasicBlockSize + 4
		restored := false
		for j := 0; j < window; j++ {
			if st.Regs[isa.ROrDataMask] == params.OrDataMask(ret.To) &&
				st.Regs[isa.ROrCodeMask] == params.OrCodeMask(ret.To) {
				restored = true
				break
			}
			if _, err := m.Step(st); err != nil {
				t.Fatal(err)
			}
		}
		if !restored {
			t.Fatalf("masks of component %d not restored after return", ret.To)
		}
	}
	t.Fatal("program did not halt")
}

// TestShadowStackSlotsDistinct runs the nested call chain and checks
// that each call depth wrote its return address into its own shadow
// slot: depth n must not alias depth n-1 even though the base slot id
// has low bits set.
func TestShadowStackSlotsDistinct(t *testing.T) {
	params := addr.DefaultParams()
	compiled, err := compiler.Compile(params, chainProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	m := New(compiled)
	st := m.Initial()
	if _, err := m.Run(st, 100000); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The chain reaches depth 3: monitor->1->2->3. The caller at
	// depth n is component n, so each saved return address must point
	// back into that component's code.
	for n := uint64(0); n < 3; n++ {
		cell, ok := st.Mem[params.ShadowSlot(n)]
		if !ok {
			t.Fatalf("shadow slot %d was never written", n)
		}
		ra, ok := cell.(isa.Data)
		if !ok {
			t.Fatalf("shadow slot %d holds %v, want a saved address", n, cell)
		}
		if got := params.ComponentOf(uint64(ra)); got != n {
			t.Fatalf("shadow slot %d holds a return address into component %d", n, got)
		}
		if !params.IsCodeAddress(uint64(ra)) {
			t.Fatalf("shadow slot %d holds a data address", n)
		}
	}
}

// TestSingleSanctionedEntry records every cross-component jal taken
// during a run and checks each lands exactly on an export table entry.
func TestSingleSanctionedEntry(t *testing.T) {
	params := addr.DefaultParams()
	compiled, err := compiler.Compile(params, chainProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	m := New(compiled)
	st := m.Initial()

	entries := make(map[inter.ProcRef]map[uint64]bool)
	for i := 0; i < 100000; i++ {
		if w, ok := st.Mem[st.PC]; ok {
			if jal, ok := w.(isa.Jal); ok {
				if params.ComponentOf(jal.Target) != params.ComponentOf(st.PC) {
					exp, sanctioned := compiled.Exports[jal.Target]
					if !sanctioned {
						t.Fatalf("cross-component jal at %#x targets %#x outside the export table",
							st.PC, jal.Target)
					}
					if entries[exp.Ref] == nil {
						entries[exp.Ref] = make(map[uint64]bool)
					}
					entries[exp.Ref][jal.Target] = true
				}
			}
		}
		if _, err := m.Step(st); err != nil {
			if errors.Is(err, ErrHalted) {
				break
			}
			t.Fatalf("step %d: %v", i, err)
		}
	}

	// Each callee is only ever entered through one address.
	for ref, targets := range entries {
		if len(targets) != 1 {
			t.Fatalf("procedure %s entered through %d distinct addresses", ref, len(targets))
		}
	}
	if len(entries) != 3 {
		t.Fatalf("expected entries into 3 procedures, saw %d", len(entries))
	}
}

// allocProgram exercises the bump allocator: main allocates a block,
// stores into it, reads the value back, and returns it.
func allocProgram(t *testing.T) *inter.Program {
	t.Helper()
	return &inter.Program{
		Main: inter.ProcRef{Component: 1, Procedure: 0},
		Components: []inter.Component{
			{
				ID:      1,
				Exports: []inter.ProcedureID{0},
				Procedures: []inter.Procedure{
					{ID: 0, Code: parseCode(t,
						"const 4 r2",
						"alloc r1 r2",
						"const 55 r3",
						"store r1 r3",
						"alloc r4 r2",
						"const 11 r3",
						"store r4 r3",
						"load r1 rcom",
						"load r4 r5",
						"add rcom r5 rcom",
						"return",
					)},
				},
				Buffers: []inter.Buffer{
					{ID: 0, Size: 1},
				},
			},
		},
	}
}

func TestCompiledAlloc(t *testing.T) {
	params := addr.DefaultParams()
	_, st, trace := compileAndRun(t, allocProgram(t), 100000)

	final, ok := trace[len(trace)-1].(ReturnEvent)
	if !ok {
		t.Fatalf("final event %v", trace[len(trace)-1])
	}
	if final.Value != 66 {
		t.Fatalf("allocated cells read back %d, want 66", int64(final.Value))
	}

	// The two allocations must land in distinct fresh data slots after
	// the single static buffer.
	meta := params.AddressOf(1, addr.AllocMetaSlot, 0)
	if got := st.Mem[meta]; got != isa.Data(3) {
		t.Fatalf("allocator metadata %v, want 3", got)
	}
}
