package inter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/sfi/internal/isa"
)

func TestParseInstruction(t *testing.T) {
	tests := []struct {
		line string
		want Instruction
	}{
		{"nop", Nop{}},
		{"halt", Halt{}},
		{"return", Return{}},
		{"label loop", Label{Name: "loop"}},
		{"const 42 r1", Const{Value: IntValue(42), Dst: isa.R1}},
		{"const -7 rcom", Const{Value: IntValue(-7), Dst: isa.RCom}},
		{"const ptr(1,0,2) r3", Const{Value: PtrValue{Component: 1, Block: 0, Offset: 2}, Dst: isa.R3}},
		{"mov r1 r2", Mov{Src: isa.R1, Dst: isa.R2}},
		{"add r1 r2 r3", Bin{Op: isa.Add, Src1: isa.R1, Src2: isa.R2, Dst: isa.R3}},
		{"leq r0 r1 r2", Bin{Op: isa.Leq, Src1: isa.R0, Src2: isa.R1, Dst: isa.R2}},
		{"load r1 r2", Load{Ptr: isa.R1, Dst: isa.R2}},
		{"store r1 r2", Store{Ptr: isa.R1, Src: isa.R2}},
		{"alloc r1 r2", Alloc{Dst: isa.R1, Size: isa.R2}},
		{"bnz r1 loop", Bnz{Reg: isa.R1, Label: "loop"}},
		{"jal done", Jal{Label: "done"}},
		{"jump rra", Jump{Reg: isa.RRa}},
		{"call 2 0", Call{Component: 2, Procedure: 0}},
	}
	for _, tc := range tests {
		got, err := ParseInstruction(tc.line)
		if err != nil {
			t.Errorf("parse %q: %v", tc.line, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parse %q = %#v, want %#v", tc.line, got, tc.want)
		}
	}
}

func TestParseInstructionErrors(t *testing.T) {
	bad := []string{
		"",
		"frobnicate r1",
		"const r1",
		"const ptr(1,0) r1",
		"mov r1",
		"store raux1 r2", // reserved register
		"call one 0",
		"jump rsp",
	}
	for _, line := range bad {
		if _, err := ParseInstruction(line); err == nil {
			t.Errorf("parse %q: expected error", line)
		}
	}
}

func TestInstructionStringRoundTrip(t *testing.T) {
	lines := []string{
		"nop",
		"const ptr(2,1,3) r0",
		"sub r4 r5 r6",
		"bnz r2 loop",
		"call 3 1",
		"return",
	}
	for _, line := range lines {
		ins, err := ParseInstruction(line)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if got := ins.String(); got != line {
			t.Errorf("round trip %q: got %q", line, got)
		}
	}
}

const sampleProgram = `
main: {component: 1, procedure: 0}
components:
  - id: 1
    exports: [0]
    imports: [{component: 2, procedure: 0}]
    procedures:
      - id: 0
        code:
          - const 5 rcom
          - call 2 0
          - return
    buffers:
      - id: 0
        values: [1, 2, "ptr(1,0,0)"]
  - id: 2
    exports: [0]
    procedures:
      - id: 0
        code:
          - const 1 r1
          - add rcom r1 rcom
          - return
    buffers:
      - id: 0
        size: 4
`

func TestParseProgram(t *testing.T) {
	prog, err := Parse([]byte(sampleProgram))
	if err != nil {
		t.Fatalf("parse program: %v", err)
	}
	if len(prog.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(prog.Components))
	}
	if prog.Main != (ProcRef{Component: 1, Procedure: 0}) {
		t.Fatalf("unexpected main: %s", prog.Main)
	}
	proc, ok := prog.Procedure(ProcRef{Component: 2, Procedure: 0})
	if !ok {
		t.Fatal("procedure 2.0 not found")
	}
	if len(proc.Code) != 3 {
		t.Fatalf("expected 3 instructions, got %d", len(proc.Code))
	}
	comp, _ := prog.Component(1)
	if len(comp.Buffers) != 1 || len(comp.Buffers[0].Values) != 3 {
		t.Fatalf("component 1 buffers malformed: %+v", comp.Buffers)
	}
	if comp.Buffers[0].Values[2] != (PtrValue{Component: 1, Block: 0, Offset: 0}) {
		t.Fatalf("pointer value not decoded: %v", comp.Buffers[0].Values[2])
	}
}

func TestLoadProgramFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.yaml")
	if err := os.WriteFile(path, []byte(sampleProgram), 0o644); err != nil {
		t.Fatal(err)
	}
	prog, err := LoadProgram(path)
	if err != nil {
		t.Fatalf("load program: %v", err)
	}
	if len(prog.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(prog.Components))
	}
	if _, err := LoadProgram(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error loading a missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Program)
		fragNot string
	}{
		{
			name:   "duplicate component",
			mutate: func(p *Program) { p.Components = append(p.Components, Component{ID: 1}) },
		},
		{
			name:   "main not exported",
			mutate: func(p *Program) { p.Components[0].Exports = nil },
		},
		{
			name: "call not imported",
			mutate: func(p *Program) {
				p.Components[0].Imports = nil
			},
		},
		{
			name: "undefined branch label",
			mutate: func(p *Program) {
				proc := &p.Components[1].Procedures[0]
				proc.Code = append(proc.Code, Bnz{Reg: isa.R1, Label: "nowhere"})
			},
		},
		{
			name: "buffer with size and values",
			mutate: func(p *Program) {
				p.Components[1].Buffers[0].Values = []Value{IntValue(1)}
			},
		},
	}
	for _, tc := range tests {
		prog, err := Parse([]byte(sampleProgram))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		tc.mutate(prog)
		if err := prog.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		} else if !strings.HasPrefix(err.Error(), "inter:") {
			t.Errorf("%s: error missing package prefix: %v", tc.name, err)
		}
	}
}
