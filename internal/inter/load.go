package inter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type programYAML struct {
	Main       ProcRef         `yaml:"main"`
	Components []componentYAML `yaml:"components"`
}

type componentYAML struct {
	ID         int             `yaml:"id"`
	Exports    []int           `yaml:"exports,omitempty"`
	Imports    []ProcRef       `yaml:"imports,omitempty"`
	Procedures []procedureYAML `yaml:"procedures,omitempty"`
	Buffers    []bufferYAML    `yaml:"buffers,omitempty"`
}

type procedureYAML struct {
	ID   int      `yaml:"id"`
	Code []string `yaml:"code"`
}

type bufferYAML struct {
	ID     int   `yaml:"id"`
	Size   int64 `yaml:"size,omitempty"`
	Values []any `yaml:"values,omitempty"`
}

// LoadProgram reads an intermediate program from a YAML file and
// validates it.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML-encoded intermediate program.
func Parse(data []byte) (*Program, error) {
	var raw programYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}

	prog := &Program{Main: raw.Main}
	for _, rc := range raw.Components {
		comp := Component{
			ID:      ComponentID(rc.ID),
			Imports: rc.Imports,
		}
		for _, e := range rc.Exports {
			comp.Exports = append(comp.Exports, ProcedureID(e))
		}
		for _, rp := range rc.Procedures {
			proc := Procedure{ID: ProcedureID(rp.ID)}
			for lineNo, line := range rp.Code {
				ins, err := ParseInstruction(line)
				if err != nil {
					return nil, fmt.Errorf("component %d procedure %d line %d: %w",
						rc.ID, rp.ID, lineNo+1, err)
				}
				proc.Code = append(proc.Code, ins)
			}
			comp.Procedures = append(comp.Procedures, proc)
		}
		for _, rb := range rc.Buffers {
			buf := Buffer{ID: BlockID(rb.ID), Size: rb.Size}
			for i, rv := range rb.Values {
				v, err := decodeValue(rv)
				if err != nil {
					return nil, fmt.Errorf("component %d buffer %d value %d: %w",
						rc.ID, rb.ID, i, err)
				}
				buf.Values = append(buf.Values, v)
			}
			comp.Buffers = append(comp.Buffers, buf)
		}
		prog.Components = append(prog.Components, comp)
	}

	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

func decodeValue(raw any) (Value, error) {
	switch v := raw.(type) {
	case int:
		return IntValue(v), nil
	case int64:
		return IntValue(v), nil
	case uint64:
		return IntValue(int64(v)), nil
	case string:
		return ParseValue(v)
	default:
		return nil, fmt.Errorf("inter: unsupported buffer value %T", raw)
	}
}
