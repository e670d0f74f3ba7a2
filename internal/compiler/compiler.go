// Package compiler implements the SFI backend: it lowers an
// intermediate program to flat machine code in which every component is
// confined to its own address region by generated masking code, and
// cross-component control flow runs through shadow-stack trampolines.
//
// The pipeline is environment construction, per-procedure translation,
// label layout, address resolution, and memory image construction. The
// whole compiler is a pure deterministic function of its input; two
// runs over the same program produce identical images.
package compiler

import (
	"sort"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// Program is the compiler's sole output: the component list in
// allocation order, the export table, the memory image, and the input
// interface. It is immutable once returned.
type Program struct {
	Params     addr.Params
	Components []inter.ComponentID
	Exports    map[addr.Address]Export
	Image      isa.Image
	Interface  *inter.Program

	// Entry is the bootstrap address the machine starts at.
	Entry addr.Address
}

// SFIID returns the dense SFI id assigned to an interface component.
func (p *Program) SFIID(cid inter.ComponentID) (addr.ComponentID, bool) {
	for i, c := range p.Components {
		if c == cid {
			return addr.ComponentID(i + 1), true
		}
	}
	return 0, false
}

// Options holds compilation hooks; the zero value compiles silently.
type Options struct {
	// OnComponent is invoked once per component, in allocation order,
	// before that component's procedures are translated.
	OnComponent func(cid inter.ComponentID)
}

// Compile lowers prog into an SFI program using the given address
// layout.
func Compile(params addr.Params, prog *inter.Program) (*Program, error) {
	return CompileOpts(params, prog, Options{})
}

func CompileOpts(params addr.Params, prog *inter.Program, opts Options) (*Program, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}

	env, err := NewEnvironment(params, prog)
	if err != nil {
		return nil, err
	}

	var procs []*laidOut
	for _, cid := range env.Components() {
		comp, ok := prog.Component(cid)
		if !ok {
			return nil, &MissingComponentError{Component: cid}
		}
		if opts.OnComponent != nil {
			opts.OnComponent(cid)
		}

		ordered := make([]*inter.Procedure, 0, len(comp.Procedures))
		for i := range comp.Procedures {
			ordered = append(ordered, &comp.Procedures[i])
		}
		sort.Slice(ordered, func(a, b int) bool { return ordered[a].ID < ordered[b].ID })

		for _, proc := range ordered {
			tr, err := translateProcedure(env, comp, proc)
			if err != nil {
				return nil, err
			}
			laid, err := layoutProcedure(params, tr)
			if err != nil {
				return nil, err
			}
			procs = append(procs, laid)
		}
	}

	res, err := newResolver(env, procs)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if err := res.resolve(p); err != nil {
			return nil, err
		}
	}
	exports, err := res.exportTable(prog)
	if err != nil {
		return nil, err
	}

	builder := newImageBuilder(env)
	if err := builder.buffers(prog); err != nil {
		return nil, err
	}
	if err := builder.bootstrap(prog.Main); err != nil {
		return nil, err
	}
	if err := builder.code(procs); err != nil {
		return nil, err
	}

	return &Program{
		Params:     params,
		Components: env.Components(),
		Exports:    exports,
		Image:      builder.image,
		Interface:  prog,
		Entry:      params.AddressOf(0, 0, 0),
	}, nil
}
