package compiler

import (
	"fmt"

	"github.com/tinyrange/sfi/internal/addr"
	"github.com/tinyrange/sfi/internal/inter"
	"github.com/tinyrange/sfi/internal/isa"
)

// Export is one entry of the flat export table: the sanctioned external
// entry points of the program, keyed by resolved entry address.
type Export struct {
	Label isa.Label
	Ref   inter.ProcRef
}

// resolver rewrites symbolic branch and call targets into concrete
// addresses once every procedure is laid out.
type resolver struct {
	env    *Environment
	labels map[isa.Label]addr.Address
}

func newResolver(env *Environment, procs []*laidOut) (*resolver, error) {
	r := &resolver{
		env:    env,
		labels: make(map[isa.Label]addr.Address),
	}
	for _, p := range procs {
		for l, off := range p.labels {
			a, err := env.CodeAddress(p.component, p.procedure, off)
			if err != nil {
				return nil, err
			}
			if _, dup := r.labels[l]; dup {
				return nil, &DuplicatedLabelsError{
					Component: p.component,
					Procedure: p.procedure,
					Label:     l,
					Reason:    "resolved twice",
				}
			}
			r.labels[l] = a
		}
	}
	return r, nil
}

// resolve rewrites one procedure in place. Jal targets become absolute
// addresses (all cross-component control transfer is absolute); Bnz
// targets become the signed difference between the target address and
// the branch's own address (intra-component, PC-relative).
func (r *resolver) resolve(p *laidOut) error {
	base, err := r.env.CodeAddress(p.component, p.procedure, 0)
	if err != nil {
		return err
	}
	for i, ins := range p.code {
		own := base + uint64(i)
		switch v := ins.(type) {
		case isa.JalLabel:
			target, ok := r.labels[v.Label]
			if !ok {
				return fmt.Errorf("compiler: procedure %d.%d: unresolved label L%d",
					p.component, p.procedure, int(v.Label))
			}
			p.code[i] = isa.Jal{Target: target}
		case isa.BnzLabel:
			target, ok := r.labels[v.Label]
			if !ok {
				return fmt.Errorf("compiler: procedure %d.%d: unresolved label L%d",
					p.component, p.procedure, int(v.Label))
			}
			p.code[i] = isa.Bnz{Reg: v.Reg, Off: int64(target) - int64(own)}
		}
	}
	return nil
}

// exportTable resolves the component-level exported procedure labels
// only; intra-procedure labels are not externally callable.
func (r *resolver) exportTable(prog *inter.Program) (map[addr.Address]Export, error) {
	table := make(map[addr.Address]Export)
	for _, cid := range r.env.Components() {
		comp, ok := prog.Component(cid)
		if !ok {
			return nil, &MissingComponentError{Component: cid}
		}
		for _, pid := range comp.Exports {
			label, err := r.env.ProcedureLabel(cid, pid)
			if err != nil {
				return nil, err
			}
			a, err := r.env.CodeAddress(cid, pid, entryOffset)
			if err != nil {
				return nil, err
			}
			table[a] = Export{
				Label: label,
				Ref:   inter.ProcRef{Component: cid, Procedure: pid},
			}
		}
	}
	return table, nil
}
