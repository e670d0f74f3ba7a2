package inter

import "fmt"

// Validate checks the referential integrity of the program: component
// and procedure ids are unique, exports and imports resolve, calls go
// through declared imports, labels used by branches exist, and main is
// an exported procedure. Well-typedness of the intermediate code itself
// is the upstream type checker's job.
func (p *Program) Validate() error {
	seen := make(map[ComponentID]bool)
	for i := range p.Components {
		comp := &p.Components[i]
		if seen[comp.ID] {
			return fmt.Errorf("inter: duplicate component id %d", comp.ID)
		}
		seen[comp.ID] = true
		if err := p.validateComponent(comp); err != nil {
			return err
		}
	}

	mainComp, ok := p.Component(p.Main.Component)
	if !ok {
		return fmt.Errorf("inter: main component %d not defined", p.Main.Component)
	}
	if _, ok := p.Procedure(p.Main); !ok {
		return fmt.Errorf("inter: main procedure %s not defined", p.Main)
	}
	if !mainComp.Exported(p.Main.Procedure) {
		return fmt.Errorf("inter: main procedure %s is not exported", p.Main)
	}
	return nil
}

func (p *Program) validateComponent(comp *Component) error {
	procs := make(map[ProcedureID]bool)
	for i := range comp.Procedures {
		pid := comp.Procedures[i].ID
		if procs[pid] {
			return fmt.Errorf("inter: component %d: duplicate procedure id %d", comp.ID, pid)
		}
		procs[pid] = true
	}

	bufs := make(map[BlockID]bool)
	for _, buf := range comp.Buffers {
		if bufs[buf.ID] {
			return fmt.Errorf("inter: component %d: duplicate buffer id %d", comp.ID, buf.ID)
		}
		bufs[buf.ID] = true
		if buf.Size > 0 && len(buf.Values) > 0 {
			return fmt.Errorf("inter: component %d buffer %d: both size and values given",
				comp.ID, buf.ID)
		}
		if buf.Size <= 0 && len(buf.Values) == 0 {
			return fmt.Errorf("inter: component %d buffer %d: empty buffer", comp.ID, buf.ID)
		}
	}

	for _, e := range comp.Exports {
		if !procs[e] {
			return fmt.Errorf("inter: component %d exports unknown procedure %d", comp.ID, e)
		}
	}

	for _, imp := range comp.Imports {
		if imp.Component == comp.ID {
			return fmt.Errorf("inter: component %d imports from itself", comp.ID)
		}
		target, ok := p.Component(imp.Component)
		if !ok {
			return fmt.Errorf("inter: component %d imports from unknown component %d",
				comp.ID, imp.Component)
		}
		if !target.Exported(imp.Procedure) {
			return fmt.Errorf("inter: component %d imports unexported procedure %s",
				comp.ID, imp)
		}
	}

	for i := range comp.Procedures {
		if err := p.validateCode(comp, &comp.Procedures[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Program) validateCode(comp *Component, proc *Procedure) error {
	labels := make(map[string]bool)
	for _, ins := range proc.Code {
		if l, ok := ins.(Label); ok {
			labels[l.Name] = true
		}
	}

	for idx, ins := range proc.Code {
		switch v := ins.(type) {
		case Bnz:
			if !labels[v.Label] {
				return fmt.Errorf("inter: component %d procedure %d instruction %d: undefined label %q",
					comp.ID, proc.ID, idx, v.Label)
			}
		case Jal:
			if !labels[v.Label] {
				return fmt.Errorf("inter: component %d procedure %d instruction %d: undefined label %q",
					comp.ID, proc.ID, idx, v.Label)
			}
		case Call:
			ref := ProcRef{Component: v.Component, Procedure: v.Procedure}
			if !comp.Imported(ref) {
				return fmt.Errorf("inter: component %d procedure %d instruction %d: call %s not imported",
					comp.ID, proc.ID, idx, ref)
			}
		}
	}
	return nil
}
