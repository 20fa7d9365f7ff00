package fragment

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"pcemu/pkg/microcode"
	"pcemu/pkg/processor"
)

// Def declares a fragment. Name has the form <effect>_<op>_<target>[_<input>...]
// where effect is pure, effect or fault. A Def with Apply set and no Steps
// pushes every input in order and calls Apply.
type Def struct {
	Name  string
	Steps []Step
	Apply string
}

// D declares a fragment with explicit steps.
func D(name string, steps ...Step) Def {
	return Def{Name: name, Steps: steps}
}

// A declares a fragment that applies one helper to all of its inputs.
func A(name, helper string) Def {
	return Def{Name: name, Apply: helper}
}

// Table is a lowering table: the fragments of every op, keyed by target.
type Table struct {
	Name string
	byOp [microcode.OpCount][]*Fragment
	n    int
}

// Lookup returns the fragment computing e for op.
func (t *Table) Lookup(op microcode.Op, e processor.Element) (*Fragment, bool) {
	for _, f := range t.Targets(op) {
		if f.Target == e {
			return f, true
		}
	}
	return nil, false
}

// Targets returns the fragments of op in element order. Ops outside the
// catalogue have none.
func (t *Table) Targets(op microcode.Op) []*Fragment {
	if !op.Valid() {
		return nil
	}
	return t.byOp[op]
}

// Has reports whether op has at least one fragment.
func (t *Table) Has(op microcode.Op) bool {
	return len(t.Targets(op)) > 0
}

// Len is the number of fragments in the table.
func (t *Table) Len() int {
	return t.n
}

// Build parses and validates defs into a table.
func Build(name string, defs []Def, helpers HelperResolver) (*Table, error) {
	t := &Table{Name: name}
	for _, d := range defs {
		f, err := Parse(d.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "table %s", name)
		}
		f.Steps = d.Steps
		if f.Steps == nil && d.Apply != "" {
			for i := range f.Inputs {
				f.Steps = append(f.Steps, In(i))
			}
			f.Steps = append(f.Steps, Call(d.Apply))
		}
		if err := validate(f, helpers); err != nil {
			return nil, errors.Wrapf(err, "table %s", name)
		}
		if _, dup := t.Lookup(f.Op, f.Target); dup {
			return nil, errors.Newf("table %s: duplicate fragment for %s -> %s", name, f.Op, f.Target)
		}
		t.byOp[f.Op] = append(t.byOp[f.Op], f)
		t.n++
	}
	for op := range t.byOp {
		frags := t.byOp[op]
		sort.Slice(frags, func(i, j int) bool { return frags[i].Target < frags[j].Target })
	}
	return t, nil
}

// Parse decodes a declarative fragment name. The op is matched
// longest-first; every remaining token must name an element.
func Parse(name string) (*Fragment, error) {
	tokens := strings.Split(name, "_")
	if len(tokens) < 3 {
		return nil, errors.Newf("fragment %q: too few fields", name)
	}
	f := &Fragment{Name: name}
	switch tokens[0] {
	case "pure":
	case "effect":
		f.HasExternalEffect = true
	case "fault":
		f.HasExternalEffect = true
		f.CanFault = true
	default:
		return nil, errors.Newf("fragment %q: unknown effect class %q", name, tokens[0])
	}
	for k := len(tokens) - 1; k >= 2; k-- {
		op, ok := microcode.ParseOp(strings.Join(tokens[1:k], "_"))
		if !ok {
			continue
		}
		elems, ok := parseElements(tokens[k:])
		if !ok {
			continue
		}
		f.Op = op
		f.Target = elems[0]
		f.Inputs = elems[1:]
		return f, nil
	}
	return nil, errors.Newf("fragment %q: no op/element split", name)
}

func parseElements(tokens []string) ([]processor.Element, bool) {
	out := make([]processor.Element, len(tokens))
	for i, tok := range tokens {
		e, ok := processor.ParseElement(tok)
		if !ok {
			return nil, false
		}
		out[i] = e
	}
	return out, true
}

func validate(f *Fragment, helpers HelperResolver) error {
	target := f.Target.Kind()
	if target == processor.KindVoid && !f.HasExternalEffect {
		return errors.Newf("%s: %s can only be produced by an effect", f.Name, f.Target)
	}
	if f.Target.Pseudo() && target != processor.KindVoid {
		return errors.Newf("%s: %s is not assignable", f.Name, f.Target)
	}
	var kinds []processor.Kind
	for i, s := range f.Steps {
		switch s.Kind {
		case StepInput:
			if s.Input < 0 || s.Input >= len(f.Inputs) {
				return errors.Newf("%s: step %d reads input %d of %d", f.Name, i, s.Input, len(f.Inputs))
			}
			kinds = append(kinds, f.Inputs[s.Input].Kind())
		case StepLiteral:
			if s.Literal == LiteralImmediate && !f.Op.HasImmediate() {
				return errors.Newf("%s: %s carries no immediate", f.Name, f.Op)
			}
			kinds = append(kinds, processor.KindInt)
		case StepDup:
			if len(kinds) == 0 {
				return errors.Newf("%s: step %d duplicates an empty stack", f.Name, i)
			}
			kinds = append(kinds, kinds[len(kinds)-1])
		case StepPop:
			if len(kinds) == 0 {
				return errors.Newf("%s: step %d pops an empty stack", f.Name, i)
			}
			kinds = kinds[:len(kinds)-1]
		case StepCall:
			h, ok := helpers.Lookup(s.Helper)
			if !ok {
				return errors.Newf("%s: unknown helper %q", f.Name, s.Helper)
			}
			if len(kinds) < h.Args {
				return errors.Newf("%s: %s needs %d arguments, stack holds %d", f.Name, s.Helper, h.Args, len(kinds))
			}
			kinds = kinds[:len(kinds)-h.Args]
			if h.Result != processor.KindVoid {
				kinds = append(kinds, h.Result)
			}
		default:
			return errors.Newf("%s: step %d has unknown kind %d", f.Name, i, s.Kind)
		}
	}
	if target == processor.KindVoid {
		if len(kinds) != 0 {
			return errors.Newf("%s: leaves %d values for a void target", f.Name, len(kinds))
		}
		return nil
	}
	if len(kinds) != 1 {
		return errors.Newf("%s: leaves %d values, want 1", f.Name, len(kinds))
	}
	if kinds[0] != target {
		return errors.Newf("%s: produces %s for %s target %s", f.Name, kinds[0], target, f.Target)
	}
	return nil
}
