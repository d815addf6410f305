package weave

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Visitor is offered every element of a module during a pipeline run. Before hooks and MethodInstruction
// return the element handed to the next stage: the input to keep it, a different value to replace it, or nil to
// delete it from its owning collection, which also ends the chain for that element. After hooks only observe.
//
// Errors matching IsRecoverable are logged, the element is kept as it was before the failing stage and the
// chain for it stops. Any other error aborts the run.
type Visitor interface {
	BeforeModule(m *Module) error
	AfterModule(m *Module) error

	BeforeType(t *Type) (*Type, error)
	AfterType(t *Type) error

	BeforeField(owner *Type, f *Field) (*Field, error)
	AfterField(owner *Type, f *Field) error

	BeforeProperty(owner *Type, p *Property) (*Property, error)
	AfterProperty(owner *Type, p *Property) error

	BeforeMethod(owner *Type, m *Method) (*Method, error)
	MethodInstruction(m *Method, instr *Instruction) (*Instruction, error)
	AfterMethod(owner *Type, m *Method) error
}

// BaseVisitor implements Visitor by keeping every element, embed it to only override the needed hooks.
type BaseVisitor struct{}

func (BaseVisitor) BeforeModule(*Module) error                  { return nil }
func (BaseVisitor) AfterModule(*Module) error                   { return nil }
func (BaseVisitor) BeforeType(t *Type) (*Type, error)           { return t, nil }
func (BaseVisitor) AfterType(*Type) error                       { return nil }
func (BaseVisitor) BeforeField(_ *Type, f *Field) (*Field, error) { return f, nil }
func (BaseVisitor) AfterField(*Type, *Field) error              { return nil }
func (BaseVisitor) BeforeProperty(_ *Type, p *Property) (*Property, error) {
	return p, nil
}
func (BaseVisitor) AfterProperty(*Type, *Property) error          { return nil }
func (BaseVisitor) BeforeMethod(_ *Type, m *Method) (*Method, error) { return m, nil }
func (BaseVisitor) MethodInstruction(_ *Method, instr *Instruction) (*Instruction, error) {
	return instr, nil
}
func (BaseVisitor) AfterMethod(*Type, *Method) error { return nil }

// Stage is a named visitor in the pipeline configuration.
type Stage struct {
	Name    string
	Enabled bool
	Visitor Visitor
}

// StageStats counts the decisions made by a stage during a run.
type StageStats struct {
	Name     string `json:"name"`
	Replaced int    `json:"replaced"`
	Deleted  int    `json:"deleted"`
	Edited   int    `json:"edited"` // bodies committed without replacing the method
	Skipped  int    `json:"skipped"`
}

// Pipeline runs an ordered list of stages over a module in a single sequential traversal.
type Pipeline struct {
	logger      *log.Logger
	stages      []Stage
	stats       []StageStats
	stage       int // index of the stage whose hook is running
	diagnostics *multierror.Error
}

// NewPipeline creates a pipeline running the stages in the given order.
func NewPipeline(logger *log.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = discardLogger
	}
	stats := make([]StageStats, len(stages))
	for i, s := range stages {
		stats[i].Name = s.Name
	}
	return &Pipeline{logger: logger, stages: stages, stats: stats}
}

// Stats returns the per stage counters accumulated across runs.
func (p *Pipeline) Stats() []StageStats {
	return slices.Clone(p.stats)
}

// Diagnostics returns the recoverable errors logged during runs, or nil.
func (p *Pipeline) Diagnostics() error {
	return p.diagnostics.ErrorOrNil()
}

// Run visits the module: module before hooks, then each type depth first with its fields, properties, methods
// and their instructions, then nested types, then the after hooks in reverse order, then the module after hooks.
func (p *Pipeline) Run(m *Module) error {
	start := time.Now()
	p.logger.Printf("Rewriting %s", m.Name)

	if err := p.notify(func() string { return m.Name }, func(v Visitor) error { return v.BeforeModule(m) }); err != nil {
		return err
	}
	if err := p.visitTypes(&m.Types); err != nil {
		return err
	}
	if err := p.notify(func() string { return m.Name }, func(v Visitor) error { return v.AfterModule(m) }); err != nil {
		return err
	}

	p.logger.Printf("Done %s in %s", m.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

func (p *Pipeline) skip(stage int, element string, err error) {
	p.logger.Printf("WARN: stage %s skipped %s: %v", p.stages[stage].Name, element, err)
	p.stats[stage].Skipped++
	p.diagnostics = multierror.Append(p.diagnostics, fmt.Errorf("%s: %s: %w", p.stages[stage].Name, element, err))
}

// chain offers the value to every enabled stage in order, returning the surviving value or nil if deleted.
func chain[T any](p *Pipeline, element func() string, value *T, hook func(Visitor, *T) (*T, error)) (*T, error) {
	current := value
	for i, s := range p.stages {
		if !s.Enabled {
			continue
		}
		p.stage = i
		next, err := hook(s.Visitor, current)
		if err != nil {
			if IsRecoverable(err) {
				p.skip(i, element(), err)
				return current, nil
			}
			return nil, fmt.Errorf("stage %s failed on %s: %w", s.Name, element(), err)
		} else if next == nil {
			p.stats[i].Deleted++
			return nil, nil
		} else if next != current {
			p.stats[i].Replaced++
		}
		current = next
	}
	return current, nil
}

func (p *Pipeline) notify(element func() string, hook func(Visitor) error) error {
	for i, s := range p.stages {
		if !s.Enabled {
			continue
		} else if err := hook(s.Visitor); err != nil {
			if !IsRecoverable(err) {
				return fmt.Errorf("stage %s failed on %s: %w", s.Name, element(), err)
			}
			p.skip(i, element(), err)
		}
	}
	return nil
}

// visitAll chains every element of a member collection in order. A replacement or deletion is applied to the
// collection before the next element is offered, then is called for every element that survived.
func visitAll[T any](p *Pipeline, values *[]*T, element func(*T) string, hook func(Visitor, *T) (*T, error),
	then func(*T) error) error {
	for i := 0; i < len(*values); {
		v := (*values)[i]
		result, err := chain(p, func() string { return element(v) }, v, hook)
		if err != nil {
			return err
		} else if result == nil {
			*values = slices.Delete(*values, i, i+1)
			continue
		}
		(*values)[i] = result
		if then != nil {
			if err := then(result); err != nil {
				return err
			}
		}
		i++
	}
	return nil
}

func (p *Pipeline) visitTypes(types *[]*Type) error {
	return visitAll(p, types, (*Type).FullName, func(v Visitor, t *Type) (*Type, error) {
		if t.Name == ModuleTypeName {
			return t, nil
		}
		result, err := v.BeforeType(t)
		if result != nil {
			result.DeclaringType = t.DeclaringType
		}
		return result, err
	}, func(t *Type) error {
		if t.Name == ModuleTypeName {
			return nil
		}
		return p.visitMembers(t)
	})
}

func (p *Pipeline) visitMembers(t *Type) error {
	if err := visitAll(p, &t.Fields, func(f *Field) string { return t.FullName() + "::" + f.Name },
		func(v Visitor, f *Field) (*Field, error) {
			return v.BeforeField(t, f)
		}, nil); err != nil {
		return err
	}
	if err := visitAll(p, &t.Properties, func(prop *Property) string { return t.FullName() + "::" + prop.Name },
		func(v Visitor, prop *Property) (*Property, error) {
			return v.BeforeProperty(t, prop)
		}, nil); err != nil {
		return err
	}
	if err := visitAll(p, &t.Methods, (*Method).FullName, func(v Visitor, m *Method) (*Method, error) {
		var version uint64
		if m.Body != nil {
			version = m.Body.Version()
		}
		result, err := v.BeforeMethod(t, m)
		if err == nil {
			err = checkSessionClosed(m)
		}
		if result == m && m.Body != nil && m.Body.Version() != version {
			p.stats[p.stage].Edited++
		}
		return result, err
	}, func(m *Method) error {
		if m.Body == nil {
			return nil
		}
		return p.visitInstructions(m)
	}); err != nil {
		return err
	}

	for _, nested := range t.NestedTypes {
		nested.DeclaringType = t
	}
	if err := p.visitTypes(&t.NestedTypes); err != nil {
		return err
	}

	for i := len(t.Methods) - 1; i >= 0; i-- {
		m := t.Methods[i]
		if err := p.notify(m.FullName, func(v Visitor) error {
			if err := v.AfterMethod(t, m); err != nil {
				return err
			}
			return checkSessionClosed(m)
		}); err != nil {
			return err
		}
	}
	for i := len(t.Properties) - 1; i >= 0; i-- {
		prop := t.Properties[i]
		if err := p.notify(func() string { return t.FullName() + "::" + prop.Name }, func(v Visitor) error {
			return v.AfterProperty(t, prop)
		}); err != nil {
			return err
		}
	}
	for i := len(t.Fields) - 1; i >= 0; i-- {
		f := t.Fields[i]
		if err := p.notify(func() string { return t.FullName() + "::" + f.Name }, func(v Visitor) error {
			return v.AfterField(t, f)
		}); err != nil {
			return err
		}
	}
	return p.notify(t.FullName, func(v Visitor) error { return v.AfterType(t) })
}

// visitInstructions offers each instruction to the stages. Every replacement or deletion is committed through
// its own edit session before the next instruction is offered, so references to it stay valid and the stages
// always see a finalized body.
func (p *Pipeline) visitInstructions(m *Method) error {
	for i := 0; i < len(m.Body.Instructions); {
		instr := m.Body.Instructions[i]
		result, err := chain(p, func() string { return m.FullName() + " " + instr.String() }, instr,
			func(v Visitor, instr *Instruction) (*Instruction, error) {
				return v.MethodInstruction(m, instr)
			})
		if err != nil {
			return err
		} else if result == instr {
			i++
			continue
		}
		if applied, err := p.replaceInstruction(m, instr, result); err != nil {
			return err
		} else if !applied || result != nil {
			i++
		}
	}
	return nil
}

func (p *Pipeline) replaceInstruction(m *Method, instr, result *Instruction) (bool, error) {
	editor, err := OpenBody(m)
	if err != nil {
		if IsRecoverable(err) {
			p.logger.Printf("WARN: instruction change to %s dropped: %v", m.FullName(), err)
			p.diagnostics = multierror.Append(p.diagnostics, err)
			return false, nil
		}
		return false, fmt.Errorf("instruction rewrite of %s: %w", m.FullName(), err)
	}
	if result != nil {
		if err := editor.InsertBefore(instr, result); err != nil {
			return false, fmt.Errorf("instruction rewrite of %s: %w", m.FullName(), errors.Join(err, editor.Close()))
		}
	}
	if err := editor.Remove(instr); err != nil {
		return false, fmt.Errorf("instruction rewrite of %s: %w", m.FullName(), errors.Join(err, editor.Close()))
	} else if err := editor.Close(); err != nil {
		return false, fmt.Errorf("instruction rewrite of %s: %w", m.FullName(), err)
	}
	return true, nil
}

func checkSessionClosed(m *Method) error {
	if m != nil && m.Body != nil && m.Body.Editing() {
		return violation(m, nil, "edit session left open")
	}
	return nil
}
