package weave

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/go-analyze/bulk"
)

// MemberKey returns the "Type::Member" name used to select members in configuration.
func MemberKey(typ *TypeRef, member string) string {
	return typ.FullName() + "::" + member
}

// ParseMemberName splits a "Namespace.Type::Member" name into its type reference and member name.
func ParseMemberName(name string) (*TypeRef, string, error) {
	typeName, member, ok := strings.Cut(name, "::")
	if !ok || typeName == "" || member == "" {
		return nil, "", fmt.Errorf("member name must be in format 'Type::Member', got '%s'", name)
	}
	ref := &TypeRef{Name: typeName}
	if idx := strings.LastIndexByte(typeName, '.'); idx > 0 {
		ref.Namespace, ref.Name = typeName[:idx], typeName[idx+1:]
	}
	return ref, member, nil
}

// CallCensus counts call sites and adjacent call groups without changing the module.
type CallCensus struct {
	BaseVisitor
	logger    *log.Logger
	collector *CallSiteCollector
	filter    func(*MethodRef) bool

	calls   map[string]int
	groups  int
	methods int
}

// NewCallCensus creates a census of the calls matching the filter, a nil filter counts every call.
func NewCallCensus(logger *log.Logger, collector *CallSiteCollector, filter func(*MethodRef) bool) *CallCensus {
	if logger == nil {
		logger = discardLogger
	}
	return &CallCensus{logger: logger, collector: collector, filter: filter, calls: make(map[string]int)}
}

func (c *CallCensus) BeforeMethod(_ *Type, m *Method) (*Method, error) {
	if m.Body == nil {
		return m, nil
	}
	sites, err := c.collector.Collect(m, c.filter)
	if err != nil {
		return m, err
	} else if len(sites) == 0 {
		return m, nil
	}
	c.methods++
	for _, site := range sites {
		c.calls[site.Target.FullName()]++
	}
	c.groups += len(GroupSequences(m.Body, sites, SameTarget))
	return m, nil
}

func (c *CallCensus) AfterModule(m *Module) error {
	var total int
	for _, count := range c.calls {
		total += count
	}
	c.logger.Printf("Call census %s: %d call sites to %d targets in %d groups across %d methods",
		m.Name, total, len(c.calls), c.groups, c.methods)
	return nil
}

// Calls returns the number of call sites per target signature.
func (c *CallCensus) Calls() map[string]int {
	return c.calls
}

// Groups returns the number of adjacent call groups found.
func (c *CallCensus) Groups() int {
	return c.groups
}

// CallRedirect retargets calls to configured methods onto replacement methods with the same arguments. When a
// receiver field is set, the field is loaded in front of each argument range and passed as the instance of the
// replacement. When a guard field is set, each group of adjacent redirected calls that leaves the stack unchanged
// is skipped at runtime while the guard is false.
type CallRedirect struct {
	BaseVisitor
	logger    *log.Logger
	collector *CallSiteCollector
	targets   map[string]string
	receiver  *FieldRef
	guard     *FieldRef

	retargeted map[string]*MethodRef
	redirected int
}

// NewCallRedirect creates the visitor. Targets map "Type::Method" names of called methods to the "Type::Method"
// name of their replacement.
func NewCallRedirect(logger *log.Logger, collector *CallSiteCollector, targets map[string]string,
	receiver, guard *FieldRef) (*CallRedirect, error) {
	if logger == nil {
		logger = discardLogger
	}
	for from, to := range targets {
		if _, _, err := ParseMemberName(from); err != nil {
			return nil, err
		} else if _, _, err := ParseMemberName(to); err != nil {
			return nil, err
		}
	}
	return &CallRedirect{
		logger:     logger,
		collector:  collector,
		targets:    targets,
		receiver:   receiver,
		guard:      guard,
		retargeted: make(map[string]*MethodRef),
	}, nil
}

// Redirected returns the number of calls retargeted so far.
func (c *CallRedirect) Redirected() int {
	return c.redirected
}

func (c *CallRedirect) matches(ref *MethodRef) bool {
	if ref.DeclaringType == nil {
		return false
	}
	_, ok := c.targets[MemberKey(ref.DeclaringType, ref.Name)]
	return ok
}

func (c *CallRedirect) retarget(ref *MethodRef) *MethodRef {
	key := stringKey(ref.FullName())
	if replacement, ok := c.retargeted[key]; ok {
		return replacement
	}
	typ, name, _ := ParseMemberName(c.targets[MemberKey(ref.DeclaringType, ref.Name)]) // validated on creation
	replacement := &MethodRef{
		DeclaringType: typ,
		Name:          name,
		HasThis:       ref.HasThis,
		Params:        ref.Params,
		ReturnType:    ref.ReturnType,
	}
	if c.receiver != nil {
		if ref.HasThis {
			replacement.Params = append([]*TypeRef{ref.DeclaringType}, ref.Params...)
		}
		replacement.HasThis = true
	}
	c.retargeted[key] = replacement
	return replacement
}

func (c *CallRedirect) BeforeMethod(_ *Type, m *Method) (*Method, error) {
	if m.Body == nil {
		return m, nil
	}
	sites, err := c.collector.Collect(m, c.matches)
	if err != nil {
		return m, err
	}
	sites = bulk.SliceFilterInPlace(func(site CallSite) bool {
		return site.Call.OpCode != OpNewobj
	}, sites)
	if len(sites) == 0 {
		return m, nil
	}
	groups := GroupSequences(m.Body, sites, SameTarget)
	var neutral []bool
	var spills map[*Instruction]*TypeRef
	if c.guard != nil || c.receiver != nil {
		a, err := c.collector.Analyze(m)
		if err != nil {
			return m, err
		}
		if c.guard != nil {
			neutral = make([]bool, len(groups))
			for i, g := range groups {
				first := g.Calls[0].Call
				before := a.DepthBefore(g.Start())
				neutral[i] = before >= 0 && before == a.DepthAfter(g.End()) &&
					before == a.DepthBefore(first)-len(a.Consumed(first))
			}
		}
		if c.receiver != nil {
			if spills, err = receiverSpills(a, m, sites); err != nil {
				return m, err
			}
		}
	}

	editor, err := OpenBody(m)
	if err != nil {
		return m, err
	}
	for i, g := range groups {
		if err := c.rewriteGroup(editor, g, neutral != nil && neutral[i], spills); err != nil {
			return m, errors.Join(err, editor.Close())
		}
	}
	if err := editor.Close(); err != nil {
		return m, err
	}
	c.logger.Printf("Redirected %d calls in %d groups of %s", len(sites), len(groups), m.FullName())
	return m, nil
}

// receiverSpills checks that a receiver loaded before each argument range ends up directly below the call
// arguments. A range starting at a handler entry has the caught exception on the stack already, those calls map
// to the exception type so it can be stored around the receiver load. Any other range starting above values the
// call consumes can not take a receiver.
func receiverSpills(a *StackAnalysis, m *Method, sites []CallSite) (map[*Instruction]*TypeRef, error) {
	var spills map[*Instruction]*TypeRef
	for _, site := range sites {
		base := a.DepthBefore(site.Call) - len(a.Consumed(site.Call))
		depth := a.DepthBefore(site.ArgStart)
		if depth == base {
			continue
		} else if typ := caughtType(m.Body, site.ArgStart); typ != nil && depth == base+1 {
			if spills == nil {
				spills = make(map[*Instruction]*TypeRef)
			}
			spills[site.Call] = typ
			continue
		}
		return nil, &UnsupportedConstructError{Method: methodName(m), Call: site.Call,
			Reason: "receiver can not be placed below the call arguments"}
	}
	return spills, nil
}

// caughtType returns the type of the exception value on the stack when instr is a handler or filter entry.
func caughtType(body *MethodBody, instr *Instruction) *TypeRef {
	for _, r := range body.Regions {
		if !r.receivesException() || (instr != r.HandlerStart && instr != r.FilterStart) {
			continue
		} else if r.Kind == RegionCatch && r.HandlerStart == instr && r.CatchType != nil {
			return r.CatchType
		}
		return &TypeRef{Namespace: "System", Name: "Object"}
	}
	return nil
}

func (c *CallRedirect) rewriteGroup(editor *BodyEditor, g CallGroup, guarded bool,
	spills map[*Instruction]*TypeRef) error {
	if guarded {
		skip := editor.DefineLabel()
		if err := editor.InsertAfter(g.End(), skip); err != nil {
			return err
		} else if err := editor.InsertBefore(g.Start(), NewInstruction(OpLdsfld, c.guard)); err != nil {
			return err
		} else if err := editor.InsertBefore(g.Start(), NewInstruction(OpBrfalseS, skip)); err != nil {
			return err
		}
	}
	for _, site := range g.Calls {
		op := site.Call.OpCode
		if c.receiver != nil {
			op = OpCall
			load := []*Instruction{NewInstruction(OpLdsfld, c.receiver)}
			if typ, ok := spills[site.Call]; ok {
				tmp := editor.DeclareLocal(typ, "", true)
				store, reload := OpStloc, OpLdloc
				if tmp.Index <= 0xFF {
					store, reload = OpStlocS, OpLdlocS
				}
				load = []*Instruction{NewInstruction(store, tmp), load[0], NewInstruction(reload, tmp)}
			}
			for _, instr := range load {
				if err := editor.InsertBefore(site.ArgStart, instr); err != nil {
					return err
				}
			}
		}
		if err := editor.Rewrite(site.Call, op, c.retarget(site.Target)); err != nil {
			return err
		}
		c.redirected++
	}
	return nil
}

// MemberStrip deletes the types and members named in "Type::Member" form, types are named by full name.
type MemberStrip struct {
	BaseVisitor
	names map[string]struct{}
}

// NewMemberStrip creates the visitor for the given names.
func NewMemberStrip(names ...string) *MemberStrip {
	s := &MemberStrip{names: make(map[string]struct{}, len(names))}
	for name := range bulk.SliceToSet(names) {
		s.names[name] = struct{}{}
	}
	return s
}

func (s *MemberStrip) stripped(name string) bool {
	_, ok := s.names[name]
	return ok
}

func (s *MemberStrip) BeforeType(t *Type) (*Type, error) {
	if s.stripped(t.FullName()) {
		return nil, nil
	}
	return t, nil
}

func (s *MemberStrip) BeforeField(owner *Type, f *Field) (*Field, error) {
	if s.stripped(MemberKey(owner.Ref(), f.Name)) {
		return nil, nil
	}
	return f, nil
}

func (s *MemberStrip) BeforeProperty(owner *Type, p *Property) (*Property, error) {
	if s.stripped(MemberKey(owner.Ref(), p.Name)) {
		return nil, nil
	}
	return p, nil
}

func (s *MemberStrip) BeforeMethod(owner *Type, m *Method) (*Method, error) {
	if s.stripped(MemberKey(owner.Ref(), m.Name)) {
		return nil, nil
	}
	return m, nil
}

// NopStrip deletes nop padding from method bodies. Nops bounding an exception region are kept.
type NopStrip struct {
	BaseVisitor
}

func (NopStrip) MethodInstruction(m *Method, instr *Instruction) (*Instruction, error) {
	if instr.OpCode != OpNop {
		return instr, nil
	}
	for _, r := range m.Body.Regions {
		if instr == r.TryStart || instr == r.TryEnd || instr == r.HandlerStart || instr == r.HandlerEnd ||
			instr == r.FilterStart {
			return instr, nil
		}
	}
	return nil, nil
}
