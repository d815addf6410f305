package weave

import (
	"math"
	"slices"
)

// BodyEditor is an edit session over a single method body. While the session is open every branch target and
// exception region boundary refers to a marker nop placed immediately before the original instruction, so
// instructions can be inserted and removed without breaking references. Close removes the markers and
// finalizes offsets and branch encodings.
type BodyEditor struct {
	method   *Method
	body     *MethodBody
	markers  map[*Instruction]*Instruction // marker to the instruction it was placed before
	labels   map[*Instruction]bool
	reusable map[string]*Local
	original []*Instruction
	dirty    bool
	closed   bool
}

// OpenBody starts an edit session on the method body. Only one session may be open per body, a second open is
// reported as an EditingInvariantError.
func OpenBody(m *Method) (*BodyEditor, error) {
	body := m.Body
	if body == nil {
		return nil, malformed(m, nil, "method has no body")
	} else if body.editor != nil {
		return nil, violation(m, nil, "body already has an open edit session")
	}

	present := make(map[*Instruction]bool, len(body.Instructions))
	for _, instr := range body.Instructions {
		present[instr] = true
	}
	referenced := make(map[*Instruction]bool)
	reference := func(owner, target *Instruction, optional bool) error {
		if target == nil {
			if optional {
				return nil
			}
			return malformed(m, owner, "missing reference")
		} else if !present[target] {
			return malformed(m, owner, "reference to an instruction outside the body")
		}
		referenced[target] = true
		return nil
	}
	for _, instr := range body.Instructions {
		switch instr.OpCode.Operand {
		case OperandShortBranch, OperandBranch:
			target, _ := instr.Operand.(*Instruction)
			if err := reference(instr, target, false); err != nil {
				return nil, err
			}
		case OperandSwitch:
			for _, target := range switchTargets(instr) {
				if err := reference(instr, target, false); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, r := range body.Regions {
		for _, boundary := range []struct {
			instr    *Instruction
			optional bool
		}{
			{r.TryStart, false}, {r.TryEnd, true}, {r.HandlerStart, false}, {r.HandlerEnd, true},
			{r.FilterStart, r.Kind != RegionFilter},
		} {
			if err := reference(nil, boundary.instr, boundary.optional); err != nil {
				return nil, err
			}
		}
	}

	e := &BodyEditor{
		method:   m,
		body:     body,
		markers:  make(map[*Instruction]*Instruction, len(referenced)),
		labels:   make(map[*Instruction]bool),
		reusable: make(map[string]*Local),
		original: slices.Clone(body.Instructions),
	}
	markerFor := make(map[*Instruction]*Instruction, len(referenced))
	instrs := make([]*Instruction, 0, len(body.Instructions)+len(referenced))
	for _, instr := range body.Instructions {
		if referenced[instr] {
			marker := &Instruction{OpCode: OpNop, Offset: instr.Offset}
			markerFor[instr] = marker
			e.markers[marker] = instr
			instrs = append(instrs, marker)
		}
		instrs = append(instrs, instr)
	}
	redirect := func(target *Instruction) *Instruction {
		if marker, ok := markerFor[target]; ok {
			return marker
		}
		return target
	}
	for _, instr := range body.Instructions {
		switch instr.OpCode.Operand {
		case OperandShortBranch, OperandBranch:
			instr.Operand = redirect(instr.Operand.(*Instruction))
		case OperandSwitch:
			targets := slices.Clone(switchTargets(instr))
			for i, t := range targets {
				targets[i] = redirect(t)
			}
			instr.Operand = targets
		}
	}
	for _, r := range body.Regions {
		r.TryStart, r.TryEnd = redirect(r.TryStart), redirect(r.TryEnd)
		r.HandlerStart, r.HandlerEnd = redirect(r.HandlerStart), redirect(r.HandlerEnd)
		r.FilterStart = redirect(r.FilterStart)
	}
	body.Instructions = instrs
	body.editor = e
	return e, nil
}

func switchTargets(instr *Instruction) []*Instruction {
	targets, _ := instr.Operand.([]*Instruction)
	return targets
}

// Method returns the method being edited.
func (e *BodyEditor) Method() *Method {
	return e.method
}

// IsMarker reports if the instruction is a session marker or a defined label.
func (e *BodyEditor) IsMarker(instr *Instruction) bool {
	_, marker := e.markers[instr]
	return marker || e.labels[instr]
}

func (e *BodyEditor) position(instr *Instruction, action string) (int, error) {
	if e.closed {
		return 0, violation(e.method, instr, "%s after the edit session closed", action)
	}
	idx := slices.Index(e.body.Instructions, instr)
	if idx < 0 {
		return 0, violation(e.method, instr, "%s target is not part of the body", action)
	}
	return idx, nil
}

func (e *BodyEditor) insertAt(idx int, instr *Instruction) error {
	if instr == nil || instr.OpCode == nil {
		return violation(e.method, nil, "inserted instruction has no opcode")
	} else if slices.Contains(e.body.Instructions, instr) {
		return violation(e.method, instr, "inserted instruction is already part of the body")
	}
	e.body.Instructions = slices.Insert(e.body.Instructions, idx, instr)
	return nil
}

// InsertBefore inserts instr immediately before the pivot. Branches to the pivot reach the inserted instruction.
func (e *BodyEditor) InsertBefore(pivot, instr *Instruction) error {
	idx, err := e.position(pivot, "insert before")
	if err != nil {
		return err
	}
	return e.insertAt(idx, instr)
}

// InsertAfter inserts instr immediately after the pivot.
func (e *BodyEditor) InsertAfter(pivot, instr *Instruction) error {
	idx, err := e.position(pivot, "insert after")
	if err != nil {
		return err
	}
	return e.insertAt(idx+1, instr)
}

// Remove removes the instruction from the body. References to a removed original instruction move to the
// instruction that follows it.
func (e *BodyEditor) Remove(instr *Instruction) error {
	idx, err := e.position(instr, "remove")
	if err != nil {
		return err
	} else if _, marker := e.markers[instr]; marker {
		return violation(e.method, instr, "session markers can not be removed")
	}
	e.body.Instructions = slices.Delete(e.body.Instructions, idx, idx+1)
	return nil
}

// Rewrite replaces the opcode and operand of a live instruction in place, keeping its identity.
func (e *BodyEditor) Rewrite(instr *Instruction, op *OpCode, operand any) error {
	if _, err := e.position(instr, "rewrite"); err != nil {
		return err
	} else if e.IsMarker(instr) {
		return violation(e.method, instr, "markers can not be rewritten")
	}
	instr.OpCode = op
	instr.Operand = operand
	e.dirty = true
	return nil
}

// DefineLabel returns a new label. It becomes a valid branch target once placed with InsertBefore or
// InsertAfter, on close references to it move to the instruction that follows it.
func (e *BodyEditor) DefineLabel() *Instruction {
	label := &Instruction{OpCode: OpNop}
	e.labels[label] = true
	return label
}

// DeclareLocal adds a local variable slot. A reusable local is shared with other reusable requests for the same
// type within this session.
func (e *BodyEditor) DeclareLocal(typ *TypeRef, name string, reusable bool) *Local {
	key := typ.FullName()
	if reusable {
		if local, ok := e.reusable[key]; ok {
			return local
		}
	}
	local := &Local{Index: len(e.body.Locals), Type: typ, Name: name}
	e.body.Locals = append(e.body.Locals, local)
	if reusable {
		e.reusable[key] = local
	}
	e.dirty = true
	return local
}

// Close ends the session. Markers and labels are removed and references to them move to the next remaining
// instruction. A reference to an instruction that is no longer part of the body is reported as an
// EditingInvariantError. When the body changed, offsets are recomputed and branches re-encoded in their shortest
// form, otherwise the original encodings are left untouched.
func (e *BodyEditor) Close() error {
	if e.closed {
		return violation(e.method, nil, "edit session already closed")
	}
	e.closed = true
	e.body.editor = nil

	instrs := e.body.Instructions
	present := make(map[*Instruction]bool, len(instrs))
	next := make(map[*Instruction]*Instruction, len(e.markers)+len(e.labels))
	var following *Instruction
	for i := len(instrs) - 1; i >= 0; i-- {
		instr := instrs[i]
		present[instr] = true
		if e.IsMarker(instr) {
			next[instr] = following
		} else {
			following = instr
		}
	}
	resolve := func(owner, target *Instruction, endAllowed bool) (*Instruction, error) {
		if target == nil {
			if endAllowed {
				return nil, nil
			}
			return nil, violation(e.method, owner, "missing reference")
		} else if !present[target] {
			if e.labels[target] {
				return nil, violation(e.method, owner, "reference to a label that is not placed in the body")
			}
			return nil, violation(e.method, owner, "reference to removed instruction %s", target.OpCode)
		}
		resolved, synthetic := next[target]
		if !synthetic {
			return target, nil
		} else if resolved == nil && !endAllowed {
			return nil, violation(e.method, owner, "reference resolves past the end of the body")
		}
		return resolved, nil
	}

	kept := make([]*Instruction, 0, len(instrs))
	operands := make(map[*Instruction]any)
	for _, instr := range instrs {
		if e.IsMarker(instr) {
			continue
		}
		kept = append(kept, instr)
		switch instr.OpCode.Operand {
		case OperandShortBranch, OperandBranch:
			target, _ := instr.Operand.(*Instruction)
			resolved, err := resolve(instr, target, false)
			if err != nil {
				return err
			}
			operands[instr] = resolved
		case OperandSwitch:
			targets := slices.Clone(switchTargets(instr))
			for i, t := range targets {
				resolved, err := resolve(instr, t, false)
				if err != nil {
					return err
				}
				targets[i] = resolved
			}
			operands[instr] = targets
		}
	}
	bounds := make([][5]*Instruction, len(e.body.Regions))
	for i, r := range e.body.Regions {
		var err error
		b := &bounds[i]
		if b[0], err = resolve(nil, r.TryStart, false); err != nil {
			return err
		} else if b[1], err = resolve(nil, r.TryEnd, true); err != nil {
			return err
		} else if b[2], err = resolve(nil, r.HandlerStart, false); err != nil {
			return err
		} else if b[3], err = resolve(nil, r.HandlerEnd, true); err != nil {
			return err
		} else if b[4], err = resolve(nil, r.FilterStart, r.Kind != RegionFilter); err != nil {
			return err
		} else if b[0] == b[1] || b[2] == b[3] {
			return violation(e.method, nil, "%s region became empty", r.Kind)
		}
	}

	for instr, operand := range operands {
		instr.Operand = operand
	}
	for i, r := range e.body.Regions {
		b := bounds[i]
		r.TryStart, r.TryEnd, r.HandlerStart, r.HandlerEnd, r.FilterStart = b[0], b[1], b[2], b[3], b[4]
	}
	e.body.Instructions = kept

	if e.dirty || !slices.Equal(kept, e.original) {
		relaxBranches(kept)
		e.body.version++
		if a, err := AnalyzeStack(e.method); err == nil {
			e.body.MaxStack = a.MaxStack()
		}
	}
	return nil
}

// relaxBranches selects the shortest encoding for every branch given the final layout. All branches start in
// short form and those whose displacement does not fit are widened until the layout is stable.
func relaxBranches(instrs []*Instruction) {
	for _, instr := range instrs {
		if instr.OpCode.Operand == OperandBranch {
			instr.OpCode = ShortForm(instr.OpCode)
		}
	}
	for {
		updateOffsets(instrs)
		var widened bool
		for _, instr := range instrs {
			if instr.OpCode.Operand != OperandShortBranch {
				continue
			}
			target := instr.Operand.(*Instruction)
			displacement := target.Offset - (instr.Offset + instr.Size())
			if displacement < math.MinInt8 || displacement > math.MaxInt8 {
				instr.OpCode = LongForm(instr.OpCode)
				widened = true
			}
		}
		if !widened {
			return
		}
	}
}

func updateOffsets(instrs []*Instruction) int {
	var offset int
	for _, instr := range instrs {
		instr.Offset = offset
		offset += instr.Size()
	}
	return offset
}
