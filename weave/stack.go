package weave

import (
	"slices"

	"golang.org/x/tools/container/intsets"
)

// Definition is an instruction that produces a value on the abstract evaluation stack.
type Definition struct {
	Instr *Instruction
	// Implicit is set for the exception value pushed on handler entry. Instr is then the handler start, which
	// does not itself produce the value.
	Implicit bool
}

// BasicBlock is a maximal straight line range of instructions.
type BasicBlock struct {
	Index int
	// Start and End are instruction indexes, End is exclusive.
	Start, End int
	// Succs lists normal control flow successors.
	Succs []int
	// Preds lists predecessors, including the protected blocks of a handler entry.
	Preds []int

	handlers     []int // handler and filter entry blocks protecting this block
	handlerEntry bool
	fallsOff     bool
}

type regionSpan struct {
	region                   *ExceptionRegion
	tryStart, tryEnd         int
	handlerStart, handlerEnd int
	filterStart              int // -1 when not a filter region
}

// StackAnalysis holds the reaching definitions of every value consumed in a method body.
type StackAnalysis struct {
	method   *Method
	instrs   []*Instruction
	index    map[*Instruction]int
	defs     []Definition
	instrDef []int // instruction index to explicit definition, -1 when nothing is pushed
	implicit map[*Instruction]int
	pops     []int
	pushes   []int
	consumed [][]*intsets.Sparse // per instruction, bottom slot first; nil when unreachable
	depth    []int               // depth before each instruction, -1 when unreachable
	blocks   []*BasicBlock
	blockOf  []int
	idom     []int
	regions  []regionSpan
	maxStack int
}

// AnalyzeStack abstractly interprets the method body and computes, for every instruction, the set of
// definitions that may supply each value it consumes. A stack underflow, an unbalanced merge or an unresolved
// operand is reported as a MalformedInputError.
func AnalyzeStack(m *Method) (*StackAnalysis, error) {
	if m.Body == nil {
		return nil, malformed(m, nil, "method has no body")
	}
	a := &StackAnalysis{
		method:   m,
		instrs:   slices.Clone(m.Body.Instructions),
		index:    make(map[*Instruction]int, len(m.Body.Instructions)),
		implicit: make(map[*Instruction]int),
	}
	n := len(a.instrs)
	for i, instr := range a.instrs {
		if instr == nil || instr.OpCode == nil {
			return nil, malformed(m, nil, "instruction %d has no opcode", i)
		} else if _, dup := a.index[instr]; dup {
			return nil, malformed(m, instr, "instruction appears more than once")
		}
		a.index[instr] = i
	}
	a.instrDef = make([]int, n)
	a.pops = make([]int, n)
	a.pushes = make([]int, n)
	for i, instr := range a.instrs {
		pop, push, err := a.stackEffect(instr)
		if err != nil {
			return nil, err
		}
		a.pops[i], a.pushes[i] = pop, push
		a.instrDef[i] = -1
		if push > 0 {
			a.instrDef[i] = len(a.defs)
			a.defs = append(a.defs, Definition{Instr: instr})
		}
	}
	if n == 0 {
		return a, nil
	}
	if err := a.buildRegions(m.Body.Regions); err != nil {
		return nil, err
	}
	a.buildBlocks()
	if err := a.propagate(); err != nil {
		return nil, err
	}
	a.computeDominators()
	return a, nil
}

func (a *StackAnalysis) stackEffect(instr *Instruction) (int, int, error) {
	op := instr.OpCode
	pop, push := int(op.Pop), int(op.Push)
	switch op.Operand {
	case OperandMethod:
		ref, ok := instr.Operand.(*MethodRef)
		if !ok || ref == nil {
			return 0, 0, malformed(a.method, instr, "unresolved method operand")
		}
		if op == OpNewobj {
			pop = len(ref.Params)
		} else {
			pop = ref.ArgCount()
			push = 0
			if ref.ReturnType != nil {
				push = 1
			}
		}
	case OperandShortBranch, OperandBranch:
		if _, err := a.target(instr, instr.Operand); err != nil {
			return 0, 0, err
		}
	case OperandSwitch:
		targets, ok := instr.Operand.([]*Instruction)
		if !ok {
			return 0, 0, malformed(a.method, instr, "switch operand is not a target list")
		}
		for _, t := range targets {
			if _, err := a.target(instr, t); err != nil {
				return 0, 0, err
			}
		}
	}
	if op == OpRet {
		pop = 0
		if a.method.ReturnType != nil {
			pop = 1
		}
	}
	return pop, push, nil
}

func (a *StackAnalysis) target(instr *Instruction, operand any) (int, error) {
	t, ok := operand.(*Instruction)
	if !ok || t == nil {
		return 0, malformed(a.method, instr, "missing branch target")
	}
	idx, ok := a.index[t]
	if !ok {
		return 0, malformed(a.method, instr, "branch target is not part of the body")
	}
	return idx, nil
}

func (a *StackAnalysis) boundary(r *ExceptionRegion, instr *Instruction, optional bool) (int, error) {
	if instr == nil {
		if optional {
			return len(a.instrs), nil
		}
		return 0, malformed(a.method, nil, "%s region is missing a start boundary", r.Kind)
	}
	idx, ok := a.index[instr]
	if !ok {
		return 0, malformed(a.method, instr, "%s region boundary is not part of the body", r.Kind)
	}
	return idx, nil
}

func (a *StackAnalysis) buildRegions(regions []*ExceptionRegion) error {
	a.regions = make([]regionSpan, 0, len(regions))
	for _, r := range regions {
		span := regionSpan{region: r, filterStart: -1}
		var err error
		if span.tryStart, err = a.boundary(r, r.TryStart, false); err != nil {
			return err
		} else if span.tryEnd, err = a.boundary(r, r.TryEnd, true); err != nil {
			return err
		} else if span.handlerStart, err = a.boundary(r, r.HandlerStart, false); err != nil {
			return err
		} else if span.handlerEnd, err = a.boundary(r, r.HandlerEnd, true); err != nil {
			return err
		}
		if r.Kind == RegionFilter {
			if span.filterStart, err = a.boundary(r, r.FilterStart, false); err != nil {
				return err
			} else if span.filterStart >= span.handlerStart {
				return malformed(a.method, r.FilterStart, "filter must precede its handler")
			}
		}
		if span.tryStart >= span.tryEnd {
			return malformed(a.method, r.TryStart, "empty protected range")
		} else if span.handlerStart >= span.handlerEnd {
			return malformed(a.method, r.HandlerStart, "empty handler range")
		}
		a.regions = append(a.regions, span)
	}
	return nil
}

func (a *StackAnalysis) buildBlocks() {
	n := len(a.instrs)
	leaders := make([]bool, n+1)
	leaders[0] = true
	for i, instr := range a.instrs {
		op := instr.OpCode
		switch op.Operand {
		case OperandShortBranch, OperandBranch:
			leaders[a.index[instr.Operand.(*Instruction)]] = true
		case OperandSwitch:
			for _, t := range instr.Operand.([]*Instruction) {
				leaders[a.index[t]] = true
			}
		}
		if op.IsBranch() || op.Terminates() {
			leaders[i+1] = true
		}
	}
	for _, span := range a.regions {
		leaders[span.tryStart] = true
		leaders[span.tryEnd] = true
		leaders[span.handlerStart] = true
		leaders[span.handlerEnd] = true
		if span.filterStart >= 0 {
			leaders[span.filterStart] = true
		}
	}

	a.blockOf = make([]int, n)
	for i := 0; i < n; i++ {
		if leaders[i] {
			a.blocks = append(a.blocks, &BasicBlock{Index: len(a.blocks), Start: i})
		}
		b := a.blocks[len(a.blocks)-1]
		b.End = i + 1
		a.blockOf[i] = b.Index
	}

	addEdge := func(from *BasicBlock, toInstr int) {
		to := a.blockOf[toInstr]
		if !slices.Contains(from.Succs, to) {
			from.Succs = append(from.Succs, to)
			a.blocks[to].Preds = append(a.blocks[to].Preds, from.Index)
		}
	}
	for _, b := range a.blocks {
		last := a.instrs[b.End-1]
		op := last.OpCode
		switch op.Operand {
		case OperandShortBranch, OperandBranch:
			addEdge(b, a.index[last.Operand.(*Instruction)])
		case OperandSwitch:
			for _, t := range last.Operand.([]*Instruction) {
				addEdge(b, a.index[t])
			}
		}
		if !op.Terminates() {
			if b.End < n {
				addEdge(b, b.End)
			} else {
				b.fallsOff = true
			}
		}
	}
	for _, span := range a.regions {
		entries := []int{a.blockOf[span.handlerStart]}
		if span.filterStart >= 0 {
			entries = append(entries, a.blockOf[span.filterStart])
		}
		for _, e := range entries {
			a.blocks[e].handlerEntry = true
		}
		for bi := a.blockOf[span.tryStart]; bi < len(a.blocks) && a.blocks[bi].Start < span.tryEnd; bi++ {
			b := a.blocks[bi]
			for _, e := range entries {
				if !slices.Contains(b.handlers, e) {
					b.handlers = append(b.handlers, e)
					a.blocks[e].Preds = append(a.blocks[e].Preds, b.Index)
				}
			}
		}
	}
}

func (a *StackAnalysis) implicitDef(handlerStart *Instruction) int {
	if d, ok := a.implicit[handlerStart]; ok {
		return d
	}
	d := len(a.defs)
	a.defs = append(a.defs, Definition{Instr: handlerStart, Implicit: true})
	a.implicit[handlerStart] = d
	return d
}

func cloneStack(stack []*intsets.Sparse) []*intsets.Sparse {
	result := make([]*intsets.Sparse, len(stack))
	for i, s := range stack {
		result[i] = &intsets.Sparse{}
		result[i].Copy(s)
	}
	return result
}

func (a *StackAnalysis) propagate() error {
	n := len(a.instrs)
	a.consumed = make([][]*intsets.Sparse, n)
	a.depth = make([]int, n)
	for i := range a.depth {
		a.depth[i] = -1
	}

	entries := make([][]*intsets.Sparse, len(a.blocks))
	reached := make([]bool, len(a.blocks))
	queued := make([]bool, len(a.blocks))
	var queue []int
	enqueue := func(bi int) {
		if !queued[bi] {
			queued[bi] = true
			queue = append(queue, bi)
		}
	}

	reached[0] = true
	enqueue(0)
	for _, span := range a.regions {
		entryInstrs := []int{span.handlerStart}
		if span.filterStart >= 0 {
			entryInstrs = append(entryInstrs, span.filterStart)
		}
		for _, idx := range entryInstrs {
			bi := a.blockOf[idx]
			if reached[bi] {
				continue // handler shared by several regions
			}
			reached[bi] = true
			if span.region.receivesException() {
				exception := &intsets.Sparse{}
				exception.Insert(a.implicitDef(a.instrs[idx]))
				entries[bi] = []*intsets.Sparse{exception}
			}
			enqueue(bi)
		}
	}

	for len(queue) > 0 {
		bi := queue[0]
		queue = queue[1:]
		queued[bi] = false
		b := a.blocks[bi]

		stack := cloneStack(entries[bi])
		for i := b.Start; i < b.End; i++ {
			instr := a.instrs[i]
			a.depth[i] = len(stack)
			pop := a.pops[i]
			if pop > len(stack) {
				return malformed(a.method, instr, "stack underflow, requires %d values with depth %d", pop, len(stack))
			}
			a.consumed[i] = slices.Clone(stack[len(stack)-pop:])
			stack = stack[:len(stack)-pop]
			if instr.OpCode.ClearsStack {
				stack = stack[:0]
			}
			for p := 0; p < a.pushes[i]; p++ {
				def := &intsets.Sparse{}
				def.Insert(a.instrDef[i])
				stack = append(stack, def)
			}
			a.maxStack = max(a.maxStack, len(stack))
		}
		if b.fallsOff {
			return malformed(a.method, a.instrs[b.End-1], "control falls off the end of the body")
		}

		for _, si := range b.Succs {
			succ := a.blocks[si]
			if succ.handlerEntry {
				return malformed(a.method, a.instrs[succ.Start], "control enters a handler without exception dispatch")
			} else if !reached[si] {
				reached[si] = true
				entries[si] = cloneStack(stack)
				enqueue(si)
				continue
			}
			entry := entries[si]
			if len(entry) != len(stack) {
				return malformed(a.method, a.instrs[succ.Start],
					"unbalanced stack merge, depth %d and %d", len(entry), len(stack))
			}
			var changed bool
			for slot := range entry {
				if entry[slot].UnionWith(stack[slot]) {
					changed = true
				}
			}
			if changed {
				enqueue(si)
			}
		}
	}
	return nil
}

// computeDominators computes immediate dominators over normal and exceptional edges using the iterative
// algorithm of Cooper, Harvey and Kennedy.
func (a *StackAnalysis) computeDominators() {
	nb := len(a.blocks)
	postNum := make([]int, nb)
	for i := range postNum {
		postNum[i] = -1
	}
	visited := make([]bool, nb)
	order := make([]int, 0, nb)
	type frame struct {
		block int
		next  []int
	}
	successors := func(b *BasicBlock) []int {
		return append(slices.Clone(b.Succs), b.handlers...)
	}
	visited[0] = true
	stack := []frame{{block: 0, next: successors(a.blocks[0])}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.next) == 0 {
			postNum[top.block] = len(order)
			order = append(order, top.block)
			stack = stack[:len(stack)-1]
			continue
		}
		s := top.next[0]
		top.next = top.next[1:]
		if !visited[s] {
			visited[s] = true
			stack = append(stack, frame{block: s, next: successors(a.blocks[s])})
		}
	}

	a.idom = make([]int, nb)
	for i := range a.idom {
		a.idom[i] = -1
	}
	a.idom[0] = 0
	intersect := func(b1, b2 int) int {
		for b1 != b2 {
			for postNum[b1] < postNum[b2] {
				b1 = a.idom[b1]
			}
			for postNum[b2] < postNum[b1] {
				b2 = a.idom[b2]
			}
		}
		return b1
	}
	for changed := true; changed; {
		changed = false
		for i := len(order) - 1; i >= 0; i-- {
			b := order[i]
			if b == 0 {
				continue
			}
			newIdom := -1
			for _, p := range a.blocks[b].Preds {
				if a.idom[p] == -1 {
					continue
				} else if newIdom == -1 {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != -1 && a.idom[b] != newIdom {
				a.idom[b] = newIdom
				changed = true
			}
		}
	}
}

// commonDominator returns the nearest block dominating all the given blocks, or -1 if there is none.
func (a *StackAnalysis) commonDominator(blocks []int) int {
	if len(blocks) == 0 {
		return -1
	}
	// walk up the dominator tree collecting the ancestors of the first block
	ancestors := make(map[int]int)
	for b, depth := blocks[0], 0; ; depth++ {
		if a.idom[b] == -1 {
			return -1
		}
		ancestors[b] = depth
		if b == a.idom[b] {
			break
		}
		b = a.idom[b]
	}
	best, bestDepth := blocks[0], 0
	for _, other := range blocks[1:] {
		b := other
		for {
			if a.idom[b] == -1 {
				return -1
			} else if depth, ok := ancestors[b]; ok {
				if depth > bestDepth {
					best, bestDepth = b, depth
				}
				break
			}
			b = a.idom[b]
		}
	}
	return best
}

// innermostRange returns the smallest protected, filter or handler range containing the instruction index.
func (a *StackAnalysis) innermostRange(i int) (int, int, bool) {
	start, end := 0, len(a.instrs)
	var found bool
	consider := func(s, e int) {
		if i >= s && i < e && (!found || e-s < end-start) {
			start, end, found = s, e, true
		}
	}
	for _, span := range a.regions {
		consider(span.tryStart, span.tryEnd)
		consider(span.handlerStart, span.handlerEnd)
		if span.filterStart >= 0 {
			consider(span.filterStart, span.handlerStart)
		}
	}
	return start, end, found
}

// Method returns the analyzed method.
func (a *StackAnalysis) Method() *Method {
	return a.method
}

// MaxStack returns the maximum stack depth reached on any path.
func (a *StackAnalysis) MaxStack() int {
	return a.maxStack
}

// Reachable reports if the instruction is reachable from the method entry or a handler entry.
func (a *StackAnalysis) Reachable(instr *Instruction) bool {
	i, ok := a.index[instr]
	return ok && a.depth[i] >= 0
}

// DepthBefore returns the stack depth before the instruction executes, or -1 if it is unreachable.
func (a *StackAnalysis) DepthBefore(instr *Instruction) int {
	if i, ok := a.index[instr]; ok {
		return a.depth[i]
	}
	return -1
}

// DepthAfter returns the stack depth after the instruction executes, or -1 if it is unreachable.
func (a *StackAnalysis) DepthAfter(instr *Instruction) int {
	i, ok := a.index[instr]
	if !ok || a.depth[i] < 0 {
		return -1
	} else if instr.OpCode.ClearsStack {
		return 0
	}
	return a.depth[i] - a.pops[i] + a.pushes[i]
}

// Consumed returns the reaching definitions for each value the instruction pops, bottom value first.
// Nil is returned for unreachable instructions.
func (a *StackAnalysis) Consumed(instr *Instruction) [][]Definition {
	i, ok := a.index[instr]
	if !ok || a.depth[i] < 0 {
		return nil
	}
	result := make([][]Definition, len(a.consumed[i]))
	var buf []int
	for slot, s := range a.consumed[i] {
		buf = s.AppendTo(buf[:0])
		defs := make([]Definition, len(buf))
		for j, d := range buf {
			defs[j] = a.defs[d]
		}
		result[slot] = defs
	}
	return result
}

// Blocks returns the basic blocks in instruction order.
func (a *StackAnalysis) Blocks() []*BasicBlock {
	return a.blocks
}

// BlockOf returns the basic block containing the instruction.
func (a *StackAnalysis) BlockOf(instr *Instruction) *BasicBlock {
	if i, ok := a.index[instr]; ok {
		return a.blocks[a.blockOf[i]]
	}
	return nil
}

// ImmediateDominator returns the immediate dominator of the block, nil for the entry and unreachable blocks.
func (a *StackAnalysis) ImmediateDominator(b *BasicBlock) *BasicBlock {
	if b == nil || a.idom[b.Index] == -1 || a.idom[b.Index] == b.Index {
		return nil
	}
	return a.blocks[a.idom[b.Index]]
}
