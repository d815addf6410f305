package weave

import (
	"log"
	"slices"
)

// CallSiteCollector maps call instructions to the first instruction that computes their arguments.
type CallSiteCollector struct {
	logger *log.Logger
	cache  *AnalysisCache
}

// NewCallSiteCollector creates a collector. The cache is optional.
func NewCallSiteCollector(logger *log.Logger, cache *AnalysisCache) *CallSiteCollector {
	if logger == nil {
		logger = discardLogger
	}
	return &CallSiteCollector{logger: logger, cache: cache}
}

// Analyze returns the stack analysis of the method, shared with Collect through the cache.
func (c *CallSiteCollector) Analyze(m *Method) (*StackAnalysis, error) {
	return c.cache.Analyze(m)
}

// Collect returns the call sites of the method whose target satisfies the filter, in instruction order. A nil
// filter matches every call. Malformed bodies are reported with a MalformedInputError. Calls whose argument
// range cannot be resolved are logged and reported with the call itself as the argument start.
func (c *CallSiteCollector) Collect(m *Method, filter func(*MethodRef) bool) ([]CallSite, error) {
	if m.Body == nil {
		return nil, nil
	}
	a, err := c.cache.Analyze(m)
	if err != nil {
		return nil, err
	}

	var sites []CallSite
	for i, instr := range a.instrs {
		if !instr.OpCode.IsCall() {
			continue
		}
		target := instr.Operand.(*MethodRef)
		if filter != nil && !filter(target) {
			continue
		}
		argStart, err := a.argumentStart(i)
		if err != nil {
			c.logger.Printf("WARN: %v, using call as argument start", err)
			argStart = instr
		}
		sites = append(sites, CallSite{ArgStart: argStart, Call: instr, Target: target})
	}
	return sites, nil
}

// argumentStart walks the closure of reaching definitions feeding the call and returns the earliest
// instruction in it. Implicit exception values are leaves that contribute their handler start.
func (a *StackAnalysis) argumentStart(call int) (*Instruction, error) {
	callInstr := a.instrs[call]
	if a.pops[call] == 0 {
		return callInstr, nil
	} else if a.depth[call] < 0 {
		return nil, &UnsupportedConstructError{Method: methodName(a.method), Call: callInstr, Reason: "call is unreachable"}
	}

	const (
		white = iota
		gray
		black
	)
	type frame struct {
		instr  int
		inputs []int
	}
	color := make(map[int]uint8)
	first := call
	color[call] = gray
	stack := []frame{{instr: call, inputs: a.closureInputs(call, &first)}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.inputs) == 0 {
			color[top.instr] = black
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.inputs[0]
		top.inputs = top.inputs[1:]
		switch color[next] {
		case gray:
			return nil, &UnsupportedConstructError{Method: methodName(a.method), Call: callInstr,
				Reason: "cyclic reaching definition chain through " + a.instrs[next].String()}
		case black:
			continue
		}
		color[next] = gray
		first = min(first, next)
		stack = append(stack, frame{instr: next, inputs: a.closureInputs(next, &first)})
	}

	if start, end, ok := a.innermostRange(call); ok && (first < start || first >= end) {
		return nil, &UnsupportedConstructError{Method: methodName(a.method), Call: callInstr,
			Reason: "argument range starts outside the enclosing block at " + a.instrs[first].String()}
	}
	return a.instrs[first], nil
}

// closureInputs returns the instructions whose values the instruction consumes. When a consumed value merges
// several paths, the branch that forks them is included as well so the whole conditional is covered.
func (a *StackAnalysis) closureInputs(i int, first *int) []int {
	var inputs []int
	var buf []int
	for _, slot := range a.consumed[i] {
		buf = slot.AppendTo(buf[:0])
		var defBlocks []int
		for _, d := range buf {
			def := a.defs[d]
			idx := a.index[def.Instr]
			if def.Implicit {
				*first = min(*first, idx)
			} else {
				inputs = append(inputs, idx)
			}
			if !slices.Contains(defBlocks, a.blockOf[idx]) {
				defBlocks = append(defBlocks, a.blockOf[idx])
			}
		}
		if len(defBlocks) > 1 {
			if fork := a.forkBranch(defBlocks); fork >= 0 {
				inputs = append(inputs, fork)
			}
		}
	}
	return inputs
}

// forkBranch returns the conditional branch terminating the nearest common dominator of the blocks, or -1.
func (a *StackAnalysis) forkBranch(blocks []int) int {
	dom := a.commonDominator(blocks)
	if dom < 0 {
		return -1
	}
	last := a.blocks[dom].End - 1
	if a.instrs[last].OpCode.Flow != FlowCondBranch {
		return -1
	}
	return last
}
