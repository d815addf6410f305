package weave

// GroupSequences merges adjacent call sites into groups in a single pass. Two sites share a group when
// isConsecutive holds for their calls and only nop padding separates the first call from the argument start of
// the second. Sites must be in instruction order, as returned by CallSiteCollector.Collect.
func GroupSequences(body *MethodBody, sites []CallSite, isConsecutive func(a, b *Instruction) bool) []CallGroup {
	if len(sites) == 0 {
		return nil
	}
	index := make(map[*Instruction]int, len(body.Instructions))
	for i, instr := range body.Instructions {
		index[instr] = i
	}

	groups := []CallGroup{{Calls: []CallSite{sites[0]}}}
	for _, site := range sites[1:] {
		current := &groups[len(groups)-1]
		prev := current.Calls[len(current.Calls)-1]
		if isConsecutive(prev.Call, site.Call) && onlyPadding(body.Instructions, index, prev.Call, site.ArgStart) {
			current.Calls = append(current.Calls, site)
		} else {
			groups = append(groups, CallGroup{Calls: []CallSite{site}})
		}
	}
	return groups
}

// onlyPadding reports if every instruction strictly between from and to is a nop.
func onlyPadding(instrs []*Instruction, index map[*Instruction]int, from, to *Instruction) bool {
	start, ok := index[from]
	if !ok {
		return false
	}
	end, ok := index[to]
	if !ok || end <= start {
		return false
	}
	for _, instr := range instrs[start+1 : end] {
		if instr.OpCode != OpNop {
			return false
		}
	}
	return true
}

// SameTarget is a consecutive predicate matching calls to the same method signature.
func SameTarget(a, b *Instruction) bool {
	ra, ok := a.Operand.(*MethodRef)
	if !ok {
		return false
	}
	rb, ok := b.Operand.(*MethodRef)
	if !ok {
		return false
	}
	return ra == rb || ra.FullName() == rb.FullName()
}
