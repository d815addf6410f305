package weave

import (
	"strconv"
	"strings"
)

// Disassemble renders the body as one instruction per line, followed by its exception regions. The output is
// stable for an unchanged body and is used for journal diffs and logs.
func Disassemble(body *MethodBody) string {
	if body == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(".maxstack ")
	sb.WriteString(strconv.Itoa(body.MaxStack))
	sb.WriteByte('\n')
	for _, local := range body.Locals {
		sb.WriteString(".local ")
		sb.WriteString(formatOperand(local))
		sb.WriteByte(' ')
		sb.WriteString(local.Type.FullName())
		sb.WriteByte('\n')
	}
	for _, instr := range body.Instructions {
		sb.WriteString(instr.String())
		sb.WriteByte('\n')
	}
	for _, r := range body.Regions {
		sb.WriteString(".try ")
		sb.WriteString(regionRange(r.TryStart, r.TryEnd))
		sb.WriteByte(' ')
		sb.WriteString(r.Kind.String())
		if r.CatchType != nil {
			sb.WriteByte(' ')
			sb.WriteString(r.CatchType.FullName())
		}
		if r.FilterStart != nil {
			sb.WriteString(" filter ")
			sb.WriteString(r.FilterStart.Label())
		}
		sb.WriteString(" handler ")
		sb.WriteString(regionRange(r.HandlerStart, r.HandlerEnd))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func regionRange(start, end *Instruction) string {
	if end == nil {
		return start.Label() + "..end"
	}
	return start.Label() + ".." + end.Label()
}
