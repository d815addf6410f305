package weave

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisassemble(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Disassemble(nil))

	exit := NewInstruction(OpRet, nil)
	tryStart := NewInstruction(OpLdstr, "x")
	handler := NewInstruction(OpPop, nil)
	body := NewMethodBody(
		tryStart,
		NewInstruction(OpStlocS, &Local{Index: 0, Type: stringType}),
		NewInstruction(OpLeaveS, exit),
		handler,
		NewInstruction(OpLeaveS, exit),
		exit,
	)
	body.MaxStack = 1
	body.Locals = []*Local{{Index: 0, Type: stringType}, {Index: 1, Type: int32Type, Name: "count"}}
	body.Regions = []*ExceptionRegion{
		{Kind: RegionCatch, TryStart: tryStart, TryEnd: handler, HandlerStart: handler, HandlerEnd: exit,
			CatchType: objectType},
		{Kind: RegionFault, TryStart: tryStart, TryEnd: exit, HandlerStart: exit},
	}

	assert.Equal(t, `.maxstack 1
.local V_0 System.String
.local count System.Int32
IL_0000: ldstr "x"
IL_0005: stloc.s V_0
IL_0007: leave.s IL_000c
IL_0009: pop
IL_000a: leave.s IL_000c
IL_000c: ret
.try IL_0000..IL_0009 catch System.Object handler IL_0009..IL_000c
.try IL_0000..IL_000c fault handler IL_000c..end
`, Disassemble(body))
}
