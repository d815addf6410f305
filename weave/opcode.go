package weave

// OperandKind describes how an instruction operand is encoded.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandShortInt
	OperandInt
	OperandLong
	OperandDouble
	OperandString
	OperandMethod
	OperandField
	OperandType
	OperandShortVar
	OperandVar
	OperandShortBranch
	OperandBranch
	OperandSwitch
)

// FlowControl classifies how an instruction transfers control.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowCall
	FlowBranch
	FlowCondBranch
	FlowReturn
	FlowThrow
)

// popVariable marks an opcode whose pop count depends on its method operand or the enclosing method.
const popVariable = -1

// OpCode describes a single instruction kind. OpCode values are compared by pointer identity.
type OpCode struct {
	Name    string
	Code    uint16 // single byte codes are below 0x100, two byte codes are prefixed with 0xFE
	Operand OperandKind
	Pop     int8
	Push    int8
	Flow    FlowControl
	// ClearsStack is set for instructions that empty the evaluation stack before transferring control.
	ClearsStack bool
}

// Size returns the encoded size of the opcode, excluding its operand.
func (o *OpCode) Size() int {
	if o.Code >= 0x100 {
		return 2
	}
	return 1
}

// String returns the mnemonic of the opcode.
func (o *OpCode) String() string {
	return o.Name
}

// IsBranch reports if the opcode carries one or more branch targets.
func (o *OpCode) IsBranch() bool {
	return o.Operand == OperandShortBranch || o.Operand == OperandBranch || o.Operand == OperandSwitch
}

// IsCall reports if the opcode invokes a method operand.
func (o *OpCode) IsCall() bool {
	return o.Operand == OperandMethod && o.Flow == FlowCall
}

// Terminates reports if control never falls through to the next instruction.
func (o *OpCode) Terminates() bool {
	return o.Flow == FlowBranch || o.Flow == FlowReturn || o.Flow == FlowThrow
}

var (
	OpNop        = &OpCode{Name: "nop", Code: 0x00, Flow: FlowNext}
	OpLdarg0     = &OpCode{Name: "ldarg.0", Code: 0x02, Push: 1}
	OpLdarg1     = &OpCode{Name: "ldarg.1", Code: 0x03, Push: 1}
	OpLdarg2     = &OpCode{Name: "ldarg.2", Code: 0x04, Push: 1}
	OpLdarg3     = &OpCode{Name: "ldarg.3", Code: 0x05, Push: 1}
	OpLdloc0     = &OpCode{Name: "ldloc.0", Code: 0x06, Push: 1}
	OpLdloc1     = &OpCode{Name: "ldloc.1", Code: 0x07, Push: 1}
	OpLdloc2     = &OpCode{Name: "ldloc.2", Code: 0x08, Push: 1}
	OpLdloc3     = &OpCode{Name: "ldloc.3", Code: 0x09, Push: 1}
	OpStloc0     = &OpCode{Name: "stloc.0", Code: 0x0A, Pop: 1}
	OpStloc1     = &OpCode{Name: "stloc.1", Code: 0x0B, Pop: 1}
	OpStloc2     = &OpCode{Name: "stloc.2", Code: 0x0C, Pop: 1}
	OpStloc3     = &OpCode{Name: "stloc.3", Code: 0x0D, Pop: 1}
	OpLdargS     = &OpCode{Name: "ldarg.s", Code: 0x0E, Operand: OperandShortVar, Push: 1}
	OpStargS     = &OpCode{Name: "starg.s", Code: 0x10, Operand: OperandShortVar, Pop: 1}
	OpLdlocS     = &OpCode{Name: "ldloc.s", Code: 0x11, Operand: OperandShortVar, Push: 1}
	OpStlocS     = &OpCode{Name: "stloc.s", Code: 0x13, Operand: OperandShortVar, Pop: 1}
	OpLdnull     = &OpCode{Name: "ldnull", Code: 0x14, Push: 1}
	OpLdcI4M1    = &OpCode{Name: "ldc.i4.m1", Code: 0x15, Push: 1}
	OpLdcI40     = &OpCode{Name: "ldc.i4.0", Code: 0x16, Push: 1}
	OpLdcI41     = &OpCode{Name: "ldc.i4.1", Code: 0x17, Push: 1}
	OpLdcI42     = &OpCode{Name: "ldc.i4.2", Code: 0x18, Push: 1}
	OpLdcI43     = &OpCode{Name: "ldc.i4.3", Code: 0x19, Push: 1}
	OpLdcI44     = &OpCode{Name: "ldc.i4.4", Code: 0x1A, Push: 1}
	OpLdcI45     = &OpCode{Name: "ldc.i4.5", Code: 0x1B, Push: 1}
	OpLdcI46     = &OpCode{Name: "ldc.i4.6", Code: 0x1C, Push: 1}
	OpLdcI47     = &OpCode{Name: "ldc.i4.7", Code: 0x1D, Push: 1}
	OpLdcI48     = &OpCode{Name: "ldc.i4.8", Code: 0x1E, Push: 1}
	OpLdcI4S     = &OpCode{Name: "ldc.i4.s", Code: 0x1F, Operand: OperandShortInt, Push: 1}
	OpLdcI4      = &OpCode{Name: "ldc.i4", Code: 0x20, Operand: OperandInt, Push: 1}
	OpLdcI8      = &OpCode{Name: "ldc.i8", Code: 0x21, Operand: OperandLong, Push: 1}
	OpLdcR8      = &OpCode{Name: "ldc.r8", Code: 0x23, Operand: OperandDouble, Push: 1}
	OpDup        = &OpCode{Name: "dup", Code: 0x25, Pop: 1, Push: 2}
	OpPop        = &OpCode{Name: "pop", Code: 0x26, Pop: 1}
	OpCall       = &OpCode{Name: "call", Code: 0x28, Operand: OperandMethod, Pop: popVariable, Flow: FlowCall}
	OpRet        = &OpCode{Name: "ret", Code: 0x2A, Pop: popVariable, Flow: FlowReturn}
	OpBrS        = &OpCode{Name: "br.s", Code: 0x2B, Operand: OperandShortBranch, Flow: FlowBranch}
	OpBrfalseS   = &OpCode{Name: "brfalse.s", Code: 0x2C, Operand: OperandShortBranch, Pop: 1, Flow: FlowCondBranch}
	OpBrtrueS    = &OpCode{Name: "brtrue.s", Code: 0x2D, Operand: OperandShortBranch, Pop: 1, Flow: FlowCondBranch}
	OpBeqS       = &OpCode{Name: "beq.s", Code: 0x2E, Operand: OperandShortBranch, Pop: 2, Flow: FlowCondBranch}
	OpBgeS       = &OpCode{Name: "bge.s", Code: 0x2F, Operand: OperandShortBranch, Pop: 2, Flow: FlowCondBranch}
	OpBgtS       = &OpCode{Name: "bgt.s", Code: 0x30, Operand: OperandShortBranch, Pop: 2, Flow: FlowCondBranch}
	OpBleS       = &OpCode{Name: "ble.s", Code: 0x31, Operand: OperandShortBranch, Pop: 2, Flow: FlowCondBranch}
	OpBltS       = &OpCode{Name: "blt.s", Code: 0x32, Operand: OperandShortBranch, Pop: 2, Flow: FlowCondBranch}
	OpBneUnS     = &OpCode{Name: "bne.un.s", Code: 0x33, Operand: OperandShortBranch, Pop: 2, Flow: FlowCondBranch}
	OpBr         = &OpCode{Name: "br", Code: 0x38, Operand: OperandBranch, Flow: FlowBranch}
	OpBrfalse    = &OpCode{Name: "brfalse", Code: 0x39, Operand: OperandBranch, Pop: 1, Flow: FlowCondBranch}
	OpBrtrue     = &OpCode{Name: "brtrue", Code: 0x3A, Operand: OperandBranch, Pop: 1, Flow: FlowCondBranch}
	OpBeq        = &OpCode{Name: "beq", Code: 0x3B, Operand: OperandBranch, Pop: 2, Flow: FlowCondBranch}
	OpBge        = &OpCode{Name: "bge", Code: 0x3C, Operand: OperandBranch, Pop: 2, Flow: FlowCondBranch}
	OpBgt        = &OpCode{Name: "bgt", Code: 0x3D, Operand: OperandBranch, Pop: 2, Flow: FlowCondBranch}
	OpBle        = &OpCode{Name: "ble", Code: 0x3E, Operand: OperandBranch, Pop: 2, Flow: FlowCondBranch}
	OpBlt        = &OpCode{Name: "blt", Code: 0x3F, Operand: OperandBranch, Pop: 2, Flow: FlowCondBranch}
	OpBneUn      = &OpCode{Name: "bne.un", Code: 0x40, Operand: OperandBranch, Pop: 2, Flow: FlowCondBranch}
	OpSwitch     = &OpCode{Name: "switch", Code: 0x45, Operand: OperandSwitch, Pop: 1, Flow: FlowCondBranch}
	OpAdd        = &OpCode{Name: "add", Code: 0x58, Pop: 2, Push: 1}
	OpSub        = &OpCode{Name: "sub", Code: 0x59, Pop: 2, Push: 1}
	OpMul        = &OpCode{Name: "mul", Code: 0x5A, Pop: 2, Push: 1}
	OpDiv        = &OpCode{Name: "div", Code: 0x5B, Pop: 2, Push: 1}
	OpRem        = &OpCode{Name: "rem", Code: 0x5D, Pop: 2, Push: 1}
	OpAnd        = &OpCode{Name: "and", Code: 0x5F, Pop: 2, Push: 1}
	OpOr         = &OpCode{Name: "or", Code: 0x60, Pop: 2, Push: 1}
	OpXor        = &OpCode{Name: "xor", Code: 0x61, Pop: 2, Push: 1}
	OpShl        = &OpCode{Name: "shl", Code: 0x62, Pop: 2, Push: 1}
	OpShr        = &OpCode{Name: "shr", Code: 0x63, Pop: 2, Push: 1}
	OpNeg        = &OpCode{Name: "neg", Code: 0x65, Pop: 1, Push: 1}
	OpNot        = &OpCode{Name: "not", Code: 0x66, Pop: 1, Push: 1}
	OpConvI4     = &OpCode{Name: "conv.i4", Code: 0x69, Pop: 1, Push: 1}
	OpConvI8     = &OpCode{Name: "conv.i8", Code: 0x6A, Pop: 1, Push: 1}
	OpCallvirt   = &OpCode{Name: "callvirt", Code: 0x6F, Operand: OperandMethod, Pop: popVariable, Flow: FlowCall}
	OpLdstr      = &OpCode{Name: "ldstr", Code: 0x72, Operand: OperandString, Push: 1}
	OpNewobj     = &OpCode{Name: "newobj", Code: 0x73, Operand: OperandMethod, Pop: popVariable, Push: 1, Flow: FlowCall}
	OpCastclass  = &OpCode{Name: "castclass", Code: 0x74, Operand: OperandType, Pop: 1, Push: 1}
	OpIsinst     = &OpCode{Name: "isinst", Code: 0x75, Operand: OperandType, Pop: 1, Push: 1}
	OpThrow      = &OpCode{Name: "throw", Code: 0x7A, Pop: 1, Flow: FlowThrow}
	OpLdfld      = &OpCode{Name: "ldfld", Code: 0x7B, Operand: OperandField, Pop: 1, Push: 1}
	OpStfld      = &OpCode{Name: "stfld", Code: 0x7D, Operand: OperandField, Pop: 2}
	OpLdsfld     = &OpCode{Name: "ldsfld", Code: 0x7E, Operand: OperandField, Push: 1}
	OpStsfld     = &OpCode{Name: "stsfld", Code: 0x80, Operand: OperandField, Pop: 1}
	OpBox        = &OpCode{Name: "box", Code: 0x8C, Operand: OperandType, Pop: 1, Push: 1}
	OpNewarr     = &OpCode{Name: "newarr", Code: 0x8D, Operand: OperandType, Pop: 1, Push: 1}
	OpLdlen      = &OpCode{Name: "ldlen", Code: 0x8E, Pop: 1, Push: 1}
	OpLdelemRef  = &OpCode{Name: "ldelem.ref", Code: 0x9A, Pop: 2, Push: 1}
	OpStelemRef  = &OpCode{Name: "stelem.ref", Code: 0xA2, Pop: 3}
	OpUnboxAny   = &OpCode{Name: "unbox.any", Code: 0xA5, Operand: OperandType, Pop: 1, Push: 1}
	OpEndfinally = &OpCode{Name: "endfinally", Code: 0xDC, Flow: FlowReturn, ClearsStack: true}
	OpLeave      = &OpCode{Name: "leave", Code: 0xDD, Operand: OperandBranch, Flow: FlowBranch, ClearsStack: true}
	OpLeaveS     = &OpCode{Name: "leave.s", Code: 0xDE, Operand: OperandShortBranch, Flow: FlowBranch, ClearsStack: true}
	OpCeq        = &OpCode{Name: "ceq", Code: 0xFE01, Pop: 2, Push: 1}
	OpCgt        = &OpCode{Name: "cgt", Code: 0xFE02, Pop: 2, Push: 1}
	OpClt        = &OpCode{Name: "clt", Code: 0xFE04, Pop: 2, Push: 1}
	OpLdarg      = &OpCode{Name: "ldarg", Code: 0xFE09, Operand: OperandVar, Push: 1}
	OpStarg      = &OpCode{Name: "starg", Code: 0xFE0B, Operand: OperandVar, Pop: 1}
	OpLdloc      = &OpCode{Name: "ldloc", Code: 0xFE0C, Operand: OperandVar, Push: 1}
	OpStloc      = &OpCode{Name: "stloc", Code: 0xFE0E, Operand: OperandVar, Pop: 1}
	OpEndfilter  = &OpCode{Name: "endfilter", Code: 0xFE11, Pop: 1, Flow: FlowReturn}
	OpRethrow    = &OpCode{Name: "rethrow", Code: 0xFE1A, Flow: FlowThrow}
)

// OpCodes lists every supported opcode in encoding order.
var OpCodes = []*OpCode{
	OpNop, OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3, OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3,
	OpStloc0, OpStloc1, OpStloc2, OpStloc3, OpLdargS, OpStargS, OpLdlocS, OpStlocS, OpLdnull,
	OpLdcI4M1, OpLdcI40, OpLdcI41, OpLdcI42, OpLdcI43, OpLdcI44, OpLdcI45, OpLdcI46, OpLdcI47, OpLdcI48,
	OpLdcI4S, OpLdcI4, OpLdcI8, OpLdcR8, OpDup, OpPop, OpCall, OpRet,
	OpBrS, OpBrfalseS, OpBrtrueS, OpBeqS, OpBgeS, OpBgtS, OpBleS, OpBltS, OpBneUnS,
	OpBr, OpBrfalse, OpBrtrue, OpBeq, OpBge, OpBgt, OpBle, OpBlt, OpBneUn, OpSwitch,
	OpAdd, OpSub, OpMul, OpDiv, OpRem, OpAnd, OpOr, OpXor, OpShl, OpShr, OpNeg, OpNot,
	OpConvI4, OpConvI8, OpCallvirt, OpLdstr, OpNewobj, OpCastclass, OpIsinst, OpThrow,
	OpLdfld, OpStfld, OpLdsfld, OpStsfld, OpBox, OpNewarr, OpLdlen, OpLdelemRef, OpStelemRef, OpUnboxAny,
	OpEndfinally, OpLeave, OpLeaveS, OpCeq, OpCgt, OpClt, OpLdarg, OpStarg, OpLdloc, OpStloc,
	OpEndfilter, OpRethrow,
}

var opCodesByName = make(map[string]*OpCode, len(OpCodes))
var opCodesByCode = make(map[uint16]*OpCode, len(OpCodes))

// short and long forms of the same branch
var longBranchForms = map[*OpCode]*OpCode{
	OpBrS: OpBr, OpBrfalseS: OpBrfalse, OpBrtrueS: OpBrtrue,
	OpBeqS: OpBeq, OpBgeS: OpBge, OpBgtS: OpBgt, OpBleS: OpBle, OpBltS: OpBlt, OpBneUnS: OpBneUn,
	OpLeaveS: OpLeave,
}
var shortBranchForms = make(map[*OpCode]*OpCode, len(longBranchForms))

func init() {
	for _, op := range OpCodes {
		opCodesByName[op.Name] = op
		opCodesByCode[op.Code] = op
	}
	for short, long := range longBranchForms {
		shortBranchForms[long] = short
	}
}

// LookupOpCode returns the opcode with the given mnemonic.
func LookupOpCode(name string) (*OpCode, bool) {
	op, ok := opCodesByName[name]
	return op, ok
}

// LongForm returns the long branch encoding for a short branch opcode, or the opcode itself.
func LongForm(op *OpCode) *OpCode {
	if long, ok := longBranchForms[op]; ok {
		return long
	}
	return op
}

// ShortForm returns the short branch encoding for a long branch opcode, or the opcode itself.
func ShortForm(op *OpCode) *OpCode {
	if short, ok := shortBranchForms[op]; ok {
		return short
	}
	return op
}

func operandSize(kind OperandKind, operand any) int {
	switch kind {
	case OperandShortInt, OperandShortVar, OperandShortBranch:
		return 1
	case OperandVar:
		return 2
	case OperandInt, OperandString, OperandMethod, OperandField, OperandType, OperandBranch:
		return 4
	case OperandLong, OperandDouble:
		return 8
	case OperandSwitch:
		targets, _ := operand.([]*Instruction)
		return 4 + 4*len(targets)
	default:
		return 0
	}
}
