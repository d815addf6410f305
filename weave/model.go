package weave

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// ModuleTypeName is the pseudo type holding module level members, it is never offered to visitors.
const ModuleTypeName = "<Module>"

// Module is the in-memory form of a container, holding the type tree that rewrites operate on.
type Module struct {
	// Name is the module name.
	Name string
	// FormatVersion is the container format version the module was read from.
	FormatVersion string
	// Types lists the top level types, nested types are reachable through their declaring type.
	Types []*Type
	// Properties holds free form key=value settings applied to the module by the runner.
	Properties map[string]string
}

// Type is a type definition within a module.
type Type struct {
	Namespace   string
	Name        string
	Fields      []*Field
	Properties  []*Property
	Methods     []*Method
	NestedTypes []*Type
	// DeclaringType is set for nested types.
	DeclaringType *Type
}

// FullName returns the namespace qualified name, nested types are separated with '/'.
func (t *Type) FullName() string {
	if t.DeclaringType != nil {
		return t.DeclaringType.FullName() + "/" + t.Name
	} else if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Ref returns a reference to this type.
func (t *Type) Ref() *TypeRef {
	if t.DeclaringType != nil {
		return &TypeRef{Name: t.FullName()}
	}
	return &TypeRef{Namespace: t.Namespace, Name: t.Name}
}

// AddMethod appends the method and binds it to the type.
func (t *Type) AddMethod(m *Method) *Method {
	m.DeclaringType = t.Ref()
	t.Methods = append(t.Methods, m)
	return m
}

// AddNestedType appends the nested type and binds it to this declaring type.
func (t *Type) AddNestedType(nested *Type) *Type {
	nested.DeclaringType = t
	t.NestedTypes = append(t.NestedTypes, nested)
	return nested
}

// Field is a field definition.
type Field struct {
	Name      string
	FieldType *TypeRef
	Static    bool
}

// Property is a property definition, accessor bodies are regular methods on the owning type.
type Property struct {
	Name         string
	PropertyType *TypeRef
	Getter       string
	Setter       string
}

// Method is a method definition with an optional body.
type Method struct {
	Name          string
	DeclaringType *TypeRef
	Static        bool
	Params        []*TypeRef
	// ReturnType is nil for methods that return no value.
	ReturnType *TypeRef
	// Body is nil for abstract and external methods.
	Body *MethodBody
}

// Ref returns a reference usable as a call operand.
func (m *Method) Ref() *MethodRef {
	return &MethodRef{
		DeclaringType: m.DeclaringType,
		Name:          m.Name,
		HasThis:       !m.Static,
		Params:        m.Params,
		ReturnType:    m.ReturnType,
	}
}

// FullName returns the signature style name used in diagnostics.
func (m *Method) FullName() string {
	return m.Ref().FullName()
}

// TypeRef references a type by name.
type TypeRef struct {
	Namespace string
	Name      string
}

// FullName returns the namespace qualified name.
func (t *TypeRef) FullName() string {
	if t == nil {
		return "void"
	} else if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodRef references a method signature, possibly declared in another module.
type MethodRef struct {
	DeclaringType *TypeRef
	Name          string
	HasThis       bool
	Params        []*TypeRef
	ReturnType    *TypeRef
}

// FullName returns the method signature in the form "ret Type::Name(params)".
func (m *MethodRef) FullName() string {
	var sb strings.Builder
	sb.WriteString(m.ReturnType.FullName())
	sb.WriteByte(' ')
	if m.DeclaringType != nil {
		sb.WriteString(m.DeclaringType.FullName())
		sb.WriteString("::")
	}
	sb.WriteString(m.Name)
	sb.WriteByte('(')
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.FullName())
	}
	sb.WriteByte(')')
	return sb.String()
}

// ArgCount returns the number of stack values consumed by a call, including the receiver.
func (m *MethodRef) ArgCount() int {
	if m.HasThis {
		return len(m.Params) + 1
	}
	return len(m.Params)
}

// FieldRef references a field, possibly declared in another module.
type FieldRef struct {
	DeclaringType *TypeRef
	Name          string
	FieldType     *TypeRef
}

// FullName returns the field in the form "type Type::Name".
func (f *FieldRef) FullName() string {
	if f.DeclaringType == nil {
		return f.FieldType.FullName() + " " + f.Name
	}
	return f.FieldType.FullName() + " " + f.DeclaringType.FullName() + "::" + f.Name
}

// Local is a declared local variable slot.
type Local struct {
	Index int
	Type  *TypeRef
	Name  string
}

// Instruction is a single stack machine instruction. The operand is one of: nil, int32, int64, float64,
// string, int (argument index), *Local, *MethodRef, *FieldRef, *TypeRef, *Instruction or []*Instruction.
type Instruction struct {
	OpCode  *OpCode
	Operand any
	// Offset is recomputed whenever an edit session commits a changed body.
	Offset int
}

// NewInstruction creates an instruction with the given opcode and operand.
func NewInstruction(op *OpCode, operand any) *Instruction {
	return &Instruction{OpCode: op, Operand: operand}
}

// Size returns the encoded size of the instruction in bytes.
func (i *Instruction) Size() int {
	return i.OpCode.Size() + operandSize(i.OpCode.Operand, i.Operand)
}

// Label returns the offset label used in disassembly.
func (i *Instruction) Label() string {
	return fmt.Sprintf("IL_%04x", i.Offset)
}

func (i *Instruction) String() string {
	if i.Operand == nil {
		return i.Label() + ": " + i.OpCode.Name
	}
	return i.Label() + ": " + i.OpCode.Name + " " + formatOperand(i.Operand)
}

func formatOperand(operand any) string {
	switch v := operand.(type) {
	case *Instruction:
		return v.Label()
	case []*Instruction:
		labels := make([]string, len(v))
		for i, t := range v {
			labels[i] = t.Label()
		}
		return "(" + strings.Join(labels, ", ") + ")"
	case string:
		return strconv.Quote(v)
	case *MethodRef:
		return v.FullName()
	case *FieldRef:
		return v.FullName()
	case *TypeRef:
		return v.FullName()
	case *Local:
		if v.Name != "" {
			return v.Name
		}
		return "V_" + strconv.Itoa(v.Index)
	default:
		return fmt.Sprint(v)
	}
}

// RegionKind identifies the handler type of an exception region.
type RegionKind uint8

const (
	RegionCatch RegionKind = iota
	RegionFilter
	RegionFinally
	RegionFault
)

func (k RegionKind) String() string {
	switch k {
	case RegionCatch:
		return "catch"
	case RegionFilter:
		return "filter"
	case RegionFinally:
		return "finally"
	case RegionFault:
		return "fault"
	default:
		return "region(" + strconv.Itoa(int(k)) + ")"
	}
}

// ExceptionRegion binds a protected range to its handler. End boundaries are exclusive, a nil end
// refers to the end of the body.
type ExceptionRegion struct {
	Kind         RegionKind
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
	// FilterStart is set only for filter regions.
	FilterStart *Instruction
	// CatchType is set only for catch regions.
	CatchType *TypeRef
}

// receivesException reports if entering the handler implicitly pushes the exception value.
func (r *ExceptionRegion) receivesException() bool {
	return r.Kind == RegionCatch || r.Kind == RegionFilter
}

var bodyIDs atomic.Uint64

// MethodBody holds the instruction stream of a method along with its locals and exception regions.
type MethodBody struct {
	Instructions []*Instruction
	Locals       []*Local
	Regions      []*ExceptionRegion
	MaxStack     int
	InitLocals   bool

	ident   uint64
	version uint64
	editor  *BodyEditor
}

// NewMethodBody creates a body from the instructions and computes their offsets.
func NewMethodBody(instructions ...*Instruction) *MethodBody {
	b := &MethodBody{Instructions: instructions}
	b.UpdateOffsets()
	return b
}

// UpdateOffsets recomputes every instruction offset from the current encodings.
func (b *MethodBody) UpdateOffsets() int {
	return updateOffsets(b.Instructions)
}

// CodeSize returns the encoded size of the instruction stream.
func (b *MethodBody) CodeSize() int {
	var size int
	for _, instr := range b.Instructions {
		size += instr.Size()
	}
	return size
}

// Version is incremented each time an edit session commits.
func (b *MethodBody) Version() uint64 {
	return b.version
}

// Editing reports if an edit session is currently open on the body.
func (b *MethodBody) Editing() bool {
	return b.editor != nil
}

func (b *MethodBody) cacheKey() string {
	if b.ident == 0 {
		b.ident = bodyIDs.Add(1)
	}
	return strconv.FormatUint(b.ident, 36) + ":" + strconv.FormatUint(b.version, 36)
}

// CallSite maps a call instruction to the first instruction computing its arguments.
type CallSite struct {
	ArgStart *Instruction
	Call     *Instruction
	Target   *MethodRef
}

// CallGroup is a run of adjacent call sites treated as one instrumentation unit.
type CallGroup struct {
	Calls []CallSite
}

// Start returns the first instruction of the group span.
func (g CallGroup) Start() *Instruction {
	return g.Calls[0].ArgStart
}

// End returns the last call instruction of the group span.
func (g CallGroup) End() *Instruction {
	return g.Calls[len(g.Calls)-1].Call
}
