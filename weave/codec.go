package weave

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/mod/semver"
)

// FormatVersion is the container version written by EncodeModule. Containers with the same major version
// and a minor version no newer than this one can be decoded.
const FormatVersion = "v1.1.0"

// ContainerExtension is the file suffix of module containers.
const ContainerExtension = ".ilz"

var containerMagic = []byte("ILZ\x01")

// ErrUnsupportedFormat is returned when a container was written by an incompatible version.
var ErrUnsupportedFormat = errors.New("unsupported container format")

type encodedModule struct {
	Format     string            `msgpack:"format"`
	Name       string            `msgpack:"name"`
	Properties map[string]string `msgpack:"props,omitempty"`
	Types      []*encodedType    `msgpack:"types"`
}

type encodedType struct {
	Namespace  string           `msgpack:"ns,omitempty"`
	Name       string           `msgpack:"name"`
	Fields     []*Field         `msgpack:"fields,omitempty"`
	Properties []*Property      `msgpack:"props,omitempty"`
	Methods    []*encodedMethod `msgpack:"methods,omitempty"`
	Nested     []*encodedType   `msgpack:"nested,omitempty"`
}

type encodedMethod struct {
	Name       string       `msgpack:"name"`
	Static     bool         `msgpack:"static,omitempty"`
	Params     []*TypeRef   `msgpack:"params,omitempty"`
	ReturnType *TypeRef     `msgpack:"ret,omitempty"`
	Body       *encodedBody `msgpack:"body,omitempty"`
}

type encodedBody struct {
	MaxStack     int                  `msgpack:"maxstack"`
	InitLocals   bool                 `msgpack:"initlocals,omitempty"`
	Locals       []*Local             `msgpack:"locals,omitempty"`
	Instructions []encodedInstruction `msgpack:"code"`
	Regions      []encodedRegion      `msgpack:"regions,omitempty"`
}

// encodedInstruction stores branch targets and region boundaries as instruction indexes.
type encodedInstruction struct {
	Code    uint16     `msgpack:"c"`
	Int     int64      `msgpack:"i,omitempty"`
	Float   float64    `msgpack:"f,omitempty"`
	Str     string     `msgpack:"s,omitempty"`
	Local   bool       `msgpack:"l,omitempty"`
	Method  *MethodRef `msgpack:"m,omitempty"`
	Field   *FieldRef  `msgpack:"fd,omitempty"`
	Type    *TypeRef   `msgpack:"t,omitempty"`
	Targets []int      `msgpack:"b,omitempty"`
}

// encodedRegion uses -1 for an absent boundary, an end boundary equal to the instruction count is the body end.
type encodedRegion struct {
	Kind         RegionKind `msgpack:"k"`
	TryStart     int        `msgpack:"ts"`
	TryEnd       int        `msgpack:"te"`
	HandlerStart int        `msgpack:"hs"`
	HandlerEnd   int        `msgpack:"he"`
	FilterStart  int        `msgpack:"fs"`
	CatchType    *TypeRef   `msgpack:"ct,omitempty"`
}

// EncodeModule serializes the module into the compressed container format. Bodies with an open edit session
// can not be encoded.
func EncodeModule(m *Module) ([]byte, error) {
	em := &encodedModule{Format: FormatVersion, Name: m.Name, Properties: m.Properties}
	for _, t := range m.Types {
		et, err := encodeType(t)
		if err != nil {
			return nil, err
		}
		em.Types = append(em.Types, et)
	}

	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(em); err != nil {
		return nil, fmt.Errorf("encode module %s: %w", m.Name, err)
	}
	return ZstdCompress(bytes.Clone(containerMagic), buf.Bytes()), nil
}

func encodeType(t *Type) (*encodedType, error) {
	et := &encodedType{Namespace: t.Namespace, Name: t.Name, Fields: t.Fields, Properties: t.Properties}
	for _, m := range t.Methods {
		em := &encodedMethod{Name: m.Name, Static: m.Static, Params: m.Params, ReturnType: m.ReturnType}
		if m.Body != nil {
			if m.Body.Editing() {
				return nil, violation(m, nil, "body encoded with an open edit session")
			}
			body, err := encodeBody(m)
			if err != nil {
				return nil, err
			}
			em.Body = body
		}
		et.Methods = append(et.Methods, em)
	}
	for _, nested := range t.NestedTypes {
		en, err := encodeType(nested)
		if err != nil {
			return nil, err
		}
		et.Nested = append(et.Nested, en)
	}
	return et, nil
}

func encodeBody(m *Method) (*encodedBody, error) {
	body := m.Body
	index := make(map[*Instruction]int, len(body.Instructions))
	for i, instr := range body.Instructions {
		index[instr] = i
	}
	indexOf := func(owner, target *Instruction, nilValue int) (int, error) {
		if target == nil {
			return nilValue, nil
		}
		i, ok := index[target]
		if !ok {
			return 0, malformed(m, owner, "reference to an instruction outside the body")
		}
		return i, nil
	}

	eb := &encodedBody{
		MaxStack:     body.MaxStack,
		InitLocals:   body.InitLocals,
		Locals:       body.Locals,
		Instructions: make([]encodedInstruction, len(body.Instructions)),
	}
	for i, instr := range body.Instructions {
		ei := &eb.Instructions[i]
		ei.Code = instr.OpCode.Code
		switch v := instr.Operand.(type) {
		case nil:
		case int32:
			ei.Int = int64(v)
		case int64:
			ei.Int = v
		case int:
			ei.Int = int64(v)
		case float64:
			ei.Float = v
		case string:
			ei.Str = v
		case *Local:
			ei.Int, ei.Local = int64(v.Index), true
		case *MethodRef:
			ei.Method = v
		case *FieldRef:
			ei.Field = v
		case *TypeRef:
			ei.Type = v
		case *Instruction:
			target, err := indexOf(instr, v, -1)
			if err != nil {
				return nil, err
			}
			ei.Targets = []int{target}
		case []*Instruction:
			ei.Targets = make([]int, len(v))
			for ti, t := range v {
				target, err := indexOf(instr, t, -1)
				if err != nil {
					return nil, err
				}
				ei.Targets[ti] = target
			}
		default:
			return nil, malformed(m, instr, "unsupported operand type %T", v)
		}
	}
	end := len(body.Instructions)
	for _, r := range body.Regions {
		er := encodedRegion{Kind: r.Kind, CatchType: r.CatchType}
		var err error
		if er.TryStart, err = indexOf(nil, r.TryStart, -1); err != nil {
			return nil, err
		} else if er.TryEnd, err = indexOf(nil, r.TryEnd, end); err != nil {
			return nil, err
		} else if er.HandlerStart, err = indexOf(nil, r.HandlerStart, -1); err != nil {
			return nil, err
		} else if er.HandlerEnd, err = indexOf(nil, r.HandlerEnd, end); err != nil {
			return nil, err
		} else if er.FilterStart, err = indexOf(nil, r.FilterStart, -1); err != nil {
			return nil, err
		}
		eb.Regions = append(eb.Regions, er)
	}
	return eb, nil
}

// DecodeModule parses a container produced by EncodeModule.
func DecodeModule(data []byte) (*Module, error) {
	if !bytes.HasPrefix(data, containerMagic) {
		return nil, fmt.Errorf("%w: missing container header", ErrUnsupportedFormat)
	}
	raw, err := ZstdDecompress(nil, data[len(containerMagic):])
	if err != nil {
		return nil, fmt.Errorf("decompress container: %w", err)
	}
	var em encodedModule
	if err := msgpack.Unmarshal(raw, &em); err != nil {
		return nil, fmt.Errorf("decode container: %w", err)
	} else if err := checkFormat(em.Format); err != nil {
		return nil, err
	}

	m := &Module{Name: em.Name, FormatVersion: em.Format, Properties: em.Properties}
	for _, et := range em.Types {
		t, err := decodeType(et, nil)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", em.Name, err)
		}
		m.Types = append(m.Types, t)
	}
	return m, nil
}

func checkFormat(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: invalid version %q", ErrUnsupportedFormat, version)
	} else if semver.Major(version) != semver.Major(FormatVersion) || semver.Compare(version, FormatVersion) > 0 {
		return fmt.Errorf("%w: version %s is not readable by %s", ErrUnsupportedFormat, version, FormatVersion)
	}
	return nil
}

func decodeType(et *encodedType, declaring *Type) (*Type, error) {
	t := &Type{
		Namespace:     et.Namespace,
		Name:          et.Name,
		Fields:        et.Fields,
		Properties:    et.Properties,
		DeclaringType: declaring,
	}
	for _, em := range et.Methods {
		m := t.AddMethod(&Method{Name: em.Name, Static: em.Static, Params: em.Params, ReturnType: em.ReturnType})
		if em.Body != nil {
			body, err := decodeBody(m, em.Body)
			if err != nil {
				return nil, err
			}
			m.Body = body
		}
	}
	for _, en := range et.Nested {
		if _, err := decodeType(en, t); err != nil {
			return nil, err
		}
	}
	if declaring != nil {
		declaring.NestedTypes = append(declaring.NestedTypes, t)
	}
	return t, nil
}

func decodeBody(m *Method, eb *encodedBody) (*MethodBody, error) {
	instrs := make([]*Instruction, len(eb.Instructions))
	for i, ei := range eb.Instructions {
		op, ok := opCodesByCode[ei.Code]
		if !ok {
			return nil, malformed(m, nil, "unknown opcode 0x%04x at index %d", ei.Code, i)
		}
		instrs[i] = &Instruction{OpCode: op}
	}
	at := func(i int, allowEnd bool) (*Instruction, error) {
		if allowEnd && i == len(instrs) {
			return nil, nil
		} else if i < 0 || i >= len(instrs) {
			return nil, malformed(m, nil, "instruction index %d out of range", i)
		}
		return instrs[i], nil
	}

	for i, ei := range eb.Instructions {
		instr := instrs[i]
		switch instr.OpCode.Operand {
		case OperandShortInt, OperandInt:
			instr.Operand = int32(ei.Int)
		case OperandLong:
			instr.Operand = ei.Int
		case OperandDouble:
			instr.Operand = ei.Float
		case OperandString:
			instr.Operand = ei.Str
		case OperandMethod:
			instr.Operand = ei.Method
		case OperandField:
			instr.Operand = ei.Field
		case OperandType:
			instr.Operand = ei.Type
		case OperandShortVar, OperandVar:
			if !ei.Local {
				instr.Operand = int(ei.Int)
			} else if ei.Int < 0 || int(ei.Int) >= len(eb.Locals) {
				return nil, malformed(m, instr, "local %d out of range", ei.Int)
			} else {
				instr.Operand = eb.Locals[ei.Int]
			}
		case OperandShortBranch, OperandBranch:
			if len(ei.Targets) != 1 {
				return nil, malformed(m, instr, "branch without a single target")
			}
			target, err := at(ei.Targets[0], false)
			if err != nil {
				return nil, err
			}
			instr.Operand = target
		case OperandSwitch:
			targets := make([]*Instruction, len(ei.Targets))
			for ti, idx := range ei.Targets {
				target, err := at(idx, false)
				if err != nil {
					return nil, err
				}
				targets[ti] = target
			}
			instr.Operand = targets
		}
	}

	body := NewMethodBody(instrs...)
	body.MaxStack = eb.MaxStack
	body.InitLocals = eb.InitLocals
	body.Locals = eb.Locals
	for _, er := range eb.Regions {
		r := &ExceptionRegion{Kind: er.Kind, CatchType: er.CatchType}
		var err error
		if r.TryStart, err = at(er.TryStart, false); err != nil {
			return nil, err
		} else if r.TryEnd, err = at(er.TryEnd, true); err != nil {
			return nil, err
		} else if r.HandlerStart, err = at(er.HandlerStart, false); err != nil {
			return nil, err
		} else if r.HandlerEnd, err = at(er.HandlerEnd, true); err != nil {
			return nil, err
		}
		if er.FilterStart >= 0 {
			if r.FilterStart, err = at(er.FilterStart, false); err != nil {
				return nil, err
			}
		}
		body.Regions = append(body.Regions, r)
	}
	return body, nil
}

// ReadModuleFile loads a module container from disk.
func ReadModuleFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := DecodeModule(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteModuleFile encodes the module and replaces the file at path atomically, a failed write leaves any
// existing file untouched.
func WriteModuleFile(path string, m *Module) error {
	data, err := EncodeModule(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op once renamed
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	} else if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
