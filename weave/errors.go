package weave

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedInput matches errors caused by an inconsistent method body, the method is skipped.
	ErrMalformedInput = errors.New("malformed input")
	// ErrEditingInvariant matches errors caused by an invalid edit sequence, these abort the whole rewrite.
	ErrEditingInvariant = errors.New("editing invariant violation")
	// ErrUnsupportedConstruct matches errors for patterns the analysis intentionally does not resolve.
	ErrUnsupportedConstruct = errors.New("unsupported construct")
)

// MalformedInputError reports a stack shape inconsistency or unresolved operand within a method body.
type MalformedInputError struct {
	Method      string
	Instruction *Instruction
	Reason      string
}

func (e *MalformedInputError) Error() string {
	if e.Instruction != nil {
		return fmt.Sprintf("malformed body %s at %s: %s", e.Method, e.Instruction, e.Reason)
	}
	return fmt.Sprintf("malformed body %s: %s", e.Method, e.Reason)
}

func (e *MalformedInputError) Is(target error) bool {
	return target == ErrMalformedInput
}

// EditingInvariantError reports a reference left dangling by an edit session.
type EditingInvariantError struct {
	Method      string
	Instruction *Instruction
	Reason      string
}

func (e *EditingInvariantError) Error() string {
	if e.Instruction != nil {
		return fmt.Sprintf("editing invariant violated in %s at %s: %s", e.Method, e.Instruction, e.Reason)
	}
	return fmt.Sprintf("editing invariant violated in %s: %s", e.Method, e.Reason)
}

func (e *EditingInvariantError) Is(target error) bool {
	return target == ErrEditingInvariant
}

// UnsupportedConstructError reports a call whose argument range could not be resolved.
type UnsupportedConstructError struct {
	Method string
	Call   *Instruction
	Reason string
}

func (e *UnsupportedConstructError) Error() string {
	return fmt.Sprintf("unsupported construct in %s at %s: %s", e.Method, e.Call, e.Reason)
}

func (e *UnsupportedConstructError) Is(target error) bool {
	return target == ErrUnsupportedConstruct
}

// IsRecoverable returns true if the error only affects the current method and the rewrite can continue.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrMalformedInput) || errors.Is(err, ErrUnsupportedConstruct)
}

func malformed(m *Method, instr *Instruction, format string, args ...any) error {
	return &MalformedInputError{Method: methodName(m), Instruction: instr, Reason: fmt.Sprintf(format, args...)}
}

func violation(m *Method, instr *Instruction, format string, args ...any) error {
	return &EditingInvariantError{Method: methodName(m), Instruction: instr, Reason: fmt.Sprintf(format, args...)}
}

func methodName(m *Method) string {
	if m == nil {
		return "<unknown>"
	}
	return m.FullName()
}
