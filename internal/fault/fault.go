package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies fatal pipeline conditions.
type Kind int

const (
	Unknown Kind = iota
	MissingExternalTool
	InvalidParameter
	IntegrityViolation
	ExternalToolFailure
	IOFailure
)

func (k Kind) String() string {
	switch k {
	case MissingExternalTool:
		return "missing_external_tool"
	case InvalidParameter:
		return "invalid_parameter"
	case IntegrityViolation:
		return "integrity_violation"
	case ExternalToolFailure:
		return "external_tool_failure"
	case IOFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on kind.
var (
	ErrMissingTool = &Error{Kind: MissingExternalTool}
	ErrInvalid     = &Error{Kind: InvalidParameter}
	ErrIntegrity   = &Error{Kind: IntegrityViolation}
	ErrToolFailed  = &Error{Kind: ExternalToolFailure}
	ErrIO          = &Error{Kind: IOFailure}
)

// Error is a classified failure. Keys lists offending identifiers (genome keys,
// tool names); Output carries captured external tool output.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Keys    []string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(e.Kind.String())
	}
	if len(e.Keys) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Keys, ", "))
	}
	if e.Message != "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinels match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil
}

// Invalid reports a bad parameter detected before any I/O.
func Invalid(op, format string, args ...any) error {
	return &Error{Kind: InvalidParameter, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Integrity reports identifiers that violate a cross-stage contract.
func Integrity(op string, keys []string, format string, args ...any) error {
	return &Error{Kind: IntegrityViolation, Op: op, Message: fmt.Sprintf(format, args...), Keys: keys}
}

// Missing reports external programs that are not installed.
func Missing(op string, tools []string) error {
	return &Error{Kind: MissingExternalTool, Op: op, Message: "required external tool not found", Keys: tools}
}

// ToolFailed wraps a nonzero external exit, keeping its output for diagnosis.
func ToolFailed(op string, output []byte, err error) error {
	return &Error{Kind: ExternalToolFailure, Op: op, Output: string(output), Err: err}
}

// IO wraps a filesystem failure. A nil err stays nil.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: IOFailure, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case InvalidParameter:
		return 2
	case MissingExternalTool:
		return 3
	case IntegrityViolation:
		return 4
	case ExternalToolFailure:
		return 5
	case IOFailure:
		return 6
	default:
		return 1
	}
}
