package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")

	// ErrSpawn marks a failure to create the child process; the run is
	// immediately failed and never reaches running.
	ErrSpawn = fmt.Errorf("spawn failed")
	// ErrStorage marks an unavailable or failing persistence layer. It is
	// surfaced to the caller of the triggering operation, never swallowed.
	ErrStorage = fmt.Errorf("storage unavailable")
	// ErrParse marks a single malformed output line; the pipeline recovers
	// and the run continues.
	ErrParse = fmt.Errorf("malformed record")
	// ErrProcessLost marks a run whose process disappeared across an engine
	// restart; detected only during reconcile.
	ErrProcessLost = fmt.Errorf("process lost across restart")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Engine.Start")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "runstore", "registry")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can map the sentinel + subsystem pair to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown      ErrorCode = "UNKNOWN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeSpawn        ErrorCode = "SPAWN_FAILED"
	CodeStorage      ErrorCode = "STORAGE_UNAVAILABLE"
	CodeParse        ErrorCode = "MALFORMED_RECORD"
	CodeProcessLost  ErrorCode = "PROCESS_LOST"

	// Subsystem-specific codes resolved via subSystemCodeMap.
	CodeRunNotFound        ErrorCode = "RUN_NOT_FOUND"
	CodeDefinitionNotFound ErrorCode = "DEFINITION_NOT_FOUND"
	CodeDefinitionExists   ErrorCode = "DEFINITION_EXISTS"
	CodeRunCeiling         ErrorCode = "RUN_CEILING_REACHED"
)

// errorCodeMap maps sentinel errors to their fallback codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrInvalidInput: CodeInvalidInput,
	ErrLimitReached: CodeLimitReached,
	ErrSpawn:        CodeSpawn,
	ErrStorage:      CodeStorage,
	ErrParse:        CodeParse,
	ErrProcessLost:  CodeProcessLost,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"run":        CodeRunNotFound,
		"definition": CodeDefinitionNotFound,
	},
	ErrDuplicate: {
		"definition": CodeDefinitionExists,
	},
	ErrLimitReached: {
		"engine": CodeRunCeiling,
	},
}

// ErrorCodeOf returns the machine-parseable code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinels.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
