// Package fault defines the error taxonomy used across the pipeline and the
// policy that decides which errors abort a run.
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind tags the subsystem an error originated from.
type Kind string

const (
	KindEnvironment Kind = "EnvironmentError"
	KindSession     Kind = "SessionError"
	KindValidation  Kind = "ValidationError"
	KindTask        Kind = "TaskError"
	KindAgent       Kind = "AgentError"
)

// Machine-readable error codes.
const (
	EnvMissingConfig  = "ENV_MISSING_CONFIG"
	EnvAgentMissing   = "ENV_AGENT_UNAVAILABLE"
	EnvStoreFailed    = "ENV_STORE_FAILED"
	EnvWorkdirInvalid = "ENV_WORKDIR_INVALID"

	SessionLoadFailed      = "SESSION_LOAD_FAILED"
	SessionSaveFailed      = "SESSION_SAVE_FAILED"
	SessionInvalidMetadata = "SESSION_INVALID_METADATA"
	SessionNotInitialized  = "SESSION_NOT_INITIALIZED"

	ValidationInvalidInput = "VALIDATION_INVALID_INPUT"
	ValidationSchema       = "VALIDATION_SCHEMA"

	TaskNotFound        = "TASK_NOT_FOUND"
	TaskNotEligible     = "TASK_NOT_ELIGIBLE"
	TaskExecutionFailed = "TASK_EXECUTION_FAILED"

	AgentCallFailed      = "AGENT_CALL_FAILED"
	AgentResponseInvalid = "AGENT_RESPONSE_INVALID"
	AgentTimeout         = "AGENT_TIMEOUT"
)

// OperationParsePRD is the context value marking a failure to parse the root
// requirements document.
const OperationParsePRD = "parse_prd"

// Error is a tagged pipeline error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString("(")
	sb.WriteString(e.Code)
	sb.WriteString("): ")
	sb.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%s=%s", k, e.Context[k])
		}
		sb.WriteString("]")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e with an extra context entry.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

func newError(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Environment reports an unusable execution context.
func Environment(code string, err error, format string, args ...any) *Error {
	return newError(KindEnvironment, code, err, format, args...)
}

// Session reports a session storage failure.
func Session(code string, err error, format string, args ...any) *Error {
	return newError(KindSession, code, err, format, args...)
}

// Validation reports invalid input or a schema violation.
func Validation(code string, err error, format string, args ...any) *Error {
	return newError(KindValidation, code, err, format, args...)
}

// Task reports a failure scoped to a single work item.
func Task(code string, err error, format string, args ...any) *Error {
	return newError(KindTask, code, err, format, args...)
}

// Agent reports a failed or unusable model call.
func Agent(code string, err error, format string, args ...any) *Error {
	return newError(KindAgent, code, err, format, args...)
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	fe, ok := As(err)
	return ok && fe.Code == code
}

// IsFatal decides whether err must abort the whole run.
// continueOnError forces every error to be treated as recoverable.
func IsFatal(err error, continueOnError bool) bool {
	if err == nil || continueOnError {
		return false
	}
	fe, ok := As(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindEnvironment:
		return true
	case KindSession:
		return fe.Code == SessionLoadFailed || fe.Code == SessionSaveFailed
	case KindValidation:
		return fe.Code == ValidationInvalidInput && fe.Context["operation"] == OperationParsePRD
	default:
		return false
	}
}
