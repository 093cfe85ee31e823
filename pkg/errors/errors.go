// Unified error type for the palpation processes
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Control loop errors
	ErrPrecondition ErrorCode = "PRECONDITION"
	ErrRobot        ErrorCode = "ROBOT"
	ErrSensor       ErrorCode = "SENSOR"
	ErrTimeout      ErrorCode = "TIMEOUT"
	ErrInterrupt    ErrorCode = "INTERRUPT"

	// Collaborators and I/O
	ErrSearch    ErrorCode = "SEARCH"
	ErrTelemetry ErrorCode = "TELEMETRY"
	ErrPersist   ErrorCode = "PERSIST"
	ErrRuntime   ErrorCode = "RUNTIME"
)

// HostError is the unified error type
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component name
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	where := e.Section
	if e.Option != "" {
		where = e.Section + "." + e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, where, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the config section or component
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Config errors

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for a missing config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for a value that fails validation
func ConfigValidationError(section, option, reason string) *HostError {
	return New(ErrConfigValidation, reason).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for a value that does not parse
func ConfigTypeError(section, option, value, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("failed to parse '%s' as %s", value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Control loop errors

// PreconditionError reports a violated internal invariant.
func PreconditionError(message string) *HostError {
	return New(ErrPrecondition, message)
}

// RobotError wraps a failure reported by the robot controller.
func RobotError(operation string, err error) *HostError {
	return Wrap(err, ErrRobot, operation+" failed").SetSection("robot")
}

// SensorError wraps a force sensor failure.
func SensorError(operation string, err error) *HostError {
	return Wrap(err, ErrSensor, operation+" failed").SetSection("force_sensor")
}

// TimeoutError reports an expired bounded wait.
func TimeoutError(what string, seconds float64) *HostError {
	return New(ErrTimeout, fmt.Sprintf("timed out after %.1fs waiting for %s", seconds, what))
}

// TelemetryError wraps a shared memory channel failure.
func TelemetryError(operation string, err error) *HostError {
	return Wrap(err, ErrTelemetry, operation+" failed").SetSection("telemetry")
}

// PersistError wraps a failure writing an output artifact.
func PersistError(artifact string, err error) *HostError {
	return Wrap(err, ErrPersist, "saving "+artifact).SetSection("output")
}

// Assert panics with a PRECONDITION HostError when cond is false. The
// control process recovers it at the top level after teardown.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(PreconditionError(fmt.Sprintf(format, args...)))
	}
}

// FromPanic converts a recovered panic value into a HostError. A panic
// carrying a HostError is returned unchanged.
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case *HostError:
		return x
	case runtime.Error:
		return Wrap(x, ErrRuntime, "runtime panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return New(ErrRuntime, fmt.Sprintf("panic: %v", x))
	}
}

// Is reports whether any HostError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var hostErr *HostError
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}
