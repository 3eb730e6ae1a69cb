// Package errorir defines the stable error codes shared by the kernel.
//
// Codes fall into two disjoint classes:
//   - Contractual failures travel inside an error Envelope (status "error").
//   - Orchestration failures are returned as Go errors because the Envelope
//     contract itself could not be established.
package errorir

import (
	"errors"
	"fmt"
)

// Code is a stable short error code such as "ERR_TIMEOUT".
type Code string

// Class separates contractual (in-envelope) failures from orchestration failures.
type Class string

const (
	ClassContractual   Class = "CONTRACTUAL"
	ClassOrchestration Class = "ORCHESTRATION"
)

// Contractual codes.
const (
	CodeInputs          Code = "ERR_INPUTS"
	CodeMissingSecret   Code = "ERR_MISSING_SECRET"
	CodeOutputDuplicate Code = "ERR_OUTPUT_DUPLICATE"
	CodeTimeout         Code = "ERR_TIMEOUT"
	CodeImagePull       Code = "ERR_IMAGE_PULL"
	CodeCancelled       Code = "ERR_CANCELLED"
	CodeProcessor       Code = "ERR_PROCESSOR"
)

// Orchestration codes.
const (
	CodeAdapterInvocation Code = "ERR_ADAPTER_INVOCATION"
	CodeRegistryMismatch  Code = "ERR_REGISTRY_MISMATCH"
	CodeImageUnpinned     Code = "ERR_IMAGE_UNPINNED"
	CodeCISafety          Code = "ERR_CI_SAFETY"
)

var classes = map[Code]Class{
	CodeInputs:            ClassContractual,
	CodeMissingSecret:     ClassContractual,
	CodeOutputDuplicate:   ClassContractual,
	CodeTimeout:           ClassContractual,
	CodeImagePull:         ClassContractual,
	CodeCancelled:         ClassContractual,
	CodeProcessor:         ClassContractual,
	CodeAdapterInvocation: ClassOrchestration,
	CodeRegistryMismatch:  ClassOrchestration,
	CodeImageUnpinned:     ClassOrchestration,
	CodeCISafety:          ClassOrchestration,
}

// ClassOf returns the class of a known code. Unknown codes are treated as
// orchestration failures so they are never silently folded into an envelope.
func ClassOf(c Code) Class {
	if cl, ok := classes[c]; ok {
		return cl
	}
	return ClassOrchestration
}

// Known reports whether c is one of the stable codes.
func Known(c Code) bool {
	_, ok := classes[c]
	return ok
}

// Error carries a stable code and a human message. It never carries a stack
// trace or secret material.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New returns an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error that unwraps to err.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, &errorir.Error{Code: errorir.CodeTimeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Class returns the class of the error's code.
func (e *Error) Class() Class { return ClassOf(e.Code) }

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
