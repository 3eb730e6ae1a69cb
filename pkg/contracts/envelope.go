// Package contracts defines the Envelope returned by every processor
// invocation and the checks the kernel applies to it.
package contracts

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/substrate/pkg/errorir"
)

// IndexFilename is the fixed basename of every success index_path.
const IndexFilename = "_index.json"

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Mode selects mock or real execution. It is always explicit.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeReal Mode = "real"
)

// ParseMode rejects anything but "mock" or "real". An empty mode is an
// invocation error, never a default.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMock, ModeReal:
		return Mode(s), nil
	case "":
		return "", errorir.New(errorir.CodeAdapterInvocation, "mode is required")
	default:
		return "", errorir.New(errorir.CodeAdapterInvocation, "unknown mode %q", s)
	}
}

// Output is one object written to the World by a processor.
type Output struct {
	Path      string `json:"path"`
	CID       string `json:"cid"`
	SizeBytes int64  `json:"size_bytes"`
	Mime      string `json:"mime"`
}

type ErrorBody struct {
	Code    errorir.Code `json:"code"`
	Message string       `json:"message"`
}

type Meta struct {
	ImageDigest    string `json:"image_digest,omitempty"`
	EnvFingerprint string `json:"env_fingerprint"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
}

// Envelope is the canonical result of one invocation.
type Envelope struct {
	Status      Status     `json:"status"`
	ExecutionID string     `json:"execution_id"`
	Outputs     []Output   `json:"outputs,omitempty"`
	IndexPath   string     `json:"index_path,omitempty"`
	Error       *ErrorBody `json:"error,omitempty"`
	Meta        Meta       `json:"meta"`
}

// Success builds a success envelope.
func Success(executionID string, outputs []Output, indexPath string, meta Meta) *Envelope {
	if outputs == nil {
		outputs = []Output{}
	}
	return &Envelope{Status: StatusSuccess, ExecutionID: executionID, Outputs: outputs, IndexPath: indexPath, Meta: meta}
}

// Failure builds an error envelope.
func Failure(executionID string, code errorir.Code, message string, meta Meta) *Envelope {
	return &Envelope{
		Status:      StatusError,
		ExecutionID: executionID,
		Error:       &ErrorBody{Code: code, Message: message},
		Meta:        Meta{ImageDigest: meta.ImageDigest, EnvFingerprint: meta.EnvFingerprint},
	}
}

// FailureFrom converts an error into an error envelope, keeping the code
// and message of an *errorir.Error.
func FailureFrom(executionID string, err error, meta Meta) *Envelope {
	var ee *errorir.Error
	if errors.As(err, &ee) {
		return Failure(executionID, ee.Code, ee.Message, meta)
	}
	return Failure(executionID, errorir.CodeProcessor, err.Error(), meta)
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	if e.Outputs != nil {
		out.Outputs = append([]Output{}, e.Outputs...)
	}
	if e.Error != nil {
		body := *e.Error
		out.Error = &body
	}
	return &out
}

func (e *Envelope) Succeeded() bool { return e != nil && e.Status == StatusSuccess }

// Code returns the error code of an error envelope, or "".
func (e *Envelope) Code() errorir.Code {
	if e == nil || e.Error == nil {
		return ""
	}
	return e.Error.Code
}

type successWire struct {
	Status      Status   `json:"status"`
	ExecutionID string   `json:"execution_id"`
	Outputs     []Output `json:"outputs"`
	IndexPath   string   `json:"index_path"`
	Meta        Meta     `json:"meta"`
}

type errorWire struct {
	Status      Status     `json:"status"`
	ExecutionID string     `json:"execution_id"`
	Error       *ErrorBody `json:"error"`
	Meta        Meta       `json:"meta"`
}

// MarshalJSON emits exactly the fields allowed for the envelope's status.
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch e.Status {
	case StatusSuccess:
		outputs := e.Outputs
		if outputs == nil {
			outputs = []Output{}
		}
		return json.Marshal(successWire{e.Status, e.ExecutionID, outputs, e.IndexPath, e.Meta})
	case StatusError:
		return json.Marshal(errorWire{e.Status, e.ExecutionID, e.Error, e.Meta})
	default:
		return nil, fmt.Errorf("envelope: unknown status %q", e.Status)
	}
}
