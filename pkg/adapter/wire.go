package adapter

import (
	"encoding/json"

	"github.com/Mindburn-Labs/substrate/pkg/contracts"
	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// Kind is the frame discriminator on the wire.
type Kind string

const (
	KindRequest  Kind = "Request"
	KindResponse Kind = "Response"
	KindLog      Kind = "Log"
	KindEvent    Kind = "Event"
)

// Control is the per-frame control block. A Request carries execution_id
// and mode; a Response adds status, cost_micro and final. A Request with
// Cancel set asks the processor to stop.
type Control struct {
	ExecutionID string           `json:"execution_id"`
	Mode        contracts.Mode   `json:"mode,omitempty"`
	Status      contracts.Status `json:"status,omitempty"`
	CostMicro   int64            `json:"cost_micro,omitempty"`
	Final       bool             `json:"final,omitempty"`
	Cancel      bool             `json:"cancel,omitempty"`
}

// Frame is one message of the adapter protocol. A connection carries one
// Request, any number of Log, Event and partial Response frames, and
// exactly one Response with Final set.
type Frame struct {
	Kind      Kind                 `json:"kind"`
	Control   Control              `json:"control"`
	Processor string               `json:"processor,omitempty"`
	Inputs    map[string]any       `json:"inputs,omitempty"`
	Outputs   []worldpath.Selector `json:"outputs,omitempty"`
	Secrets   map[string]string    `json:"secrets,omitempty"`
	Envelope  json.RawMessage      `json:"envelope,omitempty"`
	Level     string               `json:"level,omitempty"`
	Message   string               `json:"message,omitempty"`
	Event     json.RawMessage      `json:"event,omitempty"`
}

// LogLine is a Log frame as surfaced to callers.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
