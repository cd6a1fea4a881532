package audit

import (
	"time"
)

// Action names a journaled store operation.
type Action string

const (
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionVerify  Action = "verify"
	ActionRestore Action = "restore"
	ActionPrune   Action = "prune"
	ActionExport  Action = "export"
)

// Result is the outcome of an operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// ResultOf maps an operation error to a Result.
func ResultOf(err error) Result {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// Resource names what an operation acted on: a snapshot, or the store for prune.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Event is one line of the journal.
type Event struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Action       Action                 `json:"action"`
	Result       Result                 `json:"result"`
	Resource     Resource               `json:"resource"`
	Actor        string                 `json:"actor,omitempty"`
	Latency      time.Duration          `json:"latency,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// PreviousHash links to the preceding event; empty for the first.
	PreviousHash string `json:"previous_hash,omitempty"`
	// Hash covers every other field, PreviousHash included.
	Hash string `json:"hash,omitempty"`
}

// NewSnapshotEvent describes an operation on one snapshot.
func NewSnapshotEvent(action Action, id, name string, latency time.Duration, err error, metadata map[string]interface{}) *Event {
	ev := &Event{
		Action:   action,
		Result:   ResultOf(err),
		Resource: Resource{Type: "snapshot", ID: id, Name: name},
		Latency:  latency,
		Metadata: metadata,
	}
	if err != nil {
		ev.ErrorMessage = err.Error()
	}
	return ev
}
