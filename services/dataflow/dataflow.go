// Package dataflow controls external dataflow pipelines. The runtime is an
// opaque collaborator: the studio lists, starts, stops and destroys dataflows
// and reads node logs, and every failure comes back as a classified fault.
package dataflow

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/fault"
)

// State is the lifecycle state of a dataflow.
type State int

const (
	StateRunning State = iota
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState maps a runtime status word to a State.
func ParseState(s string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "started", "starting":
		return StateRunning, true
	case "finished", "succeeded", "stopped", "done":
		return StateFinished, true
	case "failed", "error", "crashed":
		return StateFailed, true
	default:
		return 0, false
	}
}

// Status is a State plus the failure reason when the state is StateFailed.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Running returns the running status.
func Running() Status { return Status{State: StateRunning} }

// Finished returns the finished status.
func Finished() Status { return Status{State: StateFinished} }

// Failed returns a failed status carrying reason.
func Failed(reason string) Status { return Status{State: StateFailed, Reason: reason} }

func (s Status) String() string {
	if s.State == StateFailed && s.Reason != "" {
		return "failed: " + s.Reason
	}
	return s.State.String()
}

// Entry describes one dataflow known to the runtime.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	NodeCount int       `json:"node_count"`
}

// DisplayName returns the name, or the ID when the dataflow is unnamed.
func (e Entry) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID.String()
}

// Controller is the control channel to the dataflow runtime. Implementations
// must be safe for concurrent use.
type Controller interface {
	List(ctx context.Context) ([]Entry, error)
	// Start launches the dataflow described at path and returns its ID.
	Start(ctx context.Context, path string) (uuid.UUID, error)
	// Stop asks a dataflow to shut down gracefully.
	Stop(ctx context.Context, id uuid.UUID) error
	// Destroy kills a dataflow without a grace period.
	Destroy(ctx context.Context, id uuid.UUID) error
	// Logs returns the log output of one node of a dataflow.
	Logs(ctx context.Context, id uuid.UUID, node string) (string, error)
}

// ParseID parses a dataflow identifier, classifying failures as invalid queries.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fault.InvalidQuery("invalid dataflow id %q", s)
	}
	return id, nil
}
