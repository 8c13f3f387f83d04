package durable

import (
	"strings"
	"time"
)

// Status is the runtime status of an orchestration instance.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusTerminated     Status = "TERMINATED"
	StatusContinuedAsNew Status = "CONTINUED_AS_NEW"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTerminated, StatusContinuedAsNew:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes a user supplied status name. CREATED is accepted as
// an alias of PENDING.
func ParseStatus(raw string) (Status, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "CREATED" {
		return StatusPending, nil
	}
	status := Status(value)
	if !status.Valid() {
		return "", NewError(ErrInvalidInput, "unknown status "+raw, nil, map[string]any{"status": raw})
	}
	return status, nil
}

// ParentRef links a sub-orchestration to the task that scheduled it.
type ParentRef struct {
	InstanceID string `json:"instance_id" msgpack:"instance_id"`
	TaskID     int64  `json:"task_id" msgpack:"task_id"`
}

// Instance is the persisted snapshot of one orchestration.
type Instance struct {
	ID               string    `json:"id" msgpack:"id"`
	Name             string    `json:"name" msgpack:"name"`
	Status           Status    `json:"status" msgpack:"status"`
	Version          int64     `json:"version" msgpack:"version"`
	Generation       int       `json:"generation" msgpack:"generation"`
	Input            []byte    `json:"input,omitempty" msgpack:"input,omitempty"`
	Output           []byte    `json:"output,omitempty" msgpack:"output,omitempty"`
	Failure          *Failure  `json:"failure,omitempty" msgpack:"failure,omitempty"`
	CustomStatus     []byte    `json:"custom_status,omitempty" msgpack:"custom_status,omitempty"`
	ParentInstanceID string    `json:"parent_instance_id,omitempty" msgpack:"parent_instance_id,omitempty"`
	ParentTaskID     int64     `json:"parent_task_id,omitempty" msgpack:"parent_task_id,omitempty"`
	CreatedAt        time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Parent returns the parent link or nil for top-level instances.
func (i *Instance) Parent() *ParentRef {
	if i == nil || strings.TrimSpace(i.ParentInstanceID) == "" {
		return nil
	}
	return &ParentRef{InstanceID: i.ParentInstanceID, TaskID: i.ParentTaskID}
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Input = cloneBytes(i.Input)
	cp.Output = cloneBytes(i.Output)
	cp.CustomStatus = cloneBytes(i.CustomStatus)
	cp.Failure = i.Failure.Clone()
	return &cp
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte(nil), in...)
}
