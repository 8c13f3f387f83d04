package orchestrator

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	durable "github.com/goliatone/go-durable"
)

// StatusResponse is the query view of an instance. Its JSON field names are
// the status endpoint schema.
type StatusResponse struct {
	InstanceID       string           `json:"instanceId"`
	Name             string           `json:"name"`
	RuntimeStatus    durable.Status   `json:"runtimeStatus"`
	Input            json.RawMessage  `json:"input,omitempty"`
	Output           json.RawMessage  `json:"output,omitempty"`
	CustomStatus     json.RawMessage  `json:"customStatus,omitempty"`
	Failure          *durable.Failure `json:"failure,omitempty"`
	CreatedTime      time.Time        `json:"createdTime"`
	LastUpdatedTime  time.Time        `json:"lastUpdatedTime"`
	ParentInstanceID string           `json:"parentInstanceId,omitempty"`
}

// Done reports whether polling can stop.
func (s *StatusResponse) Done() bool {
	return s != nil && s.RuntimeStatus.IsTerminal()
}

// Status returns the latest committed state of id. It has no side effects.
func (o *Orchestrator) Status(ctx context.Context, id string) (*StatusResponse, error) {
	inst, err := o.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.statusOf(inst), nil
}

func (o *Orchestrator) statusOf(inst *durable.Instance) *StatusResponse {
	return &StatusResponse{
		InstanceID:       inst.ID,
		Name:             inst.Name,
		RuntimeStatus:    inst.Status,
		Input:            o.asJSON(inst.Input),
		Output:           o.asJSON(inst.Output),
		CustomStatus:     o.asJSON(inst.CustomStatus),
		Failure:          inst.Failure.Clone(),
		CreatedTime:      inst.CreatedAt,
		LastUpdatedTime:  inst.UpdatedAt,
		ParentInstanceID: inst.ParentInstanceID,
	}
}

// asJSON re-encodes a codec payload as JSON. Payloads that cannot be decoded
// are reported as a JSON string.
func (o *Orchestrator) asJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if o.codec.Name() == (durable.JSONCodec{}).Name() && json.Valid(raw) {
		return append(json.RawMessage(nil), raw...)
	}
	var v any
	if err := o.codec.Unmarshal(raw, &v); err == nil {
		if out, err := json.Marshal(v); err == nil {
			return out
		}
	}
	out, _ := json.Marshal(string(raw))
	return out
}

// StatusLinks are the management URIs returned with an accepted start.
type StatusLinks struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	SendEventPostURI  string `json:"sendEventPostUri"`
	TerminatePostURI  string `json:"terminatePostUri"`
}

// CheckStatusLinks builds the management URIs of id under base. The event
// URI keeps an {eventName} placeholder.
func CheckStatusLinks(base, id string) StatusLinks {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	instance := base + "/instances/" + url.PathEscape(id)
	return StatusLinks{
		ID:                id,
		StatusQueryGetURI: instance,
		SendEventPostURI:  instance + "/events/{eventName}",
		TerminatePostURI:  instance + "/terminate",
	}
}
