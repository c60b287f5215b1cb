package domain

import (
	"encoding/json"
	"time"
)

// EventType is the closed vocabulary of broadcast envelopes.
type EventType string

const (
	EventPipelineTriggered  EventType = "pipeline_triggered"
	EventPipelineStatus     EventType = "pipeline_status"
	EventStageUpdate        EventType = "stage_update"
	EventLogEntry           EventType = "log_entry"
	EventDeployment         EventType = "deployment_event"
	EventManualDeployment   EventType = "manual_deployment"
	EventDeploymentComplete EventType = "deployment_complete"
	EventPodsUpdate         EventType = "pods_update"
	EventRollback           EventType = "rollback"

	// Sent to a single observer, never broadcast.
	EventConnected   EventType = "connected"
	EventPong        EventType = "pong"
	EventStateUpdate EventType = "state_update"
	EventError       EventType = "error"
)

// Envelope is the wire format of every message sent to observers.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// NewEnvelope stamps data with the current UTC time.
func NewEnvelope(t EventType, data any) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// Marshal encodes the envelope, falling back to an error envelope when data is not encodable.
func (e Envelope) Marshal() []byte {
	payload, err := json.Marshal(e)
	if err != nil {
		payload, _ = json.Marshal(Envelope{Type: EventError, Timestamp: e.Timestamp, Data: map[string]string{"error": err.Error()}})
	}
	return payload
}
