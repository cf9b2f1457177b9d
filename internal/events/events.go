package events

import (
	"encoding/json"
	"time"
)

// Type discriminates wire events. The set is closed; transports switch on it
// exhaustively.
type Type string

const (
	TypeStep          Type = "step"
	TypeToken         Type = "token"
	TypeSources       Type = "sources"
	TypeVisualization Type = "visualization"
	TypeError         Type = "error"
)

// StepStatus is the lifecycle state carried by step events.
type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// Event is one streamed pipeline event. Exactly one of the Type-specific
// field groups is populated; Marshal emits only the fields that belong to
// the event's type.
type Event struct {
	Type Type `json:"type"`

	// step fields
	StepType string     `json:"step_type,omitempty"`
	Status   StepStatus `json:"status,omitempty"`
	StepID   string     `json:"step_id,omitempty"`
	ParentID string     `json:"parent_id,omitempty"`
	Payload  any        `json:"payload,omitempty"`
	// Duration is milliseconds; pointer so a zero-duration completion is
	// still serialized while running events omit it.
	Duration *int64 `json:"duration,omitempty"`

	// token fields
	Text string `json:"text,omitempty"`

	// sources fields
	Sources []Source `json:"sources,omitempty"`

	// error fields
	Message string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Source is a cited document surfaced to the client with the answer.
type Source struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
}

// Step builds a running/completed/failed progress event for a stage.
func Step(stepType string, status StepStatus, stepID, parentID string, payload any) Event {
	return Event{
		Type:      TypeStep,
		StepType:  stepType,
		Status:    status,
		StepID:    stepID,
		ParentID:  parentID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// StepDone builds a terminal step event carrying its duration.
func StepDone(stepType string, status StepStatus, stepID, parentID string, payload any, d time.Duration) Event {
	ms := d.Milliseconds()
	ev := Step(stepType, status, stepID, parentID, payload)
	ev.Duration = &ms
	return ev
}

// Token builds a plain-text token event.
func Token(text string) Event {
	return Event{Type: TypeToken, Text: text, Timestamp: time.Now()}
}

// Visualization builds a structured-block event. The payload is the parsed
// JSON body of the fenced block.
func Visualization(payload json.RawMessage) Event {
	return Event{Type: TypeVisualization, Payload: payload, Timestamp: time.Now()}
}

// SourceList builds a sources event for the retained candidates.
func SourceList(sources []Source) Event {
	return Event{Type: TypeSources, Sources: sources, Timestamp: time.Now()}
}

// Error builds the single terminal error event sent on abort. Message must be
// generic; internal error detail stays in logs.
func Error(message string) Event {
	return Event{Type: TypeError, Message: message, Timestamp: time.Now()}
}

// Marshal returns the newline-delimited JSON wire form, without the trailing
// newline. Serialization happens only here, at the transport boundary.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
