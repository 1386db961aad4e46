// Package events publishes capture events to the desktop UI and other listeners.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a capture event.
type Type string

const (
	TypeMeetingDetected     Type = "meeting-detected"
	TypeMeetingTitleUpdated Type = "meeting-title-updated"
	TypeMeetingClosed       Type = "meeting-closed"
	TypeStateChanged        Type = "recording-state-change"
	TypeRecordingCompleted  Type = "recording-completed"
	TypeTranscriptUpdated   Type = "transcript-updated"
	TypeParticipantsUpdated Type = "participants-updated"
	TypeEvidenceNew         Type = "evidence-new"
	TypeEvidenceUpdated     Type = "evidence-updated"
	TypeEvidenceSnapshot    Type = "evidence-snapshot"
	TypeTasksUpdated        Type = "tasks-updated"
	TypeUploadProgress      Type = "upload-progress"
	TypeUploadCompleted     Type = "upload-completed"
	TypeCaptureError        Type = "capture-error"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType Type      `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// NewBaseEvent creates a BaseEvent with sensible defaults.
func NewBaseEvent(eventType Type) BaseEvent {
	return BaseEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "penf-capture",
		Version:   "1.0",
	}
}

// Event is one capture event. Payload is a JSON-encodable value specific to the type.
type Event struct {
	BaseEvent
	MeetingID string      `json:"meeting_id,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// New creates an event for a meeting.
func New(t Type, meetingID, sessionID string, payload interface{}) Event {
	return Event{
		BaseEvent: NewBaseEvent(t),
		MeetingID: meetingID,
		SessionID: sessionID,
		Payload:   payload,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans an event out to several publishers and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Memory records events in order for later inspection.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty Memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the recorded events of type t.
func (m *Memory) OfType(t Type) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}
