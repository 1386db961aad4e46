// Package sdk is the boundary to the capture SDK: the events it emits and the
// recording commands it accepts.
package sdk

import (
	"context"
	"fmt"
	"strings"
	"time"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// EventType names an SDK event.
type EventType string

const (
	EventSessionDetected    EventType = "session-detected"
	EventSessionUpdated     EventType = "session-updated"
	EventSessionClosed      EventType = "session-closed"
	EventRecordingState     EventType = "recording-state-changed"
	EventRecordingEnded     EventType = "recording-ended"
	EventTranscriptFragment EventType = "transcript-fragment"
	EventTranscriptProvider EventType = "transcript-provider-data"
	EventParticipantJoined  EventType = "participant-joined"
	EventUploadProgress     EventType = "upload-progress"
	EventError              EventType = "error"
	EventJoinRequested      EventType = "join-requested"
)

// Recording states reported by recording-state-changed.
const (
	StateRecording = "recording"
	StatePaused    = "paused"
	StateIdle      = "idle"
)

// Word is one transcribed word.
type Word struct {
	Text string `json:"text"`
}

// Participant describes a meeting participant as seen by the SDK.
type Participant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	IsHost    bool              `json:"is_host"`
	Platform  string            `json:"platform,omitempty"`
	Email     string            `json:"email,omitempty"`
	ExtraData map[string]string `json:"extra_data,omitempty"`
}

// Event is one SDK event. SessionID is the SDK's window id for the meeting.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	Platform     string       `json:"platform,omitempty"`
	Title        string       `json:"title,omitempty"`
	URL          string       `json:"url,omitempty"`
	State        string       `json:"state,omitempty"`
	Words        []Word       `json:"words,omitempty"`
	Participant  *Participant `json:"participant,omitempty"`
	SpeakerIndex *int         `json:"speaker_index,omitempty"`
	Progress     float64      `json:"progress,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// WordTexts returns the event's words as strings.
func (e Event) WordTexts() []string {
	out := make([]string, len(e.Words))
	for i, w := range e.Words {
		out[i] = w.Text
	}
	return out
}

var knownTypes = map[EventType]struct{}{
	EventSessionDetected: {}, EventSessionUpdated: {}, EventSessionClosed: {},
	EventRecordingState: {}, EventRecordingEnded: {}, EventTranscriptFragment: {},
	EventTranscriptProvider: {}, EventParticipantJoined: {}, EventUploadProgress: {},
	EventError: {}, EventJoinRequested: {},
}

// Validate checks the fields every event of its type needs.
func (e Event) Validate() error {
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("unknown event type %q: %w", e.Type, pferrors.ErrValidation)
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return fmt.Errorf("%s event without session_id: %w", e.Type, pferrors.ErrValidation)
	}
	switch e.Type {
	case EventRecordingState:
		if e.State == "" {
			return fmt.Errorf("%s event without state: %w", e.Type, pferrors.ErrValidation)
		}
	case EventParticipantJoined:
		if e.Participant == nil || e.Participant.ID == "" {
			return fmt.Errorf("%s event without participant id: %w", e.Type, pferrors.ErrValidation)
		}
	case EventTranscriptProvider:
		if e.SpeakerIndex == nil {
			return fmt.Errorf("%s event without speaker_index: %w", e.Type, pferrors.ErrValidation)
		}
	}
	return nil
}

// Command types sent to the SDK.
const (
	CommandStartRecording = "start-recording"
	CommandStopRecording  = "stop-recording"
)

// Command is an instruction sent back to the SDK.
type Command struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	UploadToken string `json:"upload_token,omitempty"`
}

// Controller sends recording commands to the SDK.
type Controller interface {
	StartRecording(ctx context.Context, sessionID, uploadToken string) error
	StopRecording(ctx context.Context, sessionID string) error
}
