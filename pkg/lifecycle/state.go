package lifecycle

import "time"

// State is a capture's position in the recording lifecycle.
type State string

const (
	StateDetected   State = "detected"
	StateJoining    State = "joining"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
	StateFinalizing State = "finalizing"
	StateUploaded   State = "uploaded"
	StateError      State = "error"
)

var transitions = map[State][]State{
	StateDetected:   {StateJoining, StateError},
	StateJoining:    {StateRecording, StatePaused, StateEnded, StateError},
	StateRecording:  {StatePaused, StateEnded, StateError},
	StatePaused:     {StateRecording, StateEnded, StateError},
	StateEnded:      {StateFinalizing, StateJoining, StateError},
	StateFinalizing: {StateUploaded},
	StateUploaded:   {StateJoining},
	StateError:      {StateJoining},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the state has a live recording binding.
func (s State) Active() bool {
	switch s {
	case StateJoining, StateRecording, StatePaused, StateEnded, StateFinalizing:
		return true
	}
	return false
}

// Capture is one detected meeting window and its lifecycle.
type Capture struct {
	SessionID  string    `json:"session_id"`
	Platform   string    `json:"platform"`
	Title      string    `json:"title,omitempty"`
	URL        string    `json:"url,omitempty"`
	State      State     `json:"state"`
	MeetingID  string    `json:"meeting_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	Error      string    `json:"error,omitempty"`
}

// Detection is the outcome of a session-detected event.
type Detection int

const (
	// Detected is a new capture awaiting a join.
	Detected Detection = iota
	// Suppressed is a window that was already recorded; nothing is announced.
	Suppressed
	// Existing is a repeat detection of a known capture.
	Existing
	// Rebound is an active capture that the SDK re-detected under a new session id.
	Rebound
)

func (d Detection) String() string {
	switch d {
	case Detected:
		return "detected"
	case Suppressed:
		return "suppressed"
	case Existing:
		return "existing"
	case Rebound:
		return "rebound"
	}
	return "unknown"
}
