package store

import (
	"encoding/json"
	"time"
)

// Document is the persisted meetings document shared with the desktop UI.
type Document struct {
	// UpcomingMeetings is owned by the calendar integration; kept verbatim.
	UpcomingMeetings []json.RawMessage `json:"upcomingMeetings"`
	PastMeetings     []*MeetingRecord  `json:"pastMeetings"`
}

// NewDocument returns the empty default document.
func NewDocument() *Document {
	return &Document{
		UpcomingMeetings: []json.RawMessage{},
		PastMeetings:     []*MeetingRecord{},
	}
}

// FindMeeting returns the meeting with id, or nil.
func (d *Document) FindMeeting(id string) *MeetingRecord {
	for _, m := range d.PastMeetings {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// PrependMeeting inserts m at the front of the past meetings list.
func (d *Document) PrependMeeting(m *MeetingRecord) {
	d.PastMeetings = append([]*MeetingRecord{m}, d.PastMeetings...)
}

// RemoveMeeting deletes the meeting with id and reports whether it existed.
func (d *Document) RemoveMeeting(id string) bool {
	for i, m := range d.PastMeetings {
		if m.ID == id {
			d.PastMeetings = append(d.PastMeetings[:i], d.PastMeetings[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		UpcomingMeetings: make([]json.RawMessage, len(d.UpcomingMeetings)),
		PastMeetings:     make([]*MeetingRecord, len(d.PastMeetings)),
	}
	for i, raw := range d.UpcomingMeetings {
		out.UpcomingMeetings[i] = append(json.RawMessage(nil), raw...)
	}
	for i, m := range d.PastMeetings {
		out.PastMeetings[i] = m.Clone()
	}
	return out
}

// MeetingRecord is one captured meeting.
type MeetingRecord struct {
	ID                 string        `json:"id"`
	Type               string        `json:"type"`
	Title              string        `json:"title"`
	StartedAt          time.Time     `json:"date"`
	RecordingSessionID string        `json:"recordingId"`
	Platform           string        `json:"platform"`
	Content            string        `json:"content"`
	Participants       []Participant `json:"participants"`
	Transcript         []Utterance   `json:"transcript"`
	InterviewID        string        `json:"interviewId,omitempty"`
	RecordingComplete  bool          `json:"recordingComplete"`
	RecordingEndedAt   *time.Time    `json:"recordingEndTime,omitempty"`
	HasSummary         bool          `json:"hasSummary"`
	MediaReferencePath string        `json:"mediaReferencePath,omitempty"`
	MediaObjectKey     string        `json:"mediaObjectKey,omitempty"`

	// extra keeps fields written by the desktop UI (summary, notes, ...) so a
	// round trip through the agent never drops them.
	extra map[string]json.RawMessage
}

// Participant is a person seen by the capture SDK in a meeting.
type Participant struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	IsHost         bool      `json:"isHost"`
	Platform       string    `json:"platform,omitempty"`
	Email          string    `json:"email,omitempty"`
	PlatformUserID string    `json:"platformUserId,omitempty"`
	JoinedAt       time.Time `json:"joinTime"`
	Status         string    `json:"status"`
}

// Utterance is one speaker turn in the transcript.
type Utterance struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone returns a deep copy.
func (m *MeetingRecord) Clone() *MeetingRecord {
	if m == nil {
		return nil
	}
	out := *m
	out.Participants = append([]Participant(nil), m.Participants...)
	out.Transcript = append([]Utterance(nil), m.Transcript...)
	if m.RecordingEndedAt != nil {
		t := *m.RecordingEndedAt
		out.RecordingEndedAt = &t
	}
	if m.extra != nil {
		out.extra = make(map[string]json.RawMessage, len(m.extra))
		for k, v := range m.extra {
			out.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	if out.Participants == nil {
		out.Participants = []Participant{}
	}
	if out.Transcript == nil {
		out.Transcript = []Utterance{}
	}
	return &out
}

// UpsertParticipant replaces the participant with the same id, or appends p.
func (m *MeetingRecord) UpsertParticipant(p Participant) {
	for i := range m.Participants {
		if m.Participants[i].ID == p.ID {
			m.Participants[i] = p
			return
		}
	}
	m.Participants = append(m.Participants, p)
}

type meetingRecordAlias MeetingRecord

var knownMeetingFields = map[string]struct{}{
	"id": {}, "type": {}, "title": {}, "date": {}, "recordingId": {}, "platform": {},
	"content": {}, "participants": {}, "transcript": {}, "interviewId": {},
	"recordingComplete": {}, "recordingEndTime": {}, "hasSummary": {},
	"mediaReferencePath": {}, "mediaObjectKey": {},
}

// UnmarshalJSON decodes the known fields and keeps the rest.
func (m *MeetingRecord) UnmarshalJSON(data []byte) error {
	var alias meetingRecordAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range knownMeetingFields {
		delete(all, k)
	}
	*m = MeetingRecord(alias)
	if len(all) > 0 {
		m.extra = all
	}
	return nil
}

// MarshalJSON encodes the known fields plus any preserved UI fields.
func (m MeetingRecord) MarshalJSON() ([]byte, error) {
	alias := meetingRecordAlias(m)
	if alias.Participants == nil {
		alias.Participants = []Participant{}
	}
	if alias.Transcript == nil {
		alias.Transcript = []Utterance{}
	}
	known, err := json.Marshal(alias)
	if err != nil || len(m.extra) == 0 {
		return known, err
	}

	merged := make(map[string]json.RawMessage, len(m.extra)+len(knownMeetingFields))
	for k, v := range m.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}
