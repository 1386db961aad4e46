package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeetingRecord_PreservesUnknownFields(t *testing.T) {
	raw := `{"id":"meeting-1","type":"document","title":"Standup","summary":"notes from the UI","tags":["a"]}`

	var m MeetingRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "Standup", m.Title)

	m.Title = "Renamed"
	out, err := json.Marshal(m)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, "Renamed", fields["title"])
	assert.Equal(t, "notes from the UI", fields["summary"])
	assert.Equal(t, []interface{}{"a"}, fields["tags"])
	assert.Equal(t, []interface{}{}, fields["transcript"])
}

func TestDocument_Helpers(t *testing.T) {
	doc := NewDocument()
	doc.PrependMeeting(&MeetingRecord{ID: "a"})
	doc.PrependMeeting(&MeetingRecord{ID: "b"})

	require.Len(t, doc.PastMeetings, 2)
	assert.Equal(t, "b", doc.PastMeetings[0].ID)
	assert.NotNil(t, doc.FindMeeting("a"))
	assert.Nil(t, doc.FindMeeting("c"))

	assert.True(t, doc.RemoveMeeting("a"))
	assert.False(t, doc.RemoveMeeting("a"))
	assert.Len(t, doc.PastMeetings, 1)
}

func TestDocument_Clone(t *testing.T) {
	ended := time.Now()
	doc := NewDocument()
	doc.UpcomingMeetings = append(doc.UpcomingMeetings, json.RawMessage(`{"id":"cal-1"}`))
	doc.PrependMeeting(&MeetingRecord{
		ID:               "a",
		Transcript:       []Utterance{{Speaker: "A", Text: "hi"}},
		Participants:     []Participant{{ID: "p1", Name: "Ada"}},
		RecordingEndedAt: &ended,
	})

	clone := doc.Clone()
	clone.PastMeetings[0].Transcript[0].Text = "changed"
	clone.PastMeetings[0].Participants[0].Name = "changed"
	*clone.PastMeetings[0].RecordingEndedAt = ended.Add(time.Hour)
	clone.UpcomingMeetings[0][2] = 'X'

	assert.Equal(t, "hi", doc.PastMeetings[0].Transcript[0].Text)
	assert.Equal(t, "Ada", doc.PastMeetings[0].Participants[0].Name)
	assert.True(t, ended.Equal(*doc.PastMeetings[0].RecordingEndedAt))
	assert.Equal(t, `{"id":"cal-1"}`, string(doc.UpcomingMeetings[0]))
}

func TestMeetingRecord_UpsertParticipant(t *testing.T) {
	m := &MeetingRecord{}
	m.UpsertParticipant(Participant{ID: "p1", Name: "Ada"})
	m.UpsertParticipant(Participant{ID: "p2", Name: "Grace"})
	m.UpsertParticipant(Participant{ID: "p1", Name: "Ada Lovelace"})

	require.Len(t, m.Participants, 2)
	assert.Equal(t, "Ada Lovelace", m.Participants[0].Name)
}
