package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

func fixedEvent() Event {
	ev := New(TypeTasksUpdated, "meeting-1", "window-1", map[string]interface{}{"count": 2})
	ev.EventID = "evt-1"
	ev.Timestamp = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	return ev
}

func TestNewBaseEvent(t *testing.T) {
	ev := NewBaseEvent(TypeMeetingDetected)

	assert.Equal(t, TypeMeetingDetected, ev.EventType)
	assert.Equal(t, "penf-capture", ev.Source)
	assert.Equal(t, "1.0", ev.Version)
	assert.NotEmpty(t, ev.EventID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(fixedEvent())
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "tasks-updated", out["event_type"])
	assert.Equal(t, "meeting-1", out["meeting_id"])
	assert.Equal(t, "window-1", out["session_id"])
	assert.Equal(t, map[string]interface{}{"count": float64(2)}, out["payload"])
}

func TestRedisPublisher_Publish(t *testing.T) {
	client, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(client, "", logging.NewNopLogger())

	ev := fixedEvent()
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectPublish("events.capture.tasks-updated", string(data)).SetVal(1)

	require.NoError(t, pub.Publish(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_PublishError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	pub := NewRedisPublisher(client, "ui", logging.NewNopLogger())

	ev := fixedEvent()
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectPublish("ui.tasks-updated", string(data)).SetErr(errors.New("connection lost"))

	err = pub.Publish(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ui.tasks-updated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_Channel(t *testing.T) {
	client, _ := redismock.NewClientMock()
	pub := NewRedisPublisher(client, "desktop", logging.NewNopLogger())
	assert.Equal(t, "desktop.evidence-new", pub.Channel(TypeEvidenceNew))
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMulti(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	boom := errors.New("boom")
	multi := Multi{a, failingPublisher{boom}, b}

	err := multi.Publish(context.Background(), fixedEvent())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "later publishers still receive the event")
}

func TestMemory_OfType(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Publish(ctx, New(TypeEvidenceNew, "m", "", nil))
	_ = m.Publish(ctx, New(TypeTasksUpdated, "m", "", nil))
	_ = m.Publish(ctx, New(TypeEvidenceNew, "m", "", nil))

	assert.Len(t, m.OfType(TypeEvidenceNew), 2)
	assert.Len(t, m.OfType(TypeCaptureError), 0)
	assert.NoError(t, Nop{}.Publish(ctx, fixedEvent()))
	assert.NoError(t, NewLogPublisher(logging.NewNopLogger()).Publish(ctx, fixedEvent()))
}
