package transcript

import (
	"context"
	"fmt"
	"strings"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// Join is a participant-joined notification from the capture SDK.
type Join struct {
	SessionID string
	ID        string
	Name      string
	IsHost    bool
	Platform  string
	Email     string
	ExtraData map[string]string
}

// IsGenericName reports whether name is a placeholder rather than a person.
func IsGenericName(name string) bool {
	if name == "Host" || name == "Guest" || strings.Contains(name, "others") {
		return true
	}
	return len(strings.Split(name, " ")) > 3
}

// PlatformUserID picks the identifier that is stable across meetings on platform.
func PlatformUserID(platform string, extra map[string]string, fallback string) string {
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := extra[k]; v != "" {
				return v
			}
		}
		return fallback
	}
	if len(extra) == 0 {
		return fallback
	}
	switch strings.ToLower(platform) {
	case "zoom":
		return first("conf_user_id", "user_id")
	case "teams", "microsoft-teams":
		return first("user_id", "aad_object_id")
	case "google-meet", "meet":
		return first("user_id", "google_user_id")
	case "webex":
		return first("webex_id", "user_id")
	default:
		return fallback
	}
}

// Participant records a participant join on the session's meeting.
// Generic names are skipped. Joins for unbound sessions return an ErrNotFound error.
func (i *Ingestor) Participant(ctx context.Context, j Join) error {
	name := j.Name
	if name == "" {
		name = "Unknown Participant"
	}
	if IsGenericName(name) {
		i.logger.Debug("Skipping generic participant name", logging.F("name", name))
		return nil
	}
	b, ok := i.registry.Lookup(j.SessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", j.SessionID, pferrors.ErrNotFound)
	}

	p := store.Participant{
		ID:             j.ID,
		Name:           name,
		IsHost:         j.IsHost,
		Platform:       j.Platform,
		Email:          j.Email,
		PlatformUserID: PlatformUserID(j.Platform, j.ExtraData, j.ID),
		JoinedAt:       i.now().UTC(),
		Status:         "active",
	}

	var found bool
	err := i.store.Apply(ctx, store.UpdateMeeting(b.MeetingID, func(m *store.MeetingRecord) bool {
		found = true
		m.UpsertParticipant(p)
		return true
	}))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("meeting %s: %w", b.MeetingID, pferrors.ErrNotFound)
	}

	i.logger.Debug("Participant stored",
		logging.F("meeting_id", b.MeetingID),
		logging.F("participant_id", p.ID),
		logging.F("is_host", p.IsHost))
	i.publish(ctx, events.New(events.TypeParticipantsUpdated, b.MeetingID, b.SessionID, p))
	return nil
}
