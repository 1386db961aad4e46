// Package transcript folds streaming transcript fragments and participant
// joins into the durable meeting record.
package transcript

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/session"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// UnknownSpeaker labels fragments with no usable speaker information.
const UnknownSpeaker = "Unknown Speaker"

// Notifier is told when a meeting's transcript grows.
type Notifier interface {
	Notify(meetingID string)
}

// Fragment is a piece of live transcript from the capture SDK.
type Fragment struct {
	SessionID       string
	ParticipantID   string
	ParticipantName string
	Words           []string
	ArrivedAt       time.Time
}

// Text joins the fragment's words with single spaces.
func (f Fragment) Text() string {
	words := make([]string, 0, len(f.Words))
	for _, w := range f.Words {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

// Config holds the ingestor's collaborators.
type Config struct {
	Store       *store.Store
	Registry    *session.Registry
	Notifier    Notifier
	Publisher   events.Publisher
	Logger      logging.Logger
	Metrics     *observability.CaptureMetrics
	MergeWindow time.Duration
}

// Ingestor attributes and merges transcript fragments.
type Ingestor struct {
	store     *store.Store
	registry  *session.Registry
	notifier  Notifier
	publisher events.Publisher
	logger    logging.Logger
	metrics   *observability.CaptureMetrics
	window    time.Duration
	now       func() time.Time

	mu    sync.Mutex
	hints map[string]int
}

// New creates an Ingestor.
func New(cfg Config) *Ingestor {
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = DefaultMergeWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	return &Ingestor{
		store:     cfg.Store,
		registry:  cfg.Registry,
		notifier:  cfg.Notifier,
		publisher: cfg.Publisher,
		logger:    cfg.Logger.With(logging.F("component", "transcript")),
		metrics:   cfg.Metrics,
		window:    cfg.MergeWindow,
		now:       time.Now,
		hints:     make(map[string]int),
	}
}

// SpeakerHint records the provider's current speaker index for a session.
func (i *Ingestor) SpeakerHint(sessionID string, index int) {
	i.mu.Lock()
	i.hints[sessionID] = index
	i.mu.Unlock()
}

// ForgetSession drops the speaker hint kept for a session.
func (i *Ingestor) ForgetSession(sessionID string) {
	i.mu.Lock()
	delete(i.hints, sessionID)
	i.mu.Unlock()
}

// Speaker returns the label a fragment is attributed to.
func (i *Ingestor) Speaker(sessionID, participantName string) string {
	if name := strings.TrimSpace(participantName); name != "" && name != "Host" && name != "Guest" {
		return name
	}
	i.mu.Lock()
	idx, ok := i.hints[sessionID]
	i.mu.Unlock()
	if ok {
		return fmt.Sprintf("Speaker %d", idx)
	}
	return UnknownSpeaker
}

// TranscriptPayload is the payload of a transcript-updated event.
type TranscriptPayload struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Merged    bool      `json:"merged"`
}

// Ingest attributes f to a speaker and merges it into its meeting's transcript.
// Fragments with no words are ignored. Fragments for unbound sessions return
// an ErrNotFound error.
func (i *Ingestor) Ingest(ctx context.Context, f Fragment) error {
	text := f.Text()
	if text == "" {
		return nil
	}
	b, ok := i.registry.Lookup(f.SessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", f.SessionID, pferrors.ErrNotFound)
	}

	at := f.ArrivedAt
	if at.IsZero() {
		at = i.now()
	}
	utt := store.Utterance{
		Speaker:   i.Speaker(f.SessionID, f.ParticipantName),
		Text:      text,
		Timestamp: at.UTC(),
	}

	var (
		found  bool
		merged bool
		last   store.Utterance
	)
	err := i.store.Apply(ctx, store.UpdateMeeting(b.MeetingID, func(m *store.MeetingRecord) bool {
		found = true
		m.Transcript, merged = Merge(m.Transcript, utt, i.window)
		last = m.Transcript[len(m.Transcript)-1]
		return true
	}))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("meeting %s: %w", b.MeetingID, pferrors.ErrNotFound)
	}

	i.metrics.RecordFragment(merged)
	i.logger.Debug("Transcript fragment stored",
		logging.F("meeting_id", b.MeetingID),
		logging.F("speaker", utt.Speaker),
		logging.F("merged", merged))

	if i.notifier != nil {
		i.notifier.Notify(b.MeetingID)
	}
	i.publish(ctx, events.New(events.TypeTranscriptUpdated, b.MeetingID, b.SessionID, TranscriptPayload{
		Speaker:   last.Speaker,
		Text:      last.Text,
		Timestamp: last.Timestamp,
		Merged:    merged,
	}))
	return nil
}

func (i *Ingestor) publish(ctx context.Context, ev events.Event) {
	if err := i.publisher.Publish(ctx, ev); err != nil {
		i.logger.Warn("Publishing event failed", logging.F("event_type", string(ev.EventType)), logging.Err(err))
	}
}
