// Package agent routes capture SDK events to the lifecycle machine and the
// transcript ingestor.
//
// Events are handled one at a time by Run in arrival order. Handlers never
// block on the network: interview creation, extraction and finalization run
// on goroutines owned by the lifecycle machine and the extraction scheduler,
// and Run waits for them when the event stream ends.
package agent

import (
	"context"
	"fmt"
	"time"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/lifecycle"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/sdk"
	"github.com/otherjamesbrown/penf-capture/pkg/transcript"
)

// Closer is a component with background work to drain on shutdown.
type Closer interface {
	Close()
}

// Config holds the agent's collaborators.
type Config struct {
	Machine   *lifecycle.Machine
	Ingestor  *transcript.Ingestor
	Scheduler Closer
	Publisher events.Publisher
	Logger    logging.Logger
	Metrics   *observability.CaptureMetrics

	// AutoRecord joins every newly detected meeting without waiting for a
	// join-requested event.
	AutoRecord bool
}

// Agent dispatches SDK events.
type Agent struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

// New creates an Agent.
func New(cfg Config) *Agent {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.F("component", "agent")),
		now:    time.Now,
	}
}

// Run handles events from in until ctx is done or in is closed, then waits
// for outstanding captures to finish finalizing and stops the extraction
// scheduler. Handler errors are logged and never stop the loop.
func (a *Agent) Run(ctx context.Context, in <-chan sdk.Event) error {
	a.logger.Info("Agent started", logging.F("auto_record", a.cfg.AutoRecord))
	defer a.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				a.logger.Info("SDK event stream closed")
				return nil
			}
			if err := a.Handle(ctx, ev); err != nil {
				a.logFailure(ev, err)
			}
		}
	}
}

func (a *Agent) shutdown() {
	a.logger.Info("Agent stopping, waiting for background work")
	a.cfg.Machine.Wait()
	if a.cfg.Scheduler != nil {
		a.cfg.Scheduler.Close()
	}
	a.logger.Info("Agent stopped")
}

func (a *Agent) logFailure(ev sdk.Event, err error) {
	fields := []logging.Field{
		logging.F("event_type", string(ev.Type)),
		logging.F("session_id", ev.SessionID),
		logging.Err(err),
	}
	switch {
	case pferrors.IsNotFound(err), pferrors.IsNoCredentials(err):
		a.logger.Debug("SDK event ignored", fields...)
	case pferrors.IsValidation(err), pferrors.IsInvalidState(err):
		a.logger.Warn("SDK event rejected", fields...)
	default:
		a.logger.Error("SDK event failed", fields...)
	}
}

// Handle applies one SDK event. A panic in a handler is recovered and
// returned as an error.
func (a *Agent) Handle(ctx context.Context, ev sdk.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		a.cfg.Metrics.RecordSDKEvent(string(ev.Type), outcome(err))
	}()

	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Type {
	case sdk.EventSessionDetected:
		return a.detected(ctx, ev)
	case sdk.EventSessionUpdated:
		return a.cfg.Machine.Updated(ctx, ev.SessionID, ev.Title, ev.URL)
	case sdk.EventSessionClosed:
		return a.cfg.Machine.Closed(ctx, ev.SessionID)
	case sdk.EventJoinRequested:
		_, err := a.cfg.Machine.Join(ctx, ev.SessionID)
		return err
	case sdk.EventRecordingState:
		return a.cfg.Machine.RecordingState(ctx, ev.SessionID, ev.State)
	case sdk.EventRecordingEnded:
		return a.cfg.Machine.Ended(ctx, ev.SessionID)
	case sdk.EventTranscriptFragment:
		return a.fragment(ctx, ev)
	case sdk.EventTranscriptProvider:
		a.cfg.Ingestor.SpeakerHint(ev.SessionID, *ev.SpeakerIndex)
		return nil
	case sdk.EventParticipantJoined:
		return a.participant(ctx, ev)
	case sdk.EventUploadProgress:
		return a.uploadProgress(ctx, ev)
	case sdk.EventError:
		msg := ev.Error
		if msg == "" {
			msg = "capture SDK reported an error"
		}
		return a.cfg.Machine.Failed(ctx, ev.SessionID, msg)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case pferrors.IsValidation(err), pferrors.IsInvalidState(err), pferrors.IsNotFound(err):
		return "rejected"
	default:
		return "failed"
	}
}

func (a *Agent) detected(ctx context.Context, ev sdk.Event) error {
	d := a.cfg.Machine.Detected(ctx, ev.SessionID, ev.Platform, ev.Title, ev.URL)
	if d != lifecycle.Detected || !a.cfg.AutoRecord {
		return nil
	}
	_, err := a.cfg.Machine.Join(ctx, ev.SessionID)
	return err
}

func (a *Agent) fragment(ctx context.Context, ev sdk.Event) error {
	f := transcript.Fragment{
		SessionID: ev.SessionID,
		Words:     ev.WordTexts(),
		ArrivedAt: ev.Timestamp,
	}
	if f.ArrivedAt.IsZero() {
		f.ArrivedAt = a.now()
	}
	if p := ev.Participant; p != nil {
		f.ParticipantID = p.ID
		f.ParticipantName = p.Name
	}
	return a.cfg.Ingestor.Ingest(ctx, f)
}

func (a *Agent) participant(ctx context.Context, ev sdk.Event) error {
	p := ev.Participant
	platform := p.Platform
	if platform == "" {
		platform = ev.Platform
	}
	return a.cfg.Ingestor.Participant(ctx, transcript.Join{
		SessionID: ev.SessionID,
		ID:        p.ID,
		Name:      p.Name,
		IsHost:    p.IsHost,
		Platform:  platform,
		Email:     p.Email,
		ExtraData: p.ExtraData,
	})
}

// UploadProgress is the payload of an upload-progress event.
type UploadProgress struct {
	Progress float64 `json:"progress"`
}

func (a *Agent) uploadProgress(ctx context.Context, ev sdk.Event) error {
	c, _ := a.cfg.Machine.Capture(ev.SessionID)
	return a.cfg.Publisher.Publish(ctx, events.New(events.TypeUploadProgress, c.MeetingID, ev.SessionID, UploadProgress{Progress: ev.Progress}))
}
