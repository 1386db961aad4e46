// Package lifecycle drives each detected meeting window through
// Detected, Joining, Recording/Paused, Ended, Finalizing and Uploaded, with
// Error for unrecoverable SDK failures.
//
// The machine owns the side effects of each transition: creating the
// durable meeting record, binding the session, starting interview creation,
// starting the recorder, and handing finished captures to the finalize
// pipeline. Invalid transitions return ErrInvalidState and change nothing.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/penf-capture/client"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/finalize"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/sdk"
	"github.com/otherjamesbrown/penf-capture/pkg/session"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// Backend is the subset of the backend API used when joining a meeting.
type Backend interface {
	UserContext(ctx context.Context) (*client.UserContext, error)
	CreateInterview(ctx context.Context, req client.CreateInterviewRequest) (string, error)
	CreateUploadToken(ctx context.Context, accountID, projectID string) (string, error)
}

// Extraction is told about interview ids and released captures.
type Extraction interface {
	SetInterviewID(meetingID, interviewID string)
	Forget(meetingID string)
}

// Pipeline finalizes a finished capture.
type Pipeline interface {
	Run(ctx context.Context, job finalize.Job) *finalize.Report
}

// SessionForgetter drops per-session state kept elsewhere.
type SessionForgetter interface {
	ForgetSession(sessionID string)
}

// Config holds the machine's collaborators.
type Config struct {
	Store       *store.Store
	Registry    *session.Registry
	Backend     Backend
	Controller  sdk.Controller
	Extraction  Extraction
	Pipeline    Pipeline
	Transcripts SessionForgetter
	Publisher   events.Publisher
	Logger      logging.Logger
	Metrics     *observability.CaptureMetrics
	Tracer      *observability.Tracer

	// InterviewTimeout bounds interview creation, including rate limit waits.
	InterviewTimeout time.Duration
}

// DefaultInterviewTimeout is used when Config.InterviewTimeout is not set.
const DefaultInterviewTimeout = 2 * time.Minute

// Machine tracks every detected capture.
type Machine struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time
	newID  func() string

	mu         sync.Mutex
	captures   map[string]*Capture
	suppressed map[string]struct{}

	wg sync.WaitGroup
}

// New creates a Machine.
func New(cfg Config) *Machine {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.Controller == nil {
		cfg.Controller = sdk.LogController{Logger: cfg.Logger}
	}
	if cfg.InterviewTimeout <= 0 {
		cfg.InterviewTimeout = DefaultInterviewTimeout
	}
	return &Machine{
		cfg:        cfg,
		logger:     cfg.Logger.With(logging.F("component", "lifecycle")),
		now:        time.Now,
		newID:      func() string { return "meeting-" + uuid.NewString() },
		captures:   make(map[string]*Capture),
		suppressed: make(map[string]struct{}),
	}
}

// Wait blocks until background work started by the machine has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) goTracked(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Lifecycle task panicked", logging.F("panic", fmt.Sprint(r)))
			}
		}()
		fn()
	}()
}

// State returns the state of sessionID's capture.
func (m *Machine) State(sessionID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[sessionID]
	if !ok {
		return "", false
	}
	return c.State, true
}

// Capture returns a copy of sessionID's capture.
func (m *Machine) Capture(sessionID string) (Capture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[sessionID]
	if !ok {
		return Capture{}, false
	}
	return *c, true
}

// Captures returns copies of all captures, oldest first.
func (m *Machine) Captures() []Capture {
	m.mu.Lock()
	out := make([]Capture, 0, len(m.captures))
	for _, c := range m.captures {
		out = append(out, *c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// StatePayload is the payload of a recording-state-change event.
type StatePayload struct {
	From  State  `json:"from"`
	To    State  `json:"to"`
	Title string `json:"title,omitempty"`
}

// transition moves c to to. Callers hold m.mu.
func (m *Machine) transition(c *Capture, to State) error {
	from := c.State
	if !CanTransition(from, to) {
		m.logger.Warn("Invalid lifecycle transition",
			logging.F("session_id", c.SessionID),
			logging.F("from", string(from)),
			logging.F("to", string(to)))
		return fmt.Errorf("%s -> %s: %w", from, to, pferrors.ErrInvalidState)
	}
	c.State = to
	m.cfg.Metrics.RecordTransition(string(from), string(to))
	m.logger.Info("Capture state changed",
		logging.F("session_id", c.SessionID),
		logging.F("meeting_id", c.MeetingID),
		logging.F("from", string(from)),
		logging.F("to", string(to)))
	return nil
}

func (m *Machine) publish(ctx context.Context, t events.Type, c Capture, payload interface{}) {
	if err := m.cfg.Publisher.Publish(ctx, events.New(t, c.MeetingID, c.SessionID, payload)); err != nil {
		m.logger.Warn("Publishing event failed", logging.F("event_type", string(t)), logging.Err(err))
	}
}

func (m *Machine) publishState(ctx context.Context, c Capture, from State) {
	m.publish(ctx, events.TypeStateChanged, c, StatePayload{From: from, To: c.State, Title: c.Title})
}

// Detected records a session-detected event.
func (m *Machine) Detected(ctx context.Context, sessionID, platform, title, url string) Detection {
	m.mu.Lock()
	if c, ok := m.captures[sessionID]; ok {
		if title != "" {
			c.Title = title
		}
		if url != "" {
			c.URL = url
		}
		_, quiet := m.suppressed[sessionID]
		m.mu.Unlock()
		if quiet {
			m.logger.Debug("Detection suppressed for recorded window", logging.F("session_id", sessionID))
			return Suppressed
		}
		return Existing
	}
	if _, quiet := m.suppressed[sessionID]; quiet {
		m.mu.Unlock()
		return Suppressed
	}

	if prev := m.findRebindTarget(sessionID, url); prev != nil {
		oldSession := prev.SessionID
		delete(m.captures, oldSession)
		prev.SessionID = sessionID
		m.captures[sessionID] = prev
		snap := *prev
		m.mu.Unlock()

		if err := m.rebind(ctx, oldSession, snap); err != nil {
			m.logger.Warn("Rebinding re-detected capture failed", logging.F("session_id", sessionID), logging.Err(err))
		}
		return Rebound
	}

	c := &Capture{
		SessionID:  sessionID,
		Platform:   platform,
		Title:      title,
		URL:        url,
		State:      StateDetected,
		DetectedAt: m.now(),
	}
	m.captures[sessionID] = c
	snap := *c
	m.mu.Unlock()

	m.logger.Info("Meeting detected", logging.F("session_id", sessionID), logging.F("platform", platform))
	m.publish(ctx, events.TypeMeetingDetected, snap, snap)
	return Detected
}

// findRebindTarget returns a live capture of the same meeting URL under a
// different session id. Callers hold m.mu.
func (m *Machine) findRebindTarget(sessionID, url string) *Capture {
	if url == "" {
		return nil
	}
	for _, c := range m.captures {
		if c.SessionID != sessionID && c.URL == url && c.MeetingID != "" &&
			(c.State == StateRecording || c.State == StatePaused) {
			return c
		}
	}
	return nil
}

func (m *Machine) rebind(ctx context.Context, oldSession string, c Capture) error {
	if err := m.cfg.Registry.Rebind(c.SessionID, c.MeetingID); err != nil {
		return err
	}
	if m.cfg.Transcripts != nil {
		m.cfg.Transcripts.ForgetSession(oldSession)
	}
	m.logger.Info("Capture re-detected under new session",
		logging.F("meeting_id", c.MeetingID),
		logging.F("old_session_id", oldSession),
		logging.F("session_id", c.SessionID))
	return m.cfg.Store.Apply(ctx, store.UpdateMeeting(c.MeetingID, func(r *store.MeetingRecord) bool {
		r.RecordingSessionID = c.SessionID
		return true
	}))
}

// Updated refreshes a capture's title and url. When the capture already has
// a meeting record its title is updated too.
func (m *Machine) Updated(ctx context.Context, sessionID, title, url string) error {
	m.mu.Lock()
	c, ok := m.captures[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	changed := title != "" && title != c.Title
	if title != "" {
		c.Title = title
	}
	if url != "" {
		c.URL = url
	}
	snap := *c
	m.mu.Unlock()

	if !changed || snap.MeetingID == "" {
		return nil
	}
	err := m.cfg.Store.Apply(ctx, store.UpdateMeeting(snap.MeetingID, func(r *store.MeetingRecord) bool {
		if r.Title == title {
			return false
		}
		r.Title = title
		return true
	}))
	if err != nil {
		return err
	}
	m.publish(ctx, events.TypeMeetingTitleUpdated, snap, map[string]string{"title": title})
	return nil
}

// Join starts recording a detected capture and returns the new meeting id.
func (m *Machine) Join(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	c, ok := m.captures[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	from := c.State
	if err := m.transition(c, StateJoining); err != nil {
		m.mu.Unlock()
		return "", err
	}
	delete(m.suppressed, sessionID)

	now := m.now()
	meetingID := m.newID()
	title := MeetingTitle(c.Title, c.Platform, now)
	c.Title = title
	c.MeetingID = meetingID
	c.Error = ""
	snap := *c
	m.mu.Unlock()

	ctx, span := m.cfg.Tracer.StartJoinSpan(ctx, sessionID, snap.Platform)
	err := m.join(ctx, snap, now)
	observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
	if err != nil {
		m.fail(ctx, sessionID, err)
		return "", err
	}
	m.publishState(ctx, snap, from)
	return meetingID, nil
}

func (m *Machine) join(ctx context.Context, c Capture, now time.Time) error {
	record := &store.MeetingRecord{
		ID:                 c.MeetingID,
		Type:               "document",
		Title:              c.Title,
		StartedAt:          now.UTC(),
		RecordingSessionID: c.SessionID,
		Platform:           c.Platform,
		Content:            initialContent(c.Title),
		Participants:       []store.Participant{},
		Transcript:         []store.Utterance{},
	}
	err := m.cfg.Store.Apply(ctx, func(doc *store.Document) (*store.Document, error) {
		doc.PrependMeeting(record)
		return doc, nil
	})
	if err != nil {
		return pferrors.New(pferrors.CodeUnrecoverableCapture, "join", "creating meeting record", err)
	}

	m.cfg.Registry.Bind(c.SessionID, c.MeetingID, c.Platform)
	future := session.NewInterviewFuture()
	if err := m.cfg.Registry.AttachInterview(c.SessionID, future); err != nil {
		return pferrors.New(pferrors.CodeIdentityRace, "join", "attaching interview", err)
	}

	m.goTracked(func() { m.createInterview(c, future) })
	m.goTracked(func() { m.startRecording(c) })
	return nil
}

// createInterview resolves future with the backend interview id. It runs
// detached from the event that triggered it so a quick recording-ended
// still sees the result. The future always resolves within InterviewTimeout.
func (m *Machine) createInterview(c Capture, future *session.InterviewFuture) {
	defer future.Resolve("", pferrors.New(pferrors.CodeUnrecoverableCapture, "interview", "interview creation aborted", nil))

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.InterviewTimeout)
	defer cancel()
	log := m.logger.With(logging.F("meeting_id", c.MeetingID), logging.F("session_id", c.SessionID))

	id, err := m.createInterviewID(ctx, c)
	future.Resolve(id, err)
	switch {
	case pferrors.IsNoCredentials(err):
		log.Info("Not signed in, interview not created")
		return
	case err != nil:
		log.Warn("Creating interview failed", logging.Err(err))
		return
	}

	log.Info("Interview created", logging.F("interview_id", id))
	if m.cfg.Extraction != nil {
		m.cfg.Extraction.SetInterviewID(c.MeetingID, id)
	}
	err = m.cfg.Store.Apply(context.Background(), store.UpdateMeeting(c.MeetingID, func(r *store.MeetingRecord) bool {
		r.InterviewID = id
		return true
	}))
	if err != nil {
		log.Warn("Saving interview id failed", logging.Err(err))
	}
}

func (m *Machine) createInterviewID(ctx context.Context, c Capture) (string, error) {
	if m.cfg.Backend == nil {
		return "", pferrors.ErrNoCredentials
	}
	uc, err := m.cfg.Backend.UserContext(ctx)
	if err != nil {
		return "", err
	}
	return m.cfg.Backend.CreateInterview(ctx, client.CreateInterviewRequest{
		AccountID:        uc.DefaultAccountID,
		ProjectID:        uc.DefaultProjectID,
		Title:            c.Title,
		Platform:         c.Platform,
		DesktopMeetingID: c.MeetingID,
	})
}

// startRecording asks the SDK to record, with an upload token when one can
// be obtained and without one otherwise.
func (m *Machine) startRecording(c Capture) {
	ctx := context.Background()
	log := m.logger.With(logging.F("session_id", c.SessionID))

	token := ""
	if m.cfg.Backend != nil {
		if uc, err := m.cfg.Backend.UserContext(ctx); err == nil {
			token, err = m.cfg.Backend.CreateUploadToken(ctx, uc.DefaultAccountID, uc.DefaultProjectID)
			if err != nil && !pferrors.IsNoCredentials(err) {
				log.Warn("Upload token request failed, recording without token", logging.Err(err))
			}
		} else if !pferrors.IsNoCredentials(err) {
			log.Warn("Loading user context failed, recording without token", logging.Err(err))
		}
	}

	err := m.cfg.Controller.StartRecording(ctx, c.SessionID, token)
	if err != nil && token != "" {
		log.Warn("Start recording with token failed, retrying without", logging.Err(err))
		err = m.cfg.Controller.StartRecording(ctx, c.SessionID, "")
	}
	if err != nil {
		log.Error("Start recording failed", logging.Err(err))
		m.publish(ctx, events.TypeCaptureError, c, map[string]string{
			"code":    string(pferrors.CodeProcessingError),
			"message": err.Error(),
		})
	}
}

// RecordingState applies an SDK recording state. Unknown states are ignored.
func (m *Machine) RecordingState(ctx context.Context, sessionID, sdkState string) error {
	var to State
	switch sdkState {
	case sdk.StateRecording:
		to = StateRecording
	case sdk.StatePaused:
		to = StatePaused
	default:
		return nil
	}

	m.mu.Lock()
	c, ok := m.captures[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	if c.State == to {
		m.mu.Unlock()
		return nil
	}
	from := c.State
	if err := m.transition(c, to); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := *c
	m.mu.Unlock()

	m.publishState(ctx, snap, from)
	return nil
}

// Ended marks the capture's recording complete and runs the finalize
// pipeline in the background. The session binding is released once the
// pipeline finishes.
func (m *Machine) Ended(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, ok := m.captures[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	from := c.State
	if err := m.transition(c, StateEnded); err != nil {
		m.mu.Unlock()
		return err
	}
	m.suppressed[sessionID] = struct{}{}
	ended := *c
	m.mu.Unlock()

	endedAt := m.now()
	err := m.cfg.Store.Apply(ctx, store.UpdateMeeting(ended.MeetingID, func(r *store.MeetingRecord) bool {
		t := endedAt.UTC()
		r.RecordingComplete = true
		r.RecordingEndedAt = &t
		r.Content = completedContent(r.Content, endedAt)
		return true
	}))
	if err != nil {
		m.logger.Warn("Marking meeting complete failed", logging.F("meeting_id", ended.MeetingID), logging.Err(err))
	}
	m.publishState(ctx, ended, from)
	m.publish(ctx, events.TypeRecordingCompleted, ended, map[string]interface{}{"ended_at": endedAt.UTC()})

	m.mu.Lock()
	if err := m.transition(c, StateFinalizing); err != nil {
		m.mu.Unlock()
		return err
	}
	finalizing := *c
	m.mu.Unlock()
	m.publishState(ctx, finalizing, StateEnded)

	job := finalize.Job{
		SessionID: sessionID,
		MeetingID: ended.MeetingID,
		Platform:  ended.Platform,
		EndedAt:   endedAt,
	}
	m.goTracked(func() { m.runPipeline(c, job) })
	return nil
}

func (m *Machine) runPipeline(c *Capture, job finalize.Job) {
	ctx := context.Background()
	if m.cfg.Pipeline != nil {
		m.cfg.Pipeline.Run(ctx, job)
	}

	m.release(job.SessionID, job.MeetingID)

	m.mu.Lock()
	if c.State != StateFinalizing || c.MeetingID != job.MeetingID {
		m.mu.Unlock()
		return
	}
	_ = m.transition(c, StateUploaded)
	snap := *c
	if _, open := m.suppressed[job.SessionID]; !open && m.captures[job.SessionID] == c {
		delete(m.captures, job.SessionID)
	}
	m.mu.Unlock()
	m.publishState(ctx, snap, StateFinalizing)
}

// release drops the session binding and per-meeting state of a finished capture.
func (m *Machine) release(sessionID, meetingID string) {
	if b, ok := m.cfg.Registry.Lookup(sessionID); ok && b.MeetingID == meetingID {
		m.cfg.Registry.Unbind(sessionID)
	}
	if m.cfg.Extraction != nil {
		m.cfg.Extraction.Forget(meetingID)
	}
	if m.cfg.Transcripts != nil {
		m.cfg.Transcripts.ForgetSession(sessionID)
	}
}

// Closed handles the meeting window closing. Suppression for the window is
// cleared and inactive captures are dropped.
// Bindings are left for recording-ended to release.
func (m *Machine) Closed(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.suppressed, sessionID)
	c, ok := m.captures[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	snap := *c
	if !c.State.Active() {
		delete(m.captures, sessionID)
	}
	m.mu.Unlock()

	m.publish(ctx, events.TypeMeetingClosed, snap, nil)
	return nil
}

// Failed moves the capture to Error after an unrecoverable SDK error.
func (m *Machine) Failed(ctx context.Context, sessionID, message string) error {
	return m.fail(ctx, sessionID, pferrors.New(pferrors.CodeUnrecoverableCapture, "sdk", message, nil))
}

func (m *Machine) fail(ctx context.Context, sessionID string, cause error) error {
	m.mu.Lock()
	c, ok := m.captures[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	from := c.State
	if err := m.transition(c, StateError); err != nil {
		m.mu.Unlock()
		m.logger.Error("Capture error ignored", logging.F("session_id", sessionID), logging.Err(cause))
		return err
	}
	c.Error = cause.Error()
	snap := *c
	m.mu.Unlock()

	m.logger.Error("Capture failed", logging.F("session_id", sessionID), logging.F("meeting_id", snap.MeetingID), logging.Err(cause))
	if snap.MeetingID != "" {
		m.release(sessionID, snap.MeetingID)
	}
	m.publishState(ctx, snap, from)
	m.publish(ctx, events.TypeCaptureError, snap, map[string]string{
		"code":    string(pferrors.CodeOf(cause)),
		"message": cause.Error(),
	})
	return nil
}
