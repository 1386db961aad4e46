// Package finalize runs the end-of-recording pipeline: wait for the backend
// interview, resolve people, finalize the interview and upload the media.
//
// Every step is best effort and attempted once. A failed step is recorded in
// the Report and the pipeline moves on to the next one that can still run.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/otherjamesbrown/penf-capture/client"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/extraction"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// Pipeline defaults.
const (
	DefaultSettleDelay = 3 * time.Second
	DefaultMediaWait   = 30 * time.Second
)

// Step names.
const (
	StepInterview = "interview"
	StepPeople    = "people"
	StepResolve   = "resolve"
	StepFinalize  = "finalize"
	StepMedia     = "media"
	StepUpload    = "upload"
	StepConfirm   = "confirm"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusSkipped StepStatus = "skipped"
	StatusFailed  StepStatus = "failed"
)

// Backend is the subset of the backend API the pipeline calls.
type Backend interface {
	UserContext(ctx context.Context) (*client.UserContext, error)
	ResolvePeople(ctx context.Context, req client.ResolvePeopleRequest) (*client.ResolvePeopleResponse, error)
	FinalizeInterview(ctx context.Context, req client.FinalizeRequest) error
	RequestMediaUpload(ctx context.Context, req client.MediaUploadRequest) (*client.MediaUploadTarget, error)
	PutMedia(ctx context.Context, uploadURL string, r io.Reader, size int64) error
	ConfirmMediaUpload(ctx context.Context, interviewID, objectKey string, size int64) error
}

// InterviewResolver resolves a session's backend interview id, waiting for
// creation when it is still pending. Creation is bounded by its owner, so the
// wait always ends.
type InterviewResolver interface {
	ResolveInterviewID(ctx context.Context, sessionID string) (string, error)
}

// Results provides the accumulated extraction results for a meeting.
type Results interface {
	Snapshot(meetingID string) (extraction.Snapshot, bool)
}

// Config holds pipeline settings and collaborators.
type Config struct {
	Backend    Backend
	Interviews InterviewResolver
	Results    Results
	Store      *store.Store
	Publisher  events.Publisher
	Logger     logging.Logger
	Metrics    *observability.CaptureMetrics
	Tracer     *observability.Tracer

	// RecordingDir is where the recorder writes media files.
	RecordingDir string
	// SettleDelay is slept before looking for the media file. Zero skips it.
	SettleDelay time.Duration
	// MediaWait bounds watching RecordingDir for a late media file. Zero
	// only checks once.
	MediaWait time.Duration
	// InterviewWait caps the wait for a pending interview creation. Zero
	// waits until creation resolves.
	InterviewWait time.Duration
}

// Job identifies the capture to finalize.
type Job struct {
	SessionID string
	MeetingID string
	Platform  string
	EndedAt   time.Time
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	Err    error      `json:"-"`
}

// Report summarizes a pipeline run.
type Report struct {
	MeetingID   string       `json:"meeting_id"`
	SessionID   string       `json:"session_id"`
	InterviewID string       `json:"interview_id,omitempty"`
	MediaPath   string       `json:"media_path,omitempty"`
	ObjectKey   string       `json:"object_key,omitempty"`
	Orphaned    bool         `json:"orphaned,omitempty"`
	Bytes       int64        `json:"bytes,omitempty"`
	Steps       []StepResult `json:"steps"`
}

// Step returns the result of the named step.
func (r *Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Pipeline runs end-of-recording work for finished captures.
type Pipeline struct {
	cfg    Config
	logger logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.MediaWait < 0 {
		cfg.MediaWait = 0
	}
	if cfg.InterviewWait < 0 {
		cfg.InterviewWait = 0
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.F("component", "finalize")),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type run struct {
	p      *Pipeline
	ctx    context.Context
	job    Job
	log    logging.Logger
	report *Report
}

func (r *run) record(name string, status StepStatus, detail string, err error) {
	r.report.Steps = append(r.report.Steps, StepResult{Name: name, Status: status, Detail: detail, Err: err})
	r.p.cfg.Metrics.RecordPipelineStep(name, string(status))

	switch {
	case status == StatusFailed:
		r.log.Warn("Pipeline step failed", logging.F("step", name), logging.F("detail", detail), logging.Err(err))
	case status == StatusSkipped:
		r.log.Info("Pipeline step skipped", logging.F("step", name), logging.F("detail", detail))
	default:
		r.log.Debug("Pipeline step done", logging.F("step", name), logging.F("detail", detail))
	}
}

// fail records err for step, treating missing credentials as a skip.
func (r *run) fail(name string, err error) {
	if pferrors.IsNoCredentials(err) {
		r.record(name, StatusSkipped, "not signed in", nil)
		return
	}
	r.record(name, StatusFailed, string(pferrors.CodeOf(err)), err)
}

func (r *run) skipRest(detail string, names ...string) {
	for _, n := range names {
		r.record(n, StatusSkipped, detail, nil)
	}
}

// Run executes the pipeline for job. It always returns a report; failures
// are recorded per step.
func (p *Pipeline) Run(ctx context.Context, job Job) *Report {
	ctx, span := p.cfg.Tracer.StartFinalizeSpan(ctx, job.MeetingID, job.Platform)
	log := p.logger.With(logging.F("meeting_id", job.MeetingID), logging.F("session_id", job.SessionID))

	r := &run{
		p:      p,
		ctx:    ctx,
		job:    job,
		log:    log,
		report: &Report{MeetingID: job.MeetingID, SessionID: job.SessionID},
	}
	r.execute()

	var spanErr error
	if r.report.Failed() {
		spanErr = errors.New("pipeline step failed")
	}
	observability.EndSpan(span, spanErr, "")

	log.Info("Finalize pipeline finished",
		logging.F("interview_id", r.report.InterviewID),
		logging.F("object_key", r.report.ObjectKey),
		logging.F("failed", r.report.Failed()))
	p.publish(ctx, events.TypeUploadCompleted, job, r.report)
	return r.report
}

func (r *run) execute() {
	interviewID := r.interview()
	if interviewID == "" {
		r.skipRest("no interview", StepPeople, StepResolve, StepFinalize, StepMedia, StepUpload, StepConfirm)
		return
	}
	r.report.InterviewID = interviewID
	r.writeBack(func(m *store.MeetingRecord) bool {
		if m.InterviewID == interviewID {
			return false
		}
		m.InterviewID = interviewID
		return true
	})

	meeting, err := r.p.cfg.Store.Meeting(r.job.MeetingID)
	if err != nil {
		r.record(StepPeople, StatusFailed, "meeting record missing", err)
		r.skipRest("meeting record missing", StepResolve, StepFinalize)
	} else {
		snap, _ := r.p.cfg.Results.Snapshot(r.job.MeetingID)
		people := r.people(meeting, snap)
		peopleMap := r.resolve(people)
		r.finalize(interviewID, meeting, snap, people, peopleMap)
	}

	r.media(interviewID)
}

func (r *run) interview() string {
	ctx, span := r.p.cfg.Tracer.StartStepSpan(r.ctx, StepInterview)
	waitCtx := ctx
	if r.p.cfg.InterviewWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.p.cfg.InterviewWait)
		defer cancel()
	}

	id, err := r.p.cfg.Interviews.ResolveInterviewID(waitCtx, r.job.SessionID)
	switch {
	case err != nil:
		r.fail(StepInterview, pferrors.Classify(err, StepInterview))
	case id == "":
		r.record(StepInterview, StatusSkipped, "no interview created", nil)
	default:
		r.record(StepInterview, StatusOK, id, nil)
	}
	observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
	return id
}

func (r *run) people(meeting *store.MeetingRecord, snap extraction.Snapshot) []client.EnrichedPerson {
	people := MergePeople(meeting.Participants, snap.People)
	r.record(StepPeople, StatusOK, fmt.Sprintf("%d people, %d participants", len(people), len(meeting.Participants)), nil)
	return people
}

func (r *run) resolve(people []client.EnrichedPerson) []client.PersonMapping {
	if len(people) == 0 {
		r.record(StepResolve, StatusSkipped, "no people", nil)
		return nil
	}
	ctx, span := r.p.cfg.Tracer.StartStepSpan(r.ctx, StepResolve)
	mapping, err := r.resolvePeople(ctx, people)
	observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
	if err != nil {
		r.fail(StepResolve, err)
		return nil
	}
	r.record(StepResolve, StatusOK, fmt.Sprintf("%d resolved", len(mapping)), nil)
	return mapping
}

func (r *run) resolvePeople(ctx context.Context, people []client.EnrichedPerson) ([]client.PersonMapping, error) {
	uc, err := r.p.cfg.Backend.UserContext(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := r.p.cfg.Backend.ResolvePeople(ctx, client.ResolvePeopleRequest{
		AccountID: uc.DefaultAccountID,
		ProjectID: uc.DefaultProjectID,
		People:    people,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 && string(resp.Errors) != "null" && string(resp.Errors) != "[]" {
		r.log.Warn("Person resolution reported errors", logging.F("errors", string(resp.Errors)))
	}
	mapping := make([]client.PersonMapping, 0, len(resp.Resolved))
	for _, res := range resp.Resolved {
		r.log.Debug("Person resolved",
			logging.F("person_key", res.PersonKey),
			logging.F("person_id", res.PersonID),
			logging.F("matched_by", res.MatchedBy))
		mapping = append(mapping, client.PersonMapping{PersonKey: res.PersonKey, PersonID: res.PersonID})
	}
	return mapping, nil
}

// BuildTranscript converts the stored transcript to the finalize payload.
func BuildTranscript(utts []store.Utterance) []client.FinalizeUtterance {
	out := make([]client.FinalizeUtterance, len(utts))
	for i, u := range utts {
		speaker := u.Speaker
		if speaker == "" {
			speaker = "Unknown Speaker"
		}
		out[i] = client.FinalizeUtterance{Speaker: speaker, Text: u.Text}
		if !u.Timestamp.IsZero() {
			out[i].TimestampMs = u.Timestamp.UnixMilli()
		}
	}
	return out
}

func (r *run) finalize(interviewID string, meeting *store.MeetingRecord, snap extraction.Snapshot,
	people []client.EnrichedPerson, peopleMap []client.PersonMapping) {
	req := client.FinalizeRequest{
		InterviewID:  interviewID,
		Transcript:   BuildTranscript(meeting.Transcript),
		Tasks:        snap.Tasks,
		People:       people,
		PeopleMap:    peopleMap,
		Platform:     meeting.Platform,
		MeetingTitle: meeting.Title,
	}
	if !meeting.StartedAt.IsZero() {
		end := r.job.EndedAt
		if end.IsZero() {
			end = r.p.now()
		}
		secs := int64(end.Sub(meeting.StartedAt).Round(time.Second) / time.Second)
		if secs < 0 {
			secs = 0
		}
		req.DurationSeconds = &secs
	}
	if req.Platform == "" {
		req.Platform = r.job.Platform
	}

	ctx, span := r.p.cfg.Tracer.StartStepSpan(r.ctx, StepFinalize)
	err := r.p.cfg.Backend.FinalizeInterview(ctx, req)
	observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
	if err != nil {
		r.fail(StepFinalize, err)
		return
	}
	r.record(StepFinalize, StatusOK, fmt.Sprintf("%d turns, %d tasks", len(req.Transcript), len(req.Tasks)), nil)
}

func (r *run) media(interviewID string) {
	if err := r.p.sleep(r.ctx, r.p.cfg.SettleDelay); err != nil {
		r.fail(StepMedia, pferrors.Classify(err, StepMedia))
		r.skipRest("cancelled", StepUpload, StepConfirm)
		return
	}
	if r.p.cfg.RecordingDir == "" {
		r.record(StepMedia, StatusSkipped, "no recording directory", nil)
		r.skipRest("no media", StepUpload, StepConfirm)
		return
	}

	path, err := WaitForMedia(r.ctx, r.p.cfg.RecordingDir, r.job.SessionID, r.p.cfg.MediaWait)
	if err != nil {
		if pferrors.IsNotFound(err) {
			r.record(StepMedia, StatusSkipped, "no media file", nil)
		} else {
			r.fail(StepMedia, pferrors.Classify(err, StepMedia))
		}
		r.skipRest("no media", StepUpload, StepConfirm)
		return
	}
	r.report.MediaPath = path
	r.record(StepMedia, StatusOK, path, nil)
	r.writeBack(func(m *store.MeetingRecord) bool {
		m.MediaReferencePath = path
		return true
	})

	key, size, err := r.upload(interviewID, path)
	if err != nil {
		r.fail(StepUpload, err)
		r.skipRest("upload failed", StepConfirm)
		return
	}
	r.report.Bytes = size
	r.record(StepUpload, StatusOK, key, nil)

	ctx, span := r.p.cfg.Tracer.StartStepSpan(r.ctx, StepConfirm)
	err = r.p.cfg.Backend.ConfirmMediaUpload(ctx, interviewID, key, size)
	observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
	if err != nil {
		r.report.Orphaned = true
		r.report.ObjectKey = key
		r.log.Error("Media uploaded but not attached to interview, orphaned object needs manual reconciliation",
			logging.F("object_key", key),
			logging.F("interview_id", interviewID),
			logging.Err(err))
		r.fail(StepConfirm, err)
		return
	}
	r.report.ObjectKey = key
	r.record(StepConfirm, StatusOK, key, nil)
	r.writeBack(func(m *store.MeetingRecord) bool {
		m.MediaObjectKey = key
		return true
	})
}

func (r *run) upload(interviewID, path string) (string, int64, error) {
	ctx, span := r.p.cfg.Tracer.StartStepSpan(r.ctx, StepUpload)
	key, size, err := r.uploadFile(ctx, interviewID, path)
	observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
	return key, size, err
}

func (r *run) uploadFile(ctx context.Context, interviewID, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, pferrors.New(pferrors.CodeProcessingError, StepUpload, "open media", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, pferrors.New(pferrors.CodeProcessingError, StepUpload, "stat media", err)
	}
	size := info.Size()

	target, err := r.p.cfg.Backend.RequestMediaUpload(ctx, client.MediaUploadRequest{
		InterviewID: interviewID,
		FileName:    filepath.Base(path),
		FileType:    client.MediaContentType,
		FileSize:    size,
	})
	if err != nil {
		return "", 0, err
	}

	r.p.publish(ctx, events.TypeUploadProgress, r.job, map[string]interface{}{
		"object_key": target.ObjectKey,
		"bytes":      size,
		"state":      "uploading",
	})
	r.log.Info("Uploading media",
		logging.F("file", filepath.Base(path)),
		logging.F("bytes", size),
		logging.F("object_key", target.ObjectKey))

	if err := r.p.cfg.Backend.PutMedia(ctx, target.UploadURL, f, size); err != nil {
		return "", 0, err
	}
	r.p.cfg.Metrics.RecordUploadBytes(size)
	return target.ObjectKey, size, nil
}

func (r *run) writeBack(fn func(m *store.MeetingRecord) bool) {
	if err := r.p.cfg.Store.Apply(r.ctx, store.UpdateMeeting(r.job.MeetingID, fn)); err != nil {
		r.log.Warn("Updating meeting record failed", logging.Err(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, t events.Type, job Job, payload interface{}) {
	if err := p.cfg.Publisher.Publish(ctx, events.New(t, job.MeetingID, job.SessionID, payload)); err != nil {
		p.logger.Warn("Publishing event failed", logging.F("event_type", string(t)), logging.Err(err))
	}
}
