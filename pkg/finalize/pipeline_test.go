package finalize

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/client"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/extraction"
	"github.com/otherjamesbrown/penf-capture/pkg/session"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

type fakeBackend struct {
	mu         sync.Mutex
	resolveErr error
	confirmErr error
	finalized  []client.FinalizeRequest
	resolved   []client.ResolvePeopleRequest
	presigned  []client.MediaUploadRequest
	putBody    []byte
	putSize    int64
	confirmed  []string
}

func (b *fakeBackend) UserContext(ctx context.Context) (*client.UserContext, error) {
	return &client.UserContext{DefaultAccountID: "acct", DefaultProjectID: "proj"}, nil
}

func (b *fakeBackend) ResolvePeople(ctx context.Context, req client.ResolvePeopleRequest) (*client.ResolvePeopleResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved = append(b.resolved, req)
	if b.resolveErr != nil {
		return nil, b.resolveErr
	}
	resp := &client.ResolvePeopleResponse{}
	for _, p := range req.People {
		resp.Resolved = append(resp.Resolved, client.ResolvedPerson{PersonKey: p.PersonKey, PersonID: "pid-" + p.PersonKey, MatchedBy: "name"})
	}
	return resp, nil
}

func (b *fakeBackend) FinalizeInterview(ctx context.Context, req client.FinalizeRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finalized = append(b.finalized, req)
	return nil
}

func (b *fakeBackend) RequestMediaUpload(ctx context.Context, req client.MediaUploadRequest) (*client.MediaUploadTarget, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presigned = append(b.presigned, req)
	return &client.MediaUploadTarget{UploadURL: "https://upload.example/obj", ObjectKey: "media/" + req.FileName}, nil
}

func (b *fakeBackend) PutMedia(ctx context.Context, uploadURL string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putBody = data
	b.putSize = size
	return nil
}

func (b *fakeBackend) ConfirmMediaUpload(ctx context.Context, interviewID, objectKey string, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.confirmErr != nil {
		return b.confirmErr
	}
	b.confirmed = append(b.confirmed, objectKey)
	return nil
}

type fixedResults map[string]extraction.Snapshot

func (r fixedResults) Snapshot(meetingID string) (extraction.Snapshot, bool) {
	s, ok := r[meetingID]
	return s, ok
}

type pipelineFixture struct {
	store    *store.Store
	registry *session.Registry
	backend  *fakeBackend
	events   *events.Memory
	dir      string
	pipeline *Pipeline
	started  time.Time
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()
	st := store.New(store.Config{Path: filepath.Join(dir, "meetings.json")})
	t.Cleanup(func() { st.Close() })

	f := &pipelineFixture{
		store:    st,
		registry: session.NewRegistry(),
		backend:  &fakeBackend{},
		events:   events.NewMemory(),
		dir:      filepath.Join(dir, "recordings"),
		started:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, os.MkdirAll(f.dir, 0700))

	require.NoError(t, st.Apply(context.Background(), func(doc *store.Document) (*store.Document, error) {
		doc.PrependMeeting(&store.MeetingRecord{
			ID:                 "meeting-1",
			Type:               "document",
			Title:              "Weekly sync",
			StartedAt:          f.started,
			RecordingSessionID: "win-1",
			Platform:           "zoom",
			Participants: []store.Participant{
				{ID: "p1", Name: "Ann Lee (she/her)", IsHost: true, Platform: "zoom", PlatformUserID: "zc-ann"},
			},
			Transcript: []store.Utterance{
				{Speaker: "Ann Lee", Text: "hello there", Timestamp: f.started.Add(10 * time.Second)},
				{Speaker: "", Text: "hi", Timestamp: f.started.Add(20 * time.Second)},
			},
		})
		return doc, nil
	}))
	f.registry.Bind("win-1", "meeting-1", "zoom")

	results := fixedResults{"meeting-1": {
		Tasks:  []client.Task{{Text: "send notes", Assignee: "Ann"}},
		People: []client.Person{{PersonKey: "ann", PersonName: "ann lee"}},
	}}
	f.pipeline = New(Config{
		Backend:       f.backend,
		Interviews:    f.registry,
		Results:       results,
		Store:         st,
		Publisher:     f.events,
		RecordingDir:  f.dir,
		SettleDelay:   0,
		MediaWait:     0,
		InterviewWait: time.Second,
	})
	return f
}

func (f *pipelineFixture) job() Job {
	return Job{SessionID: "win-1", MeetingID: "meeting-1", Platform: "zoom", EndedAt: f.started.Add(90 * time.Second)}
}

func statuses(r *Report) map[string]StepStatus {
	out := make(map[string]StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestPipelineHappyPath(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.registry.AttachInterview("win-1", session.ResolvedInterview("int-1")))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "macos-desktop-win-1.mp4"), []byte("video-bytes"), 0600))

	report := f.pipeline.Run(context.Background(), f.job())

	assert.False(t, report.Failed())
	assert.Equal(t, map[string]StepStatus{
		StepInterview: StatusOK, StepPeople: StatusOK, StepResolve: StatusOK, StepFinalize: StatusOK,
		StepMedia: StatusOK, StepUpload: StatusOK, StepConfirm: StatusOK,
	}, statuses(report))
	assert.Equal(t, "int-1", report.InterviewID)
	assert.Equal(t, "media/macos-desktop-win-1.mp4", report.ObjectKey)
	assert.Equal(t, int64(11), report.Bytes)

	require.Len(t, f.backend.resolved, 1)
	assert.Equal(t, "acct", f.backend.resolved[0].AccountID)
	assert.Equal(t, "zc-ann", f.backend.resolved[0].People[0].RecallParticipantID)

	require.Len(t, f.backend.finalized, 1)
	fin := f.backend.finalized[0]
	assert.Equal(t, "int-1", fin.InterviewID)
	assert.Equal(t, "Weekly sync", fin.MeetingTitle)
	assert.Equal(t, "zoom", fin.Platform)
	require.NotNil(t, fin.DurationSeconds)
	assert.Equal(t, int64(90), *fin.DurationSeconds)
	require.Len(t, fin.Transcript, 2)
	assert.Equal(t, f.started.Add(10*time.Second).UnixMilli(), fin.Transcript[0].TimestampMs)
	assert.Equal(t, "Unknown Speaker", fin.Transcript[1].Speaker)
	assert.Equal(t, []client.Task{{Text: "send notes", Assignee: "Ann"}}, fin.Tasks)
	assert.Equal(t, []client.PersonMapping{{PersonKey: "ann", PersonID: "pid-ann"}}, fin.PeopleMap)

	assert.Equal(t, "video-bytes", string(f.backend.putBody))
	assert.Equal(t, int64(11), f.backend.putSize)
	assert.Equal(t, "video/mp4", f.backend.presigned[0].FileType)

	m, err := f.store.Meeting("meeting-1")
	require.NoError(t, err)
	assert.Equal(t, "int-1", m.InterviewID)
	assert.Equal(t, filepath.Join(f.dir, "macos-desktop-win-1.mp4"), m.MediaReferencePath)
	assert.Equal(t, "media/macos-desktop-win-1.mp4", m.MediaObjectKey)

	assert.Len(t, f.events.OfType(events.TypeUploadCompleted), 1)
}

func TestPipelineEndedBeforeInterviewResolves(t *testing.T) {
	f := newPipelineFixture(t)
	future := session.NewInterviewFuture()
	require.NoError(t, f.registry.AttachInterview("win-1", future))

	go func() {
		time.Sleep(50 * time.Millisecond)
		future.Resolve("int-late", nil)
	}()

	report := f.pipeline.Run(context.Background(), f.job())
	assert.Equal(t, "int-late", report.InterviewID)
	require.Len(t, f.backend.finalized, 1)
	assert.Equal(t, "int-late", f.backend.finalized[0].InterviewID)
}

func TestPipelineWithoutInterviewSkipsNetwork(t *testing.T) {
	tests := []struct {
		name   string
		future *session.InterviewFuture
	}{
		{"no creation started", nil},
		{"creation returned no id", session.ResolvedInterview("")},
		{"signed out", func() *session.InterviewFuture {
			fu := session.NewInterviewFuture()
			fu.Resolve("", pferrors.ErrNoCredentials)
			return fu
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			if tt.future != nil {
				require.NoError(t, f.registry.AttachInterview("win-1", tt.future))
			}
			report := f.pipeline.Run(context.Background(), f.job())
			assert.False(t, report.Failed())
			st, _ := report.Step(StepFinalize)
			assert.Equal(t, StatusSkipped, st.Status)
			assert.Empty(t, f.backend.finalized)
			assert.Empty(t, f.backend.presigned)
		})
	}
}

func TestPipelineInterviewWaitTimesOut(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.cfg.InterviewWait = 20 * time.Millisecond
	require.NoError(t, f.registry.AttachInterview("win-1", session.NewInterviewFuture()))

	report := f.pipeline.Run(context.Background(), f.job())
	st, _ := report.Step(StepInterview)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, string(pferrors.CodeTimeout), st.Detail)
	assert.Empty(t, f.backend.finalized)
}

func TestPipelineWaitsForCreationWithoutCap(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.cfg.InterviewWait = 0
	fu := session.NewInterviewFuture()
	require.NoError(t, f.registry.AttachInterview("win-1", fu))

	go func() {
		time.Sleep(1200 * time.Millisecond)
		fu.Resolve("int-slow", nil)
	}()

	report := f.pipeline.Run(context.Background(), f.job())
	st, _ := report.Step(StepInterview)
	assert.Equal(t, StatusOK, st.Status)
	require.Len(t, f.backend.finalized, 1)
	assert.Equal(t, "int-slow", f.backend.finalized[0].InterviewID)
}

func TestPipelineNegativeInterviewWaitMeansNoCap(t *testing.T) {
	p := New(Config{InterviewWait: -time.Second})
	assert.Zero(t, p.cfg.InterviewWait)
}

func TestPipelineResolveFailureDoesNotBlockFinalize(t *testing.T) {
	f := newPipelineFixture(t)
	f.backend.resolveErr = pferrors.HTTPError("resolve", 500, "")
	require.NoError(t, f.registry.AttachInterview("win-1", session.ResolvedInterview("int-1")))

	report := f.pipeline.Run(context.Background(), f.job())
	st, _ := report.Step(StepResolve)
	assert.Equal(t, StatusFailed, st.Status)
	require.Len(t, f.backend.finalized, 1)
	assert.Empty(t, f.backend.finalized[0].PeopleMap)

	media, _ := report.Step(StepMedia)
	assert.Equal(t, StatusSkipped, media.Status, "no media file was written")
}

func TestPipelineConfirmFailureLeavesOrphan(t *testing.T) {
	f := newPipelineFixture(t)
	f.backend.confirmErr = errors.New("connection reset")
	require.NoError(t, f.registry.AttachInterview("win-1", session.ResolvedInterview("int-1")))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "win-1.mp4"), []byte("v"), 0600))

	report := f.pipeline.Run(context.Background(), f.job())
	assert.True(t, report.Orphaned)
	assert.Equal(t, "media/win-1.mp4", report.ObjectKey)
	st, _ := report.Step(StepConfirm)
	assert.Equal(t, StatusFailed, st.Status)

	m, err := f.store.Meeting("meeting-1")
	require.NoError(t, err)
	assert.NotEmpty(t, m.MediaReferencePath)
	assert.Empty(t, m.MediaObjectKey)
}

func TestBuildTranscript(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := BuildTranscript([]store.Utterance{
		{Speaker: "A", Text: "x", Timestamp: at},
		{Text: "y"},
	})
	assert.Equal(t, []client.FinalizeUtterance{
		{Speaker: "A", Text: "x", TimestampMs: at.UnixMilli()},
		{Speaker: "Unknown Speaker", Text: "y"},
	}, got)
}
