package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/client"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// manualTimers hands out timers that only fire when the test says so.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return &manualHandle{m: m, t: t}
}

type manualHandle struct {
	m *manualTimers
	t *manualTimer
}

func (h *manualHandle) Stop() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

func (m *manualTimers) active() []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs the single active timer and returns its delay.
func (m *manualTimers) fire(t *testing.T) time.Duration {
	t.Helper()
	act := m.active()
	require.Len(t, act, 1, "expected exactly one pending timer")
	m.mu.Lock()
	act[0].fired = true
	m.mu.Unlock()
	act[0].f()
	return act[0].d
}

type memReader struct {
	mu         sync.Mutex
	transcript map[string][]store.Utterance
}

func (r *memReader) add(meetingID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transcript == nil {
		r.transcript = make(map[string][]store.Utterance)
	}
	for i := 0; i < n; i++ {
		k := len(r.transcript[meetingID])
		r.transcript[meetingID] = append(r.transcript[meetingID], store.Utterance{Speaker: "A", Text: fmt.Sprintf("turn-%d", k)})
	}
}

func (r *memReader) Meeting(id string) (*store.MeetingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.transcript[id]
	if !ok {
		return nil, pferrors.ErrNotFound
	}
	return &store.MeetingRecord{ID: id, Transcript: append([]store.Utterance(nil), tr...)}, nil
}

type fakeExtractor struct {
	mu        sync.Mutex
	requests  []client.EvidenceRequest
	responses []*client.EvidenceResponse
	err       error
	gate      chan struct{}
	inFlight  int32
	maxFlight int32
}

func (f *fakeExtractor) ExtractEvidence(ctx context.Context, req client.EvidenceRequest) (*client.EvidenceResponse, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxFlight, max, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var resp *client.EvidenceResponse
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	}
	gate := f.gate
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &client.EvidenceResponse{}
	}
	return resp, nil
}

func (f *fakeExtractor) reqs() []client.EvidenceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.EvidenceRequest(nil), f.requests...)
}

type harness struct {
	timers    *manualTimers
	reader    *memReader
	extractor *fakeExtractor
	events    *events.Memory
	sched     *Scheduler
}

func newHarness() *harness {
	h := &harness{
		timers:    &manualTimers{},
		reader:    &memReader{},
		extractor: &fakeExtractor{},
		events:    events.NewMemory(),
	}
	h.sched = New(Config{
		Extractor: h.extractor,
		Reader:    h.reader,
		Publisher: h.events,
		AfterFunc: h.timers.AfterFunc,
	})
	return h
}

func TestNotifyDelays(t *testing.T) {
	tests := []struct {
		name      string
		turns     int
		wantDelay time.Duration
		wantTimer bool
	}{
		{"no turns", 0, 0, false},
		{"below min batch waits for idle", 2, DefaultIdleTimeout, true},
		{"min batch settles", 3, DefaultSettleDelay, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.reader.add("m1", tt.turns)
			h.sched.Notify("m1")
			act := h.timers.active()
			if !tt.wantTimer {
				assert.Empty(t, act)
				return
			}
			require.Len(t, act, 1)
			assert.Equal(t, tt.wantDelay, act[0].d)
		})
	}
}

func TestNotifyDebounces(t *testing.T) {
	h := newHarness()
	h.reader.add("m1", 1)
	h.sched.Notify("m1")
	h.reader.add("m1", 1)
	h.sched.Notify("m1")
	h.reader.add("m1", 1)
	h.sched.Notify("m1")

	act := h.timers.active()
	require.Len(t, act, 1)
	assert.Equal(t, DefaultSettleDelay, act[0].d)
	assert.Len(t, h.timers.timers, 3)
}

func TestBatchSlicing(t *testing.T) {
	h := newHarness()
	h.reader.add("m1", 10)
	h.sched.Notify("m1")
	h.timers.fire(t)

	reqs := h.extractor.reqs()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Utterances, DefaultMaxBatch)
	assert.Equal(t, "turn-0", reqs[0].Utterances[0].Text)
	assert.Equal(t, 0, reqs[0].BatchIndex)
	assert.Equal(t, "m1", reqs[0].SessionID)

	snap, ok := h.sched.Snapshot("m1")
	require.True(t, ok)
	assert.Equal(t, 8, snap.LastExtractedIndex)
	assert.Empty(t, h.timers.active(), "no rerun without new notifications")

	h.sched.Notify("m1")
	assert.Equal(t, DefaultIdleTimeout, h.timers.fire(t))

	reqs = h.extractor.reqs()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Utterances, 2)
	assert.Equal(t, "turn-8", reqs[1].Utterances[0].Text)
	assert.Equal(t, 1, reqs[1].BatchIndex)
}

func TestSingleFlightCoalescesNotifications(t *testing.T) {
	h := newHarness()
	h.extractor.gate = make(chan struct{})
	h.reader.add("m1", 3)
	h.sched.Notify("m1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.timers.fire(t)
	}()
	require.Eventually(t, func() bool { return len(h.extractor.reqs()) == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		h.reader.add("m1", 1)
		h.sched.Notify("m1")
	}
	assert.Empty(t, h.timers.active(), "no timer while a request is in flight")

	close(h.extractor.gate)
	<-done

	act := h.timers.active()
	require.Len(t, act, 1, "exactly one follow-up")
	assert.Equal(t, DefaultSettleDelay, act[0].d)

	h.timers.fire(t)
	reqs := h.extractor.reqs()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Utterances, 5)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.extractor.maxFlight))
}

func TestEvidenceNewThenUpdate(t *testing.T) {
	h := newHarness()
	h.extractor.responses = []*client.EvidenceResponse{
		{Evidence: []client.Evidence{{Gist: "g1", Verbatim: "we need exports", Action: client.ActionNew}}},
		{Evidence: []client.Evidence{
			{Gist: "g1-refined", Verbatim: "we need CSV exports", Action: client.ActionUpdate, UpdatesGist: "g1"},
			{Gist: "g2", Action: client.ActionUpdate, UpdatesGist: "missing"},
			{Gist: "g2", Action: client.ActionNew},
		}},
	}

	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.timers.fire(t)
	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.timers.fire(t)

	reqs := h.extractor.reqs()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"g1"}, reqs[1].ExistingEvidence)

	snap, _ := h.sched.Snapshot("m1")
	gists := make([]string, len(snap.Evidence))
	for i, e := range snap.Evidence {
		gists[i] = e.Gist
		assert.Empty(t, e.Action, "action metadata is stripped")
	}
	assert.Equal(t, []string{"g1-refined", "g2"}, gists)

	require.Len(t, h.events.OfType(events.TypeEvidenceNew), 2)
	updated := h.events.OfType(events.TypeEvidenceUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "g1-refined", updated[0].Payload.([]client.Evidence)[0].Gist)
	assert.Len(t, h.events.OfType(events.TypeEvidenceSnapshot), 2)
}

func TestUpdateIntoExistingGistKeepsGistsUnique(t *testing.T) {
	st := &state{evidence: []client.Evidence{{Gist: "a"}, {Gist: "b"}}}
	added, updated := st.merge(&client.EvidenceResponse{Evidence: []client.Evidence{
		{Gist: "a", Action: client.ActionUpdate, UpdatesGist: "b"},
	}})
	assert.Empty(t, added)
	assert.Len(t, updated, 1)
	assert.Equal(t, []string{"a"}, st.gists())
}

func TestTasksAndPeopleDedupe(t *testing.T) {
	h := newHarness()
	h.extractor.responses = []*client.EvidenceResponse{
		{
			Tasks:  []client.Task{{Text: "send deck"}, {Text: "send deck"}},
			People: []client.Person{{PersonKey: "ann", PersonName: "Ann"}},
		},
		{
			Tasks:  []client.Task{{Text: "send deck"}, {Text: "book room", Assignee: "Bo"}},
			People: []client.Person{{PersonKey: "ann", PersonName: "Ann L"}, {PersonKey: "bo", PersonName: "Bo"}},
		},
	}
	for i := 0; i < 2; i++ {
		h.reader.add("m1", 3)
		h.sched.Notify("m1")
		h.timers.fire(t)
	}

	snap, _ := h.sched.Snapshot("m1")
	assert.Equal(t, []client.Task{{Text: "send deck"}, {Text: "book room", Assignee: "Bo"}}, snap.Tasks)
	require.Len(t, snap.People, 2)
	assert.Equal(t, "Ann", snap.People[0].PersonName)

	tasks := h.events.OfType(events.TypeTasksUpdated)
	require.Len(t, tasks, 2)
	assert.Len(t, tasks[1].Payload.([]client.Task), 2)
}

func TestFailedBatchIsSkipped(t *testing.T) {
	h := newHarness()
	h.extractor.err = errors.New("connection reset by peer")
	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.timers.fire(t)

	h.extractor.mu.Lock()
	h.extractor.err = nil
	h.extractor.mu.Unlock()

	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.timers.fire(t)

	reqs := h.extractor.reqs()
	require.Len(t, reqs, 2)
	assert.Equal(t, "turn-3", reqs[1].Utterances[0].Text)
	assert.Equal(t, 1, reqs[1].BatchIndex)
}

func TestNoCredentialsIsQuiet(t *testing.T) {
	h := newHarness()
	h.extractor.err = pferrors.ErrNoCredentials
	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.timers.fire(t)
	assert.Empty(t, h.events.Events())
}

func TestInterviewIDIsSent(t *testing.T) {
	h := newHarness()
	h.sched.SetInterviewID("m1", "int-7")
	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.timers.fire(t)
	assert.Equal(t, "int-7", h.extractor.reqs()[0].InterviewID)
}

func TestForget(t *testing.T) {
	h := newHarness()
	h.reader.add("m1", 1)
	h.sched.Notify("m1")
	require.Len(t, h.timers.active(), 1)

	h.sched.Forget("m1")
	assert.Empty(t, h.timers.active())
	_, ok := h.sched.Snapshot("m1")
	assert.False(t, ok)
}

func TestForgetDuringFlightCompletesWithoutRerun(t *testing.T) {
	h := newHarness()
	h.extractor.gate = make(chan struct{})
	h.extractor.responses = []*client.EvidenceResponse{{Evidence: []client.Evidence{{Gist: "late"}}}}
	h.reader.add("m1", 3)
	h.sched.Notify("m1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.timers.fire(t)
	}()
	require.Eventually(t, func() bool { return len(h.extractor.reqs()) == 1 }, time.Second, time.Millisecond)

	h.reader.add("m1", 3)
	h.sched.Notify("m1")
	h.sched.Forget("m1")
	close(h.extractor.gate)
	<-done

	assert.Empty(t, h.timers.active())
	assert.Len(t, h.events.OfType(events.TypeEvidenceNew), 1, "in-flight result still surfaces")
}

func TestStaleTimerIsIgnored(t *testing.T) {
	h := newHarness()
	h.reader.add("m1", 1)
	h.sched.Notify("m1")
	stale := h.timers.active()[0]
	h.sched.Notify("m1")

	stale.f()
	assert.Empty(t, h.extractor.reqs())
}
