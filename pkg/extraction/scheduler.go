// Package extraction batches new transcript turns into evidence extraction
// requests while a meeting is being recorded.
//
// Each meeting has at most one request in flight. Notifications that arrive
// while a request is outstanding are coalesced into a single follow-up, and
// turns are sent in slices of at most MaxBatch, oldest first.
package extraction

import (
	"context"
	"sync"
	"time"

	"github.com/otherjamesbrown/penf-capture/client"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/events"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
	"github.com/otherjamesbrown/penf-capture/pkg/store"
)

// Batching defaults.
const (
	DefaultMinBatch    = 3
	DefaultMaxBatch    = 8
	DefaultSettleDelay = time.Second
	DefaultIdleTimeout = 4 * time.Second
)

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Extractor calls the evidence extraction endpoint.
type Extractor interface {
	ExtractEvidence(ctx context.Context, req client.EvidenceRequest) (*client.EvidenceResponse, error)
}

// TranscriptReader reads the current meeting record.
type TranscriptReader interface {
	Meeting(id string) (*store.MeetingRecord, error)
}

// Config holds scheduler settings and collaborators.
type Config struct {
	MinBatch    int
	MaxBatch    int
	SettleDelay time.Duration
	IdleTimeout time.Duration

	// RequestTimeout bounds one extraction call. Zero means no bound.
	RequestTimeout time.Duration

	Extractor Extractor
	Reader    TranscriptReader
	Publisher events.Publisher
	Logger    logging.Logger
	Metrics   *observability.CaptureMetrics
	Tracer    *observability.Tracer

	// AfterFunc defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

// Scheduler runs debounced, single-flight extraction per meeting.
type Scheduler struct {
	cfg       Config
	afterFunc AfterFunc
	logger    logging.Logger

	mu      sync.Mutex
	states  map[string]*state
	closed  bool
	flights sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = DefaultMinBatch
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	af := cfg.AfterFunc
	if af == nil {
		af = realAfterFunc
	}
	return &Scheduler{
		cfg:       cfg,
		afterFunc: af,
		logger:    cfg.Logger.With(logging.F("component", "extraction")),
		states:    make(map[string]*state),
	}
}

func (s *Scheduler) state(meetingID string, create bool) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[meetingID]
	if !ok && create && !s.closed {
		st = &state{meetingID: meetingID}
		s.states[meetingID] = st
	}
	return st
}

func (s *Scheduler) transcriptLen(meetingID string) int {
	m, err := s.cfg.Reader.Meeting(meetingID)
	if err != nil {
		return 0
	}
	return len(m.Transcript)
}

// Notify tells the scheduler the meeting's transcript changed.
func (s *Scheduler) Notify(meetingID string) {
	st := s.state(meetingID, true)
	if st == nil {
		return
	}
	total := s.transcriptLen(meetingID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.detached {
		return
	}
	st.stopTimer()
	st.gen++
	if st.busy {
		st.dirty = true
		return
	}

	newTurns := total - st.lastIndex
	if newTurns <= 0 {
		return
	}
	delay := s.cfg.IdleTimeout
	if newTurns >= s.cfg.MinBatch {
		delay = s.cfg.SettleDelay
	}
	gen := st.gen
	st.timer = s.afterFunc(delay, func() { s.fire(st, gen) })
}

// SetInterviewID attaches the backend interview id used to persist evidence.
func (s *Scheduler) SetInterviewID(meetingID, interviewID string) {
	st := s.state(meetingID, true)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.interviewID = interviewID
	st.mu.Unlock()
}

// Snapshot returns a copy of the meeting's accumulated results.
func (s *Scheduler) Snapshot(meetingID string) (Snapshot, bool) {
	st := s.state(meetingID, false)
	if st == nil {
		return Snapshot{MeetingID: meetingID}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), true
}

// Forget stops the meeting's timer and drops its state. A request already in
// flight completes against the detached state.
func (s *Scheduler) Forget(meetingID string) {
	s.mu.Lock()
	st, ok := s.states[meetingID]
	delete(s.states, meetingID)
	s.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.stopTimer()
	st.detached = true
	st.mu.Unlock()
}

// Close stops all timers and waits for in-flight requests.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	states := make([]*state, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		st.stopTimer()
		st.detached = true
		st.mu.Unlock()
	}
	s.flights.Wait()
}

func (s *Scheduler) beginFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.flights.Add(1)
	return true
}

// fire runs one extraction batch when the timer for generation gen expires.
func (s *Scheduler) fire(st *state, gen uint64) {
	st.mu.Lock()
	if st.detached || gen != st.gen {
		st.mu.Unlock()
		return
	}
	st.timer = nil
	if st.busy {
		st.dirty = true
		st.mu.Unlock()
		return
	}
	if !s.beginFlight() {
		st.mu.Unlock()
		return
	}
	st.busy = true
	st.mu.Unlock()

	defer s.flights.Done()
	defer s.finish(st)

	m, err := s.cfg.Reader.Meeting(st.meetingID)
	if err != nil {
		s.logger.Debug("Meeting gone before extraction", logging.F("meeting_id", st.meetingID))
		return
	}

	st.mu.Lock()
	if len(m.Transcript) <= st.lastIndex {
		st.mu.Unlock()
		return
	}
	end := st.lastIndex + s.cfg.MaxBatch
	if end > len(m.Transcript) {
		end = len(m.Transcript)
	}
	turns := m.Transcript[st.lastIndex:end]
	remaining := len(m.Transcript) - end
	st.lastIndex = end
	req := client.EvidenceRequest{
		Utterances:       make([]client.Utterance, len(turns)),
		ExistingEvidence: st.gists(),
		SessionID:        st.meetingID,
		BatchIndex:       st.batch,
		InterviewID:      st.interviewID,
	}
	st.batch++
	st.mu.Unlock()

	for i, u := range turns {
		req.Utterances[i] = client.Utterance{Speaker: u.Speaker, Text: u.Text}
	}
	s.extract(st, req, remaining)
}

func (s *Scheduler) extract(st *state, req client.EvidenceRequest, remaining int) {
	ctx := context.Background()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, span := s.cfg.Tracer.StartExtractionSpan(ctx, st.meetingID, req.BatchIndex, len(req.Utterances))
	log := s.logger.With(logging.F("meeting_id", st.meetingID), logging.F("batch", req.BatchIndex))
	log.Debug("Extracting evidence",
		logging.F("turns", len(req.Utterances)),
		logging.F("remaining", remaining),
		logging.F("existing", len(req.ExistingEvidence)))

	s.cfg.Metrics.ExtractionStarted()
	start := time.Now()
	resp, err := s.cfg.Extractor.ExtractEvidence(ctx, req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		status := "failed"
		if pferrors.IsNoCredentials(err) {
			status = "skipped"
			log.Debug("Not signed in, skipping extraction")
		} else {
			log.Warn("Evidence extraction failed", logging.Err(err))
		}
		s.cfg.Metrics.ExtractionFinished(status, elapsed)
		observability.EndSpan(span, err, string(pferrors.CodeOf(err)))
		return
	}
	s.cfg.Metrics.ExtractionFinished("ok", elapsed)
	observability.EndSpan(span, nil, "")

	st.mu.Lock()
	added, updated := st.merge(resp)
	snap := st.snapshot()
	st.mu.Unlock()

	s.cfg.Metrics.RecordEvidence("new", len(added))
	s.cfg.Metrics.RecordEvidence("update", len(updated))
	log.Info("Evidence extracted",
		logging.F("new", len(added)),
		logging.F("updated", len(updated)),
		logging.F("total", len(snap.Evidence)),
		logging.F("saved", len(resp.SavedEvidenceIDs)))

	if len(added) > 0 {
		s.publish(ctx, events.TypeEvidenceNew, st.meetingID, added)
	}
	if len(updated) > 0 {
		s.publish(ctx, events.TypeEvidenceUpdated, st.meetingID, updated)
	}
	if len(resp.Tasks) > 0 {
		s.publish(ctx, events.TypeTasksUpdated, st.meetingID, snap.Tasks)
	}
	s.publish(ctx, events.TypeEvidenceSnapshot, st.meetingID, snap)
}

func (s *Scheduler) finish(st *state) {
	st.mu.Lock()
	st.busy = false
	rerun := st.dirty && !st.detached
	st.dirty = false
	st.mu.Unlock()

	if rerun {
		s.Notify(st.meetingID)
	}
}

func (s *Scheduler) publish(ctx context.Context, t events.Type, meetingID string, payload interface{}) {
	if err := s.cfg.Publisher.Publish(ctx, events.New(t, meetingID, "", payload)); err != nil {
		s.logger.Warn("Publishing event failed", logging.F("event_type", string(t)), logging.Err(err))
	}
}
