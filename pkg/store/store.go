// Package store provides the durable meetings document.
//
// All writes go through a single worker goroutine that applies queued
// mutations strictly in submission order, so a mutation always sees the
// result of every mutation submitted before it. Reads are served from a short
// lived cache and always return a private deep copy.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

// DefaultCacheTTL is how long a read snapshot is reused before the file is re-read.
const DefaultCacheTTL = 500 * time.Millisecond

// Mutation transforms the document. Returning a nil document means "no
// write"; returning an error fails only this mutation.
type Mutation func(doc *Document) (*Document, error)

// Config configures a Store.
type Config struct {
	Path     string
	CacheTTL time.Duration
	Logger   logging.Logger
	Metrics  *observability.CaptureMetrics
}

// Store is the serialized, cached, file-backed meetings document.
type Store struct {
	path    string
	ttl     time.Duration
	logger  logging.Logger
	metrics *observability.CaptureMetrics

	now       func() time.Time
	writeFile func(path string, data []byte) error

	cacheMu  sync.Mutex
	cache    *Document
	cachedAt time.Time

	queueMu sync.Mutex
	queue   []*Pending
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// Pending is the handle for a submitted mutation.
type Pending struct {
	op   Mutation
	done chan struct{}
	err  error
}

// Done is closed once the mutation has been applied (or failed).
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err waits for the mutation and returns its error.
func (p *Pending) Err() error {
	<-p.done
	return p.err
}

// Wait blocks until the mutation completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// New creates a Store and starts its worker.
func New(cfg Config) *Store {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Store{
		path:      cfg.Path,
		ttl:       ttl,
		logger:    logger.With(logging.F("component", "document_store")),
		metrics:   cfg.Metrics,
		now:       time.Now,
		writeFile: writeFileAtomic,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Read returns a deep copy of the current document.
func (s *Store) Read() *Document {
	return s.snapshot().Clone()
}

// snapshot returns the cached document, re-reading the file when stale.
// Callers must not mutate the result.
func (s *Store) snapshot() *Document {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.cache != nil && s.now().Sub(s.cachedAt) < s.ttl {
		return s.cache
	}
	s.cache = s.load()
	s.cachedAt = s.now()
	return s.cache
}

func (s *Store) load() *Document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Reading meetings file failed, using empty document", logging.Err(err))
		}
		return NewDocument()
	}

	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		s.logger.Error("Meetings file is corrupt, using empty document",
			logging.Err(pferrors.New(pferrors.CodeStoreCorruption, "read", "invalid JSON", err)),
			logging.F("path", s.path),
		)
		return NewDocument()
	}
	if doc.UpcomingMeetings == nil {
		doc.UpcomingMeetings = []json.RawMessage{}
	}
	if doc.PastMeetings == nil {
		doc.PastMeetings = []*MeetingRecord{}
	}
	return doc
}

// Submit enqueues op and returns immediately.
func (s *Store) Submit(op Mutation) *Pending {
	p := &Pending{op: op, done: make(chan struct{})}

	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		p.resolve(pferrors.ErrClosed)
		return p
	}
	s.queue = append(s.queue, p)
	depth := len(s.queue)
	s.queueMu.Unlock()

	s.metrics.SetStoreQueueDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return p
}

// Apply submits op and waits for it.
func (s *Store) Apply(ctx context.Context, op Mutation) error {
	return s.Submit(op).Wait(ctx)
}

// Close stops accepting mutations, drains the queue and stops the worker.
func (s *Store) Close() error {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
	return nil
}

func (s *Store) run() {
	defer close(s.done)
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.queueMu.Unlock()
			if closed {
				return
			}
			<-s.wake
			continue
		}
		p := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		depth := len(s.queue)
		s.queueMu.Unlock()

		s.metrics.SetStoreQueueDepth(depth)
		p.resolve(s.apply(p.op))
	}
}

func (s *Store) apply(op Mutation) (err error) {
	start := s.now()
	status := "written"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store mutation panicked: %v", r)
		}
		if err != nil {
			status = "failed"
		}
		s.metrics.RecordStoreOperation(status, s.now().Sub(start).Seconds())
	}()

	next, err := op(s.snapshot().Clone())
	if err != nil {
		return err
	}
	if next == nil {
		status = "unchanged"
		return nil
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding meetings document: %w", err)
	}
	if err := s.writeFile(s.path, data); err != nil {
		s.logger.Error("Writing meetings file failed", logging.Err(err), logging.F("path", s.path))
		return fmt.Errorf("writing meetings document: %w", err)
	}

	s.cacheMu.Lock()
	s.cache = next
	s.cachedAt = s.now()
	s.cacheMu.Unlock()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".meetings-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// UpdateMeeting builds a mutation that applies fn to the meeting with id.
// It writes nothing when the meeting does not exist or fn returns false.
func UpdateMeeting(id string, fn func(m *MeetingRecord) bool) Mutation {
	return func(doc *Document) (*Document, error) {
		m := doc.FindMeeting(id)
		if m == nil {
			return nil, nil
		}
		if !fn(m) {
			return nil, nil
		}
		return doc, nil
	}
}

// Meeting returns a copy of the meeting with id.
func (s *Store) Meeting(id string) (*MeetingRecord, error) {
	m := s.snapshot().FindMeeting(id)
	if m == nil {
		return nil, fmt.Errorf("meeting %s: %w", id, pferrors.ErrNotFound)
	}
	return m.Clone(), nil
}

