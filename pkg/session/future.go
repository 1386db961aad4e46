package session

import (
	"context"
	"sync"
)

// InterviewFuture is the backend interview id for a meeting, which is created
// asynchronously after the meeting starts. It resolves exactly once.
type InterviewFuture struct {
	once sync.Once
	done chan struct{}
	id   string
	err  error
}

// NewInterviewFuture returns an unresolved future.
func NewInterviewFuture() *InterviewFuture {
	return &InterviewFuture{done: make(chan struct{})}
}

// ResolvedInterview returns a future that is already resolved with id.
func ResolvedInterview(id string) *InterviewFuture {
	f := NewInterviewFuture()
	f.Resolve(id, nil)
	return f
}

// Resolve sets the outcome. Later calls are ignored.
func (f *InterviewFuture) Resolve(id string, err error) {
	f.once.Do(func() {
		f.id = id
		f.err = err
		close(f.done)
	})
}

// resolved reports whether Resolve has been called. id and err may be read
// once it returns true.
func (f *InterviewFuture) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *InterviewFuture) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.id, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
