// Package session maps ephemeral capture-session ids to durable meeting ids.
//
// Bindings are keyed by the stable meeting id. The SDK session id is a
// secondary index that can be moved to a new session id when the SDK
// re-detects the same meeting, for example after a pause.
package session

import (
	"context"
	"fmt"
	"sync"

	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
)

// Binding is a snapshot of one session's binding.
type Binding struct {
	SessionID string
	MeetingID string
	Platform  string
}

// InterviewRef is the interview state of a binding: either the outcome of a
// finished creation or a pending future.
type InterviewRef struct {
	ID      string
	Err     error
	Pending *InterviewFuture
}

// Resolved reports whether the interview id is known.
func (r InterviewRef) Resolved() bool {
	return r.Pending == nil && r.ID != ""
}

type binding struct {
	mu        sync.Mutex
	sessionID string
	meetingID string
	platform  string
	interview *InterviewFuture
}

func (b *binding) snapshot() Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Binding{SessionID: b.sessionID, MeetingID: b.meetingID, Platform: b.platform}
}

// Registry holds the active session bindings.
type Registry struct {
	mu        sync.RWMutex
	byMeeting map[string]*binding
	bySession map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byMeeting: make(map[string]*binding),
		bySession: make(map[string]string),
	}
}

// Bind associates sessionID with meetingID. Binding an already bound session
// to a different meeting replaces the old binding.
func (r *Registry) Bind(sessionID, meetingID, platform string) Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[sessionID]; ok && prev != meetingID {
		delete(r.byMeeting, prev)
	}
	b, ok := r.byMeeting[meetingID]
	if ok {
		b.mu.Lock()
		if b.sessionID != sessionID {
			delete(r.bySession, b.sessionID)
		}
		b.sessionID = sessionID
		b.platform = platform
		b.mu.Unlock()
	} else {
		b = &binding{sessionID: sessionID, meetingID: meetingID, platform: platform}
		r.byMeeting[meetingID] = b
	}
	r.bySession[sessionID] = meetingID
	return b.snapshot()
}

// Rebind moves meetingID's binding to newSessionID.
func (r *Registry) Rebind(newSessionID, meetingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byMeeting[meetingID]
	if !ok {
		return fmt.Errorf("meeting %s: %w", meetingID, pferrors.ErrNotFound)
	}
	if other, taken := r.bySession[newSessionID]; taken && other != meetingID {
		return fmt.Errorf("session %s already bound to %s: %w", newSessionID, other, pferrors.ErrConflict)
	}

	b.mu.Lock()
	delete(r.bySession, b.sessionID)
	b.sessionID = newSessionID
	b.mu.Unlock()
	r.bySession[newSessionID] = meetingID
	return nil
}

func (r *Registry) get(sessionID string) (*binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meetingID, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	b, ok := r.byMeeting[meetingID]
	return b, ok
}

// Lookup returns the binding for sessionID.
func (r *Registry) Lookup(sessionID string) (Binding, bool) {
	b, ok := r.get(sessionID)
	if !ok {
		return Binding{}, false
	}
	return b.snapshot(), true
}

// AttachInterview stores the interview future on sessionID's binding.
func (r *Registry) AttachInterview(sessionID string, f *InterviewFuture) error {
	b, ok := r.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	b.mu.Lock()
	b.interview = f
	b.mu.Unlock()
	return nil
}

// Interview returns the interview state for sessionID. ok is false when the
// session is unbound or no interview creation was started.
func (r *Registry) Interview(sessionID string) (InterviewRef, bool) {
	b, ok := r.get(sessionID)
	if !ok {
		return InterviewRef{}, false
	}
	b.mu.Lock()
	f := b.interview
	b.mu.Unlock()
	if f == nil {
		return InterviewRef{}, false
	}
	if f.resolved() {
		return InterviewRef{ID: f.id, Err: f.err}, true
	}
	return InterviewRef{Pending: f}, true
}

// ResolveInterviewID returns the interview id for sessionID, waiting for a
// pending creation to finish. It returns "" with a nil error when no creation
// was started.
func (r *Registry) ResolveInterviewID(ctx context.Context, sessionID string) (string, error) {
	if _, ok := r.get(sessionID); !ok {
		return "", fmt.Errorf("session %s: %w", sessionID, pferrors.ErrNotFound)
	}
	ref, ok := r.Interview(sessionID)
	switch {
	case !ok:
		return "", nil
	case ref.Pending != nil:
		return ref.Pending.Wait(ctx)
	}
	return ref.ID, ref.Err
}

// Unbind removes sessionID's binding and returns it.
func (r *Registry) Unbind(sessionID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meetingID, ok := r.bySession[sessionID]
	if !ok {
		return Binding{}, false
	}
	delete(r.bySession, sessionID)
	b, ok := r.byMeeting[meetingID]
	if !ok {
		return Binding{}, false
	}
	delete(r.byMeeting, meetingID)
	return b.snapshot(), true
}

