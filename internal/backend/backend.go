// Package backend abstracts the long-running compute process messages are
// submitted to.
//
// The backend may legitimately stay silent for minutes while it works, so
// Submit must never be given an application-imposed deadline: callers pass a
// context that is cancelled only on shutdown, and failure is signalled
// explicitly by the backend itself.
package backend

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Backend accepts a payload for a session and returns the correlation
// identifier that links asynchronous results back to this submission.
type Backend interface {
	Submit(ctx context.Context, sessionID string, payload []byte) (correlationID string, err error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, sessionID string, payload []byte) (string, error)

func (f Func) Submit(ctx context.Context, sessionID string, payload []byte) (string, error) {
	return f(ctx, sessionID, payload)
}

// Submission is one recorded Submit call.
type Submission struct {
	SessionID     string
	Payload       []byte
	CorrelationID string
}

// Fake is a scriptable in-memory backend for tests and local runs.
type Fake struct {
	mu          sync.Mutex
	submissions []Submission

	// Err, when set, is returned by the next Submit calls.
	Err error
	// Block, when set, makes Submit wait for ctx cancellation, mimicking a
	// backend that is still thinking.
	Block bool
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Submit(ctx context.Context, sessionID string, payload []byte) (string, error) {
	f.mu.Lock()
	err := f.Err
	block := f.Block
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	sub := Submission{
		SessionID:     sessionID,
		Payload:       append([]byte(nil), payload...),
		CorrelationID: uuid.NewString(),
	}
	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	f.mu.Unlock()
	return sub.CorrelationID, nil
}

// SetErr scripts the error returned by subsequent Submit calls.
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

// Submissions returns a copy of all recorded calls.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}
