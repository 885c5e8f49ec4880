package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	BackoffBase = 50 * time.Millisecond
	BackoffCap  = 2 * time.Second
)

// NewBackoff returns the reconnect schedule shared by all adapters:
// exponential from 50ms, capped at 2s, never giving up.
func NewBackoff() retry.Backoff {
	return retry.WithCappedDuration(BackoffCap, retry.NewExponential(BackoffBase))
}

// Backoff tracks consecutive failures of a long-running loop. Reset after a
// successful attempt so the next failure starts from the base delay again.
type Backoff struct {
	b retry.Backoff
}

func (b *Backoff) Next() time.Duration {
	if b.b == nil {
		b.b = NewBackoff()
	}
	d, _ := b.b.Next()
	return d
}

func (b *Backoff) Reset() {
	b.b = nil
}

// Wait sleeps for the next backoff delay. It returns false if ctx ends first.
func (b *Backoff) Wait(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Permanent marks err as not worth retrying: Retry returns it at once.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn until it succeeds, returns a Permanent error, or ctx ends,
// sleeping on the shared schedule between attempts. onErr is called with
// every retried failure.
func Retry(ctx context.Context, fn func(ctx context.Context) error, onErr func(err error, next time.Duration)) error {
	nb := &notifyingBackoff{b: NewBackoff(), onErr: onErr}
	return retry.Do(ctx, nb, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		nb.lastErr = err
		return retry.RetryableError(err)
	})
}

type notifyingBackoff struct {
	b       retry.Backoff
	onErr   func(err error, next time.Duration)
	lastErr error
}

func (n *notifyingBackoff) Next() (time.Duration, bool) {
	d, stop := n.b.Next()
	if n.onErr != nil {
		n.onErr(n.lastErr, d)
	}
	return d, stop
}
