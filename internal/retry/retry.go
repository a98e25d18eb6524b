// Package retry runs fallible operations with exponential backoff.
//
// Payment verification against the Zcash node is the main caller:
// transient transport faults retry, while answers from the node itself
// are wrapped Permanent and returned immediately.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn up to attempts times, sleeping between failures with
// exponential backoff from base, jittered ±25%. It returns nil on the
// first success, the unwrapped error for a PermanentError, ctx.Err()
// on cancellation mid-backoff, and otherwise the last failure.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i, delay := 0, base; i < attempts; i, delay = i+1, delay*2 {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
	}
	return err
}

// jittered spreads a delay across [0.75d, 1.25d] so concurrent callers
// do not retry in lockstep.
func jittered(d time.Duration) time.Duration {
	quarter := int64(d / 4)
	if quarter <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	offset := int64(binary.LittleEndian.Uint64(b[:])>>1) % (2*quarter + 1)
	return d - time.Duration(quarter) + time.Duration(offset)
}
