package media

import (
	"context"
	"sync"
)

// ExclusiveCapturer lets at most one stream hold the capture devices at a
// time. A Capture while a previous stream is still live fails with
// ErrDeviceBusy; the lease is released synchronously inside Stop.
type ExclusiveCapturer struct {
	inner Capturer

	mu   sync.Mutex
	held bool
}

// NewExclusiveCapturer wraps inner with a single-holder lease
func NewExclusiveCapturer(inner Capturer) *ExclusiveCapturer {
	return &ExclusiveCapturer{inner: inner}
}

// Capture acquires the lease and then opens the devices
func (e *ExclusiveCapturer) Capture(ctx context.Context, c Constraints) (LocalStream, error) {
	e.mu.Lock()
	if e.held {
		e.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	e.held = true
	e.mu.Unlock()

	stream, err := e.inner.Capture(ctx, c)
	if err != nil {
		e.release()
		return nil, err
	}
	return &leasedStream{LocalStream: stream, release: e.release}, nil
}

// Busy reports whether a stream currently holds the devices
func (e *ExclusiveCapturer) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

func (e *ExclusiveCapturer) release() {
	e.mu.Lock()
	e.held = false
	e.mu.Unlock()
}

type leasedStream struct {
	LocalStream
	once    sync.Once
	release func()
}

func (s *leasedStream) Stop() {
	s.once.Do(func() {
		s.LocalStream.Stop()
		s.release()
	})
}
