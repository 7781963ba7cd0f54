package backend

import (
	"errors"
	"io"
	"time"
)

// StreamIdleTimeout bounds how long an upstream may stay silent mid-stream
// before the read is abandoned.
const StreamIdleTimeout = 60 * time.Second

// ErrStreamIdle is returned by IdleReader when a single read exceeds its
// timeout.
var ErrStreamIdle = errors.New("stream read idle timeout")

// IsStreamIdle reports whether err is the idle-timeout sentinel.
func IsStreamIdle(err error) bool { return errors.Is(err, ErrStreamIdle) }

// IdleReader applies a per-Read deadline so a stalled upstream cannot hold a
// stream open forever. A timed-out read leaves the inner read goroutine
// blocked; closing the underlying body reclaims it.
type IdleReader struct {
	R       io.Reader
	Timeout time.Duration
}

func (r *IdleReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.R.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.Timeout):
		return 0, ErrStreamIdle
	}
}
