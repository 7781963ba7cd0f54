package capture

import (
	"bytes"
	"sync"
)

// defaultStreamCap bounds tap memory when no truncation threshold is
// configured.
const defaultStreamCap = 1 << 20

// StreamTap collects the raw bytes of a streamed reply and emits one
// REPLY-STREAM record when the stream ends. Buffering stops at the
// truncation threshold, so a long stream costs bounded memory; the cut is
// marked the same way oversized buffered payloads are.
type StreamTap struct {
	rec   *Recorder
	proto Record
	limit int

	mu     sync.Mutex
	buf    bytes.Buffer
	full   bool
	closed bool
}

// StreamTap returns a tap that will record under the given prototype's
// metadata. On a recorder with neither a file nor a broadcast hook the tap
// discards writes.
func (r *Recorder) StreamTap(proto Record) *StreamTap {
	if r == nil {
		return nil
	}
	limit := r.cfg.TruncateBytes
	if limit <= 0 {
		limit = defaultStreamCap
	}
	return &StreamTap{rec: r, proto: proto, limit: limit}
}

func (t *StreamTap) active() bool {
	if t == nil || t.rec == nil {
		return false
	}
	if t.rec.Enabled() {
		return true
	}
	t.rec.mu.RLock()
	defer t.rec.mu.RUnlock()
	return t.rec.tap != nil
}

// Write appends chunk bytes until the cap is reached.
func (t *StreamTap) Write(p []byte) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.full {
		return
	}
	if room := t.limit - t.buf.Len(); len(p) > room {
		p = p[:room]
		t.full = true
	}
	t.buf.Write(p)
}

// Close emits the accumulated record. Further writes are ignored.
func (t *StreamTap) Close() {
	if !t.active() {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.full {
		t.buf.WriteString(TruncationMarker)
	}
	rec := t.proto
	rec.Direction = DirReplyStream
	rec.Payload = append([]byte(nil), t.buf.Bytes()...)
	t.mu.Unlock()

	t.rec.Record(rec)
}
