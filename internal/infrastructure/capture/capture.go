// Package capture writes the wire log: every outbound request and inbound
// reply (buffered or streamed) appended to a rotating file for audit. A
// misconfigured or failed capture never surfaces to the request path; it
// degrades to a no-op.
package capture

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/pkg/safego"
)

// Direction labels a record.
type Direction string

const (
	DirRequest     Direction = "REQUEST"
	DirReply       Direction = "REPLY"
	DirReplyStream Direction = "REPLY-STREAM"
)

// Record is one capture entry. Payload is raw bytes; rendering decodes it
// as UTF-8 with replacement and truncates at the configured threshold.
type Record struct {
	Direction Direction
	Time      time.Time
	Client    string
	Agent     string
	Session   string
	Backend   string
	Model     string
	// KeyName is the key's config name, never its value.
	KeyName string
	Payload []byte
}

// TruncationMarker is appended where a payload was cut.
const TruncationMarker = "[[truncated]]"

// Render produces the on-disk form of the record:
//
//	----- <DIRECTION> <ISO8601-Z> -----
//	client=<ip|unknown> [agent=<a>] session=<id> -> backend=<b> model=<m> [key=<name>]
//	<payload>
func (r Record) Render(truncateAt int) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "----- %s %s -----\n", r.Direction, r.Time.UTC().Format("2006-01-02T15:04:05Z"))

	client := r.Client
	if client == "" {
		client = "unknown"
	}
	fmt.Fprintf(&b, "client=%s", client)
	if r.Agent != "" {
		fmt.Fprintf(&b, " agent=%s", r.Agent)
	}
	fmt.Fprintf(&b, " session=%s -> backend=%s model=%s", r.Session, r.Backend, r.Model)
	if r.KeyName != "" {
		fmt.Fprintf(&b, " key=%s", r.KeyName)
	}
	b.WriteByte('\n')

	payload := r.Payload
	truncated := false
	if truncateAt > 0 && len(payload) > truncateAt {
		payload = payload[:truncateAt]
		truncated = true
	}
	b.Write(bytes.ToValidUTF8(payload, []byte("�")))
	if truncated {
		b.WriteString(TruncationMarker)
	}
	if b.Len() == 0 || b.Bytes()[b.Len()-1] != '\n' {
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Config controls the capture file and its rotation. A zero File disables
// capture entirely; non-positive limits disable the respective bound.
type Config struct {
	File           string
	MaxBytes       int64
	MaxFiles       int
	RotateInterval time.Duration
	TotalMaxBytes  int64
	TruncateBytes  int
}

// Recorder appends records to the capture file through a single writer
// goroutine, so the request path never blocks on disk. When the queue is
// full records are dropped and counted rather than stalling a request.
type Recorder struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	queue chan Record
	done  chan struct{}

	mu     sync.RWMutex
	tap    func(Record)
	closed bool

	dropped  atomic.Int64
	disabled atomic.Bool

	// Writer-goroutine state, untouched elsewhere.
	file       *os.File
	size       int64
	lastRotate time.Time
}

const queueDepth = 256

// NewRecorder builds a recorder and starts its writer. A Config without a
// file yields a recorder whose methods are all no-ops; callers never need
// to branch on whether capture is enabled.
func NewRecorder(cfg Config, logger *zap.Logger) *Recorder {
	r := &Recorder{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "capture")),
		now:    time.Now,
	}
	if cfg.File == "" {
		r.disabled.Store(true)
		return r
	}
	r.queue = make(chan Record, queueDepth)
	r.done = make(chan struct{})
	safego.Go(r.logger, "capture-writer", r.run)
	return r
}

// Enabled reports whether records will be written.
func (r *Recorder) Enabled() bool {
	return r != nil && !r.disabled.Load()
}

// SetTap registers a broadcast hook invoked for every record, enabled or
// not written to disk. The wiretap hub subscribes here.
func (r *Recorder) SetTap(fn func(Record)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tap = fn
	r.mu.Unlock()
}

// Record enqueues asynchronously; it never blocks and never fails. The
// enqueue happens under the read lock so a concurrent Close cannot close
// the queue out from under it.
func (r *Recorder) Record(rec Record) {
	if r == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tap != nil {
		r.tap(rec)
	}
	if r.closed || r.queue == nil || r.disabled.Load() {
		return
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("capture queue full, dropping records")
		}
	}
}

// Dropped returns how many records were discarded due to backpressure.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close drains the queue and closes the file. Safe on a disabled recorder
// and idempotent.
func (r *Recorder) Close() error {
	if r == nil || r.queue == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.done
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	defer func() {
		if r.file != nil {
			r.file.Close()
		}
	}()

	var tick <-chan time.Time
	if r.cfg.RotateInterval > 0 {
		t := time.NewTicker(r.cfg.RotateInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				return
			}
			r.write(rec)
		case <-tick:
			if r.size > 0 {
				r.rotate()
			}
		}
	}
}

// write appends one rendered record, rotating first when a bound is hit.
// Any filesystem error disables capture for the rest of the process.
func (r *Recorder) write(rec Record) {
	if r.disabled.Load() {
		return
	}
	if r.file == nil && !r.open() {
		return
	}

	data := rec.Render(r.cfg.TruncateBytes)
	if r.cfg.MaxBytes > 0 && r.size > 0 && r.size+int64(len(data)) > r.cfg.MaxBytes {
		r.rotate()
	}
	if r.cfg.RotateInterval > 0 && r.size > 0 && r.now().Sub(r.lastRotate) >= r.cfg.RotateInterval {
		r.rotate()
	}
	if r.disabled.Load() {
		return
	}

	n, err := r.file.Write(data)
	r.size += int64(n)
	if err != nil {
		r.fail("capture write failed", err)
	}
}

func (r *Recorder) open() bool {
	f, err := os.OpenFile(r.cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.fail("capture file unavailable", err)
		return false
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		r.fail("capture file unavailable", err)
		return false
	}
	r.file = f
	r.size = info.Size()
	r.lastRotate = r.now()
	return true
}

// rotate renames the current file into the .1..N cascade, reopens a fresh
// one, and prunes rotated files past the total-size cap, oldest first.
func (r *Recorder) rotate() {
	if r.file == nil {
		return
	}
	r.file.Close()
	r.file = nil

	maxFiles := r.cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 1
	}
	os.Remove(rotatedName(r.cfg.File, maxFiles))
	for i := maxFiles - 1; i >= 1; i-- {
		os.Rename(rotatedName(r.cfg.File, i), rotatedName(r.cfg.File, i+1))
	}
	if err := os.Rename(r.cfg.File, rotatedName(r.cfg.File, 1)); err != nil {
		r.fail("capture rotation failed", err)
		return
	}
	r.enforceTotalCap(maxFiles)
	r.open()
}

func (r *Recorder) enforceTotalCap(maxFiles int) {
	if r.cfg.TotalMaxBytes <= 0 {
		return
	}
	var total int64
	sizes := make([]int64, maxFiles+1)
	for i := 1; i <= maxFiles; i++ {
		if info, err := os.Stat(rotatedName(r.cfg.File, i)); err == nil {
			sizes[i] = info.Size()
			total += info.Size()
		}
	}
	for i := maxFiles; i >= 1 && total > r.cfg.TotalMaxBytes; i-- {
		if sizes[i] == 0 {
			continue
		}
		os.Remove(rotatedName(r.cfg.File, i))
		total -= sizes[i]
	}
}

func (r *Recorder) fail(msg string, err error) {
	r.disabled.Store(true)
	r.logger.Warn(msg, zap.Error(err))
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func rotatedName(base string, n int) string {
	return fmt.Sprintf("%s.%d", base, n)
}
