// Package telemetry ships runtime observations — compaction cycles,
// barrier cohorts, channel closes — to an observer over a Unix socket.
// Events are queued on a bounded buffer and written in batches, one
// envelope-shaped JSON line each; the emitting side never blocks and
// never fails: a missing, slow, or flapping observer only costs events.
package telemetry

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"time"

	"github.com/alephrt/shmrt/config"
	"github.com/alephrt/shmrt/envelope"
)

// Event is one runtime observation, carried as the Value of a RAW
// envelope on the wire.
type Event struct {
	Kind     string `json:"kind"`
	AtUnixMS int64  `json:"at_unix_ms"`
	Payload  any    `json:"payload,omitempty"`
}

const (
	maxBatch       = 64
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	dialTimeout    = 200 * time.Millisecond
)

// Sink queues events and flushes them from a single writer goroutine.
// A Sink built with an empty socket path is disabled: every Emit is a
// cheap no-op, so callers never need to nil-check.
type Sink struct {
	events  chan Event
	done    chan struct{}
	stopped chan struct{}
	closed  int32
	dropped int64
	cfg     config.TelemetryConfig
}

func NewSink(cfg config.TelemetryConfig) *Sink {
	s := &Sink{cfg: cfg}
	if cfg.Socket == "" {
		return s
	}
	if s.cfg.BufferSize <= 0 {
		s.cfg.BufferSize = 256
	}
	if s.cfg.FlushIntervalMS <= 0 {
		s.cfg.FlushIntervalMS = 250
	}
	s.events = make(chan Event, s.cfg.BufferSize)
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run()
	return s
}

// Emit queues an event. It never blocks: with the buffer full the event
// is counted as dropped instead, and the drop total rides along with
// the next successful flush.
func (s *Sink) Emit(kind string, payload any) {
	if s.events == nil {
		return
	}
	ev := Event{Kind: kind, AtUnixMS: time.Now().UnixMilli(), Payload: payload}
	select {
	case s.events <- ev:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// GCCycle records that an arena has completed its nth compaction.
func (s *Sink) GCCycle(cycles uint64) {
	s.Emit("gc_cycle", map[string]any{"cycles": cycles})
}

// BarrierCohort records a released cohort and which party led it.
func (s *Sink) BarrierCohort(leader int) {
	s.Emit("barrier_cohort", map[string]any{"leader": leader})
}

// ChannelClosed records a channel reaching its closed state.
func (s *Sink) ChannelClosed(capacity int32, delivered int) {
	s.Emit("channel_closed", map[string]any{
		"capacity":  capacity,
		"delivered": delivered,
	})
}

// Close flushes whatever is still queued and stops the writer. Safe on
// a disabled sink.
func (s *Sink) Close() {
	if s.events == nil || !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.done)
	<-s.stopped
}

// run is the single writer: it accumulates events into a batch and
// flushes on size, on the configured interval, or at shutdown. The
// socket connection is (re)dialed lazily with exponential backoff; a
// batch that cannot be written is counted as dropped, never retried —
// observers want fresh state, not a replay.
func (s *Sink) run() {
	defer close(s.stopped)

	w := socketWriter{path: s.cfg.Socket, backoff: initialBackoff}
	defer w.close()

	ticker := time.NewTicker(time.Duration(s.cfg.FlushIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	var batch []Event
	flush := func() {
		if n := atomic.SwapInt64(&s.dropped, 0); n > 0 {
			batch = append(batch, Event{
				Kind:     "events_dropped",
				AtUnixMS: time.Now().UnixMilli(),
				Payload:  map[string]any{"count": n},
			})
		}
		if len(batch) == 0 {
			return
		}
		if !w.writeBatch(batch) {
			atomic.AddInt64(&s.dropped, int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
			if len(batch) >= maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case ev := <-s.events:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// socketWriter owns the observer connection and its backoff state.
type socketWriter struct {
	path     string
	conn     net.Conn
	backoff  time.Duration
	nextDial time.Time
}

func (w *socketWriter) close() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// ensure dials the observer if disconnected, at most once per backoff
// window so a dead observer costs one cheap dial attempt per window
// rather than one per batch.
func (w *socketWriter) ensure() bool {
	if w.conn != nil {
		return true
	}
	if time.Now().Before(w.nextDial) {
		return false
	}
	conn, err := net.DialTimeout("unix", w.path, dialTimeout)
	if err != nil {
		w.nextDial = time.Now().Add(w.backoff)
		if w.backoff *= 2; w.backoff > maxBackoff {
			w.backoff = maxBackoff
		}
		return false
	}
	w.conn = conn
	w.backoff = initialBackoff
	return true
}

// writeBatch renders the batch as newline-delimited RAW envelopes and
// writes it in one call. On a write error the connection is torn down
// so the next flush redials.
func (w *socketWriter) writeBatch(batch []Event) bool {
	if !w.ensure() {
		return false
	}
	var buf []byte
	for _, ev := range batch {
		line, err := json.Marshal(envelope.Envelope{Kind: envelope.RAW, Value: ev})
		if err != nil {
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if _, err := w.conn.Write(buf); err != nil {
		w.close()
		return false
	}
	return true
}
