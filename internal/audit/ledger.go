package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/telemetry"
	"time"

	"github.com/google/uuid"
)

// idNamespace scopes the name-based event ids
var idNamespace = uuid.MustParse("6f1c2a8e-3d4b-5c6d-8e7f-9a0b1c2d3e4f")

// ErrClosed is returned after Close
var ErrClosed = errors.New("audit ledger closed")

type request struct {
	ev    Event
	flush chan error
}

// Ledger is the single writer of the audit log. Producers on any goroutine enqueue records;
// the ledger goroutine writes them in arrival order. Event ids are derived from the session id
// and the arrival sequence so identical runs produce identical logs.
type Ledger struct {
	sessionID  string
	configHash string
	sink       Sink
	logger     core.ILogger

	mu     sync.Mutex
	seq    uint64
	closed bool
	queue  chan request
	done   chan struct{}
	err    error
}

// NewLedger starts the writer goroutine
func NewLedger(sessionID, configHash string, sink Sink, logger core.ILogger, buffer int) *Ledger {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Ledger{
		sessionID:  sessionID,
		configHash: configHash,
		sink:       sink,
		logger:     logger.WithField("component", "audit"),
		queue:      make(chan request, buffer),
		done:       make(chan struct{}),
	}
	go l.run()
	return l
}

// SessionID returns the session the ledger writes for
func (l *Ledger) SessionID() string { return l.sessionID }

// EventID is the deterministic id of the n-th record of a session
func EventID(sessionID string, seq uint64) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%d", sessionID, seq))).String()
}

// Record enqueues one record and returns it with its id assigned
func (l *Ledger) Record(at time.Time, t EventType, reason string, snap Snapshot) (Event, error) {
	snap.SessionID = l.sessionID
	snap.ConfigHash = l.configHash

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Event{}, ErrClosed
	}
	l.seq++
	ev := Event{
		EventID:    EventID(l.sessionID, l.seq),
		Timestamp:  at.UTC(),
		Type:       t,
		ReasonCode: reason,
		Snapshot:   snap,
	}
	l.queue <- request{ev: ev}
	telemetry.GetGlobalMetrics().RecordAuditEvent(context.Background(), string(t))
	return ev, nil
}

// Count returns the number of records accepted so far
func (l *Ledger) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Flush blocks until every record enqueued before it has been written and flushed
func (l *Ledger) Flush() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	reply := make(chan error, 1)
	l.queue <- request{flush: reply}
	l.mu.Unlock()
	return <-reply
}

// Close drains the queue, closes the sink and stops the goroutine
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return l.err
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return l.err
}

func (l *Ledger) run() {
	defer close(l.done)
	var writeErr error
	for req := range l.queue {
		if req.flush != nil {
			err := l.sink.Flush()
			if err == nil {
				err = writeErr
			}
			writeErr = nil
			req.flush <- err
			continue
		}
		if err := l.sink.Write(req.ev); err != nil {
			l.logger.Error("Failed to write audit record", "event_id", req.ev.EventID, "type", string(req.ev.Type), "error", err)
			writeErr = err
		}
	}
	if err := l.sink.Close(); err != nil {
		writeErr = errors.Join(writeErr, err)
	}
	l.err = writeErr
}
