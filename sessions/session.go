// Package sessions tracks the logical MCP sessions behind the streaming HTTP
// transport. A session moves through a simple lifecycle: created by an
// initialize request, continued by further requests carrying its id, and
// terminated explicitly or at shutdown. A terminated id behaves exactly like
// one that never existed.
package sessions

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned when an operation targets a session that has been
// terminated.
var ErrClosed = errors.New("session closed")

const defaultMaxBufferedEvents = 256

// Event is one server-to-client message queued on a session stream. IDs are
// monotonic per session and are what clients echo back in Last-Event-ID to
// resume.
type Event struct {
	ID      uint64
	Payload []byte
}

// EventID renders the event id the way it appears on the wire.
func (e Event) EventID() string { return strconv.FormatUint(e.ID, 10) }

// Session is one logical streaming conversation. It buffers server-to-client
// events for replay and wakes any attached stream when new events arrive.
type Session struct {
	id        string
	subject   string
	createdAt time.Time

	mu          sync.Mutex
	events      []Event
	nextEventID uint64
	maxBuffered int
	notify      chan struct{} // closed and replaced on publish or close
	closed      bool
	onClose     func()
}

func newSession(id, subject string, maxBuffered int) *Session {
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBufferedEvents
	}
	return &Session{
		id:          id,
		subject:     subject,
		createdAt:   time.Now(),
		nextEventID: 1,
		maxBuffered: maxBuffered,
		notify:      make(chan struct{}),
	}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Subject returns the authenticated subject the session was created for.
// Requests from any other subject must not be routed to this session.
func (s *Session) Subject() string { return s.subject }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Publish queues a server-to-client message and wakes attached streams.
func (s *Session) Publish(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.events = append(s.events, Event{ID: s.nextEventID, Payload: buf})
	s.nextEventID++
	if len(s.events) > s.maxBuffered {
		s.events = s.events[len(s.events)-s.maxBuffered:]
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// Stream delivers buffered and future events to send, in order, until ctx is
// canceled or the session closes. lastEventID, when parseable, resumes after
// that event; otherwise delivery starts from the oldest buffered event.
// Session close ends the stream with nil so the transport can finish the
// response cleanly.
func (s *Session) Stream(ctx context.Context, lastEventID string, send func(eventID string, payload []byte) error) error {
	var cursor uint64
	if lastEventID != "" {
		if n, err := strconv.ParseUint(lastEventID, 10, 64); err == nil {
			cursor = n
		}
	}

	for {
		s.mu.Lock()
		var batch []Event
		for _, ev := range s.events {
			if ev.ID > cursor {
				batch = append(batch, ev)
			}
		}
		notify := s.notify
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			if err := send(ev.EventID(), ev.Payload); err != nil {
				return err
			}
			cursor = ev.ID
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// Close terminates the session. It is idempotent; the first call runs the
// registered onClose hook and wakes any attached streams.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onClose := s.onClose
	s.onClose = nil
	close(s.notify)
	s.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// Closed reports whether the session has been terminated.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
