package terminal

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/hako/internal/session"
)

// Conn is the subset of *websocket.Conn the terminal writes to. Tests
// substitute an in-memory implementation.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Subscriber is one attached terminal client. All writes go through a
// buffered send channel drained by a single write pump, so a slow client
// can never block the channel's reader fan-out.
type Subscriber struct {
	id           string
	conn         Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

func newSubscriber(conn Conn, buffer int, writeTimeout time.Duration) *Subscriber {
	return &Subscriber{
		id:           ulid.Make().String(),
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (s *Subscriber) ID() string { return s.id }

// Done is closed when the write pump exits, letting the read loop notice
// write failures promptly.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// enqueue queues a payload for delivery. Full buffer means the client has
// stalled; the payload is dropped rather than blocking the source.
func (s *Subscriber) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		slog.Warn("Terminal subscriber buffer full, dropping frame", "subscriber_id", s.id)
		return false
	}
}

// Deliver implements session.Subscriber for lifecycle notifications.
func (s *Subscriber) Deliver(evt session.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if !s.enqueue(payload) {
		return errSubscriberGone
	}
	return nil
}

// Close implements session.Subscriber: sends a close frame with the given
// code, then tears down the connection and the write pump.
func (s *Subscriber) Close(code int, reason string) error {
	deadline := time.Now().Add(s.writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("Close frame write failed", "subscriber_id", s.id, "error", err)
	}
	s.stop()
	return nil
}

func (s *Subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) writePump() {
	defer func() {
		s.stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("Terminal write failed", "subscriber_id", s.id, "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}
