package terminal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/hako/internal/concurrency"
	hakoerrors "github.com/harunnryd/hako/internal/errors"
	"github.com/harunnryd/hako/internal/runtime"
	"github.com/harunnryd/hako/internal/session"
)

var errSubscriberGone = errors.New("subscriber gone")

type channelKey struct {
	userID    string
	sessionID string
}

func (k channelKey) String() string {
	return k.userID + "/" + k.sessionID
}

// Channel is one live interactive shell inside a session's container. It
// outlives any single subscriber; only an explicit session stop (or the
// shell exiting) tears it down.
type Channel struct {
	key         channelKey
	containerID string
	execID      string
	stream      io.ReadWriteCloser

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func (c *Channel) addSubscriber(sub *Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.id] = sub
}

func (c *Channel) removeSubscriber(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, subID)
}

func (c *Channel) snapshot() []*Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *Channel) broadcast(payload []byte) {
	for _, sub := range c.snapshot() {
		sub.enqueue(payload)
	}
}

// Options configures a terminal Manager.
type Options struct {
	Shell        []string
	SendBuffer   int
	WriteTimeout time.Duration
}

// Manager bridges interactive exec channels to attached network clients.
// One channel per (user, session); output fans out to every subscriber in
// source order.
type Manager struct {
	sessions *session.Manager
	rt       runtime.Client
	opts     Options

	mu       sync.Mutex
	channels map[channelKey]*Channel

	// creating serializes channel creation per (user, session) key, so a
	// slow container start for one session never blocks attaches to others.
	creating *concurrency.SessionLockManager
}

func NewManager(sessions *session.Manager, rt runtime.Client, opts Options) *Manager {
	if len(opts.Shell) == 0 {
		opts.Shell = []string{"/bin/bash", "-l"}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Manager{
		sessions: sessions,
		rt:       rt,
		opts:     opts,
		channels: make(map[channelKey]*Channel),
		creating: concurrency.NewSessionLockManager(),
	}
}

// Attach accepts a terminal connection for a session. Sessions that are
// not RUNNING get a single error frame and a distinguishing close code
// instead of a transport-level rejection.
func (m *Manager) Attach(ctx context.Context, conn Conn, sessionID, userID string) (*Subscriber, *Channel, error) {
	if !m.sessions.IsReady(sessionID) {
		m.refuse(conn, "session is not running; start it first",
			session.CloseSessionNotRunning, "session not running")
		return nil, nil, hakoerrors.SessionNotReady("session " + sessionID)
	}

	ch, err := m.ensureChannel(ctx, userID, sessionID)
	if err != nil {
		m.refuse(conn, err.Error(), websocket.CloseInternalServerErr, "channel unavailable")
		return nil, nil, err
	}

	sub := newSubscriber(conn, m.opts.SendBuffer, m.opts.WriteTimeout)
	go sub.writePump()

	ch.addSubscriber(sub)
	m.sessions.RegisterSubscriber(sessionID, sub)

	slog.Info("Terminal attached",
		"session_id", sessionID, "user_id", userID, "subscriber_id", sub.id)
	return sub, ch, nil
}

// refuse rejects a connection before any write pump exists, so the error
// frame and close frame go out synchronously and cannot be lost to a
// racing teardown.
func (m *Manager) refuse(conn Conn, message string, code int, reason string) {
	deadline := time.Now().Add(m.opts.WriteTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, marshalError(message)); err != nil {
		slog.Debug("Refusal frame write failed", "error", err)
	}
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		slog.Debug("Refusal close write failed", "error", err)
	}
	conn.Close()
}

// ensureChannel returns the existing (user, session) channel or creates
// one: verify the container is running (restarting it synchronously if it
// died underneath a RUNNING record), create an interactive exec, attach,
// and start the single reader pump.
func (m *Manager) ensureChannel(ctx context.Context, userID, sessionID string) (*Channel, error) {
	key := channelKey{userID: userID, sessionID: sessionID}

	// The runtime work below can take several round trips, so the
	// manager-wide mutex guards only the map; concurrent creations of the
	// same channel are collapsed by the per-key lock instead.
	m.creating.Lock(key.String())
	defer m.creating.Unlock(key.String())

	m.mu.Lock()
	ch, ok := m.channels[key]
	m.mu.Unlock()
	if ok {
		return ch, nil
	}

	rec, err := m.sessions.EnsureRunning(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	execID, err := m.rt.CreateExec(ctx, rec.ContainerID, m.opts.Shell)
	if err != nil {
		return nil, hakoerrors.ChannelUnavailable(err.Error())
	}

	stream, err := m.rt.AttachExec(ctx, execID)
	if err != nil {
		return nil, hakoerrors.ChannelUnavailable(err.Error())
	}

	ch = &Channel{
		key:         key,
		containerID: rec.ContainerID,
		execID:      execID,
		stream:      stream,
		subs:        make(map[string]*Subscriber),
	}
	m.mu.Lock()
	m.channels[key] = ch
	m.mu.Unlock()

	concurrency.SafeGo(func() { m.readPump(ch) }, nil)

	slog.Info("Exec channel created",
		"session_id", sessionID, "user_id", userID, "exec_id", execID)
	return ch, nil
}

// readPump is the channel's single reader: it forwards every chunk from
// the raw exec stream to all current subscribers, preserving source order.
// It exits when the stream ends (process exited or container stopped).
func (m *Manager) readPump(ch *Channel) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.stream.Read(buf)
		if n > 0 {
			ch.broadcast(marshalOutput(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("Exec stream closed",
					"session_id", ch.key.sessionID, "error", err)
			}
			break
		}
	}

	ch.broadcast(marshalError("terminal session ended"))
	m.removeChannel(ch)

	for _, sub := range ch.snapshot() {
		m.sessions.UnregisterSubscriber(ch.key.sessionID, sub.id)
		sub.Close(websocket.CloseNormalClosure, "terminal session ended")
	}

	slog.Info("Exec channel closed",
		"session_id", ch.key.sessionID, "exec_id", ch.execID)
}

func (m *Manager) removeChannel(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.channels[ch.key]; ok && cur == ch {
		delete(m.channels, ch.key)
	}
}

// HandleMessage processes one raw client message. JSON frames carry stdin
// or resize commands; anything unparseable is treated as literal stdin so
// unframed clients keep working. Parseable frames of unknown type are
// ignored.
func (m *Manager) HandleMessage(ctx context.Context, ch *Channel, raw []byte) error {
	frame, ok := decodeFrame(raw)
	if !ok {
		_, err := ch.stream.Write(raw)
		return err
	}

	switch frame.Type {
	case FrameStdin:
		_, err := ch.stream.Write([]byte(frame.Data))
		return err
	case FrameResize:
		// Dimensions come straight from the client; non-positive values
		// would wrap on the uint conversion, so drop them. A failed resize
		// leaves the terminal usable and must not tear down the attachment.
		if frame.Rows <= 0 || frame.Cols <= 0 {
			return nil
		}
		if err := m.rt.ResizeExec(ctx, ch.execID, uint(frame.Rows), uint(frame.Cols)); err != nil {
			slog.Debug("Terminal resize failed",
				"session_id", ch.key.sessionID, "exec_id", ch.execID, "error", err)
		}
		return nil
	default:
		return nil
	}
}

// Detach removes one subscriber. The channel and its shell persist so the
// client can reattach to the same running process.
func (m *Manager) Detach(ch *Channel, sub *Subscriber) {
	ch.removeSubscriber(sub.id)
	m.sessions.UnregisterSubscriber(ch.key.sessionID, sub.id)
	sub.stop()

	slog.Info("Terminal detached",
		"session_id", ch.key.sessionID, "subscriber_id", sub.id)
}

// Shutdown closes every channel stream, terminating their reader pumps.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.stream.Close()
	}
}

// ChannelCount reports the number of live exec channels.
func (m *Manager) ChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}
