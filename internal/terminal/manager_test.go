package terminal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	hakoerrors "github.com/harunnryd/hako/internal/errors"
	"github.com/harunnryd/hako/internal/runtime"
	"github.com/harunnryd/hako/internal/session"
)

// fakeStream is an in-memory exec stream: writes are recorded, reads are
// fed through a channel until the stream is closed.
type fakeStream struct {
	mu     sync.Mutex
	writes [][]byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case data := <-s.out:
		return copy(p, data), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

type resizeCall struct {
	height uint
	width  uint
}

// execRuntime fakes the runtime for terminal channels: a pre-provisioned
// running container plus exec plumbing onto fakeStream instances.
type execRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerInfo
	volumes    map[string]bool
	streams    []*fakeStream
	execCalls  int
	execStarts int
	resizes    []resizeCall
	shells     [][]string
	resizeErr  error

	// execGate, when set, blocks CreateExec for gateContainer until closed.
	execGate      chan struct{}
	gateContainer string
}

func newExecRuntime() *execRuntime {
	return &execRuntime{
		containers: make(map[string]*runtime.ContainerInfo),
		volumes:    make(map[string]bool),
	}
}

func (f *execRuntime) addRunningContainer(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := runtime.ContainerName(sessionID)
	id := "ctr-" + sessionID
	f.containers[name] = &runtime.ContainerInfo{
		ID: id, Name: name, Status: "running", Running: true,
		Labels: map[string]string{runtime.LabelSessionID: sessionID},
	}
	f.volumes[runtime.VolumeName(sessionID)] = true
	return id
}

func (f *execRuntime) Ping(ctx context.Context) error { return nil }

func (f *execRuntime) FindContainer(ctx context.Context, name string) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[name]
	if !ok {
		return nil, hakoerrors.ResourceNotFound("container " + name)
	}
	clone := *info
	return &clone, nil
}

func (f *execRuntime) CreateContainer(ctx context.Context, opts runtime.CreateContainerOptions) (string, error) {
	return "", hakoerrors.Internal("not supported in fake")
}

func (f *execRuntime) StartContainer(ctx context.Context, containerID string) error { return nil }

func (f *execRuntime) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (f *execRuntime) RemoveContainer(ctx context.Context, containerID string) error { return nil }

func (f *execRuntime) ListManagedContainers(ctx context.Context) ([]runtime.ContainerInfo, error) {
	return nil, nil
}

func (f *execRuntime) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *execRuntime) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name], nil
}

func (f *execRuntime) CreateExec(ctx context.Context, containerID string, cmd []string) (string, error) {
	f.mu.Lock()
	f.execStarts++
	gate := f.execGate
	gated := gate != nil && containerID == f.gateContainer
	f.mu.Unlock()
	if gated {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	f.shells = append(f.shells, cmd)
	return "exec-1", nil
}

func (f *execRuntime) AttachExec(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream := newFakeStream()
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *execRuntime) ResizeExec(ctx context.Context, execID string, height, width uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resizeErr != nil {
		return f.resizeErr
	}
	f.resizes = append(f.resizes, resizeCall{height: height, width: width})
	return nil
}

func (f *execRuntime) resizeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resizes)
}

func (f *execRuntime) execStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execStarts
}

func (f *execRuntime) RunExec(ctx context.Context, containerID string, cmd []string) (string, error) {
	return "", nil
}

func (f *execRuntime) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func (f *execRuntime) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// fakeConn records frames written by the subscriber's write pump.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	closed    bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) >= 2 {
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) serverFrames() []ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]ServerFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f ServerFrame
		if json.Unmarshal(raw, &f) == nil {
			frames = append(frames, f)
		}
	}
	return frames
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func newTestStack(t *testing.T) (*Manager, *execRuntime, *session.Manager) {
	t.Helper()
	rt := newExecRuntime()
	sessions := session.NewManager(rt, session.NewMemoryStore(), session.Options{
		Image:          "hako/devbox:test",
		WorkspaceMount: "/workspace",
		StopGrace:      time.Second,
		RequestTimeout: 5 * time.Second,
	})
	terminals := NewManager(sessions, rt, Options{
		Shell:        []string{"/bin/bash", "-l"},
		SendBuffer:   16,
		WriteTimeout: time.Second,
	})
	return terminals, rt, sessions
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAttachRefusedWhenSessionNotRunning(t *testing.T) {
	terminals, _, _ := newTestStack(t)
	conn := &fakeConn{}

	_, _, err := terminals.Attach(context.Background(), conn, "sess-1", "user-1")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !hakoerrors.IsCategory(err, hakoerrors.ErrSessionNotReady) {
		t.Errorf("error category = %s, want SessionNotReady", hakoerrors.Category(err))
	}

	// The refusal is written before Attach returns; no pump is involved,
	// so the frames must already be on the connection.
	frames := conn.serverFrames()
	if len(frames) == 0 || frames[0].Type != FrameError {
		t.Fatalf("expected a leading error frame, got %v", frames)
	}
	if got := conn.code(); got != session.CloseSessionNotRunning {
		t.Errorf("close code = %d, want %d", got, session.CloseSessionNotRunning)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("connection left open after refusal")
	}
}

func attachRunning(t *testing.T, terminals *Manager, rt *execRuntime, sessions *session.Manager, sessionID, userID string) (*fakeConn, *Subscriber, *Channel) {
	t.Helper()
	rt.addRunningContainer(sessionID)
	if _, err := sessions.Status(context.Background(), sessionID); err != nil {
		t.Fatalf("Status() failed: %v", err)
	}

	conn := &fakeConn{}
	sub, ch, err := terminals.Attach(context.Background(), conn, sessionID, userID)
	if err != nil {
		t.Fatalf("Attach() failed: %v", err)
	}
	return conn, sub, ch
}

func TestHandleMessageStdin(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, _, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	raw, _ := json.Marshal(ClientFrame{Type: FrameStdin, Data: "ls\n"})
	if err := terminals.HandleMessage(context.Background(), ch, raw); err != nil {
		t.Fatalf("HandleMessage() failed: %v", err)
	}

	writes := rt.lastStream().written()
	if len(writes) != 1 || string(writes[0]) != "ls\n" {
		t.Errorf("stream writes = %q, want [\"ls\\n\"]", writes)
	}
}

func TestHandleMessageRawStdinFallback(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, _, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	if err := terminals.HandleMessage(context.Background(), ch, []byte("pwd\n")); err != nil {
		t.Fatalf("HandleMessage() failed: %v", err)
	}

	writes := rt.lastStream().written()
	if len(writes) != 1 || string(writes[0]) != "pwd\n" {
		t.Errorf("stream writes = %q, want [\"pwd\\n\"]", writes)
	}
}

func TestHandleMessageResize(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, _, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	raw, _ := json.Marshal(ClientFrame{Type: FrameResize, Cols: 120, Rows: 40})
	if err := terminals.HandleMessage(context.Background(), ch, raw); err != nil {
		t.Fatalf("HandleMessage() failed: %v", err)
	}

	rt.mu.Lock()
	resizes := append([]resizeCall(nil), rt.resizes...)
	rt.mu.Unlock()
	if len(resizes) != 1 {
		t.Fatalf("resize calls = %d, want 1", len(resizes))
	}
	if resizes[0].height != 40 || resizes[0].width != 120 {
		t.Errorf("resize = %dx%d (hxw), want 40x120", resizes[0].height, resizes[0].width)
	}
}

func TestHandleMessageUnknownTypeIgnored(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, _, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	if err := terminals.HandleMessage(context.Background(), ch, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("HandleMessage() failed: %v", err)
	}
	if writes := rt.lastStream().written(); len(writes) != 0 {
		t.Errorf("stream writes = %q, want none", writes)
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	connA, _, _ := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	connB := &fakeConn{}
	_, _, err := terminals.Attach(context.Background(), connB, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("second Attach() failed: %v", err)
	}
	if got := rt.execCount(); got != 1 {
		t.Fatalf("exec calls = %d, want 1 shared channel", got)
	}

	rt.lastStream().out <- []byte("hello")

	hasOutput := func(conn *fakeConn) func() bool {
		return func() bool {
			for _, f := range conn.serverFrames() {
				if f.Type == FrameOutput && f.Data == "hello" {
					return true
				}
			}
			return false
		}
	}
	waitFor(t, hasOutput(connA), "first subscriber never got the output frame")
	waitFor(t, hasOutput(connB), "second subscriber never got the output frame")
}

func TestDetachKeepsChannelAlive(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, sub, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	terminals.Detach(ch, sub)
	if got := terminals.ChannelCount(); got != 1 {
		t.Fatalf("channel count after detach = %d, want 1", got)
	}

	// Reattach lands on the same exec, not a new one.
	conn := &fakeConn{}
	if _, _, err := terminals.Attach(context.Background(), conn, "sess-1", "user-1"); err != nil {
		t.Fatalf("reattach failed: %v", err)
	}
	if got := rt.execCount(); got != 1 {
		t.Errorf("exec calls = %d, want 1", got)
	}
}

func TestStreamEndClosesSubscribers(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	conn, _, _ := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	rt.lastStream().Close()

	waitFor(t, func() bool { return terminals.ChannelCount() == 0 },
		"channel never removed after stream end")

	waitFor(t, func() bool {
		for _, f := range conn.serverFrames() {
			if f.Type == FrameError && f.Message == "terminal session ended" {
				return true
			}
		}
		return false
	}, "final error frame never delivered")
}

func TestDecodeFrameFallback(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   string
	}{
		{name: "json stdin", raw: `{"type":"stdin","data":"x"}`, wantOK: true, want: FrameStdin},
		{name: "json resize", raw: `{"type":"resize","cols":80,"rows":24}`, wantOK: true, want: FrameResize},
		{name: "plain text", raw: "echo hi\n", wantOK: false},
		{name: "empty", raw: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, ok := decodeFrame([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && frame.Type != tt.want {
				t.Errorf("type = %q, want %q", frame.Type, tt.want)
			}
		})
	}
}

func TestChannelCreationDoesNotBlockOtherSessions(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	slowID := rt.addRunningContainer("sess-slow")
	rt.addRunningContainer("sess-fast")
	for _, id := range []string{"sess-slow", "sess-fast"} {
		if _, err := sessions.Status(context.Background(), id); err != nil {
			t.Fatalf("Status(%s) failed: %v", id, err)
		}
	}

	gate := make(chan struct{})
	rt.mu.Lock()
	rt.execGate = gate
	rt.gateContainer = slowID
	rt.mu.Unlock()

	slowDone := make(chan error, 1)
	go func() {
		_, _, err := terminals.Attach(context.Background(), &fakeConn{}, "sess-slow", "user-1")
		slowDone <- err
	}()
	waitFor(t, func() bool { return rt.execStartCount() == 1 },
		"slow attach never reached exec creation")

	fastDone := make(chan error, 1)
	go func() {
		_, _, err := terminals.Attach(context.Background(), &fakeConn{}, "sess-fast", "user-2")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("unrelated attach failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("attach for an unrelated session queued behind a slow channel creation")
	}

	close(gate)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow attach failed: %v", err)
	}
	if got := terminals.ChannelCount(); got != 2 {
		t.Errorf("channel count = %d, want 2", got)
	}
}

func TestHandleMessageResizeRejectsNonPositive(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, _, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	for _, raw := range []string{
		`{"type":"resize","cols":-1,"rows":40}`,
		`{"type":"resize","cols":120,"rows":0}`,
	} {
		if err := terminals.HandleMessage(context.Background(), ch, []byte(raw)); err != nil {
			t.Fatalf("HandleMessage(%s) failed: %v", raw, err)
		}
	}
	if got := rt.resizeCount(); got != 0 {
		t.Errorf("resize calls = %d, want 0", got)
	}
}

func TestHandleMessageResizeFailureIsNonFatal(t *testing.T) {
	terminals, rt, sessions := newTestStack(t)
	_, _, ch := attachRunning(t, terminals, rt, sessions, "sess-1", "user-1")

	rt.mu.Lock()
	rt.resizeErr = hakoerrors.Internal("resize unavailable")
	rt.mu.Unlock()

	raw, _ := json.Marshal(ClientFrame{Type: FrameResize, Cols: 120, Rows: 40})
	if err := terminals.HandleMessage(context.Background(), ch, raw); err != nil {
		t.Errorf("HandleMessage() = %v, want nil; a failed resize must not drop the attachment", err)
	}
}
