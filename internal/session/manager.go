package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/hako/internal/concurrency"
	hakoerrors "github.com/harunnryd/hako/internal/errors"
	"github.com/harunnryd/hako/internal/runtime"
)

// Options configures a Manager.
type Options struct {
	Image          string
	WorkspaceMount string
	StopGrace      time.Duration
	RequestTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager is the session state machine. It owns every transition between
// the session record and the real runtime state: discovery of existing
// resources, idempotent start/stop serialized per session id, background
// container creation, and the idle sweep.
type Manager struct {
	rt    runtime.Client
	store Store
	locks *concurrency.SessionLockManager
	opts  Options
	now   func() time.Time

	subMu sync.RWMutex
	subs  map[string]map[string]Subscriber

	// Background creation tasks are tracked so shutdown can wait for them
	// instead of abandoning half-created containers.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
	wg         sync.WaitGroup
}

func NewManager(rt runtime.Client, store Store, opts Options) *Manager {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		rt:       rt,
		store:    store,
		locks:    concurrency.NewSessionLockManager(),
		opts:     opts,
		now:      now,
		subs:     make(map[string]map[string]Subscriber),
		inflight: make(map[string]struct{}),
	}
}

// Status reports the session's state, reconciling the record against the
// live runtime. Unknown sessions go through discovery first.
func (m *Manager) Status(ctx context.Context, sessionID string) (*Status, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)
	return m.statusLocked(ctx, sessionID)
}

func (m *Manager) statusLocked(ctx context.Context, sessionID string) (*Status, error) {
	info, containerExists, err := m.findContainer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	volCtx, cancel := m.bounded(ctx)
	volumeExists, err := m.rt.VolumeExists(volCtx, runtime.VolumeName(sessionID))
	cancel()
	if err != nil {
		return nil, err
	}

	rec, known := m.store.Get(sessionID)
	if !known {
		rec = m.discover(sessionID, info)
	} else {
		m.reconcileLocked(rec, info)
	}
	m.store.Upsert(rec)

	return &Status{
		Record:          *rec,
		ContainerExists: containerExists,
		VolumeExists:    volumeExists,
	}, nil
}

// discover derives an initial record for a session this process has never
// seen, from the runtime resources alone.
func (m *Manager) discover(sessionID string, info *runtime.ContainerInfo) *Record {
	rec := &Record{
		SessionID: sessionID,
		State:     StateStopped,
		CreatedAt: m.now(),
	}

	if info != nil {
		rec.ContainerID = info.ID
		rec.VolumeName = runtime.VolumeName(sessionID)
		rec.UserID = info.Labels[runtime.LabelUserID]
		if info.Running {
			rec.State = StateRunning
			t := m.now()
			rec.LastReadyAt = &t
		}
	}

	slog.Info("Session discovered",
		"session_id", sessionID,
		"state", rec.State,
		"container_exists", info != nil)
	return rec
}

// reconcileLocked folds the live container state into an existing record.
// Only RUNNING and STARTING records can drift: a container stopped or
// removed behind our back moves the session to STOPPED.
func (m *Manager) reconcileLocked(rec *Record, info *runtime.ContainerInfo) {
	switch rec.State {
	case StateRunning:
		if info == nil || !info.Running {
			slog.Warn("Session container no longer running, reconciling",
				"session_id", rec.SessionID)
			rec.State = StateStopped
			rec.LastReadyAt = nil
		} else {
			rec.ContainerID = info.ID
		}
	case StateStarting:
		// Creation is in flight; an already-running container means the
		// background task finished its runtime work but has not yet taken
		// the lock. Let it publish RUNNING itself.
	}
}

// Start is idempotent: concurrent callers for the same session observe
// exactly one transition to STARTING and one container-creation sequence.
// The creation runs detached; callers poll Status for completion.
func (m *Manager) Start(ctx context.Context, sessionID, userID string) (*StartResult, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	status, err := m.statusLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec, _ := m.store.Get(sessionID)
	switch status.State {
	case StateRunning:
		return &StartResult{Status: StartStatusAlreadyRunning}, nil
	case StateStarting:
		return &StartResult{Status: StartStatusAlreadyStarting, JobID: rec.JobID}, nil
	case StateStopping:
		return &StartResult{Status: StartStatusConflict}, nil
	}

	rec.State = StateStarting
	rec.JobID = ulid.Make().String()
	rec.ErrorMessage = ""
	if userID != "" {
		rec.UserID = userID
	}
	m.store.Upsert(rec)

	m.trackCreation(sessionID, rec.JobID, rec.UserID)

	slog.Info("Session start accepted",
		"session_id", sessionID, "job_id", rec.JobID, "user_id", rec.UserID)
	return &StartResult{Status: StartStatusStarting, JobID: rec.JobID}, nil
}

func (m *Manager) trackCreation(sessionID, jobID, userID string) {
	m.inflightMu.Lock()
	m.inflight[sessionID] = struct{}{}
	m.inflightMu.Unlock()
	m.wg.Add(1)

	concurrency.SafeGo(func() {
		defer m.wg.Done()
		defer func() {
			m.inflightMu.Lock()
			delete(m.inflight, sessionID)
			m.inflightMu.Unlock()
		}()

		// Detached from the originating request on purpose: the caller has
		// already been answered and polls Status for the outcome.
		containerID, err := m.createSession(context.Background(), sessionID, jobID, userID)
		m.finishCreation(sessionID, containerID, err)
	}, nil)
}

// createSession ensures the volume exists, then reuses, restarts, or
// recreates the session container. A container that disappears between
// discovery and use is recreated, never treated as fatal.
func (m *Manager) createSession(ctx context.Context, sessionID, jobID, userID string) (string, error) {
	volName := runtime.VolumeName(sessionID)
	labels := map[string]string{
		runtime.LabelSessionID: sessionID,
		runtime.LabelJobID:     jobID,
	}
	if userID != "" {
		labels[runtime.LabelUserID] = userID
	}

	volCtx, cancel := m.bounded(ctx)
	err := m.rt.EnsureVolume(volCtx, volName, labels)
	cancel()
	if err != nil {
		return "", hakoerrors.Wrap(err, "ensure volume")
	}

	info, exists, err := m.findContainer(ctx, sessionID)
	if err != nil {
		return "", err
	}

	if exists && info.Running {
		return info.ID, nil
	}

	if exists {
		startCtx, cancel := m.bounded(ctx)
		err = m.rt.StartContainer(startCtx, info.ID)
		cancel()
		if err == nil {
			return info.ID, nil
		}
		slog.Warn("Existing session container unrecoverable, recreating",
			"session_id", sessionID, "container_id", info.ID, "error", err)

		rmCtx, cancel := m.bounded(ctx)
		err = m.rt.RemoveContainer(rmCtx, info.ID)
		cancel()
		if err != nil {
			return "", hakoerrors.Wrap(err, "remove stale container")
		}
	}

	createCtx, cancel := m.bounded(ctx)
	containerID, err := m.rt.CreateContainer(createCtx, runtime.CreateContainerOptions{
		Name:       runtime.ContainerName(sessionID),
		Image:      m.opts.Image,
		VolumeName: volName,
		MountPath:  m.opts.WorkspaceMount,
		Labels:     labels,
	})
	cancel()
	if err != nil {
		return "", fmt.Errorf("create container: %v: %w", err, hakoerrors.ErrCreationFailed)
	}

	startCtx, cancel := m.bounded(ctx)
	err = m.rt.StartContainer(startCtx, containerID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("start container: %v: %w", err, hakoerrors.ErrCreationFailed)
	}
	return containerID, nil
}

// finishCreation publishes the outcome of a background creation under the
// session lock and notifies attached subscribers.
func (m *Manager) finishCreation(sessionID, containerID string, createErr error) {
	m.locks.Lock(sessionID)
	rec, ok := m.store.Get(sessionID)
	if !ok || rec.State != StateStarting {
		// A concurrent transition superseded this creation.
		m.locks.Unlock(sessionID)
		return
	}

	if createErr != nil {
		rec.State = StateError
		rec.ErrorMessage = createErr.Error()
		m.store.Upsert(rec)
		m.locks.Unlock(sessionID)

		slog.Error("Session creation failed", "session_id", sessionID, "error", createErr)
		m.Notify(sessionID, Event{Type: EventSessionError, SessionID: sessionID, Message: createErr.Error()})
		return
	}

	rec.State = StateRunning
	rec.ContainerID = containerID
	rec.VolumeName = runtime.VolumeName(sessionID)
	rec.ErrorMessage = ""
	t := m.now()
	rec.LastReadyAt = &t
	m.store.Upsert(rec)
	m.locks.Unlock(sessionID)

	slog.Info("Session running", "session_id", sessionID, "container_id", containerID)
	m.Notify(sessionID, Event{Type: EventSessionReady, SessionID: sessionID})
}

// EnsureRunning brings the session to RUNNING synchronously and returns
// its record. Terminal attaches need an immediate exec target, so unlike
// Start the creation sequence runs inline under the session lock.
func (m *Manager) EnsureRunning(ctx context.Context, sessionID, userID string) (*Record, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	status, err := m.statusLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec, _ := m.store.Get(sessionID)
	switch status.State {
	case StateRunning:
		return rec, nil
	case StateStarting:
		return nil, hakoerrors.SessionNotReady("session is starting")
	case StateStopping:
		return nil, hakoerrors.Conflict("session is stopping")
	}

	jobID := ulid.Make().String()
	rec.State = StateStarting
	rec.JobID = jobID
	rec.ErrorMessage = ""
	if userID != "" {
		rec.UserID = userID
	}
	m.store.Upsert(rec)

	containerID, err := m.createSession(ctx, sessionID, jobID, rec.UserID)
	if err != nil {
		rec.State = StateError
		rec.ErrorMessage = err.Error()
		m.store.Upsert(rec)
		return nil, err
	}

	rec.State = StateRunning
	rec.ContainerID = containerID
	rec.VolumeName = runtime.VolumeName(sessionID)
	t := m.now()
	rec.LastReadyAt = &t
	m.store.Upsert(rec)

	slog.Info("Session running (synchronous start)", "session_id", sessionID)
	return rec, nil
}

// Stop gracefully halts the session container and closes every attached
// subscriber. Idempotent: repeat calls report already_stopped/stopping
// without touching the runtime.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*StopResult, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	status, err := m.statusLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec, _ := m.store.Get(sessionID)
	switch status.State {
	case StateStopped:
		return &StopResult{Status: StopStatusAlreadyStopped}, nil
	case StateStopping:
		return &StopResult{Status: StopStatusAlreadyStopping}, nil
	case StateStarting:
		return &StopResult{Status: StopStatusConflict, Error: "session is starting; retry once it is running"}, nil
	case StateError:
		if rec.ContainerID == "" {
			return &StopResult{Status: StopStatusAlreadyStopped}, nil
		}
	}

	rec.State = StateStopping
	m.store.Upsert(rec)

	stopCtx, cancel := context.WithTimeout(ctx, m.opts.StopGrace+m.opts.RequestTimeout)
	err = m.rt.StopContainer(stopCtx, rec.ContainerID, m.opts.StopGrace)
	cancel()
	if err != nil && !errors.Is(err, hakoerrors.ErrResourceNotFound) {
		rec.State = StateError
		rec.ErrorMessage = err.Error()
		m.store.Upsert(rec)
		slog.Error("Session stop failed", "session_id", sessionID, "error", err)
		return &StopResult{Status: StopStatusError, Error: err.Error()}, fmt.Errorf("stop session: %v: %w", err, hakoerrors.ErrStopFailed)
	}

	m.closeSubscribers(sessionID, CloseSessionStopped, "session stopped")

	rec.State = StateStopped
	rec.LastReadyAt = nil
	rec.ErrorMessage = ""
	m.store.Upsert(rec)

	slog.Info("Session stopped", "session_id", sessionID)
	return &StopResult{Status: StopStatusStopped}, nil
}

// IsReady is a fast preflight guard: true iff the last observed state is
// RUNNING. It takes no session lock and never touches the runtime.
func (m *Manager) IsReady(sessionID string) bool {
	rec, ok := m.store.Get(sessionID)
	return ok && rec.State == StateRunning
}

// Record returns the cached record without reconciliation.
func (m *Manager) Record(sessionID string) (*Record, bool) {
	return m.store.Get(sessionID)
}

// CleanupInactive stops every RUNNING session whose last ready time is
// older than maxInactive and returns the number stopped. Runs from the
// periodic sweep, never inline with user requests.
func (m *Manager) CleanupInactive(ctx context.Context, maxInactive time.Duration) int {
	cutoff := m.now().Add(-maxInactive)
	stopped := 0

	for _, rec := range m.store.List() {
		if rec.State != StateRunning || rec.LastReadyAt == nil || rec.LastReadyAt.After(cutoff) {
			continue
		}

		res, err := m.Stop(ctx, rec.SessionID)
		if err != nil {
			slog.Warn("Idle sweep failed to stop session",
				"session_id", rec.SessionID, "error", err)
			continue
		}
		if res.Status == StopStatusStopped {
			slog.Info("Idle session reclaimed", "session_id", rec.SessionID)
			stopped++
		}
	}
	return stopped
}

// Reconcile rebuilds records for every managed container found in the
// runtime. Called once at startup so sessions survive a process restart.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	listCtx, cancel := m.bounded(ctx)
	infos, err := m.rt.ListManagedContainers(listCtx)
	cancel()
	if err != nil {
		return 0, hakoerrors.Wrap(err, "enumerate managed containers")
	}

	count := 0
	for _, info := range infos {
		sessionID, ok := runtime.SessionIDFromContainerName(info.Name)
		if !ok {
			sessionID = info.Labels[runtime.LabelSessionID]
		}
		if sessionID == "" {
			continue
		}
		if _, err := m.Status(ctx, sessionID); err != nil {
			slog.Warn("Reconcile failed for session", "session_id", sessionID, "error", err)
			continue
		}
		count++
	}

	slog.Info("Session reconciliation complete", "sessions", count)
	return count, nil
}

// InFlight reports how many background creations are still running.
// Surfaced through health reporting so an operator can tell a quiet daemon
// from one stuck mid-creation.
func (m *Manager) InFlight() int {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	return len(m.inflight)
}

// Counts returns total and running session counts for health reporting.
func (m *Manager) Counts() (total, running int) {
	for _, rec := range m.store.List() {
		total++
		if rec.State == StateRunning {
			running++
		}
	}
	return total, running
}

// RegisterSubscriber attaches a live network client to the session's
// lifecycle notifications.
func (m *Manager) RegisterSubscriber(sessionID string, sub Subscriber) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	set, ok := m.subs[sessionID]
	if !ok {
		set = make(map[string]Subscriber)
		m.subs[sessionID] = set
	}
	set[sub.ID()] = sub
}

func (m *Manager) UnregisterSubscriber(sessionID, subID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if set, ok := m.subs[sessionID]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(m.subs, sessionID)
		}
	}
}

// Notify delivers an event to every subscriber of the session and drops
// any whose delivery fails.
func (m *Manager) Notify(sessionID string, evt Event) {
	m.subMu.RLock()
	subs := make([]Subscriber, 0, len(m.subs[sessionID]))
	for _, sub := range m.subs[sessionID] {
		subs = append(subs, sub)
	}
	m.subMu.RUnlock()

	for _, sub := range subs {
		if err := sub.Deliver(evt); err != nil {
			slog.Warn("Dropping unresponsive subscriber",
				"session_id", sessionID, "subscriber_id", sub.ID(), "error", err)
			m.UnregisterSubscriber(sessionID, sub.ID())
		}
	}
}

func (m *Manager) closeSubscribers(sessionID string, code int, reason string) {
	m.subMu.Lock()
	set := m.subs[sessionID]
	delete(m.subs, sessionID)
	m.subMu.Unlock()

	for _, sub := range set {
		if err := sub.Close(code, reason); err != nil {
			slog.Debug("Subscriber close failed",
				"session_id", sessionID, "subscriber_id", sub.ID(), "error", err)
		}
	}
}

// Wait blocks until in-flight background creations finish or the context
// expires. Used during daemon shutdown.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) findContainer(ctx context.Context, sessionID string) (*runtime.ContainerInfo, bool, error) {
	findCtx, cancel := m.bounded(ctx)
	defer cancel()

	info, err := m.rt.FindContainer(findCtx, runtime.ContainerName(sessionID))
	if err != nil {
		if errors.Is(err, hakoerrors.ErrResourceNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return info, true, nil
}

func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.RequestTimeout)
}
