package session

import "time"

// State is the last observed (or last caused) lifecycle state of a session.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateError    State = "ERROR"
)

// Record is the in-process view of one user's sandbox. Writers mutate a
// private copy under the session's lock and publish it through the store,
// whose snapshot semantics keep unlocked readers race free. Records are
// never deleted; after a process restart they are rebuilt by runtime
// discovery.
type Record struct {
	SessionID    string     `json:"session_id"`
	State        State      `json:"state"`
	ContainerID  string     `json:"container_id,omitempty"`
	VolumeName   string     `json:"volume_name,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	JobID        string     `json:"job_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastReadyAt  *time.Time `json:"last_ready_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.LastReadyAt != nil {
		t := *r.LastReadyAt
		clone.LastReadyAt = &t
	}
	return &clone
}

// Status is the answer to a status query: the record plus the runtime
// resource existence observed during the same query.
type Status struct {
	Record
	ContainerExists bool `json:"container_exists"`
	VolumeExists    bool `json:"volume_exists"`
}

type StartStatus string

const (
	StartStatusStarting        StartStatus = "starting"
	StartStatusAlreadyRunning  StartStatus = "already_running"
	StartStatusAlreadyStarting StartStatus = "already_starting"
	StartStatusConflict        StartStatus = "conflict"
)

type StartResult struct {
	Status StartStatus `json:"status"`
	JobID  string      `json:"job_id,omitempty"`
}

type StopStatus string

const (
	StopStatusStopped         StopStatus = "stopped"
	StopStatusAlreadyStopped  StopStatus = "already_stopped"
	StopStatusAlreadyStopping StopStatus = "already_stopping"
	StopStatusConflict        StopStatus = "conflict"
	StopStatusError           StopStatus = "error"
)

type StopResult struct {
	Status StopStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}
