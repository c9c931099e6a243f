package runtime

import "strings"

// Resource names are pure functions of the session id so a restarted
// process can relocate a session's container and volume without any
// persisted mapping.
const (
	containerPrefix = "hako-session-"
	volumePrefix    = "hako-workspace-"
)

// Labels stamped on every managed resource.
const (
	LabelManaged   = "hako.managed"
	LabelSessionID = "hako.session_id"
	LabelUserID    = "hako.user_id"
	LabelJobID     = "hako.job_id"
)

func ContainerName(sessionID string) string {
	return containerPrefix + sessionID
}

func VolumeName(sessionID string) string {
	return volumePrefix + sessionID
}

// SessionIDFromContainerName reverses ContainerName. The second return
// value is false for containers this process does not manage.
func SessionIDFromContainerName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, containerPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, containerPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}
