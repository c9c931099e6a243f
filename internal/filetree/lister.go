package filetree

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	hakoerrors "github.com/harunnryd/hako/internal/errors"
	"github.com/harunnryd/hako/internal/runtime"
	"github.com/harunnryd/hako/internal/session"
)

// Entry is one name in a directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// Listing is the payload for one cached directory.
type Listing struct {
	SessionID string  `json:"session_id"`
	Path      string  `json:"path"`
	Entries   []Entry `json:"entries"`
}

// Lister serves workspace directory listings through the cache, falling
// back to an exec inside the session container on a miss. Listings are
// refused unless the session is RUNNING.
type Lister struct {
	rt       runtime.Client
	sessions *session.Manager
	cache    *Cache
	mount    string
	timeout  time.Duration
}

func NewLister(rt runtime.Client, sessions *session.Manager, cache *Cache, mount string, timeout time.Duration) *Lister {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Lister{rt: rt, sessions: sessions, cache: cache, mount: mount, timeout: timeout}
}

// List returns the directory listing for a workspace-relative path. The
// second return value reports whether the cache served it.
func (l *Lister) List(ctx context.Context, sessionID, p string) (*Listing, bool, error) {
	if !l.sessions.IsReady(sessionID) {
		return nil, false, hakoerrors.SessionNotReady("session " + sessionID)
	}

	clean := normalizePath(p)
	if listing, ok := l.cache.Get(sessionID, clean); ok {
		return listing, true, nil
	}

	rec, ok := l.sessions.Record(sessionID)
	if !ok || rec.ContainerID == "" {
		return nil, false, hakoerrors.SessionNotReady("session " + sessionID)
	}

	execCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	target := path.Join(l.mount, clean)
	out, err := l.rt.RunExec(execCtx, rec.ContainerID, []string{"ls", "-1Ap", "--", target})
	if err != nil {
		return nil, false, hakoerrors.Wrap(err, "list "+clean)
	}

	listing := &Listing{SessionID: sessionID, Path: clean, Entries: parseListing(out)}
	l.cache.Set(sessionID, clean, listing)

	slog.Debug("Workspace listing refreshed",
		"session_id", sessionID, "path", clean, "entries", len(listing.Entries))
	return listing, false, nil
}

// Invalidate evicts cached listings after a mutation. An empty path
// evicts the whole session.
func (l *Lister) Invalidate(sessionID, p string) int {
	return l.cache.Invalidate(sessionID, p)
}

// parseListing converts `ls -1Ap` output: one name per line, directories
// suffixed with a slash.
func parseListing(out string) []Entry {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if strings.HasSuffix(name, "/") {
			entries = append(entries, Entry{Name: strings.TrimSuffix(name, "/"), IsDir: true})
			continue
		}
		entries = append(entries, Entry{Name: name})
	}
	return entries
}
