package sessionsync

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/sessionsync/internal/webdav"
)

var (
	// ErrNotConfigured short-circuits a cycle before any network call when
	// the engine is missing its remote store or host identity.
	ErrNotConfigured = errors.New("sync is not configured")

	// ErrSyncInProgress is the explicit "already in progress" signal for a
	// cycle requested while one is running. Requests are rejected, never
	// queued.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// RemoteStore is the narrow protocol the engine needs from the remote side.
// webdav.Client satisfies it; tests provide in-memory fakes.
type RemoteStore interface {
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, path string) ([]webdav.RemoteObject, error)
	ListRecursive(ctx context.Context, path string) ([]webdav.RemoteObject, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	MakeDirectoryRecursive(ctx context.Context, path string) error
	TestConnection(ctx context.Context) bool
}

type Logger interface {
	Printf(format string, args ...any)
}

// Status is the externally visible engine state.
type Status int

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusError
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Direction distinguishes the two transfer kinds of a FileChange.
type Direction int

const (
	DirectionUpload Direction = iota
	DirectionDownload
)

func (d Direction) String() string {
	if d == DirectionDownload {
		return "download"
	}
	return "upload"
}

// FileChange is one planned transfer. Exactly one direction per instance;
// planned once, consumed once by the executor, never mutated in between.
type FileChange struct {
	Path      string // remote relative path
	Direction Direction
	LocalPath string // uploads only
	ModTime   time.Time
	Size      int64
}

// MachineDescriptor is published to this machine's own host prefix and
// fetched read-only by every other machine.
type MachineDescriptor struct {
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	HostID      string    `json:"hostId"`
	ProjectDirs []string  `json:"projectDirs"`
	LastSeen    time.Time `json:"lastSeen"`
}

// LocalRoot is one locally tracked directory of project directories, with
// the name other machines should display for it.
type LocalRoot struct {
	Path string
	Name string
}

// ProjectSource supplies the local roots to scan. The presentation layer
// owns root discovery; the engine only walks what it is given.
type ProjectSource interface {
	Roots() ([]LocalRoot, error)
}

// StaticRoots is a ProjectSource over a fixed root list.
type StaticRoots []LocalRoot

func (r StaticRoots) Roots() ([]LocalRoot, error) {
	return []LocalRoot(r), nil
}

// StatusSnapshot is the point-in-time view exposed over the status API.
type StatusSnapshot struct {
	Status        string    `json:"status"`
	Configured    bool      `json:"configured"`
	LastSyncTime  time.Time `json:"lastSyncTime"`
	LastError     string    `json:"lastError,omitempty"`
	TrackedFiles  int       `json:"trackedFiles"`
	LastUploads   int       `json:"lastUploads"`
	LastDownloads int       `json:"lastDownloads"`
}
