// Package sessionsync implements the synchronization engine that keeps
// per-machine conversation-log files consistent across machines through a
// shared WebDAV store.
//
// Each machine writes session files only under its own host prefix
// (hosts/{hostId}/...), which eliminates write conflicts by construction.
// Other machines' files are mirrored into a local cache directory so local
// tooling can read them as ordinary files. A small set of shared metadata
// documents (machine descriptors, append-only history, session name
// overrides) is merged with best-effort protocols.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/sessionsync/internal/manifest"
	"github.com/agentworkforce/sessionsync/internal/webdav"
)

type Options struct {
	// Store is the remote side. A nil store leaves the engine disabled.
	Store RemoteStore

	// Manifest is the sync ledger. A nil manifest gets an in-memory one.
	Manifest *manifest.Manifest

	// HostID is this machine's stable identifier and remote namespace key.
	HostID      string
	MachineName string
	Platform    string

	// Projects supplies the local roots holding project directories of
	// session files.
	Projects ProjectSource

	// CacheDir is the local mirror of other hosts' remote files, laid out
	// exactly as the remote relative paths.
	CacheDir string

	// MachinesDir caches one descriptor document per known other host.
	MachinesDir string

	// HistoryPath and SessionNamesPath are the local copies of the two
	// shared metadata documents.
	HistoryPath      string
	SessionNamesPath string

	// MinFileIdle excludes files written more recently than this from
	// upload plans (default 30s). ModTimeTolerance absorbs filesystem
	// timestamp granularity and clock skew (default 1s).
	MinFileIdle      time.Duration
	ModTimeTolerance time.Duration

	// Notify is called after a cycle that changed local or remote state, so
	// a presentation layer can refresh.
	Notify func()

	Logger Logger

	// Now is overridable for tests.
	Now func() time.Time
}

// Engine runs sync cycles: scan local, scan remote, compute minimal
// upload/download sets, execute them, merge shared metadata. One cycle runs
// at a time; a cycle requested while one is in flight is rejected.
type Engine struct {
	store       RemoteStore
	manifest    *manifest.Manifest
	hostID      string
	machineName string
	platform    string
	projects    ProjectSource
	cacheDir    string
	machinesDir string
	historyPath string
	namesPath   string
	minFileIdle time.Duration
	tolerance   time.Duration
	notify      func()
	logger      Logger
	now         func() time.Time
	activity    *activityLog

	syncing atomic.Bool

	mu            sync.Mutex
	status        Status
	lastErr       error
	lastUploads   int
	lastDownloads int
}

func New(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.CacheDir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	m := opts.Manifest
	if m == nil {
		m = manifest.Open(manifest.NewInMemoryBackend())
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	minFileIdle := opts.MinFileIdle
	if minFileIdle <= 0 {
		minFileIdle = 30 * time.Second
	}
	tolerance := opts.ModTimeTolerance
	if tolerance <= 0 {
		tolerance = time.Second
	}
	platform := strings.TrimSpace(opts.Platform)
	if platform == "" {
		platform = runtime.GOOS
	}
	machineName := strings.TrimSpace(opts.MachineName)
	if machineName == "" {
		machineName = strings.TrimSpace(opts.HostID)
	}
	e := &Engine{
		store:       opts.Store,
		manifest:    m,
		hostID:      strings.TrimSpace(opts.HostID),
		machineName: machineName,
		platform:    platform,
		projects:    opts.Projects,
		cacheDir:    filepath.Clean(opts.CacheDir),
		machinesDir: opts.MachinesDir,
		historyPath: opts.HistoryPath,
		namesPath:   opts.SessionNamesPath,
		minFileIdle: minFileIdle,
		tolerance:   tolerance,
		notify:      opts.Notify,
		logger:      opts.Logger,
		now:         now,
		activity:    newActivityLog(0, now),
		status:      StatusIdle,
	}
	if !e.IsConfigured() {
		e.status = StatusDisabled
	}
	return e, nil
}

// IsConfigured reports whether the engine has everything it needs to reach
// the remote store.
func (e *Engine) IsConfigured() bool {
	return e.store != nil && e.hostID != ""
}

func (e *Engine) Status() Status {
	if !e.IsConfigured() {
		return StatusDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Snapshot() StatusSnapshot {
	snapshot := StatusSnapshot{
		Status:       e.Status().String(),
		Configured:   e.IsConfigured(),
		LastSyncTime: e.manifest.LastSyncTime(),
		TrackedFiles: e.manifest.Len(),
	}
	e.mu.Lock()
	if e.lastErr != nil {
		snapshot.LastError = e.lastErr.Error()
	}
	snapshot.LastUploads = e.lastUploads
	snapshot.LastDownloads = e.lastDownloads
	e.mu.Unlock()
	return snapshot
}

func (e *Engine) RecentActivity() []ActivityEvent {
	return e.activity.recent()
}

func (e *Engine) SubscribeActivity() (<-chan ActivityEvent, func()) {
	return e.activity.subscribe()
}

// TestConnection probes the remote store.
func (e *Engine) TestConnection(ctx context.Context) bool {
	if !e.IsConfigured() {
		return false
	}
	return e.store.TestConnection(ctx)
}

// Sync runs one complete cycle. All triggers (manual, timer, startup)
// serialize through the same guard; a request during a running cycle returns
// ErrSyncInProgress.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.IsConfigured() {
		return ErrNotConfigured
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.setStatus(StatusSyncing, nil)
	e.logf("sync cycle started")
	uploads, downloads, changed, err := e.runCycle(ctx)
	e.mu.Lock()
	e.lastUploads = uploads
	e.lastDownloads = downloads
	e.mu.Unlock()
	if err != nil {
		e.setStatus(StatusError, err)
		e.logf("sync cycle failed: %v", err)
		return err
	}
	e.setStatus(StatusIdle, nil)
	e.logf("sync cycle completed: %d uploaded, %d downloaded", uploads, downloads)
	if changed || uploads > 0 || downloads > 0 {
		e.notifyChanged()
	}
	return nil
}

func (e *Engine) runCycle(ctx context.Context) (uploads, downloads int, changed bool, err error) {
	// The manifest keeps whatever per-file progress was committed before a
	// failure; persist it on both paths so a re-run plans only the rest.
	defer func() {
		if saveErr := e.manifest.Save(); saveErr != nil {
			e.logf("manifest save failed: %v", saveErr)
			if err == nil {
				err = saveErr
			}
		}
	}()

	projectsPrefix := e.hostPrefix() + "/projects"
	if err := e.store.MakeDirectoryRecursive(ctx, projectsPrefix); err != nil {
		return 0, 0, false, fmt.Errorf("prepare remote project directory: %w", err)
	}

	locals := e.scanLocal()

	ownRemote, err := e.store.ListRecursive(ctx, projectsPrefix)
	if err != nil {
		return 0, 0, false, fmt.Errorf("list own remote namespace: %w", err)
	}
	remoteIndex := make(map[string]webdav.RemoteObject, len(ownRemote))
	for _, obj := range ownRemote {
		if !obj.IsDir {
			remoteIndex[obj.Path] = obj
		}
	}

	uploadPlan := e.planUploads(locals, remoteIndex)

	hosts, err := e.discoverHosts(ctx)
	if err != nil {
		return 0, 0, false, fmt.Errorf("discover hosts: %w", err)
	}

	downloadPlan, remoteETags := e.planDownloads(ctx, hosts)

	for _, change := range uploadPlan {
		if err := e.executeUpload(ctx, change); err != nil {
			return uploads, downloads, false, fmt.Errorf("upload %s: %w", change.Path, err)
		}
		uploads++
	}
	for _, change := range downloadPlan {
		if err := e.executeDownload(ctx, change, remoteETags[change.Path]); err != nil {
			return uploads, downloads, false, fmt.Errorf("download %s: %w", change.Path, err)
		}
		downloads++
	}

	changed = e.mergeMetadata(ctx, hosts)

	e.manifest.SetLastSyncTime(e.now())
	return uploads, downloads, changed, nil
}

// planUploads plans one upload for each local session file with no remote
// counterpart, no manifest entry, a size drift, or a local modification newer
// than the manifest's record by more than the tolerance. Exact-equality
// comparison would re-upload on filesystems with coarse timestamps.
func (e *Engine) planUploads(locals []localSession, remoteIndex map[string]webdav.RemoteObject) []FileChange {
	var plan []FileChange
	for _, local := range locals {
		_, onRemote := remoteIndex[local.remotePath]
		entry, tracked := e.manifest.Get(local.remotePath)
		needed := !onRemote ||
			!tracked ||
			entry.Size != local.size ||
			local.modTime.Sub(entry.LocalModifiedAt) > e.tolerance
		if !needed {
			continue
		}
		plan = append(plan, FileChange{
			Path:      local.remotePath,
			Direction: DirectionUpload,
			LocalPath: local.localPath,
			ModTime:   local.modTime,
			Size:      local.size,
		})
	}
	return plan
}

// discoverHosts lists the top-level host directories and returns every host
// other than this machine.
func (e *Engine) discoverHosts(ctx context.Context) ([]string, error) {
	entries, err := e.store.List(ctx, "hosts")
	if err != nil {
		if errors.Is(err, webdav.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var hosts []string
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		host := path.Base(entry.Path)
		if host == "" || host == e.hostID {
			continue
		}
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// planDownloads plans one download for each other host's remote file with no
// cache copy, no manifest entry, or a remote modification newer than the
// manifest's synced-at by more than the tolerance. A listing failure for a
// single host skips that host and continues. Machines never download their
// own files.
func (e *Engine) planDownloads(ctx context.Context, hosts []string) ([]FileChange, map[string]string) {
	var plan []FileChange
	etags := map[string]string{}
	for _, host := range hosts {
		objects, err := e.store.ListRecursive(ctx, "hosts/"+host+"/projects")
		if err != nil {
			if !errors.Is(err, webdav.ErrNotFound) {
				e.logf("skipping session files from host %s: %v", host, err)
			}
			continue
		}
		for _, obj := range objects {
			if obj.IsDir {
				continue
			}
			cachePath := filepath.Join(e.cacheDir, filepath.FromSlash(obj.Path))
			_, statErr := os.Stat(cachePath)
			cached := statErr == nil
			entry, tracked := e.manifest.Get(obj.Path)
			stale := obj.ModTime.Sub(entry.SyncedAt) > e.tolerance
			if cached && tracked && !stale {
				continue
			}
			// An unchanged etag means the staleness is clock skew between
			// machines, not new content.
			if cached && tracked && stale && entry.ETag != "" && entry.ETag == obj.ETag {
				continue
			}
			etags[obj.Path] = obj.ETag
			plan = append(plan, FileChange{
				Path:      obj.Path,
				Direction: DirectionDownload,
				ModTime:   obj.ModTime,
				Size:      obj.Size,
			})
		}
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].Path < plan[j].Path })
	return plan, etags
}

func (e *Engine) executeUpload(ctx context.Context, change FileChange) error {
	data, err := os.ReadFile(change.LocalPath)
	if err != nil {
		return err
	}
	if err := e.store.MakeDirectoryRecursive(ctx, path.Dir(change.Path)); err != nil {
		return err
	}
	if err := e.store.Write(ctx, change.Path, data); err != nil {
		return err
	}
	e.manifest.Set(change.Path, manifest.Entry{
		Size:            int64(len(data)),
		LocalModifiedAt: change.ModTime,
		SyncedAt:        e.now(),
	})
	e.logf("uploaded %s (%d bytes)", change.Path, len(data))
	return nil
}

func (e *Engine) executeDownload(ctx context.Context, change FileChange, etag string) error {
	data, err := e.store.Read(ctx, change.Path)
	if err != nil {
		return err
	}
	localPath := filepath.Join(e.cacheDir, filepath.FromSlash(change.Path))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(localPath, data, 0o644); err != nil {
		return err
	}
	e.manifest.Set(change.Path, manifest.Entry{
		Size:            int64(len(data)),
		LocalModifiedAt: change.ModTime,
		SyncedAt:        e.now(),
		ETag:            etag,
	})
	e.logf("downloaded %s (%d bytes)", change.Path, len(data))
	return nil
}

// DeleteRemoteCopy propagates a session deletion. The remote file is deleted
// only when it lives under this machine's own prefix; a cached mirror of
// another host's file is not owned by this machine and only the local copy
// and manifest entry are removed. A 404 on delete is already-satisfied.
func (e *Engine) DeleteRemoteCopy(ctx context.Context, remotePath string) error {
	remotePath = strings.Trim(path.Clean(strings.TrimSpace(remotePath)), "/")
	if remotePath == "" || remotePath == "." || strings.Contains(remotePath, "..") {
		return fmt.Errorf("invalid remote path %q", remotePath)
	}
	if e.IsConfigured() && strings.HasPrefix(remotePath, e.hostPrefix()+"/") {
		if err := e.store.Delete(ctx, remotePath); err != nil {
			return err
		}
		e.logf("deleted remote copy %s", remotePath)
	}
	cachePath := filepath.Join(e.cacheDir, filepath.FromSlash(remotePath))
	if err := os.Remove(cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logf("remove cache mirror copy %s failed: %v", cachePath, err)
	}
	e.manifest.Remove(remotePath)
	if err := e.manifest.Save(); err != nil {
		e.logf("manifest save failed: %v", err)
	}
	e.notifyChanged()
	return nil
}

func (e *Engine) hostPrefix() string {
	return "hosts/" + e.hostID
}

func (e *Engine) setStatus(status Status, err error) {
	e.mu.Lock()
	e.status = status
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) notifyChanged() {
	if e.notify != nil {
		e.notify()
	}
}

// logf records a line in the activity feed and forwards it to the logger.
func (e *Engine) logf(format string, args ...any) {
	event := e.activity.appendf(format, args...)
	if e.logger != nil {
		e.logger.Printf("%s", event.Message)
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
