// Package manifest persists the per-path synchronization ledger. The manifest
// is the only source of truth for "have I already synced this": an entry
// exists only for a path that has been transferred at least once in either
// direction.
package manifest

import (
	"sync"
	"time"
)

const documentVersion = 1

// Entry records what was known about a remote path when it was last
// transferred.
type Entry struct {
	Size            int64     `json:"size"`
	LocalModifiedAt time.Time `json:"localModifiedAt"`
	SyncedAt        time.Time `json:"syncedAt"`
	ETag            string    `json:"etag,omitempty"`
}

// Document is the persisted shape: a flat mapping plus a single last-sync
// scalar.
type Document struct {
	Version      int              `json:"version"`
	LastSyncTime time.Time        `json:"lastSyncTime"`
	Files        map[string]Entry `json:"files"`
}

// Backend loads and stores manifest snapshots. Save is a whole-document
// overwrite.
type Backend interface {
	Load() (*Document, error)
	Save(*Document) error
}

// Manifest is the in-memory ledger. Mutations are cheap; durability happens
// once per sync cycle through Save.
type Manifest struct {
	backend Backend

	mu  sync.Mutex
	doc Document
}

// Open loads the manifest from its backend. Load is best-effort: a missing or
// corrupt snapshot yields an empty manifest rather than a failure, because
// first-run and corruption are indistinguishable and both must be
// recoverable.
func Open(backend Backend) *Manifest {
	m := &Manifest{
		backend: backend,
		doc:     Document{Version: documentVersion, Files: map[string]Entry{}},
	}
	if backend == nil {
		return m
	}
	doc, err := backend.Load()
	if err != nil || doc == nil {
		return m
	}
	if doc.Files == nil {
		doc.Files = map[string]Entry{}
	}
	doc.Version = documentVersion
	m.doc = *doc
	return m
}

func (m *Manifest) Get(path string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.doc.Files[path]
	return entry, ok
}

func (m *Manifest) Set(path string, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Files[path] = entry
}

func (m *Manifest) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc.Files, path)
}

func (m *Manifest) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.LastSyncTime
}

func (m *Manifest) SetLastSyncTime(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.LastSyncTime = ts
}

// Entries returns a copy of the full mapping.
func (m *Manifest) Entries() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := make(map[string]Entry, len(m.doc.Files))
	for path, entry := range m.doc.Files {
		files[path] = entry
	}
	return files
}

func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.doc.Files)
}

// Save writes the whole document through the backend. The snapshot is copied
// under the lock so the backend never observes a map being mutated.
func (m *Manifest) Save() error {
	if m.backend == nil {
		return nil
	}
	m.mu.Lock()
	snapshot := Document{
		Version:      m.doc.Version,
		LastSyncTime: m.doc.LastSyncTime,
		Files:        make(map[string]Entry, len(m.doc.Files)),
	}
	for path, entry := range m.doc.Files {
		snapshot.Files[path] = entry
	}
	m.mu.Unlock()
	return m.backend.Save(&snapshot)
}
