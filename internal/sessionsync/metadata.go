package sessionsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"runtime"

	"github.com/agentworkforce/sessionsync/internal/manifest"
	"github.com/agentworkforce/sessionsync/internal/webdav"
)

const (
	machineFileName    = "machine.json"
	historyFileName    = "history.jsonl"
	sessionNamesRemote = "session-names.json"
)

// mergeMetadata runs the three shared-document protocols after file
// transfers. Every step is best-effort per host: a single host's missing or
// failing documents are logged and skipped, never fatal to the cycle.
func (e *Engine) mergeMetadata(ctx context.Context, hosts []string) bool {
	changed := false
	e.publishDescriptor(ctx)
	if e.fetchDescriptors(ctx, hosts) {
		changed = true
	}
	if e.mergeHistory(ctx, hosts) {
		changed = true
	}
	if e.mergeSessionNames(ctx) {
		changed = true
	}
	return changed
}

// publishDescriptor uploads this machine's descriptor to its own prefix so
// other machines can resolve its display name and platform.
func (e *Engine) publishDescriptor(ctx context.Context) {
	descriptor := MachineDescriptor{
		Name:        e.machineName,
		Platform:    e.platform,
		HostID:      e.hostID,
		ProjectDirs: e.projectDirNames(),
		LastSeen:    e.now(),
	}
	if descriptor.Platform == "" {
		descriptor.Platform = runtime.GOOS
	}
	data, err := json.Marshal(descriptor)
	if err != nil {
		e.logf("encode machine descriptor failed: %v", err)
		return
	}
	if err := e.store.Write(ctx, e.hostPrefix()+"/"+machineFileName, data); err != nil {
		e.logf("publish machine descriptor failed: %v", err)
	}
}

// fetchDescriptors downloads every other host's descriptor into the local
// metadata cache. Hosts that have not published one yet are skipped silently.
func (e *Engine) fetchDescriptors(ctx context.Context, hosts []string) bool {
	if e.machinesDir == "" {
		return false
	}
	changed := false
	for _, host := range hosts {
		data, err := e.store.Read(ctx, "hosts/"+host+"/"+machineFileName)
		if err != nil {
			if errors.Is(err, webdav.ErrNotFound) {
				continue
			}
			e.logf("skipping machine descriptor from host %s: %v", host, err)
			continue
		}
		var descriptor MachineDescriptor
		if err := json.Unmarshal(data, &descriptor); err != nil {
			e.logf("skipping malformed machine descriptor from host %s: %v", host, err)
			continue
		}
		localPath := filepath.Join(e.machinesDir, host+".json")
		if current, err := os.ReadFile(localPath); err == nil && bytes.Equal(current, data) {
			continue
		}
		if err := os.MkdirAll(e.machinesDir, 0o755); err != nil {
			e.logf("create machine descriptor cache failed: %v", err)
			return changed
		}
		if err := writeFileAtomic(localPath, data, 0o644); err != nil {
			e.logf("cache machine descriptor for host %s failed: %v", host, err)
			continue
		}
		changed = true
	}
	return changed
}

// mergeHistory folds the local history document with every other host's copy
// and republishes this machine's merged view to its own prefix. The merged
// result is written back locally only when it differs byte-for-byte from the
// pre-merge content.
func (e *Engine) mergeHistory(ctx context.Context, hosts []string) bool {
	var local []byte
	if e.historyPath != "" {
		if data, err := os.ReadFile(e.historyPath); err == nil {
			local = data
		}
	}
	sources := [][]byte{local}
	for _, host := range hosts {
		data, err := e.store.Read(ctx, "hosts/"+host+"/"+historyFileName)
		if err != nil {
			if errors.Is(err, webdav.ErrNotFound) {
				continue
			}
			e.logf("skipping history from host %s: %v", host, err)
			continue
		}
		sources = append(sources, data)
	}
	merged := mergeHistorySources(sources)

	changed := false
	if !bytes.Equal(merged, local) {
		if e.historyPath != "" {
			if err := os.MkdirAll(filepath.Dir(e.historyPath), 0o755); err != nil {
				e.logf("create history directory failed: %v", err)
				return false
			}
			if err := writeFileAtomic(e.historyPath, merged, 0o644); err != nil {
				e.logf("write merged history failed: %v", err)
				return false
			}
		}
		changed = true
		e.logf("merged shared history (%d bytes)", len(merged))
	}

	if len(merged) == 0 {
		return changed
	}
	remotePath := e.hostPrefix() + "/" + historyFileName
	entry, tracked := e.manifest.Get(remotePath)
	if tracked && entry.Size == int64(len(merged)) && !changed {
		return changed
	}
	if err := e.store.Write(ctx, remotePath, merged); err != nil {
		e.logf("publish history failed: %v", err)
		return changed
	}
	now := e.now()
	e.manifest.Set(remotePath, manifest.Entry{
		Size:            int64(len(merged)),
		LocalModifiedAt: now,
		SyncedAt:        now,
	})
	return changed
}

// mergeSessionNames unions the local overrides document with the shared
// remote one (remote wins on collision) and writes the union to both sides
// unconditionally, so the shared document always reflects the latest
// observed union.
func (e *Engine) mergeSessionNames(ctx context.Context) bool {
	local := readNameOverrides(e.namesPath)
	remote := map[string]string{}
	data, err := e.store.Read(ctx, sessionNamesRemote)
	switch {
	case err == nil:
		if unmarshalErr := json.Unmarshal(data, &remote); unmarshalErr != nil {
			e.logf("ignoring malformed shared session names: %v", unmarshalErr)
			remote = map[string]string{}
		}
	case errors.Is(err, webdav.ErrNotFound):
		// first machine to publish
	default:
		e.logf("skipping session name merge: %v", err)
		return false
	}

	for sessionID, remoteName := range remote {
		if localName, ok := local[sessionID]; ok && localName != remoteName {
			e.logf("session name for %s: remote %q overrides local %q", sessionID, remoteName, localName)
		}
	}
	merged := mergeNameOverrides(local, remote)

	payload, err := json.Marshal(merged)
	if err != nil {
		e.logf("encode session names failed: %v", err)
		return false
	}
	if e.namesPath != "" {
		if err := os.MkdirAll(filepath.Dir(e.namesPath), 0o755); err == nil {
			if err := writeFileAtomic(e.namesPath, payload, 0o644); err != nil {
				e.logf("write local session names failed: %v", err)
			}
		}
	}
	if err := e.store.Write(ctx, sessionNamesRemote, payload); err != nil {
		e.logf("publish session names failed: %v", err)
	}
	return !maps.Equal(local, merged)
}
