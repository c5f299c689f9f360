package sessionsync

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const sessionFileSuffix = ".jsonl"

// agentFilePrefix marks internal artifacts that are never synchronized.
const agentFilePrefix = "agent-"

// localSession is one session log file found during the local scan.
type localSession struct {
	remotePath string
	localPath  string
	size       int64
	modTime    time.Time
}

// scanLocal enumerates every session log under every configured local root.
// A root or project directory that cannot be read is skipped with a log line;
// scanning continues for all others. Files written within the idle window are
// presumed to still be receiving writes and are left for a later cycle.
func (e *Engine) scanLocal() []localSession {
	if e.projects == nil {
		return nil
	}
	roots, err := e.projects.Roots()
	if err != nil {
		e.logf("local root discovery failed: %v", err)
		return nil
	}
	now := e.now()
	var sessions []localSession
	for _, root := range roots {
		if e.underCacheMirror(root.Path) {
			continue
		}
		dirs, err := os.ReadDir(root.Path)
		if err != nil {
			e.logf("skipping local root %s: %v", root.Path, err)
			continue
		}
		for _, dir := range dirs {
			if !dir.IsDir() {
				continue
			}
			projectDir := filepath.Join(root.Path, dir.Name())
			if e.underCacheMirror(projectDir) {
				continue
			}
			files, err := os.ReadDir(projectDir)
			if err != nil {
				e.logf("skipping project directory %s: %v", projectDir, err)
				continue
			}
			for _, file := range files {
				if file.IsDir() {
					continue
				}
				name := file.Name()
				if !strings.HasSuffix(name, sessionFileSuffix) || strings.HasPrefix(name, agentFilePrefix) {
					continue
				}
				info, err := file.Info()
				if err != nil {
					continue
				}
				if info.Size() == 0 {
					continue
				}
				if now.Sub(info.ModTime()) < e.minFileIdle {
					continue
				}
				sessions = append(sessions, localSession{
					remotePath: path.Join("hosts", e.hostID, "projects", dir.Name(), name),
					localPath:  filepath.Join(projectDir, name),
					size:       info.Size(),
					modTime:    info.ModTime(),
				})
			}
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].remotePath < sessions[j].remotePath })
	return sessions
}

// projectDirNames lists the distinct project directory names across all
// roots, for the machine descriptor.
func (e *Engine) projectDirNames() []string {
	if e.projects == nil {
		return nil
	}
	roots, err := e.projects.Roots()
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var names []string
	for _, root := range roots {
		dirs, err := os.ReadDir(root.Path)
		if err != nil {
			continue
		}
		for _, dir := range dirs {
			if !dir.IsDir() {
				continue
			}
			if _, ok := seen[dir.Name()]; ok {
				continue
			}
			seen[dir.Name()] = struct{}{}
			names = append(names, dir.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (e *Engine) underCacheMirror(dir string) bool {
	if e.cacheDir == "" {
		return false
	}
	rel, err := filepath.Rel(e.cacheDir, dir)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
