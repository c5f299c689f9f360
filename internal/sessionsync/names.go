package sessionsync

import (
	"encoding/json"
	"os"
)

// mergeNameOverrides is a shallow union of the session display-name
// overrides. On key collision the remote value wins; this is a best-effort
// policy, so a rename made concurrently on another machine can override a
// local one within a sync window.
func mergeNameOverrides(local, remote map[string]string) map[string]string {
	merged := make(map[string]string, len(local)+len(remote))
	for sessionID, name := range local {
		merged[sessionID] = name
	}
	for sessionID, name := range remote {
		merged[sessionID] = name
	}
	return merged
}

// readNameOverrides loads a local overrides document. Missing and corrupt
// files both read as empty.
func readNameOverrides(path string) map[string]string {
	if path == "" {
		return map[string]string{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}
	names := map[string]string{}
	if err := json.Unmarshal(data, &names); err != nil {
		return map[string]string{}
	}
	return names
}
