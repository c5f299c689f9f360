package sessionsync

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMergeNameOverridesUnionRemoteWins(t *testing.T) {
	local := map[string]string{"s1": "Local", "s2": "Local Only"}
	remote := map[string]string{"s1": "Remote", "s3": "Remote Only"}

	merged := mergeNameOverrides(local, remote)
	want := map[string]string{"s1": "Remote", "s2": "Local Only", "s3": "Remote Only"}
	if len(merged) != len(want) {
		t.Fatalf("merged has %d entries, want %d", len(merged), len(want))
	}
	for k, v := range want {
		if merged[k] != v {
			t.Fatalf("merged[%s] = %q, want %q", k, merged[k], v)
		}
	}
}

func TestMergeNameOverridesDoesNotMutateInputs(t *testing.T) {
	local := map[string]string{"s1": "Local"}
	remote := map[string]string{"s1": "Remote"}
	_ = mergeNameOverrides(local, remote)
	if local["s1"] != "Local" {
		t.Fatalf("local map mutated: %v", local)
	}
}

func TestReadNameOverridesMissingFile(t *testing.T) {
	got := readNameOverrides(filepath.Join(t.TempDir(), "absent.json"))
	if len(got) != 0 {
		t.Fatalf("got %v, want empty map", got)
	}
}

func TestReadNameOverridesCorruptFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "names.json")
	if err := os.WriteFile(p, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readNameOverrides(p)
	if len(got) != 0 {
		t.Fatalf("got %v, want empty map", got)
	}
}
