package version

import (
	"strings"
	"testing"
)

func TestFullIncludesVersionAndCommit(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version, Commit = "1.2.3", "abc123"
	got := Full()
	if !strings.HasPrefix(got, "shellcache ") || !strings.Contains(got, "1.2.3") || !strings.Contains(got, "abc123") {
		t.Fatalf("unexpected version string: %s", got)
	}
}
