package version

import "testing"

func TestGet(t *testing.T) {
	GitCommit = "abc123"
	defer func() { GitCommit = "" }()

	info := Get()
	if info.GitCommit != "abc123" {
		t.Errorf("GitCommit = %q, want %q", info.GitCommit, "abc123")
	}
	if info.BuildInfo == nil {
		t.Error("BuildInfo = nil, want populated build info from the test binary")
	}
}
