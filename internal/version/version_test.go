package version

import "testing"

func TestString(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildTime
	defer func() { Version, Commit, BuildTime = oldV, oldC, oldB }()

	Version, Commit, BuildTime = "1.2.3", "abc1234", "2026-01-02T03:04:05Z"

	want := "1.2.3 (abc1234) built 2026-01-02T03:04:05Z"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := UserAgent(); got != "blocklink/1.2.3" {
		t.Errorf("UserAgent() = %q, want %q", got, "blocklink/1.2.3")
	}
}
