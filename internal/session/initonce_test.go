package session_test

import (
	"testing"

	"github.com/calebgw/chirp/internal/session"
)

func TestInitOnce(t *testing.T) {
	init := session.NewInitOnce()

	calls := 0
	if !init.Install("a", func() { calls++ }) {
		t.Error("first install reported not-run")
	}
	if init.Install("a", func() { calls++ }) {
		t.Error("second install of same key reported run")
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}

	if !init.Installed("a") {
		t.Error("Installed(a) = false")
	}
	if init.Installed("b") {
		t.Error("Installed(b) = true")
	}
	if !init.Install("b", func() { calls++ }) {
		t.Error("distinct key did not run")
	}
	if calls != 2 {
		t.Errorf("fn ran %d times, want 2", calls)
	}
}
