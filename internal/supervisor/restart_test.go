package supervisor

import (
	"testing"
	"time"
)

func TestDecideWindowResetAfterGap(t *testing.T) {
	cfg := RestartConfig{Policy: OnFailure, MaxAttempts: 3, Window: 300 * time.Second}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var acct Accounting
	var ok bool
	for i, at := range []time.Duration{0, 100 * time.Second, 200 * time.Second} {
		ok, acct = Decide(cfg, acct, t0.Add(at))
		if !ok {
			t.Fatalf("failure %d: restart refused", i+1)
		}
	}
	if acct.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", acct.Attempts)
	}
	ok, acct = Decide(cfg, acct, t0.Add(501*time.Second))
	if !ok {
		t.Fatal("fourth failure 301s after the third must be allowed")
	}
	if acct.Attempts != 1 {
		t.Fatalf("attempts after reset = %d, want 1", acct.Attempts)
	}
}

func TestDecideDeniesInsideWindow(t *testing.T) {
	cfg := RestartConfig{Policy: OnFailure, MaxAttempts: 3, Window: 300 * time.Second}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var acct Accounting
	var ok bool
	for _, at := range []time.Duration{0, 100 * time.Second, 200 * time.Second} {
		ok, acct = Decide(cfg, acct, t0.Add(at))
		if !ok {
			t.Fatal("restart refused early")
		}
	}
	before := acct
	ok, acct = Decide(cfg, acct, t0.Add(290*time.Second))
	if ok {
		t.Fatal("fourth failure inside the window must be denied")
	}
	if acct != before {
		t.Fatalf("denied decision changed accounting: %+v -> %+v", before, acct)
	}
}

func TestDecideExactWindowDoesNotReset(t *testing.T) {
	cfg := RestartConfig{Policy: OnFailure, MaxAttempts: 1, Window: time.Minute}
	t0 := time.Now()
	ok, acct := Decide(cfg, Accounting{}, t0)
	if !ok {
		t.Fatal("first restart refused")
	}
	if ok, _ = Decide(cfg, acct, t0.Add(time.Minute)); ok {
		t.Fatal("a gap equal to the window must not reset")
	}
}

func TestDecidePolicies(t *testing.T) {
	now := time.Now()
	full := Accounting{Attempts: 100, WindowStart: now}
	if ok, _ := Decide(RestartConfig{Policy: Never, MaxAttempts: 5}, Accounting{}, now); ok {
		t.Fatal("never must not restart")
	}
	ok, acct := Decide(RestartConfig{Policy: Always, MaxAttempts: 1}, full, now)
	if !ok || acct != full {
		t.Fatalf("always must restart without counting: ok=%v acct=%+v", ok, acct)
	}
	if ok, _ := Decide(RestartConfig{Policy: OnFailure, MaxAttempts: 0, Window: time.Hour}, Accounting{}, now); ok {
		t.Fatal("zero attempts must not restart")
	}
}

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{"": OnFailure, "on-failure": OnFailure, "on_failure": OnFailure, "OnFailure": OnFailure, "always": Always, "never": Never}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStateString(t *testing.T) {
	if Running.String() != "running" || TerminalFailure.String() != "terminal_failure" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
