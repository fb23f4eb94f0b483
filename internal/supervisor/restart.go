package supervisor

import (
	"fmt"
	"strings"
	"time"
)

type Policy string

const (
	Never     Policy = "never"
	Always    Policy = "always"
	OnFailure Policy = "on-failure"
)

func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch p {
	case "":
		return OnFailure, nil
	case "onfailure":
		return OnFailure, nil
	case Never, Always, OnFailure:
		return p, nil
	}
	return "", fmt.Errorf("unknown restart policy %q", s)
}

const (
	DefaultRestartDelay = 5 * time.Second
	DefaultMaxAttempts  = 3
	DefaultWindow       = 300 * time.Second
)

type RestartConfig struct {
	Policy      Policy
	Delay       time.Duration
	MaxAttempts int
	Window      time.Duration
}

func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		Policy:      OnFailure,
		Delay:       DefaultRestartDelay,
		MaxAttempts: DefaultMaxAttempts,
		Window:      DefaultWindow,
	}
}

// Accounting is the restart budget carried across restarts of one run.
// WindowStart is the time of the most recent granted restart.
type Accounting struct {
	Attempts    int
	WindowStart time.Time
}

// Decide applies the restart policy at now. Under OnFailure the attempt count is
// reset when more than Window has passed since the last restart, then a restart
// is granted while Attempts < MaxAttempts. Granting consumes one attempt.
func Decide(cfg RestartConfig, acct Accounting, now time.Time) (bool, Accounting) {
	switch cfg.Policy {
	case Never:
		return false, acct
	case Always:
		return true, acct
	}
	if !acct.WindowStart.IsZero() && now.Sub(acct.WindowStart) > cfg.Window {
		acct.Attempts = 0
	}
	if acct.Attempts >= cfg.MaxAttempts {
		return false, acct
	}
	acct.Attempts++
	acct.WindowStart = now
	return true, acct
}
