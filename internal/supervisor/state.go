package supervisor

// State is the lifecycle state of the supervised process.
//
//	Idle -> Starting -> Running -> ExitedZero | ExitedNonZero
//	Exited* -> RestartScheduled -> Starting | TerminalFailure
//	Starting | Running -> Stopping -> Idle
type State int32

const (
	Idle State = iota
	Starting
	Running
	ExitedZero
	ExitedNonZero
	RestartScheduled
	TerminalFailure
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ExitedZero:
		return "exited_zero"
	case ExitedNonZero:
		return "exited_nonzero"
	case RestartScheduled:
		return "restart_scheduled"
	case TerminalFailure:
		return "terminal_failure"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}
