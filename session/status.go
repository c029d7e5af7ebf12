package session

import "github.com/pkg/errors"

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRunning      Phase = "running"
	PhaseAwaitingUser Phase = "awaiting_user"
	PhaseTerminated   Phase = "terminated"
	PhaseFailed       Phase = "failed"
)

// Terminated reasons.
const (
	ReasonGoalMet   = "goal_met"
	ReasonMaxTurns  = "max_turns"
	ReasonCancelled = "cancelled"
	ReasonTimeLimit = "time_limit"
)

// Status is the session state machine's current node plus its variant
// payload: Progress while running, Reason when terminated, Error when
// failed.
type Status struct {
	Phase    Phase    `json:"phase"`
	Progress *float64 `json:"progress,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func Idle() Status         { return Status{Phase: PhaseIdle} }
func Running() Status      { return Status{Phase: PhaseRunning} }
func AwaitingUser() Status { return Status{Phase: PhaseAwaitingUser} }

func Terminated(reason string) Status {
	return Status{Phase: PhaseTerminated, Reason: reason}
}
func Failed(err error) Status {
	s := Status{Phase: PhaseFailed}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func RunningWithProgress(p float64) Status {
	return Status{Phase: PhaseRunning, Progress: &p}
}

// Absorbing reports whether no further mutation is allowed.
func (s Status) Absorbing() bool {
	return s.Phase == PhaseTerminated || s.Phase == PhaseFailed
}

// ValidateTransition checks a proposed edge of the state machine.
// Failed is reachable from anywhere; absorbing states have no exits.
func ValidateTransition(from, to Status) error {
	if to.Phase == PhaseFailed {
		return nil
	}
	ok := false
	switch from.Phase {
	case PhaseIdle:
		ok = to.Phase == PhaseRunning || to.Phase == PhaseTerminated
	case PhaseRunning:
		ok = to.Phase == PhaseRunning || to.Phase == PhaseAwaitingUser || to.Phase == PhaseTerminated
	case PhaseAwaitingUser:
		ok = to.Phase == PhaseRunning || to.Phase == PhaseTerminated
	}
	if !ok {
		return errors.WithMessagef(ErrInvalidTransition, "%s -> %s", from.Phase, to.Phase)
	}
	return nil
}
