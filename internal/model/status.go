package model

import "fmt"

type Status string

const (
	StatusPending         Status = "pending"
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCanceled        Status = "canceled"
)

type HostStatus string

const (
	HostStatusProvisioning  HostStatus = "provisioning"
	HostStatusReady         HostStatus = "ready"
	HostStatusBusy          HostStatus = "busy"
	HostStatusFailed        HostStatus = "failed"
	HostStatusDeprovisioned HostStatus = "deprovisioned"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCanceled:  true,
}

// Task status transitions. Monotonic except queued → pending (promotion)
// and running → failed (stale reclaim by the monitor). Pending → terminal
// covers the submitter's record, which jumps straight to the final relayed
// state when an earlier relay never landed.
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusQueued:    true,
		StatusCanceled:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusQueued: {
		StatusPending:  true, // promotion → re-enters the claim path
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusWaitingForInput: true,
		StatusCompleted:       true,
		StatusFailed:          true,
		StatusCanceled:        true,
	},
	StatusWaitingForInput: {
		StatusPending:  true, // user provided input → eligible again
		StatusCanceled: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidStatus(s Status) bool {
	if terminalStatuses[s] {
		return true
	}
	_, ok := validTaskTransitions[s]
	return ok
}
