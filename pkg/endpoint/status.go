package endpoint

import "fmt"

// Status is the lifecycle stage of an endpoint. Stopped and Faulted are
// terminal.
type Status int32

const (
	Unstarted Status = iota
	Starting
	Running
	Stopped
	Faulted
)

func (s Status) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) Terminal() bool {
	return s == Stopped || s == Faulted
}

// StatusChange is emitted on subscriptions each time an endpoint changes
// status.
type StatusChange struct {
	Old, New Status
}

// subscriptionBuffer is the capacity of subscription channels. A
// subscriber lagging behind by more misses changes.
const subscriptionBuffer = 8
