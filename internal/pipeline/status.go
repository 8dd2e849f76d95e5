package pipeline

import "fmt"

// Status is the externally observable state of a pipeline.
type Status int

const (
	// Stopped: not started yet, or exited after a shutdown request.
	Stopped Status = iota
	// Running: making progress.
	Running
	// Degraded: retrying an unavailable broker or checkpoint store.
	Degraded
	// Failed: halted on an unrecoverable error.
	Failed
)

// Statuses lists every status in declaration order.
var Statuses = []Status{Stopped, Running, Degraded, Failed}

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func statusNames() []string {
	names := make([]string, len(Statuses))
	for i, s := range Statuses {
		names[i] = s.String()
	}
	return names
}
