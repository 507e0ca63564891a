package model

import "time"

// State names the phase the update loop is currently in.
type State string

const (
	StateStarting  State = "starting"
	StateWaiting   State = "waiting"
	StateQuiet     State = "quiet"
	StateCapturing State = "capturing"
	StatePushing   State = "pushing"
	StateEscalated State = "escalated"
	StateStopped   State = "stopped"
)

// Status is a point-in-time snapshot of the update loop, exposed by the
// status server. The zero value means "nothing happened yet".
type Status struct {
	State State `json:"state"`

	ConsecutiveFailures int `json:"consecutive_failures"`
	// Attempt is the current screenshot attempt (zero-based) while
	// capturing.
	Attempt int `json:"attempt"`

	Cycles    int `json:"cycles"`
	Successes int `json:"successes"`

	LastSuccess    time.Time `json:"last_success,omitempty"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	NextWakeup     time.Time `json:"next_wakeup,omitempty"`
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
}

// Healthy reports whether the last completed cycle succeeded.
func (s Status) Healthy() bool {
	return s.ConsecutiveFailures == 0
}
