package supervisor

import (
	"time"

	"github.com/loykin/warden/internal/probe"
)

// Status is a point-in-time view of the supervisor for the status API.
type Status struct {
	Name                string       `json:"name"`
	State               probe.Status `json:"state"`
	Host                string       `json:"host"`
	Port                int          `json:"port"`
	PID                 int          `json:"pid"`
	Running             bool         `json:"running"`
	StartedAt           time.Time    `json:"started_at,omitempty"`
	Restarts            int          `json:"restarts"`
	LastExitCode        *int         `json:"last_exit_code,omitempty"`
	LastCheck           time.Time    `json:"last_check,omitempty"`
	LastReason          string       `json:"last_reason,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Closed              bool         `json:"closed"`
}
