package server

import (
	"labdash/internal/history"
	"labdash/internal/hypervisor"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	Uptime           string  `json:"uptime"`
	Busy             bool    `json:"busy"`
	CurrentOperation *string `json:"current_operation"`
}

// VMStatus is one VM's spec joined with its observed power state.
type VMStatus struct {
	Name      string           `json:"name"`
	CPU       int              `json:"cpu"`
	RAMMB     int              `json:"ram_mb"`
	PlannedIP string           `json:"planned_ip"`
	Role      string           `json:"role"`
	State     hypervisor.State `json:"state"`
}

// VMListResponse carries VM states plus the busy flag, so the frontend can
// grey out mutating controls in one round trip.
type VMListResponse struct {
	Busy             bool       `json:"busy"`
	CurrentOperation *string    `json:"current_operation"`
	VMs              []VMStatus `json:"vms"`
}

// PlaybookInfo is a discovered playbook joined with its last recorded run.
type PlaybookInfo struct {
	Name    string          `json:"name"`
	Label   string          `json:"label"`
	LastRun *history.Record `json:"last_run,omitempty"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// ErrorResponse is the uniform error body. Kind lets the frontend branch
// without parsing messages; Field is set for validation failures only.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

// Error kinds surfaced in ErrorResponse.Kind.
const (
	kindBusy          = "busy"
	kindNotFound      = "not_found"
	kindValidation    = "validation"
	kindLaunchFailure = "launch_failure"
	kindInternal      = "internal"
)
