package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"labdash/internal/broadcast"
	"labdash/internal/config"
	"labdash/internal/discovery"
	"labdash/internal/history"
	"labdash/internal/hypervisor"
	"labdash/internal/oplock"
	"labdash/internal/orchestrator"
	"labdash/internal/runner"
	"labdash/internal/scheduler"
)

const version = "v0.2.0"

// handleHealth returns liveness plus the busy flag, so a frontend poll can
// drive both the status dot and the disabled state of mutating controls.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: version,
		Uptime:  s.Uptime(),
		Busy:    s.orch.Busy(),
	}
	if label, busy := s.orch.CurrentLabel(); busy {
		response.CurrentOperation = &label
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleListVMs joins the VM specs with the hypervisor's running set.
func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vmCfg, err := config.ReadVMConfig(s.cfg.VMConfigPath)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	running := s.hype.ListRunning(r.Context())

	response := VMListResponse{
		Busy: s.orch.Busy(),
		VMs:  make([]VMStatus, 0, len(vmCfg.VMs)),
	}
	if label, busy := s.orch.CurrentLabel(); busy {
		response.CurrentOperation = &label
	}

	for _, vm := range vmCfg.VMs {
		response.VMs = append(response.VMs, VMStatus{
			Name:      vm.Name,
			CPU:       vm.CPU,
			RAMMB:     vm.RAMMB,
			PlannedIP: vm.PlannedIP,
			Role:      vm.Role,
			State:     s.hype.State(vm.Name, running),
		})
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleVMStart(w http.ResponseWriter, r *http.Request) {
	s.vmPower(w, r, s.hype.Start)
}

func (s *Server) handleVMStop(w http.ResponseWriter, r *http.Request) {
	s.vmPower(w, r, s.hype.Stop)
}

func (s *Server) handleVMRestart(w http.ResponseWriter, r *http.Request) {
	s.vmPower(w, r, s.hype.Restart)
}

// vmPower runs a single-VM power operation. These are quick bounded vmrun
// calls that never take the lock themselves, but they are refused while an
// operation is running: power-cycling a VM mid-provision corrupts the run.
func (s *Server) vmPower(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if label, busy := s.orch.CurrentLabel(); busy {
		s.writeError(w, http.StatusConflict, kindBusy,
			"another operation is already running: "+label, "")
		return
	}

	name := r.PathValue("name")

	if err := op(r.Context(), name); err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleVMMetrics collects live resource usage from every VM over SSH.
// Read-only and lock-free, so it works mid-operation.
func (s *Server) handleVMMetrics(w http.ResponseWriter, r *http.Request) {
	vmCfg, err := config.ReadVMConfig(s.cfg.VMConfigPath)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	stats := s.collector.CollectAll(r.Context(), vmCfg.VMs)
	s.writeJSON(w, http.StatusOK, stats)
}

// handleListPlaybooks re-reads the playbook directory on every call so new
// files appear without a restart, and joins each entry with its last
// recorded run.
func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := discovery.List(s.cfg.Ansible.PlaybooksDir())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	records, err := s.store.All()
	if err != nil {
		s.logger.Error("failed to read run history", "error", err)
		records = nil
	}

	infos := make([]PlaybookInfo, 0, len(playbooks))
	for _, pb := range playbooks {
		info := PlaybookInfo{Name: pb.Name, Label: pb.Label()}
		if rec, ok := records[pb.Name]; ok {
			info.LastRun = rec
		}
		infos = append(infos, info)
	}

	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleRunPlaybook(w http.ResponseWriter, r *http.Request) {
	op, err := s.orch.RunPlaybook(r.PathValue("name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	op, err := s.orch.StartProvision()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleDeprovision(w http.ResponseWriter, r *http.Request) {
	op, err := s.orch.StartDeprovision()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, op)
}

// handleCancelRun requests termination of the in-flight run. The response
// acknowledges the request; the authoritative outcome arrives as the
// "cancelled" terminal marker on the log stream.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	if err := s.orch.Cancel(runID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, CancelResponse{
		Status: "cancelling",
		RunID:  runID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.writeJSON(w, http.StatusOK, []scheduler.JobStatus{})
		return
	}

	s.writeJSON(w, http.StatusOK, s.sched.Jobs())
}

// handleGetVMConfig returns the document as stored, even if it would fail
// validation, so the editor can show what needs fixing.
func (s *Server) handleGetVMConfig(w http.ResponseWriter, r *http.Request) {
	vmCfg, err := config.ReadVMConfig(s.cfg.VMConfigPath)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, vmCfg)
}

// handlePutVMConfig validates and atomically replaces the VM config. An
// invalid document is rejected with the offending field and the stored file
// is left untouched.
func (s *Server) handlePutVMConfig(w http.ResponseWriter, r *http.Request) {
	var vmCfg config.VMConfig
	if err := json.NewDecoder(r.Body).Decode(&vmCfg); err != nil {
		s.writeError(w, http.StatusBadRequest, kindValidation, "invalid JSON body: "+err.Error(), "")
		return
	}

	if err := config.SaveVMConfig(&vmCfg, s.cfg.VMConfigPath); err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, vmCfg)
}

// writeDomainError maps sentinel and typed errors from the inner packages
// onto HTTP statuses and error kinds.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var fieldErr *config.FieldError
	var launchErr *runner.LaunchError

	switch {
	case errors.Is(err, oplock.ErrBusy):
		s.writeError(w, http.StatusConflict, kindBusy, err.Error(), "")
	case errors.Is(err, discovery.ErrNotFound),
		errors.Is(err, history.ErrNotFound),
		errors.Is(err, orchestrator.ErrRunNotFound),
		errors.Is(err, broadcast.ErrRunNotFound),
		errors.Is(err, hypervisor.ErrNotProvisioned):
		s.writeError(w, http.StatusNotFound, kindNotFound, err.Error(), "")
	case errors.As(err, &fieldErr):
		s.writeError(w, http.StatusBadRequest, kindValidation, fieldErr.Message, fieldErr.Field)
	case errors.As(err, &launchErr):
		s.writeError(w, http.StatusInternalServerError, kindLaunchFailure, err.Error(), "")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, kindInternal, err.Error(), "")
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, kind, message, field string) {
	s.writeJSON(w, status, ErrorResponse{
		Error: message,
		Kind:  kind,
		Field: field,
	})
}
