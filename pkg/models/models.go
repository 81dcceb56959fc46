// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package models contains the shared data model used by the resolver,
// registry, mechanism drivers, orchestrator, job worker, and HTTP front.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus mirrors Celery's task states, since the reference deployment
// dispatches jobs onto a Celery-compatible broker (REDIS_URL).
type JobStatus string

const (
	JobStatusPending JobStatus = "PENDING"
	JobStatusStarted JobStatus = "STARTED"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailure JobStatus = "FAILURE"
)

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusStarted, JobStatusSuccess, JobStatusFailure:
		return true
	default:
		return false
	}
}

// Worker is a resolved reference to a managed CI machine.
type Worker struct {
	ID    string `json:"worker_id"`
	Group string `json:"worker_group"`
	FQDN  string `json:"fqdn"`
	IP    string `json:"ip,omitempty"`
}

// SSHConfig holds SSH credentials for in-band recovery.
type SSHConfig struct {
	User    string `json:"user"`
	KeyFile string `json:"key"`
}

// IPMIConfig holds IPMI/lanplus credentials and addressing.
type IPMIConfig struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Port     int    `json:"port,omitempty"`   // defaults to 623
	PrivLvl  string `json:"privlvl,omitempty"` // CALLBACK|USER|OPERATOR|ADMINISTRATOR
}

// XenConfig holds hypervisor API addressing for a VM-backed worker.
type XenConfig struct {
	UUID       string   `json:"uuid"`
	RebootArgs []string `json:"reboot_args,omitempty"`
}

// ILOConfig holds iLO (or equivalent lights-out-management) addressing.
type ILOConfig struct {
	Host string   `json:"host"`
	Args []string `json:"args,omitempty"`
}

// ServerConfig is the per-host row in the Credential/Config Registry.
// It is read-only and process-scoped once loaded.
type ServerConfig struct {
	Hostname string `json:"hostname"`
	// Parent, when set, is the short hostname of the chassis that fronts
	// this server's BMC (blades are addressed through their chassis).
	Parent string `json:"parent,omitempty"`
	// Addr is this server's BMC address; for a blade with a Parent, the
	// parent's Addr is dialled instead.
	Addr string `json:"addr,omitempty"`
	// Type is a hardware-type tag used to select a TypeRemap override.
	Type string `json:"type,omitempty"`

	SSH  SSHConfig  `json:"ssh"`
	IPMI IPMIConfig `json:"ipmi"`
	// PDU is "host:portspec", e.g. "pdu1:A1".
	PDU string    `json:"pdu,omitempty"`
	Xen XenConfig `json:"xen,omitempty"`
	ILO ILOConfig `json:"ilo,omitempty"`

	// SNMPCommunity is the community string used for this server's PDU
	// outlet; the Registry applies no default when it is empty.
	SNMPCommunity string `json:"snmp_community,omitempty"`
}

// TypeRemap holds per-hardware-type overrides applied on top of a
// ServerConfig's defaults.
type TypeRemap struct {
	// ExtraIPMIArgs are appended to every ipmitool invocation for this type.
	ExtraIPMIArgs []string `json:"extra_ipmi_args,omitempty"`
	// BladeSlotArgs maps a blade slot id to extra ipmitool args.
	BladeSlotArgs map[string][]string `json:"blade_slot_args,omitempty"`
	// CommandArgs maps a command name (e.g. "power cycle") to a full
	// replacement argument list.
	CommandArgs map[string][]string `json:"command_args,omitempty"`
}

// Caller is the authenticated requester of a job, derived from the
// HAWK verifier's response.
type Caller struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the caller was granted the exact scope
// string, or a scope ending in '*' that prefix-matches it.
func (c Caller) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
		if n := len(s); n > 0 && s[n-1] == '*' && len(scope) >= n-1 && scope[:n-1] == s[:n-1] {
			return true
		}
	}
	return false
}

// SatisfiesAny reports whether the caller's granted scopes satisfy at
// least one conjunction in a disjunction-of-conjunctions requirement.
func (c Caller) SatisfiesAny(requiredSets [][]string) bool {
	for _, set := range requiredSets {
		all := true
		for _, required := range set {
			if !c.HasScope(required) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// AttemptLogEntry is one line of the per-job mechanism attempt history.
// Entries are append-only; a Job's AttemptLog grows monotonically.
type AttemptLogEntry struct {
	Time         time.Time `json:"time"`
	Mechanism    string    `json:"mechanism"`
	ArgsRedacted string    `json:"args"`
	ErrorClass   string    `json:"error_class"`
}

// Human renders the short human-readable form used in ticket bodies:
// "<HH:MM:SS> <mechanism> <error-class-name>. "
func (e AttemptLogEntry) Human() string {
	return e.Time.Format("15:04:05") + " " + e.Mechanism + " " + e.ErrorClass + ". "
}

// Line renders the full log-line form:
// "<iso-timestamp> <mechanism> <args-redacted> <error-class-name>".
func (e AttemptLogEntry) Line() string {
	return e.Time.UTC().Format(time.RFC3339) + " " + e.Mechanism + " " + e.ArgsRedacted + " " + e.ErrorClass
}

// Job is a single recovery request and its lifecycle, as persisted by
// the job-result store.
type Job struct {
	TaskID      string            `json:"task_id"`
	TaskName    string            `json:"task_name"`
	ClientID    string            `json:"client_id"`
	WorkerID    string            `json:"worker_id"`
	WorkerGroup string            `json:"worker_group"`
	FQDN        string            `json:"fqdn,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Status      JobStatus         `json:"status"`
	DateDone    *time.Time        `json:"date_done,omitempty"`
	Result      string            `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	AttemptLog  []AttemptLogEntry `json:"attempt_log,omitempty"`
}

// Serialize renders the job descriptor's identifying fields (task id
// and name, client id, worker id and group) as compact JSON.
func (j Job) Serialize() (string, error) {
	b, err := json.Marshal(struct {
		TaskID      string `json:"task_id"`
		TaskName    string `json:"task_name"`
		ClientID    string `json:"client_id"`
		WorkerID    string `json:"worker_id"`
		WorkerGroup string `json:"worker_group"`
	}{j.TaskID, j.TaskName, j.ClientID, j.WorkerID, j.WorkerGroup})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Known task names. Names outside this fixed set are still accepted by
// the HTTP Front as long as they are present in the configured
// TASK_NAMES list; "ipmi_*" names are dispatched generically.
const (
	TaskReboot          = "reboot"
	TaskPing            = "ping"
	TaskFileBugzillaBug = "file_bugzilla_bug"
	TaskReimage         = "reimage" // accepted but not implemented; reimaging is out of scope
	TaskIPMIReset       = "ipmi_reset"
	TaskIPMICycle       = "ipmi_cycle"
)
