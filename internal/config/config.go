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

// Package config loads the process-wide configuration from the
// environment, following the same explicit-defaults-then-override
// idiom as the provisioner's config package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven option this controller reads.
type Config struct {
	// HTTP Front
	Port             string
	AllowedHosts     []string
	CORSOrigin       string
	UseXForwardedHost bool
	ValidWorkerIDRegex string
	AuthVerifierURL  string

	// Job worker pool
	WorkerConcurrency int
	StorePath         string

	// Job queue / broker (job-result store is the only part implemented
	// here; REDIS_URL is accepted and stored but not read by any
	// component).
	RedisURL             string
	CeleryTaskSoftTimeLimit time.Duration
	CeleryTaskTimeLimit     time.Duration

	// Actions and authorization
	TaskNames                  []string
	RequiredScopeSets          map[string][][]string // task_name -> DNF of scopes
	ScopePrefix                string

	// Recovery orchestration
	RebootMethods []string
	DownTimeout   time.Duration
	UpTimeout     time.Duration

	// Notification
	NotifyEmail      string
	NotifyIRCChannel string

	// Issue tracker
	BugzillaURL                  string
	BugzillaAPIKey                string
	BugzillaReopenState           string
	BugzillaRebootTemplate        string
	BugzillaWorkerTrackerTemplate string

	// Hypervisor / iLO ambient credentials, shared by every server (the
	// registry supplies only the VM uuid and the iLO host per server)
	XenURL      string
	XenUsername string
	XenPassword string
	ILOUsername string
	ILOPassword string

	// Registry
	WorkerConfigPath string

	// Outbound orchestrator credentials used for the access token that
	// must be redacted from every log line/notification/ticket body.
	TaskclusterClientID    string
	TaskclusterAccessToken string
}

// Default mechanism order, tried in sequence until one succeeds.
var defaultRebootMethods = []string{
	"ssh_reboot",
	"ipmi_reset",
	"ipmi_cycle",
	"snmp_reboot",
	"xenapi_reboot",
	"ilo_reboot",
	"file_bugzilla_bug",
}

var defaultTaskNames = []string{"reboot", "ping", "file_bugzilla_bug", "reimage", "ipmi_reset", "ipmi_cycle"}

// Default returns a Config populated with sane defaults; Load overrides
// fields present in the environment.
func Default() Config {
	cfg := Config{
		Port:                "8000",
		CORSOrigin:          "*",
		ValidWorkerIDRegex:  `^[A-Za-z0-9_-]{1,128}$`,
		AuthVerifierURL:     "http://localhost:9000",
		WorkerConcurrency:   4,
		StorePath:           "./rebooter.db",
		CeleryTaskSoftTimeLimit: 20 * time.Minute,
		CeleryTaskTimeLimit:     25 * time.Minute,
		TaskNames:           append([]string(nil), defaultTaskNames...),
		ScopePrefix:         "project:relops-hardware-controller",
		RebootMethods:       append([]string(nil), defaultRebootMethods...),
		DownTimeout:         60 * time.Second,
		UpTimeout:           600 * time.Second,
		BugzillaReopenState: "REOPENED",
		WorkerConfigPath:    "worker-config.json",
	}
	cfg.RequiredScopeSets = defaultScopeSets(cfg.ScopePrefix, cfg.TaskNames)
	return cfg
}

// Load reads environment variables into a Config seeded with Default().
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("ALLOWED_HOSTS"); v != "" {
		cfg.AllowedHosts = splitCSV(v)
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.CORSOrigin = v
	}
	if v := os.Getenv("USE_X_FORWARDED_HOST"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid USE_X_FORWARDED_HOST: %w", err)
		}
		cfg.UseXForwardedHost = b
	}
	if v := os.Getenv("VALID_WORKER_ID_REGEX"); v != "" {
		cfg.ValidWorkerIDRegex = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("AUTH_VERIFIER_URL"); v != "" {
		cfg.AuthVerifierURL = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = n
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("CELERY_TASK_SOFT_TIME_LIMIT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CELERY_TASK_SOFT_TIME_LIMIT: %w", err)
		}
		cfg.CeleryTaskSoftTimeLimit = d
	}
	if v := os.Getenv("CELERY_TASK_TIME_LIMIT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CELERY_TASK_TIME_LIMIT: %w", err)
		}
		cfg.CeleryTaskTimeLimit = d
	}
	if v := os.Getenv("TASK_NAMES"); v != "" {
		cfg.TaskNames = splitCSV(v)
	}
	if v := os.Getenv("REBOOT_METHODS"); v != "" {
		cfg.RebootMethods = splitCSV(v)
	}
	if v := os.Getenv("DOWN_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DOWN_TIMEOUT: %w", err)
		}
		cfg.DownTimeout = d
	}
	if v := os.Getenv("UP_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid UP_TIMEOUT: %w", err)
		}
		cfg.UpTimeout = d
	}
	cfg.NotifyEmail = os.Getenv("NOTIFY_EMAIL")
	cfg.NotifyIRCChannel = os.Getenv("NOTIFY_IRC_CHANNEL")
	cfg.BugzillaURL = os.Getenv("BUGZILLA_URL")
	cfg.BugzillaAPIKey = os.Getenv("BUGZILLA_API_KEY")
	if v := os.Getenv("BUGZILLA_REOPEN_STATE"); v != "" {
		cfg.BugzillaReopenState = v
	}
	cfg.BugzillaRebootTemplate = os.Getenv("BUGZILLA_REBOOT_TEMPLATE")
	cfg.BugzillaWorkerTrackerTemplate = os.Getenv("BUGZILLA_WORKER_TRACKER_TEMPLATE")
	cfg.XenURL = os.Getenv("XEN_URL")
	cfg.XenUsername = os.Getenv("XEN_USERNAME")
	cfg.XenPassword = os.Getenv("XEN_PASSWORD")
	cfg.ILOUsername = os.Getenv("ILO_USERNAME")
	cfg.ILOPassword = os.Getenv("ILO_PASSWORD")
	if v := os.Getenv("WORKER_CONFIG"); v != "" {
		cfg.WorkerConfigPath = v
	}
	cfg.TaskclusterClientID = os.Getenv("TASKCLUSTER_CLIENT_ID")
	cfg.TaskclusterAccessToken = os.Getenv("TASKCLUSTER_ACCESS_TOKEN")

	cfg.RequiredScopeSets = defaultScopeSets(cfg.ScopePrefix, cfg.TaskNames)
	if v := os.Getenv("REQUIRED_TASKCLUSTER_SCOPE_SETS"); v != "" {
		sets, err := parseScopeSets(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid REQUIRED_TASKCLUSTER_SCOPE_SETS: %w", err)
		}
		for task, dnf := range sets {
			cfg.RequiredScopeSets[task] = dnf
		}
	}

	return cfg, nil
}

// defaultScopeSets builds the default per-action required set:
// ["<prefix>:<task_name>"], one conjunction of one scope.
func defaultScopeSets(prefix string, taskNames []string) map[string][][]string {
	out := make(map[string][][]string, len(taskNames))
	for _, name := range taskNames {
		out[name] = [][]string{{prefix + ":" + name}}
	}
	return out
}

// parseScopeSets parses a "task1=scopeA&scopeB|scopeC;task2=scopeD"
// style encoding: ';' separates tasks, '=' separates name from its
// DNF, '|' separates conjunctions (OR), '&' separates scopes within a
// conjunction (AND).
func parseScopeSets(v string) (map[string][][]string, error) {
	out := make(map[string][][]string)
	for _, taskPart := range strings.Split(v, ";") {
		taskPart = strings.TrimSpace(taskPart)
		if taskPart == "" {
			continue
		}
		kv := strings.SplitN(taskPart, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed scope set entry %q", taskPart)
		}
		name := strings.TrimSpace(kv[0])
		var dnf [][]string
		for _, conj := range strings.Split(kv[1], "|") {
			var scopes []string
			for _, scope := range strings.Split(conj, "&") {
				scope = strings.TrimSpace(scope)
				if scope != "" {
					scopes = append(scopes, scope)
				}
			}
			if len(scopes) > 0 {
				dnf = append(dnf, scopes)
			}
		}
		out[name] = dnf
	}
	return out, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("not a duration or integer seconds: %w", err)
	}
	return time.Duration(n) * time.Second, nil
}
