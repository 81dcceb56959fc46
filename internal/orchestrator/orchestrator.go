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

// Package orchestrator drives the ordered recovery-mechanism list
// against one worker: resolve its address, try each configured
// mechanism in turn, verify success via the liveness prober, and build
// the attempt log the HTTP Front and ticket filer both read.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rebooter/internal/mechanism"
	"rebooter/internal/metrics"
	"rebooter/internal/secretset"
	"rebooter/pkg/models"
)

// HostResolver resolves a worker id to an FQDN/IP pair.
type HostResolver interface {
	Resolve(ctx context.Context, workerID string) (fqdn, ip string)
}

// Prober confirms a mechanism actually rebooted the host.
type Prober interface {
	RebootSucceeded(ctx context.Context, host string, downTimeout, upTimeout time.Duration) bool
}

// ServerRegistry is the subset of *registry.Registry the orchestrator needs.
type ServerRegistry interface {
	Server(nameOrFQDN string) (models.ServerConfig, bool)
	Parent(sc models.ServerConfig) (models.ServerConfig, bool)
	TypeRemap(typeTag string) models.TypeRemap
}

// TicketFiler files or updates the fallback issue-tracker bug.
type TicketFiler interface {
	FileOrUpdate(ctx context.Context, job models.Job, attemptLogSoFar string) (bugID string, err error)
}

// ErrUnmanagedWorker is returned when the registry has no row for a worker id.
var ErrUnmanagedWorker = errors.New("worker is not present in the registry")

// Orchestrator ties the registry, resolver, mechanism drivers, and
// liveness prober together to execute one recovery job.
type Orchestrator struct {
	Registry      ServerRegistry
	Resolver      HostResolver
	Prober        Prober
	Ticket        TicketFiler
	Exec          mechanism.ExecFunc
	Ambient       mechanism.Ambient
	RebootMethods []string
	DownTimeout   time.Duration
	UpTimeout     time.Duration

	// IssueTrackerAPIKey and AccessToken are never used in a mechanism
	// call themselves, but must be redacted everywhere a secret could
	// otherwise leak: the ticket filer and job dispatcher carry them on
	// every outbound call this orchestrator's attempt log and result
	// string describe.
	IssueTrackerAPIKey string
	AccessToken        string
}

// Reboot runs the ordered mechanism list against workerID and returns
// the single-line result string the job worker persists as Job.Result,
// plus the accumulated attempt log regardless of outcome.
func (o *Orchestrator) Reboot(ctx context.Context, workerID string, job models.Job) (string, []models.AttemptLogEntry, error) {
	sc, ok := o.Registry.Server(workerID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnmanagedWorker, workerID)
	}

	fqdn, ip := o.resolveWithRetry(ctx, workerID)

	ipmiAddr := sc.Addr
	var parentPassword string
	if sc.Parent != "" {
		if parent, ok := o.Registry.Parent(sc); ok {
			ipmiAddr = parent.Addr
			parentPassword = parent.IPMI.Password
		}
	}
	remap := o.Registry.TypeRemap(sc.Type)

	secrets := secretset.New(
		sc.IPMI.Password, parentPassword, sc.SNMPCommunity,
		o.Ambient.XenPassword, o.Ambient.ILOPassword,
		o.IssueTrackerAPIKey, o.AccessToken,
	)

	target := mechanism.Target{WorkerID: workerID, FQDN: fqdn, IP: ip}
	var attemptLog []models.AttemptLogEntry

	for _, name := range o.RebootMethods {
		if name == "file_bugzilla_bug" {
			return o.fileFallbackTicket(ctx, job, attemptLog)
		}

		driver, ok := mechanism.Build(name, sc, remap, ipmiAddr, o.Ambient, o.Exec)
		if !ok {
			continue
		}

		start := time.Now()
		res := driver.Run(ctx, target)
		dur := time.Since(start)

		if res.Err != nil {
			metrics.ObserveMechanismAttempt(name, "failure", dur)
			attemptLog = append(attemptLog, buildAttemptEntry(name, res, secrets, errorClassOf(res.Err)))
			continue
		}

		if !o.Prober.RebootSucceeded(ctx, fqdn, o.DownTimeout, o.UpTimeout) {
			metrics.ObserveMechanismAttempt(name, "failure", dur)
			attemptLog = append(attemptLog, buildAttemptEntry(name, res, secrets, "verification_failed"))
			continue
		}

		metrics.ObserveMechanismAttempt(name, "success", dur)
		redacted := strings.Join(secrets.RedactArgs(res.Args), " ")
		result := fmt.Sprintf("%s %s: %s. Completed in %.3f seconds", name, redacted, strings.TrimSpace(res.Output), dur.Seconds())
		return result, attemptLog, nil
	}

	return "", attemptLog, fmt.Errorf("all recovery mechanisms failed for %s: %s", workerID, renderAttemptLog(attemptLog))
}

func (o *Orchestrator) fileFallbackTicket(ctx context.Context, job models.Job, attemptLog []models.AttemptLogEntry) (string, []models.AttemptLogEntry, error) {
	start := time.Now()
	bugID, err := o.Ticket.FileOrUpdate(ctx, job, renderAttemptLog(attemptLog))
	dur := time.Since(start)
	if err != nil {
		metrics.ObserveMechanismAttempt("file_bugzilla_bug", "failure", dur)
		attemptLog = append(attemptLog, models.AttemptLogEntry{
			Time: time.Now(), Mechanism: "file_bugzilla_bug", ErrorClass: "other",
		})
		return "", attemptLog, fmt.Errorf("filing fallback ticket: %w", err)
	}
	metrics.ObserveMechanismAttempt("file_bugzilla_bug", "success", dur)
	return fmt.Sprintf("failed. bug %s", bugID), attemptLog, nil
}

func (o *Orchestrator) resolveWithRetry(ctx context.Context, workerID string) (fqdn, ip string) {
	_ = doWithRetry(ctx, newDefaultRetryConfig("resolve_host"), func(c context.Context) error {
		fqdn, ip = o.Resolver.Resolve(c, workerID)
		if ip == "" {
			return fmt.Errorf("resolution did not yield an ip for %s", workerID)
		}
		return nil
	})
	if fqdn == "" {
		fqdn = workerID
	}
	return fqdn, ip
}

func buildAttemptEntry(name string, res mechanism.Result, secrets *secretset.Set, errClass string) models.AttemptLogEntry {
	return models.AttemptLogEntry{
		Time:         time.Now(),
		Mechanism:    name,
		ArgsRedacted: strings.Join(secrets.RedactArgs(res.Args), " "),
		ErrorClass:   errClass,
	}
}

func errorClassOf(err error) string {
	var merr *mechanism.Error
	if errors.As(err, &merr) {
		return merr.Kind.String()
	}
	return "other"
}

func renderAttemptLog(entries []models.AttemptLogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Human())
	}
	return b.String()
}
