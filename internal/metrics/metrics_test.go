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

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveMechanismAttemptExposedViaHandler(t *testing.T) {
	Reset()
	ObserveMechanismAttempt("ssh_reboot", "success", 250*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `rebooter_orchestrator_mechanism_attempts_total{mechanism="ssh_reboot",outcome="success"} 1`) {
		t.Fatalf("expected mechanism attempt counter in output, got:\n%s", body)
	}
}

func TestSanitizeLabelReplacesUnsafeRunes(t *testing.T) {
	got := sanitizeLabel("ipmi reset!", "unknown")
	if got != "ipmi_reset_" {
		t.Fatalf("got %q", got)
	}
	if sanitizeLabel("", "unknown") != "unknown" {
		t.Fatal("expected fallback for empty label")
	}
}

func TestResetClearsPriorCounters(t *testing.T) {
	Reset()
	ObserveJobCompletion("reboot", "SUCCESS")
	Reset()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	if strings.Contains(rec.Body.String(), `task_name="reboot"`) {
		t.Fatal("expected Reset to clear previously recorded series")
	}
}
