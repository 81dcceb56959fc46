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

package mechanism

import (
	"testing"

	"rebooter/pkg/models"
)

func TestBuildKnownMechanisms(t *testing.T) {
	sc := models.ServerConfig{
		SSH:  models.SSHConfig{User: "u", KeyFile: "/k"},
		IPMI: models.IPMIConfig{User: "u", Password: "p"},
		PDU:  "pdu1:A1",
	}
	names := []string{"ssh_reboot", "ipmi_reset", "ipmi_cycle", "snmp_reboot", "xenapi_reboot", "ilo_reboot"}
	for _, name := range names {
		d, ok := Build(name, sc, models.TypeRemap{}, "10.0.0.1", Ambient{}, nil)
		if !ok {
			t.Fatalf("expected %s to be recognized", name)
		}
		if d.Name() != name {
			t.Fatalf("expected driver name %s, got %s", name, d.Name())
		}
	}
}

func TestBuildUnknownMechanism(t *testing.T) {
	if _, ok := Build("reimage", models.ServerConfig{}, models.TypeRemap{}, "", Ambient{}, nil); ok {
		t.Fatal("expected unknown mechanism to be rejected")
	}
}
