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

import "rebooter/pkg/models"

// Ambient carries deployment-wide fallback credentials the registry
// doesn't store per server (hypervisor pool and iLO defaults).
type Ambient struct {
	XenURL, XenUsername, XenPassword string
	ILOUsername, ILOPassword         string
}

// Build instantiates the Driver for a named mechanism against one
// server row. ipmiAddr is the BMC address to dial: the server's own
// Addr, or its parent chassis's Addr when the server is a blade.
// ok is false for an unrecognized mechanism name.
func Build(name string, sc models.ServerConfig, remap models.TypeRemap, ipmiAddr string, ambient Ambient, exec ExecFunc) (Driver, bool) {
	switch name {
	case "ssh_reboot":
		return NewSSHDriver(sc.SSH, exec), true
	case "ipmi_reset":
		return NewIPMIDriver(IPMIActionReset, ipmiAddr, sc.IPMI, remap.ExtraIPMIArgs, exec), true
	case "ipmi_cycle":
		return NewIPMIDriver(IPMIActionCycle, ipmiAddr, sc.IPMI, remap.ExtraIPMIArgs, exec), true
	case "snmp_reboot":
		return NewSNMPDriver(sc.PDU, sc.SNMPCommunity, 0, exec), true
	case "xenapi_reboot":
		url, user, pass := ambient.XenURL, ambient.XenUsername, ambient.XenPassword
		return NewXenDriver(url, user, pass, sc.Xen, exec), true
	case "ilo_reboot":
		return NewILODriver(ambient.ILOUsername, ambient.ILOPassword, sc.ILO, exec), true
	default:
		return nil, false
	}
}
