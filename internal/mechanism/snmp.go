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
	"context"
	"fmt"
	"strings"
	"time"
)

// pduBaseOID is the base OID walked for outlet control on the PDUs
// this controller targets: <base>.<tower>.<infeed>.<outlet>.
// http://oid-info.com/get/1.3.6.1.4.1.1718.3.2.3.1.11
const pduBaseOID = "1.3.6.1.4.1.1718.3.2.3.1.11"

// snmpActionCodes maps an outlet action to the integer snmpset sends.
var snmpActionCodes = map[string]string{"on": "1", "off": "2", "reboot": "3"}

// portLetterMapping maps a tower/infeed letter designator onto the
// numeric form the OID expects.
var portLetterMapping = map[byte]byte{'a': '1', 'b': '2', 'c': '3'}

func mapPortChar(b byte) byte {
	if mapped, ok := portLetterMapping[b|0x20]; ok {
		return mapped
	}
	return b
}

// parsePortSpec splits a port spec ("A1", "b12", ...) into its tower,
// infeed, and outlet OID components. The first character is the
// tower, the second the infeed, and the remainder the outlet; a|b|c
// map to 1|2|3 (case-insensitive). A two-character spec has no
// remainder, so its outlet reuses the infeed character.
func parsePortSpec(port string) (tower, infeed, outlet string, err error) {
	if len(port) < 2 {
		return "", "", "", fmt.Errorf("port spec %q too short", port)
	}
	tower = string(mapPortChar(port[0]))
	infeed = string(mapPortChar(port[1]))
	outlet = port[2:]
	if outlet == "" {
		outlet = infeed
	}
	return tower, infeed, outlet, nil
}

// SNMPDriver power-cycles a worker's PDU outlet via SNMPv2c SET,
// shelling out to net-snmp's snmpset since no pure-Go SNMPv2c client
// appears anywhere in the example pack.
type SNMPDriver struct {
	host      string // PDU host
	port      string // "pdu1:A1" -> outlet spec
	community string
	delay     time.Duration
	exec      ExecFunc
}

// NewSNMPDriver builds a driver from a ServerConfig's "host:portspec"
// PDU field and the server's own community
// string. delay <= 0 issues a single reboot action; delay > 0 turns
// the outlet off, waits delay, then turns it back on.
func NewSNMPDriver(pdu, community string, delay time.Duration, exec ExecFunc) *SNMPDriver {
	if exec == nil {
		exec = DefaultExec
	}
	host, outlet, _ := strings.Cut(pdu, ":")
	return &SNMPDriver{host: host, port: outlet, community: community, delay: delay, exec: exec}
}

func (d *SNMPDriver) Name() string { return "snmp_reboot" }

func (d *SNMPDriver) set(ctx context.Context, oid, action string) ([]byte, []string, error) {
	args := []string{"-v", "2c", "-c", d.community, d.host, oid, "i", snmpActionCodes[action]}
	out, err := d.exec(ctx, "snmpset", args...)
	return out, args, err
}

func (d *SNMPDriver) Run(ctx context.Context, target Target) Result {
	if d.host == "" || d.port == "" || d.community == "" {
		return Result{Mechanism: d.Name(), Err: &Error{
			Kind: KindMissingConfig, Mechanism: d.Name(),
			Err: fmt.Errorf("no pdu/snmp configuration for %s", target.WorkerID),
		}}
	}

	tower, infeed, outlet, err := parsePortSpec(d.port)
	if err != nil {
		return Result{Mechanism: d.Name(), Err: &Error{
			Kind: KindMissingConfig, Mechanism: d.Name(), Err: err,
		}}
	}
	oid := pduBaseOID + "." + tower + "." + infeed + "." + outlet

	if d.delay <= 0 {
		out, args, err := d.set(ctx, oid, "reboot")
		res := Result{Mechanism: d.Name(), Args: args, Output: string(out)}
		if err != nil {
			res.Err = &Error{Kind: classify(err), Mechanism: d.Name(), Err: err}
		}
		return res
	}

	offOut, offArgs, err := d.set(ctx, oid, "off")
	if err != nil {
		return Result{Mechanism: d.Name(), Args: offArgs, Output: string(offOut), Err: &Error{Kind: classify(err), Mechanism: d.Name(), Err: err}}
	}

	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return Result{Mechanism: d.Name(), Args: offArgs, Output: string(offOut), Err: &Error{Kind: classify(ctx.Err()), Mechanism: d.Name(), Err: ctx.Err()}}
	}

	onOut, onArgs, err := d.set(ctx, oid, "on")
	res := Result{Mechanism: d.Name(), Args: onArgs, Output: string(onOut)}
	if err != nil {
		res.Err = &Error{Kind: classify(err), Mechanism: d.Name(), Err: err}
	}
	return res
}
