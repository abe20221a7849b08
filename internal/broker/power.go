// cimcconf is a CIMC configuration broker.
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

package broker

import (
	"context"
	"fmt"

	"cimcconf/internal/cimc"
	"cimcconf/internal/metrics"
)

// PowerState is the observed power state of the rack unit.
type PowerState string

const (
	PowerOn      PowerState = "on"
	PowerOff     PowerState = "off"
	PowerUnknown PowerState = "unknown"
)

// PowerRequest is a requested power action.
type PowerRequest string

const (
	PowerRequestOn     PowerRequest = "on"
	PowerRequestOff    PowerRequest = "off"
	PowerRequestReboot PowerRequest = "reboot"
)

// adminPower values accepted by computeRackUnit.
var powerCommands = map[PowerRequest]string{
	PowerRequestOn:     "up",
	PowerRequestOff:    "down",
	PowerRequestReboot: "hard-reset-immediate",
}

// ParsePowerRequest validates a requested power action.
func ParsePowerRequest(v string) (PowerRequest, error) {
	req := PowerRequest(v)
	if _, ok := powerCommands[req]; !ok {
		return "", invalidArgf("power_state must be one of on, off, reboot, got %q", v)
	}
	return req, nil
}

// PowerController reads and changes the rack unit power state.
type PowerController struct {
	poller Poller
}

// NewPowerController returns a controller that waits for power changes with p.
func NewPowerController(p Poller) *PowerController {
	p.Resource = ResourcePower
	return &PowerController{poller: p}
}

// GetPower reads operPower of the rack unit.
func (c *PowerController) GetPower(ctx context.Context, s *Session) (PowerState, error) {
	unit, err := s.resolveDn(ctx, cimc.DnRackUnit, false)
	if err != nil {
		return PowerUnknown, err
	}
	if unit == nil {
		return PowerUnknown, fmt.Errorf("%w: %s not found", ErrRemoteOperationFailed, cimc.DnRackUnit)
	}
	switch PowerState(unit.Get("operPower")) {
	case PowerOn:
		return PowerOn, nil
	case PowerOff:
		return PowerOff, nil
	default:
		return PowerUnknown, nil
	}
}

// SetPower drives the rack unit to the requested state and waits for it.
// A request matching the current state changes nothing. Rebooting a unit
// that is off powers it on.
func (c *PowerController) SetPower(ctx context.Context, s *Session, req PowerRequest) (PowerState, bool, error) {
	cmd, ok := powerCommands[req]
	if !ok {
		return PowerUnknown, false, invalidArgf("power_state must be one of on, off, reboot, got %q", req)
	}

	current, err := c.GetPower(ctx, s)
	if err != nil {
		return current, false, err
	}
	if string(current) == string(req) {
		s.logger.Debug("power already in requested state", "power_state", current)
		return current, false, nil
	}

	expected := PowerOn
	switch req {
	case PowerRequestOff:
		expected = PowerOff
	case PowerRequestReboot:
		if current == PowerOff {
			req = PowerRequestOn
			cmd = powerCommands[PowerRequestOn]
		}
	}

	s.logger.Info("changing power state", "current", current, "request", req, "admin_power", cmd)
	in := cimc.NewObject(cimc.ClassComputeRackUnit, "dn", cimc.DnRackUnit, "adminPower", cmd)
	if err := s.confMo(ctx, cimc.DnRackUnit, in); err != nil {
		return current, false, err
	}
	metrics.IncChange(ResourcePower, string(req))

	state, err := PollUntil(ctx, c.poller, expected, func(ctx context.Context) (PowerState, error) {
		return c.GetPower(ctx, s)
	})
	if err != nil {
		return state, true, fmt.Errorf("power %s: %w", req, err)
	}
	return state, true, nil
}
