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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cimcconf/internal/cimc"
	"cimcconf/internal/cimc/cimctest"
)

func powerCommandsSent(fake *cimctest.Fake) []string {
	var cmds []string
	for _, m := range fake.ConfMos() {
		if m.Dn == cimc.DnRackUnit {
			cmds = append(cmds, m.Attrs["adminPower"])
		}
	}
	return cmds
}

func TestGetPower(t *testing.T) {
	fake, b := newTestBroker(t)

	res, err := b.GetPower(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, PowerMsg{PowerState: PowerOn}, res.Msg)

	fake.SetPowerState("transitioning")
	res, err = b.GetPower(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PowerMsg{PowerState: PowerUnknown}, res.Msg)
	assert.Empty(t, fake.ConfMos())
}

func TestSetPowerIdempotent(t *testing.T) {
	fake, b := newTestBroker(t)
	ctx := context.Background()

	res, err := b.SetPower(ctx, PowerRequestOff)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, PowerMsg{PowerState: PowerOff}, res.Msg)

	res, err = b.SetPower(ctx, PowerRequestOff)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, PowerMsg{PowerState: PowerOff}, res.Msg)

	assert.Equal(t, []string{"down"}, powerCommandsSent(fake))
	assert.Equal(t, 0, fake.LiveSessions())
}

func TestSetPowerRebootOfOffUnitIsPowerOn(t *testing.T) {
	rebootFake, rebootBroker := newTestBroker(t)
	rebootFake.SetPowerState("off")
	onFake, onBroker := newTestBroker(t)
	onFake.SetPowerState("off")

	rebootRes, err := rebootBroker.SetPower(context.Background(), PowerRequestReboot)
	require.NoError(t, err)
	onRes, err := onBroker.SetPower(context.Background(), PowerRequestOn)
	require.NoError(t, err)

	assert.Equal(t, []string{"up"}, powerCommandsSent(rebootFake))
	assert.Equal(t, powerCommandsSent(onFake), powerCommandsSent(rebootFake))
	assert.Equal(t, onRes, rebootRes)
	assert.True(t, rebootRes.Changed)
}

func TestSetPowerRebootOfRunningUnitHardResets(t *testing.T) {
	fake, b := newTestBroker(t)

	res, err := b.SetPower(context.Background(), PowerRequestReboot)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, PowerMsg{PowerState: PowerOn}, res.Msg)
	assert.Equal(t, []string{"hard-reset-immediate"}, powerCommandsSent(fake))
}

func TestSetPowerWaitsForLaggingState(t *testing.T) {
	fake, b := newTestBroker(t)
	fake.SetPowerLag(3)

	res, err := b.SetPower(context.Background(), PowerRequestOff)
	require.NoError(t, err)
	assert.Equal(t, PowerMsg{PowerState: PowerOff}, res.Msg)
	// One read before the command, then four convergence reads.
	assert.Equal(t, 5, fake.Calls("configResolveDn"))
}

func TestSetPowerConvergenceTimeout(t *testing.T) {
	fake, b := newTestBroker(t, func(o *Options) {
		o.Timeout = 9 * time.Second
		o.PollInterval = 3 * time.Second
	})
	fake.SetNeverConverge(true)

	_, err := b.SetPower(context.Background(), PowerRequestOff)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConvergenceTimeout)

	var ce *ConvergenceError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, PowerOn, ce.Last)
	assert.Equal(t, 1+3, fake.Calls("configResolveDn"))
	assert.Equal(t, 0, fake.LiveSessions())
}

func TestSetPowerNonPositiveTimeoutFailsWithoutPolling(t *testing.T) {
	fake, b := newTestBroker(t, func(o *Options) { o.Timeout = -1 })

	_, err := b.SetPower(context.Background(), PowerRequestOff)
	assert.ErrorIs(t, err, ErrConvergenceTimeout)
	// The command was still submitted; only the initial read happened.
	assert.Equal(t, []string{"down"}, powerCommandsSent(fake))
	assert.Equal(t, 1, fake.Calls("configResolveDn"))
}

func TestSetPowerInvalidRequest(t *testing.T) {
	fake, b := newTestBroker(t)

	_, err := b.SetPower(context.Background(), PowerRequest("cycle"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = b.Dispatch(context.Background(), ResourcePower, TaskSet, map[string]string{"power_state": "standby"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, fake.TotalCalls())
}

func TestSetPowerRemoteErrorIsVerbatim(t *testing.T) {
	fake, b := newTestBroker(t)
	fake.FailConfMo(cimc.DnRackUnit, 103, "Power operation not allowed while BIOS POST is running")

	_, err := b.SetPower(context.Background(), PowerRequestOff)
	require.ErrorIs(t, err, ErrRemoteOperationFailed)

	var re *RemoteOperationError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 103, re.Code)
	assert.Equal(t, "Power operation not allowed while BIOS POST is running", re.Description)
	assert.Equal(t, 0, fake.LiveSessions())
}
