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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	calls []time.Duration
	err   error
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return r.err
}

func TestPollerAttempts(t *testing.T) {
	tests := []struct {
		timeout  time.Duration
		interval time.Duration
		want     int
	}{
		{timeout: 30 * time.Second, interval: 3 * time.Second, want: 10},
		{timeout: 10 * time.Second, interval: 3 * time.Second, want: 4},
		{timeout: time.Second, interval: 3 * time.Second, want: 1},
		{timeout: 30 * time.Second, want: 10},
		{timeout: 0, interval: time.Second, want: 0},
		{timeout: -5 * time.Second, interval: time.Second, want: 0},
	}
	for _, tt := range tests {
		p := Poller{Timeout: tt.timeout, Interval: tt.interval}
		assert.Equal(t, tt.want, p.Attempts(), "timeout=%s interval=%s", tt.timeout, tt.interval)
	}
}

func TestPollUntilMatchesFirstRead(t *testing.T) {
	rec := &sleepRecorder{}
	p := Poller{Timeout: 30 * time.Second, Sleep: rec.sleep}
	reads := 0

	got, err := PollUntil(context.Background(), p, "on", func(context.Context) (string, error) {
		reads++
		return "on", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "on", got)
	assert.Equal(t, 1, reads)
	assert.Empty(t, rec.calls)
}

func TestPollUntilConvergesAfterSeveralReads(t *testing.T) {
	rec := &sleepRecorder{}
	p := Poller{Timeout: 30 * time.Second, Sleep: rec.sleep}
	values := []string{"unknown", "off", "off", "on"}
	reads := 0

	got, err := PollUntil(context.Background(), p, "on", func(context.Context) (string, error) {
		v := values[reads]
		reads++
		return v, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "on", got)
	assert.Equal(t, 4, reads)
	assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval, DefaultPollInterval}, rec.calls)
}

func TestPollUntilTimeout(t *testing.T) {
	rec := &sleepRecorder{}
	p := Poller{Timeout: 10 * time.Second, Interval: 3 * time.Second, Sleep: rec.sleep}
	reads := 0

	got, err := PollUntil(context.Background(), p, "on", func(context.Context) (string, error) {
		reads++
		return "off", nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConvergenceTimeout))
	assert.Equal(t, "off", got)
	assert.Equal(t, 4, reads)
	// No sleep after the final read.
	assert.Len(t, rec.calls, 3)

	var ce *ConvergenceError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "on", ce.Expected)
	assert.Equal(t, "off", ce.Last)
	assert.Equal(t, 4, ce.Attempts)
	assert.Contains(t, err.Error(), "last observed off")
}

func TestPollUntilNonPositiveTimeoutNeverReads(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		p := Poller{Timeout: timeout, Sleep: (&sleepRecorder{}).sleep}
		_, err := PollUntil(context.Background(), p, true, func(context.Context) (bool, error) {
			t.Fatal("read must not be called")
			return false, nil
		})
		assert.ErrorIs(t, err, ErrConvergenceTimeout)
	}
}

func TestPollUntilReadErrorAborts(t *testing.T) {
	rec := &sleepRecorder{}
	p := Poller{Timeout: 30 * time.Second, Sleep: rec.sleep}
	boom := errors.New("connection reset")
	reads := 0

	_, err := PollUntil(context.Background(), p, 1, func(context.Context) (int, error) {
		reads++
		if reads == 2 {
			return 0, boom
		}
		return 0, nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrConvergenceTimeout))
	assert.Equal(t, 2, reads)
}

func TestPollUntilSleepErrorAborts(t *testing.T) {
	rec := &sleepRecorder{err: context.Canceled}
	p := Poller{Timeout: 30 * time.Second, Sleep: rec.sleep}
	reads := 0

	_, err := PollUntil(context.Background(), p, "on", func(context.Context) (string, error) {
		reads++
		return "off", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, reads)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := SleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
