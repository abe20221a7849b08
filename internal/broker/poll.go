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
	"time"

	"cimcconf/internal/metrics"
)

// DefaultPollInterval is the delay between convergence reads.
const DefaultPollInterval = 3 * time.Second

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller bounds a convergence wait. The number of reads is
// ceil(Timeout/Interval); a non-positive Timeout allows none.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Sleep    SleepFunc
	// Resource labels the poll attempt metric.
	Resource string
}

// Attempts returns the read budget.
func (p Poller) Attempts() int {
	if p.Timeout <= 0 {
		return 0
	}
	interval := p.interval()
	return int((p.Timeout + interval - 1) / interval)
}

func (p Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPollInterval
	}
	return p.Interval
}

func (p Poller) sleep(ctx context.Context) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, p.interval())
	}
	return SleepContext(ctx, p.interval())
}

// PollUntil calls read until it returns expected, sleeping between reads.
// A read error aborts the wait and is returned unchanged. When the budget is
// spent the error is a *ConvergenceError holding the last observed value.
func PollUntil[T comparable](ctx context.Context, p Poller, expected T, read func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts()
	var last T
	for i := 0; i < attempts; i++ {
		metrics.IncPollAttempt(p.Resource)
		v, err := read(ctx)
		if err != nil {
			return v, err
		}
		last = v
		if v == expected {
			return v, nil
		}
		if i == attempts-1 {
			break
		}
		if err := p.sleep(ctx); err != nil {
			return last, err
		}
	}
	return last, &ConvergenceError{Expected: expected, Last: last, Attempts: attempts}
}

// SleepContext waits for d, returning early with ctx.Err() if ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
