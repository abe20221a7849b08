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
	"errors"
	"fmt"

	"cimcconf/internal/cimc"
)

// Error classes returned by the broker. Callers match them with errors.Is.
var (
	// ErrInvalidArgument reports malformed or out-of-range caller input.
	// It is always returned before any remote call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedOperation reports an operation that is not valid in the
	// current remote mode, or not supported at all.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrAuthenticationFailure reports a rejected or failed login.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrRemoteOperationFailed reports a non-zero remote error code.
	ErrRemoteOperationFailed = errors.New("remote operation failed")

	// ErrConvergenceTimeout reports a submitted change whose end state was
	// not observed within the timeout budget.
	ErrConvergenceTimeout = errors.New("convergence timeout")
)

// RemoteOperationError carries the remote error code and the remote
// description verbatim.
type RemoteOperationError struct {
	Op          string
	Code        int
	Description string
	Err         error
}

func (e *RemoteOperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Description)
}

// Is reports whether target is ErrRemoteOperationFailed.
func (e *RemoteOperationError) Is(target error) bool {
	return target == ErrRemoteOperationFailed
}

func (e *RemoteOperationError) Unwrap() error {
	return e.Err
}

// ConvergenceError is returned by PollUntil when the expected value was not
// observed within the attempt budget.
type ConvergenceError struct {
	Expected any
	Last     any
	Attempts int
}

func (e *ConvergenceError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("convergence timeout: waiting for %v: no attempts within timeout", e.Expected)
	}
	return fmt.Sprintf("convergence timeout: waiting for %v: last observed %v after %d attempts", e.Expected, e.Last, e.Attempts)
}

// Is reports whether target is ErrConvergenceTimeout.
func (e *ConvergenceError) Is(target error) bool {
	return target == ErrConvergenceTimeout
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedOperation, fmt.Sprintf(format, args...))
}

// remoteError classifies a client error. Remote error codes become
// *RemoteOperationError; transport errors are wrapped with op.
func remoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *cimc.APIError
	if errors.As(err, &apiErr) {
		return &RemoteOperationError{Op: op, Code: apiErr.Code, Description: apiErr.Description, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
