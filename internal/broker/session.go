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
	"fmt"
	"log/slog"

	"cimcconf/internal/cimc"
)

// Credentials identify the CIMC account used for a session.
type Credentials struct {
	User     string
	Password string
}

// Session is one authenticated CIMC login. It is owned by a single broker
// call and is never reused.
type Session struct {
	client cimc.Client
	cookie string
	logger *slog.Logger
}

// WithSession logs in, runs fn and logs out exactly once, whatever fn
// returns. A failed login returns ErrAuthenticationFailure without running
// fn or attempting a logout. Logout failures are logged and never replace
// fn's result.
func WithSession(ctx context.Context, client cimc.Client, creds Credentials, logger *slog.Logger, fn func(*Session) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	cookie, err := client.Login(ctx, creds.User, creds.Password)
	if err != nil {
		var apiErr *cimc.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailure, apiErr.Description)
		}
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}

	s := &Session{client: client, cookie: cookie, logger: logger}
	defer s.close(ctx)
	return fn(s)
}

func (s *Session) close(ctx context.Context) {
	// Logout still has to reach the CIMC when the caller's context is done.
	if err := s.client.Logout(context.WithoutCancel(ctx), s.cookie); err != nil {
		s.logger.Warn("cimc logout failed", "error", err)
		return
	}
	s.logger.Debug("cimc session closed")
}

func (s *Session) resolveDn(ctx context.Context, dn string, hierarchical bool) (*cimc.ManagedObject, error) {
	mo, err := s.client.ResolveDn(ctx, s.cookie, dn, hierarchical)
	return mo, remoteError("resolve "+dn, err)
}

func (s *Session) resolveClass(ctx context.Context, classID string, hierarchical bool) ([]cimc.ManagedObject, error) {
	mos, err := s.client.ResolveClass(ctx, s.cookie, classID, hierarchical)
	return mos, remoteError("resolve class "+classID, err)
}

func (s *Session) resolveChildren(ctx context.Context, dn, classID string) ([]cimc.ManagedObject, error) {
	mos, err := s.client.ResolveChildren(ctx, s.cookie, dn, classID, false)
	return mos, remoteError("resolve children of "+dn, err)
}

func (s *Session) confMo(ctx context.Context, dn string, in cimc.ManagedObject) error {
	_, err := s.client.ConfigConfMo(ctx, s.cookie, dn, in)
	return remoteError("configure "+dn, err)
}
