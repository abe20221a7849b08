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

package cimc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cimcconf/internal/cimc"
	"cimcconf/internal/cimc/cimctest"
)

func newClient(t *testing.T) (*cimctest.Fake, *cimc.HTTPClient) {
	t.Helper()
	fake, srv := cimctest.NewServer(t)
	c, err := cimc.NewHTTPClient(cimc.Config{Host: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return fake, c
}

func login(t *testing.T, c *cimc.HTTPClient) string {
	t.Helper()
	cookie, err := c.Login(context.Background(), cimctest.User, cimctest.Password)
	require.NoError(t, err)
	require.NotEmpty(t, cookie)
	return cookie
}

func TestLoginLogout(t *testing.T) {
	fake, c := newClient(t)
	ctx := context.Background()

	cookie := login(t, c)
	assert.Equal(t, 1, fake.LiveSessions())

	require.NoError(t, c.Logout(ctx, cookie))
	assert.Equal(t, 0, fake.LiveSessions())
}

func TestLoginRejected(t *testing.T) {
	_, c := newClient(t)

	_, err := c.Login(context.Background(), "admin", "wrong")
	require.Error(t, err)

	var apiErr *cimc.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %T", err)
	assert.Equal(t, "aaaLogin", apiErr.Method)
	assert.Equal(t, 551, apiErr.Code)
	assert.Contains(t, apiErr.Description, "Authorization failed")
}

func TestCallWithoutSessionFails(t *testing.T) {
	_, c := newClient(t)

	_, err := c.ResolveDn(context.Background(), "bogus", cimc.DnRackUnit, false)
	var apiErr *cimc.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 552, apiErr.Code)
}

func TestResolveDn(t *testing.T) {
	_, c := newClient(t)
	ctx := context.Background()
	cookie := login(t, c)

	mo, err := c.ResolveDn(ctx, cookie, cimc.DnRackUnit, false)
	require.NoError(t, err)
	require.NotNil(t, mo)
	assert.Equal(t, cimc.ClassComputeRackUnit, mo.Class())
	assert.Equal(t, "on", mo.Get("operPower"))
	assert.Empty(t, mo.Children)

	missing, err := c.ResolveDn(ctx, cookie, "sys/rack-unit-9", false)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestResolveClassHierarchical(t *testing.T) {
	_, c := newClient(t)
	cookie := login(t, c)

	defs, err := c.ResolveClass(context.Background(), cookie, cimc.ClassLsbootDef, true)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, cimc.DnBootPolicy, defs[0].Dn())
	assert.Len(t, defs[0].Children, 4)

	vm := defs[0].ChildrenOf(cimc.ClassLsbootVirtualMedia)
	assert.Len(t, vm, 2)
}

func TestResolveChildrenFiltersByClass(t *testing.T) {
	_, c := newClient(t)
	cookie := login(t, c)

	entries, err := c.ResolveChildren(context.Background(), cookie, cimc.DnBiosBootPrecision, cimc.ClassBiosBootDevPrecision, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "HDD", entries[0].Get("name"))

	none, err := c.ResolveChildren(context.Background(), cookie, cimc.DnBiosBootPrecision, "nosuchClass", false)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConfigConfMoCreateModifyRemove(t *testing.T) {
	fake, c := newClient(t)
	ctx := context.Background()
	cookie := login(t, c)

	dn := cimc.DnBootPolicy + "/efi-read-only"
	in := cimc.NewObject(cimc.ClassLsbootEfi, "dn", dn, "rn", "efi-read-only", "access", "read-only", "order", "4", "status", cimc.StatusCreated)
	out, err := c.ConfigConfMo(ctx, cookie, dn, in)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "4", out.Get("order"))

	mod := cimc.NewObject(cimc.ClassLsbootEfi, "dn", dn, "order", "1", "status", cimc.StatusModified)
	_, err = c.ConfigConfMo(ctx, cookie, dn, mod)
	require.NoError(t, err)
	stored, ok := fake.Object(dn)
	require.True(t, ok)
	assert.Equal(t, "1", stored.Get("order"))
	assert.Equal(t, "read-only", stored.Get("access"))

	rm := cimc.NewObject(cimc.ClassLsbootEfi, "dn", dn, "status", cimc.StatusRemoved)
	out, err = c.ConfigConfMo(ctx, cookie, dn, rm)
	require.NoError(t, err)
	assert.Nil(t, out)
	_, ok = fake.Object(dn)
	assert.False(t, ok)

	statuses := []string{}
	for _, m := range fake.ConfMos() {
		statuses = append(statuses, m.Status)
	}
	assert.Equal(t, []string{cimc.StatusCreated, cimc.StatusModified, cimc.StatusRemoved}, statuses)
}

func TestConfigConfMoRemoteError(t *testing.T) {
	fake, c := newClient(t)
	cookie := login(t, c)
	fake.FailConfMo(cimc.DnRackUnit, 103, "Operation not supported")

	in := cimc.NewObject(cimc.ClassComputeRackUnit, "dn", cimc.DnRackUnit, "adminPower", "up")
	_, err := c.ConfigConfMo(context.Background(), cookie, cimc.DnRackUnit, in)

	var apiErr *cimc.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "configConfMo", apiErr.Method)
	assert.Equal(t, 103, apiErr.Code)
	assert.Equal(t, "Operation not supported", apiErr.Description)
}

func TestNewHTTPClientRejectsEmptyHost(t *testing.T) {
	_, err := cimc.NewHTTPClient(cimc.Config{})
	assert.Error(t, err)
}

func TestTransportErrorIsNotAPIError(t *testing.T) {
	c, err := cimc.NewHTTPClient(cimc.Config{Host: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Login(context.Background(), "admin", "password")
	require.Error(t, err)
	var apiErr *cimc.APIError
	assert.False(t, errors.As(err, &apiErr))
}
