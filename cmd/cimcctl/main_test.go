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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cimcconf/internal/cimc"
	"cimcconf/internal/cimc/cimctest"
	"cimcconf/pkg/crypto"
)

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func hostArgs(url string, args ...string) []string {
	return append([]string{"--host", url, "--user", cimctest.User, "--password", cimctest.Password, "--log-level", "error"}, args...)
}

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &out), s)
	return out
}

func TestGetPower(t *testing.T) {
	_, srv := cimctest.NewServer(t)

	res := runCLI(t, "", hostArgs(srv.URL, "get", "power")...)
	require.Equal(t, 0, res.code, res.stderr)

	doc := decodeJSON(t, res.stdout)
	assert.Equal(t, false, doc["changed"])
	assert.Equal(t, map[string]any{"power_state": "on"}, doc["msg"])
}

func TestSetPowerOff(t *testing.T) {
	fake, srv := cimctest.NewServer(t)

	res := runCLI(t, "", hostArgs(srv.URL, "set", "power", "power_state=off")...)
	require.Equal(t, 0, res.code, res.stderr)

	doc := decodeJSON(t, res.stdout)
	assert.Equal(t, true, doc["changed"])
	assert.Equal(t, map[string]any{"power_state": "off"}, doc["msg"])

	mo, ok := fake.Object(cimc.DnRackUnit)
	require.True(t, ok)
	assert.Equal(t, "off", mo.Get("operPower"))
	assert.Zero(t, fake.LiveSessions())
}

func TestRunCommandYAMLOutput(t *testing.T) {
	_, srv := cimctest.NewServer(t)

	res := runCLI(t, "", hostArgs(srv.URL, "-o", "yaml", "run", "--resource", "boot_device")...)
	require.Equal(t, 0, res.code, res.stderr)

	var doc struct {
		Changed bool `yaml:"changed"`
		Msg     struct {
			BootDevice []map[string]any `yaml:"boot_device"`
		} `yaml:"msg"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(res.stdout), &doc))
	assert.False(t, doc.Changed)
	require.NotEmpty(t, doc.Msg.BootDevice)
}

func TestInvalidInputExitsTwo(t *testing.T) {
	fake, srv := cimctest.NewServer(t)

	res := runCLI(t, "", hostArgs(srv.URL, "set", "power", "power_state=sideways")...)
	assert.Equal(t, 2, res.code)

	doc := decodeJSON(t, res.stdout)
	assert.Equal(t, true, doc["failed"])
	assert.Contains(t, doc["msg"], "sideways")
	assert.Zero(t, fake.TotalCalls(), "validation must happen before any request")
}

func TestUnsupportedSetExitsTwo(t *testing.T) {
	_, srv := cimctest.NewServer(t)

	res := runCLI(t, "", hostArgs(srv.URL, "set", "net_adaptors")...)
	assert.Equal(t, 2, res.code)
	assert.Equal(t, true, decodeJSON(t, res.stdout)["failed"])
}

func TestAuthenticationFailureExitsOne(t *testing.T) {
	_, srv := cimctest.NewServer(t)

	res := runCLI(t, "", "--host", srv.URL, "--user", "admin", "--password", "wrong", "--log-level", "error", "get", "power")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, decodeJSON(t, res.stdout)["msg"], "authentication")
}

func TestMissingHostExitsTwo(t *testing.T) {
	res := runCLI(t, "", "--user", "admin", "--log-level", "error", "get", "power")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, decodeJSON(t, res.stdout)["msg"], "host is required")
}

func TestMalformedConfigPair(t *testing.T) {
	res := runCLI(t, "", "--host", "cimc", "--user", "admin", "set", "power", "power_state")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "expected key=value")
}

func TestConfigFileAndJournal(t *testing.T) {
	fake, srv := cimctest.NewServer(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "journal.db")
	reqFile := filepath.Join(dir, "iso.yml")
	require.NoError(t, os.WriteFile(reqFile, []byte(`
name: iso1
map: web
remote_share: http://10.0.0.1/isos/
remote_file: rhel.iso
password: hunter2
`), 0o600))

	res := runCLI(t, "", hostArgs(srv.URL, "--audit-db", db,
		"run", "--resource", "vmedias", "--task", "set", "--config-file", reqFile, "--config", "user=ops")...)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, true, decodeJSON(t, res.stdout)["changed"])
	assert.Equal(t, []string{"iso1"}, fake.MappingNames())

	hist := runCLI(t, "", hostArgs(srv.URL, "--audit-db", db, "history")...)
	require.Equal(t, 0, hist.code, hist.stderr)

	var entries []historyEntry
	require.NoError(t, json.Unmarshal([]byte(hist.stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "vmedias", entries[0].Resource)
	assert.Equal(t, "set", entries[0].Task)
	assert.Equal(t, "changed", entries[0].Result)
	assert.True(t, entries[0].Changed)
	assert.Contains(t, entries[0].Config, `"user":"ops"`)
	assert.NotContains(t, entries[0].Config, "hunter2")
}

func TestHistoryRequiresJournal(t *testing.T) {
	res := runCLI(t, "", "history")
	assert.Equal(t, 2, res.code)
	assert.Contains(t, res.stderr, "no journal configured")
}

func TestMetricsFileWritten(t *testing.T) {
	_, srv := cimctest.NewServer(t)
	path := filepath.Join(t.TempDir(), "cimc.prom")

	res := runCLI(t, "", hostArgs(srv.URL, "--metrics-file", path, "get", "power")...)
	require.Equal(t, 0, res.code, res.stderr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cimc_")
}

func TestEncryptPasswordRoundTrip(t *testing.T) {
	const key = "test-passphrase"

	res := runCLI(t, "s3cret\n", "encrypt-password", "--key", key)
	require.Equal(t, 0, res.code, res.stderr)

	out := strings.TrimSpace(res.stdout)
	require.True(t, strings.HasPrefix(out, crypto.EncryptedPrefix), out)

	plain, err := crypto.ResolvePassword(out, key)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", plain)
}

func TestEncryptedPasswordLogin(t *testing.T) {
	_, srv := cimctest.NewServer(t)
	const key = "test-passphrase"

	enc := runCLI(t, "", "encrypt-password", "--key", key, cimctest.Password)
	require.Equal(t, 0, enc.code, enc.stderr)
	t.Setenv("CIMC_ENCRYPTION_KEY", key)

	cfgPath := filepath.Join(t.TempDir(), "cimc.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"cimc:\n  host: "+srv.URL+"\n  user: admin\n  password: \""+strings.TrimSpace(enc.stdout)+"\"\nlogger:\n  log_level: error\n"), 0o600))

	res := runCLI(t, "", "--config-path", cfgPath, "get", "power")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, map[string]any{"power_state": "on"}, decodeJSON(t, res.stdout)["msg"])
}
