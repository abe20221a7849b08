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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cimcconf/pkg/crypto"
)

var envKeys = []string{
	"CIMC_HOST", "CIMC_USER", "CIMC_PASSWORD", "CIMC_ENCRYPTION_KEY", "CIMC_TIMEOUT",
	"CIMC_POLL_INTERVAL", "CIMC_REQUEST_TIMEOUT", "CIMC_INSECURE_TLS",
	"LOG_LEVEL", "CIMC_AUDIT_DB", "CIMC_METRICS_FILE",
}

func clearEnv() {
	for _, k := range envKeys {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) { //nolint:paralleltest // cannot have simultaneous tests modifying environment variables
	clearEnv()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Timeout)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.InsecureTLS)
	assert.Equal(t, "info", cfg.Level)
	assert.Empty(t, cfg.Host)
	assert.Empty(t, cfg.Journal.Path)
	assert.Empty(t, cfg.Metrics.File)
}

func TestLoad_EnvVars(t *testing.T) { //nolint:paralleltest // cannot have simultaneous tests modifying environment variables
	clearEnv()
	defer clearEnv()

	os.Setenv("CIMC_HOST", "10.0.0.5")
	os.Setenv("CIMC_USER", "admin")
	os.Setenv("CIMC_PASSWORD", "password")
	os.Setenv("CIMC_TIMEOUT", "90")
	os.Setenv("CIMC_POLL_INTERVAL", "5s")
	os.Setenv("CIMC_INSECURE_TLS", "false")
	os.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, "admin", cfg.User)
	assert.Equal(t, "password", cfg.Password)
	assert.Equal(t, 90, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.False(t, cfg.InsecureTLS)
	assert.Equal(t, "debug", cfg.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvVars(t *testing.T) { //nolint:paralleltest // cannot have simultaneous tests modifying environment variables
	clearEnv()
	defer clearEnv()

	configYAML := `
cimc:
  host: cimc-lab-01
  user: ops
  timeout: 60
logger:
  log_level: warn
journal:
  path: /var/lib/cimcctl/journal.db
`
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	os.Setenv("CIMC_USER", "override")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cimc-lab-01", cfg.Host)
	assert.Equal(t, "override", cfg.User)
	assert.Equal(t, 60, cfg.Timeout)
	assert.Equal(t, "warn", cfg.Level)
	assert.Equal(t, "/var/lib/cimcctl/journal.db", cfg.Journal.Path)
	// Untouched by the file.
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
}

func TestLoad_MissingFile(t *testing.T) { //nolint:paralleltest // cannot have simultaneous tests modifying environment variables
	clearEnv()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is required")
	assert.Contains(t, err.Error(), "user is required")

	cfg.Host = "10.0.0.5"
	cfg.User = "admin"
	assert.NoError(t, cfg.Validate())

	cfg.PollInterval = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestConvergenceTimeout(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	assert.Equal(t, 30*time.Second, cfg.ConvergenceTimeout())

	cfg.Timeout = 0
	assert.Less(t, cfg.ConvergenceTimeout(), time.Duration(0))
	cfg.Timeout = -4
	assert.Less(t, cfg.ConvergenceTimeout(), time.Duration(0))
}

func TestResolvedPassword(t *testing.T) {
	t.Parallel()

	enc, err := crypto.NewEncryptor("site-key")
	require.NoError(t, err)
	ct, err := enc.Encrypt("cimc-secret")
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.Password = crypto.EncryptedPrefix + ct
	cfg.EncryptionKey = "site-key"
	got, err := cfg.ResolvedPassword()
	require.NoError(t, err)
	assert.Equal(t, "cimc-secret", got)

	cfg.EncryptionKey = ""
	_, err = cfg.ResolvedPassword()
	assert.ErrorIs(t, err, crypto.ErrNoKey)

	cfg.Password = "plain"
	got, err = cfg.ResolvedPassword()
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}
