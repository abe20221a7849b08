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

// Package config loads cimcctl settings from an optional YAML file and the
// environment, on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"cimcconf/pkg/crypto"
)

const (
	defaultTimeoutSeconds = 30
	defaultPollInterval   = 3 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

type (
	// Config -.
	Config struct {
		CIMC    `yaml:"cimc"`
		Log     `yaml:"logger"`
		Journal `yaml:"journal"`
		Metrics `yaml:"metrics"`
	}

	// CIMC holds the endpoint, credentials and convergence settings.
	CIMC struct {
		Host     string `yaml:"host" env:"CIMC_HOST"`
		User     string `yaml:"user" env:"CIMC_USER"`
		Password string `yaml:"password" env:"CIMC_PASSWORD"`
		// EncryptionKey decrypts an "enc:" prefixed Password.
		EncryptionKey string `yaml:"encryption_key" env:"CIMC_ENCRYPTION_KEY"`
		// Timeout is the convergence budget in seconds.
		Timeout        int           `yaml:"timeout" env:"CIMC_TIMEOUT"`
		PollInterval   time.Duration `yaml:"poll_interval" env:"CIMC_POLL_INTERVAL"`
		RequestTimeout time.Duration `yaml:"request_timeout" env:"CIMC_REQUEST_TIMEOUT"`
		InsecureTLS    bool          `yaml:"insecure_tls" env:"CIMC_INSECURE_TLS"`
	}

	// Log -.
	Log struct {
		Level string `yaml:"log_level" env:"LOG_LEVEL"`
	}

	// Journal is the optional sqlite invocation journal.
	Journal struct {
		Path string `yaml:"path" env:"CIMC_AUDIT_DB"`
	}

	// Metrics is the optional Prometheus textfile output.
	Metrics struct {
		File string `yaml:"file" env:"CIMC_METRICS_FILE"`
	}
)

// defaultConfig constructs the in-memory default configuration.
func defaultConfig() *Config {
	return &Config{
		CIMC: CIMC{
			Timeout:        defaultTimeoutSeconds,
			PollInterval:   defaultPollInterval,
			RequestTimeout: defaultRequestTimeout,
			// CIMCs ship self-signed certificates.
			InsecureTLS: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any)
// and then the environment.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return cfg, nil
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings needed to talk to a CIMC.
func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("cimc host is required (--host or CIMC_HOST)"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("cimc user is required (--user or CIMC_USER)"))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll interval must not be negative, got %s", c.PollInterval))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request timeout must not be negative, got %s", c.RequestTimeout))
	}
	return errors.Join(errs...)
}

// ConvergenceTimeout converts Timeout to a duration. A non-positive value
// yields a negative duration, which allows no convergence reads.
func (c *Config) ConvergenceTimeout() time.Duration {
	if c.Timeout <= 0 {
		return -1
	}
	return time.Duration(c.Timeout) * time.Second
}

// ResolvedPassword returns the plaintext password, decrypting an "enc:"
// value with EncryptionKey.
func (c *Config) ResolvedPassword() (string, error) {
	return crypto.ResolvePassword(c.Password, c.EncryptionKey)
}
