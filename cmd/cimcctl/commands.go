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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cimcconf/internal/broker"
	"cimcconf/internal/config"
	"cimcconf/internal/ctxkeys"
	"cimcconf/internal/database"
	"cimcconf/internal/logging"
	"cimcconf/internal/metrics"
	"cimcconf/pkg/crypto"
)

// app holds the parsed persistent flags shared by all subcommands.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath  string
	host        string
	user        string
	password    string
	timeout     int
	insecure    bool
	logLevel    string
	output      string
	auditDB     string
	metricsFile string
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cimcctl",
		Short:         "Reconcile Cisco CIMC power, boot order and virtual media",
		Long:          "cimcctl reads and changes CIMC configuration over the XML API. Each set brings one resource to the requested state and waits until the change is observable.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config-path", os.Getenv("CIMC_CONFIG"), "YAML config file (env CIMC_CONFIG)")
	pf.StringVar(&a.host, "host", "", "CIMC address (env CIMC_HOST)")
	pf.StringVar(&a.user, "user", "", "CIMC user (env CIMC_USER)")
	pf.StringVar(&a.password, "password", "", "CIMC password, or enc:<ciphertext> (env CIMC_PASSWORD)")
	pf.IntVar(&a.timeout, "timeout", 30, "convergence timeout in seconds (env CIMC_TIMEOUT)")
	pf.BoolVar(&a.insecure, "insecure", true, "skip TLS certificate verification (env CIMC_INSECURE_TLS)")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error (env LOG_LEVEL)")
	pf.StringVarP(&a.output, "output", "o", "json", "output format: json or yaml")
	pf.StringVar(&a.auditDB, "audit-db", "", "sqlite journal of invocations (env CIMC_AUDIT_DB)")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile (env CIMC_METRICS_FILE)")

	root.AddCommand(a.runCmd(), a.getCmd(), a.setCmd(), a.historyCmd(), a.encryptPasswordCmd())
	return root
}

func (a *app) runCmd() *cobra.Command {
	var (
		resource   string
		task       string
		pairs      []string
		configFile string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a get or set task against one resource",
		Example: `  cimcctl run --host 10.0.0.5 --user admin --resource power --task set --config power_state=reboot
  cimcctl run --resource vmedias --task set --config-file iso.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgMap, err := requestConfig(configFile, pairs)
			if err != nil {
				return err
			}
			return a.invoke(cmd, resource, task, cfgMap)
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "power, boot_device, net_adaptors or vmedias")
	cmd.Flags().StringVar(&task, "task", broker.TaskGet, "get or set")
	cmd.Flags().StringArrayVar(&pairs, "config", nil, "resource config as key=value (repeatable)")
	cmd.Flags().StringVar(&configFile, "config-file", "", "YAML mapping of resource config keys")
	_ = cmd.MarkFlagRequired("resource")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "get <resource>",
		Short:     "Show the current state of a resource",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{broker.ResourcePower, broker.ResourceBootDevice, broker.ResourceNetAdaptors, broker.ResourceVMedias},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.invoke(cmd, args[0], broker.TaskGet, nil)
		},
	}
}

func (a *app) setCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "set <resource> [key=value...]",
		Short: "Bring a resource to the requested state",
		Example: `  cimcctl set power power_state=off
  cimcctl set boot_device device=PXE order=1
  cimcctl set vmedias name=iso1 map=web remote_share=http://10.0.0.1/isos/ remote_file=rhel.iso`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgMap, err := requestConfig(configFile, args[1:])
			if err != nil {
				return err
			}
			return a.invoke(cmd, args[0], broker.TaskSet, cfgMap)
		},
	}
	cmd.Flags().StringVar(&configFile, "config-file", "", "YAML mapping of resource config keys")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var (
		limit   int
		allHost bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled invocations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("no journal configured (--audit-db or CIMC_AUDIT_DB)")
			}
			db, err := openJournal(cmd.Context(), cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			host := cfg.Host
			if allHost {
				host = ""
			}
			invs, err := db.ListInvocations(cmd.Context(), host, limit)
			if err != nil {
				return err
			}
			out := make([]historyEntry, 0, len(invs))
			for _, inv := range invs {
				out = append(out, newHistoryEntry(inv))
			}
			return writeDocument(a.stdout, a.output, out)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().BoolVar(&allHost, "all", false, "include every host, not only --host")
	return cmd
}

func (a *app) encryptPasswordCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "encrypt-password [password]",
		Short: "Encrypt a password for use as CIMC_PASSWORD",
		Long:  "Prints enc:<ciphertext> for the given password (or the first line of stdin). The key comes from --key or CIMC_ENCRYPTION_KEY.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("CIMC_ENCRYPTION_KEY")
			}
			if key == "" {
				return crypto.ErrNoKey
			}
			var plaintext string
			if len(args) == 1 {
				plaintext = args[0]
			} else {
				line, err := bufio.NewReader(a.stdin).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				plaintext = strings.TrimRight(line, "\r\n")
			}
			enc, err := crypto.NewEncryptor(key)
			if err != nil {
				return err
			}
			ct, err := enc.Encrypt(plaintext)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, crypto.EncryptedPrefix+ct)
			return err
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "encryption passphrase (env CIMC_ENCRYPTION_KEY)")
	return cmd
}

// loadConfig reads file and environment settings, then applies flags the
// user set explicitly.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = a.host
	}
	if flags.Changed("user") {
		cfg.User = a.user
	}
	if flags.Changed("password") {
		cfg.Password = a.password
	}
	if flags.Changed("timeout") {
		cfg.Timeout = a.timeout
	}
	if flags.Changed("insecure") {
		cfg.InsecureTLS = a.insecure
	}
	if flags.Changed("log-level") {
		cfg.Level = a.logLevel
	}
	if flags.Changed("audit-db") {
		cfg.Journal.Path = a.auditDB
	}
	if flags.Changed("metrics-file") {
		cfg.Metrics.File = a.metricsFile
	}
	return cfg, nil
}

// invoke runs one broker call and prints its result document. Failures are
// printed as {failed: true, msg} and reported through the exit code.
func (a *app) invoke(cmd *cobra.Command, resource, task string, cfgMap map[string]string) error {
	if a.output != "json" && a.output != "yaml" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(a.stderr, cfg.Level)
	slog.SetDefault(logger)

	ctx, cid := ctxkeys.EnsureCorrelationID(cmd.Context())
	start := time.Now()
	res, err := a.dispatch(ctx, cfg, logger, resource, task, cfgMap)
	duration := time.Since(start)

	a.journal(ctx, cfg, logger, database.Invocation{
		CorrelationID: cid,
		Host:          cfg.Host,
		Resource:      resource,
		Task:          task,
		Config:        redactedConfig(cfgMap),
		Changed:       res.Changed,
		Result:        resultLabel(res, err),
		Error:         errorText(err),
		DurationMS:    duration.Milliseconds(),
	})
	if cfg.Metrics.File != "" {
		if werr := metrics.WriteTextfile(cfg.Metrics.File); werr != nil {
			logger.Warn("failed to write metrics textfile", "path", cfg.Metrics.File, "error", werr)
		}
	}

	if err != nil {
		if werr := writeDocument(a.stdout, a.output, failure{Failed: true, Msg: err.Error()}); werr != nil {
			logger.Error("failed to write output", "error", werr)
		}
		code := 1
		if broker.IsClientError(err) {
			code = 2
		}
		return &exitError{code: code, err: err}
	}
	return writeDocument(a.stdout, a.output, res)
}

func (a *app) dispatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, resource, task string, cfgMap map[string]string) (broker.Result, error) {
	if err := cfg.Validate(); err != nil {
		return broker.Result{}, fmt.Errorf("%w: %w", broker.ErrInvalidArgument, err)
	}
	password, err := cfg.ResolvedPassword()
	if err != nil {
		return broker.Result{}, fmt.Errorf("%w: password: %w", broker.ErrInvalidArgument, err)
	}
	b, err := broker.New(broker.Options{
		Host:           cfg.Host,
		User:           cfg.User,
		Password:       password,
		Timeout:        cfg.ConvergenceTimeout(),
		PollInterval:   cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		InsecureTLS:    cfg.InsecureTLS,
		Logger:         logger,
	})
	if err != nil {
		return broker.Result{}, err
	}
	return b.Dispatch(ctx, resource, task, cfgMap)
}

// journal records the invocation when a journal is configured. Journal
// errors are logged and never change the command result.
func (a *app) journal(ctx context.Context, cfg *config.Config, logger *slog.Logger, inv database.Invocation) {
	if cfg.Journal.Path == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	db, err := openJournal(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Warn("failed to open journal", "path", cfg.Journal.Path, "error", err)
		return
	}
	defer func() { _ = db.Close() }()
	if err := db.RecordInvocation(ctx, &inv); err != nil {
		logger.Warn("failed to journal invocation", "error", err)
	}
}

func openJournal(ctx context.Context, path string) (*database.DB, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// requestConfig merges the YAML config file with key=value pairs; pairs win.
func requestConfig(path string, pairs []string) (map[string]string, error) {
	out := map[string]string{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		for k, v := range raw {
			if v == nil {
				out[k] = ""
				continue
			}
			out[k] = fmt.Sprint(v)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid config %q (expected key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

var secretKeys = map[string]bool{"password": true}

// redactedConfig renders cfgMap as JSON with secrets masked.
func redactedConfig(cfgMap map[string]string) string {
	if len(cfgMap) == 0 {
		return ""
	}
	clean := make(map[string]string, len(cfgMap))
	for k, v := range cfgMap {
		switch {
		case secretKeys[k]:
			clean[k] = crypto.RedactPassword(v)
		case k == "mount_options":
			clean[k] = crypto.RedactMountOptions(v)
		default:
			clean[k] = v
		}
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return ""
	}
	return string(b)
}

func resultLabel(res broker.Result, err error) string {
	switch {
	case err != nil:
		return "failed"
	case res.Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
