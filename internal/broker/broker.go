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

// Package broker reconciles CIMC power state, legacy boot order and virtual
// media mappings towards a requested configuration. Every call opens its own
// CIMC session, reads live state, applies the smallest change that reaches
// the target, waits for it to be observable and logs out again.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cimcconf/internal/cimc"
	"cimcconf/internal/ctxkeys"
	"cimcconf/internal/metrics"
)

// Resources and tasks accepted by Dispatch.
const (
	ResourcePower       = "power"
	ResourceBootDevice  = "boot_device"
	ResourceNetAdaptors = "net_adaptors"
	ResourceVMedias     = "vmedias"

	TaskGet = "get"
	TaskSet = "set"
)

// DefaultTimeout is the convergence budget when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Result is the outcome of one broker call.
type Result struct {
	Changed bool `json:"changed" yaml:"changed"`
	Msg     any  `json:"msg" yaml:"msg"`
}

// PowerMsg is the Msg of power calls.
type PowerMsg struct {
	PowerState PowerState `json:"power_state" yaml:"power_state"`
}

// BootDeviceMsg is the Msg of boot_device calls.
type BootDeviceMsg struct {
	BootDevice []BootDeviceEntry `json:"boot_device" yaml:"boot_device"`
}

// NetAdaptorsMsg is the Msg of net_adaptors calls.
type NetAdaptorsMsg struct {
	NetAdaptors []NetAdaptor `json:"net_adaptors" yaml:"net_adaptors"`
}

// VMediasMsg is the Msg of vmedias calls.
type VMediasMsg struct {
	VMedias VMediaState `json:"vmedias" yaml:"vmedias"`
}

// Options configures a Broker for one CIMC.
type Options struct {
	Host     string
	User     string
	Password string

	// Timeout bounds each convergence wait. Zero means DefaultTimeout; a
	// negative value allows no convergence reads at all.
	Timeout time.Duration
	// PollInterval is the delay between convergence reads.
	PollInterval time.Duration
	// Sleep replaces the context-aware timer used between reads.
	Sleep SleepFunc

	// RequestTimeout bounds each XML API request.
	RequestTimeout time.Duration
	InsecureTLS    bool

	// Client overrides the XML API client built from Host.
	Client cimc.Client
	Logger *slog.Logger
}

// Broker is the entry point for get/set calls against one CIMC. It holds no
// per-call state and may be used concurrently.
type Broker struct {
	host   string
	creds  Credentials
	client cimc.Client
	logger *slog.Logger

	power  *PowerController
	boot   *BootOrderManager
	vmedia *VirtualMediaManager
	nics   NetAdaptorReader
}

// New builds a Broker. No network I/O happens here.
func New(opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		hc, err := cimc.NewHTTPClient(cimc.Config{
			Host:        opts.Host,
			Timeout:     opts.RequestTimeout,
			InsecureTLS: opts.InsecureTLS,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		client = hc
	}
	if opts.User == "" {
		return nil, invalidArgf("user is required")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	poller := Poller{Interval: opts.PollInterval, Timeout: timeout, Sleep: opts.Sleep}

	return &Broker{
		host:   opts.Host,
		creds:  Credentials{User: opts.User, Password: opts.Password},
		client: client,
		logger: logger,
		power:  NewPowerController(poller),
		boot:   &BootOrderManager{},
		vmedia: NewVirtualMediaManager(poller),
	}, nil
}

type operation func(ctx context.Context, s *Session) (Result, error)

// Dispatch runs task ("get" or "set"; empty means get) on resource with the
// resource-specific config keys:
//
//	power:        power_state (on, off, reboot)
//	boot_device:  device (CDROM, FDD, PXE, EFI, HDD), order (1-5)
//	vmedias:      name, map (web, nfs, cifs, unmap), remote_file,
//	              remote_share, mount_options, user, password
//	net_adaptors: read-only
//
// Input is validated before the CIMC is contacted.
func (b *Broker) Dispatch(ctx context.Context, resource, task string, config map[string]string) (Result, error) {
	if task == "" {
		task = TaskGet
	}
	op, err := b.prepare(resource, task, config)
	if err != nil {
		metrics.ObserveInvocation(resource, task, "failed")
		return Result{}, err
	}
	return b.run(ctx, resource, task, op)
}

func (b *Broker) prepare(resource, task string, config map[string]string) (operation, error) {
	if task != TaskGet && task != TaskSet {
		return nil, invalidArgf("task must be get or set, got %q", task)
	}
	switch resource {
	case ResourcePower:
		if task == TaskGet {
			return b.getPower, nil
		}
		req, err := ParsePowerRequest(config["power_state"])
		if err != nil {
			return nil, err
		}
		return b.setPower(req), nil

	case ResourceBootDevice:
		if task == TaskGet {
			return b.getBootDevice, nil
		}
		dev, order, err := ParseBootDevice(config["device"], config["order"])
		if err != nil {
			return nil, err
		}
		return b.setBootDevice(dev, order), nil

	case ResourceNetAdaptors:
		if task == TaskGet {
			return b.getNetAdaptors, nil
		}
		return nil, unsupportedf("setting network adaptors is not supported")

	case ResourceVMedias:
		if task == TaskGet {
			return b.getVMedias, nil
		}
		req, err := ParseMappingRequest(config)
		if err != nil {
			return nil, err
		}
		return b.setVMedias(req), nil
	}
	return nil, invalidArgf("resource must be one of power, boot_device, net_adaptors, vmedias, got %q", resource)
}

// run executes op inside a session, tagging logs with a correlation ID.
func (b *Broker) run(ctx context.Context, resource, task string, op operation) (Result, error) {
	ctx, cid := ctxkeys.EnsureCorrelationID(ctx)
	log := b.logger.With("correlation_id", cid, "host", b.host, "resource", resource, "task", task)
	start := time.Now()

	var res Result
	err := WithSession(ctx, b.client, b.creds, log, func(s *Session) error {
		var err error
		res, err = op(ctx, s)
		return err
	})

	outcome := "unchanged"
	switch {
	case err != nil:
		outcome = "failed"
		log.Error("cimc call failed", "error", err, "duration", time.Since(start))
	case res.Changed:
		outcome = "changed"
		log.Info("cimc call complete", "changed", true, "duration", time.Since(start))
	default:
		log.Debug("cimc call complete", "changed", false, "duration", time.Since(start))
	}
	metrics.ObserveInvocation(resource, task, outcome)
	return res, err
}

func (b *Broker) getPower(ctx context.Context, s *Session) (Result, error) {
	state, err := b.power.GetPower(ctx, s)
	return Result{Msg: PowerMsg{PowerState: state}}, err
}

func (b *Broker) setPower(req PowerRequest) operation {
	return func(ctx context.Context, s *Session) (Result, error) {
		state, changed, err := b.power.SetPower(ctx, s, req)
		return Result{Changed: changed, Msg: PowerMsg{PowerState: state}}, err
	}
}

func (b *Broker) getBootDevice(ctx context.Context, s *Session) (Result, error) {
	devices, err := b.boot.GetBootDevices(ctx, s)
	return Result{Msg: BootDeviceMsg{BootDevice: devices}}, err
}

func (b *Broker) setBootDevice(dev BootDevice, order int) operation {
	return func(ctx context.Context, s *Session) (Result, error) {
		devices, changed, err := b.boot.SetBootDevice(ctx, s, dev, order)
		return Result{Changed: changed, Msg: BootDeviceMsg{BootDevice: devices}}, err
	}
}

func (b *Broker) getNetAdaptors(ctx context.Context, s *Session) (Result, error) {
	adaptors, err := b.nics.GetNetAdaptors(ctx, s)
	return Result{Msg: NetAdaptorsMsg{NetAdaptors: adaptors}}, err
}

func (b *Broker) getVMedias(ctx context.Context, s *Session) (Result, error) {
	state, err := b.vmedia.GetState(ctx, s)
	return Result{Msg: VMediasMsg{VMedias: state}}, err
}

func (b *Broker) setVMedias(req MappingRequest) operation {
	return func(ctx context.Context, s *Session) (Result, error) {
		state, changed, err := b.vmedia.SetMapping(ctx, s, req)
		return Result{Changed: changed, Msg: VMediasMsg{VMedias: state}}, err
	}
}

// GetPower reports the rack unit power state.
func (b *Broker) GetPower(ctx context.Context) (Result, error) {
	return b.run(ctx, ResourcePower, TaskGet, b.getPower)
}

// SetPower drives the rack unit to req.
func (b *Broker) SetPower(ctx context.Context, req PowerRequest) (Result, error) {
	if _, err := ParsePowerRequest(string(req)); err != nil {
		return Result{}, err
	}
	return b.run(ctx, ResourcePower, TaskSet, b.setPower(req))
}

// GetBootDevice lists the configured boot devices.
func (b *Broker) GetBootDevice(ctx context.Context) (Result, error) {
	return b.run(ctx, ResourceBootDevice, TaskGet, b.getBootDevice)
}

// SetBootDevice places dev at order in the legacy boot policy.
func (b *Broker) SetBootDevice(ctx context.Context, dev BootDevice, order int) (Result, error) {
	if _, _, err := ParseBootDevice(string(dev), fmt.Sprint(order)); err != nil {
		return Result{}, err
	}
	return b.run(ctx, ResourceBootDevice, TaskSet, b.setBootDevice(dev, order))
}

// GetNetAdaptors lists network adaptors and their vNICs.
func (b *Broker) GetNetAdaptors(ctx context.Context) (Result, error) {
	return b.run(ctx, ResourceNetAdaptors, TaskGet, b.getNetAdaptors)
}

// SetNetAdaptors always fails with ErrUnsupportedOperation.
func (b *Broker) SetNetAdaptors(context.Context) (Result, error) {
	return Result{}, unsupportedf("setting network adaptors is not supported")
}

// GetVMedias reports the vmedia service state and mappings.
func (b *Broker) GetVMedias(ctx context.Context) (Result, error) {
	return b.run(ctx, ResourceVMedias, TaskGet, b.getVMedias)
}

// SetVMedias reconciles one named mapping.
func (b *Broker) SetVMedias(ctx context.Context, req MappingRequest) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	return b.run(ctx, ResourceVMedias, TaskSet, b.setVMedias(req))
}

// ParseMappingRequest builds a MappingRequest from config keys. A present
// mount_options key, even empty, overrides the map kind default.
func ParseMappingRequest(config map[string]string) (MappingRequest, error) {
	kind, err := ParseMapKind(strings.TrimSpace(config["map"]))
	if err != nil {
		return MappingRequest{}, err
	}
	req := MappingRequest{
		Name:        config["name"],
		RemoteFile:  config["remote_file"],
		RemoteShare: config["remote_share"],
		Map:         kind,
		User:        config["user"],
		Password:    config["password"],
	}
	if opts, ok := config["mount_options"]; ok {
		req.MountOptions = &opts
	}
	return req, req.Validate()
}

// IsClientError reports whether err was caused by caller input or mode
// rather than by the CIMC or the network.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrUnsupportedOperation)
}
