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
	"fmt"
	"path"
	"strconv"
	"strings"

	"cimcconf/internal/cimc"
	"cimcconf/internal/metrics"
)

// BootMode is the remote boot configuration scheme.
type BootMode string

const (
	BootModeLegacy    BootMode = "legacy"
	BootModePrecision BootMode = "precision"
)

// BootDevice is a legacy boot device kind.
type BootDevice string

const (
	BootCDROM BootDevice = "CDROM"
	BootFDD   BootDevice = "FDD"
	BootPXE   BootDevice = "PXE"
	BootEFI   BootDevice = "EFI"
	BootHDD   BootDevice = "HDD"
)

const (
	minBootOrder = 1
	maxBootOrder = 5
)

// BootDeviceEntry is one configured boot device. Slot, Type and Description
// are only reported in precision mode.
type BootDeviceEntry struct {
	Device      string `json:"device" yaml:"device"`
	Order       int    `json:"order" yaml:"order"`
	Slot        string `json:"slot,omitempty" yaml:"slot,omitempty"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

type bootTemplate struct {
	rn     string
	access string
	class  string
}

func (t bootTemplate) dn() string {
	return cimc.DnBootPolicy + "/" + t.rn
}

var bootTemplates = map[BootDevice]bootTemplate{
	BootCDROM: {rn: "vm-read-only", access: "read-only", class: cimc.ClassLsbootVirtualMedia},
	BootFDD:   {rn: "vm-read-write", access: "read-write", class: cimc.ClassLsbootVirtualMedia},
	BootPXE:   {rn: "lan-read-only", access: "read-only", class: cimc.ClassLsbootLan},
	BootEFI:   {rn: "efi-read-only", access: "read-only", class: cimc.ClassLsbootEfi},
	BootHDD:   {rn: "storage-read-write", access: "read-write", class: cimc.ClassLsbootStorage},
}

var bootDeviceByRn = func() map[string]BootDevice {
	m := make(map[string]BootDevice, len(bootTemplates))
	for dev, t := range bootTemplates {
		m[t.rn] = dev
	}
	return m
}()

// ParseBootDevice validates a device kind and an order in 1..5.
func ParseBootDevice(device, order string) (BootDevice, int, error) {
	dev := BootDevice(device)
	if _, ok := bootTemplates[dev]; !ok {
		return "", 0, invalidArgf("device must be one of CDROM, FDD, PXE, EFI, HDD, got %q", device)
	}
	n, err := strconv.Atoi(strings.TrimSpace(order))
	if err != nil {
		return "", 0, invalidArgf("order must be an integer, got %q", order)
	}
	if n < minBootOrder || n > maxBootOrder {
		return "", 0, invalidArgf("order must be in [%d-%d], got %d", minBootOrder, maxBootOrder, n)
	}
	return dev, n, nil
}

// BootOrderManager reads boot configuration and reconciles legacy boot order.
type BootOrderManager struct{}

// GetBootMode reads configuredBootMode. Anything but "Legacy" is precision.
func (m *BootOrderManager) GetBootMode(ctx context.Context, s *Session) (BootMode, error) {
	mo, err := s.resolveDn(ctx, cimc.DnBootPrecision, false)
	if err != nil {
		return "", err
	}
	if mo != nil && mo.Get("configuredBootMode") == "Legacy" {
		return BootModeLegacy, nil
	}
	return BootModePrecision, nil
}

// GetBootDevices lists the configured boot devices for the current mode.
func (m *BootOrderManager) GetBootDevices(ctx context.Context, s *Session) ([]BootDeviceEntry, error) {
	mode, err := m.GetBootMode(ctx, s)
	if err != nil {
		return nil, err
	}
	if mode == BootModeLegacy {
		return m.legacyDevices(ctx, s)
	}
	return m.precisionDevices(ctx, s)
}

// legacyDevices scans the children of the first lsbootDef. Entries with an
// unknown rn or an order that is not a positive integer are skipped.
func (m *BootOrderManager) legacyDevices(ctx context.Context, s *Session) ([]BootDeviceEntry, error) {
	defs, err := s.resolveClass(ctx, cimc.ClassLsbootDef, true)
	if err != nil {
		return nil, err
	}
	devices := []BootDeviceEntry{}
	if len(defs) == 0 {
		return devices, nil
	}
	for _, child := range defs[0].Children {
		dev, ok := bootDeviceByRn[rnOf(child)]
		if !ok {
			continue
		}
		order, err := strconv.Atoi(child.Get("order"))
		if err != nil || order <= 0 {
			continue
		}
		devices = append(devices, BootDeviceEntry{Device: string(dev), Order: order})
	}
	return devices, nil
}

func (m *BootOrderManager) precisionDevices(ctx context.Context, s *Session) ([]BootDeviceEntry, error) {
	entries, err := s.resolveChildren(ctx, cimc.DnBiosBootPrecision, cimc.ClassBiosBootDevPrecision)
	if err != nil {
		return nil, err
	}
	devices := make([]BootDeviceEntry, 0, len(entries))
	for _, e := range entries {
		order, _ := strconv.Atoi(e.Get("order"))
		devices = append(devices, BootDeviceEntry{
			Slot:        e.Get("slot"),
			Device:      e.Get("name"),
			Type:        e.Get("type"),
			Order:       order,
			Description: e.Get("descr"),
		})
	}
	return devices, nil
}

// SetBootDevice places device at order in the legacy boot policy. An
// existing object is updated in place; a missing one is created. Precision
// mode is rejected before any write.
func (m *BootOrderManager) SetBootDevice(ctx context.Context, s *Session, device BootDevice, order int) ([]BootDeviceEntry, bool, error) {
	tmpl, ok := bootTemplates[device]
	if !ok {
		return nil, false, invalidArgf("unknown boot device %q", device)
	}
	if order < minBootOrder || order > maxBootOrder {
		return nil, false, invalidArgf("order must be in [%d-%d], got %d", minBootOrder, maxBootOrder, order)
	}

	mode, err := m.GetBootMode(ctx, s)
	if err != nil {
		return nil, false, err
	}
	if mode != BootModeLegacy {
		return nil, false, unsupportedf("setting boot device requires legacy boot mode, got %s", mode)
	}

	current, err := m.legacyDevices(ctx, s)
	if err != nil {
		return nil, false, err
	}
	for _, e := range current {
		if e.Device == string(device) && e.Order == order {
			return current, false, nil
		}
	}

	dn := tmpl.dn()
	existing, err := s.resolveDn(ctx, dn, false)
	if err != nil {
		return nil, false, err
	}

	var in cimc.ManagedObject
	action := "update"
	if existing != nil {
		in = cimc.NewObject(tmpl.class,
			"dn", dn,
			"order", strconv.Itoa(order),
			"status", cimc.StatusModified)
	} else {
		action = "create"
		in = cimc.NewObject(tmpl.class,
			"dn", dn,
			"rn", tmpl.rn,
			"access", tmpl.access,
			"order", strconv.Itoa(order),
			"status", cimc.StatusCreated)
	}
	s.logger.Info("setting boot device", "device", device, "order", order, "action", action)
	if err := s.confMo(ctx, dn, in); err != nil {
		return nil, false, fmt.Errorf("set boot device %s: %w", device, err)
	}
	metrics.IncChange(ResourceBootDevice, action)

	devices, err := m.legacyDevices(ctx, s)
	return devices, true, err
}

// rnOf returns the rn attribute, falling back to the last DN segment.
func rnOf(mo cimc.ManagedObject) string {
	if rn := mo.Get("rn"); rn != "" {
		return rn
	}
	return path.Base(mo.Dn())
}
