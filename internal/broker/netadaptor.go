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

	"cimcconf/internal/cimc"
)

// NetAdaptor is a network adaptor of the rack unit with its host vNICs.
type NetAdaptor struct {
	DN       string `json:"dn" yaml:"dn"`
	RN       string `json:"rn" yaml:"rn"`
	Vendor   string `json:"vendor" yaml:"vendor"`
	ID       string `json:"id" yaml:"id"`
	PciSlot  string `json:"pci_slot" yaml:"pci_slot"`
	PciAddr  string `json:"pci_addr" yaml:"pci_addr"`
	Serial   string `json:"serial" yaml:"serial"`
	Model    string `json:"model" yaml:"model"`
	Presence string `json:"presence" yaml:"presence"`
	VNICs    []VNIC `json:"vnics" yaml:"vnics"`
}

// VNIC is a host Ethernet interface of an adaptor.
type VNIC struct {
	DN        string `json:"dn" yaml:"dn"`
	RN        string `json:"rn" yaml:"rn"`
	IfType    string `json:"if_type" yaml:"if_type"`
	IscsiBoot string `json:"iscsi_boot" yaml:"iscsi_boot"`
	Mac       string `json:"mac" yaml:"mac"`
	Name      string `json:"name" yaml:"name"`
	Mtu       string `json:"mtu" yaml:"mtu"`
	PxeBoot   string `json:"pxe_boot" yaml:"pxe_boot"`
	VlanID    string `json:"vlan_id" yaml:"vlan_id"`
	VlanMode  string `json:"vlan_mode" yaml:"vlan_mode"`
}

// NetAdaptorReader lists network adaptors. Adaptors are read-only.
type NetAdaptorReader struct{}

// GetNetAdaptors walks rack unit, adaptors, vNICs and their general profile.
func (NetAdaptorReader) GetNetAdaptors(ctx context.Context, s *Session) ([]NetAdaptor, error) {
	adaptors := []NetAdaptor{}
	units, err := s.resolveClass(ctx, cimc.ClassComputeRackUnit, false)
	if err != nil || len(units) == 0 {
		return adaptors, err
	}
	// One rack unit per CIMC.
	unitDn := units[0].Dn()
	if unitDn == "" {
		unitDn = cimc.DnRackUnit
	}

	adaptorObjs, err := s.resolveChildren(ctx, unitDn, cimc.ClassAdaptorUnit)
	if err != nil {
		return nil, err
	}
	for _, a := range adaptorObjs {
		adaptor := NetAdaptor{
			DN:       a.Dn(),
			RN:       rnOf(a),
			Vendor:   a.Get("vendor"),
			ID:       a.Get("id"),
			PciSlot:  a.Get("pciSlot"),
			PciAddr:  a.Get("pciAddr"),
			Serial:   a.Get("serial"),
			Model:    a.Get("model"),
			Presence: a.Get("presence"),
			VNICs:    []VNIC{},
		}
		vnics, err := s.resolveChildren(ctx, a.Dn(), cimc.ClassAdaptorHostEthIf)
		if err != nil {
			return nil, err
		}
		for _, v := range vnics {
			vnic := VNIC{
				DN:        v.Dn(),
				RN:        rnOf(v),
				IfType:    v.Get("ifType"),
				IscsiBoot: v.Get("iscsiBoot"),
				Mac:       v.Get("mac"),
				Name:      v.Get("name"),
				Mtu:       v.Get("mtu"),
				PxeBoot:   v.Get("pxeBoot"),
			}
			profiles, err := s.resolveChildren(ctx, v.Dn(), cimc.ClassAdaptorEthGenProfile)
			if err != nil {
				return nil, err
			}
			if len(profiles) > 0 {
				vnic.VlanID = profiles[0].Get("vlan")
				vnic.VlanMode = profiles[0].Get("vlanMode")
			}
			adaptor.VNICs = append(adaptor.VNICs, vnic)
		}
		adaptors = append(adaptors, adaptor)
	}
	return adaptors, nil
}
