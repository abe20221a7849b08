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

// Package cimc speaks the Cisco IMC XML API. Every request and response is a
// tree of managed objects: an element whose name is the class id, whose
// attributes are the object's properties, and whose child elements are
// contained objects.
package cimc

import (
	"encoding/xml"
	"strconv"
)

// Well-known managed object DNs and class ids used by the broker.
const (
	DnRackUnit          = "sys/rack-unit-1"
	DnBootPrecision     = "sys/rack-unit-1/boot-precision"
	DnBootPolicy        = "sys/rack-unit-1/boot-policy"
	DnBiosBootPrecision = "sys/rack-unit-1/bios/bdgep"
	DnVMediaService     = "sys/svc-ext/vmedia-svc"

	ClassComputeRackUnit      = "computeRackUnit"
	ClassBootPrecision        = "lsbootDevPrecision"
	ClassLsbootDef            = "lsbootDef"
	ClassLsbootVirtualMedia   = "lsbootVirtualMedia"
	ClassLsbootLan            = "lsbootLan"
	ClassLsbootEfi            = "lsbootEfi"
	ClassLsbootStorage        = "lsbootStorage"
	ClassBiosBootDevPrecision = "biosBootDevPrecision"
	ClassCommVMedia           = "commVMedia"
	ClassCommVMediaMap        = "commVMediaMap"
	ClassAdaptorUnit          = "adaptorUnit"
	ClassAdaptorHostEthIf     = "adaptorHostEthIf"
	ClassAdaptorEthGenProfile = "adaptorEthGenProfile"
)

// Values of the "status" attribute understood by configConfMo.
const (
	StatusCreated  = "created"
	StatusModified = "modified"
	StatusRemoved  = "removed"
)

// ManagedObject is a node of the CIMC object model as it appears on the wire.
// The zero value is not useful; build objects with NewObject.
type ManagedObject struct {
	XMLName  xml.Name
	Attrs    []xml.Attr      `xml:",any,attr"`
	Children []ManagedObject `xml:",any"`
}

// NewObject returns an object of the given class with attributes set from
// alternating name/value pairs.
func NewObject(class string, kv ...string) ManagedObject {
	mo := ManagedObject{XMLName: xml.Name{Local: class}}
	for i := 0; i+1 < len(kv); i += 2 {
		mo.Set(kv[i], kv[i+1])
	}
	return mo
}

// Class returns the class id (element name).
func (mo ManagedObject) Class() string {
	return mo.XMLName.Local
}

// Dn returns the distinguished name attribute.
func (mo ManagedObject) Dn() string {
	return mo.Get("dn")
}

// Get returns an attribute value, or "" when absent.
func (mo ManagedObject) Get(name string) string {
	v, _ := mo.Lookup(name)
	return v
}

// Lookup returns an attribute value and whether it was present.
func (mo ManagedObject) Lookup(name string) (string, bool) {
	for _, a := range mo.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Set adds or replaces an attribute and returns the object for chaining.
func (mo *ManagedObject) Set(name, value string) *ManagedObject {
	for i := range mo.Attrs {
		if mo.Attrs[i].Name.Local == name {
			mo.Attrs[i].Value = value
			return mo
		}
	}
	mo.Attrs = append(mo.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return mo
}

// Delete removes an attribute if present.
func (mo *ManagedObject) Delete(name string) {
	out := mo.Attrs[:0]
	for _, a := range mo.Attrs {
		if a.Name.Local != name {
			out = append(out, a)
		}
	}
	mo.Attrs = out
}

// Merge copies every attribute of other onto mo.
func (mo *ManagedObject) Merge(other ManagedObject) {
	for _, a := range other.Attrs {
		mo.Set(a.Name.Local, a.Value)
	}
}

// Add appends a child object.
func (mo *ManagedObject) Add(child ManagedObject) *ManagedObject {
	mo.Children = append(mo.Children, child)
	return mo
}

// Child returns the first direct child with the given class.
func (mo ManagedObject) Child(class string) (ManagedObject, bool) {
	for _, c := range mo.Children {
		if c.Class() == class {
			return c, true
		}
	}
	return ManagedObject{}, false
}

// ChildrenOf returns the direct children with the given class, in document order.
func (mo ManagedObject) ChildrenOf(class string) []ManagedObject {
	var out []ManagedObject
	for _, c := range mo.Children {
		if c.Class() == class {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns a deep copy.
func (mo ManagedObject) Clone() ManagedObject {
	cp := ManagedObject{XMLName: mo.XMLName}
	if mo.Attrs != nil {
		cp.Attrs = append([]xml.Attr(nil), mo.Attrs...)
	}
	for _, c := range mo.Children {
		cp.Children = append(cp.Children, c.Clone())
	}
	return cp
}

// Map returns the attributes as a map. Later duplicates win.
func (mo ManagedObject) Map() map[string]string {
	m := make(map[string]string, len(mo.Attrs))
	for _, a := range mo.Attrs {
		m[a.Name.Local] = a.Value
	}
	return m
}

// errorCode reports the numeric errorCode attribute of a response element.
// A missing code is success; an unparseable one is reported as -1.
func (mo ManagedObject) errorCode() int {
	raw, ok := mo.Lookup("errorCode")
	if !ok || raw == "" {
		return 0
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return code
}
