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

// Package cimctest provides an in-memory CIMC XML API endpoint for tests.
// It keeps a flat DN-indexed object store, issues and checks cookies, models
// the delay between a power command and the observed power state, and
// records every request so tests can assert on remote side effects.
package cimctest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"cimcconf/internal/cimc"
)

// Default credentials accepted by a new Fake.
const (
	User     = "admin"
	Password = "password"
)

// ConfMo is one configConfMo submission seen by the fake.
type ConfMo struct {
	Dn     string
	Class  string
	Status string
	Attrs  map[string]string
}

type injectedError struct {
	code  int
	descr string
}

// Fake is an http.Handler speaking the CIMC XML API.
type Fake struct {
	mu sync.Mutex

	user, password string

	objects map[string]cimc.ManagedObject
	seq     []string // insertion order, gives stable enumeration

	cookies    map[string]bool
	nextCookie int

	calls   map[string]int
	total   int
	confMos []ConfMo

	powerLag      int
	neverConverge bool
	failLogout    bool

	pendingPower string
	lagLeft      int

	confMoErrors map[string]injectedError
}

// New returns a fake seeded with a powered-on C-series rack unit in legacy
// boot mode with an enabled virtual media service and one network adaptor.
func New() *Fake {
	f := &Fake{
		user:         User,
		password:     Password,
		objects:      map[string]cimc.ManagedObject{},
		cookies:      map[string]bool{},
		calls:        map[string]int{},
		confMoErrors: map[string]injectedError{},
	}
	f.seed()
	return f
}

// NewServer starts a fake behind an httptest server that is closed when the
// test ends.
func NewServer(t testing.TB) (*Fake, *httptest.Server) {
	t.Helper()
	f := New()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *Fake) seed() {
	f.put(cimc.NewObject(cimc.ClassComputeRackUnit,
		"dn", cimc.DnRackUnit, "adminPower", "policy", "operPower", "on",
		"model", "UCSC-C220-M4S", "serial", "FCH1234V0AB", "name", "UCS C220 M4S"))
	f.put(cimc.NewObject(cimc.ClassBootPrecision,
		"dn", cimc.DnBootPrecision, "configuredBootMode", "Legacy"))
	f.put(cimc.NewObject(cimc.ClassLsbootDef,
		"dn", cimc.DnBootPolicy, "rn", "boot-policy", "rebootOnUpdate", "no"))
	f.put(cimc.NewObject(cimc.ClassLsbootVirtualMedia,
		"dn", cimc.DnBootPolicy+"/vm-read-only", "rn", "vm-read-only", "access", "read-only", "order", "1", "type", "virtual-media"))
	f.put(cimc.NewObject(cimc.ClassLsbootStorage,
		"dn", cimc.DnBootPolicy+"/storage-read-write", "rn", "storage-read-write", "access", "read-write", "order", "2", "type", "storage"))
	f.put(cimc.NewObject(cimc.ClassLsbootLan,
		"dn", cimc.DnBootPolicy+"/lan-read-only", "rn", "lan-read-only", "access", "read-only", "order", "3", "prot", "pxe", "type", "lan"))
	// Disabled slot: order is not numeric and must be skipped by readers.
	f.put(cimc.NewObject(cimc.ClassLsbootVirtualMedia,
		"dn", cimc.DnBootPolicy+"/vm-read-write", "rn", "vm-read-write", "access", "read-write", "order", "na", "type", "virtual-media"))

	f.put(cimc.NewObject("biosUnit", "dn", cimc.DnRackUnit+"/bios", "rn", "bios"))
	f.put(cimc.NewObject("biosBootDevGrp", "dn", cimc.DnBiosBootPrecision, "rn", "bdgep"))
	f.put(cimc.NewObject(cimc.ClassBiosBootDevPrecision,
		"dn", cimc.DnBiosBootPrecision+"/bdvp-1", "rn", "bdvp-1", "name", "HDD", "type", "LOCALHDD", "slot", "MRAID", "order", "1", "descr", "RAID controller"))
	f.put(cimc.NewObject(cimc.ClassBiosBootDevPrecision,
		"dn", cimc.DnBiosBootPrecision+"/bdvp-2", "rn", "bdvp-2", "name", "PXE", "type", "PXE", "slot", "MLOM", "order", "2", "descr", "Cisco VIC PXE"))

	f.put(cimc.NewObject("commSvcEp", "dn", "sys/svc-ext", "rn", "svc-ext"))
	f.put(cimc.NewObject(cimc.ClassCommVMedia, "dn", cimc.DnVMediaService, "rn", "vmedia-svc", "adminState", "enabled"))

	f.put(cimc.NewObject(cimc.ClassAdaptorUnit,
		"dn", cimc.DnRackUnit+"/adaptor-1", "rn", "adaptor-1", "id", "1", "vendor", "Cisco Systems Inc",
		"pciSlot", "MLOM", "pciAddr", "0x5e", "serial", "FCH19187YZX", "model", "UCSC-MLOM-CSC-02", "presence", "equipped"))
	f.put(cimc.NewObject(cimc.ClassAdaptorHostEthIf,
		"dn", cimc.DnRackUnit+"/adaptor-1/host-eth-eth0", "rn", "host-eth-eth0", "name", "eth0", "ifType", "virtual",
		"mac", "70:DF:2F:86:4C:91", "mtu", "1500", "pxeBoot", "enabled", "iscsiBoot", "disabled"))
	f.put(cimc.NewObject(cimc.ClassAdaptorEthGenProfile,
		"dn", cimc.DnRackUnit+"/adaptor-1/host-eth-eth0/general", "rn", "general", "vlan", "NONE", "vlanMode", "TRUNK"))
}

func (f *Fake) put(mo cimc.ManagedObject) {
	dn := mo.Dn()
	if _, ok := f.objects[dn]; !ok {
		f.seq = append(f.seq, dn)
	}
	mo.Children = nil
	f.objects[dn] = mo
}

func (f *Fake) remove(dn string) {
	prefix := dn + "/"
	out := f.seq[:0]
	for _, d := range f.seq {
		if d == dn || strings.HasPrefix(d, prefix) {
			delete(f.objects, d)
			continue
		}
		out = append(out, d)
	}
	f.seq = out
}

// ---------------------------------------------------------------------------
// Test controls and inspection

// SetCredentials changes the accepted login.
func (f *Fake) SetCredentials(user, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user, f.password = user, password
}

// SetPowerState forces the observed power state ("on" or "off").
func (f *Fake) SetPowerState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAttr(cimc.DnRackUnit, "operPower", state)
	f.pendingPower = ""
}

// SetBootMode sets configuredBootMode ("Legacy" or "Uefi").
func (f *Fake) SetBootMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setAttr(cimc.DnBootPrecision, "configuredBootMode", mode)
}

// SetVMediaEnabled toggles the virtual media service.
func (f *Fake) SetVMediaEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	f.setAttr(cimc.DnVMediaService, "adminState", state)
}

// AddMapping seeds a virtual media mapping named name with extra attributes.
func (f *Fake) AddMapping(name string, kv ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mo := cimc.NewObject(cimc.ClassCommVMediaMap,
		"dn", cimc.DnVMediaService+"/vmmap-"+name, "rn", "vmmap-"+name, "volumeName", name,
		"mappingStatus", "OK", "driveType", "CD")
	for i := 0; i+1 < len(kv); i += 2 {
		mo.Set(kv[i], kv[i+1])
	}
	f.put(mo)
}

// SetPowerLag sets how many rack-unit reads still report the old power
// state after a power command.
func (f *Fake) SetPowerLag(reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerLag = reads
}

// SetNeverConverge keeps operPower unchanged after power commands.
func (f *Fake) SetNeverConverge(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neverConverge = v
}

// SetFailLogout makes aaaLogout answer with an error.
func (f *Fake) SetFailLogout(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLogout = v
}

// FailConfMo makes the next configConfMo calls against dn fail with code/descr.
func (f *Fake) FailConfMo(dn string, code int, descr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confMoErrors[dn] = injectedError{code: code, descr: descr}
}

// Object returns a copy of the object stored at dn.
func (f *Fake) Object(dn string) (cimc.ManagedObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mo, ok := f.objects[dn]
	return mo.Clone(), ok
}

// Children returns copies of the direct children of dn with the given class
// ("" for any class).
func (f *Fake) Children(dn, class string) []cimc.ManagedObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children(dn, class, false)
}

// Calls returns how many requests of the given XML API method were served.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of requests served.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// ConfMos returns every configConfMo submission in order.
func (f *Fake) ConfMos() []ConfMo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ConfMo(nil), f.confMos...)
}

// LiveSessions returns the number of cookies not yet logged out.
func (f *Fake) LiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cookies)
}

func (f *Fake) setAttr(dn, name, value string) {
	mo, ok := f.objects[dn]
	if !ok {
		return
	}
	mo.Set(name, value)
	f.objects[dn] = mo
}

// ---------------------------------------------------------------------------
// Protocol

// ServeHTTP implements http.Handler.
func (f *Fake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/nuova" {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req cimc.ManagedObject
	if err := xml.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed xml: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := f.handle(req)
	out, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(out)
}

func (f *Fake) handle(req cimc.ManagedObject) cimc.ManagedObject {
	f.mu.Lock()
	defer f.mu.Unlock()

	method := req.Class()
	f.calls[method]++
	f.total++

	resp := cimc.NewObject(method, "cookie", req.Get("cookie"), "response", "yes")

	if method == "aaaLogin" {
		if req.Get("inName") != f.user || req.Get("inPassword") != f.password {
			return fail(resp, 551, "Authorization failed")
		}
		f.nextCookie++
		cookie := fmt.Sprintf("%d/fake-cookie-%04d", 1700000000+f.nextCookie, f.nextCookie)
		f.cookies[cookie] = true
		resp.Set("outCookie", cookie)
		resp.Set("outRefreshPeriod", "600")
		resp.Set("outPriv", "admin")
		return resp
	}

	if !f.cookies[req.Get("cookie")] {
		return fail(resp, 552, "Authorization required")
	}

	hierarchical := req.Get("inHierarchical") == "true"

	switch method {
	case "aaaLogout":
		if f.failLogout {
			return fail(resp, 555, "Session logout failed")
		}
		delete(f.cookies, req.Get("inCookie"))
		resp.Set("outStatus", "success")

	case "configResolveDn":
		dn := req.Get("dn")
		resp.Set("dn", dn)
		out := cimc.NewObject("outConfig")
		if mo, ok := f.read(dn); ok {
			out.Add(f.build(mo, hierarchical))
		}
		resp.Add(out)

	case "configResolveClass":
		class := req.Get("classId")
		resp.Set("classId", class)
		out := cimc.NewObject("outConfigs")
		for _, dn := range f.seq {
			if f.objects[dn].Class() != class {
				continue
			}
			mo, _ := f.read(dn)
			out.Add(f.build(mo, hierarchical))
		}
		resp.Add(out)

	case "configResolveChildren":
		out := cimc.NewObject("outConfigs")
		for _, c := range f.children(req.Get("inDn"), req.Get("classId"), hierarchical) {
			out.Add(c)
		}
		resp.Add(out)

	case "configConfMo":
		return f.confMo(req, resp)

	default:
		return fail(resp, 100, "Unsupported method "+method)
	}
	return resp
}

// read returns the object at dn, advancing a pending power transition when
// the rack unit is observed.
func (f *Fake) read(dn string) (cimc.ManagedObject, bool) {
	if dn == cimc.DnRackUnit && f.pendingPower != "" && !f.neverConverge {
		if f.lagLeft > 0 {
			f.lagLeft--
		} else {
			f.setAttr(cimc.DnRackUnit, "operPower", f.pendingPower)
			f.pendingPower = ""
		}
	}
	mo, ok := f.objects[dn]
	return mo, ok
}

func (f *Fake) build(mo cimc.ManagedObject, hierarchical bool) cimc.ManagedObject {
	out := mo.Clone()
	out.Children = nil
	if hierarchical {
		out.Children = f.children(mo.Dn(), "", true)
	}
	return out
}

func (f *Fake) children(parent, class string, hierarchical bool) []cimc.ManagedObject {
	prefix := parent + "/"
	var out []cimc.ManagedObject
	for _, dn := range f.seq {
		if !strings.HasPrefix(dn, prefix) || strings.Contains(dn[len(prefix):], "/") {
			continue
		}
		mo := f.objects[dn]
		if class != "" && mo.Class() != class {
			continue
		}
		out = append(out, f.build(mo, hierarchical))
	}
	return out
}

func (f *Fake) confMo(req, resp cimc.ManagedObject) cimc.ManagedObject {
	dn := req.Get("dn")
	resp.Set("dn", dn)
	wrapper, ok := req.Child("inConfig")
	if !ok || len(wrapper.Children) != 1 {
		return fail(resp, 101, "inConfig must contain exactly one object")
	}
	in := wrapper.Children[0]
	status := in.Get("status")
	f.confMos = append(f.confMos, ConfMo{Dn: dn, Class: in.Class(), Status: status, Attrs: in.Map()})

	if ie, ok := f.confMoErrors[dn]; ok {
		return fail(resp, ie.code, ie.descr)
	}

	existing, exists := f.objects[dn]
	out := cimc.NewObject("outConfig")

	switch {
	case status == cimc.StatusRemoved:
		if !exists {
			return fail(resp, 103, "MO "+dn+" does not exist")
		}
		f.remove(dn)
		resp.Add(out)
		return resp

	case exists:
		if existing.Class() != in.Class() {
			return fail(resp, 102, fmt.Sprintf("class mismatch for %s: %s != %s", dn, existing.Class(), in.Class()))
		}
		existing.Merge(in)
		existing.Delete("status")
		f.objects[dn] = existing

	default:
		if status != cimc.StatusCreated && status != "" {
			return fail(resp, 103, "MO "+dn+" does not exist")
		}
		created := in.Clone()
		created.Set("dn", dn)
		created.Delete("status")
		if created.Class() == cimc.ClassCommVMediaMap {
			created.Set("mappingStatus", "OK")
			created.Set("driveType", "CD")
		}
		f.put(created)
	}

	if dn == cimc.DnRackUnit {
		if cmd := in.Get("adminPower"); cmd != "" {
			f.powerCommand(cmd)
		}
	}
	mo := f.objects[dn]
	out.Add(mo.Clone())
	resp.Add(out)
	return resp
}

func (f *Fake) powerCommand(cmd string) {
	target := ""
	switch cmd {
	case "up":
		target = "on"
	case "down":
		target = "off"
	case "hard-reset-immediate", "cycle-immediate":
		target = "on"
	default:
		return
	}
	f.pendingPower = target
	f.lagLeft = f.powerLag
}

func fail(resp cimc.ManagedObject, code int, descr string) cimc.ManagedObject {
	resp.Children = nil
	resp.Set("errorCode", fmt.Sprint(code))
	resp.Set("invocationResult", "unidentified-fail")
	resp.Set("errorDescr", descr)
	return resp
}

// MappingNames returns the volume names of the stored virtual media mappings, sorted.
func (f *Fake) MappingNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, mo := range f.children(cimc.DnVMediaService, cimc.ClassCommVMediaMap, false) {
		names = append(names, mo.Get("volumeName"))
	}
	sort.Strings(names)
	return names
}
