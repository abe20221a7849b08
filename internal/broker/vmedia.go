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
	"strings"

	"cimcconf/internal/cimc"
	"cimcconf/internal/metrics"
	"cimcconf/pkg/crypto"
)

// MapKind is the transport of a virtual media mapping. MapUnmap is a
// request-only kind that removes the named mapping.
type MapKind string

const (
	MapWeb   MapKind = "web"
	MapNFS   MapKind = "nfs"
	MapCIFS  MapKind = "cifs"
	MapUnmap MapKind = "unmap"
)

var defaultMountOptions = map[MapKind]string{
	MapWeb:   "noauto",
	MapNFS:   "nolock",
	MapCIFS:  "",
	MapUnmap: "",
}

// ParseMapKind validates a map kind. "www", the CIMC spelling, is accepted
// for web.
func ParseMapKind(v string) (MapKind, error) {
	if v == "www" {
		return MapWeb, nil
	}
	k := MapKind(v)
	if _, ok := defaultMountOptions[k]; !ok {
		return "", invalidArgf("map must be one of web, nfs, cifs, unmap, got %q", v)
	}
	return k, nil
}

// wire returns the value of the commVMediaMap "map" attribute.
func (k MapKind) wire() string {
	if k == MapWeb {
		return "www"
	}
	return string(k)
}

// VirtualMediaMapping is a mapping as reported by the CIMC. Passwords are
// redacted.
type VirtualMediaMapping struct {
	Name         string `json:"name" yaml:"name"`
	RemoteFile   string `json:"remote_file" yaml:"remote_file"`
	RemoteShare  string `json:"remote_share" yaml:"remote_share"`
	Map          string `json:"map" yaml:"map"`
	MountOptions string `json:"mount_options" yaml:"mount_options"`
	User         string `json:"user" yaml:"user"`
	Password     string `json:"password" yaml:"password"`
	Status       string `json:"status" yaml:"status"`
	MapStatus    string `json:"map_status" yaml:"map_status"`
	DriveType    string `json:"drive_type" yaml:"drive_type"`
}

// VMediaState is the service flag together with the current mappings.
type VMediaState struct {
	Enabled  bool                  `json:"enabled" yaml:"enabled"`
	Mappings []VirtualMediaMapping `json:"mappings" yaml:"mappings"`
}

// MappingRequest is the desired state of one named mapping. A nil
// MountOptions selects the default for the map kind.
type MappingRequest struct {
	Name         string
	RemoteFile   string
	RemoteShare  string
	Map          MapKind
	MountOptions *string
	User         string
	Password     string
}

// Validate checks the request without touching the remote side.
func (r MappingRequest) Validate() error {
	if _, ok := defaultMountOptions[r.Map]; !ok {
		return invalidArgf("map must be one of web, nfs, cifs, unmap, got %q", r.Map)
	}
	// The name is the key of the mapping, for mounts as well as unmaps.
	if r.Name == "" {
		return invalidArgf("%s requires name", r.Map)
	}
	return nil
}

func (r MappingRequest) dn() string {
	return cimc.DnVMediaService + "/vmmap-" + r.Name
}

func (r MappingRequest) mountOptions() string {
	if r.MountOptions != nil {
		return *r.MountOptions
	}
	return defaultMountOptions[r.Map]
}

// object builds the commVMediaMap submitted on create. Credentials are
// folded into mountOptions.
func (r MappingRequest) object() cimc.ManagedObject {
	return cimc.NewObject(cimc.ClassCommVMediaMap,
		"dn", r.dn(),
		"rn", "vmmap-"+r.Name,
		"volumeName", r.Name,
		"remoteFile", r.RemoteFile,
		"remoteShare", r.RemoteShare,
		"map", r.Map.wire(),
		"mountOptions", foldMountOptions(r.mountOptions(), r.User, r.Password),
		"status", cimc.StatusCreated)
}

// VirtualMediaManager reconciles named virtual media mappings.
type VirtualMediaManager struct {
	poller Poller
}

// NewVirtualMediaManager returns a manager that waits for mapping changes with p.
func NewVirtualMediaManager(p Poller) *VirtualMediaManager {
	p.Resource = ResourceVMedias
	return &VirtualMediaManager{poller: p}
}

// IsEnabled returns the vmedia service object and whether it is enabled.
func (m *VirtualMediaManager) IsEnabled(ctx context.Context, s *Session) (*cimc.ManagedObject, bool, error) {
	svc, err := s.resolveDn(ctx, cimc.DnVMediaService, false)
	if err != nil {
		return nil, false, err
	}
	if svc == nil {
		return nil, false, fmt.Errorf("%w: %s not found", ErrRemoteOperationFailed, cimc.DnVMediaService)
	}
	return svc, svc.Get("adminState") == "enabled", nil
}

// GetMappings lists the mappings under the service.
func (m *VirtualMediaManager) GetMappings(ctx context.Context, s *Session, svc *cimc.ManagedObject) ([]VirtualMediaMapping, error) {
	raw, err := m.rawMappings(ctx, s, svc)
	if err != nil {
		return nil, err
	}
	out := make([]VirtualMediaMapping, 0, len(raw))
	for _, mo := range raw {
		out = append(out, mappingFromObject(mo))
	}
	return out, nil
}

// GetState reads the service flag and, when enabled, the mappings.
func (m *VirtualMediaManager) GetState(ctx context.Context, s *Session) (VMediaState, error) {
	svc, enabled, err := m.IsEnabled(ctx, s)
	if err != nil {
		return VMediaState{}, err
	}
	state := VMediaState{Enabled: enabled, Mappings: []VirtualMediaMapping{}}
	if !enabled {
		return state, nil
	}
	state.Mappings, err = m.GetMappings(ctx, s, svc)
	return state, err
}

func (m *VirtualMediaManager) rawMappings(ctx context.Context, s *Session, svc *cimc.ManagedObject) ([]cimc.ManagedObject, error) {
	dn := cimc.DnVMediaService
	if svc != nil && svc.Dn() != "" {
		dn = svc.Dn()
	}
	return s.resolveChildren(ctx, dn, cimc.ClassCommVMediaMap)
}

// SetMapping brings the mapping named by req to the requested state. The
// service is enabled first when something is to be mounted. A mapping whose
// content differs is deleted and created again.
func (m *VirtualMediaManager) SetMapping(ctx context.Context, s *Session, req MappingRequest) (VMediaState, bool, error) {
	if err := req.Validate(); err != nil {
		return VMediaState{}, false, err
	}
	log := s.logger.With("name", req.Name, "map", req.Map)

	svc, enabled, err := m.IsEnabled(ctx, s)
	if err != nil {
		return VMediaState{}, false, err
	}
	changed := false
	if !enabled {
		if req.Map == MapUnmap {
			log.Debug("vmedia service disabled, nothing to unmap")
			return VMediaState{Enabled: false, Mappings: []VirtualMediaMapping{}}, false, nil
		}
		if err := m.enable(ctx, s); err != nil {
			return VMediaState{}, false, err
		}
		log.Info("enabled vmedia service")
		changed = true
	}

	raw, err := m.rawMappings(ctx, s, svc)
	if err != nil {
		return VMediaState{}, changed, err
	}
	var existing *cimc.ManagedObject
	for i := range raw {
		if raw[i].Get("volumeName") == req.Name {
			existing = &raw[i]
			break
		}
	}

	switch {
	case existing == nil && req.Map == MapUnmap:
		log.Debug("mapping absent, nothing to unmap")

	case existing != nil && req.Map == MapUnmap:
		if err := m.deleteMapping(ctx, s, *existing); err != nil {
			return VMediaState{}, changed, err
		}
		changed = true
		if err := m.waitPresent(ctx, s, req.Name, false); err != nil {
			return VMediaState{}, changed, err
		}
		log.Info("unmapped vmedia")

	case existing != nil:
		if mappingMatches(*existing, req) {
			log.Debug("mapping already up to date")
			break
		}
		if err := m.deleteMapping(ctx, s, *existing); err != nil {
			return VMediaState{}, changed, err
		}
		changed = true
		if err := m.createMapping(ctx, s, req); err != nil {
			return VMediaState{}, changed, err
		}
		if err := m.waitPresent(ctx, s, req.Name, true); err != nil {
			return VMediaState{}, changed, err
		}
		log.Info("replaced vmedia mapping", "remote_file", req.RemoteFile)

	default:
		if err := m.createMapping(ctx, s, req); err != nil {
			return VMediaState{}, changed, err
		}
		changed = true
		if err := m.waitPresent(ctx, s, req.Name, true); err != nil {
			return VMediaState{}, changed, err
		}
		log.Info("mapped vmedia", "remote_file", req.RemoteFile)
	}

	mappings, err := m.GetMappings(ctx, s, svc)
	if err != nil {
		return VMediaState{}, changed, err
	}
	return VMediaState{Enabled: true, Mappings: mappings}, changed, nil
}

func (m *VirtualMediaManager) enable(ctx context.Context, s *Session) error {
	in := cimc.NewObject(cimc.ClassCommVMedia,
		"dn", cimc.DnVMediaService,
		"adminState", "enabled",
		"status", cimc.StatusModified)
	if err := s.confMo(ctx, cimc.DnVMediaService, in); err != nil {
		return fmt.Errorf("enable vmedia service: %w", err)
	}
	metrics.IncChange(ResourceVMedias, "enable")
	return nil
}

// deleteMapping submits the existing object with status removed.
func (m *VirtualMediaManager) deleteMapping(ctx context.Context, s *Session, existing cimc.ManagedObject) error {
	in := existing.Clone()
	in.Children = nil
	in.Set("status", cimc.StatusRemoved)
	if err := s.confMo(ctx, existing.Dn(), in); err != nil {
		return err
	}
	metrics.IncChange(ResourceVMedias, "delete")
	return nil
}

func (m *VirtualMediaManager) createMapping(ctx context.Context, s *Session, req MappingRequest) error {
	if err := s.confMo(ctx, req.dn(), req.object()); err != nil {
		return err
	}
	metrics.IncChange(ResourceVMedias, "create")
	return nil
}

// waitPresent polls until the named mapping is present (or absent).
func (m *VirtualMediaManager) waitPresent(ctx context.Context, s *Session, name string, present bool) error {
	_, err := PollUntil(ctx, m.poller, present, func(ctx context.Context) (bool, error) {
		raw, err := m.rawMappings(ctx, s, nil)
		if err != nil {
			return false, err
		}
		for _, mo := range raw {
			if mo.Get("volumeName") == name {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("vmedia %s: %w", name, err)
	}
	return nil
}

// mappingMatches compares an existing mapping with the request on remote
// file, share, map kind, mount options and credentials. The password is
// only compared when the CIMC reports one.
func mappingMatches(existing cimc.ManagedObject, req MappingRequest) bool {
	exOpts, exUser, exPass := splitMountOptions(existing.Get("mountOptions"))
	if u := existing.Get("username"); u != "" {
		exUser = u
	}
	if p := existing.Get("password"); p != "" && !isMasked(p) {
		exPass = p
	}
	wantOpts, _, _ := splitMountOptions(req.mountOptions())

	exMap, err := ParseMapKind(existing.Get("map"))
	if err != nil || exMap != req.Map {
		return false
	}
	if existing.Get("remoteFile") != req.RemoteFile || existing.Get("remoteShare") != req.RemoteShare {
		return false
	}
	if exOpts != wantOpts || exUser != req.User {
		return false
	}
	if exPass != "" && exPass != req.Password {
		return false
	}
	return true
}

func isMasked(p string) bool {
	return strings.Trim(p, "*") == ""
}

// foldMountOptions appends username= and password= tokens when set.
func foldMountOptions(opts, user, password string) string {
	parts := []string{}
	if opts != "" {
		parts = append(parts, opts)
	}
	if user != "" {
		parts = append(parts, "username="+user)
	}
	if password != "" {
		parts = append(parts, "password="+password)
	}
	return strings.Join(parts, ",")
}

// splitMountOptions separates credential tokens from the other options.
func splitMountOptions(opts string) (rest, user, password string) {
	var keep []string
	for _, tok := range strings.Split(opts, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
		case strings.HasPrefix(tok, "username="):
			user = strings.TrimPrefix(tok, "username=")
		case strings.HasPrefix(tok, "password="):
			password = strings.TrimPrefix(tok, "password=")
		default:
			keep = append(keep, tok)
		}
	}
	return strings.Join(keep, ","), user, password
}

func mappingFromObject(mo cimc.ManagedObject) VirtualMediaMapping {
	_, foldedUser, _ := splitMountOptions(mo.Get("mountOptions"))
	user := mo.Get("username")
	if user == "" {
		user = foldedUser
	}
	kind := mo.Get("map")
	if k, err := ParseMapKind(kind); err == nil {
		kind = string(k)
	}
	return VirtualMediaMapping{
		Name:         mo.Get("volumeName"),
		RemoteFile:   mo.Get("remoteFile"),
		RemoteShare:  mo.Get("remoteShare"),
		Map:          kind,
		MountOptions: crypto.RedactMountOptions(mo.Get("mountOptions")),
		User:         user,
		Password:     crypto.RedactPassword(mo.Get("password")),
		Status:       mo.Get("status"),
		MapStatus:    mo.Get("mappingStatus"),
		DriveType:    mo.Get("driveType"),
	}
}
