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

package cimc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-xmlfmt/xmlfmt"

	"cimcconf/internal/ctxkeys"
	"cimcconf/internal/metrics"
	"cimcconf/pkg/crypto"
)

// Client is the typed contract to a CIMC endpoint. Every call except Login
// needs the cookie returned by Login. Read calls return an empty result (not
// an error) when nothing matches; write calls surface non-zero remote error
// codes as *APIError.
type Client interface {
	// Login authenticates and returns the session cookie.
	Login(ctx context.Context, user, password string) (string, error)

	// Logout invalidates the session cookie.
	Logout(ctx context.Context, cookie string) error

	// ResolveDn returns the object at dn, or nil if it does not exist.
	ResolveDn(ctx context.Context, cookie, dn string, hierarchical bool) (*ManagedObject, error)

	// ResolveClass returns every object of the class.
	ResolveClass(ctx context.Context, cookie, classID string, hierarchical bool) ([]ManagedObject, error)

	// ResolveChildren returns the children of dn, filtered by class when classID is set.
	ResolveChildren(ctx context.Context, cookie, dn, classID string, hierarchical bool) ([]ManagedObject, error)

	// ConfigConfMo submits in as a configuration change for dn and returns
	// the resulting object.
	ConfigConfMo(ctx context.Context, cookie, dn string, in ManagedObject) (*ManagedObject, error)
}

// APIError is a response carrying a non-zero errorCode.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cimc %s: error %d: %s", e.Method, e.Code, e.Description)
}

// ErrMalformedResponse is returned when a response cannot be decoded or lacks
// the expected output element.
var ErrMalformedResponse = errors.New("cimc: malformed response")

// Config holds connection details for a CIMC endpoint.
type Config struct {
	// Host is the CIMC address: a bare host[:port] or an http(s) URL.
	Host string
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// InsecureTLS skips certificate verification. CIMCs ship self-signed certificates.
	InsecureTLS bool
	// Logger is optional; if nil, slog.Default() is used.
	Logger *slog.Logger
}

// HTTPClient posts XML API documents to https://<host>/nuova.
type HTTPClient struct {
	endpoint string
	hc       *http.Client
	logger   *slog.Logger
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and builds a client. No network I/O happens here.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	endpoint, err := endpointURL(cfg.Host)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		endpoint: endpoint,
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: cfg.InsecureTLS,
					MinVersion:         tls.VersionTLS12,
				},
			},
		},
		logger: logger,
	}, nil
}

func endpointURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("cimc: host is empty")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("cimc: invalid host: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("cimc: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("cimc: invalid host %q", host)
	}
	u.Path = "/nuova"
	return u.String(), nil
}

// Login implements Client.
func (c *HTTPClient) Login(ctx context.Context, user, password string) (string, error) {
	req := NewObject("aaaLogin", "inName", user, "inPassword", password)
	resp, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	cookie := resp.Get("outCookie")
	if cookie == "" {
		return "", fmt.Errorf("%w: aaaLogin returned no cookie", ErrMalformedResponse)
	}
	return cookie, nil
}

// Logout implements Client.
func (c *HTTPClient) Logout(ctx context.Context, cookie string) error {
	_, err := c.call(ctx, NewObject("aaaLogout", "cookie", cookie, "inCookie", cookie))
	return err
}

// ResolveDn implements Client.
func (c *HTTPClient) ResolveDn(ctx context.Context, cookie, dn string, hierarchical bool) (*ManagedObject, error) {
	req := NewObject("configResolveDn", "cookie", cookie, "dn", dn, "inHierarchical", boolAttr(hierarchical))
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.Child("outConfig")
	if !ok {
		return nil, fmt.Errorf("%w: configResolveDn without outConfig", ErrMalformedResponse)
	}
	if len(out.Children) == 0 {
		return nil, nil
	}
	mo := out.Children[0]
	return &mo, nil
}

// ResolveClass implements Client.
func (c *HTTPClient) ResolveClass(ctx context.Context, cookie, classID string, hierarchical bool) ([]ManagedObject, error) {
	req := NewObject("configResolveClass", "cookie", cookie, "classId", classID, "inHierarchical", boolAttr(hierarchical))
	return c.resolveMany(ctx, req)
}

// ResolveChildren implements Client.
func (c *HTTPClient) ResolveChildren(ctx context.Context, cookie, dn, classID string, hierarchical bool) ([]ManagedObject, error) {
	req := NewObject("configResolveChildren", "cookie", cookie, "inDn", dn, "inHierarchical", boolAttr(hierarchical))
	if classID != "" {
		req.Set("classId", classID)
	}
	return c.resolveMany(ctx, req)
}

func (c *HTTPClient) resolveMany(ctx context.Context, req ManagedObject) ([]ManagedObject, error) {
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.Child("outConfigs")
	if !ok {
		return nil, fmt.Errorf("%w: %s without outConfigs", ErrMalformedResponse, req.Class())
	}
	return out.Children, nil
}

// ConfigConfMo implements Client.
func (c *HTTPClient) ConfigConfMo(ctx context.Context, cookie, dn string, in ManagedObject) (*ManagedObject, error) {
	req := NewObject("configConfMo", "cookie", cookie, "dn", dn, "inHierarchical", "false")
	wrapper := NewObject("inConfig")
	wrapper.Add(in)
	req.Add(wrapper)

	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.Child("outConfig")
	if !ok || len(out.Children) == 0 {
		// Removal answers with an empty outConfig.
		return nil, nil
	}
	mo := out.Children[0]
	return &mo, nil
}

// call performs one XML API round trip. A response whose errorCode is
// non-zero is returned as *APIError.
func (c *HTTPClient) call(ctx context.Context, req ManagedObject) (ManagedObject, error) {
	method := req.Class()
	payload, err := xml.Marshal(req)
	if err != nil {
		return ManagedObject{}, fmt.Errorf("marshal %s: %w", method, err)
	}
	log := c.logger.With("method", method)
	if cid := ctxkeys.GetCorrelationID(ctx); cid != "" {
		log = log.With("correlation_id", cid)
	}
	if log.Enabled(ctx, slog.LevelDebug) {
		log.Debug("cimc request", "body", formatForLog(req))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ManagedObject{}, err
	}
	httpReq.Header.Set("Content-Type", "text/xml")
	httpReq.Header.Set("Accept", "text/xml")

	start := time.Now()
	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		metrics.ObserveAPIRequest(method, metrics.OutcomeTransport, time.Since(start))
		return ManagedObject{}, fmt.Errorf("cimc %s: %w", method, err)
	}
	data, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveAPIRequest(method, metrics.OutcomeTransport, duration)
		return ManagedObject{}, fmt.Errorf("cimc %s: read body: %w", method, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		metrics.ObserveAPIRequest(method, metrics.OutcomeTransport, duration)
		return ManagedObject{}, fmt.Errorf("cimc %s: http status %d: %s", method, httpResp.StatusCode, truncate(string(data), 512))
	}

	var resp ManagedObject
	if err := xml.Unmarshal(data, &resp); err != nil {
		metrics.ObserveAPIRequest(method, metrics.OutcomeTransport, duration)
		return ManagedObject{}, fmt.Errorf("%w: %s: %v", ErrMalformedResponse, method, err)
	}
	if log.Enabled(ctx, slog.LevelDebug) {
		log.Debug("cimc response", "duration", duration, "body", formatForLog(resp))
	}

	if code := resp.errorCode(); code != 0 {
		metrics.ObserveAPIRequest(method, metrics.OutcomeAPIError, duration)
		return resp, &APIError{Method: method, Code: code, Description: resp.Get("errorDescr")}
	}
	metrics.ObserveAPIRequest(method, metrics.OutcomeOK, duration)
	return resp, nil
}

var sensitiveAttrs = map[string]func(string) string{
	"inPassword":   crypto.RedactPassword,
	"password":     crypto.RedactPassword,
	"cookie":       crypto.RedactToken,
	"inCookie":     crypto.RedactToken,
	"outCookie":    crypto.RedactToken,
	"mountOptions": crypto.RedactMountOptions,
}

func redact(mo ManagedObject) ManagedObject {
	cp := mo.Clone()
	var walk func(*ManagedObject)
	walk = func(o *ManagedObject) {
		for i := range o.Attrs {
			if fn, ok := sensitiveAttrs[o.Attrs[i].Name.Local]; ok {
				o.Attrs[i].Value = fn(o.Attrs[i].Value)
			}
		}
		for i := range o.Children {
			walk(&o.Children[i])
		}
	}
	walk(&cp)
	return cp
}

func formatForLog(mo ManagedObject) string {
	b, err := xml.Marshal(redact(mo))
	if err != nil {
		return ""
	}
	return xmlfmt.FormatXML(string(b), "", "  ")
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
