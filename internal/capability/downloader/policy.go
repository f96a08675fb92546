// SPDX-License-Identifier: MIT

package downloader

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/clipforge/clipforge/internal/apperr"
)

// Policy gates which remote hosts the downloader may contact. Hosts compare
// in normalised form: IDNA ASCII, lowercase, no trailing dot. Matching is
// exact, so subdomains must be listed explicitly.
type Policy struct {
	hosts map[string]struct{}
}

// NewPolicy builds a policy from a host allowlist. Entries that are not
// bare hosts are rejected so a bad DOWNLOADER_ALLOWED_HOSTS value fails at
// startup, not mid-download.
func NewPolicy(allowedHosts []string) (*Policy, error) {
	hosts := make(map[string]struct{}, len(allowedHosts))
	for _, entry := range allowedHosts {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		normalized, err := NormalizeHost(entry)
		if err != nil {
			return nil, apperr.Wrap(apperr.InvalidArgument, err, "downloader allowlist")
		}
		hosts[normalized] = struct{}{}
	}
	return &Policy{hosts: hosts}, nil
}

// Validate checks a download URL against the policy and returns it with the
// host normalised and the fragment stripped. Every rejection is
// InvalidArgument: a disallowed platform is a caller error, not an outage.
func (p *Policy) Validate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperr.New(apperr.InvalidArgument, "download url is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "parse download url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", apperr.Newf(apperr.InvalidArgument, "scheme %q not allowed for downloads", u.Scheme)
	}
	if u.Host == "" {
		return "", apperr.New(apperr.InvalidArgument, "download url has no host")
	}
	if u.User != nil {
		return "", apperr.New(apperr.InvalidArgument, "download url must not carry credentials")
	}

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}
	if _, ok := p.hosts[host]; !ok {
		return "", apperr.Newf(apperr.InvalidArgument, "host %q is not an allowed download source", host)
	}

	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())
	u.Fragment = ""
	return u.String(), nil
}

// NormalizeHost validates and canonicalises a bare host for comparison.
// IP literals come back in their canonical textual form, names as lowercase
// IDNA ASCII.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", apperr.New(apperr.InvalidArgument, "host is empty")
	}
	if strings.Contains(host, "://") {
		return "", apperr.Newf(apperr.InvalidArgument, "host must not include scheme: %s", raw)
	}
	if strings.Contains(host, "/") {
		return "", apperr.Newf(apperr.InvalidArgument, "host must not include path: %s", raw)
	}
	if strings.Contains(host, "@") {
		return "", apperr.Newf(apperr.InvalidArgument, "host must not include userinfo: %s", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return "", apperr.Newf(apperr.InvalidArgument, "host must not include port: %s", raw)
	}
	if strings.Contains(host, "%") {
		return "", apperr.Newf(apperr.InvalidArgument, "host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", apperr.New(apperr.InvalidArgument, "host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, fmt.Sprintf("invalid host %q", raw))
	}
	return strings.ToLower(ascii), nil
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
