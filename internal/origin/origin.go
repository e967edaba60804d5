// Package origin implements the browser Origin policy shared by the HTTP API
// and the signaling WebSocket upgrade.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns the canonical
// origin (lower-cased scheme://host[:port], default ports removed) and its
// host[:port] part. The literal "null" origin is accepted with an empty host.
func NormalizeHeader(raw string) (normalized string, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allow list is authoritative ("*" allows everything). With no
// allow list only same-host origins pass; the scheme is not compared so TLS
// terminating proxies in front of the relay keep working.
func IsAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalized, "https://"):
		scheme = "https"
	default:
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

// Policy bundles the configured allow list.
type Policy struct {
	AllowedOrigins []string
}

// Check evaluates r's Origin header. Requests without an Origin (non-browser
// clients) are allowed and return an empty origin.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return "", true
	case 1:
	default:
		return "", false
	}
	if strings.TrimSpace(values[0]) == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok {
		return "", false
	}
	return normalized, IsAllowed(normalized, host, r.Host, p.AllowedOrigins)
}

// canonicalHost lower-cases an authority, validates the port and strips the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	hostname, port := authority, ""
	if strings.HasPrefix(authority, "[") || strings.Count(authority, ":") == 1 {
		if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
			hostname = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]")
		} else {
			h, p, err := net.SplitHostPort(authority)
			if err != nil || p == "" {
				return "", false
			}
			hostname, port = h, p
		}
	} else if strings.Contains(authority, ":") {
		// Unbracketed IPv6 is not a valid authority.
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}
