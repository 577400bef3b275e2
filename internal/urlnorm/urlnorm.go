// Package urlnorm canonicalizes URLs so equivalent spellings dedupe to one key.
package urlnorm

import (
	"fmt"
	"net/url"
	"strings"
)

var rejectedSchemes = []string{"javascript:", "mailto:", "tel:", "data:"}

var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"ref":    {},
	"source": {},
}

// Normalize returns the canonical form of raw. It lower-cases scheme and host,
// drops default ports and fragments, strips trailing slashes and removes
// tracking parameters. Unparseable input is returned trimmed.
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	return canonical(u).String()
}

// DedupKey is Normalize without the query string.
func DedupKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	c := canonical(u)
	c.RawQuery = ""
	c.ForceQuery = false
	return c.String()
}

// Absolutize resolves candidate against base and normalizes the result.
// The bool is false for non-navigable references and unparseable input.
func Absolutize(candidate, base string) (string, bool) {
	ref := strings.TrimSpace(candidate)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range rejectedSchemes {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}
	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", false
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	resolved := baseURL.ResolveReference(refURL)
	scheme := strings.ToLower(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if resolved.Host == "" {
		return "", false
	}
	return canonical(resolved).String(), true
}

// Origin returns scheme://host[:port] for raw, lower-cased with default ports removed.
func Origin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	c := canonical(u)
	return c.Scheme + "://" + c.Host, nil
}

// IsInternal reports whether candidate shares startOrigin's scheme, host and port.
// Malformed candidates count as internal only when they do not look absolute.
func IsInternal(candidate, startOrigin string) bool {
	origin, err := Origin(candidate)
	if err != nil {
		return !looksAbsolute(candidate)
	}
	start, err := Origin(startOrigin)
	if err != nil {
		return false
	}
	return origin == start
}

// ValidateHTTP checks that raw is an absolute http(s) URL with a host.
func ValidateHTTP(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

func looksAbsolute(raw string) bool {
	s := strings.TrimSpace(raw)
	return strings.Contains(s, "://") || strings.HasPrefix(s, "//")
}

func canonical(in *url.URL) *url.URL {
	u := *in
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	// Trailing slashes are trimmed as a run so Normalize stays idempotent.
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	u.RawQuery = stripTracking(u.RawQuery)
	u.ForceQuery = false
	return &u
}

// stripTracking removes tracking pairs from a raw query, keeping the others in order.
func stripTracking(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		key := part
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			key = part[:idx]
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if isTracking(key) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

func isTracking(key string) bool {
	k := strings.ToLower(key)
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}
