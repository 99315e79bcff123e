package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"krauler/pkg/utils"
)

// NormalizeURL standardizes a URL for use as a dedup key.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), turns an empty path into "/",
// removes the fragment and sorts query parameters by key. Path case and trailing slashes are preserved because
// normalized URLs double as the base for resolving relative links.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Opaque == "" && normalized.Path == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""

	normalized.ForceQuery = false
	if normalized.RawQuery != "" {
		// Encode sorts by key; keep the raw query if it does not parse so distinct URLs stay distinct
		if values, qErr := url.ParseQuery(normalized.RawQuery); qErr == nil {
			normalized.RawQuery = values.Encode()
		}
	}

	return normalized.String()
}

// Normalize canonicalizes an absolute URL string.
// The second result is false when the input cannot be parsed or is not a hierarchical URL with both
// scheme and host (mailto:, javascript:, data: and relative references are all rejected).
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", false
	}
	return NormalizeURL(u), true
}

// ParseAndNormalize parses an absolute URL string and then normalizes it.
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", utils.ErrInvalidURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" || parsed.Opaque != "" {
		return "", parsed, fmt.Errorf("%w: '%s' lacks scheme or host", utils.ErrInvalidURL, urlStr)
	}
	return NormalizeURL(parsed), parsed, nil
}

// Resolve resolves ref against base (RFC 3986 reference resolution) and normalizes the result.
// Returns false when either side cannot be parsed or the result is not crawlable.
func Resolve(base, ref string) (string, bool) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	return Normalize(baseURL.ResolveReference(refURL).String())
}
