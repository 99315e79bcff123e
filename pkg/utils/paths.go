package utils

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`) // Invalid on Windows or Unix
var consecutiveUnderscores = regexp.MustCompile(`_+`)

const maxFilenameLength = 100

// SanitizeFilename cleans a string to be safe for use as a single path component.
func SanitizeFilename(name string) string {
	sanitized := invalidFilenameChars.ReplaceAllString(name, "_")
	sanitized = consecutiveUnderscores.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_ ")

	if len(sanitized) > maxFilenameLength {
		sanitized = strings.Trim(sanitized[:maxFilenameLength], "_ ")
	}
	if sanitized == "" {
		sanitized = "untitled"
	}
	return sanitized
}

// URLFilename derives a stable, collision resistant file name for a normalized URL:
// the sanitized last path segment followed by a short hash of the full URL and ext.
func URLFilename(normalizedURL, ext string) string {
	base := "index"
	if u, err := url.Parse(normalizedURL); err == nil {
		if seg := path.Base(u.Path); seg != "/" && seg != "." && seg != "" {
			base = strings.TrimSuffix(seg, path.Ext(seg))
		}
	}
	name := SanitizeFilename(base)
	if len(name) > 48 {
		name = name[:48]
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return name + "-" + ShortHash(normalizedURL, 12) + ext
}

// HostDir returns the sanitized directory name for the host of a normalized URL.
func HostDir(normalizedURL string) string {
	u, err := url.Parse(normalizedURL)
	if err != nil || u.Host == "" {
		return "unknown_host"
	}
	return SanitizeFilename(u.Host)
}
