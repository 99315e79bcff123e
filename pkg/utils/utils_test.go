package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// --- CategorizeError Tests ---

func TestCategorizeError_NilError(t *testing.T) {
	result := CategorizeError(nil)
	if result != "None" {
		t.Errorf("CategorizeError(nil) = %q, want %q", result, "None")
	}
}

func TestCategorizeError_SentinelErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ResponseBodyRead", ErrResponseBodyRead, "Network_BodyRead"},
		{"RequestCreation", ErrRequestCreation, "Internal_RequestCreation"},
		{"InvalidURL", ErrInvalidURL, "Policy_InvalidURL"},
		{"Markdown", ErrMarkdown, "Content_Markdown"},
		{"ConfigValidation", ErrConfigValidation, "Config_Validation"},
		{"Database", ErrDatabase, "Database_Other"},
		{"Filesystem", ErrFilesystem, "Filesystem_Other"},
		{"BareTransport", ErrTransport, "Network_Other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		expected string
	}{
		{"404", 404, "HTTP_404"},
		{"403", 403, "HTTP_403"},
		{"401", 401, "HTTP_401"},
		{"429", 429, "HTTP_429"},
		{"Generic4xx", 410, "HTTP_4xx"},
		{"ServerError", 503, "HTTP_5xx"},
		{"Redirect", 304, "HTTP_OtherStatus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("%w: status %d for 'http://example.com/'", ErrHTTPStatus, tt.code)
			result := CategorizeError(err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_ParsingErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"URLParsing", fmt.Errorf("%w: URL parsing failed", ErrParsing), "Content_ParsingURL"},
		{"HTMLParsing", fmt.Errorf("%w: HTML parsing failed", ErrParsing), "Content_ParsingHTML"},
		{"JSONParsing", fmt.Errorf("%w: JSON parsing failed", ErrParsing), "Content_ParsingJSON"},
		{"YAMLParsing", fmt.Errorf("%w: YAML parsing failed", ErrParsing), "Content_ParsingYAML"},
		{"GenericParsing", fmt.Errorf("%w: failed", ErrParsing), "Content_ParsingOther"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_TransportWrapsContext(t *testing.T) {
	err := fmt.Errorf("%w: GET 'http://example.com/': %w", ErrTransport, context.Canceled)
	if got := CategorizeError(err); got != "System_ContextCanceled" {
		t.Errorf("CategorizeError(%v) = %q, want %q", err, got, "System_ContextCanceled")
	}
}

func TestCategorizeError_NetworkStrings(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"Timeout", errors.New("connection timeout occurred"), "Network_TimeoutGeneric"},
		{"ConnectionRefused", errors.New("connection refused"), "Network_ConnectionRefused"},
		{"DNSLookup", errors.New("no such host"), "Network_DNSLookup"},
		{"TLS", errors.New("tls handshake failed"), "Network_TLS"},
		{"Certificate", errors.New("certificate verify failed"), "Network_TLS"},
		{"ConnectionReset", errors.New("reset by peer"), "Network_ConnectionReset"},
		{"Redirect", fmt.Errorf("%w: stopped after 10 redirects", ErrTransport), "Network_Redirect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CategorizeError(tt.err)
			if result != tt.expected {
				t.Errorf("CategorizeError(%v) = %q, want %q", tt.err, result, tt.expected)
			}
		})
	}
}

func TestCategorizeError_Unknown(t *testing.T) {
	err := errors.New("some completely unknown error")
	if result := CategorizeError(err); result != "Unknown" {
		t.Errorf("CategorizeError(%v) = %q, want %q", err, result, "Unknown")
	}
}

// --- WrapErrorf Tests ---

func TestWrapErrorf_NilError(t *testing.T) {
	if result := WrapErrorf(nil, "some context"); result != nil {
		t.Errorf("WrapErrorf(nil, ...) = %v, want nil", result)
	}
}

func TestWrapErrorf_WrapsError(t *testing.T) {
	wrapped := WrapErrorf(ErrDatabase, "context %s", "value")
	if wrapped == nil {
		t.Fatal("WrapErrorf() returned nil, want error")
	}
	if !errors.Is(wrapped, ErrDatabase) {
		t.Error("WrapErrorf() result should wrap original error")
	}
	if want := "context value: database error"; wrapped.Error() != want {
		t.Errorf("WrapErrorf() message = %q, want %q", wrapped.Error(), want)
	}
}

// --- SanitizeFilename Tests ---

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Simple", "hello", "hello"},
		{"WithSlash", "path/to/file", "path_to_file"},
		{"WithColon", "example.com:8080", "example.com_8080"},
		{"WithMultipleInvalid", "a<b>c:d", "a_b_c_d"},
		{"ConsecutiveUnderscores", "a___b", "a_b"},
		{"LeadingTrailingSpaces", "  file  ", "file"},
		{"Empty", "", "untitled"},
		{"OnlyInvalidChars", "<>:", "untitled"},
		{"ControlChars", "file\x01\x02name", "file_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := SanitizeFilename(tt.input); result != tt.expected {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename_LongNames(t *testing.T) {
	result := SanitizeFilename(strings.Repeat("a", 150))
	if len(result) > 100 {
		t.Errorf("SanitizeFilename(long) length = %d, want <= 100", len(result))
	}
}

// --- URL file naming Tests ---

func TestURLFilename(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		ext        string
		wantPrefix string
		wantSuffix string
	}{
		{"Root", "http://example.com/", "html", "index-", ".html"},
		{"LastSegment", "http://example.com/docs/guide.html", ".md", "guide-", ".md"},
		{"TrailingSlash", "http://example.com/docs/", "", "docs-", ""},
		{"Query", "http://example.com/search?q=go", "html", "search-", ".html"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := URLFilename(tt.url, tt.ext)
			if !strings.HasPrefix(got, tt.wantPrefix) || !strings.HasSuffix(got, tt.wantSuffix) {
				t.Errorf("URLFilename(%q, %q) = %q, want prefix %q and suffix %q", tt.url, tt.ext, got, tt.wantPrefix, tt.wantSuffix)
			}
		})
	}

	if URLFilename("http://example.com/a?x=1", "html") == URLFilename("http://example.com/a?x=2", "html") {
		t.Error("URLFilename() should differ for URLs differing only in query")
	}
}

func TestHostDir(t *testing.T) {
	if got := HostDir("http://Example.com:8080/x"); got != "Example.com_8080" {
		t.Errorf("HostDir() = %q, want %q", got, "Example.com_8080")
	}
	if got := HostDir("not a url"); got != "unknown_host" {
		t.Errorf("HostDir(invalid) = %q, want %q", got, "unknown_host")
	}
}

// --- Hash Tests ---

func TestSHA256Hex(t *testing.T) {
	// Known SHA-256 of the empty input
	const emptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := SHA256Hex(nil); got != emptyHash {
		t.Errorf("SHA256Hex(nil) = %q, want %q", got, emptyHash)
	}
}

func TestShortHash(t *testing.T) {
	if got := ShortHash("", 8); got != "e3b0c442" {
		t.Errorf("ShortHash(\"\", 8) = %q, want %q", got, "e3b0c442")
	}
	if got := ShortHash("", 0); len(got) != 64 {
		t.Errorf("ShortHash(\"\", 0) length = %d, want 64", len(got))
	}
}
