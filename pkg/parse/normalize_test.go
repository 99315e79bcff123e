package parse

import (
	"errors"
	"net/url"
	"testing"

	"krauler/pkg/utils"
)

func TestNormalizeURL_NilInput(t *testing.T) {
	if result := NormalizeURL(nil); result != "" {
		t.Errorf("NormalizeURL(nil) = %q, want empty string", result)
	}
}

func TestNormalizeURL_SchemeAndHostLowercase(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"UppercaseScheme", "HTTP://example.com/path", "http://example.com/path"},
		{"UppercaseHost", "http://EXAMPLE.COM/path", "http://example.com/path"},
		{"MixedCase", "HTTPS://Example.COM/Path", "https://example.com/Path"}, // Path case preserved
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, _ := url.Parse(tt.input)
			if result := NormalizeURL(parsed); result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_DefaultPorts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"HTTPPort80Removed", "http://example.com:80/path", "http://example.com/path"},
		{"HTTPSPort443Removed", "https://example.com:443/path", "https://example.com/path"},
		{"HTTPPort8080Kept", "http://example.com:8080/path", "http://example.com:8080/path"},
		{"HTTPPort443Kept", "http://example.com:443/path", "http://example.com:443/path"},
		{"HTTPSPort80Kept", "https://example.com:80/path", "https://example.com:80/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, _ := url.Parse(tt.input)
			if result := NormalizeURL(parsed); result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_PathFragmentQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"EmptyPathBecomesRoot", "http://example.com", "http://example.com/"},
		{"TrailingSlashKept", "http://example.com/docs/", "http://example.com/docs/"},
		{"FragmentRemoved", "http://example.com/page#section", "http://example.com/page"},
		{"EmptyFragmentRemoved", "http://example.com/page#", "http://example.com/page"},
		{"QuerySorted", "http://example.com/s?b=2&a=1", "http://example.com/s?a=1&b=2"},
		{"EmptyQueryDropped", "http://example.com/s?", "http://example.com/s"},
		{"QueryAndFragment", "http://example.com/s?z=1#top", "http://example.com/s?z=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, _ := url.Parse(tt.input)
			if result := NormalizeURL(parsed); result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	original := "HTTP://EXAMPLE.COM:80/Path?b=1&a=2#frag"
	parsed, _ := url.Parse(original)
	_ = NormalizeURL(parsed)

	if parsed.Scheme != "HTTP" {
		t.Errorf("Scheme modified: got %q", parsed.Scheme)
	}
	if parsed.Host != "EXAMPLE.COM:80" {
		t.Errorf("Host modified: got %q", parsed.Host)
	}
	if parsed.RawQuery != "b=1&a=2" {
		t.Errorf("RawQuery modified: got %q", parsed.RawQuery)
	}
	if parsed.Fragment != "frag" {
		t.Errorf("Fragment modified: got %q", parsed.Fragment)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	inputs := []string{
		"HTTP://Example.com:80/a/?y=2&x=1#f",
		"http://example.com/a/?x=1&y=2",
	}
	first, ok := Normalize(inputs[0])
	if !ok {
		t.Fatalf("Normalize(%q) rejected", inputs[0])
	}
	for _, in := range inputs {
		got, ok := Normalize(in)
		if !ok || got != first {
			t.Errorf("Normalize(%q) = %q, %v; want %q, true", in, got, ok, first)
		}
		again, _ := Normalize(got)
		if again != got {
			t.Errorf("Normalize is not idempotent: %q -> %q", got, again)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	tests := []string{
		"",
		"/relative/path",
		"relative",
		"mailto:someone@example.com",
		"javascript:void(0)",
		"data:text/plain,hello",
		"http://[::1",
		"://missing-scheme",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			if got, ok := Normalize(in); ok {
				t.Errorf("Normalize(%q) = %q, true; want rejection", in, got)
			}
		})
	}
}

func TestParseAndNormalize(t *testing.T) {
	got, parsed, err := ParseAndNormalize("HTTP://Example.com/PATH#x")
	if err != nil {
		t.Fatalf("ParseAndNormalize() unexpected error: %v", err)
	}
	if got != "http://example.com/PATH" {
		t.Errorf("ParseAndNormalize() = %q, want %q", got, "http://example.com/PATH")
	}
	if parsed == nil || parsed.Host != "Example.com" {
		t.Errorf("ParseAndNormalize() parsed = %v, want original host preserved", parsed)
	}

	for _, bad := range []string{"", "not a url", "/path/only"} {
		if _, _, err := ParseAndNormalize(bad); !errors.Is(err, utils.ErrInvalidURL) {
			t.Errorf("ParseAndNormalize(%q) error = %v, want ErrInvalidURL", bad, err)
		}
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		ref      string
		expected string
		ok       bool
	}{
		{"AbsolutePath", "http://example.com/a/", "/x", "http://example.com/x", true},
		{"RelativeToDirectory", "http://example.com/a/", "y", "http://example.com/a/y", true},
		{"RelativeToFile", "http://example.com/a/page", "y", "http://example.com/a/y", true},
		{"DotSegments", "http://example.com/a/b/", "../c", "http://example.com/a/c", true},
		{"ProtocolRelative", "https://example.com/", "//cdn.example.com/lib.js", "https://cdn.example.com/lib.js", true},
		{"Absolute", "http://example.com/", "HTTPS://Other.org:443/p#f", "https://other.org/p", true},
		{"EmptyRefIsBase", "http://example.com/a/", "", "http://example.com/a/", true},
		{"FragmentOnly", "http://example.com/a", "#top", "http://example.com/a", true},
		{"WhitespaceTrimmed", "http://example.com/", "  /z  ", "http://example.com/z", true},
		{"Mailto", "http://example.com/", "mailto:a@example.com", "", false},
		{"Javascript", "http://example.com/", "javascript:alert(1)", "", false},
		{"BadRef", "http://example.com/", "http://[::1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.base, tt.ref)
			if ok != tt.ok || got != tt.expected {
				t.Errorf("Resolve(%q, %q) = %q, %v; want %q, %v", tt.base, tt.ref, got, ok, tt.expected, tt.ok)
			}
		})
	}
}
