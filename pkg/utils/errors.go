package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrTransport        = errors.New("transport error")                // Connection, DNS, TLS or redirect failure
	ErrHTTPStatus       = errors.New("unacceptable HTTP status")       // Final status > 300
	ErrResponseBodyRead = errors.New("failed to read response body")   // Body stream failed or exceeded the size limit
	ErrRequestCreation  = errors.New("failed to create HTTP request")  // Bad request URL
	ErrInvalidURL       = errors.New("URL cannot be normalized")       // Not a crawlable absolute URL
	ErrParsing          = errors.New("parsing error")                  // Wraps specific parsing error (HTML, URL, JSON, YAML)
	ErrFilesystem       = errors.New("filesystem error")               // Wraps os errors
	ErrDatabase         = errors.New("database error")                 // Wraps badger errors
	ErrConfigValidation = errors.New("configuration validation error") // Bad or missing config values
	ErrMarkdown         = errors.New("failed to convert HTML to markdown")
)

// WrapErrorf wraps err with a formatted message. Returns nil if err is nil.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CategorizeError maps an error to a predefined category string for logging and the page status DB.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	switch {
	case errors.Is(err, ErrHTTPStatus):
		errMsg := err.Error()
		switch {
		case strings.Contains(errMsg, " 404"):
			return "HTTP_404"
		case strings.Contains(errMsg, " 403"):
			return "HTTP_403"
		case strings.Contains(errMsg, " 401"):
			return "HTTP_401"
		case strings.Contains(errMsg, " 429"):
			return "HTTP_429"
		case strings.Contains(errMsg, " 5"):
			return "HTTP_5xx"
		case strings.Contains(errMsg, " 4"):
			return "HTTP_4xx"
		}
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrInvalidURL):
		return "Policy_InvalidURL"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "JSON") {
			return "Content_ParsingJSON"
		}
		if strings.Contains(errMsg, "YAML") {
			return "Content_ParsingYAML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrMarkdown):
		return "Content_Markdown"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		if errors.Is(err, os.ErrExist) {
			return "Filesystem_Exist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// Context errors are checked before the transport sentinel so a cancelled crawl is not reported as a network fault
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowerErrMsg, "timeout"):
		return "Network_TimeoutGeneric"
	case strings.Contains(lowerErrMsg, "connection refused"):
		return "Network_ConnectionRefused"
	case strings.Contains(lowerErrMsg, "no such host"):
		return "Network_DNSLookup"
	case strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate"):
		return "Network_TLS"
	case strings.Contains(lowerErrMsg, "reset by peer"):
		return "Network_ConnectionReset"
	case strings.Contains(lowerErrMsg, "redirect"):
		return "Network_Redirect"
	}

	if errors.Is(err, ErrTransport) {
		return "Network_Other"
	}
	return "Unknown"
}
