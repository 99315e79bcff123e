package config

import (
	"fmt"
	"time"

	"krauler/pkg/parse"
	"krauler/pkg/rules"
	"krauler/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults and normalize seeds.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// Seeds are required and must normalize
	if len(c.Seeds) == 0 {
		return nil, fmt.Errorf("%w: no seeds configured", utils.ErrConfigValidation)
	}
	seeds := make([]string, 0, len(c.Seeds))
	seen := make(map[string]struct{}, len(c.Seeds))
	for _, s := range c.Seeds {
		n, _, perr := parse.ParseAndNormalize(s)
		if perr != nil {
			return nil, fmt.Errorf("%w: seed '%s': %w", utils.ErrConfigValidation, s, perr)
		}
		if _, dup := seen[n]; dup {
			warnings = append(warnings, fmt.Sprintf("duplicate seed '%s' ignored", s))
			continue
		}
		seen[n] = struct{}{}
		seeds = append(seeds, n)
	}
	c.Seeds = seeds

	more, err := c.ValidateSettings()
	if err != nil {
		return nil, err
	}
	return append(warnings, more...), nil
}

// ValidateSettings checks and defaults everything except the seed list.
// Servers that receive seeds per request validate the shared settings with it.
func (c *AppConfig) ValidateSettings() (warnings []string, err error) {
	// Rules must compile
	if _, rerr := rules.Compile(c.Crawl, c.Seeds); rerr != nil {
		return nil, fmt.Errorf("crawl rule: %w", rerr)
	}
	if _, rerr := rules.Compile(c.Retain, c.Seeds); rerr != nil {
		return nil, fmt.Errorf("retain rule: %w", rerr)
	}

	// Depth
	if c.Depth != nil && *c.Depth < 0 {
		warnings = append(warnings, "depth is negative, crawl depth is unlimited")
	}

	// UserAgent
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}

	// NumWorkers
	if c.NumWorkers <= 0 {
		warnings = append(warnings, "num_workers should be > 0, defaulting to 4")
		c.NumWorkers = 4
	}

	// MaxRequests
	if c.MaxRequests <= 0 {
		warnings = append(warnings, fmt.Sprintf(
			"max_requests should be > 0, defaulting to num_workers (%d)", c.NumWorkers))
		c.MaxRequests = c.NumWorkers
	}

	// MaxPageSizeBytes
	if c.MaxPageSizeBytes < 0 {
		warnings = append(warnings, "max_page_size_bytes cannot be negative, setting to 0 (unlimited)")
		c.MaxPageSizeBytes = 0
	}

	// MaxPages
	if c.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, setting to 0 (unlimited)")
		c.MaxPages = 0
	}

	// OutputBaseDir
	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to './crawled'")
		c.OutputBaseDir = "./crawled"
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './crawler_state'")
		c.StateDir = "./crawler_state"
	}

	// GlobalCrawlTimeout
	if c.GlobalCrawlTimeout < 0 {
		warnings = append(warnings, "global_crawl_timeout cannot be negative, disabling timeout")
		c.GlobalCrawlTimeout = 0
	}

	// PerPageTimeout
	if c.PerPageTimeout < 0 {
		warnings = append(warnings, "per_page_timeout cannot be negative, disabling timeout")
		c.PerPageTimeout = 0
	}

	// GCInterval
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}

	c.validateHTTPClientSettings()
	warnings = append(warnings, c.Emit.validate()...)

	return warnings, nil
}

// DefaultUserAgent is sent when user_agent is not configured
const DefaultUserAgent = "krauler/1.0 (+https://github.com/krauler/krauler)"

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
	if h.MaxRedirects <= 0 {
		h.MaxRedirects = 10
	}
}

func (e *EmitConfig) validate() (warnings []string) {
	if e.JSONLFilename == "" {
		e.JSONLFilename = "pages.jsonl"
	}
	if e.EnableMetadataYAML && e.MetadataYAMLFilename == "" {
		warnings = append(warnings,
			"'enable_metadata_yaml' is true but 'metadata_yaml_filename' is empty. Defaulting to 'metadata.yaml'")
		e.MetadataYAMLFilename = "metadata.yaml"
	}
	if e.EnableTokenCounting && e.TokenizerEncoding == "" {
		e.TokenizerEncoding = "cl100k_base"
	}
	return warnings
}
