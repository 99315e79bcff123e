package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"krauler/pkg/rules"
	"krauler/pkg/utils"
)

// AppConfig holds the application configuration for one crawl
type AppConfig struct {
	Seeds              []string         `yaml:"seeds"`
	Depth              *int             `yaml:"depth,omitempty"` // nil or negative = unlimited
	UserAgent          string           `yaml:"user_agent,omitempty"`
	NumWorkers         int              `yaml:"num_workers"`
	MaxRequests        int              `yaml:"max_requests"`                  // Max concurrent fetches across all workers
	MaxPageSizeBytes   int64            `yaml:"max_page_size_bytes,omitempty"` // 0 = unlimited
	MaxPages           int              `yaml:"max_pages,omitempty"`           // Stop scheduling after this many pages (0 = unlimited)
	OutputBaseDir      string           `yaml:"output_base_dir"`
	StateDir           string           `yaml:"state_dir"`
	GlobalCrawlTimeout time.Duration    `yaml:"global_crawl_timeout,omitempty"`
	PerPageTimeout     time.Duration    `yaml:"per_page_timeout,omitempty"` // Timeout for processing a single page (0 = no timeout)
	GCInterval         time.Duration    `yaml:"gc_interval,omitempty"`      // BadgerDB value log GC interval
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Crawl              rules.Spec       `yaml:"crawl,omitempty"`  // Admission rule
	Retain             rules.Spec       `yaml:"retain,omitempty"` // Retention rule
	Emit               EmitConfig       `yaml:"emit,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
	MaxRedirects          int           `yaml:"max_redirects,omitempty"`
}

// EmitConfig controls what happens to retained pages
type EmitConfig struct {
	SaveContent          *bool  `yaml:"save_content,omitempty"` // nil = true
	ConvertMarkdown      bool   `yaml:"convert_markdown,omitempty"`
	JSONLFilename        string `yaml:"jsonl_filename,omitempty"`
	EnableMetadataYAML   bool   `yaml:"enable_metadata_yaml,omitempty"`
	MetadataYAMLFilename string `yaml:"metadata_yaml_filename,omitempty"`
	EnableTokenCounting  bool   `yaml:"enable_token_counting,omitempty"`
	TokenizerEncoding    string `yaml:"tokenizer_encoding,omitempty"`
}

// EffectiveDepth returns the depth limit, or -1 when unlimited
func (c *AppConfig) EffectiveDepth() int {
	if c.Depth == nil || *c.Depth < 0 {
		return -1
	}
	return *c.Depth
}

// GetEffectiveSaveContent determines whether raw content of retained pages is written to disk
func (e EmitConfig) GetEffectiveSaveContent() bool {
	if e.SaveContent != nil {
		return *e.SaveContent
	}
	return true
}

// LoadConfig reads and unmarshals a YAML config file. It does not validate.
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config file '%s': %w", utils.ErrFilesystem, path, err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("%w: YAML config '%s': %w", utils.ErrParsing, path, err)
	}
	return &cfg, nil
}
