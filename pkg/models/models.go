package models

import "time"

// WorkItem is one unit of frontier work: a normalized URL and the path of pages that led to it
type WorkItem struct {
	URL  string   `json:"url"`
	Path []string `json:"path,omitempty"`
}

// Depth is the number of hops from a seed
func (w WorkItem) Depth() int {
	return len(w.Path)
}

// PageDBEntry stores the result of processing a page URL in the database
type PageDBEntry struct {
	Status      PageStatus `json:"status"`
	StatusCode  int        `json:"status_code,omitempty"`  // Final HTTP status after redirects
	ErrorType   string     `json:"error_type,omitempty"`   // Error category (on failure)
	FinalURL    string     `json:"final_url,omitempty"`    // Normalized post-redirect URL, when it differs
	Retained    bool       `json:"retained,omitempty"`     // Emitted to the sink
	LinksFound  int        `json:"links_found,omitempty"`  // Distinct links scheduled from this page
	ProcessedAt time.Time  `json:"processed_at,omitempty"` // Timestamp of successful processing
	LastAttempt time.Time  `json:"last_attempt"`           // Timestamp of the last processing attempt
	Depth       int        `json:"depth"`                  // Depth at which this page was processed/attempted
}

// PageRecord is one line of the JSONL output for a retained page
type PageRecord struct {
	URL          string `json:"url"`
	RequestedURL string `json:"requested_url,omitempty"`
	Title        string `json:"title,omitempty"`
	MimeType     string `json:"mime_type"`
	StatusCode   int    `json:"status_code"`
	Depth        int    `json:"depth"`
	ContentBytes int    `json:"content_bytes"`
	ContentHash  string `json:"content_hash"`
	LocalPath    string `json:"local_path,omitempty"`
	MarkdownPath string `json:"markdown_path,omitempty"`
	TokenCount   int    `json:"token_count,omitempty"`
	CrawledAt    string `json:"crawled_at"`
}

// CrawlMetadata holds all metadata for a single crawl run.
type CrawlMetadata struct {
	RunID           string         `yaml:"run_id"`
	Seeds           []string       `yaml:"seeds"`
	CrawlStartTime  time.Time      `yaml:"crawl_start_time"`
	CrawlEndTime    time.Time      `yaml:"crawl_end_time"`
	TotalPagesSaved int            `yaml:"total_pages_saved"`
	Pages           []PageMetadata `yaml:"pages"`
}

// PageMetadata holds metadata for a single retained page.
type PageMetadata struct {
	OriginalURL   string    `yaml:"original_url"`
	NormalizedURL string    `yaml:"normalized_url"`
	LocalFilePath string    `yaml:"local_file_path,omitempty"` // Relative to the output dir
	MarkdownPath  string    `yaml:"markdown_path,omitempty"`
	Title         string    `yaml:"title,omitempty"`
	MimeType      string    `yaml:"mime_type"`
	Depth         int       `yaml:"depth"`
	ProcessedAt   time.Time `yaml:"processed_at"`
	ContentHash   string    `yaml:"content_hash,omitempty"` // SHA256 hex string
	TokenCount    int       `yaml:"token_count,omitempty"`
}
