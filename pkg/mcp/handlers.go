package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"krauler/pkg/config"
	"krauler/pkg/crawler"
	"krauler/pkg/emit"
	"krauler/pkg/page"
	"krauler/pkg/parse"
	"krauler/pkg/storage"
	"krauler/pkg/utils"
)

// handleCrawl handles the crawl tool
func (s *Server) handleCrawl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL := request.GetString("url", "")
	if rawURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	seedURL, _, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid URL: %v", err)), nil
	}

	cfg := *s.cfg.AppConfig
	cfg.Seeds = []string{seedURL}
	cfg.OutputBaseDir = filepath.Join(s.cfg.AppConfig.OutputBaseDir, utils.HostDir(seedURL))
	args := request.GetArguments()
	if _, ok := args["depth"]; ok {
		depth := request.GetInt("depth", -1)
		cfg.Depth = &depth
	}
	if _, ok := args["max_pages"]; ok {
		cfg.MaxPages = request.GetInt("max_pages", 0)
	}
	resume := request.GetBool("resume", false)

	warnings, err := cfg.Validate()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid crawl settings: %v", err)), nil
	}
	for _, w := range warnings {
		s.log.WithField("seed", seedURL).Warn(w)
	}

	// One job per state DB: the store name is derived from the seed host
	key := utils.HostDir(seedURL)
	job, created := s.jobManager.CreateJob(key, seedURL, resume)
	if !created {
		result := map[string]any{
			"status":  "already_running",
			"message": "A crawl of this site is already in progress",
			"job_id":  job.ID,
			"seed":    job.Seed,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}
	s.jobManager.SetOutputDir(job.ID, cfg.OutputBaseDir)

	go s.runCrawlJob(job, &cfg)

	result := map[string]any{
		"status":     "started",
		"job_id":     job.ID,
		"seed":       seedURL,
		"resume":     resume,
		"output_dir": cfg.OutputBaseDir,
		"message":    "Crawl started in background. Use get_job_status to check progress.",
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	return mcp.NewToolResultText(formatJSON(jobSummary(job))), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if s.jobManager.GetJob(jobID) == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	cancelled := s.jobManager.CancelJob(jobID)
	job := s.jobManager.GetJob(jobID)
	result := map[string]any{
		"job_id":    jobID,
		"cancelled": cancelled,
		"status":    job.Status,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs := s.jobManager.ListJobs()
	summaries := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, jobSummary(job))
	}
	result := map[string]any{
		"jobs":  summaries,
		"total": len(summaries),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetLinks handles the get_links tool
func (s *Server) handleGetLinks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL := request.GetString("url", "")
	if rawURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	startTime := time.Now()
	p := page.New(s.fetcher, rawURL, nil,
		page.WithMaxBytes(s.cfg.AppConfig.MaxPageSizeBytes),
		page.WithLogger(s.log.WithField("tool", "get_links")))
	collector := &linkCollector{}
	res := p.Process(ctx, collector)

	if res.Status != page.StatusFetched {
		msg := fmt.Sprintf("failed to fetch URL: %s", res.Status)
		if res.Err != nil {
			msg = fmt.Sprintf("failed to fetch URL: %v", res.Err)
		}
		return mcp.NewToolResultError(msg), nil
	}

	mimeType, _ := p.MimeType(ctx)
	result := map[string]any{
		"url":           res.URL,
		"final_url":     res.FinalURL,
		"status_code":   res.StatusCode,
		"mime_type":     mimeType,
		"links":         collector.sorted(),
		"links_count":   res.Links,
		"fetch_time_ms": time.Since(startTime).Milliseconds(),
	}
	if res.Err != nil {
		result["warning"] = res.Err.Error()
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// runCrawlJob runs a crawl in the background and keeps the job record current
func (s *Server) runCrawlJob(job *Job, cfg *config.AppConfig) {
	jobLog := s.log.WithFields(logrus.Fields{"job_id": job.ID, "seed": job.Seed})
	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(job.ID)

	store, err := storage.NewBadgerStore(cfg.StateDir, job.Key, job.Resume, jobLog.WithField("component", "storage"))
	if err != nil {
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, fmt.Sprintf("failed to open store: %v", err))
		return
	}
	sink, err := emit.NewFileSink(cfg.Emit, cfg.OutputBaseDir, job.ID, cfg.Seeds, job.Resume, jobLog.WithField("component", "emit"))
	if err != nil {
		store.Close()
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, fmt.Sprintf("failed to open output: %v", err))
		return
	}

	c, err := crawler.New(cfg, crawler.Deps{
		Store:     store,
		Fetcher:   s.fetcher,
		Sink:      sink,
		Semaphore: s.sem,
		RunID:     job.ID,
	}, job.Resume, jobLog)
	if err != nil {
		sink.Close()
		store.Close()
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, fmt.Sprintf("failed to create crawler: %v", err))
		return
	}

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				p := c.GetProgress()
				s.jobManager.UpdateProgress(job.ID, p.Processed, p.Retained, int64(p.Queued))
			}
		}
	}()

	stats, runErr := c.Run(jobCtx)
	close(progressDone)
	s.jobManager.UpdateProgress(job.ID, stats.Processed, stats.Retained, 0)

	if closeErr := c.Close(); closeErr != nil {
		jobLog.Errorf("Error closing crawl outputs: %v", closeErr)
	}

	switch {
	case runErr == nil:
		s.jobManager.UpdateStatus(job.ID, JobStatusCompleted, "")
	case errors.Is(runErr, context.Canceled):
		s.jobManager.UpdateStatus(job.ID, JobStatusCancelled, "")
	default:
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, runErr.Error())
	}
}

func jobSummary(job *Job) map[string]any {
	summary := map[string]any{
		"job_id":          job.ID,
		"seed":            job.Seed,
		"status":          job.Status,
		"resume":          job.Resume,
		"started_at":      job.StartedAt.Format(time.RFC3339),
		"pages_processed": job.PagesProcessed,
		"pages_retained":  job.PagesRetained,
		"pages_queued":    job.PagesQueued,
	}
	if job.OutputDir != "" {
		summary["output_dir"] = job.OutputDir
	}
	if !job.CompletedAt.IsZero() {
		summary["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		summary["duration"] = job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond).String()
	}
	if job.ErrorMessage != "" {
		summary["error"] = job.ErrorMessage
	}
	return summary
}

// linkCollector is a page.State that admits the one page it is given,
// retains nothing and records scheduled links instead of crawling them.
type linkCollector struct {
	links []string
}

func (l *linkCollector) ShouldCrawl(string) bool                       { return true }
func (l *linkCollector) MarkSeen(string)                               {}
func (l *linkCollector) ShouldRetain(context.Context, *page.Page) bool { return false }
func (l *linkCollector) Emit(context.Context, *page.Page)              {}
func (l *linkCollector) Crawl(url string, _ []string)                  { l.links = append(l.links, url) }
func (l *linkCollector) Depth() int                                    { return -1 }

func (l *linkCollector) sorted() []string {
	out := append([]string{}, l.links...)
	sort.Strings(out)
	return out
}

func formatJSON(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to format JSON: %v"}`, err)
	}
	return string(b)
}
