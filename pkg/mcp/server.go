package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"krauler/pkg/config"
	"krauler/pkg/fetch"
)

const (
	serverName    = "krauler"
	serverVersion = "0.3.0"

	defaultProgressInterval = 2 * time.Second
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig        *config.AppConfig // Validated; Seeds are ignored, each crawl call names its own
	ConfigPath       string
	Transport        string // "stdio" or "sse"
	Port             int
	Logger           *logrus.Logger
	ProgressInterval time.Duration // How often running jobs refresh their counters
}

// Server exposes the crawler as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	fetcher    fetch.HTTPFetcher
	sem        *semaphore.Weighted // Shared by every job so concurrent crawls respect MaxRequests together
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	logger := cfg.Logger.WithField("component", "mcp")
	httpClient := fetch.NewClient(cfg.AppConfig.HTTPClientSettings, logger)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        logger,
		jobManager: NewJobManager(),
		fetcher:    fetch.NewFetcher(httpClient, cfg.AppConfig.UserAgent, logger),
		sem:        semaphore.NewWeighted(int64(max(cfg.AppConfig.MaxRequests, 1))),
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	crawlTool := mcp.NewTool("crawl",
		mcp.WithDescription("Start a background crawl from a seed URL. Returns immediately with a job ID."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Absolute seed URL"),
		),
		mcp.WithNumber("depth",
			mcp.Description("Link expansion limit; the seed is depth 0 (default: from config, negative = unlimited)"),
		),
		mcp.WithNumber("max_pages",
			mcp.Description("Stop scheduling after this many pages (default: from config)"),
		),
		mcp.WithBoolean("resume",
			mcp.Description("Continue a previous crawl of the same site from its saved state"),
		),
	)
	s.mcpServer.AddTool(crawlTool, s.handleCrawl)

	getJobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status and counters of a crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by crawl"),
		),
	)
	s.mcpServer.AddTool(getJobStatusTool, s.handleGetJobStatus)

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a running crawl job. Queued work is kept and can be resumed."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by crawl"),
		),
	)
	s.mcpServer.AddTool(cancelJobTool, s.handleCancelJob)

	listJobsTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List all crawl jobs started by this server, newest first"),
	)
	s.mcpServer.AddTool(listJobsTool, s.handleListJobs)

	getLinksTool := mcp.NewTool("get_links",
		mcp.WithDescription("Fetch one URL and return the normalized links found on it, without following them"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to fetch"),
		),
	)
	s.mcpServer.AddTool(getLinksTool, s.handleGetLinks)

	s.log.Infof("Registered %d MCP tools", 5)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels every running job
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	return nil
}
