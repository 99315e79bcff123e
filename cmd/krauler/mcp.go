package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"krauler/pkg/config"
	klog "krauler/pkg/log"
	"krauler/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: krauler mcp-server [options]

Start an MCP (Model Context Protocol) server for AI tool integration.
Seeds in the config file are ignored; every crawl call names its own.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  krauler mcp-server -config config.yaml
  krauler mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  crawl           Start a background crawl from a seed URL
  get_job_status  Check progress of a crawl job
  cancel_job      Cancel a running crawl job
  list_jobs       List crawl jobs
  get_links       Fetch one URL and list its links
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stdout, os.Stderr))
}

// newMcpServer loads the shared settings and builds the server without starting it
func newMcpServer(configPath, transport string, port int, logLevel string, stderr io.Writer) (*mcp.Server, error) {
	// MCP protocol uses stdout, logs go to stderr
	logger, err := klog.New(logLevel, stderr)
	if err != nil {
		return nil, err
	}

	appCfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	warnings, err := appCfg.ValidateSettings()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	return mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  appCfg,
		ConfigPath: configPath,
		Transport:  transport,
		Port:       port,
		Logger:     logger,
	})
}

// doMcpServer is the testable implementation of the MCP server
func doMcpServer(configPath, transport string, port int, logLevel string, stdout, stderr io.Writer) int {
	server, err := newMcpServer(configPath, transport, port, logLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
