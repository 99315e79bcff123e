package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"krauler/pkg/config"
	"krauler/pkg/crawler"
	klog "krauler/pkg/log"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:], false)
	case "resume":
		runCrawl(os.Args[2:], true)
	case "validate":
		runValidate(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("krauler %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `krauler - link-following web crawler

Usage:
  krauler <command> [options]

Commands:
  crawl       Start a fresh crawl
  resume      Resume an interrupted crawl from its saved state
  validate    Validate configuration file
  mcp-server  Start MCP server for AI tool integration
  version     Show version info

Run 'krauler <command> -h' for command-specific help.`)
}

// crawlOptions are the command-line settings of crawl and resume
type crawlOptions struct {
	configPath      string
	seeds           []string // Overrides the config's seeds when set
	depth           *int     // Overrides the config's depth when set
	logLevel        string
	writeVisitedLog bool
	resume          bool
}

// runCrawl handles both crawl and resume subcommands
func runCrawl(args []string, isResume bool) {
	cmdName := "crawl"
	if isResume {
		cmdName = "resume"
	}

	fs := flag.NewFlagSet(cmdName, flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	seeds := fs.String("seeds", "", "Comma-separated seed URLs (overrides config)")
	depth := fs.Int("depth", -1, "Link expansion limit, seed is depth 0 (overrides config; negative = unlimited)")
	logLevel := fs.String("loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	writeVisitedLog := fs.Bool("write-visited-log", false, "Write visited URLs log on completion")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: krauler %s [options]\n\nOptions:\n", cmdName)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  krauler %s -config crawl.yaml\n", cmdName)
		fmt.Fprintf(os.Stderr, "  krauler %s -config crawl.yaml -seeds https://go.dev/doc/ -depth 2\n", cmdName)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts := crawlOptions{
		configPath:      *configFile,
		logLevel:        *logLevel,
		writeVisitedLog: *writeVisitedLog,
		resume:          isResume,
	}
	if *seeds != "" {
		for _, s := range strings.Split(*seeds, ",") {
			if s = strings.TrimSpace(s); s != "" {
				opts.seeds = append(opts.seeds, s)
			}
		}
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "depth" {
			opts.depth = depth
		}
	})

	startPprof(*pprofAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "Received signal: %v. Initiating graceful shutdown...\n", sig)
		cancel()

		select {
		case sig = <-sigChan:
			fmt.Fprintf(os.Stderr, "Received second signal: %v. Forcing exit.\n", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			fmt.Fprintln(os.Stderr, "Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()
	defer signal.Stop(sigChan)

	os.Exit(doCrawl(ctx, opts, os.Stdout, os.Stderr))
}

// doCrawl runs one crawl to completion. Logs go to stderr and the summary to stdout.
// Returns exit code (0 = success or graceful cancel, 1 = error).
func doCrawl(ctx context.Context, opts crawlOptions, stdout, stderr io.Writer) int {
	logger, err := klog.New(opts.logLevel, stderr)
	if err != nil {
		logger.Warnf("%v, using 'info'", err)
	}
	log := logger.WithField("component", "crawl")

	appCfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(opts.seeds) > 0 {
		appCfg.Seeds = opts.seeds
	}
	if opts.depth != nil {
		appCfg.Depth = opts.depth
	}

	warnings, err := appCfg.Validate()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(appCfg, log)

	c, err := crawler.Open(appCfg, opts.resume, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize crawler: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			log.Errorf("Error closing crawl outputs: %v", closeErr)
		}
	}()

	stats, runErr := c.Run(ctx)

	if runErr != nil {
		log.Warnf("Skipping final visited log due to crawl error: %v", runErr)
	} else if opts.writeVisitedLog {
		path, writeErr := c.WriteVisitedLog(ctx)
		if writeErr != nil {
			log.Errorf("Error writing final visited log: %v", writeErr)
		} else {
			fmt.Fprintf(stdout, "Visited log: %s\n", path)
		}
	}

	fmt.Fprintf(stdout, "Run %s: processed %d, fetched %d, failed %d, retained %d, seen %d in %s\n",
		stats.RunID, stats.Processed, stats.Fetched, stats.Failed, stats.Retained, stats.Visited,
		stats.Duration.Round(time.Millisecond))

	switch {
	case runErr == nil:
		log.Info("Crawl completed successfully.")
		return 0
	case errors.Is(runErr, context.Canceled):
		log.Warn("Crawl cancelled gracefully. Run 'krauler resume' to continue.")
		return 0
	case errors.Is(runErr, context.DeadlineExceeded):
		log.Error("Crawl timed out (global timeout).")
		return 1
	default:
		log.Errorf("Crawl finished with error: %v", runErr)
		return 1
	}
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: krauler validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	for _, s := range appCfg.Seeds {
		fmt.Fprintf(stdout, "OK: seed %s\n", s)
	}
	depth := "unlimited"
	if d := appCfg.EffectiveDepth(); d >= 0 {
		depth = fmt.Sprint(d)
	}
	fmt.Fprintf(stdout, "Depth: %s, Workers: %d, Output: %s, State: %s\n",
		depth, appCfg.NumWorkers, appCfg.OutputBaseDir, appCfg.StateDir)

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string) {
	if addr != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "Starting pprof server at http://%s/debug/pprof/\n", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Entry) {
	log.Infof("Config: Seeds:%d, Depth:%d, Workers:%d, MaxReqs:%d, MaxPages:%d",
		len(appCfg.Seeds), appCfg.EffectiveDepth(), appCfg.NumWorkers, appCfg.MaxRequests, appCfg.MaxPages)
	log.Infof("Config: StateDir:%s, OutputDir:%s, MaxPageSize:%d bytes",
		appCfg.StateDir, appCfg.OutputBaseDir, appCfg.MaxPageSizeBytes)
	log.Infof("Config Timeouts: GlobalCrawl:%v, PerPage:%v, HTTP:%v",
		appCfg.GlobalCrawlTimeout, appCfg.PerPageTimeout, appCfg.HTTPClientSettings.Timeout)
	log.Infof("Config Emit: SaveContent:%t, Markdown:%t, JSONL:'%s', MetadataYAML:%t, Tokens:%t",
		appCfg.Emit.GetEffectiveSaveContent(), appCfg.Emit.ConvertMarkdown, appCfg.Emit.JSONLFilename,
		appCfg.Emit.EnableMetadataYAML, appCfg.Emit.EnableTokenCounting)
}
