package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"krauler/pkg/config"
	"krauler/pkg/emit"
	"krauler/pkg/fetch"
	"krauler/pkg/models"
	"krauler/pkg/page"
	"krauler/pkg/queue"
	"krauler/pkg/rules"
	"krauler/pkg/storage"
	"krauler/pkg/utils"
)

// VisitedLogFilename is written under the output dir by WriteVisitedLog
const VisitedLogFilename = "visited.txt"

// Crawler owns the global state of one crawl: the frontier, the seen set, the
// admission and retention rules and the emit sink. Every Page it processes gets
// a per-item view of it as its page.State.
type Crawler struct {
	log    *logrus.Entry
	cfg    *config.AppConfig
	runID  string
	resume bool
	depth  int

	store      storage.VisitedStore
	pq         *queue.ThreadSafePriorityQueue
	fetcher    fetch.HTTPFetcher
	sink       emit.Sink
	crawlRule  rules.Rule
	retainRule rules.Rule
	sem        *semaphore.Weighted

	// pending counts items pushed onto the frontier and not yet finished.
	// The frontier is closed when it drops to zero.
	pending   atomic.Int64
	scheduled atomic.Int64
	stats     counters
}

type counters struct {
	processed atomic.Int64
	fetched   atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	retained  atomic.Int64
	panics    atomic.Int64
}

// Deps are the components a Crawler drives. Store and Sink are required.
type Deps struct {
	Store   storage.VisitedStore
	Fetcher fetch.HTTPFetcher // nil = fetch.NewFetcher over fetch.NewClient(cfg.HTTPClientSettings)
	Sink    emit.Sink
	// Semaphore bounds concurrent page fetches. Sharing one across crawlers bounds them together.
	// nil = a new semaphore of cfg.MaxRequests
	Semaphore *semaphore.Weighted
	RunID     string // "" = a new UUID
}

// Stats summarizes a finished (or interrupted) run
type Stats struct {
	RunID     string        `json:"run_id"`
	Processed int64         `json:"processed"`
	Fetched   int64         `json:"fetched"`
	Failed    int64         `json:"failed"`
	Skipped   int64         `json:"skipped"`
	Retained  int64         `json:"retained"`
	Scheduled int64         `json:"scheduled"`
	Visited   int           `json:"visited"`
	Duration  time.Duration `json:"duration"`
}

// New wires a Crawler from a validated config and its components
func New(cfg *config.AppConfig, deps Deps, resume bool, baseLog *logrus.Entry) (*Crawler, error) {
	if deps.Store == nil || deps.Sink == nil {
		return nil, fmt.Errorf("%w: crawler needs a store and a sink", utils.ErrConfigValidation)
	}
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("%w: no seeds", utils.ErrConfigValidation)
	}

	crawlRule, err := rules.Compile(cfg.Crawl, cfg.Seeds)
	if err != nil {
		return nil, utils.WrapErrorf(err, "crawl rule")
	}
	retainRule, err := rules.Compile(cfg.Retain, cfg.Seeds)
	if err != nil {
		return nil, utils.WrapErrorf(err, "retain rule")
	}

	runID := deps.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := baseLog.WithField("run_id", runID)

	if deps.Fetcher == nil {
		deps.Fetcher = fetch.NewFetcher(fetch.NewClient(cfg.HTTPClientSettings, logger), cfg.UserAgent, logger)
	}
	if deps.Semaphore == nil {
		maxRequests := cfg.MaxRequests
		if maxRequests <= 0 {
			maxRequests = max(cfg.NumWorkers, 1)
		}
		deps.Semaphore = semaphore.NewWeighted(int64(maxRequests))
	}

	return &Crawler{
		log:        logger,
		cfg:        cfg,
		runID:      runID,
		resume:     resume,
		depth:      cfg.EffectiveDepth(),
		store:      deps.Store,
		pq:         queue.NewThreadSafePriorityQueue(logger),
		fetcher:    deps.Fetcher,
		sink:       deps.Sink,
		crawlRule:  crawlRule,
		retainRule: retainRule,
		sem:        deps.Semaphore,
	}, nil
}

// Open builds the default components for cfg (BadgerDB state under StateDir and a
// FileSink under OutputBaseDir) and returns a Crawler that owns them.
func Open(cfg *config.AppConfig, resume bool, baseLog *logrus.Entry) (*Crawler, error) {
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("%w: no seeds", utils.ErrConfigValidation)
	}
	runID := uuid.New().String()

	store, err := storage.NewBadgerStore(cfg.StateDir, utils.HostDir(cfg.Seeds[0]), resume, baseLog.WithField("component", "storage"))
	if err != nil {
		return nil, err
	}
	sink, err := emit.NewFileSink(cfg.Emit, cfg.OutputBaseDir, runID, cfg.Seeds, resume, baseLog.WithField("component", "emit"))
	if err != nil {
		store.Close()
		return nil, err
	}

	c, err := New(cfg, Deps{Store: store, Sink: sink, RunID: runID}, resume, baseLog)
	if err != nil {
		sink.Close()
		store.Close()
		return nil, err
	}
	return c, nil
}

// RunID identifies this crawl in logs and emitted metadata
func (c *Crawler) RunID() string {
	return c.runID
}

// Progress is a point-in-time view of a running crawl
type Progress struct {
	Processed int64 `json:"processed"`
	Retained  int64 `json:"retained"`
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"in_flight"`
}

// GetProgress returns the current progress of the crawler
func (c *Crawler) GetProgress() Progress {
	return Progress{
		Processed: c.stats.processed.Load(),
		Retained:  c.stats.retained.Load(),
		Queued:    c.pq.Len(),
		InFlight:  c.pending.Load(),
	}
}

// Run seeds the frontier and processes it with cfg.NumWorkers workers until it is
// exhausted or ctx is done. On resume, work that was queued but never started is
// pushed back first. Returns ctx's error when the crawl was cut short.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	runLog := c.log.WithFields(logrus.Fields{"resume": c.resume, "depth": c.depth, "workers": c.cfg.NumWorkers})
	runLog.Infof("Crawl starting with %d seed(s)", len(c.cfg.Seeds))

	if c.cfg.GlobalCrawlTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.cfg.GlobalCrawlTimeout)
		defer cancelTimeout()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.store.RunGC(runCtx, c.cfg.GCInterval)

	// Stop handing out work once the run is cancelled. Queued items keep their
	// queue records, so a resumed run picks them up again.
	go func() {
		<-runCtx.Done()
		if dropped := c.pq.Drain(); dropped > 0 {
			runLog.Infof("Left %d queued item(s) for a later resume", dropped)
		}
	}()

	// The seeding token keeps the frontier open until every seed is pushed
	c.pending.Add(1)

	g, gctx := errgroup.WithContext(runCtx)
	workers := max(c.cfg.NumWorkers, 1)
	for i := 1; i <= workers; i++ {
		workerLog := c.log.WithField("worker_id", i)
		g.Go(func() error {
			return c.worker(gctx, workerLog)
		})
	}

	if c.resume {
		if err := c.requeue(runCtx, runLog); err != nil {
			runLog.Errorf("Error encountered during DB requeue scan: %v", err)
		}
	}
	seeded := 0
	for _, seed := range c.cfg.Seeds {
		if c.schedule(models.WorkItem{URL: seed}) {
			seeded++
		}
	}
	runLog.Infof("Seeded %d start URL(s)", seeded)
	c.finishItem()

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := c.snapshot(start)
	runLog.WithFields(logrus.Fields{
		"duration":  stats.Duration.String(),
		"processed": stats.Processed,
		"fetched":   stats.Fetched,
		"failed":    stats.Failed,
		"retained":  stats.Retained,
		"visited":   stats.Visited,
	}).Info("Crawl finished")
	return stats, err
}

func (c *Crawler) snapshot(start time.Time) Stats {
	visited, countErr := c.store.GetVisitedCount()
	if countErr != nil {
		c.log.Warnf("Could not get final visited count from DB: %v", countErr)
		visited = -1
	}
	return Stats{
		RunID:     c.runID,
		Processed: c.stats.processed.Load(),
		Fetched:   c.stats.fetched.Load(),
		Failed:    c.stats.failed.Load(),
		Skipped:   c.stats.skipped.Load(),
		Retained:  c.stats.retained.Load(),
		Scheduled: c.scheduled.Load(),
		Visited:   visited,
		Duration:  time.Since(start),
	}
}

func (c *Crawler) requeue(ctx context.Context, runLog *logrus.Entry) error {
	runLog.Info("Resume mode: scanning database for incomplete tasks to requeue...")
	requeueChan := make(chan models.WorkItem, 100)
	done := make(chan int)
	go func() {
		n := 0
		for item := range requeueChan {
			if c.push(item) {
				n++
			}
		}
		done <- n
	}()

	_, scanErrors, err := c.store.RequeueIncomplete(ctx, requeueChan)
	close(requeueChan)
	n := <-done
	runLog.Infof("DB requeue scan complete. Requeued %d tasks (%d scan errors).", n, scanErrors)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// worker pops and processes items until the frontier is closed and empty
func (c *Crawler) worker(ctx context.Context, workerLog *logrus.Entry) error {
	workerLog.Debug("Worker starting")
	defer workerLog.Debug("Worker finished")

	for {
		item, ok := c.pq.Pop()
		if !ok {
			return ctx.Err()
		}
		if ctx.Err() != nil {
			c.finishItem()
			continue
		}
		c.processItem(ctx, item, workerLog)
	}
}

// processItem runs one work item through the page pipeline and records the outcome
func (c *Crawler) processItem(ctx context.Context, item models.WorkItem, workerLog *logrus.Entry) {
	taskLog := workerLog.WithFields(logrus.Fields{"url": item.URL, "depth": item.Depth()})
	startTime := time.Now()
	defer c.finishItem()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		taskLog.Debugf("Semaphore acquire cancelled: %v", err)
		return
	}
	defer c.sem.Release(1)

	taskCtx := ctx
	if c.cfg.PerPageTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.cfg.PerPageTimeout)
		defer cancel()
	}

	p := page.New(c.fetcher, item.URL, item.Path,
		page.WithMaxBytes(c.cfg.MaxPageSizeBytes),
		page.WithLogger(taskLog))

	defer func() {
		if r := recover(); r != nil {
			c.stats.panics.Add(1)
			c.stats.processed.Add(1)
			c.stats.failed.Add(1)
			p.Close()
			err := fmt.Errorf("panic: %v", r)
			taskLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"duration":    time.Since(startTime).String(),
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while processing page")
			c.record(p.NormalizedURL(), item, page.Result{Status: page.StatusFailed, Err: err}, taskLog)
		}
	}()

	st := &taskState{Crawler: c, item: item, log: taskLog}
	res := p.Process(taskCtx, st)
	res.Retained = st.retained
	c.stats.processed.Add(1)
	switch res.Status {
	case page.StatusSkipped:
		c.stats.skipped.Add(1)
		return
	case page.StatusFailed:
		c.stats.failed.Add(1)
	case page.StatusFetched:
		c.stats.fetched.Add(1)
	}

	c.record(res.URL, item, res, taskLog)
	if res.FinalURL != res.URL {
		c.record(res.FinalURL, item, res, taskLog)
	}
	taskLog.WithField("duration", time.Since(startTime).String()).Debugf("Task %s", res.Status)
}

// record stores the outcome of a processed page under key
func (c *Crawler) record(key string, item models.WorkItem, res page.Result, taskLog *logrus.Entry) {
	if key == "" {
		return
	}
	now := time.Now()
	entry := &models.PageDBEntry{
		StatusCode:  res.StatusCode,
		LastAttempt: now,
		Depth:       item.Depth(),
	}
	if res.Status == page.StatusFetched {
		entry.Status = models.PageStatusSuccess
		entry.ProcessedAt = now
		entry.Retained = res.Retained
		entry.LinksFound = res.Links
		if res.FinalURL != key {
			entry.FinalURL = res.FinalURL
		}
		if res.Err != nil {
			entry.ErrorType = utils.CategorizeError(res.Err)
		}
	} else {
		entry.Status = models.PageStatusFailure
		entry.ErrorType = utils.CategorizeError(res.Err)
	}
	if err := c.store.UpdatePageStatus(key, entry); err != nil {
		taskLog.Errorf("Failed to record page status: %v", err)
	}
}

// schedule dedups item against the frontier and seen set and pushes it if new.
// It honours cfg.MaxPages and the crawl rule.
func (c *Crawler) schedule(item models.WorkItem) bool {
	if !rules.MatchURL(c.crawlRule, item.URL) {
		return false
	}
	if limit := int64(c.cfg.MaxPages); limit > 0 {
		if c.scheduled.Add(1) > limit {
			c.scheduled.Add(-1)
			c.log.WithField("url", item.URL).Debug("Page limit reached, not scheduling")
			return false
		}
	} else {
		c.scheduled.Add(1)
	}

	queued, err := c.store.MarkQueued(item)
	if err != nil {
		c.log.WithField("url", item.URL).Errorf("Failed to mark URL queued: %v", err)
	}
	if !queued {
		c.scheduled.Add(-1)
		return false
	}
	return c.push(item)
}

// push adds item to the frontier under the pending count
func (c *Crawler) push(item models.WorkItem) bool {
	c.pending.Add(1)
	if !c.pq.Add(item) {
		c.finishItem()
		return false
	}
	return true
}

func (c *Crawler) finishItem() {
	if c.pending.Add(-1) == 0 {
		c.pq.Close()
	}
}

// ShouldRetain evaluates the retain rule against the page's final URL and MIME type
func (c *Crawler) ShouldRetain(ctx context.Context, p *page.Page) bool {
	u, err := url.Parse(p.NormalizedURL())
	if err != nil {
		return false
	}
	mimeType, _ := p.MimeType(ctx)
	return c.retainRule.Match(rules.Target{URL: u, MimeType: mimeType})
}

// emit hands p to the sink and reports whether it was stored.
// Sink errors are logged and do not stop the crawl.
func (c *Crawler) emit(ctx context.Context, p *page.Page, log *logrus.Entry) bool {
	if err := c.sink.Emit(ctx, p); err != nil {
		log.WithField("error_type", utils.CategorizeError(err)).Warnf("Emit failed: %v", err)
		return false
	}
	c.stats.retained.Add(1)
	return true
}

// Crawl schedules a discovered URL
func (c *Crawler) Crawl(normalizedURL string, path []string) {
	c.schedule(models.WorkItem{URL: normalizedURL, Path: path})
}

// Depth is the link expansion limit; -1 means unlimited
func (c *Crawler) Depth() int {
	return c.depth
}

// WriteVisitedLog writes every seen URL to VisitedLogFilename under the output dir
func (c *Crawler) WriteVisitedLog(ctx context.Context) (string, error) {
	path := filepath.Join(c.cfg.OutputBaseDir, VisitedLogFilename)
	return path, c.store.WriteVisitedLog(ctx, path)
}

// Close closes the sink and then the store
func (c *Crawler) Close() error {
	return errors.Join(c.sink.Close(), c.store.Close())
}

// taskState is the page.State handed to a single work item. It records seen
// URLs at the item's depth, logs with the item's context and remembers what
// happened to the page for its status record.
type taskState struct {
	*Crawler
	item models.WorkItem
	log  *logrus.Entry

	claimed  string // URL this task added to the seen set during admission
	retained bool   // sink accepted the page
}

var _ page.State = (*taskState)(nil)

// ShouldCrawl admits url when the crawl rule matches and this task is the one
// that adds it to the seen set. The seen check and the mark are one store
// transaction, so two tasks holding the same URL cannot both be admitted.
func (t *taskState) ShouldCrawl(normalizedURL string) bool {
	if !rules.MatchURL(t.crawlRule, normalizedURL) {
		return false
	}
	added, err := t.store.MarkSeen(normalizedURL, t.item.Depth())
	if err != nil {
		t.log.WithField("url", normalizedURL).Warnf("Seen check failed, not admitting: %v", err)
		return false
	}
	if added {
		t.claimed = normalizedURL
	}
	return added
}

func (t *taskState) MarkSeen(normalizedURL string) {
	if normalizedURL == t.claimed {
		return
	}
	if _, err := t.store.MarkSeen(normalizedURL, t.item.Depth()); err != nil {
		t.log.WithField("seen_url", normalizedURL).Errorf("Failed to mark URL seen: %v", err)
	}
}

func (t *taskState) Emit(ctx context.Context, p *page.Page) {
	t.retained = t.emit(ctx, p, t.log)
}
