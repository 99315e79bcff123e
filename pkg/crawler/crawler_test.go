package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krauler/pkg/config"
	"krauler/pkg/emit"
	"krauler/pkg/fetch"
	"krauler/pkg/models"
	"krauler/pkg/page"
	"krauler/pkg/rules"
	"krauler/pkg/storage"
	"krauler/pkg/utils"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func intPtr(i int) *int { return &i }

// testSite serves a small site and counts requests per path.
//
//	/        -> /a /b /logo.png http://other.invalid/
//	/a       -> / /c
//	/b       -> 404
//	/c       -> /d
//	/d       -> (leaf)
//	/old     -> 301 /c
//	/logo.png   image/png
type testSite struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	site := &testSite{hits: make(map[string]int)}
	pages := map[string]string{
		"/":  `<html><body><a href="/a">a</a><a href="/b">b</a><img src="/logo.png"><a href="http://other.invalid/">out</a></body></html>`,
		"/a": `<html><body><a href="/">home</a><a href="c">c</a></body></html>`,
		"/c": `<html><body><a href="/d#top">d</a></body></html>`,
		"/d": `<html><body>leaf</body></html>`,
	}
	site.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		site.mu.Unlock()

		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/c", http.StatusMovedPermanently)
			return
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte{0x89, 'P', 'N', 'G'})
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(site.Close)
	return site
}

func (s *testSite) url(path string) string {
	return s.URL + path
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func testConfig(t *testing.T, seed string, depth *int) *config.AppConfig {
	return &config.AppConfig{
		Seeds:         []string{seed},
		Depth:         depth,
		NumWorkers:    3,
		MaxRequests:   2,
		OutputBaseDir: t.TempDir(),
		Crawl:         rules.Spec{SameSite: true},
	}
}

func newTestStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir(), "crawl", false, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestCrawler(t *testing.T, site *testSite, cfg *config.AppConfig, store storage.VisitedStore, sink emit.Sink, resume bool) *Crawler {
	t.Helper()
	fetcher := fetch.NewFetcher(site.Client(), "krauler-test", testLogger())
	c, err := New(cfg, Deps{Store: store, Fetcher: fetcher, Sink: sink}, resume, testLogger())
	require.NoError(t, err)
	return c
}

func sortedIDs(sink *emit.MemorySink) []string {
	ids := sink.IDs()
	sort.Strings(ids)
	return ids
}

func TestRunCrawlsReachablePages(t *testing.T) {
	site := newTestSite(t)
	store := newTestStore(t)
	sink := &emit.MemorySink{}
	c := newTestCrawler(t, site, testConfig(t, site.url("/"), nil), store, sink, false)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		site.url("/"), site.url("/a"), site.url("/c"), site.url("/d"), site.url("/logo.png"),
	}, sortedIDs(sink))
	assert.EqualValues(t, 6, stats.Processed)
	assert.EqualValues(t, 5, stats.Fetched)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 5, stats.Retained)
	assert.Equal(t, 6, stats.Visited)
	assert.Equal(t, c.RunID(), stats.RunID)

	for _, path := range []string{"/", "/a", "/b", "/c", "/d", "/logo.png"} {
		assert.Equal(t, 1, site.hitCount(path), "each page is fetched once: %s", path)
	}

	status, entry, err := store.CheckPageStatus(site.url("/b"))
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusFailure, status)
	assert.Equal(t, http.StatusNotFound, entry.StatusCode)
	assert.Equal(t, "HTTP_404", entry.ErrorType)
	assert.Equal(t, 1, entry.Depth)

	status, entry, err = store.CheckPageStatus(site.url("/c"))
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusSuccess, status)
	assert.True(t, entry.Retained)
	assert.Equal(t, 1, entry.LinksFound)
	assert.Equal(t, 2, entry.Depth)
}

func TestRunRespectsDepth(t *testing.T) {
	tests := []struct {
		name  string
		depth int
		want  []string
	}{
		{"depth 0 keeps only the seed", 0, []string{"/"}},
		{"depth 1 stops before grandchildren", 1, []string{"/", "/a", "/logo.png"}},
		{"depth 2", 2, []string{"/", "/a", "/c", "/logo.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newTestSite(t)
			sink := &emit.MemorySink{}
			c := newTestCrawler(t, site, testConfig(t, site.url("/"), intPtr(tt.depth)), newTestStore(t), sink, false)

			_, err := c.Run(context.Background())
			require.NoError(t, err)

			var want []string
			for _, p := range tt.want {
				want = append(want, site.url(p))
			}
			assert.Equal(t, want, sortedIDs(sink))
		})
	}
}

func TestRunRetainRuleFiltersEmits(t *testing.T) {
	site := newTestSite(t)
	cfg := testConfig(t, site.url("/"), nil)
	cfg.Retain = rules.Spec{MimeType: "html", Not: &rules.Spec{Pattern: `/a$`}}
	sink := &emit.MemorySink{}
	c := newTestCrawler(t, site, cfg, newTestStore(t), sink, false)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{site.url("/"), site.url("/c"), site.url("/d")}, sortedIDs(sink))
	// Pages that are not retained are still expanded
	assert.Equal(t, 1, site.hitCount("/d"))
	assert.EqualValues(t, 3, stats.Retained)
}

func TestRunMaxPages(t *testing.T) {
	site := newTestSite(t)
	cfg := testConfig(t, site.url("/"), nil)
	cfg.MaxPages = 2
	sink := &emit.MemorySink{}
	c := newTestCrawler(t, site, cfg, newTestStore(t), sink, false)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.Scheduled)
	assert.EqualValues(t, 2, stats.Processed)
	assert.Equal(t, []string{site.url("/"), site.url("/a")}, sortedIDs(sink))
}

func TestRunRedirectMarksBothIdentities(t *testing.T) {
	site := newTestSite(t)
	store := newTestStore(t)
	sink := &emit.MemorySink{}
	c := newTestCrawler(t, site, testConfig(t, site.url("/old"), nil), store, sink, false)

	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{site.url("/c"), site.url("/d")}, sortedIDs(sink))
	assert.Equal(t, 1, site.hitCount("/c"))

	for _, u := range []string{site.url("/old"), site.url("/c")} {
		seen, err := store.IsSeen(u)
		require.NoError(t, err)
		assert.True(t, seen, u)
	}
	_, entry, err := store.CheckPageStatus(site.url("/old"))
	require.NoError(t, err)
	assert.Equal(t, site.url("/c"), entry.FinalURL)
}

func TestRunResumeRequeuesUnstartedWork(t *testing.T) {
	site := newTestSite(t)
	store := newTestStore(t)

	// A previous run saw the seed and queued /d but stopped before fetching it
	_, err := store.MarkSeen(site.url("/"), 0)
	require.NoError(t, err)
	queued, err := store.MarkQueued(models.WorkItem{URL: site.url("/d"), Path: []string{site.url("/"), site.url("/c")}})
	require.NoError(t, err)
	require.True(t, queued)

	sink := &emit.MemorySink{}
	c := newTestCrawler(t, site, testConfig(t, site.url("/"), nil), store, sink, true)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{site.url("/d")}, sink.IDs())
	assert.Equal(t, 0, site.hitCount("/"))
	assert.EqualValues(t, 1, stats.Processed)

	_, entry, err := store.CheckPageStatus(site.url("/d"))
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Depth)
}

func TestRunCancelledContext(t *testing.T) {
	site := newTestSite(t)
	sink := &emit.MemorySink{}
	c := newTestCrawler(t, site, testConfig(t, site.url("/"), nil), newTestStore(t), sink, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Processed)
	assert.Empty(t, sink.IDs())
}

type panicFetcher struct{}

func (panicFetcher) Get(context.Context, string) (*http.Response, error) {
	panic("boom")
}

func TestRunRecoversFromPanics(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig(t, "http://example.com/", nil)
	c, err := New(cfg, Deps{Store: store, Fetcher: panicFetcher{}, Sink: emit.Discard}, false, testLogger())
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Processed)
	assert.EqualValues(t, 1, stats.Failed)

	status, _, err := store.CheckPageStatus("http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusFailure, status)
}

type failingSink struct{ emit.MemorySink }

func (f *failingSink) Emit(context.Context, *page.Page) error {
	return fmt.Errorf("%w: disk full", utils.ErrFilesystem)
}

func TestRunSinkErrorsDoNotStopCrawl(t *testing.T) {
	site := newTestSite(t)
	store := newTestStore(t)
	c := newTestCrawler(t, site, testConfig(t, site.url("/"), nil), store, &failingSink{}, false)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Retained)
	assert.EqualValues(t, 5, stats.Fetched)

	for _, u := range []string{site.url("/"), site.url("/d")} {
		status, entry, err := store.CheckPageStatus(u)
		require.NoError(t, err)
		assert.Equal(t, models.PageStatusSuccess, status, u)
		assert.False(t, entry.Retained, u)
	}
}

func TestTaskStateShouldCrawl(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig(t, "http://example.com/", nil)
	c, err := New(cfg, Deps{Store: store, Sink: emit.Discard}, false, testLogger())
	require.NoError(t, err)
	newState := func() *taskState {
		return &taskState{Crawler: c, item: models.WorkItem{URL: "http://example.com/"}, log: testLogger()}
	}

	assert.True(t, newState().ShouldCrawl("http://example.com/x"))
	assert.True(t, newState().ShouldCrawl("http://docs.example.com/x"), "same registrable domain")
	assert.False(t, newState().ShouldCrawl("http://example.org/x"))
	assert.False(t, newState().ShouldCrawl("http://example.com/x"), "seen URLs are not admitted")

	seen, err := store.IsSeen("http://example.org/x")
	require.NoError(t, err)
	assert.False(t, seen, "rejected URLs are not marked")
}

func TestTaskStateAdmitsOnce(t *testing.T) {
	store := newTestStore(t)
	c, err := New(testConfig(t, "http://example.com/", nil), Deps{Store: store, Sink: emit.Discard}, false, testLogger())
	require.NoError(t, err)

	const workers = 16
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := &taskState{Crawler: c, item: models.WorkItem{URL: "http://example.com/dup"}, log: testLogger()}
			if st.ShouldCrawl("http://example.com/dup") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, admitted.Load())
}

func TestTaskStateMarkSeenRecordsDepth(t *testing.T) {
	store := newTestStore(t)
	c, err := New(testConfig(t, "http://example.com/", nil), Deps{Store: store, Sink: emit.Discard}, false, testLogger())
	require.NoError(t, err)

	st := &taskState{Crawler: c, item: models.WorkItem{URL: "http://example.com/a", Path: []string{"http://example.com/"}}, log: testLogger()}
	st.MarkSeen("http://example.com/a")
	st.MarkSeen("http://example.com/a")

	status, entry, err := store.CheckPageStatus("http://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusPending, status)
	assert.Equal(t, 1, entry.Depth)
}

func TestNew(t *testing.T) {
	store := newTestStore(t)

	t.Run("requires store and sink", func(t *testing.T) {
		_, err := New(testConfig(t, "http://example.com/", nil), Deps{Store: store}, false, testLogger())
		assert.True(t, errors.Is(err, utils.ErrConfigValidation))
	})

	t.Run("requires seeds", func(t *testing.T) {
		cfg := testConfig(t, "http://example.com/", nil)
		cfg.Seeds = nil
		_, err := New(cfg, Deps{Store: store, Sink: emit.Discard}, false, testLogger())
		assert.ErrorIs(t, err, utils.ErrConfigValidation)
	})

	t.Run("bad retain rule", func(t *testing.T) {
		cfg := testConfig(t, "http://example.com/", nil)
		cfg.Retain = rules.Spec{Pattern: "("}
		_, err := New(cfg, Deps{Store: store, Sink: emit.Discard}, false, testLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retain rule")
	})

	t.Run("depth and run id", func(t *testing.T) {
		c, err := New(testConfig(t, "http://example.com/", intPtr(3)), Deps{Store: store, Sink: emit.Discard, RunID: "run-1"}, false, testLogger())
		require.NoError(t, err)
		assert.Equal(t, 3, c.Depth())
		assert.Equal(t, "run-1", c.RunID())
	})
}

func TestOpenAndWriteVisitedLog(t *testing.T) {
	site := newTestSite(t)
	cfg := testConfig(t, site.url("/"), intPtr(1))
	cfg.StateDir = t.TempDir()
	cfg.Emit = config.EmitConfig{JSONLFilename: "pages.jsonl"}

	c, err := Open(cfg, false, testLogger())
	require.NoError(t, err)
	c.fetcher = fetch.NewFetcher(site.Client(), "krauler-test", testLogger())

	_, err = c.Run(context.Background())
	require.NoError(t, err)

	path, err := c.WriteVisitedLog(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.ElementsMatch(t, []string{site.url("/"), site.url("/a"), site.url("/b"), site.url("/logo.png")}, lines)

	records, err := os.ReadFile(cfg.OutputBaseDir + "/pages.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(records), "\n"))
}
