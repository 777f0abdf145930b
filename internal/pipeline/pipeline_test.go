package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"feedscope/internal/analyzer"
	"feedscope/internal/llm"
	"feedscope/internal/model"
	"feedscope/internal/scraper"
	"feedscope/internal/storage"
)

type fakeStore struct {
	mu        sync.Mutex
	feeds     []model.Feed
	pending   map[int64][]model.Article
	snapshots map[int64]string
	listCalls []storage.ArticleQuery
}

func (f *fakeStore) ListFeeds(_ context.Context, _ string) ([]model.Feed, error) {
	return f.feeds, nil
}

func (f *fakeStore) GetFeed(_ context.Context, id int64) (*model.Feed, error) {
	for i := range f.feeds {
		if f.feeds[i].ID == id {
			feed := f.feeds[i]
			return &feed, nil
		}
	}
	return nil, errors.New("feed not found")
}

func (f *fakeStore) UnanalyzedArticles(_ context.Context, feedID int64, _ int) ([]model.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[feedID], nil
}

func (f *fakeStore) ListArticles(_ context.Context, q storage.ArticleQuery) ([]model.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, q)
	return f.pending[q.FeedID], nil
}

func (f *fakeStore) SaveArticleSnapshot(_ context.Context, id int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[int64]string)
	}
	f.snapshots[id] = text
	return nil
}

type fakeUpdater struct {
	newPerFeed map[int64]int
	failFeeds  map[int64]error
}

func (f *fakeUpdater) UpdateFeed(_ context.Context, feed *model.Feed) (int, error) {
	if err := f.failFeeds[feed.ID]; err != nil {
		return 0, err
	}
	return f.newPerFeed[feed.ID], nil
}

type fakeScraper struct {
	mu      sync.Mutex
	fetched []string
	fail    map[string]error
	closed  bool
}

func (f *fakeScraper) Fetch(_ context.Context, url string) (*scraper.PageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	if err := f.fail[url]; err != nil {
		return nil, err
	}
	return &scraper.PageContent{TextContent: "scraped body for " + url}, nil
}

func (f *fakeScraper) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeAnalyzer struct {
	mu         sync.Mutex
	inFlight   int
	maxInline  int
	batches    [][]int64
	fail       bool
	interestOn map[int64]bool
}

func (f *fakeAnalyzer) AnalyzeArticles(_ context.Context, articles []model.Article, _ bool, _ analyzer.ProgressFunc) ([]analyzer.AnalysisResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInline {
		f.maxInline = f.inFlight
	}
	var ids []int64
	for _, a := range articles {
		ids = append(ids, a.ID)
	}
	f.batches = append(f.batches, ids)
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.fail {
		return nil, errors.New("model exploded")
	}

	results := make([]analyzer.AnalysisResult, 0, len(articles))
	for _, a := range articles {
		results = append(results, analyzer.AnalysisResult{
			ArticleID:     a.ID,
			IsInteresting: f.interestOn[a.ID],
		})
	}
	return results, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func longText() string {
	return strings.Repeat("already scraped text ", 20)
}

func TestRunHappyPathAcrossFeeds(t *testing.T) {
	store := &fakeStore{
		feeds: []model.Feed{
			{ID: 1, Name: "A", URL: "https://a.com/rss"},
			{ID: 2, Name: "B", URL: "https://b.com/rss"},
			{ID: 3, Name: "C", URL: "https://c.com/rss"},
		},
		pending: map[int64][]model.Article{
			1: {
				{ID: 11, FeedID: 1, Link: "https://a.com/1", TextSnapshot: ""},
				{ID: 12, FeedID: 1, Link: "https://a.com/2", TextSnapshot: longText()},
			},
			2: {{ID: 21, FeedID: 2, Link: "https://b.com/1", TextSnapshot: longText()}},
			3: {},
		},
	}
	updater := &fakeUpdater{newPerFeed: map[int64]int{1: 2, 2: 1, 3: 0}}
	scr := &fakeScraper{}
	an := &fakeAnalyzer{interestOn: map[int64]bool{11: true}}

	orch := New(store, updater, scr, an, &llm.Counter{}, discardLogger())
	snap, err := orch.Run(context.Background(), Options{RSSWorkers: 2, LLMWorkers: 1, Days: 7})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snap.FeedsDone != 3 || snap.FeedsTotal != 3 {
		t.Errorf("feeds = %d/%d, want 3/3", snap.FeedsDone, snap.FeedsTotal)
	}
	if snap.NewArticles != 3 {
		t.Errorf("new articles = %d, want 3", snap.NewArticles)
	}
	if snap.ArticlesAnalyzed != 3 {
		t.Errorf("analyzed = %d, want 3", snap.ArticlesAnalyzed)
	}
	if snap.Interesting != 1 {
		t.Errorf("interesting = %d, want 1", snap.Interesting)
	}
	if len(snap.FeedErrors) != 0 {
		t.Errorf("feed errors = %v, want none", snap.FeedErrors)
	}

	// Only the article with a thin snapshot got scraped, and its snapshot
	// was persisted.
	if snap.ScrapesTotal != 1 || snap.ScrapesDone != 1 || snap.ScrapeErrors != 0 {
		t.Errorf("scrapes = %d/%d/%d errors, want 1/1/0", snap.ScrapesDone, snap.ScrapesTotal, snap.ScrapeErrors)
	}
	if got := store.snapshots[11]; !strings.Contains(got, "https://a.com/1") {
		t.Errorf("snapshot for article 11 = %q, want scraped body", got)
	}

	// The LLM pool width of 1 serializes analysis.
	if an.maxInline != 1 {
		t.Errorf("max concurrent analyses = %d, want 1", an.maxInline)
	}
	// The empty feed never reaches the analyzer.
	if len(an.batches) != 2 {
		t.Errorf("analyzer batches = %d, want 2", len(an.batches))
	}

	if !scr.closed {
		t.Error("expected scraper to be closed after the run")
	}
}

func TestRunIsolatesFeedFailures(t *testing.T) {
	store := &fakeStore{
		feeds: []model.Feed{
			{ID: 1, Name: "A", URL: "https://a.com/rss"},
			{ID: 2, Name: "B", URL: "https://b.com/rss"},
			{ID: 3, Name: "C", URL: "https://c.com/rss"},
		},
		pending: map[int64][]model.Article{
			1: {{ID: 11, FeedID: 1, TextSnapshot: longText()}},
			3: {{ID: 31, FeedID: 3, TextSnapshot: longText()}},
		},
	}
	updater := &fakeUpdater{
		newPerFeed: map[int64]int{1: 1, 3: 1},
		failFeeds:  map[int64]error{2: errors.New("both direct and proxy failed")},
	}
	scr := &fakeScraper{}
	an := &fakeAnalyzer{}

	orch := New(store, updater, scr, an, &llm.Counter{}, discardLogger())
	snap, err := orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snap.FeedsDone != 3 {
		t.Errorf("feeds done = %d, want 3 (failure still settles)", snap.FeedsDone)
	}
	if snap.ArticlesAnalyzed != 2 {
		t.Errorf("analyzed = %d, want 2", snap.ArticlesAnalyzed)
	}
	msg, ok := snap.FeedErrors[2]
	if !ok {
		t.Fatal("expected an error recorded for feed 2")
	}
	if !strings.Contains(msg, "both direct and proxy failed") {
		t.Errorf("feed 2 error = %q", msg)
	}
}

func TestRunAnalyzerFailureIsRecorded(t *testing.T) {
	store := &fakeStore{
		feeds: []model.Feed{{ID: 1, Name: "A", URL: "https://a.com/rss"}},
		pending: map[int64][]model.Article{
			1: {{ID: 11, FeedID: 1, TextSnapshot: longText()}},
		},
	}
	orch := New(store, &fakeUpdater{}, &fakeScraper{}, &fakeAnalyzer{fail: true}, &llm.Counter{}, discardLogger())

	snap, err := orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.ArticlesAnalyzed != 0 {
		t.Errorf("analyzed = %d, want 0", snap.ArticlesAnalyzed)
	}
	if msg := snap.FeedErrors[1]; !strings.Contains(msg, "model exploded") {
		t.Errorf("feed error = %q, want analyzer error", msg)
	}
}

func TestRunScrapeFailuresAreCountedNotFatal(t *testing.T) {
	store := &fakeStore{
		feeds: []model.Feed{{ID: 1, Name: "A", URL: "https://a.com/rss"}},
		pending: map[int64][]model.Article{
			1: {
				{ID: 11, FeedID: 1, Link: "https://a.com/broken", TextSnapshot: ""},
				{ID: 12, FeedID: 1, Link: "https://a.com/fine", TextSnapshot: ""},
			},
		},
	}
	scr := &fakeScraper{fail: map[string]error{"https://a.com/broken": errors.New("net::ERR_TIMED_OUT")}}
	an := &fakeAnalyzer{}

	orch := New(store, &fakeUpdater{}, scr, an, &llm.Counter{}, discardLogger())
	snap, err := orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snap.ScrapesTotal != 2 || snap.ScrapesDone != 1 || snap.ScrapeErrors != 1 {
		t.Errorf("scrapes = %d/%d/%d errors, want 1/2/1", snap.ScrapesDone, snap.ScrapesTotal, snap.ScrapeErrors)
	}
	// Both articles still reach the analyzer.
	if len(an.batches) != 1 || len(an.batches[0]) != 2 {
		t.Errorf("batches = %v, want one batch of 2", an.batches)
	}
}

func TestRunForceModeSelectsWindowedArticles(t *testing.T) {
	store := &fakeStore{
		feeds: []model.Feed{{ID: 1, Name: "A", URL: "https://a.com/rss"}},
		pending: map[int64][]model.Article{
			1: {{ID: 11, FeedID: 1, TextSnapshot: longText()}},
		},
	}
	orch := New(store, &fakeUpdater{}, &fakeScraper{}, &fakeAnalyzer{}, &llm.Counter{}, discardLogger())

	if _, err := orch.Run(context.Background(), Options{Force: true, Days: 14, Limit: 50}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(store.listCalls) != 1 {
		t.Fatalf("expected 1 windowed query, got %d", len(store.listCalls))
	}
	q := store.listCalls[0]
	if q.FeedID != 1 || q.Days != 14 || q.Limit != 50 {
		t.Errorf("query = %+v, want feed 1, 14 days, limit 50", q)
	}
}

func TestRunSingleFeed(t *testing.T) {
	store := &fakeStore{
		feeds: []model.Feed{
			{ID: 1, Name: "A", URL: "https://a.com/rss"},
			{ID: 2, Name: "B", URL: "https://b.com/rss"},
		},
		pending: map[int64][]model.Article{
			2: {{ID: 21, FeedID: 2, TextSnapshot: longText()}},
		},
	}
	updater := &fakeUpdater{newPerFeed: map[int64]int{2: 1}}
	orch := New(store, updater, &fakeScraper{}, &fakeAnalyzer{}, &llm.Counter{}, discardLogger())

	snap, err := orch.Run(context.Background(), Options{FeedID: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.FeedsTotal != 1 || snap.FeedsDone != 1 {
		t.Errorf("feeds = %d/%d, want 1/1", snap.FeedsDone, snap.FeedsTotal)
	}
	if snap.NewArticles != 1 {
		t.Errorf("new articles = %d, want 1", snap.NewArticles)
	}
}
