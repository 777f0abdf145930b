// Package pipeline orchestrates the acquisition -> scrape -> analyze flow
// across all feeds with two independently bounded concurrency pools.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feedscope/internal/analyzer"
	"feedscope/internal/llm"
	"feedscope/internal/model"
	"feedscope/internal/scraper"
	"feedscope/internal/storage"
)

// Store is the slice of the storage contract the orchestrator needs.
type Store interface {
	ListFeeds(ctx context.Context, category string) ([]model.Feed, error)
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	UnanalyzedArticles(ctx context.Context, feedID int64, days int) ([]model.Article, error)
	ListArticles(ctx context.Context, q storage.ArticleQuery) ([]model.Article, error)
	SaveArticleSnapshot(ctx context.Context, id int64, text string) error
}

// FeedUpdater fetches one feed and stores its new articles.
type FeedUpdater interface {
	UpdateFeed(ctx context.Context, feed *model.Feed) (int, error)
}

// BodyScraper extracts article bodies; Close releases its browsers.
type BodyScraper interface {
	Fetch(ctx context.Context, url string) (*scraper.PageContent, error)
	Close()
}

// BatchAnalyzer runs one feed's batch through the LLM pipeline.
type BatchAnalyzer interface {
	AnalyzeArticles(ctx context.Context, articles []model.Article, wantSummary bool, onProgress analyzer.ProgressFunc) ([]analyzer.AnalysisResult, error)
}

// Options configures one pipeline run.
type Options struct {
	RSSWorkers  int   // RSS queue width; default 5
	LLMWorkers  int   // LLM queue width; default 1
	FeedID      int64 // non-zero restricts the run to one feed
	Category    string
	Days        int  // article selection window
	Limit       int  // batch cap, force mode only
	Force       bool // re-analyze the whole window, not just unanalyzed
	WantSummary bool
	OnProgress  analyzer.ProgressFunc
}

// Snapshot is a point-in-time view of the run's aggregate counters.
type Snapshot struct {
	FeedsDone        int
	FeedsTotal       int
	NewArticles      int
	ScrapesDone      int
	ScrapesTotal     int
	ScrapeErrors     int
	ArticlesAnalyzed int
	ArticlesTotal    int
	Interesting      int
	LLMQueued        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FeedErrors       map[int64]string
	Elapsed          time.Duration
}

type progress struct {
	mu         sync.Mutex
	start      time.Time
	tokens     *llm.Counter
	snap       Snapshot
	feedErrors map[int64]string
}

func newProgress(feedsTotal int, tokens *llm.Counter) *progress {
	return &progress{
		start:      time.Now(),
		tokens:     tokens,
		snap:       Snapshot{FeedsTotal: feedsTotal},
		feedErrors: make(map[int64]string),
	}
}

func (p *progress) update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
}

func (p *progress) feedError(feedID int64, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feedErrors[feedID] = msg
}

// Snapshot returns a copy of the current counters; readable at any time.
func (p *progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snap
	s.FeedErrors = make(map[int64]string, len(p.feedErrors))
	for k, v := range p.feedErrors {
		s.FeedErrors[k] = v
	}
	s.PromptTokens, s.CompletionTokens, s.TotalTokens = p.tokens.Totals()
	s.Elapsed = time.Since(p.start)
	return s
}

// Orchestrator runs the full per-feed pipeline: acquisition inside the RSS
// pool, inline scraping, then analysis inside the LLM pool. Each feed's batch
// goes to the analyzer as soon as its own acquisition and scraping finish.
type Orchestrator struct {
	store    Store
	updater  FeedUpdater
	scraper  BodyScraper
	analyzer BatchAnalyzer
	tokens   *llm.Counter
	log      *slog.Logger

	progress *progress
	progMu   sync.Mutex
}

// New creates an Orchestrator. tokens must be the same counter the analyzer
// writes to, so token totals show up in snapshots.
func New(store Store, updater FeedUpdater, sc BodyScraper, an BatchAnalyzer, tokens *llm.Counter, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		updater:  updater,
		scraper:  sc,
		analyzer: an,
		tokens:   tokens,
		log:      log,
	}
}

// Progress returns the live counters of the current (or last) run.
func (o *Orchestrator) Progress() Snapshot {
	o.progMu.Lock()
	p := o.progress
	o.progMu.Unlock()
	if p == nil {
		return Snapshot{}
	}
	return p.Snapshot()
}

// Run executes the pipeline across the selected feeds and returns the final
// counters. It resolves only after every feed task and every enqueued LLM
// task have settled; scraper resources are released regardless of outcome.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Snapshot, error) {
	if opts.RSSWorkers < 1 {
		opts.RSSWorkers = 5
	}
	if opts.LLMWorkers < 1 {
		opts.LLMWorkers = 1
	}

	defer o.scraper.Close()

	feeds, err := o.selectFeeds(ctx, opts)
	if err != nil {
		return Snapshot{}, err
	}

	p := newProgress(len(feeds), o.tokens)
	o.progMu.Lock()
	o.progress = p
	o.progMu.Unlock()

	rssSlots := make(chan struct{}, opts.RSSWorkers)
	llmSlots := make(chan struct{}, opts.LLMWorkers)

	var wg sync.WaitGroup
	for i := range feeds {
		feed := feeds[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runFeed(ctx, &feed, opts, p, rssSlots, llmSlots)
		}()
	}
	wg.Wait()

	return p.Snapshot(), ctx.Err()
}

func (o *Orchestrator) selectFeeds(ctx context.Context, opts Options) ([]model.Feed, error) {
	if opts.FeedID != 0 {
		feed, err := o.store.GetFeed(ctx, opts.FeedID)
		if err != nil {
			return nil, fmt.Errorf("get feed %d: %w", opts.FeedID, err)
		}
		return []model.Feed{*feed}, nil
	}
	feeds, err := o.store.ListFeeds(ctx, opts.Category)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, nil
}

// runFeed is one feed's pipeline task. It holds an RSS-pool permit through
// acquisition, selection, and scraping, releases it, then takes an LLM-pool
// permit for analysis. Failures are recorded and never escape the task.
func (o *Orchestrator) runFeed(ctx context.Context, feed *model.Feed, opts Options, p *progress, rssSlots, llmSlots chan struct{}) {
	defer p.update(func(s *Snapshot) { s.FeedsDone++ })

	select {
	case rssSlots <- struct{}{}:
	case <-ctx.Done():
		p.feedError(feed.ID, ctx.Err().Error())
		return
	}

	batch, ok := o.acquireAndScrape(ctx, feed, opts, p)
	<-rssSlots
	if !ok || len(batch) == 0 {
		return
	}

	p.update(func(s *Snapshot) {
		s.LLMQueued++
		s.ArticlesTotal += len(batch)
	})

	select {
	case llmSlots <- struct{}{}:
	case <-ctx.Done():
		p.update(func(s *Snapshot) { s.LLMQueued-- })
		p.feedError(feed.ID, ctx.Err().Error())
		return
	}
	defer func() { <-llmSlots }()

	p.update(func(s *Snapshot) { s.LLMQueued-- })

	results, err := o.analyzer.AnalyzeArticles(ctx, batch, opts.WantSummary, opts.OnProgress)
	if err != nil {
		o.log.Error("analyze batch", "feed_id", feed.ID, "error", err)
		p.feedError(feed.ID, err.Error())
		return
	}

	interesting := 0
	for _, r := range results {
		if r.IsInteresting {
			interesting++
		}
	}
	p.update(func(s *Snapshot) {
		s.ArticlesAnalyzed += len(results)
		s.Interesting += interesting
	})
}

// acquireAndScrape runs the RSS-pool stage: fetch + store the feed, select
// its pending batch, and scrape any article with a thin snapshot. Scrape
// failures are counted and skipped, never fatal.
func (o *Orchestrator) acquireAndScrape(ctx context.Context, feed *model.Feed, opts Options, p *progress) ([]model.Article, bool) {
	newCount, err := o.updater.UpdateFeed(ctx, feed)
	if err != nil {
		o.log.Error("update feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		p.feedError(feed.ID, err.Error())
		return nil, false
	}
	p.update(func(s *Snapshot) { s.NewArticles += newCount })

	batch, err := o.selectBatch(ctx, feed.ID, opts)
	if err != nil {
		o.log.Error("select batch", "feed_id", feed.ID, "error", err)
		p.feedError(feed.ID, err.Error())
		return nil, false
	}

	for i := range batch {
		art := &batch[i]
		if !scraper.NeedsScrape(art.TextSnapshot) || art.Link == "" {
			continue
		}
		p.update(func(s *Snapshot) { s.ScrapesTotal++ })

		content, err := o.scraper.Fetch(ctx, art.Link)
		if err != nil {
			o.log.Debug("scrape failed", "url", art.Link, "error", err)
			p.update(func(s *Snapshot) { s.ScrapeErrors++ })
			continue
		}
		if content == nil {
			// No discernible article; keep what we have.
			p.update(func(s *Snapshot) { s.ScrapesDone++ })
			continue
		}
		if err := o.store.SaveArticleSnapshot(ctx, art.ID, content.TextContent); err != nil {
			o.log.Error("save snapshot", "article_id", art.ID, "error", err)
			p.update(func(s *Snapshot) { s.ScrapeErrors++ })
			continue
		}
		art.TextSnapshot = content.TextContent
		p.update(func(s *Snapshot) { s.ScrapesDone++ })
	}

	return batch, true
}

func (o *Orchestrator) selectBatch(ctx context.Context, feedID int64, opts Options) ([]model.Article, error) {
	if opts.Force {
		return o.store.ListArticles(ctx, storage.ArticleQuery{
			FeedID: feedID,
			Days:   opts.Days,
			Limit:  opts.Limit,
		})
	}
	return o.store.UnanalyzedArticles(ctx, feedID, opts.Days)
}

// Ensure the full storage implementation satisfies the narrowed interface.
var _ Store = (storage.Storage)(nil)
