// Package scraper performs best-effort full-text extraction for articles via
// headless-browser rendering and readability-style content extraction.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

const (
	// MinSnapshotChars is the "needs scraping" threshold: an article whose
	// snapshot is shorter than this gets a scrape attempt.
	MinSnapshotChars = 200

	maxSessions     = 2
	launchInterval  = 3 * time.Second
	taskTimeout     = 30 * time.Second
	navigateTimeout = 20 * time.Second

	minExtractedChars = 100
)

const scraperUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"

// PageContent is the extracted body of one article page.
type PageContent struct {
	Title       string
	HTMLContent string
	TextContent string
	Byline      string
	Excerpt     string
}

// NeedsScrape reports whether an existing snapshot is too thin to be usable.
func NeedsScrape(snapshot string) bool {
	return len(snapshot) < MinSnapshotChars
}

// browser owns one headless Chrome instance: the allocator plus a root tab.
type browser struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func launchBrowser(proxyURL string) *browser {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.UserAgent(scraperUserAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return &browser{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
}

func (b *browser) close() {
	b.browserCancel()
	b.allocCancel()
}

// Scraper renders article pages and extracts their main content. Browser
// processes are started lazily on first use and must be released with Close.
type Scraper struct {
	proxySource func() string
	log         *slog.Logger

	sem chan struct{}

	launchMu   sync.Mutex
	lastLaunch time.Time

	mu     sync.Mutex
	direct *browser
	proxy  *browser
	closed bool
}

// New creates a Scraper. proxySource is consulted on timeout-class failures;
// it may return "" for no proxy.
func New(proxySource func() string, log *slog.Logger) *Scraper {
	return &Scraper{
		proxySource: proxySource,
		log:         log,
		sem:         make(chan struct{}, maxSessions),
	}
}

// Close releases all browser processes. Safe to call once; the scraper is
// unusable afterwards.
func (s *Scraper) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.direct != nil {
		s.direct.close()
		s.direct = nil
	}
	if s.proxy != nil {
		s.proxy.close()
		s.proxy = nil
	}
}

func (s *Scraper) directBrowser() (*browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scraper is closed")
	}
	if s.direct == nil {
		s.direct = launchBrowser("")
	}
	return s.direct, nil
}

// proxyBrowser lazily creates the proxy-mode sibling instance; it is reused
// across retries within a run.
func (s *Scraper) proxyBrowser(proxyURL string) (*browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("scraper is closed")
	}
	if s.proxy == nil {
		s.proxy = launchBrowser(proxyURL)
	}
	return s.proxy, nil
}

// waitLaunchSlot enforces the minimum interval between session launches,
// independent of the concurrency cap.
func (s *Scraper) waitLaunchSlot(ctx context.Context) error {
	s.launchMu.Lock()
	wait := launchInterval - time.Since(s.lastLaunch)
	if wait < 0 {
		wait = 0
	}
	s.lastLaunch = time.Now().Add(wait)
	s.launchMu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch renders url and extracts its main article content. Returns (nil, nil)
// when the page yields no discernible article: callers treat that as "skip,
// keep existing content". A timeout-class failure is retried once through the
// proxy browser when a proxy is configured.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*PageContent, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := s.waitLaunchSlot(ctx); err != nil {
		return nil, err
	}

	b, err := s.directBrowser()
	if err != nil {
		return nil, err
	}

	content, err := s.fetchWith(ctx, b, pageURL)
	if err == nil {
		return content, nil
	}
	if !isTimeout(err) {
		return nil, err
	}

	proxyURL := s.proxySource()
	if proxyURL == "" {
		return nil, err
	}
	s.log.Debug("scrape timeout, retrying via proxy", "url", pageURL)

	pb, perr := s.proxyBrowser(proxyURL)
	if perr != nil {
		return nil, perr
	}
	return s.fetchWith(ctx, pb, pageURL)
}

func (s *Scraper) fetchWith(ctx context.Context, b *browser, pageURL string) (*PageContent, error) {
	taskCtx, taskCancel := chromedp.NewContext(b.browserCtx)
	defer taskCancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, taskTimeout)
	defer timeoutCancel()

	// Stop the task when the caller gives up, not only on our own deadline.
	go func() {
		select {
		case <-ctx.Done():
			taskCancel()
		case <-taskCtx.Done():
		}
	}()

	navCtx, navCancel := context.WithTimeout(taskCtx, navigateTimeout)
	defer navCancel()

	// Human-like pacing reduces bot-detection false positives.
	if err := chromedp.Run(navCtx,
		chromedp.Sleep(randomDelay(1*time.Second, 3*time.Second)),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
	); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", pageURL, err)
	}

	var rendered string
	if err := chromedp.Run(taskCtx,
		chromedp.Sleep(randomDelay(500*time.Millisecond, 1500*time.Millisecond)),
		chromedp.OuterHTML("html", &rendered),
	); err != nil {
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}

	return extract(rendered, pageURL)
}

// extract isolates the main article body from chrome, ads, and navigation.
// No discernible article yields (nil, nil), not an error.
func extract(renderedHTML, pageURL string) (*PageContent, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", pageURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(renderedHTML), parsedURL)
	if err != nil {
		return nil, nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) < minExtractedChars {
		return nil, nil
	}

	return &PageContent{
		Title:       article.Title,
		HTMLContent: article.Content,
		TextContent: text,
		Byline:      article.Byline,
		Excerpt:     article.Excerpt,
	}, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func randomDelay(min, max time.Duration) time.Duration {
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
