// Package fetcher handles RSS feed downloading, parsing, and storing, with an
// adaptive choice between direct and proxied HTTP per feed.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"feedscope/internal/model"
	"feedscope/internal/storage"
)

const (
	userAgent    = "feedscope/1.0"
	maxFeedBytes = 5 * 1024 * 1024
	fetchTimeout = 30 * time.Second
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Store is the slice of the storage contract the fetcher needs.
type Store interface {
	ListFeeds(ctx context.Context, category string) ([]model.Feed, error)
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	AddArticles(ctx context.Context, articles []model.NewArticle) (int, error)
	UpdateFeedFetchTime(ctx context.Context, id int64, at time.Time) error
	UpdateFeedProxyStats(ctx context.Context, id int64, mode model.FetchMode, success bool) error
}

// Fetcher downloads feed XML, parses entries, and deduplicates them into storage.
type Fetcher struct {
	store       Store
	direct      HTTPClient
	proxySource func() string
	newProxy    func(proxyURL string) (HTTPClient, error)
	log         *slog.Logger
}

// New creates a Fetcher. proxySource is consulted before every fetch so the
// proxy endpoint can change between calls; it may return "" for no proxy.
func New(store Store, proxySource func() string, log *slog.Logger) *Fetcher {
	return &Fetcher{
		store:       store,
		direct:      &http.Client{Timeout: fetchTimeout},
		proxySource: proxySource,
		newProxy:    newProxyClient,
		log:         log,
	}
}

// SetHTTPClients overrides the direct client and the proxy client factory.
// Useful for testing.
func (f *Fetcher) SetHTTPClients(direct HTTPClient, newProxy func(string) (HTTPClient, error)) {
	f.direct = direct
	f.newProxy = newProxy
}

func newProxyClient(proxyURL string) (HTTPClient, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Client{
		Timeout:   fetchTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}, nil
}

// ChooseMode decides direct vs proxy for the next attempt on feed.
// A manual direct/proxy preference is honored unconditionally. In auto mode
// the historically more successful mode wins; no history and ties favor
// direct, and proxy is never chosen without a configured endpoint.
func (f *Fetcher) ChooseMode(feed *model.Feed) model.FetchMode {
	switch feed.FetchMode {
	case model.FetchDirect:
		return model.FetchDirect
	case model.FetchProxy:
		return model.FetchProxy
	}

	if f.proxySource() == "" {
		return model.FetchDirect
	}
	if feed.ProxySuccessCount > feed.DirectSuccessCount {
		return model.FetchProxy
	}
	return model.FetchDirect
}

func (f *Fetcher) clientFor(mode model.FetchMode) (HTTPClient, error) {
	if mode != model.FetchProxy {
		return f.direct, nil
	}
	proxyURL := f.proxySource()
	if proxyURL == "" {
		return nil, fmt.Errorf("proxy mode requested but no proxy configured")
	}
	return f.newProxy(proxyURL)
}

func (f *Fetcher) fetchXML(ctx context.Context, feedURL string, mode model.FetchMode) (string, error) {
	client, err := f.clientFor(mode)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// Fetch retrieves and parses a feed's XML, attempting the selected mode first
// and falling back to the other one on failure (proxy only when configured).
// Returns the parsed feed and the mode that succeeded.
func (f *Fetcher) Fetch(ctx context.Context, feed *model.Feed) (*gofeed.Feed, model.FetchMode, error) {
	primary := f.ChooseMode(feed)

	xml, primaryErr := f.fetchXML(ctx, feed.URL, primary)
	mode := primary
	if primaryErr != nil {
		fallback := otherMode(primary)
		if fallback == model.FetchProxy && f.proxySource() == "" {
			return nil, "", fmt.Errorf("fetch %s: %w", feed.URL, primaryErr)
		}
		f.log.Debug("fetch fallback", "url", feed.URL, "from", primary, "to", fallback, "error", primaryErr)

		var fallbackErr error
		xml, fallbackErr = f.fetchXML(ctx, feed.URL, fallback)
		if fallbackErr != nil {
			return nil, "", fmt.Errorf("fetch %s: both direct and proxy failed: %v; %w", feed.URL, primaryErr, fallbackErr)
		}
		mode = fallback
	}

	parsed, err := gofeed.NewParser().ParseString(xml)
	if err != nil {
		return nil, "", fmt.Errorf("parse feed %s: %w", feed.URL, err)
	}
	return parsed, mode, nil
}

func otherMode(mode model.FetchMode) model.FetchMode {
	if mode == model.FetchProxy {
		return model.FetchDirect
	}
	return model.FetchProxy
}

// entryGUID returns the dedup identifier for an item: explicit guid, then
// link, then title.
func entryGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	return item.Title
}

func entryContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

func entryDate(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

// Entries normalizes parsed feed items into article inputs for feedID.
func Entries(feedID int64, items []*gofeed.Item) []model.NewArticle {
	articles := make([]model.NewArticle, 0, len(items))
	for _, item := range items {
		title := item.Title
		if title == "" {
			title = "Untitled"
		}
		articles = append(articles, model.NewArticle{
			FeedID:  feedID,
			GUID:    entryGUID(item),
			Title:   title,
			Link:    item.Link,
			Content: entryContent(item),
			PubDate: entryDate(item),
		})
	}
	return articles
}

// UpdateFeed fetches one feed, stores its new entries, and returns how many
// were actually inserted. On success it increments the used mode's counter
// and stamps last_fetched_at even when nothing new was found.
func (f *Fetcher) UpdateFeed(ctx context.Context, feed *model.Feed) (int, error) {
	parsed, mode, err := f.Fetch(ctx, feed)
	if err != nil {
		return 0, err
	}

	inserted, err := f.store.AddArticles(ctx, Entries(feed.ID, parsed.Items))
	if err != nil {
		return 0, fmt.Errorf("store articles for %s: %w", feed.URL, err)
	}

	if err := f.store.UpdateFeedProxyStats(ctx, feed.ID, mode, true); err != nil {
		return 0, fmt.Errorf("update proxy stats: %w", err)
	}
	if err := f.store.UpdateFeedFetchTime(ctx, feed.ID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("update fetch time: %w", err)
	}

	f.log.Debug("feed updated", "feed_id", feed.ID, "mode", mode, "new", inserted)
	return inserted, nil
}

// UpdateResult aggregates a multi-feed update run.
type UpdateResult struct {
	NewArticles map[int64]int
	Errors      map[int64]string
}

// UpdateAllFeeds updates every feed sequentially, or a single feed when
// feedID is non-zero. A feed's failure is recorded as an error string and
// never blocks the remaining feeds.
func (f *Fetcher) UpdateAllFeeds(ctx context.Context, feedID int64) (*UpdateResult, error) {
	var feeds []model.Feed
	if feedID != 0 {
		feed, err := f.store.GetFeed(ctx, feedID)
		if err != nil {
			return nil, fmt.Errorf("get feed %d: %w", feedID, err)
		}
		feeds = []model.Feed{*feed}
	} else {
		var err error
		feeds, err = f.store.ListFeeds(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("list feeds: %w", err)
		}
	}

	result := &UpdateResult{
		NewArticles: make(map[int64]int),
		Errors:      make(map[int64]string),
	}
	for i := range feeds {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		feed := &feeds[i]
		n, err := f.UpdateFeed(ctx, feed)
		if err != nil {
			f.log.Error("update feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
			result.Errors[feed.ID] = err.Error()
			continue
		}
		result.NewArticles[feed.ID] = n
	}
	return result, nil
}

// Ensure the full storage implementation satisfies the narrowed interface.
var _ Store = (storage.Storage)(nil)
