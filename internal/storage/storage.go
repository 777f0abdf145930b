// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"feedscope/internal/model"
)

// ArticleQuery narrows ListArticles results. Zero values mean "no constraint".
type ArticleQuery struct {
	FeedID      int64
	Interesting *bool
	Days        int
	Limit       int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.Feed) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context, category string) ([]model.Feed, error)
	SetFeedFetchMode(ctx context.Context, id int64, mode model.FetchMode) error
	UpdateFeedFetchTime(ctx context.Context, id int64, at time.Time) error
	UpdateFeedProxyStats(ctx context.Context, id int64, mode model.FetchMode, success bool) error
	DeleteFeed(ctx context.Context, id int64) error

	AddArticles(ctx context.Context, articles []model.NewArticle) (int, error)
	UnanalyzedArticles(ctx context.Context, feedID int64, days int) ([]model.Article, error)
	ListArticles(ctx context.Context, q ArticleQuery) ([]model.Article, error)
	UpdateArticleAnalysis(ctx context.Context, id int64, interesting bool, reason, summary string) error
	SaveArticleSnapshot(ctx context.Context, id int64, text string) error
	MarkArticleRead(ctx context.Context, id int64, read bool) error

	GetOrCreateTag(ctx context.Context, name string, category model.TagCategory) (*model.Tag, error)
	LinkArticleTag(ctx context.Context, articleID, tagID int64, source model.TagSource, confidence float64) error
	LinkResourceTag(ctx context.Context, resourceID, tagID int64) error

	GetResourceByNameAndType(ctx context.Context, name string, typ model.ResourceType) (*model.Resource, error)
	AddOrUpdateResource(ctx context.Context, r *model.Resource) error
	UpdateResourceDescription(ctx context.Context, id int64, description string) error
	IncrementResourceMentionCount(ctx context.Context, id int64) error
	LinkArticleResource(ctx context.Context, articleID, resourceID int64, relevance model.Relevance) error
	ListResources(ctx context.Context, limit int) ([]model.Resource, error)

	ListPreferences(ctx context.Context) ([]model.UserPreference, error)
	CreatePreference(ctx context.Context, p *model.UserPreference) error
	DeletePreference(ctx context.Context, id int64) error

	Close() error
}
