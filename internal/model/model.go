// Package model defines the domain types used across the application.
package model

import "time"

// FetchMode selects how a feed's XML is retrieved.
type FetchMode string

// Supported fetch modes.
const (
	FetchAuto   FetchMode = "auto"
	FetchDirect FetchMode = "direct"
	FetchProxy  FetchMode = "proxy"
)

// Feed represents an RSS feed subscription.
type Feed struct {
	ID                 int64
	Name               string
	URL                string
	Category           string
	FetchMode          FetchMode
	DirectSuccessCount int
	ProxySuccessCount  int
	LastFetchedAt      *time.Time
	CreatedAt          time.Time
}

// Article is a single RSS entry owned by a feed.
// IsInteresting is tri-state: nil means the article has not been through the
// interest filter yet. AnalyzedAt is nil until the first analysis pass.
type Article struct {
	ID             int64
	FeedID         int64
	GUID           string
	Title          string
	Link           string
	Content        string
	PubDate        *time.Time
	IsRead         bool
	IsInteresting  *bool
	InterestReason string
	Summary        string
	AnalyzedAt     *time.Time
	TextSnapshot   string
	SnapshotAt     *time.Time
	CreatedAt      time.Time
}

// NewArticle is the input shape for bulk article insertion.
type NewArticle struct {
	FeedID  int64
	GUID    string
	Title   string
	Link    string
	Content string
	PubDate *time.Time
}

// ResourceType classifies an extracted technical entity.
type ResourceType string

// Supported resource types.
const (
	ResourceTool      ResourceType = "tool"
	ResourceLibrary   ResourceType = "library"
	ResourceFramework ResourceType = "framework"
	ResourceProject   ResourceType = "project"
	ResourceService   ResourceType = "service"
	ResourceOther     ResourceType = "other"
)

// Resource is a deduplicated technical entity mentioned across articles.
// The uniqueness key is (Name, Type) after name normalization.
type Resource struct {
	ID           int64
	Name         string
	Type         ResourceType
	URL          string
	GithubURL    string
	Description  string
	MentionCount int
	FirstSeenAt  time.Time
}

// TagCategory groups tags by what they describe.
type TagCategory string

// Supported tag categories.
const (
	TagTech      TagCategory = "tech"
	TagTopic     TagCategory = "topic"
	TagLanguage  TagCategory = "language"
	TagFramework TagCategory = "framework"
	TagOther     TagCategory = "other"
)

// TagSource records how a tag got attached to an article.
type TagSource string

// Supported tag sources.
const (
	TagFromLLM    TagSource = "llm"
	TagFromManual TagSource = "manual"
	TagFromAuto   TagSource = "auto"
)

// Tag is a normalized lowercase label.
type Tag struct {
	ID       int64
	Name     string
	Category TagCategory
}

// Relevance describes how central a mentioned resource is to an article.
type Relevance string

// Supported relevance levels.
const (
	RelevanceMain      Relevance = "main"
	RelevanceMentioned Relevance = "mentioned"
	RelevanceCompared  Relevance = "compared"
)

// PreferenceType distinguishes interest keywords from ignore keywords.
type PreferenceType string

// Supported preference types.
const (
	PrefInterest PreferenceType = "interest"
	PrefIgnore   PreferenceType = "ignore"
)

// UserPreference is a weighted keyword consulted by the filter prompt builder.
type UserPreference struct {
	ID        int64
	Keyword   string
	Type      PreferenceType
	Weight    int
	CreatedAt time.Time
}
