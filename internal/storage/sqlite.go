package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedscope/internal/model"
	"feedscope/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed) error {
	if feed.FetchMode == "" {
		feed.FetchMode = model.FetchAuto
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (name, url, category, fetch_mode, direct_success_count, proxy_success_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		feed.Name, feed.URL, feed.Category, string(feed.FetchMode),
		feed.DirectSuccessCount, feed.ProxySuccessCount, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const feedColumns = `id, name, url, category, fetch_mode, direct_success_count, proxy_success_count, last_fetched_at, created_at`

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id,
	)
	return scanFeed(row)
}

// ListFeeds returns all feeds, optionally restricted to a category.
func (s *SQLite) ListFeeds(ctx context.Context, category string) ([]model.Feed, error) {
	query := `SELECT ` + feedColumns + ` FROM feeds`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// SetFeedFetchMode updates a feed's configured fetch mode preference.
func (s *SQLite) SetFeedFetchMode(ctx context.Context, id int64, mode model.FetchMode) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET fetch_mode = ? WHERE id = ?`, string(mode), id,
	)
	if err != nil {
		return fmt.Errorf("set fetch mode: %w", err)
	}
	return nil
}

// UpdateFeedFetchTime sets a feed's last_fetched_at timestamp.
func (s *SQLite) UpdateFeedFetchTime(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_fetched_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("update fetch time: %w", err)
	}
	return nil
}

// UpdateFeedProxyStats increments the success counter for the given mode.
// Failed attempts leave the counters untouched.
func (s *SQLite) UpdateFeedProxyStats(ctx context.Context, id int64, mode model.FetchMode, success bool) error {
	if !success {
		return nil
	}
	column := "direct_success_count"
	if mode == model.FetchProxy {
		column = "proxy_success_count"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET `+column+` = `+column+` + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("update proxy stats: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed, its articles, and their join rows.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM article_tags WHERE article_id IN (SELECT id FROM articles WHERE feed_id = ?)`, id); err != nil {
		return fmt.Errorf("delete article tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM article_resources WHERE article_id IN (SELECT id FROM articles WHERE feed_id = ?)`, id); err != nil {
		return fmt.Errorf("delete article resources: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM articles WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete articles: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return tx.Commit()
}

// AddArticles bulk-inserts articles with insert-or-ignore semantics keyed on
// (feed_id, guid). The whole batch runs in one transaction. Returns the number
// of rows actually inserted, not attempted.
func (s *SQLite) AddArticles(ctx context.Context, articles []model.NewArticle) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO articles (feed_id, guid, title, link, content, pub_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(timeLayout)
	inserted := 0
	for _, a := range articles {
		var pubDate *string
		if a.PubDate != nil {
			v := a.PubDate.UTC().Format(timeLayout)
			pubDate = &v
		}
		res, err := stmt.ExecContext(ctx, a.FeedID, a.GUID, a.Title, a.Link, a.Content, pubDate, now)
		if err != nil {
			return 0, fmt.Errorf("insert article %q: %w", a.GUID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

const articleColumns = `id, feed_id, guid, title, link, content, pub_date, is_read, is_interesting,
	interest_reason, summary, analyzed_at, text_snapshot, snapshot_at, created_at`

// UnanalyzedArticles returns a feed's articles with no analysis yet, published
// (or, lacking a pub date, first seen) within the last days. feedID 0 means all
// feeds; days <= 0 means no window.
func (s *SQLite) UnanalyzedArticles(ctx context.Context, feedID int64, days int) ([]model.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE analyzed_at IS NULL`
	var args []any
	if feedID != 0 {
		query += ` AND feed_id = ?`
		args = append(args, feedID)
	}
	if days > 0 {
		query += ` AND COALESCE(pub_date, created_at) >= ?`
		args = append(args, time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout))
	}
	query += ` ORDER BY id`

	return s.queryArticles(ctx, query, args...)
}

// ListArticles returns articles matching the query, newest first.
func (s *SQLite) ListArticles(ctx context.Context, q ArticleQuery) ([]model.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles`
	var conds []string
	var args []any
	if q.FeedID != 0 {
		conds = append(conds, `feed_id = ?`)
		args = append(args, q.FeedID)
	}
	if q.Interesting != nil {
		conds = append(conds, `is_interesting = ?`)
		args = append(args, boolToInt(*q.Interesting))
	}
	if q.Days > 0 {
		conds = append(conds, `COALESCE(pub_date, created_at) >= ?`)
		args = append(args, time.Now().UTC().AddDate(0, 0, -q.Days).Format(timeLayout))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return s.queryArticles(ctx, query, args...)
}

func (s *SQLite) queryArticles(ctx context.Context, query string, args ...any) ([]model.Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// UpdateArticleAnalysis records the analysis outcome and stamps analyzed_at.
func (s *SQLite) UpdateArticleAnalysis(ctx context.Context, id int64, interesting bool, reason, summary string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET is_interesting = ?, interest_reason = ?, summary = ?, analyzed_at = ? WHERE id = ?`,
		boolToInt(interesting), reason, summary, now, id,
	)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	return nil
}

// SaveArticleSnapshot stores a plain-text body snapshot and stamps snapshot_at.
func (s *SQLite) SaveArticleSnapshot(ctx context.Context, id int64, text string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET text_snapshot = ?, snapshot_at = ? WHERE id = ?`,
		text, now, id,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// MarkArticleRead flips the is_read flag.
func (s *SQLite) MarkArticleRead(ctx context.Context, id int64, read bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET is_read = ? WHERE id = ?`, boolToInt(read), id,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// GetOrCreateTag looks up a tag by its lowercased name, creating it if absent.
func (s *SQLite) GetOrCreateTag(ctx context.Context, name string, category model.TagCategory) (*model.Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("empty tag name")
	}
	if category == "" {
		category = model.TagOther
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tags (name, category) VALUES (?, ?)`,
		name, string(category),
	); err != nil {
		return nil, fmt.Errorf("insert tag: %w", err)
	}

	var t model.Tag
	var cat string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, category FROM tags WHERE name = ?`, name,
	).Scan(&t.ID, &t.Name, &cat)
	if err != nil {
		return nil, fmt.Errorf("select tag: %w", err)
	}
	t.Category = model.TagCategory(cat)
	return &t, nil
}

// LinkArticleTag attaches a tag to an article. Re-linking is a no-op.
func (s *SQLite) LinkArticleTag(ctx context.Context, articleID, tagID int64, source model.TagSource, confidence float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO article_tags (article_id, tag_id, source, confidence) VALUES (?, ?, ?, ?)`,
		articleID, tagID, string(source), confidence,
	)
	if err != nil {
		return fmt.Errorf("link article tag: %w", err)
	}
	return nil
}

// LinkResourceTag attaches a tag to a resource. Re-linking is a no-op.
func (s *SQLite) LinkResourceTag(ctx context.Context, resourceID, tagID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO resource_tags (resource_id, tag_id) VALUES (?, ?)`,
		resourceID, tagID,
	)
	if err != nil {
		return fmt.Errorf("link resource tag: %w", err)
	}
	return nil
}

const resourceColumns = `id, name, type, url, github_url, description, mention_count, first_seen_at`

// GetResourceByNameAndType looks a resource up by its dedup key.
// Returns (nil, nil) when no such resource exists.
func (s *SQLite) GetResourceByNameAndType(ctx context.Context, name string, typ model.ResourceType) (*model.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE name = ? AND type = ?`,
		name, string(typ),
	)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// AddOrUpdateResource upserts a resource on (name, type). On conflict, empty
// incoming fields never clobber stored values and an existing description wins.
// The resource's ID and counters are populated from the stored row.
func (s *SQLite) AddOrUpdateResource(ctx context.Context, r *model.Resource) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (name, type, url, github_url, description, mention_count, first_seen_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (name, type) DO UPDATE SET
		   url = CASE WHEN excluded.url != '' THEN excluded.url ELSE resources.url END,
		   github_url = CASE WHEN excluded.github_url != '' THEN excluded.github_url ELSE resources.github_url END,
		   description = CASE WHEN resources.description = '' THEN excluded.description ELSE resources.description END`,
		r.Name, string(r.Type), r.URL, r.GithubURL, r.Description, now,
	)
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}

	stored, err := s.GetResourceByNameAndType(ctx, r.Name, r.Type)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("resource %q/%s missing after upsert", r.Name, r.Type)
	}
	*r = *stored
	return nil
}

// UpdateResourceDescription replaces a resource's description.
func (s *SQLite) UpdateResourceDescription(ctx context.Context, id int64, description string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET description = ? WHERE id = ?`, description, id,
	)
	if err != nil {
		return fmt.Errorf("update resource description: %w", err)
	}
	return nil
}

// IncrementResourceMentionCount bumps the mention counter on a re-sighting.
func (s *SQLite) IncrementResourceMentionCount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE resources SET mention_count = mention_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("increment mention count: %w", err)
	}
	return nil
}

// LinkArticleResource attaches a resource to an article. Re-linking is a no-op.
func (s *SQLite) LinkArticleResource(ctx context.Context, articleID, resourceID int64, relevance model.Relevance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO article_resources (article_id, resource_id, relevance) VALUES (?, ?, ?)`,
		articleID, resourceID, string(relevance),
	)
	if err != nil {
		return fmt.Errorf("link article resource: %w", err)
	}
	return nil
}

// ListResources returns resources ordered by mention count, most cited first.
func (s *SQLite) ListResources(ctx context.Context, limit int) ([]model.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources ORDER BY mention_count DESC, name`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var resources []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, *r)
	}
	return resources, rows.Err()
}

// ListPreferences returns all weighted keyword preferences.
func (s *SQLite) ListPreferences(ctx context.Context) ([]model.UserPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, keyword, type, weight, created_at FROM preferences ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prefs []model.UserPreference
	for rows.Next() {
		var p model.UserPreference
		var typ, created string
		if err := rows.Scan(&p.ID, &p.Keyword, &typ, &p.Weight, &created); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		p.Type = model.PreferenceType(typ)
		p.CreatedAt, _ = time.Parse(timeLayout, created)
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// CreatePreference inserts a weighted keyword and populates its ID.
func (s *SQLite) CreatePreference(ctx context.Context, p *model.UserPreference) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (keyword, type, weight, created_at) VALUES (?, ?, ?, ?)`,
		p.Keyword, string(p.Type), p.Weight, now,
	)
	if err != nil {
		return fmt.Errorf("insert preference: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	p.ID = id
	p.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// DeletePreference removes a preference by its ID.
func (s *SQLite) DeletePreference(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var mode string
	var lastFetched, created sql.NullString
	err := row.Scan(&f.ID, &f.Name, &f.URL, &f.Category, &mode,
		&f.DirectSuccessCount, &f.ProxySuccessCount, &lastFetched, &created)
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.FetchMode = model.FetchMode(mode)
	if lastFetched.Valid {
		t, _ := time.Parse(timeLayout, lastFetched.String)
		f.LastFetchedAt = &t
	}
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}

func scanArticle(row scannable) (model.Article, error) {
	var a model.Article
	var isRead int
	var isInteresting sql.NullInt64
	var pubDate, analyzedAt, snapshotAt, created sql.NullString
	err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.Link, &a.Content,
		&pubDate, &isRead, &isInteresting, &a.InterestReason, &a.Summary,
		&analyzedAt, &a.TextSnapshot, &snapshotAt, &created)
	if err != nil {
		return a, fmt.Errorf("scan article: %w", err)
	}
	a.IsRead = isRead == 1
	if isInteresting.Valid {
		v := isInteresting.Int64 == 1
		a.IsInteresting = &v
	}
	a.PubDate = parseNullTime(pubDate)
	a.AnalyzedAt = parseNullTime(analyzedAt)
	a.SnapshotAt = parseNullTime(snapshotAt)
	if created.Valid {
		a.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return a, nil
}

func scanResource(row scannable) (*model.Resource, error) {
	var r model.Resource
	var typ, firstSeen string
	err := row.Scan(&r.ID, &r.Name, &typ, &r.URL, &r.GithubURL, &r.Description,
		&r.MentionCount, &firstSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan resource: %w", err)
	}
	r.Type = model.ResourceType(typ)
	r.FirstSeenAt, _ = time.Parse(timeLayout, firstSeen)
	return &r, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
