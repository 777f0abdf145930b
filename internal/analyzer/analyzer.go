// Package analyzer runs batches of articles through the two-phase LLM
// pipeline: an interest filter over the whole batch, then per-article
// summarization with structured entity extraction.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"feedscope/internal/llm"
	"feedscope/internal/model"
	"feedscope/internal/storage"
)

// ErrMalformedResponse reports that the model reply carried no parseable JSON
// payload. Distinct from transport errors: the call succeeded, the content is
// unusable.
var ErrMalformedResponse = errors.New("malformed llm response")

// Analysis phases reported through the progress callback.
const (
	PhaseFilter    = "filter"
	PhaseSummarize = "summarize"
)

const filterContentLimit = 1500

// Store is the slice of the storage contract the analyzer needs.
type Store interface {
	SaveArticleSnapshot(ctx context.Context, id int64, text string) error
	UpdateArticleAnalysis(ctx context.Context, id int64, interesting bool, reason, summary string) error
	GetOrCreateTag(ctx context.Context, name string, category model.TagCategory) (*model.Tag, error)
	LinkArticleTag(ctx context.Context, articleID, tagID int64, source model.TagSource, confidence float64) error
	LinkResourceTag(ctx context.Context, resourceID, tagID int64) error
	GetResourceByNameAndType(ctx context.Context, name string, typ model.ResourceType) (*model.Resource, error)
	AddOrUpdateResource(ctx context.Context, r *model.Resource) error
	UpdateResourceDescription(ctx context.Context, id int64, description string) error
	IncrementResourceMentionCount(ctx context.Context, id int64) error
	LinkArticleResource(ctx context.Context, articleID, resourceID int64, relevance model.Relevance) error
	ListPreferences(ctx context.Context) ([]model.UserPreference, error)
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req llm.ChatCompletionRequest) (llm.ChatCompletionResponse, error)
}

// TokenTotals is a point-in-time snapshot of accumulated token usage.
type TokenTotals struct {
	Prompt     int
	Completion int
	Total      int
}

// ProgressEvent is emitted at phase boundaries and per processed article.
type ProgressEvent struct {
	Phase        string
	Current      int
	Total        int
	ArticleTitle string
	Tokens       TokenTotals
}

// ProgressFunc observes analysis progress. It is called synchronously; the
// analyzer itself does no console I/O.
type ProgressFunc func(ProgressEvent)

// ExtractedResource is one technical entity pulled out of an article.
type ExtractedResource struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	URL         string   `json:"url,omitempty"`
	GithubURL   string   `json:"github_url,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Relevance   string   `json:"relevance"`
	Context     string   `json:"context,omitempty"`
}

// AnalysisResult is the outcome for one input article.
type AnalysisResult struct {
	ArticleID     int64
	IsInteresting bool
	Reason        string
	IsNewsletter  bool
	Summary       string
	Resources     []ExtractedResource
}

// Analyzer coordinates LLM calls and persistence for article batches.
type Analyzer struct {
	client chatClient
	model  string
	store  Store
	tokens *llm.Counter
	log    *slog.Logger
}

// New creates an Analyzer. tokens receives the usage of every model call.
func New(client chatClient, modelName string, store Store, tokens *llm.Counter, log *slog.Logger) *Analyzer {
	return &Analyzer{
		client: client,
		model:  modelName,
		store:  store,
		tokens: tokens,
		log:    log,
	}
}

func (a *Analyzer) totals() TokenTotals {
	p, c, t := a.tokens.Totals()
	return TokenTotals{Prompt: p, Completion: c, Total: t}
}

func (a *Analyzer) emit(onProgress ProgressFunc, ev ProgressEvent) {
	if onProgress != nil {
		ev.Tokens = a.totals()
		onProgress(ev)
	}
}

// complete performs one chat call and folds its usage into the token counter.
func (a *Analyzer) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := llm.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.2,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &llm.ChatCompletionResponseFormat{Type: llm.ResponseFormatTypeJSONObject}
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	a.tokens.Add(resp.Usage)
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion: %w", ErrMalformedResponse)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type filterReply struct {
	Results []filterResult `json:"results"`
}

type filterResult struct {
	ID           int64  `json:"id"`
	Interesting  bool   `json:"interesting"`
	Reason       string `json:"reason"`
	IsNewsletter bool   `json:"isNewsletter"`
}

type summaryReply struct {
	Summary     string              `json:"summary"`
	KeyPoints   []string            `json:"keyPoints"`
	ArticleTags []tagReply          `json:"articleTags"`
	Resources   []ExtractedResource `json:"resources"`
}

type tagReply struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// AnalyzeArticles runs the batch through the filter phase and, for articles
// flagged interesting, the summarize phase. A malformed or incomplete filter
// reply fails the whole batch; summarize failures are localized per article. Results are
// persisted as they are produced, one entry per input article.
func (a *Analyzer) AnalyzeArticles(ctx context.Context, articles []model.Article, wantSummary bool, onProgress ProgressFunc) ([]AnalysisResult, error) {
	if len(articles) == 0 {
		return nil, nil
	}

	if err := a.ensureSnapshots(ctx, articles); err != nil {
		return nil, err
	}

	a.emit(onProgress, ProgressEvent{Phase: PhaseFilter, Current: 0, Total: len(articles)})

	verdicts, err := a.filterBatch(ctx, articles)
	if err != nil {
		return nil, err
	}

	a.emit(onProgress, ProgressEvent{Phase: PhaseFilter, Current: len(articles), Total: len(articles)})

	results := make([]AnalysisResult, 0, len(articles))
	for i := range articles {
		art := &articles[i]
		v := verdicts[art.ID]
		res := AnalysisResult{
			ArticleID:     art.ID,
			IsInteresting: v.Interesting,
			Reason:        v.Reason,
			IsNewsletter:  v.IsNewsletter,
		}

		if res.IsInteresting && wantSummary {
			a.summarize(ctx, art, &res)
		}

		if err := a.persist(ctx, art, &res); err != nil {
			a.log.Error("persist analysis", "article_id", art.ID, "error", err)
		}

		results = append(results, res)
		a.emit(onProgress, ProgressEvent{
			Phase:        PhaseSummarize,
			Current:      i + 1,
			Total:        len(articles),
			ArticleTitle: art.Title,
		})
	}

	return results, nil
}

// ensureSnapshots converts raw content to plain text for any article without
// a snapshot, so prompts are never built from markup.
func (a *Analyzer) ensureSnapshots(ctx context.Context, articles []model.Article) error {
	for i := range articles {
		art := &articles[i]
		if art.TextSnapshot != "" {
			continue
		}
		art.TextSnapshot = HTMLToText(art.Content)
		if err := a.store.SaveArticleSnapshot(ctx, art.ID, art.TextSnapshot); err != nil {
			return fmt.Errorf("save snapshot for article %d: %w", art.ID, err)
		}
	}
	return nil
}

// filterBatch runs the single interest-filter call for the whole batch.
func (a *Analyzer) filterBatch(ctx context.Context, articles []model.Article) (map[int64]filterResult, error) {
	prefs, err := a.store.ListPreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}

	content, err := a.complete(ctx, filterSystemPrompt, buildFilterPrompt(articles, prefs), true)
	if err != nil {
		return nil, fmt.Errorf("filter phase: %w", err)
	}

	payload, err := ExtractJSON(content)
	if err != nil {
		return nil, fmt.Errorf("filter phase: %w", err)
	}
	var reply filterReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return nil, fmt.Errorf("filter phase: parse results: %v: %w", err, ErrMalformedResponse)
	}
	if len(reply.Results) == 0 {
		return nil, fmt.Errorf("filter phase: no results: %w", ErrMalformedResponse)
	}

	verdicts := make(map[int64]filterResult, len(reply.Results))
	for _, r := range reply.Results {
		verdicts[r.ID] = r
	}
	// A partial reply is as unusable as no reply: persisting a default
	// verdict would stamp analyzed_at and hide the article from later runs.
	for i := range articles {
		if _, ok := verdicts[articles[i].ID]; !ok {
			return nil, fmt.Errorf("filter phase: no verdict for article %d: %w", articles[i].ID, ErrMalformedResponse)
		}
	}
	return verdicts, nil
}

// summarize fills in the summary and resources for one interesting article.
// Failure here is localized: it falls back to a plain summary call, and if
// that fails too the filter verdict is kept with no summary.
func (a *Analyzer) summarize(ctx context.Context, art *model.Article, res *AnalysisResult) {
	content, err := a.complete(ctx, summarizeSystemPrompt, buildSummarizePrompt(art), true)
	if err == nil {
		var reply summaryReply
		payload, jerr := ExtractJSON(content)
		if jerr == nil {
			jerr = json.Unmarshal([]byte(payload), &reply)
		}
		if jerr == nil {
			res.Summary = composeSummary(reply.Summary, reply.KeyPoints)
			res.Resources = reply.Resources
			a.applyTags(ctx, art.ID, reply.ArticleTags)
			return
		}
		err = jerr
	}

	a.log.Warn("summarize failed, falling back", "article_id", art.ID, "error", err)

	fallback, err := a.complete(ctx, fallbackSystemPrompt, buildFallbackPrompt(art), false)
	if err != nil {
		a.log.Warn("fallback summary failed", "article_id", art.ID, "error", err)
		return
	}
	res.Summary = fallback
}

func composeSummary(summary string, keyPoints []string) string {
	summary = strings.TrimSpace(summary)
	var points []string
	for _, p := range keyPoints {
		if p = strings.TrimSpace(p); p != "" {
			points = append(points, "- "+p)
		}
	}
	if len(points) == 0 {
		return summary
	}
	if summary == "" {
		return strings.Join(points, "\n")
	}
	return summary + "\n\n" + strings.Join(points, "\n")
}

func (a *Analyzer) applyTags(ctx context.Context, articleID int64, tags []tagReply) {
	for _, t := range tags {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		tag, err := a.store.GetOrCreateTag(ctx, t.Name, model.TagCategory(t.Category))
		if err != nil {
			a.log.Error("create tag", "tag", t.Name, "error", err)
			continue
		}
		confidence := t.Confidence
		if confidence <= 0 {
			confidence = 1.0
		}
		if err := a.store.LinkArticleTag(ctx, articleID, tag.ID, model.TagFromLLM, confidence); err != nil {
			a.log.Error("link article tag", "tag", t.Name, "error", err)
		}
	}
}

// persist writes the analysis outcome and links extracted entities. Only
// resources with relevance "main" produce article links; mentioned and
// compared entries are dropped to control noise.
func (a *Analyzer) persist(ctx context.Context, art *model.Article, res *AnalysisResult) error {
	if err := a.store.UpdateArticleAnalysis(ctx, art.ID, res.IsInteresting, res.Reason, res.Summary); err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}

	for _, er := range res.Resources {
		if model.Relevance(er.Relevance) != model.RelevanceMain {
			continue
		}
		resource, err := a.mergeResource(ctx, er)
		if err != nil {
			a.log.Error("merge resource", "name", er.Name, "error", err)
			continue
		}
		if err := a.store.LinkArticleResource(ctx, art.ID, resource.ID, model.RelevanceMain); err != nil {
			a.log.Error("link article resource", "name", er.Name, "error", err)
		}
	}
	return nil
}

// mergeResource folds one extraction into the deduplicated resource table:
// normalize the name, look up (name, type), then update or create. A
// re-sighting bumps the mention counter; differing non-empty descriptions are
// reconciled with a secondary model call.
func (a *Analyzer) mergeResource(ctx context.Context, er ExtractedResource) (*model.Resource, error) {
	name := NormalizeResourceName(er.Name)
	if name == "" {
		return nil, fmt.Errorf("empty resource name")
	}
	typ := model.ResourceType(er.Type)
	if typ == "" {
		typ = model.ResourceOther
	}

	existing, err := a.store.GetResourceByNameAndType(ctx, name, typ)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		resource := &model.Resource{
			Name:        name,
			Type:        typ,
			URL:         er.URL,
			GithubURL:   er.GithubURL,
			Description: strings.TrimSpace(er.Description),
		}
		if err := a.store.AddOrUpdateResource(ctx, resource); err != nil {
			return nil, err
		}
		a.linkResourceTags(ctx, resource.ID, er.Tags)
		return resource, nil
	}

	if err := a.store.IncrementResourceMentionCount(ctx, existing.ID); err != nil {
		return nil, err
	}

	newDesc := strings.TrimSpace(er.Description)
	switch {
	case newDesc == "" || newDesc == existing.Description:
		// Nothing to reconcile.
	case existing.Description == "":
		if err := a.store.UpdateResourceDescription(ctx, existing.ID, newDesc); err != nil {
			return nil, err
		}
	default:
		merged, err := a.mergeDescriptions(ctx, name, existing.Description, newDesc)
		if err != nil {
			a.log.Warn("merge descriptions", "resource", name, "error", err)
			break
		}
		if err := a.store.UpdateResourceDescription(ctx, existing.ID, merged); err != nil {
			return nil, err
		}
	}

	a.linkResourceTags(ctx, existing.ID, er.Tags)
	return existing, nil
}

func (a *Analyzer) linkResourceTags(ctx context.Context, resourceID int64, tags []string) {
	for _, name := range tags {
		if strings.TrimSpace(name) == "" {
			continue
		}
		tag, err := a.store.GetOrCreateTag(ctx, name, model.TagTech)
		if err != nil {
			a.log.Error("create resource tag", "tag", name, "error", err)
			continue
		}
		if err := a.store.LinkResourceTag(ctx, resourceID, tag.ID); err != nil {
			a.log.Error("link resource tag", "tag", name, "error", err)
		}
	}
}

func (a *Analyzer) mergeDescriptions(ctx context.Context, name, oldDesc, newDesc string) (string, error) {
	prompt := fmt.Sprintf(
		"Two descriptions of the same tool %q:\n1. %s\n2. %s\n\nMerge them into a single concise description. Reply with the merged description only.",
		name, oldDesc, newDesc,
	)
	return a.complete(ctx, "You merge duplicate descriptions without inventing new facts.", prompt, false)
}

// Ensure the full storage implementation satisfies the narrowed interface.
var _ Store = (storage.Storage)(nil)
