package analyzer

import (
	"fmt"
	"strings"

	"feedscope/internal/model"
)

const filterSystemPrompt = `You are a news triage assistant. You judge whether technical articles are worth the reader's time, honoring their stated interests and dislikes. Reply with JSON only.`

const summarizeSystemPrompt = `You are a technical editor. You summarize articles and extract the tools, libraries, frameworks, projects, and services they discuss. Keep facts from the text; never invent. Reply with JSON only.`

const fallbackSystemPrompt = `You summarize technical articles in two or three plain sentences.`

// buildFilterPrompt embeds every article's title and truncated body plus the
// reader's weighted keyword preferences into one batch prompt.
func buildFilterPrompt(articles []model.Article, prefs []model.UserPreference) string {
	var b strings.Builder

	b.WriteString("Reader preferences:\n")
	wrote := false
	for _, p := range prefs {
		verb := "interested in"
		if p.Type == model.PrefIgnore {
			verb = "wants to ignore"
		}
		fmt.Fprintf(&b, "- %s %q (weight %d)\n", verb, p.Keyword, p.Weight)
		wrote = true
	}
	if !wrote {
		b.WriteString("- none stated; judge general technical merit\n")
	}

	b.WriteString("\nArticles:\n")
	for _, a := range articles {
		fmt.Fprintf(&b, "\n[id=%d] %s\n%s\n", a.ID, a.Title, clipRunes(a.TextSnapshot, filterContentLimit))
	}

	b.WriteString(`
For each article decide whether it is interesting to this reader, and whether it is a newsletter digest rather than a standalone article.
Return a JSON object: {"results":[{"id":<id>,"interesting":true|false,"reason":"...","isNewsletter":true|false}]} with one entry per article.`)

	return b.String()
}

// buildSummarizePrompt requests the structured per-article payload.
func buildSummarizePrompt(a *model.Article) string {
	return fmt.Sprintf(`Article: %s

%s

Return a JSON object:
{"summary":"2-3 sentences","keyPoints":["..."],"articleTags":[{"name":"...","category":"tech|topic|language|framework|other","confidence":0.0}],"resources":[{"name":"...","type":"tool|library|framework|project|service|other","url":"","github_url":"","description":"","tags":["..."],"relevance":"main|mentioned|compared","context":"how it is used in the article"}]}
List every tool or project the article discusses; mark the ones it is actually about as relevance "main".`,
		a.Title, clipRunes(a.TextSnapshot, 6000))
}

func buildFallbackPrompt(a *model.Article) string {
	return fmt.Sprintf("Summarize this article in 2-3 sentences.\n\n%s\n\n%s", a.Title, clipRunes(a.TextSnapshot, 6000))
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
