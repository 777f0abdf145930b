package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractJSON pulls the first balanced JSON object out of free text. Model
// output is untrusted: it may wrap the payload in prose or code fences, so a
// tolerant scan is used rather than a bare unmarshal.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found: %w", ErrMalformedResponse)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// String contents don't affect nesting.
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object: %w", ErrMalformedResponse)
}

// HTMLToText converts an HTML fragment to collapsed plain text. Non-HTML
// input passes through with whitespace normalized.
func HTMLToText(html string) string {
	if !strings.Contains(html, "<") {
		return strings.Join(strings.Fields(html), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.Join(strings.Fields(html), " ")
	}
	doc.Find("script, style, noscript").Each(func(_ int, s *goquery.Selection) {
		s.Remove()
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Known company names whose attribution suffixes get stripped from resource
// names. Best-effort: new companies will not be stripped.
var companyPattern = `(?:Anthropic|OpenAI|Google|Meta|Microsoft|Amazon|AWS|GitHub|HashiCorp|JetBrains|Mozilla|Vercel|Cloudflare)`

var resourceSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\s+by\s+` + companyPattern + `$`),
	regexp.MustCompile(`(?i)\s+from\s+` + companyPattern + `$`),
	regexp.MustCompile(`(?i)\s*\(\s*` + companyPattern + `\s*\)$`),
}

// NormalizeResourceName strips known company attribution suffixes so mentions
// of the same underlying tool merge ("Claude by Anthropic" -> "Claude").
func NormalizeResourceName(name string) string {
	name = strings.TrimSpace(name)
	for _, re := range resourceSuffixes {
		name = re.ReplaceAllString(name, "")
	}
	return strings.TrimSpace(name)
}
