package scraper

import (
	"strings"
	"testing"
	"time"
)

func TestNeedsScrape(t *testing.T) {
	tests := []struct {
		name     string
		snapshot string
		want     bool
	}{
		{name: "empty snapshot", snapshot: "", want: true},
		{name: "thin snapshot", snapshot: strings.Repeat("x", 150), want: true},
		{name: "just under threshold", snapshot: strings.Repeat("x", 199), want: true},
		{name: "at threshold", snapshot: strings.Repeat("x", 200), want: false},
		{name: "substantial snapshot", snapshot: strings.Repeat("x", 2500), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsScrape(tt.snapshot); got != tt.want {
				t.Errorf("NeedsScrape(len=%d) = %v, want %v", len(tt.snapshot), got, tt.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	body := strings.Repeat("This paragraph carries enough real sentence text for extraction to keep it. ", 10)
	page := `<!DOCTYPE html><html><head><title>A Real Article</title></head><body>
		<nav>Home | About | Contact</nav>
		<article>
			<h1>A Real Article</h1>
			<p>` + body + `</p>
			<p>` + body + `</p>
		</article>
		<footer>Copyright</footer>
	</body></html>`

	content, err := extract(page, "https://example.com/post")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content == nil {
		t.Fatal("expected extracted content")
	}
	if !strings.Contains(content.TextContent, "carries enough real sentence text") {
		t.Errorf("TextContent missing article body: %q", content.TextContent[:80])
	}
	if strings.Contains(content.TextContent, "Home | About") {
		t.Error("expected navigation chrome to be stripped")
	}
}

func TestExtractNoDiscernibleArticle(t *testing.T) {
	page := `<!DOCTYPE html><html><body><p>404</p></body></html>`

	content, err := extract(page, "https://example.com/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != nil {
		t.Errorf("expected nil content for empty page, got %+v", content)
	}
}

func TestExtractBadURL(t *testing.T) {
	_, err := extract("<html></html>", "://not-a-url")
	if err == nil {
		t.Fatal("expected error for unparseable url")
	}
}

func TestRandomDelayBounds(t *testing.T) {
	min, max := time.Second, 3*time.Second
	for i := 0; i < 100; i++ {
		d := randomDelay(min, max)
		if d < min || d >= max {
			t.Fatalf("delay %v outside [%v, %v)", d, min, max)
		}
	}
}
