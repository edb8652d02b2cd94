package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/feeds"

	"rss_reader/internal/model"
)

type stubFetcher struct {
	bodies map[string]string
	err    error
}

func (s *stubFetcher) Fetch(_ context.Context, target string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.bodies[target], nil
}

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func newTestParser(bodies map[string]string) *Parser {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewParser(&stubFetcher{bodies: bodies}, log)
}

func date(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestParseRSS(t *testing.T) {
	const u = "https://platform.example.com/rss"
	p := newTestParser(map[string]string{u: loadFixture(t, "rss.xml")})

	got, err := p.Parse(context.Background(), u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.FeedItem{
		{
			Title:       "Kubernetes 1.32 released",
			Link:        "https://platform.example.com/k8s-132",
			Content:     `<p>Full story.</p><img src="https://cdn.example.com/k8s.png" alt="logo">`,
			Snippet:     "The new release brings sidecar containers to GA.",
			PublishedAt: date("2024-01-01T10:00:00Z"),
			Creator:     "Jane Doe",
			Categories:  []string{"Kubernetes", "Releases"},
			LeadImage:   "https://cdn.example.com/k8s.png",
		},
		{
			Title:       "Helm tips",
			Link:        "https://platform.example.com/helm",
			Content:     "Charts without pain.",
			Snippet:     "Charts without pain.",
			PublishedAt: date("2024-03-01T09:30:00Z"),
			Categories:  []string{"Kubernetes"},
		},
		{
			Title:      "Untitled",
			Link:       "https://platform.example.com/untitled",
			Content:    "No title and a broken date.",
			Snippet:    "No title and a broken date.",
			Categories: []string{model.UncategorizedLabel},
		},
		{
			Title:      "Orphan",
			Content:    "An item without a link.",
			Snippet:    "An item without a link.",
			Categories: []string{model.UncategorizedLabel},
		},
	}
	if diff := cmp.Diff(want, got.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	wantCategories := []model.CategoryCount{
		{ID: AllCategoryID, Name: "All", Count: 4},
		{ID: "kubernetes", Name: "Kubernetes", Count: 2},
		{ID: "releases", Name: "Releases", Count: 1},
		{ID: "uncategorized", Name: model.UncategorizedLabel, Count: 2},
	}
	if diff := cmp.Diff(wantCategories, got.Categories); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}
	for _, c := range got.Categories {
		if diff := cmp.Diff(c.Count, len(got.ByCategory[c.ID])); diff != "" {
			t.Errorf("category %s size mismatch (-want +got):\n%s", c.ID, diff)
		}
	}
}

func TestParseAtom(t *testing.T) {
	const u = "https://go.example.com/atom"
	p := newTestParser(map[string]string{u: loadFixture(t, "atom.xml")})

	got, err := p.Parse(context.Background(), u)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.FeedItem{
		{
			Title:       "Generics in practice",
			Link:        "https://go.example.com/generics",
			Content:     "<p>Type parameters are here to stay.</p>",
			Snippet:     "Type parameters, one year later.",
			PublishedAt: date("2024-03-01T10:00:00Z"),
			Creator:     "Rob",
			Categories:  []string{"Go"},
		},
		{
			Title:       "Only updated",
			Link:        "https://go.example.com/updated",
			Content:     "Summary used as content.",
			Snippet:     "Summary used as content.",
			PublishedAt: date("2024-01-01T08:00:00Z"),
			Categories:  []string{model.UncategorizedLabel},
		},
	}
	if diff := cmp.Diff(want, got.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestParseGenerated(t *testing.T) {
	created := time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)
	source := &feeds.Feed{
		Title:       "Generated",
		Link:        &feeds.Link{Href: "https://gen.example.com"},
		Description: "generated feed",
		Created:     created,
		Items: []*feeds.Item{
			{
				Title:       "First",
				Link:        &feeds.Link{Href: "https://gen.example.com/1"},
				Description: "first description",
				Created:     created,
			},
			{
				Title:       "Second",
				Link:        &feeds.Link{Href: "https://gen.example.com/2"},
				Description: "second description",
				Created:     created.Add(time.Hour),
			},
		},
	}

	rss, err := source.ToRss()
	if err != nil {
		t.Fatalf("render rss: %v", err)
	}
	atom, err := source.ToAtom()
	if err != nil {
		t.Fatalf("render atom: %v", err)
	}

	for name, body := range map[string]string{"rss": rss, "atom": atom} {
		t.Run(name, func(t *testing.T) {
			items, err := newTestParser(nil).ParseString("https://gen.example.com/"+name, body)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var links []string
			for _, item := range items {
				links = append(links, item.Link)
			}
			if diff := cmp.Diff([]string{"https://gen.example.com/1", "https://gen.example.com/2"}, links); diff != "" {
				t.Errorf("links mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	fetchErr := errors.New("relay down")

	tests := []struct {
		name     string
		fetcher  *stubFetcher
		wantWrap error
	}{
		{name: "fetch failure", fetcher: &stubFetcher{err: fetchErr}, wantWrap: fetchErr},
		{name: "empty body", fetcher: &stubFetcher{bodies: map[string]string{"u": "  \n"}}},
		{name: "html page", fetcher: &stubFetcher{bodies: map[string]string{"u": "<html><body>hi</body></html>"}}},
		{name: "unclosed elements", fetcher: &stubFetcher{bodies: map[string]string{"u": `<rss version="2.0"><channel><item><title>x</title>`}}},
		{name: "mismatched tags", fetcher: &stubFetcher{bodies: map[string]string{"u": `<rss version="2.0"><channel><item><title>A</title><link>https://a.example.com/</link></item><item><title>B</bogus></item>`}}},
		{name: "json feed", fetcher: &stubFetcher{bodies: map[string]string{"u": `{"version":"https://jsonfeed.org/version/1","items":[]}`}}},
		{name: "no items", fetcher: &stubFetcher{bodies: map[string]string{"u": loadFixture(t, "empty_channel.xml")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(tt.fetcher, nil)
			_, err := p.Parse(context.Background(), "u")
			if !errors.Is(err, ErrFeedParse) {
				t.Fatalf("expected ErrFeedParse, got %v", err)
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if tt.wantWrap != nil && !errors.Is(err, tt.wantWrap) {
				t.Errorf("expected %v in chain, got %v", tt.wantWrap, err)
			}
		})
	}
}

func TestParseKeepsItemWithoutLink(t *testing.T) {
	body := `<rss version="2.0"><channel><item><title>Only item</title><description>hi</description></item></channel></rss>`

	got, err := newTestParser(nil).ParseString("u", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []model.FeedItem{{
		Title:      "Only item",
		Content:    "hi",
		Snippet:    "hi",
		Categories: []string{model.UncategorizedLabel},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAcceptsHTMLEntitiesAndLatin1(t *testing.T) {
	body := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n" +
		"<rss version=\"2.0\"><channel><title>T</title><item><title>Caf\xe9&nbsp;news</title>" +
		"<link>https://a.example.com/1</link></item></channel></rss>"

	got, err := newTestParser(nil).ParseString("u", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(1, len(got)); diff != "" {
		t.Fatalf("item count mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(got[0].Title, "Café") {
		t.Errorf("unexpected title %q", got[0].Title)
	}
}

func TestSnippetTruncates(t *testing.T) {
	long := "<p>" + strings.Repeat("é", 400) + "</p>"
	got := Snippet(long)
	if diff := cmp.Diff(300, len([]rune(got))); diff != "" {
		t.Errorf("snippet length mismatch (-want +got):\n%s", diff)
	}
}
