package filter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/samber/lo"
	"github.com/tomakado/containers/set"

	"rss_reader/internal/feed"
	"rss_reader/internal/model"
)

// DefaultSampleSize is the number of articles analyzed per run.
const DefaultSampleSize = 10

const maxLogEntries = 5

var (
	// ErrNoItems is returned when none of the source feeds produced items.
	ErrNoItems = errors.New("no items found in any of the feeds")
	// ErrNoElements is returned when no analyzed article carried an id or class.
	ErrNoElements = errors.New("no elements found in analyzed articles")
)

// FeedParser parses one feed URL.
type FeedParser interface {
	Parse(ctx context.Context, feedURL string) (*feed.Parsed, error)
}

// ArticleLoader fetches, cleans and extracts one article.
type ArticleLoader interface {
	LoadArticle(ctx context.Context, link string) (model.ExtractedArticle, error)
}

// PaywallDetector flags paywalled content.
type PaywallDetector interface {
	Detect(ctx context.Context, html string) (bool, error)
}

// RuleReader returns the current hide-list of a source.
type RuleReader interface {
	FilterRule(ctx context.Context, sourceID string) (model.FilterRule, error)
}

// Candidate is an element selector seen across the sample.
type Candidate struct {
	Selector string
	Count    int
	Hidden   bool
}

// Report is the outcome of one analysis run.
type Report struct {
	Candidates []Candidate
	Paywalled  []model.FeedItem
	Log        []string
	Analyzed   int
	Failed     int
}

// Session is the working state of one analysis run.
type Session struct {
	counts    map[string]int
	paywalled []model.FeedItem
	log       []string
	analyzed  int
	failed    int
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{counts: make(map[string]int)}
}

// Logf appends a progress message, keeping only the latest five.
func (s *Session) Logf(format string, args ...any) {
	s.log = append(s.log, fmt.Sprintf(format, args...))
	if len(s.log) > maxLogEntries {
		s.log = s.log[len(s.log)-maxLogEntries:]
	}
}

// Log returns the retained progress messages, oldest first.
func (s *Session) Log() []string {
	return slices.Clone(s.log)
}

// Tally counts each selector of html once.
func (s *Session) Tally(html string) {
	for _, sel := range Selectors(html) {
		s.counts[sel]++
	}
}

// Count returns how many articles carried sel.
func (s *Session) Count(sel string) int {
	return s.counts[sel]
}

// Selectors returns the distinct #id and .class selectors present in html,
// in document order. Identifiers are escaped, so every selector matches
// exactly the attribute value it came from.
func Selectors(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var found []string
	doc.Find("body [id], body [class]").Each(func(_ int, el *goquery.Selection) {
		if id := strings.TrimSpace(el.AttrOr("id", "")); id != "" {
			found = append(found, "#"+cssEscape(id))
		}
		for _, class := range strings.Fields(el.AttrOr("class", "")) {
			found = append(found, "."+cssEscape(class))
		}
	})

	return lo.Filter(lo.Uniq(found), func(sel string, _ int) bool {
		_, err := cascadia.Compile(sel)
		return err == nil
	})
}

// cssEscape escapes ident the way CSS.escape does.
func cssEscape(ident string) string {
	runes := []rune(ident)
	var b strings.Builder
	for i, r := range runes {
		switch {
		case r == 0:
			b.WriteRune('\uFFFD')
		case r < 0x20 || r == 0x7f,
			i == 0 && r >= '0' && r <= '9',
			i == 1 && r >= '0' && r <= '9' && runes[0] == '-':
			fmt.Fprintf(&b, "\\%x ", r)
		case i == 0 && r == '-' && len(runes) == 1:
			b.WriteString(`\-`)
		case r >= 0x80, r == '-', r == '_',
			r >= '0' && r <= '9',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Analyzer samples a source's articles and ranks recurring elements.
type Analyzer struct {
	SampleSize int

	feeds    FeedParser
	articles ArticleLoader
	paywall  PaywallDetector
	rules    RuleReader
	log      *slog.Logger
}

// NewAnalyzer creates an Analyzer. paywall may be nil.
func NewAnalyzer(feeds FeedParser, articles ArticleLoader, paywall PaywallDetector, rules RuleReader, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Analyzer{
		SampleSize: DefaultSampleSize,
		feeds:      feeds,
		articles:   articles,
		paywall:    paywall,
		rules:      rules,
		log:        log,
	}
}

// Analyze parses every feed of source, extracts the first SampleSize
// articles and ranks the selectors found in them by frequency.
// Individual feed and article failures only shrink the sample.
func (a *Analyzer) Analyze(ctx context.Context, source model.FeedSource) (*Report, error) {
	session := NewSession()

	var lists [][]model.FeedItem
	var feedErrs []error
	for _, u := range source.URLs {
		parsed, err := a.feeds.Parse(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("analyze: parse feed", "source", source.ID, "url", u, "error", err)
			session.Logf("Failed to parse %s", u)
			feedErrs = append(feedErrs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		lists = append(lists, parsed.Items)
	}

	// Items without a link have no article to sample.
	items := lo.Filter(feed.Merge(lists...), func(item model.FeedItem, _ int) bool {
		return item.Link != ""
	})
	if len(items) == 0 {
		if len(feedErrs) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoItems, errors.Join(feedErrs...))
		}
		return nil, ErrNoItems
	}

	sampleSize := a.SampleSize
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	sample := items[:min(sampleSize, len(items))]
	session.Logf("Analyzing %d articles", len(sample))

	for i, item := range sample {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session.Logf("Analyzing article %d of %d: %s", i+1, len(sample), item.Title)

		article, err := a.articles.LoadArticle(ctx, item.Link)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("analyze: load article", "source", source.ID, "link", item.Link, "error", err)
			session.Logf("Failed to analyze %s", item.Title)
			session.failed++
			continue
		}

		if a.paywall != nil {
			flagged, err := a.paywall.Detect(ctx, article.Content)
			if err != nil {
				a.log.Warn("analyze: detect paywall", "link", item.Link, "error", err)
			}
			if flagged {
				item.HasPaywall = true
				session.paywalled = append(session.paywalled, item)
			}
		}

		session.Tally(article.Content)
		session.analyzed++
	}

	if len(session.counts) == 0 {
		return nil, ErrNoElements
	}

	rule, err := a.rules.FilterRule(ctx, source.ID)
	if err != nil {
		a.log.Warn("analyze: load filter rule", "source", source.ID, "error", err)
	}
	hidden := set.New(rule.HiddenElements...)

	candidates := make([]Candidate, 0, len(session.counts))
	for sel, n := range session.counts {
		candidates = append(candidates, Candidate{Selector: sel, Count: n, Hidden: hidden.Contains(sel)})
	}
	slices.SortFunc(candidates, func(x, y Candidate) int {
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Selector, y.Selector)
	})

	session.Logf("Analysis complete: %d elements found", len(candidates))

	return &Report{
		Candidates: candidates,
		Paywalled:  session.paywalled,
		Log:        session.Log(),
		Analyzed:   session.analyzed,
		Failed:     session.failed,
	}, nil
}
