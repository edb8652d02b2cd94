// Package feed turns RSS and Atom documents into normalized feed items.
package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"

	"rss_reader/internal/content"
	"rss_reader/internal/model"
)

const (
	snippetLength = 300
	untitled      = "Untitled"
)

// ErrFeedParse is matched by every ParseError.
var ErrFeedParse = errors.New("feed parse error")

// ParseError reports why a feed could not produce any items.
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse feed %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse feed %s: %s", e.URL, e.Reason)
}

func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFeedParse}
	}
	return []error{ErrFeedParse, e.Err}
}

// BodyFetcher downloads a raw document.
type BodyFetcher interface {
	Fetch(ctx context.Context, target string) (string, error)
}

// Parsed is the result of parsing one feed document.
type Parsed struct {
	// Items in document order.
	Items []model.FeedItem
	// Categories starts with the "All" group.
	Categories []model.CategoryCount
	// ByCategory maps a category ID to its items.
	ByCategory map[string][]model.FeedItem
}

// Parser fetches and parses feeds.
type Parser struct {
	fetcher BodyFetcher
	log     *slog.Logger
}

// NewParser creates a Parser that downloads feeds through f.
func NewParser(f BodyFetcher, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{fetcher: f, log: log}
}

// Parse fetches feedURL and parses it as RSS or Atom.
func (p *Parser) Parse(ctx context.Context, feedURL string) (*Parsed, error) {
	body, err := p.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return nil, &ParseError{URL: feedURL, Reason: "fetch failed", Err: err}
	}

	items, err := p.ParseString(feedURL, body)
	if err != nil {
		return nil, err
	}

	categories, grouped := Group(items)
	return &Parsed{Items: items, Categories: categories, ByCategory: grouped}, nil
}

// ParseString parses a raw feed document. feedURL is used for error reporting only.
func (p *Parser) ParseString(feedURL, body string) ([]model.FeedItem, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ParseError{URL: feedURL, Reason: "empty body"}
	}

	switch gofeed.DetectFeedType(strings.NewReader(body)) {
	case gofeed.FeedTypeAtom, gofeed.FeedTypeRSS:
	case gofeed.FeedTypeJSON:
		return nil, &ParseError{URL: feedURL, Reason: "json feeds are not supported"}
	default:
		return nil, &ParseError{URL: feedURL, Reason: "not an rss or atom document"}
	}

	if err := checkWellFormed(body); err != nil {
		return nil, &ParseError{URL: feedURL, Reason: "invalid xml", Err: err}
	}

	parsed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, &ParseError{URL: feedURL, Reason: "invalid xml", Err: err}
	}
	if len(parsed.Items) == 0 {
		return nil, &ParseError{URL: feedURL, Reason: "no items found"}
	}

	items := make([]model.FeedItem, 0, len(parsed.Items))
	for i, raw := range parsed.Items {
		item, err := convertItem(raw)
		if err != nil {
			p.log.Warn("skip feed item", "url", feedURL, "index", i, "error", err)
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, &ParseError{URL: feedURL, Reason: "no usable items"}
	}
	return items, nil
}

// checkWellFormed walks every token of body. gofeed recovers from broken
// markup, so mismatched or unclosed elements are caught here. HTML entity
// names are accepted.
func checkWellFormed(body string) error {
	d := xml.NewDecoder(strings.NewReader(body))
	d.Strict = true
	d.Entity = xml.HTMLEntity
	d.CharsetReader = charset.NewReaderLabel
	for {
		_, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func convertItem(raw *gofeed.Item) (item model.FeedItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("convert item: %v", r)
		}
	}()

	if raw == nil {
		return item, errors.New("empty item")
	}

	link := strings.TrimSpace(raw.Link)
	if link == "" && len(raw.Links) > 0 {
		link = strings.TrimSpace(raw.Links[0])
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = untitled
	}

	body := raw.Content
	if strings.TrimSpace(body) == "" {
		body = raw.Description
	}

	summary := raw.Description
	if strings.TrimSpace(summary) == "" {
		summary = raw.Content
	}

	item = model.FeedItem{
		Title:       title,
		Link:        link,
		Content:     body,
		Snippet:     Snippet(summary),
		PublishedAt: publishedAt(raw),
		Creator:     creator(raw),
		Categories:  categories(raw.Categories),
		LeadImage:   leadImage(raw, body),
	}
	return item, nil
}

// Snippet returns the visible text of an HTML fragment, truncated to 300 characters.
func Snippet(fragment string) string {
	text := fragment
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment)); err == nil {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	return string([]rune(text)[:snippetLength])
}

func publishedAt(raw *gofeed.Item) *time.Time {
	switch {
	case raw.PublishedParsed != nil:
		t := raw.PublishedParsed.UTC()
		return &t
	case raw.UpdatedParsed != nil:
		t := raw.UpdatedParsed.UTC()
		return &t
	default:
		return nil
	}
}

func creator(raw *gofeed.Item) string {
	if raw.Author != nil && strings.TrimSpace(raw.Author.Name) != "" {
		return strings.TrimSpace(raw.Author.Name)
	}
	for _, a := range raw.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	if raw.DublinCoreExt != nil {
		for _, c := range raw.DublinCoreExt.Creator {
			if strings.TrimSpace(c) != "" {
				return strings.TrimSpace(c)
			}
		}
	}
	return ""
}

func categories(raw []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return []string{model.UncategorizedLabel}
	}
	return out
}

func leadImage(raw *gofeed.Item, body string) string {
	if raw.Image != nil && raw.Image.URL != "" {
		return raw.Image.URL
	}
	for _, enc := range raw.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	if media, ok := raw.Extensions["media"]; ok {
		for _, name := range []string{"content", "thumbnail"} {
			for _, ext := range media[name] {
				if u := ext.Attrs["url"]; u != "" {
					if name == "content" && ext.Attrs["medium"] != "" && ext.Attrs["medium"] != "image" {
						continue
					}
					return u
				}
			}
		}
	}
	return content.FirstImage(body)
}
