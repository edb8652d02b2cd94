// Package reader ties the pipeline together: it loads a source's feeds,
// opens articles and applies the user's filters and paywall library.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"rss_reader/internal/content"
	"rss_reader/internal/event"
	"rss_reader/internal/feed"
	"rss_reader/internal/filter"
	"rss_reader/internal/model"
	"rss_reader/internal/paywall"
	"rss_reader/internal/storage"
)

// ErrStale is returned by Open when a newer Open superseded the call.
var ErrStale = errors.New("result is stale")

// SourceError reports that every feed of a source failed.
type SourceError struct {
	SourceID string
	Errs     []error
}

func (e *SourceError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "\n")
}

func (e *SourceError) Unwrap() []error {
	return e.Errs
}

// BodyFetcher downloads a raw document.
type BodyFetcher interface {
	Fetch(ctx context.Context, target string) (string, error)
}

// Publisher announces named events.
type Publisher interface {
	Publish(name string)
}

// Feed is the display-ready content of one source.
type Feed struct {
	Source     model.FeedSource
	Items      []model.FeedItem
	Categories []model.CategoryCount
	ByCategory map[string][]model.FeedItem
}

// Reader runs the pipeline for the display surface.
type Reader struct {
	store     storage.Storage
	feeds     *feed.Parser
	articles  BodyFetcher
	cleaner   *content.Cleaner
	extractor *content.Extractor
	detector  *paywall.Detector
	pub       Publisher
	log       *slog.Logger

	prominentWidth int
	sampleSize     int

	gen    atomic.Uint64
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option customizes a Reader.
type Option func(*Reader)

// WithProminentWidth sets the width above which an article image makes
// the feed lead image redundant.
func WithProminentWidth(px int) Option {
	return func(r *Reader) { r.prominentWidth = px }
}

// WithSampleSize sets the number of articles examined by Analyze.
func WithSampleSize(n int) Option {
	return func(r *Reader) { r.sampleSize = n }
}

// New creates a Reader. Feeds are downloaded through feedFetcher and
// article pages through articleFetcher.
func New(store storage.Storage, feedFetcher, articleFetcher BodyFetcher, pub Publisher, log *slog.Logger, opts ...Option) *Reader {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Reader{
		store:          store,
		feeds:          feed.NewParser(feedFetcher, log),
		articles:       articleFetcher,
		cleaner:        content.NewCleaner(log),
		extractor:      content.NewExtractor(log),
		detector:       paywall.NewDetector(store),
		pub:            pub,
		log:            log,
		prominentWidth: content.DefaultProminentWidth,
		sampleSize:     filter.DefaultSampleSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadSource parses every feed of src one after another and merges the
// items. It fails only when all feeds fail.
func (r *Reader) LoadSource(ctx context.Context, src model.FeedSource) (*Feed, error) {
	var lists [][]model.FeedItem
	var errs []error
	for _, u := range src.URLs {
		parsed, err := r.feeds.Parse(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("load %s: %w", u, err))
			continue
		}
		lists = append(lists, parsed.Items)
	}
	if len(lists) == 0 {
		if len(errs) == 0 {
			errs = append(errs, errors.New("source has no feed urls"))
		}
		return nil, &SourceError{SourceID: src.ID, Errs: errs}
	}
	for _, err := range errs {
		r.log.Warn("feed failed, continuing with partial data", "source", src.ID, "error", err)
	}

	items := feed.Merge(lists...)

	patterns, err := r.store.PaywallPatterns(ctx)
	if err != nil {
		r.log.Warn("load paywall patterns", "error", err)
	}
	rule, err := r.store.FilterRule(ctx, src.ID)
	if err != nil {
		r.log.Warn("load filter rule", "source", src.ID, "error", err)
	}

	for i := range items {
		items[i].HasPaywall = paywall.Match(patterns, items[i].Content)
		items[i].Content = filter.Apply(items[i].Content, rule.HiddenElements)
	}
	feed.SortByDate(items)

	categories, grouped := feed.Group(items)
	return &Feed{Source: src, Items: items, Categories: categories, ByCategory: grouped}, nil
}

// LoadArticle fetches, cleans and extracts the article at link.
func (r *Reader) LoadArticle(ctx context.Context, link string) (model.ExtractedArticle, error) {
	if link == "" {
		return model.ExtractedArticle{}, errors.New("item has no link")
	}
	base, err := url.Parse(link)
	if err != nil {
		return model.ExtractedArticle{}, fmt.Errorf("parse article url: %w", err)
	}

	raw, err := r.articles.Fetch(ctx, link)
	if err != nil {
		return model.ExtractedArticle{}, err
	}

	doc, err := r.cleaner.CleanHTML(raw, base)
	if err != nil {
		return model.ExtractedArticle{}, err
	}

	article, err := r.extractor.Extract(doc, link)
	if errors.Is(err, content.ErrExtraction) {
		r.log.Warn("extraction failed, showing empty article", "url", link, "error", err)
		return model.ExtractedArticle{}, nil
	}
	return article, err
}

// Open loads the article of item for display, applying the hide-list of
// sourceID and merging the feed lead image. Calling Open again cancels
// the previous call, which then returns ErrStale.
func (r *Reader) Open(ctx context.Context, item model.FeedItem, sourceID string) (model.ExtractedArticle, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The newest generation always owns r.cancel.
	r.mu.Lock()
	gen := r.gen.Add(1)
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()

	article, err := r.LoadArticle(ctx, item.Link)
	if r.gen.Load() != gen {
		return model.ExtractedArticle{}, ErrStale
	}
	if err != nil {
		return model.ExtractedArticle{}, err
	}

	rule, err := r.store.FilterRule(ctx, sourceID)
	if err != nil {
		r.log.Warn("load filter rule", "source", sourceID, "error", err)
	}
	body := filter.Apply(article.Content, rule.HiddenElements)
	body = content.MergeLeadImage(body, item.LeadImage, r.prominentWidth)
	article.Content = content.Sanitize(body)
	if article.Title == "" {
		article.Title = item.Title
	}

	if r.gen.Load() != gen {
		return model.ExtractedArticle{}, ErrStale
	}
	return article, nil
}

// Analyze ranks recurring elements across a sample of src's articles.
func (r *Reader) Analyze(ctx context.Context, src model.FeedSource) (*filter.Report, error) {
	a := filter.NewAnalyzer(r.feeds, r, r.detector, r.store, r.log)
	a.SampleSize = r.sampleSize
	return a.Analyze(ctx, src)
}

// Hide adds selector to the hide-list of sourceID.
func (r *Reader) Hide(ctx context.Context, sourceID, selector string) error {
	return filter.SetHidden(ctx, r.store, r.pub, sourceID, selector, true)
}

// Unhide removes selector from the hide-list of sourceID.
func (r *Reader) Unhide(ctx context.Context, sourceID, selector string) error {
	return filter.SetHidden(ctx, r.store, r.pub, sourceID, selector, false)
}

// AddPaywallPattern validates and stores a pattern, then announces the change.
func (r *Reader) AddPaywallPattern(ctx context.Context, name, pattern string, kind model.PatternKind) (model.PaywallPattern, error) {
	p, err := r.store.AddPaywallPattern(ctx, name, pattern, kind)
	if err != nil {
		return model.PaywallPattern{}, err
	}
	r.publish(event.PaywallUpdated)
	return p, nil
}

// RemovePaywallPattern deletes a pattern, then announces the change.
func (r *Reader) RemovePaywallPattern(ctx context.Context, id string) error {
	if err := r.store.RemovePaywallPattern(ctx, id); err != nil {
		return err
	}
	r.publish(event.PaywallUpdated)
	return nil
}

func (r *Reader) publish(name string) {
	if r.pub != nil {
		r.pub.Publish(name)
	}
}
