package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"rss_reader/internal/model"
	"rss_reader/internal/paywall"
	"rss_reader/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage as JSON records in a SQLite key-value table.
type SQLite struct {
	db  *sqlx.DB
	log *slog.Logger
	now func() time.Time
}

// Option customizes SQLite.
type Option func(*SQLite)

// WithLogger sets the logger used to report corrupt records.
func WithLogger(log *slog.Logger) Option {
	return func(s *SQLite) { s.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) { s.now = now }
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLite{
		db:  db,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type record struct {
	Value     string `db:"value"`
	UpdatedAt string `db:"updated_at"`
}

// get returns the raw record stored under key; ok is false when absent.
func (s *SQLite) get(ctx context.Context, key string) (string, bool, error) {
	var r record
	err := s.db.GetContext(ctx, &r, `SELECT value, updated_at FROM records WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get record %s: %w", key, err)
	}
	return r.Value, true, nil
}

func (s *SQLite) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put record %s: %w", key, err)
	}
	return nil
}

// legacySource accepts both the single-url and the multi-url shape.
type legacySource struct {
	model.FeedSource
	URL string `json:"url,omitempty"`
}

type storedFeeds struct {
	Feeds      []legacySource   `json:"feeds"`
	Categories []model.Category `json:"categories"`
}

// LoadFeeds returns sources and categories. Sources stored with a single
// url are upgraded to a url list and the upgraded record is saved.
func (s *SQLite) LoadFeeds(ctx context.Context) (model.FeedData, error) {
	raw, ok, err := s.get(ctx, KeyFeeds)
	if err != nil {
		return model.FeedData{}, err
	}
	empty := model.FeedData{Feeds: []model.FeedSource{}, Categories: []model.Category{}}
	if !ok {
		return empty, nil
	}

	var stored storedFeeds
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		s.log.Warn("corrupt feeds record, using defaults", "error", err)
		return empty, nil
	}

	migrated := false
	data := empty
	for _, f := range stored.Feeds {
		src := f.FeedSource
		if len(src.URLs) == 0 && f.URL != "" {
			src.URLs = []string{f.URL}
			migrated = true
		}
		if src.URLs == nil {
			src.URLs = []string{}
		}
		data.Feeds = append(data.Feeds, src)
	}
	if stored.Categories != nil {
		data.Categories = stored.Categories
	}

	if migrated {
		s.log.Info("upgraded legacy feed records", "count", len(data.Feeds))
		if err := s.SaveFeeds(ctx, data); err != nil {
			return model.FeedData{}, fmt.Errorf("save upgraded feeds: %w", err)
		}
	}
	return data, nil
}

// SaveFeeds replaces the feeds record.
func (s *SQLite) SaveFeeds(ctx context.Context, data model.FeedData) error {
	if data.Feeds == nil {
		data.Feeds = []model.FeedSource{}
	}
	if data.Categories == nil {
		data.Categories = []model.Category{}
	}
	return s.put(ctx, KeyFeeds, data)
}

// Source returns the source with the given id.
func (s *SQLite) Source(ctx context.Context, id string) (model.FeedSource, error) {
	data, err := s.LoadFeeds(ctx)
	if err != nil {
		return model.FeedSource{}, err
	}
	src, ok := lo.Find(data.Feeds, func(f model.FeedSource) bool { return f.ID == id })
	if !ok {
		return model.FeedSource{}, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return src, nil
}

// AddSource stores a new source. The title defaults to the first URL.
func (s *SQLite) AddSource(ctx context.Context, title string, urls []string, categoryID string) (model.FeedSource, error) {
	urls, err := normalizeURLs(urls)
	if err != nil {
		return model.FeedSource{}, err
	}

	data, err := s.LoadFeeds(ctx)
	if err != nil {
		return model.FeedSource{}, err
	}
	if err := checkCategory(data, categoryID); err != nil {
		return model.FeedSource{}, err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = urls[0]
	}
	src := model.FeedSource{
		ID:         uuid.NewString(),
		Title:      title,
		URLs:       urls,
		CategoryID: categoryID,
		CreatedAt:  s.now().UTC().Truncate(time.Second),
	}
	data.Feeds = append(data.Feeds, src)

	if err := s.SaveFeeds(ctx, data); err != nil {
		return model.FeedSource{}, err
	}
	return src, nil
}

// UpdateSource replaces the title, URLs and category of an existing source.
func (s *SQLite) UpdateSource(ctx context.Context, src model.FeedSource) error {
	urls, err := normalizeURLs(src.URLs)
	if err != nil {
		return err
	}

	data, err := s.LoadFeeds(ctx)
	if err != nil {
		return err
	}
	if err := checkCategory(data, src.CategoryID); err != nil {
		return err
	}

	i := slices.IndexFunc(data.Feeds, func(f model.FeedSource) bool { return f.ID == src.ID })
	if i < 0 {
		return fmt.Errorf("source %s: %w", src.ID, ErrNotFound)
	}

	cur := &data.Feeds[i]
	if t := strings.TrimSpace(src.Title); t != "" {
		cur.Title = t
	}
	cur.URLs = urls
	cur.CategoryID = src.CategoryID

	return s.SaveFeeds(ctx, data)
}

// RemoveSource deletes a source together with its filter rule.
func (s *SQLite) RemoveSource(ctx context.Context, id string) error {
	data, err := s.LoadFeeds(ctx)
	if err != nil {
		return err
	}

	kept := lo.Filter(data.Feeds, func(f model.FeedSource, _ int) bool { return f.ID != id })
	if len(kept) == len(data.Feeds) {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	data.Feeds = kept
	if err := s.SaveFeeds(ctx, data); err != nil {
		return err
	}

	filters, err := s.loadFilters(ctx)
	if err != nil {
		return err
	}
	remaining := lo.Filter(filters.Filters, func(r model.FilterRule, _ int) bool { return r.SourceID != id })
	if len(remaining) == len(filters.Filters) {
		return nil
	}
	filters.Filters = remaining
	return s.put(ctx, KeyFilters, filters)
}

// AddCategory stores a new category.
func (s *SQLite) AddCategory(ctx context.Context, name string) (model.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Category{}, errors.New("category name is required")
	}

	data, err := s.LoadFeeds(ctx)
	if err != nil {
		return model.Category{}, err
	}
	if lo.ContainsBy(data.Categories, func(c model.Category) bool { return strings.EqualFold(c.Name, name) }) {
		return model.Category{}, fmt.Errorf("category %q already exists", name)
	}

	c := model.Category{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	data.Categories = append(data.Categories, c)
	if err := s.SaveFeeds(ctx, data); err != nil {
		return model.Category{}, err
	}
	return c, nil
}

func checkCategory(data model.FeedData, id string) error {
	if id == "" {
		return nil
	}
	if !lo.ContainsBy(data.Categories, func(c model.Category) bool { return c.ID == id }) {
		return fmt.Errorf("category %s: %w", id, ErrNotFound)
	}
	return nil
}

func normalizeURLs(urls []string) ([]string, error) {
	var out []string
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid feed url %q", raw)
		}
		out = append(out, raw)
	}
	out = lo.Uniq(out)
	if len(out) == 0 {
		return nil, errors.New("at least one feed url is required")
	}
	return out, nil
}

func (s *SQLite) loadFilters(ctx context.Context) (model.FilterData, error) {
	raw, ok, err := s.get(ctx, KeyFilters)
	if err != nil {
		return model.FilterData{}, err
	}
	empty := model.FilterData{Filters: []model.FilterRule{}}
	if !ok {
		return empty, nil
	}

	var data model.FilterData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		s.log.Warn("corrupt filters record, using defaults", "error", err)
		return empty, nil
	}
	if data.Filters == nil {
		data.Filters = []model.FilterRule{}
	}
	return data, nil
}

// FilterRule returns the hide-list of sourceID. A source without a rule
// gets an empty one.
func (s *SQLite) FilterRule(ctx context.Context, sourceID string) (model.FilterRule, error) {
	data, err := s.loadFilters(ctx)
	if err != nil {
		return model.FilterRule{}, err
	}
	rule, ok := lo.Find(data.Filters, func(r model.FilterRule) bool { return r.SourceID == sourceID })
	if !ok {
		return model.FilterRule{SourceID: sourceID, HiddenElements: []string{}}, nil
	}
	return rule, nil
}

// AddHiddenElement appends selector to the hide-list of sourceID,
// creating the rule on first use. Adding a selector twice is a no-op.
func (s *SQLite) AddHiddenElement(ctx context.Context, sourceID, selector string) error {
	data, err := s.loadFilters(ctx)
	if err != nil {
		return err
	}

	i := slices.IndexFunc(data.Filters, func(r model.FilterRule) bool { return r.SourceID == sourceID })
	if i < 0 {
		data.Filters = append(data.Filters, model.FilterRule{SourceID: sourceID})
		i = len(data.Filters) - 1
	}
	rule := &data.Filters[i]
	if slices.Contains(rule.HiddenElements, selector) {
		return nil
	}
	rule.HiddenElements = append(rule.HiddenElements, selector)

	return s.put(ctx, KeyFilters, data)
}

// RemoveHiddenElement drops selector from the hide-list of sourceID.
func (s *SQLite) RemoveHiddenElement(ctx context.Context, sourceID, selector string) error {
	data, err := s.loadFilters(ctx)
	if err != nil {
		return err
	}

	i := slices.IndexFunc(data.Filters, func(r model.FilterRule) bool { return r.SourceID == sourceID })
	if i < 0 || !slices.Contains(data.Filters[i].HiddenElements, selector) {
		return fmt.Errorf("hidden element %q of source %s: %w", selector, sourceID, ErrNotFound)
	}
	data.Filters[i].HiddenElements = lo.Without(data.Filters[i].HiddenElements, selector)

	return s.put(ctx, KeyFilters, data)
}

// PaywallPatterns returns the pattern library. The default library is
// returned until the record is first written.
func (s *SQLite) PaywallPatterns(ctx context.Context) ([]model.PaywallPattern, error) {
	raw, ok, err := s.get(ctx, KeyPaywall)
	if err != nil {
		return nil, err
	}
	if !ok {
		return paywall.Defaults(s.now().UTC().Truncate(time.Second)), nil
	}

	var data model.PaywallData
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data.Patterns == nil {
		s.log.Warn("corrupt paywall record, using defaults", "error", err)
		return paywall.Defaults(s.now().UTC().Truncate(time.Second)), nil
	}
	return data.Patterns, nil
}

// AddPaywallPattern validates and stores a new pattern.
func (s *SQLite) AddPaywallPattern(ctx context.Context, name, pattern string, kind model.PatternKind) (model.PaywallPattern, error) {
	if err := paywall.Validate(kind, pattern); err != nil {
		return model.PaywallPattern{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = pattern
	}

	patterns, err := s.PaywallPatterns(ctx)
	if err != nil {
		return model.PaywallPattern{}, err
	}
	p := model.PaywallPattern{
		ID:        uuid.NewString(),
		Name:      name,
		Pattern:   pattern,
		Kind:      kind,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	patterns = append(patterns, p)

	if err := s.put(ctx, KeyPaywall, model.PaywallData{Patterns: patterns}); err != nil {
		return model.PaywallPattern{}, err
	}
	return p, nil
}

// RemovePaywallPattern deletes the pattern with the given id.
func (s *SQLite) RemovePaywallPattern(ctx context.Context, id string) error {
	patterns, err := s.PaywallPatterns(ctx)
	if err != nil {
		return err
	}
	kept := lo.Filter(patterns, func(p model.PaywallPattern, _ int) bool { return p.ID != id })
	if len(kept) == len(patterns) {
		return fmt.Errorf("paywall pattern %s: %w", id, ErrNotFound)
	}
	return s.put(ctx, KeyPaywall, model.PaywallData{Patterns: kept})
}
