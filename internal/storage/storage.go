// Package storage persists sources, filter rules and the paywall pattern
// library as independently keyed records.
package storage

import (
	"context"
	"errors"

	"rss_reader/internal/model"
)

// ErrNotFound is returned when a source, category or pattern does not exist.
var ErrNotFound = errors.New("not found")

// Record keys.
const (
	KeyFeeds   = "feeds"
	KeyFilters = "filters"
	KeyPaywall = "paywall"
)

// Storage is the interface for all persistence operations.
// Every mutation rewrites the whole record it touches.
type Storage interface {
	LoadFeeds(ctx context.Context) (model.FeedData, error)
	SaveFeeds(ctx context.Context, data model.FeedData) error
	Source(ctx context.Context, id string) (model.FeedSource, error)
	AddSource(ctx context.Context, title string, urls []string, categoryID string) (model.FeedSource, error)
	UpdateSource(ctx context.Context, src model.FeedSource) error
	RemoveSource(ctx context.Context, id string) error
	AddCategory(ctx context.Context, name string) (model.Category, error)

	FilterRule(ctx context.Context, sourceID string) (model.FilterRule, error)
	AddHiddenElement(ctx context.Context, sourceID, selector string) error
	RemoveHiddenElement(ctx context.Context, sourceID, selector string) error

	PaywallPatterns(ctx context.Context) ([]model.PaywallPattern, error)
	AddPaywallPattern(ctx context.Context, name, pattern string, kind model.PatternKind) (model.PaywallPattern, error)
	RemovePaywallPattern(ctx context.Context, id string) error

	Close() error
}
