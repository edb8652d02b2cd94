// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// UncategorizedLabel is assigned to feed items that carry no category.
const UncategorizedLabel = "Uncategorized"

// FeedSource is a user-subscribed source federating one or more feed URLs.
type FeedSource struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	URLs       []string  `json:"urls"`
	CategoryID string    `json:"category,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Category groups sources in the feed list.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// FeedData is the persisted record holding sources and their categories.
type FeedData struct {
	Feeds      []FeedSource `json:"feeds"`
	Categories []Category   `json:"categories"`
}

// FeedItem is a single entry of a parsed feed. The link is its identity.
type FeedItem struct {
	Title       string
	Link        string
	Content     string
	Snippet     string
	PublishedAt *time.Time
	Creator     string
	Categories  []string
	LeadImage   string
	HasPaywall  bool
}

// ISODate returns the publish time in RFC 3339 form, or "" when unknown.
func (i FeedItem) ISODate() string {
	if i.PublishedAt == nil {
		return ""
	}
	return i.PublishedAt.UTC().Format(time.RFC3339)
}

// CategoryCount describes one category label of a parsed feed.
type CategoryCount struct {
	ID    string
	Name  string
	Count int
}

// CategorySlug turns a category label into its identifier.
func CategorySlug(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

// ExtractedArticle is the main content isolated from an article page.
type ExtractedArticle struct {
	Title   string
	Content string
	Excerpt string
	Byline  string
}

// FilterRule holds the selectors hidden for one source.
type FilterRule struct {
	SourceID       string   `json:"feedId"`
	HiddenElements []string `json:"hiddenElements"`
}

// FilterData is the persisted record of every source's filter rule.
type FilterData struct {
	Filters []FilterRule `json:"filters"`
}

// PatternKind defines how a paywall pattern is matched.
type PatternKind string

// Supported pattern kinds.
const (
	PatternSelector PatternKind = "selector"
	PatternText     PatternKind = "text"
)

// PaywallPattern marks content as paywalled when it matches.
type PaywallPattern struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Pattern   string      `json:"pattern"`
	Kind      PatternKind `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// PaywallData is the persisted pattern library.
type PaywallData struct {
	Patterns []PaywallPattern `json:"patterns"`
}
