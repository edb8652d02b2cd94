// Package paywall decides whether content is behind a paywall using a
// user-extensible library of selector and text patterns.
package paywall

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"rss_reader/internal/model"
)

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid pattern")

// PatternStore provides the current pattern library.
type PatternStore interface {
	PaywallPatterns(ctx context.Context) ([]model.PaywallPattern, error)
}

// Detector evaluates the stored pattern library against content.
type Detector struct {
	store PatternStore
}

// NewDetector creates a Detector reading patterns from store.
func NewDetector(store PatternStore) *Detector {
	return &Detector{store: store}
}

// Detect reports whether html matches any pattern of the current library.
func (d *Detector) Detect(ctx context.Context, html string) (bool, error) {
	patterns, err := d.store.PaywallPatterns(ctx)
	if err != nil {
		return false, fmt.Errorf("load paywall patterns: %w", err)
	}
	return Match(patterns, html), nil
}

// Match reports whether any pattern matches html. Patterns that fail to
// compile never match.
func Match(patterns []model.PaywallPattern, html string) bool {
	if len(patterns) == 0 || strings.TrimSpace(html) == "" {
		return false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}

	var text *string
	for _, p := range patterns {
		switch p.Kind {
		case model.PatternSelector:
			sel, err := cascadia.Compile(p.Pattern)
			if err != nil {
				continue
			}
			if doc.FindMatcher(sel).Length() > 0 {
				return true
			}
		case model.PatternText:
			re, err := compileText(p.Pattern)
			if err != nil {
				continue
			}
			if text == nil {
				t := doc.Find("body").Text()
				text = &t
			}
			if re.MatchString(*text) {
				return true
			}
		}
	}
	return false
}

// Validate checks that pattern compiles for kind.
func Validate(kind model.PatternKind, pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}
	switch kind {
	case model.PatternSelector:
		if _, err := cascadia.Compile(pattern); err != nil {
			return fmt.Errorf("%w: selector %q: %v", ErrInvalidPattern, pattern, err)
		}
	case model.PatternText:
		if _, err := compileText(pattern); err != nil {
			return fmt.Errorf("%w: regex %q: %v", ErrInvalidPattern, pattern, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPattern, kind)
	}
	return nil
}

// Defaults returns the seed library.
func Defaults(now time.Time) []model.PaywallPattern {
	return []model.PaywallPattern{
		{
			ID:        "default-subscription",
			Name:      "Subscription Required",
			Pattern:   ".subscription-required, .paywall, [data-paywall], #paywall",
			Kind:      model.PatternSelector,
			CreatedAt: now,
		},
		{
			ID:        "default-premium",
			Name:      "Premium Content",
			Pattern:   ".premium-content, .premium, [data-premium], #premium",
			Kind:      model.PatternSelector,
			CreatedAt: now,
		},
		{
			ID:        "default-subscribe",
			Name:      "Subscribe Text",
			Pattern:   "Subscribe now|Subscription required|Premium article|Members only",
			Kind:      model.PatternText,
			CreatedAt: now,
		},
	}
}

func compileText(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
