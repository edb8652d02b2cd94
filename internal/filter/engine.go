// Package filter removes user-hidden elements from content and suggests
// recurring elements worth hiding.
package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"rss_reader/internal/event"
)

// ErrInvalidSelector is returned for selectors that do not compile.
var ErrInvalidSelector = errors.New("invalid selector")

// Apply removes every element matching any of hidden and returns the
// resulting body markup. Invalid selectors are skipped. An empty list
// returns html unchanged.
func Apply(html string, hidden []string) string {
	if len(hidden) == 0 {
		return html
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	for _, s := range hidden {
		sel, err := cascadia.Compile(s)
		if err != nil {
			continue
		}
		doc.FindMatcher(sel).Remove()
	}

	out, err := doc.Find("body").Html()
	if err != nil {
		return html
	}
	return out
}

// ValidateSelector checks whether sel is a usable CSS selector.
func ValidateSelector(sel string) error {
	if strings.TrimSpace(sel) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSelector)
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSelector, sel, err)
	}
	return nil
}

// SelectorKind names the parts a manual selector can be built from.
type SelectorKind string

// Supported manual selector kinds.
const (
	KindTag   SelectorKind = "tag"
	KindClass SelectorKind = "class"
	KindID    SelectorKind = "id"
	KindAttr  SelectorKind = "attr"
)

// ManualSelector builds a selector from a kind and a bare value, e.g.
// ("class", "byline") gives ".byline".
func ManualSelector(kind SelectorKind, value string) (string, error) {
	value = strings.TrimSpace(value)
	var sel string
	switch kind {
	case KindTag:
		sel = strings.ToLower(value)
	case KindClass:
		sel = "." + strings.TrimPrefix(value, ".")
	case KindID:
		sel = "#" + strings.TrimPrefix(value, "#")
	case KindAttr:
		sel = "[" + strings.TrimSuffix(strings.TrimPrefix(value, "["), "]") + "]"
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSelector, kind)
	}
	if err := ValidateSelector(sel); err != nil {
		return "", err
	}
	return sel, nil
}

// RuleWriter edits the hide-list of a source.
type RuleWriter interface {
	AddHiddenElement(ctx context.Context, sourceID, selector string) error
	RemoveHiddenElement(ctx context.Context, sourceID, selector string) error
}

// Publisher announces named events.
type Publisher interface {
	Publish(name string)
}

// SetHidden adds selector to, or removes it from, the hide-list of sourceID
// and announces the change.
func SetHidden(ctx context.Context, rules RuleWriter, pub Publisher, sourceID, selector string, hidden bool) error {
	if hidden {
		if err := ValidateSelector(selector); err != nil {
			return err
		}
		if err := rules.AddHiddenElement(ctx, sourceID, selector); err != nil {
			return fmt.Errorf("hide element: %w", err)
		}
	} else {
		if err := rules.RemoveHiddenElement(ctx, sourceID, selector); err != nil {
			return fmt.Errorf("unhide element: %w", err)
		}
	}
	if pub != nil {
		pub.Publish(event.FilterUpdated)
	}
	return nil
}
