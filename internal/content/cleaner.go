// Package content reduces article pages to their main content and makes
// the result safe to display.
package content

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/go-shiori/dom"
	"golang.org/x/net/html"
)

const imageStyle = "max-width:100%;height:auto;display:block;margin:1rem auto"

var frameworkAttrPrefixes = []string{
	"@click", "@change", "@input", "@submit",
	"v-", "ng-", ":class", ":style", ":src", ":href", ":alt", ":id", "x-", "data-v-",
	"[(ngmodel)]", "[ngclass]", "[ngstyle]",
	"(click)", "(change)", "(input)", "(submit)",
}

var blockList = []string{
	"script", "style", "iframe", "noscript",
	`[class*="cookie"]`, `[class*="popup"]`, `[class*="newsletter"]`, `[class*="ad-"]`, `[class*="advertisement"]`,
	`[id*="cookie"]`, `[id*="popup"]`, `[id*="newsletter"]`, `[id*="ad-"]`,
	"header", "footer", "nav",
	".nav", ".header", ".footer", ".social", ".share", ".comments", ".related", ".sidebar",
}

var imageSourceAttrs = []string{"src", "data-src", "data-lazy-src", "data-original", "data-srcset"}

// Cleaner strips page chrome and normalizes media and link URLs.
type Cleaner struct {
	log       *slog.Logger
	blockList []cascadia.Selector
}

// NewCleaner compiles the block-list. Selectors that fail to compile are skipped.
func NewCleaner(log *slog.Logger) *Cleaner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cleaner{log: log}
	for _, s := range blockList {
		sel, err := cascadia.Compile(s)
		if err != nil {
			log.Debug("skip block-list selector", "selector", s, "error", err)
			continue
		}
		c.blockList = append(c.blockList, sel)
	}
	return c
}

// CleanHTML parses raw and cleans it.
func (c *Cleaner) CleanHTML(raw string, base *url.URL) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return c.Clean(doc, base), nil
}

// Clean returns a cleaned copy of doc. The input document is left untouched.
// Relative image and link URLs are resolved against base when it is set.
func (c *Cleaner) Clean(doc *goquery.Document, base *url.URL) *goquery.Document {
	out := cloneDocument(doc)
	if base != nil {
		out.Url = base
	}

	out.Find("*").Each(func(_ int, s *goquery.Selection) {
		c.guard(s, func() { stripFrameworkAttrs(s.Get(0)) })
	})

	for _, sel := range c.blockList {
		out.FindMatcher(sel).Remove()
	}

	out.Find("img").Each(func(_ int, s *goquery.Selection) {
		c.guard(s, func() { normalizeImage(s, base) })
	})

	out.Find("a").Each(func(_ int, s *goquery.Selection) {
		c.guard(s, func() { normalizeAnchor(s, base) })
	})

	return out
}

// guard runs fn and removes the element if fn panics.
func (c *Cleaner) guard(s *goquery.Selection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("drop element after cleaning failure", "tag", goquery.NodeName(s), "panic", r)
			s.Remove()
		}
	}()
	fn()
}

func cloneDocument(doc *goquery.Document) *goquery.Document {
	if doc == nil || len(doc.Nodes) == 0 {
		empty, _ := goquery.NewDocumentFromReader(strings.NewReader(""))
		return empty
	}
	out := goquery.NewDocumentFromNode(dom.Clone(doc.Nodes[0], true))
	out.Url = doc.Url
	return out
}

func stripFrameworkAttrs(n *html.Node) {
	if n == nil || n.Type != html.ElementNode {
		return
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if !isFrameworkAttr(a.Key) {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func isFrameworkAttr(name string) bool {
	name = strings.ToLower(name)
	for _, p := range frameworkAttrPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func normalizeImage(s *goquery.Selection, base *url.URL) {
	src := imageSource(s)
	if src == "" {
		s.Remove()
		return
	}

	resolved, ok := resolveURL(src, base)
	if !ok {
		s.Remove()
		return
	}

	n := s.Get(0)
	n.Attr = []html.Attribute{
		{Key: "src", Val: resolved},
		{Key: "loading", Val: "lazy"},
		{Key: "decoding", Val: "async"},
		{Key: "style", Val: imageStyle},
	}
}

func imageSource(s *goquery.Selection) string {
	for _, attr := range imageSourceAttrs {
		v := strings.TrimSpace(s.AttrOr(attr, ""))
		if v == "" {
			continue
		}
		if attr == "data-srcset" {
			v = firstSrcsetURL(v)
			if v == "" {
				continue
			}
		}
		return v
	}
	return ""
}

func firstSrcsetURL(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// resolveURL makes ref absolute. data: URIs are returned as they are.
func resolveURL(ref string, base *url.URL) (string, bool) {
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		return ref, true
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.IsAbs() {
		return u.String(), true
	}
	if base == nil || !base.IsAbs() {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}

func normalizeAnchor(s *goquery.Selection, base *url.URL) {
	href, hasHref := s.Attr("href")
	class, hasClass := s.Attr("class")

	var attrs []html.Attribute
	if hasHref {
		href = strings.TrimSpace(href)
		if href != "" && !strings.HasPrefix(href, "http") && !strings.HasPrefix(href, "#") {
			if resolved, ok := resolveURL(href, base); ok {
				href = resolved
			}
		}
		attrs = append(attrs, html.Attribute{Key: "href", Val: href})
	}
	if hasClass {
		attrs = append(attrs, html.Attribute{Key: "class", Val: class})
	}
	s.Get(0).Attr = attrs
}
