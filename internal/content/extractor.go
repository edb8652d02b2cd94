package content

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"rss_reader/internal/model"
)

// ErrExtraction is returned when a document has no body to fall back to.
var ErrExtraction = errors.New("extraction failed")

// Extractor isolates the main article content of a cleaned document.
type Extractor struct {
	// CharThreshold is the minimum text length readability accepts.
	CharThreshold int
	// KeepClasses lists classes readability must not strip from media elements.
	KeepClasses []string

	log *slog.Logger
}

// NewExtractor creates an Extractor that keeps media-bearing elements.
func NewExtractor(log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Extractor{
		KeepClasses: []string{"image", "img", "figure", "video"},
		log:         log,
	}
}

// Extract runs readability over doc. When readability yields nothing the
// whole body is returned instead. Content is always sanitized.
func (e *Extractor) Extract(doc *goquery.Document, sourceURL string) (model.ExtractedArticle, error) {
	if doc == nil || len(doc.Nodes) == 0 {
		return model.ExtractedArticle{}, fmt.Errorf("extract %s: %w", sourceURL, ErrExtraction)
	}

	article, err := e.readability(doc, sourceURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		article.Content = Sanitize(article.Content)
		return article, nil
	}

	e.log.Info("readability gave no result, using document body", "url", sourceURL, "error", err)
	return e.fallback(doc, sourceURL)
}

func (e *Extractor) readability(doc *goquery.Document, sourceURL string) (article model.ExtractedArticle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("readability panic: %v", r)
		}
	}()

	pageURL, err := url.Parse(sourceURL)
	if err != nil {
		return article, fmt.Errorf("parse source url: %w", err)
	}

	parser := readability.NewParser()
	parser.CharThresholds = e.CharThreshold
	parser.KeepClasses = true
	parser.ClassesToPreserve = e.KeepClasses

	res, err := parser.ParseDocument(doc.Nodes[0], pageURL)
	if err != nil {
		return article, fmt.Errorf("readability: %w", err)
	}

	return model.ExtractedArticle{
		Title:   strings.TrimSpace(res.Title),
		Content: res.Content,
		Excerpt: strings.TrimSpace(res.Excerpt),
		Byline:  strings.TrimSpace(res.Byline),
	}, nil
}

func (e *Extractor) fallback(doc *goquery.Document, sourceURL string) (model.ExtractedArticle, error) {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return model.ExtractedArticle{}, fmt.Errorf("extract %s: %w", sourceURL, ErrExtraction)
	}

	inner, err := body.Html()
	if err != nil {
		return model.ExtractedArticle{}, fmt.Errorf("extract %s: %w", sourceURL, errors.Join(ErrExtraction, err))
	}

	return model.ExtractedArticle{
		Title:   strings.TrimSpace(doc.Find("title").First().Text()),
		Content: Sanitize(inner),
		Excerpt: strings.TrimSpace(doc.Find(`meta[name="description"]`).First().AttrOr("content", "")),
	}, nil
}
