package content

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultProminentWidth is the width above which an image counts as prominent.
const DefaultProminentWidth = 300

var styleWidth = regexp.MustCompile(`(?i)(?:^|;)\s*width\s*:\s*(\d+(?:\.\d+)?)px`)

// FirstImage returns the src of the first image in fragment, or "".
func FirstImage(fragment string) string {
	if !strings.Contains(strings.ToLower(fragment), "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}

// HasProminentImage reports whether the first image of fragment is wider than minWidth.
// An image without a declared width is not prominent.
func HasProminentImage(fragment string, minWidth int) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return false
	}
	img := doc.Find("img").First()
	if img.Length() == 0 {
		return false
	}
	w, ok := declaredWidth(img)
	return ok && w > float64(minWidth)
}

func declaredWidth(img *goquery.Selection) (float64, bool) {
	if v, ok := img.Attr("width"); ok {
		v = strings.TrimSuffix(strings.TrimSpace(v), "px")
		if w, err := strconv.ParseFloat(v, 64); err == nil {
			return w, true
		}
	}
	if m := styleWidth.FindStringSubmatch(img.AttrOr("style", "")); m != nil {
		if w, err := strconv.ParseFloat(m[1], 64); err == nil {
			return w, true
		}
	}
	return 0, false
}

// MergeLeadImage prepends leadImage to content unless content already opens
// with a prominent image or already shows the same picture.
func MergeLeadImage(content, leadImage string, minWidth int) string {
	leadImage = strings.TrimSpace(leadImage)
	if leadImage == "" {
		return content
	}
	if HasProminentImage(content, minWidth) || containsImage(content, leadImage) {
		return content
	}
	return `<img src="` + html.EscapeString(leadImage) + `" class="lead-image" loading="lazy" decoding="async">` + content
}

func containsImage(fragment, src string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return false
	}
	found := false
	doc.Find("img[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = s.AttrOr("src", "") == src
		return !found
	})
	return found
}
