package content

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Elements whose children the renderer writes verbatim are dropped together
// with the active ones.
const forbiddenTags = "script, style, iframe, object, embed, noscript, xmp, noembed, noframes, plaintext, template, link, meta, base, frame, frameset"

var allowedAttrs = map[string]struct{}{
	"src":      {},
	"alt":      {},
	"loading":  {},
	"decoding": {},
	"style":    {},
	"controls": {},
	"href":     {},
	"target":   {},
	"class":    {},
	"id":       {},
}

// Sanitize reduces an HTML fragment to an allow-list of attributes and
// removes active content. The result is the inner HTML of the fragment body.
func Sanitize(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}

	body := doc.Find("body")
	body.Find(forbiddenTags).Remove()

	for _, n := range body.Nodes {
		sanitizeNode(n)
	}

	out, err := body.Html()
	if err != nil {
		return ""
	}
	return out
}

func sanitizeNode(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch c.Type {
		case html.CommentNode, html.DoctypeNode:
			n.RemoveChild(c)
		case html.ElementNode:
			if !validTagName(c.Data) {
				n.RemoveChild(c)
				break
			}
			c.Attr = allowedAttributes(c.Attr)
			sanitizeNode(c)
		}
		c = next
	}
}

func allowedAttributes(attrs []html.Attribute) []html.Attribute {
	kept := make([]html.Attribute, 0, len(attrs))
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if a.Namespace != "" {
			continue
		}
		if _, ok := allowedAttrs[key]; !ok {
			continue
		}
		switch key {
		case "href", "src":
			if isScriptURL(a.Val) {
				continue
			}
		case "style":
			v := strings.ToLower(a.Val)
			if strings.Contains(v, "expression(") || strings.Contains(v, "javascript:") {
				continue
			}
		}
		kept = append(kept, html.Attribute{Key: key, Val: a.Val})
	}
	return kept
}

// validTagName rejects names the tokenizer accepted from malformed markup,
// such as "scr<script".
func validTagName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != ':' {
			return false
		}
	}
	return true
}

func isScriptURL(v string) bool {
	var b strings.Builder
	for _, r := range v {
		if r <= ' ' {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.ToLower(b.String())
	return strings.HasPrefix(s, "javascript:") || strings.HasPrefix(s, "vbscript:")
}
