package utils

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// HTMLSanitizer cleans mail HTML before it is stored or sent.
type HTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer returns a sanitizer whose policy keeps the markup mail
// clients commonly produce and drops scripts, forms and event handlers.
func NewHTMLSanitizer() *HTMLSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "del", "small", "sub", "sup", "font", "center")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("p", "br", "hr", "div", "span")
	p.AllowElements("ul", "ol", "li", "dl", "dt", "dd")
	p.AllowElements("blockquote", "code", "pre")

	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption", "colgroup", "col")
	p.AllowAttrs("colspan", "rowspan", "align", "valign", "width").OnElements("td", "th", "col")
	p.AllowAttrs("border", "cellpadding", "cellspacing", "width", "align").OnElements("table")

	p.AllowElements("img")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowURLSchemes("http", "https", "cid", "mailto")

	p.AllowElements("a")
	p.AllowAttrs("href", "title").OnElements("a")
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	p.AllowAttrs("class", "id").Matching(bluemonday.SpaceSeparatedTokens).Globally()
	p.AllowAttrs("color", "face", "size").OnElements("font")
	p.AllowAttrs("dir").Matching(bluemonday.Direction).Globally()

	return &HTMLSanitizer{policy: p}
}

// Sanitize returns html with every disallowed element and attribute removed.
func (s *HTMLSanitizer) Sanitize(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	return s.policy.Sanitize(html)
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// MarkdownToHTML renders an agent-written markdown reply. Raw HTML inside the
// markdown is escaped by the renderer.
func MarkdownToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
