package api

import (
	"github.com/microcosm-cc/bluemonday"
)

// htmlSanitizer cleans HTML message bodies before they leave the API and
// strips markup from user-supplied names that end up in scripts and logs.
type htmlSanitizer struct {
	body  *bluemonday.Policy
	strip *bluemonday.Policy
}

func newHTMLSanitizer() *htmlSanitizer {
	p := bluemonday.NewPolicy()

	// Common text formatting
	p.AllowElements("p", "br", "hr", "span", "div")
	p.AllowElements("b", "strong", "i", "em", "u", "s", "strike", "sub", "sup")
	p.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("ul", "ol", "li", "dl", "dt", "dd")
	p.AllowElements("blockquote", "pre", "code")

	// Tables are everywhere in marketing mail
	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption", "colgroup", "col")
	p.AllowAttrs("colspan", "rowspan", "align", "valign", "width", "height").OnElements("td", "th")
	p.AllowAttrs("width", "border", "cellpadding", "cellspacing", "align").OnElements("table")

	// Links, forced safe
	p.AllowElements("a")
	p.AllowAttrs("href", "title").OnElements("a")
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	// Images only from embedded content, never remote
	p.AllowElements("img")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowURLSchemes("data", "cid")

	// Limited inline styling
	p.AllowAttrs("style").Globally()
	p.AllowStyles(
		"color", "background-color", "background",
		"font-family", "font-size", "font-weight", "font-style",
		"text-align", "text-decoration",
		"margin", "margin-top", "margin-right", "margin-bottom", "margin-left",
		"padding", "padding-top", "padding-right", "padding-bottom", "padding-left",
		"border", "border-width", "border-style", "border-color",
		"width", "height", "max-width", "max-height",
		"display", "vertical-align",
	).Globally()

	return &htmlSanitizer{
		body:  p,
		strip: bluemonday.StrictPolicy(),
	}
}

// SanitizeHTML sanitizes HTML content for safe display
func (s *htmlSanitizer) SanitizeHTML(html string) string {
	if html == "" {
		return ""
	}
	return s.body.Sanitize(html)
}

// Strip removes all markup, leaving plain text
func (s *htmlSanitizer) Strip(text string) string {
	return s.strip.Sanitize(text)
}
