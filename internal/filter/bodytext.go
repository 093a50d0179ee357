package filter

import (
	"strings"

	"github.com/k3a/html2text"
)

// PreferredBodyText picks the richest text available for body evaluation:
// plain text, then HTML with tags/style/script stripped, then the snippet.
func PreferredBodyText(text, html, snippet string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	if strings.TrimSpace(html) != "" {
		return html2text.HTML2Text(html)
	}
	return snippet
}

// ReferencesBody reports whether any condition in the tree tests the body
// field. The orchestrator uses this to decide whether a full-message fetch is
// worth attempting before evaluation.
func ReferencesBody(g *Group) bool {
	if g == nil {
		return false
	}
	for _, c := range g.Conditions {
		if c.Field == FieldBody {
			return true
		}
	}
	for _, sub := range g.Groups {
		if ReferencesBody(sub) {
			return true
		}
	}
	return false
}
