package rewrite

import "strings"

// HeadTag is the literal marker injection keys on, shared with the
// streaming transformer.
const HeadTag = "<head>"

const headClose = "</head>"

// Inject places the style and shim tags into the document: immediately
// after <head> when present, else immediately before </head>, else
// prepended to the whole document. Injection never fails, headless
// fragments included.
func Inject(html, style, script string) string {
	tags := style + script
	if tags == "" {
		return html
	}
	if idx := strings.Index(html, HeadTag); idx >= 0 {
		at := idx + len(HeadTag)
		return html[:at] + tags + html[at:]
	}
	if idx := strings.Index(html, headClose); idx >= 0 {
		return html[:idx] + tags + html[idx:]
	}
	return tags + html
}
