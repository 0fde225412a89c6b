// Package rewrite transforms portal HTML so that every in-page reference
// routes back through the local proxy prefix instead of escaping to the
// real origin. Rewriting is regex-based by choice: these are third-party
// pages consumed during development, and pattern matching on the handful
// of reference shapes they use beats dragging a full HTML parser into the
// hot path. All rules are idempotent; running a document through the
// pipeline twice yields the first pass's output.
package rewrite

import (
	"regexp"
	"strings"

	"github.com/mcpmate/marketproxy/internal/portal"
)

// Rule is one independently testable step of the rewrite pipeline.
type Rule struct {
	Name  string
	apply func(string) string
}

// Apply runs the rule over the document.
func (r Rule) Apply(html string) string {
	return r.apply(html)
}

var (
	attrRe     = regexp.MustCompile(`\b(?:href|src|action)=(?:"(/[^"]*)"|'(/[^']*)')`)
	cssURLRe   = regexp.MustCompile(`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^)'"\s]+))\s*\)`)
	dataAttrRe = regexp.MustCompile(`\bdata-[a-zA-Z0-9-]+=(?:"(/[^"]*)"|'(/[^']*)')`)
	metaURLRe  = regexp.MustCompile(`(?i)(<meta\s+(?:property|name)=["'](?:og:url|twitter:url)["']\s+content=)(["'])([^"']*)(["'])`)
	scriptRe   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	locationRe = regexp.MustCompile(`((?:window\.|document\.)?location\.(?:href|pathname))((?:\.replace\(\s*'[^']*'\s*,\s*''\s*\))?)`)
)

// alreadyProxied reports whether an absolute path already routes through
// the portal prefix. Every rule consults this before touching a value;
// it is what makes the pipeline safe to run over its own output.
func alreadyProxied(val, proxyPath, prefixNoSlash string) bool {
	return val == prefixNoSlash || strings.HasPrefix(val, proxyPath)
}

// NextAssetRule rewrites /_next/ asset references to the portal prefix.
// RE2 has no lookbehind, so the pattern optionally consumes the prefix in
// front of the match and the callback leaves those occurrences alone,
// which observes the same semantics.
func NextAssetRule(p portal.Portal) Rule {
	proxyPath := p.ProxyPath
	prefix := p.PrefixNoSlash()
	re := regexp.MustCompile(`(` + regexp.QuoteMeta(prefix) + `)?/_next/`)
	return Rule{
		Name: "next-assets",
		apply: func(html string) string {
			return re.ReplaceAllStringFunc(html, func(m string) string {
				if strings.HasPrefix(m, prefix) {
					return m
				}
				return proxyPath + "_next/"
			})
		},
	}
}

// AttrRule rewrites href/src/action attribute values that hold absolute
// paths, preserving the original quote character. Protocol-relative URLs
// (leading //) and values already under the prefix pass through.
func AttrRule(p portal.Portal) Rule {
	proxyPath := p.ProxyPath
	prefix := p.PrefixNoSlash()
	return Rule{
		Name: "attr-paths",
		apply: func(html string) string {
			return attrRe.ReplaceAllStringFunc(html, func(m string) string {
				return rewriteQuotedAttr(m, proxyPath, prefix)
			})
		},
	}
}

// rewriteQuotedAttr handles a matched name="value" token. RE2 cannot
// backreference the opening quote, so the value is carved out by hand.
func rewriteQuotedAttr(m, proxyPath, prefix string) string {
	eq := strings.IndexByte(m, '=')
	if eq < 0 || eq+2 >= len(m) {
		return m
	}
	quote := m[eq+1]
	val := m[eq+2 : len(m)-1]
	if strings.HasPrefix(val, "//") || alreadyProxied(val, proxyPath, prefix) {
		return m
	}
	return m[:eq+2] + proxyPath + val[1:] + string(quote)
}

// CSSURLRule rewrites absolute paths inside CSS url(...) tokens, keeping
// single, double, or absent quoting exactly as found.
func CSSURLRule(p portal.Portal) Rule {
	proxyPath := p.ProxyPath
	prefix := p.PrefixNoSlash()
	return Rule{
		Name: "css-urls",
		apply: func(html string) string {
			return cssURLRe.ReplaceAllStringFunc(html, func(m string) string {
				open := strings.IndexByte(m, '(')
				inner := m[open+1 : len(m)-1]
				core := strings.TrimSpace(inner)
				lead := inner[:strings.Index(inner, core)]
				trail := inner[strings.Index(inner, core)+len(core):]

				var quote string
				val := core
				if len(core) >= 2 && (core[0] == '\'' || core[0] == '"') && core[len(core)-1] == core[0] {
					quote = string(core[0])
					val = core[1 : len(core)-1]
				}
				if !strings.HasPrefix(val, "/") || strings.HasPrefix(val, "//") ||
					alreadyProxied(val, proxyPath, prefix) {
					return m
				}
				return m[:open+1] + lead + quote + proxyPath + val[1:] + quote + trail + ")"
			})
		},
	}
}

// InlineScriptRule patches inline <script> bodies that read the current
// location so that client-side routing compares against real paths: the
// proxy prefix is stripped back out before any comparison. External
// scripts (src=) are left alone.
func InlineScriptRule(p portal.Portal) Rule {
	prefix := p.PrefixNoSlash()
	suffix := ".replace('" + prefix + "', '')"
	return Rule{
		Name: "inline-scripts",
		apply: func(html string) string {
			return scriptRe.ReplaceAllStringFunc(html, func(m string) string {
				gt := strings.IndexByte(m, '>')
				if gt < 0 {
					return m
				}
				attrs := strings.ToLower(m[:gt])
				if strings.Contains(attrs, "src=") {
					return m
				}
				body := m[gt+1 : len(m)-len("</script>")]
				patched := locationRe.ReplaceAllStringFunc(body, func(lm string) string {
					if strings.Contains(lm, ".replace(") {
						return lm
					}
					return lm + suffix
				})
				return m[:gt+1] + patched + m[len(m)-len("</script>"):]
			})
		},
	}
}

// DataAttrRule rewrites data-* attribute values that hold absolute paths,
// same contract as AttrRule.
func DataAttrRule(p portal.Portal) Rule {
	proxyPath := p.ProxyPath
	prefix := p.PrefixNoSlash()
	return Rule{
		Name: "data-attrs",
		apply: func(html string) string {
			return dataAttrRe.ReplaceAllStringFunc(html, func(m string) string {
				return rewriteQuotedAttr(m, proxyPath, prefix)
			})
		},
	}
}

// MetaTagRule rewrites og:url / twitter:url meta content values that hold
// absolute paths. Full URLs are left untouched.
func MetaTagRule(p portal.Portal) Rule {
	proxyPath := p.ProxyPath
	prefix := p.PrefixNoSlash()
	return Rule{
		Name: "meta-tags",
		apply: func(html string) string {
			return metaURLRe.ReplaceAllStringFunc(html, func(m string) string {
				sm := metaURLRe.FindStringSubmatch(m)
				if sm == nil {
					return m
				}
				val := sm[3]
				if !strings.HasPrefix(val, "/") || strings.HasPrefix(val, "//") ||
					alreadyProxied(val, proxyPath, prefix) {
					return m
				}
				return sm[1] + sm[2] + proxyPath + val[1:] + sm[4]
			})
		},
	}
}
