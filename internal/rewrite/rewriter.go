package rewrite

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcpmate/marketproxy/internal/portal"
)

// Rewriter is the compiled rule pipeline for one portal. Rules run in
// order, each over the previous rule's output. Construction compiles the
// prefix-parameterized patterns, so reuse a Rewriter across requests.
type Rewriter struct {
	Portal portal.Portal
	rules  []Rule
}

// New compiles the pipeline for a portal: the three generic rules, then
// whichever hook rules the portal's adapter enables.
func New(p portal.Portal) *Rewriter {
	a := portal.AdapterFor(p.Adapter)
	rules := []Rule{NextAssetRule(p), AttrRule(p), CSSURLRule(p)}
	if a.HasHook(portal.HookInlineScripts) {
		rules = append(rules, InlineScriptRule(p))
	}
	if a.HasHook(portal.HookDataAttrs) {
		rules = append(rules, DataAttrRule(p))
	}
	if a.HasHook(portal.HookMetaTags) {
		rules = append(rules, MetaTagRule(p))
	}
	return &Rewriter{Portal: p, rules: rules}
}

// Rewrite runs the document through the pipeline.
func (rw *Rewriter) Rewrite(html string) string {
	for _, r := range rw.rules {
		html = r.Apply(html)
	}
	return html
}

// RuleNames lists the pipeline steps, for logging and tests.
func (rw *Rewriter) RuleNames() []string {
	names := make([]string, len(rw.rules))
	for i, r := range rw.rules {
		names[i] = r.Name
	}
	return names
}

// cacheKey captures everything rule compilation depends on.
type cacheKey struct {
	id        string
	proxyPath string
	adapter   string
}

// Cache memoizes compiled rewriters. Overrides can change a portal's
// prefix or adapter at runtime; the key covers exactly those inputs, so a
// stale entry can never be served after an override edit.
type Cache struct {
	rewriters *lru.Cache[cacheKey, *Rewriter]
}

// NewCache creates a rewriter cache holding up to size entries.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[cacheKey, *Rewriter](size)
	if err != nil {
		return nil, err
	}
	return &Cache{rewriters: c}, nil
}

// For returns the compiled rewriter for the portal, building it on miss.
func (c *Cache) For(p portal.Portal) *Rewriter {
	key := cacheKey{id: p.ID, proxyPath: p.ProxyPath, adapter: p.Adapter}
	if rw, ok := c.rewriters.Get(key); ok {
		return rw
	}
	rw := New(p)
	c.rewriters.Add(key, rw)
	return rw
}
