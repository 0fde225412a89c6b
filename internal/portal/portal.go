// Package portal defines the market portal table: which third-party
// marketplace sites the proxy knows about, how their local path prefixes
// map to remote origins, and which transform behavior each one needs.
package portal

import (
	"fmt"
	"strings"
)

// Portal is a portal's static identity and routing metadata.
type Portal struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	RemoteOrigin string `json:"remoteOrigin"`
	ProxyPath    string `json:"proxyPath"`
	Adapter      string `json:"adapter"`
	Favicon      string `json:"favicon,omitempty"`
	ProxyFavicon string `json:"proxyFavicon,omitempty"`
}

// PrefixNoSlash returns ProxyPath without its trailing slash, used for
// loose matching of requests like GET /market-proxy/mcpmarket.
func (p Portal) PrefixNoSlash() string {
	return strings.TrimSuffix(p.ProxyPath, "/")
}

// NormalizeProxyPath guarantees exactly one trailing slash.
func NormalizeProxyPath(path string) string {
	return strings.TrimRight(path, "/") + "/"
}

// Hook names an optional rewrite behavior an adapter can enable.
type Hook string

const (
	HookInlineScripts Hook = "patch-inline-scripts"
	HookDataAttrs     Hook = "patch-data-attrs"
	HookMetaTags      Hook = "patch-meta-tags"
)

// Adapter describes the transform capabilities behind an adapter tag.
// Portal quirks live here, not in id comparisons inside the rewriter.
type Adapter struct {
	Tag       string
	Streaming bool
	Hooks     []Hook
}

// HasHook reports whether the adapter enables the given hook.
func (a Adapter) HasHook(h Hook) bool {
	for _, hook := range a.Hooks {
		if hook == h {
			return true
		}
	}
	return false
}

var ssrHooks = []Hook{HookInlineScripts, HookDataAttrs, HookMetaTags}

// adapters maps adapter tags to capabilities. Tags unknown to this table
// behave as "generic": buffered rewriting, no extra hooks.
var adapters = map[string]Adapter{
	"generic":   {Tag: "generic"},
	"mcpmarket": {Tag: "mcpmarket"},
	"mcpso":     {Tag: "mcpso", Streaming: true, Hooks: ssrHooks},
	"nextssr":   {Tag: "nextssr", Streaming: true, Hooks: ssrHooks},
}

// AdapterFor resolves an adapter tag, falling back to generic.
func AdapterFor(tag string) Adapter {
	if a, ok := adapters[tag]; ok {
		return a
	}
	a := adapters["generic"]
	a.Tag = tag
	return a
}

// builtinPortals is the canonical portal table. Overrides can adjust
// fields of these entries but can never introduce new ids.
var builtinPortals = []Portal{
	{
		ID:           "mcpmarket",
		Label:        "MCP Market",
		RemoteOrigin: "https://mcpmarket.cn",
		ProxyPath:    "/market-proxy/mcpmarket/",
		Adapter:      "mcpmarket",
		Favicon:      "https://mcpmarket.cn/favicon.ico",
		ProxyFavicon: "/market-proxy/mcpmarket/favicon.ico",
	},
	{
		ID:           "mcpso",
		Label:        "MCP.so",
		RemoteOrigin: "https://mcp.so",
		ProxyPath:    "/market-proxy/mcpso/",
		Adapter:      "mcpso",
		Favicon:      "https://mcp.so/favicon.ico",
		ProxyFavicon: "/market-proxy/mcpso/favicon.ico",
	},
}

// Builtins returns a copy of the built-in portal table.
func Builtins() []Portal {
	out := make([]Portal, len(builtinPortals))
	copy(out, builtinPortals)
	return out
}

// validate checks the structural invariants of a portal table: proxy paths
// normalized, unique, and never the bare root.
func validate(portals []Portal) error {
	seenPath := make(map[string]string, len(portals))
	seenID := make(map[string]bool, len(portals))
	for _, p := range portals {
		if p.ID == "" {
			return fmt.Errorf("portal with empty id")
		}
		if seenID[p.ID] {
			return fmt.Errorf("duplicate portal id %q", p.ID)
		}
		seenID[p.ID] = true
		if p.ProxyPath != NormalizeProxyPath(p.ProxyPath) {
			return fmt.Errorf("portal %q: proxy path %q is not normalized", p.ID, p.ProxyPath)
		}
		if p.ProxyPath == "/" {
			return fmt.Errorf("portal %q: proxy path must be a distinguishing sub-path", p.ID)
		}
		if prev, dup := seenPath[p.ProxyPath]; dup {
			return fmt.Errorf("portal %q: proxy path %q already used by %q", p.ID, p.ProxyPath, prev)
		}
		seenPath[p.ProxyPath] = p.ID
		if p.RemoteOrigin == "" {
			return fmt.Errorf("portal %q: missing remote origin", p.ID)
		}
	}
	return nil
}
