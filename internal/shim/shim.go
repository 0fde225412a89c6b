// Package shim loads the style sheet and shim script injected into every
// proxied portal page. The script is a template rendered per portal with
// a JSON config object inlined, so the in-page shim knows which prefix
// and origin it is running under.
package shim

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/logging"
	"github.com/mcpmate/marketproxy/internal/portal"
)

const (
	// StyleFile is injected verbatim inside a <style> tag.
	StyleFile = "style.css"
	// ShimFile is a text/template rendered per portal inside a <script> tag.
	ShimFile = "shim.js.tmpl"

	snippetCacheSize = 32
)

// Snippet holds the two ready-to-splice tags for one portal.
type Snippet struct {
	Style  string
	Script string
}

// Tags returns the concatenated injection payload.
func (s Snippet) Tags() string {
	return s.Style + s.Script
}

// Source reads and renders the injected assets. With caching on (release
// builds) a rendered snippet is reused per portal identity; with caching
// off (dev builds) every request re-reads the files so edits show up on
// the next reload.
type Source struct {
	dir      string
	cache    bool
	snippets *lru.Cache[string, Snippet]
}

// NewSource creates a snippet source over the given assets directory.
func NewSource(dir string, cache bool) (*Source, error) {
	snippets, err := lru.New[string, Snippet](snippetCacheSize)
	if err != nil {
		return nil, err
	}
	return &Source{dir: dir, cache: cache, snippets: snippets}, nil
}

// For returns the injection snippet for a portal. Asset read or template
// failures degrade to empty tag contents; the page always loads, at worst
// without the shim.
func (s *Source) For(p portal.Portal) Snippet {
	key := p.ID + "\x00" + p.ProxyPath + "\x00" + p.RemoteOrigin + "\x00" + p.Adapter
	if s.cache {
		if snip, ok := s.snippets.Get(key); ok {
			return snip
		}
	}

	snip := Snippet{
		Style:  "<style>" + s.readAsset(StyleFile) + "</style>",
		Script: "<script>" + s.renderScript(p) + "</script>",
	}
	if s.cache {
		s.snippets.Add(key, snip)
	}
	return snip
}

func (s *Source) readAsset(name string) string {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		logging.Warn("Shim asset unreadable, injecting empty content",
			zap.String("asset", name),
			zap.Error(err),
		)
		return ""
	}
	return string(data)
}

func (s *Source) renderScript(p portal.Portal) string {
	text := s.readAsset(ShimFile)
	if text == "" {
		return ""
	}

	tmpl, err := template.New(ShimFile).Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		logging.Warn("Shim template failed to parse, injecting empty content",
			zap.String("asset", ShimFile),
			zap.Error(err),
		)
		return ""
	}

	data := map[string]any{
		"Config": map[string]any{
			"portalId":     p.ID,
			"prefix":       p.ProxyPath,
			"remoteOrigin": p.RemoteOrigin,
			"adapter":      p.Adapter,
		},
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logging.Warn("Shim template failed to render, injecting empty content",
			zap.String("asset", ShimFile),
			zap.String("portal", p.ID),
			zap.Error(err),
		)
		return ""
	}
	return buf.String()
}
