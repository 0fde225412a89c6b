package portal

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// snapshotCacheSize bounds how many merged tables are kept. Override
// documents change rarely, so a handful of entries covers edit churn.
const snapshotCacheSize = 16

// Snapshot is an immutable view of the merged portal table. Request
// handling reads one snapshot for its whole lifetime; override changes
// produce a new snapshot rather than mutating an existing one.
type Snapshot struct {
	Portals     map[string]Portal
	Ordered     []Portal
	Fingerprint uint64
}

// Lookup returns the portal with the given id.
func (s *Snapshot) Lookup(id string) (Portal, bool) {
	p, ok := s.Portals[id]
	return p, ok
}

// MatchPath finds the portal owning the request path and the remainder to
// resolve against its remote origin. The remainder keeps its leading slash
// and defaults to "/" when the path names the prefix itself, with or
// without the trailing slash.
func (s *Snapshot) MatchPath(path string) (Portal, string, bool) {
	for _, p := range s.Ordered {
		if path == p.ProxyPath || path == p.PrefixNoSlash() {
			return p, "/", true
		}
		if strings.HasPrefix(path, p.ProxyPath) {
			return p, path[len(p.ProxyPath)-1:], true
		}
	}
	return Portal{}, "", false
}

// UnderProxyPrefix reports whether the path already falls under any
// registered portal prefix.
func (s *Snapshot) UnderProxyPrefix(path string) bool {
	for _, p := range s.Ordered {
		if strings.HasPrefix(path, p.ProxyPath) || path == p.PrefixNoSlash() {
			return true
		}
	}
	return false
}

// ByReferer infers the portal a request originated from by scanning the
// Referer value for a registered prefix. First registered portal wins.
// Best-effort: when several portal tabs share navigation history the
// guess can land on the wrong portal.
func (s *Snapshot) ByReferer(referer string) (Portal, bool) {
	if referer == "" {
		return Portal{}, false
	}
	for _, p := range s.Ordered {
		if strings.Contains(referer, p.ProxyPath) || strings.Contains(referer, p.PrefixNoSlash()) {
			return p, true
		}
	}
	return Portal{}, false
}

// Registry produces merged snapshots of the portal table. Merging is a
// pure function of (builtins, override document); the registry only adds
// memoization keyed by the override fingerprint.
type Registry struct {
	builtins []Portal
	cache    *lru.Cache[uint64, *Snapshot]
}

// NewRegistry validates the built-in table and prepares the snapshot cache.
func NewRegistry(builtins []Portal) (*Registry, error) {
	if err := validate(builtins); err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, *Snapshot](snapshotCacheSize)
	if err != nil {
		return nil, err
	}
	owned := make([]Portal, len(builtins))
	copy(owned, builtins)
	return &Registry{builtins: owned, cache: cache}, nil
}

// Snapshot merges the override document over the built-ins, memoized per
// document fingerprint.
func (r *Registry) Snapshot(overrides []byte) *Snapshot {
	fp := Fingerprint(overrides)
	if snap, ok := r.cache.Get(fp); ok {
		return snap
	}
	merged := Merge(r.builtins, overrides)
	ordered := make([]Portal, 0, len(r.builtins))
	for _, p := range r.builtins {
		ordered = append(ordered, merged[p.ID])
	}
	snap := &Snapshot{Portals: merged, Ordered: ordered, Fingerprint: fp}
	r.cache.Add(fp, snap)
	return snap
}
