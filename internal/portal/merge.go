package portal

import (
	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
)

// Merge overlays a JSON override document onto the built-in portal table
// and returns a fresh map keyed by portal id. The result shares nothing
// with the input slice, so callers may memoize it per override identity.
//
// Override entries are keyed by portal id. Entries whose id does not name
// a built-in portal are ignored: arbitrary origins cannot be smuggled in
// through the override store. Only fields present in the document are
// applied; id is forced back to the entry key and the proxy path is
// re-normalized after merge. Malformed entries degrade to the built-in
// definition.
func Merge(builtins []Portal, overrides []byte) map[string]Portal {
	merged := make(map[string]Portal, len(builtins))
	for _, p := range builtins {
		merged[p.ID] = p
	}
	if len(overrides) == 0 {
		return merged
	}

	doc := gjson.ParseBytes(overrides)
	if !doc.IsObject() {
		return merged
	}

	doc.ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		base, known := merged[id]
		if !known || !value.IsObject() {
			return true
		}
		applyString(value, "label", &base.Label)
		applyString(value, "remoteOrigin", &base.RemoteOrigin)
		applyString(value, "adapter", &base.Adapter)
		applyString(value, "favicon", &base.Favicon)
		applyString(value, "proxyFavicon", &base.ProxyFavicon)
		if v := value.Get("proxyPath"); v.Exists() && v.Type == gjson.String {
			if norm := NormalizeProxyPath(v.String()); norm != "/" {
				base.ProxyPath = norm
			}
		}
		base.ID = id
		merged[id] = base
		return true
	})
	return merged
}

// UnknownIDs lists override entry keys that name no built-in portal. Merge
// ignores them; callers can surface the mismatch to the operator.
func UnknownIDs(builtins []Portal, overrides []byte) []string {
	if len(overrides) == 0 {
		return nil
	}
	known := make(map[string]bool, len(builtins))
	for _, p := range builtins {
		known[p.ID] = true
	}
	doc := gjson.ParseBytes(overrides)
	if !doc.IsObject() {
		return nil
	}
	var unknown []string
	doc.ForEach(func(key, _ gjson.Result) bool {
		if !known[key.String()] {
			unknown = append(unknown, key.String())
		}
		return true
	})
	return unknown
}

func applyString(entry gjson.Result, field string, dst *string) {
	if v := entry.Get(field); v.Exists() && v.Type == gjson.String {
		*dst = v.String()
	}
}

// Fingerprint identifies an override document snapshot. Merged tables are
// memoized under it.
func Fingerprint(overrides []byte) uint64 {
	return xxhash.Sum64(overrides)
}
