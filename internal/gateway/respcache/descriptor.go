package respcache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Descriptor is the canonical form of an upstream request used for cache key
// generation. Body stays empty for GET requests so identical navigations hash
// identically.
type Descriptor struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Hash computes a deterministic FNV-1a hash of the descriptor. Headers are
// sorted by name; the excludeHeaders list drops per-session headers such as
// correlation IDs from the canonical form. The canonical layout is
// method|url|header:value|...|body.
func (d Descriptor) Hash(excludeHeaders ...string) string {
	h := fnv.New64a()

	exclude := make(map[string]bool, len(excludeHeaders))
	for _, name := range excludeHeaders {
		exclude[strings.ToLower(name)] = true
	}

	_, _ = h.Write([]byte(d.Method))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.URL))
	_, _ = h.Write([]byte("|"))

	if len(d.Headers) > 0 {
		keys := make([]string, 0, len(d.Headers))
		for k := range d.Headers {
			if exclude[strings.ToLower(k)] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%s", k, d.Headers[k]))
		}
		_, _ = h.Write([]byte(strings.Join(parts, "|")))
	}
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.Body))

	return fmt.Sprintf("%016x", h.Sum64())
}

// Key builds the full cache key for a response within a cache generation.
func Key(version, hash string) string {
	return fmt.Sprintf("aquaedge:resp:%s:%s", version, hash)
}

// VersionPrefix returns the key prefix covering one generation.
func VersionPrefix(version string) string {
	return fmt.Sprintf("aquaedge:resp:%s:", version)
}

// BasePrefix is the prefix shared by every generation.
const BasePrefix = "aquaedge:resp:"
