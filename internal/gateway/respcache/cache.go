// Package respcache stores upstream HTTP responses for the edge gateway.
// Entries are keyed by a versioned prefix so a configuration reload can
// install a fresh generation and purge every older one in a single sweep.
package respcache

import (
	"context"
	"time"
)

// Entry is a cached upstream response. ExpiresAt marks when the entry turns
// stale, not when it disappears: stale entries stay retrievable indefinitely
// so the gateway can keep serving the last known response through an outage.
// Entries only leave the cache through an explicit delete (generation purge).
type Entry struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      []byte            `json:"body,omitempty"`
	StoredAt  time.Time         `json:"storedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Stale reports whether the entry should be revalidated against the upstream.
// A stale entry is still servable.
func (e Entry) Stale(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache is the response cache contract shared by the in-memory and redis
// backends.
type Cache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	// DeletePrefix removes every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	// DeleteExcept removes every entry whose key starts with prefix but
	// not with keep. Generation activation uses it to drop all superseded
	// generations while leaving the live one untouched.
	DeleteExcept(ctx context.Context, prefix, keep string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		Status:    in.Status,
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	if len(in.Body) > 0 {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
