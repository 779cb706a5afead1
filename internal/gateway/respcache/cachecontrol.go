package respcache

import (
	"strconv"
	"strings"
	"time"
)

// CacheControlDirective holds the parsed Cache-Control directives of an
// upstream response that matter for storage decisions.
type CacheControlDirective struct {
	MaxAge  *int
	SMaxAge *int
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header value. Unknown directives
// are ignored.
func ParseCacheControl(header string) CacheControlDirective {
	directive := CacheControlDirective{}
	if header == "" {
		return directive
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			key := strings.TrimSpace(strings.ToLower(kv[0]))
			value := strings.TrimSpace(kv[1])
			switch key {
			case "max-age":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.MaxAge = &seconds
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.SMaxAge = &seconds
				}
			}
			continue
		}
		switch strings.ToLower(part) {
		case "no-cache":
			directive.NoCache = true
		case "no-store":
			directive.NoStore = true
		case "private":
			directive.Private = true
		}
	}
	return directive
}

// TTL derives the storage TTL from the directive. no-cache, no-store and
// private yield zero; s-maxage wins over max-age; a nil return means no
// directive applied and the configured TTL should be used.
func (d CacheControlDirective) TTL() *time.Duration {
	if d.NoCache || d.NoStore || d.Private {
		zero := time.Duration(0)
		return &zero
	}
	if d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}
	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}
	return nil
}
