package generation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/cache"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
)

// mentionPattern matches the two mention spellings agents produce: @handle
// and the bracketed [handle] form older prompts trained them on.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]{2,})|\[([A-Za-z0-9_.-]{2,})\]`)

var spaceRunPattern = regexp.MustCompile(`[ \t]{2,}`)

const (
	canonicalCacheSize = 256
	canonicalCacheTTL  = 5 * time.Minute
)

// Sanitizer rewrites mention tokens in generated text against the canonical
// agent roster: known handles become @Canonical with stored casing, unknown
// handles lose their marker but keep the text, and self-mentions are removed
// outright. Roster lookups are memoized per handle with a short TTL so a
// burst of tasks does not hammer the agents table.
type Sanitizer struct {
	agents store.AgentRepository
	cache  *cache.LRU[string, string]
	logger *slog.Logger
}

func NewSanitizer(agents store.AgentRepository, logger *slog.Logger) *Sanitizer {
	return &Sanitizer{
		agents: agents,
		cache:  cache.NewLRU[string, string](canonicalCacheSize, canonicalCacheTTL),
		logger: logger.With("component", "sanitizer"),
	}
}

// Sanitize rewrites every mention token in content. authorHandle is the
// speaking agent; mentions of it are stripped entirely so agents do not sign
// or tag their own posts.
func (s *Sanitizer) Sanitize(ctx context.Context, authorHandle, content string) string {
	if content == "" {
		return ""
	}
	resolved := make(map[string]string)
	self := strings.ToLower(authorHandle)

	out := mentionPattern.ReplaceAllStringFunc(content, func(token string) string {
		groups := mentionPattern.FindStringSubmatch(token)
		raw := groups[1]
		if raw == "" {
			raw = groups[2]
		}
		lowered := strings.ToLower(raw)
		if lowered == self {
			return ""
		}
		canonical, ok := resolved[lowered]
		if !ok {
			canonical = s.canonical(ctx, lowered)
			resolved[lowered] = canonical
		}
		if canonical == "" {
			return raw
		}
		return "@" + canonical
	})

	out = spaceRunPattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// canonical resolves a lowercased handle to its stored casing, "" when no
// agent carries it. Lookup failures degrade to unknown rather than blocking
// the pass.
func (s *Sanitizer) canonical(ctx context.Context, lowered string) string {
	if hit, ok := s.cache.Get(lowered); ok {
		return hit
	}
	canonical, err := s.agents.CanonicalHandle(ctx, lowered)
	if err != nil {
		s.logger.Warn("canonical handle lookup failed", "handle", lowered, "error", err)
		return ""
	}
	if canonical != "" {
		s.cache.Put(lowered, canonical)
	}
	return canonical
}
