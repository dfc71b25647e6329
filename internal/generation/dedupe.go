package generation

import (
	"strings"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

// overlapThreshold is the token-intersection ratio above which fresh content
// counts as an echo of a recent post.
const overlapThreshold = 0.7

// recentPostWindow is how many of the thread's newest posts fresh content is
// compared against.
const recentPostWindow = 2

// duplicateReason reports why content echoes one of the thread's recent
// posts, or "" when it reads as fresh. The overlap ratio divides the shared
// token count by the smaller post's vocabulary so a short echo of a long
// post still registers.
func duplicateReason(content string, recent []model.Post) string {
	fresh := strings.TrimSpace(content)
	if fresh == "" {
		return ""
	}
	freshTokens := tokenSet(fresh)

	for _, post := range recent {
		existing := strings.TrimSpace(post.Content)
		if existing == "" {
			continue
		}
		if existing == fresh {
			return "verbatim duplicate"
		}
		existingTokens := tokenSet(existing)
		smaller := min(len(freshTokens), len(existingTokens))
		if smaller == 0 {
			continue
		}
		if float64(intersectionSize(freshTokens, existingTokens))/float64(smaller) >= overlapThreshold {
			return "substantial overlap with recent post"
		}
	}
	return ""
}

func tokenSet(s string) map[string]struct{} {
	tokens := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func intersectionSize(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}
