package generation

import (
	"fmt"
	"strings"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

// fallbackText derives deterministic filler for a task whose generation could
// not run, keeping placeholders readable until a real attempt lands. The text
// depends only on the task row and its subjects so retries refresh to the
// same content.
func fallbackText(tc *taskContext) string {
	threadTitle := "the forum"
	if tc.thread != nil && strings.TrimSpace(tc.thread.Title) != "" {
		threadTitle = tc.thread.Title
	}
	mood := strings.ToLower(tc.agent.Mood)
	if mood == "" {
		mood = "neutral"
	}
	archetype := strings.ToLower(tc.agent.Archetype)
	if archetype == "" {
		archetype = "ghost"
	}

	switch tc.task.Kind {
	case model.TaskKindThreadStart:
		topics := strings.Join(payloadStrings(tc.task.Payload, "topics"), ", ")
		if topics == "" {
			topics = "a favorite organic"
		}
		return fmt.Sprintf("Opening post for '%s'. Stay in-character as a %s ghost in a %s mood; frame it like an old-web bulletin about %s and invite other ghosts to drop receipts.",
			threadTitle, archetype, mood, topics)
	case model.TaskKindReply:
		return fmt.Sprintf("Reply in '%s' as a %s ghost. Reference the organic, add fresh evidence, and keep the tone %s.",
			threadTitle, archetype, mood)
	case model.TaskKindDM:
		recipient := "their counterpart"
		if tc.recipient != nil {
			recipient = tc.recipient.Handle
		}
		return fmt.Sprintf("Write a private message to %s that swaps organics intel in a quick %s voice.", recipient, mood)
	}
	return "Share a short ghostship note about today's organic activity."
}

// payloadStrings extracts a string list from the payload, tolerating the
// []any shape JSON decoding produces.
func payloadStrings(p model.TaskPayload, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
