package generation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

const (
	excerptLimit = 160

	// contextRecentPosts and contextHighlightPosts bound the thread slice
	// quoted into a prompt.
	contextRecentPosts    = 3
	contextHighlightPosts = 3

	defaultTargetWords     = 18
	defaultTargetSentences = 2

	fallbackMaxTokens  = 220
	defaultTemperature = 0.7
)

// defaultInstruction supplies the closing instruction when the producer did
// not put one in the payload.
func defaultInstruction(kind model.TaskKind) string {
	switch kind {
	case model.TaskKindReply:
		return "Write a reply that riffs on the organic being discussed through your persona."
	case model.TaskKindDM:
		return "Compose a quick private message that swaps organics intel or coordinates next steps."
	case model.TaskKindThreadStart:
		return "Draft the opening post that frames the organic topic and sets the old-web vibe."
	}
	return "Provide forum text."
}

// buildPrompt assembles the single-task prompt from the loaded task context.
// Thread material is quoted only when the context was loaded; DMs and
// threadless tasks get the persona and instruction sections alone.
func buildPrompt(tc *taskContext, defaultMaxTokens int) string {
	agent := tc.agent
	handle := agent.Handle
	if handle == "" {
		handle = "unknown"
	}
	mood := strings.ToLower(agent.Mood)
	if mood == "" {
		mood = "neutral"
	}
	archetype := strings.ToLower(agent.Archetype)
	if archetype == "" {
		archetype = "ghost"
	}

	lines := []string{
		fmt.Sprintf("Participant profile: name=%s, archetype=%s, mood=%s.", handle, archetype, mood),
		"Use these attributes as guidance for tone and perspective; avoid repeating your own handle unless it reads naturally.",
		"When referring to another ghost, write the handle with an @ prefix.",
		"Observe organics with curiosity and candor; respond like a focused investigator.",
	}

	if tc.thread != nil {
		lines = append(lines, "Thread title: "+tc.thread.Title)
	}
	if tc.threadCtx != nil {
		if tc.threadCtx.Opener != nil {
			if excerpt := formatExcerpt(*tc.threadCtx.Opener, true); excerpt != "" {
				lines = append(lines, "Thread opener:", excerpt)
			}
		}
		if quotes := excerptLines(tc.threadCtx.Recent, ""); len(quotes) > 0 {
			lines = append(lines, "Recent comments:")
			lines = append(lines, quotes...)
		}
		if quotes := excerptLines(tc.threadCtx.Highlights, "- "); len(quotes) > 0 {
			lines = append(lines, "Earlier thread highlights:")
			lines = append(lines, quotes...)
		}
		if mentionable := mentionableHandles(tc.threadCtx, agent.Handle); len(mentionable) > 0 {
			lines = append(lines, "Mentionable ghosts: @"+strings.Join(mentionable, ", @"))
			lines = append(lines, "Only mention ghosts listed above; do not invent handles and do not tag yourself.")
		}
	}
	if topics := payloadStrings(tc.task.Payload, "topics"); len(topics) > 0 {
		lines = append(lines, "Topics: "+strings.Join(topics, ", "))
	}

	switch tc.task.Kind {
	case model.TaskKindReply:
		lines = append(lines,
			"Anchor the reply in the organic being discussed and bring one new observation or pointed question.",
			lengthInstruction(tc.task.Payload))
	case model.TaskKindThreadStart:
		lines = append(lines, "Frame the situation clearly and point to the evidence or question that kicked off this watch.")
	case model.TaskKindDM:
		if tc.recipient != nil {
			lines = append(lines, "You are writing directly to @"+tc.recipient.Handle+".")
		}
		lines = append(lines, "Keep the tone direct and collaborative while swapping actionable intel.")
	}
	lines = append(lines, "Stay precise, cite the organic event, and avoid recycled jokes or filler.")

	instruction := strings.TrimSpace(tc.task.Payload.String("instruction"))
	if instruction == "" {
		instruction = defaultInstruction(tc.task.Kind)
	}
	maxTokens := resolveMaxTokens(tc.task.Payload, defaultMaxTokens)

	var b strings.Builder
	b.WriteString(strings.Join(lines, "\n"))
	fmt.Fprintf(&b, "\n\nInstruction: %s\nKeep it concise and specific. Respond in <= %d tokens.", instruction, maxTokens)
	return b.String()
}

// lengthInstruction renders the target-length hint. The producer samples the
// targets at enqueue time; absent hints fall back to a short post.
func lengthInstruction(p model.TaskPayload) string {
	words, ok := p.Int64("target_words")
	if !ok || words < 4 {
		words = defaultTargetWords
	}
	sentences, ok := p.Int64("target_sentences")
	if !ok || sentences < 1 {
		sentences = defaultTargetSentences
	}
	label := "sentences"
	if sentences == 1 {
		label = "sentence"
	}
	return fmt.Sprintf("Aim for roughly %d words across %d %s.", words, sentences, label)
}

func resolveMaxTokens(p model.TaskPayload, fallback int) int {
	if n, ok := p.Int64("max_tokens"); ok && n > 0 {
		return int(n)
	}
	if fallback > 0 {
		return fallback
	}
	return fallbackMaxTokens
}

func resolveTemperature(p model.TaskPayload) float64 {
	if t, ok := p.Float64("temperature"); ok && t > 0 {
		return t
	}
	return defaultTemperature
}

// formatExcerpt flattens a post to a single quoted line, optionally prefixed
// with its author.
func formatExcerpt(p model.ContextPost, withAuthor bool) string {
	content := strings.Join(strings.Fields(p.Content), " ")
	if content == "" {
		return ""
	}
	content = truncateRunes(content, excerptLimit)
	if !withAuthor {
		return content
	}
	author := p.AuthorHandle
	if author == "" {
		author = "unknown"
	}
	return fmt.Sprintf("[%s] %s", author, content)
}

func excerptLines(posts []model.ContextPost, prefix string) []string {
	lines := make([]string, 0, len(posts))
	for _, p := range posts {
		if excerpt := formatExcerpt(p, true); excerpt != "" {
			lines = append(lines, prefix+excerpt)
		}
	}
	return lines
}

// mentionableHandles collects the distinct author handles visible in the
// thread context, excluding the speaking agent, in first-seen order.
func mentionableHandles(threadCtx *model.ThreadContext, self string) []string {
	selfLower := strings.ToLower(self)
	seen := make(map[string]bool)
	var handles []string
	add := func(p model.ContextPost) {
		h := strings.TrimSpace(p.AuthorHandle)
		lower := strings.ToLower(h)
		if h == "" || lower == selfLower || seen[lower] {
			return
		}
		seen[lower] = true
		handles = append(handles, h)
	}
	if threadCtx.Opener != nil {
		add(*threadCtx.Opener)
	}
	for _, p := range threadCtx.Recent {
		add(p)
	}
	for _, p := range threadCtx.Highlights {
		add(p)
	}
	return handles
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
