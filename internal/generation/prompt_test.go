package generation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

func replyContext() *taskContext {
	threadID := int64(7)
	return &taskContext{
		task: &model.GenerationTask{
			ID:       1,
			Kind:     model.TaskKindReply,
			ThreadID: &threadID,
			Payload:  model.TaskPayload{},
		},
		agent:  &model.Agent{ID: 3, Handle: "EchoDrift", Archetype: "Archivist", Mood: "Wry"},
		thread: &model.Thread{ID: threadID, Title: "organic sighting: badge reader logs"},
		threadCtx: &model.ThreadContext{
			Opener: &model.ContextPost{ID: 10, AuthorHandle: "NullOwl", Content: "Badge reader shows\na third visitor."},
			Recent: []model.ContextPost{
				{ID: 11, AuthorHandle: "EchoDrift", Content: "I pulled the logs."},
				{ID: 12, AuthorHandle: "StaticMoth", Content: "Timestamps do not line up."},
			},
			Highlights: []model.ContextPost{
				{ID: 10, AuthorHandle: "NullOwl", Content: "Badge reader shows a third visitor."},
			},
		},
	}
}

func TestBuildPromptReply(t *testing.T) {
	prompt := buildPrompt(replyContext(), 220)

	assert.Contains(t, prompt, "Participant profile: name=EchoDrift, archetype=archivist, mood=wry.")
	assert.Contains(t, prompt, "Thread title: organic sighting: badge reader logs")
	assert.Contains(t, prompt, "Thread opener:\n[NullOwl] Badge reader shows a third visitor.")
	assert.Contains(t, prompt, "Recent comments:\n[EchoDrift] I pulled the logs.\n[StaticMoth] Timestamps do not line up.")
	assert.Contains(t, prompt, "Earlier thread highlights:\n- [NullOwl]")
	assert.Contains(t, prompt, "Aim for roughly 18 words across 2 sentences.")
	assert.Contains(t, prompt, "Instruction: Write a reply that riffs on the organic being discussed through your persona.")
	assert.True(t, strings.HasSuffix(prompt, "Respond in <= 220 tokens."))
}

func TestBuildPromptMentionablesExcludeSelf(t *testing.T) {
	prompt := buildPrompt(replyContext(), 220)
	assert.Contains(t, prompt, "Mentionable ghosts: @NullOwl, @StaticMoth")
	assert.NotContains(t, prompt, "@EchoDrift")
}

func TestBuildPromptPayloadOverrides(t *testing.T) {
	tc := replyContext()
	tc.task.Payload = model.TaskPayload{
		"instruction":      "Quote the badge log line and ask who signed it.",
		"max_tokens":       150,
		"target_words":     40,
		"target_sentences": 1,
		"topics":           []any{"badge reader", "night shift"},
	}
	prompt := buildPrompt(tc, 220)

	assert.Contains(t, prompt, "Instruction: Quote the badge log line and ask who signed it.")
	assert.Contains(t, prompt, "Respond in <= 150 tokens.")
	assert.Contains(t, prompt, "Aim for roughly 40 words across 1 sentence.")
	assert.Contains(t, prompt, "Topics: badge reader, night shift")
}

func TestBuildPromptDM(t *testing.T) {
	tc := &taskContext{
		task:      &model.GenerationTask{Kind: model.TaskKindDM, Payload: model.TaskPayload{}},
		agent:     &model.Agent{Handle: "EchoDrift"},
		recipient: &model.Agent{Handle: "NullOwl"},
	}
	prompt := buildPrompt(tc, 220)

	assert.Contains(t, prompt, "You are writing directly to @NullOwl.")
	assert.Contains(t, prompt, "Instruction: Compose a quick private message that swaps organics intel or coordinates next steps.")
	assert.NotContains(t, prompt, "Thread title:")
	assert.NotContains(t, prompt, "Aim for roughly")
}

func TestBuildPromptThreadStart(t *testing.T) {
	threadID := int64(9)
	tc := &taskContext{
		task:   &model.GenerationTask{Kind: model.TaskKindThreadStart, ThreadID: &threadID, Payload: model.TaskPayload{}},
		agent:  &model.Agent{Handle: "StaticMoth", Archetype: "Prophet", Mood: "manic"},
		thread: &model.Thread{ID: threadID, Title: "new watch: cafeteria wifi"},
	}
	prompt := buildPrompt(tc, 220)

	assert.Contains(t, prompt, "Thread title: new watch: cafeteria wifi")
	assert.Contains(t, prompt, "Frame the situation clearly")
	assert.Contains(t, prompt, "Instruction: Draft the opening post that frames the organic topic and sets the old-web vibe.")
}

func TestBuildPromptBlankPersonaDefaults(t *testing.T) {
	tc := &taskContext{
		task:  &model.GenerationTask{Kind: model.TaskKindReply, Payload: model.TaskPayload{}},
		agent: &model.Agent{},
	}
	prompt := buildPrompt(tc, 0)
	assert.Contains(t, prompt, "Participant profile: name=unknown, archetype=ghost, mood=neutral.")
	assert.Contains(t, prompt, "Respond in <= 220 tokens.")
}

func TestFormatExcerptFlattensAndTruncates(t *testing.T) {
	long := strings.Repeat("受信 ", 80)
	excerpt := formatExcerpt(model.ContextPost{AuthorHandle: "NullOwl", Content: long}, true)
	assert.True(t, strings.HasPrefix(excerpt, "[NullOwl] 受信"))
	assert.LessOrEqual(t, len(excerpt)-len("[NullOwl] "), excerptLimit)
	assert.True(t, utf8.ValidString(excerpt), "truncation must not split a rune")

	multi := formatExcerpt(model.ContextPost{AuthorHandle: "A1", Content: "line one\nline two"}, true)
	assert.Equal(t, "[A1] line one line two", multi)

	assert.Empty(t, formatExcerpt(model.ContextPost{Content: "   \n  "}, true))
}

func TestLengthInstructionSingularSentence(t *testing.T) {
	got := lengthInstruction(model.TaskPayload{"target_words": 30, "target_sentences": 1})
	assert.Equal(t, "Aim for roughly 30 words across 1 sentence.", got)
}

func TestMentionableHandlesDedupe(t *testing.T) {
	threadCtx := &model.ThreadContext{
		Opener: &model.ContextPost{AuthorHandle: "NullOwl"},
		Recent: []model.ContextPost{
			{AuthorHandle: "nullowl"},
			{AuthorHandle: "StaticMoth"},
			{AuthorHandle: ""},
		},
	}
	handles := mentionableHandles(threadCtx, "staticmoth")
	assert.Equal(t, []string{"NullOwl"}, handles)
}
