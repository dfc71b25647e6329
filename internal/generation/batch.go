package generation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
)

// Batchable kinds may share one provider call. Thread starts always travel
// alone so a mangled batch response never costs an opening post.
var batchableKinds = map[model.TaskKind]bool{
	model.TaskKindReply: true,
	model.TaskKindDM:    true,
}

const (
	batchMinTokens = 64
	batchMaxTokens = 3200
)

// taskMarkerPattern finds the numbered section headers in a batch response.
var taskMarkerPattern = regexp.MustCompile(`(?im)^task\s+(\d+):[ \t]*`)

// sliceBatch returns the run of consecutive tasks sharing the head's kind,
// starting at start and capped at limit. Non-batchable kinds travel alone.
func sliceBatch(tasks []model.GenerationTask, start, limit int) []model.GenerationTask {
	if limit < 1 {
		limit = 1
	}
	head := tasks[start]
	if !batchableKinds[head.Kind] {
		return tasks[start : start+1]
	}
	end := start + 1
	for end < len(tasks) && end-start < limit && tasks[end].Kind == head.Kind {
		end++
	}
	return tasks[start:end]
}

// buildBatchPrompt folds every task's single prompt into one request with a
// strict numbered answer format the splitter can carve back apart.
func buildBatchPrompt(contexts []*taskContext, defaultMaxTokens int) string {
	lines := []string{
		"You are writing multiple Ghostship Bulletin messages at once.",
		"For each task, craft the final forum-ready text only.",
		"Format your final answer exactly as:",
		"TASK 1:",
		"<message>",
		"",
		"TASK 2:",
		"<message>",
		"",
		"Do not include commentary outside this structure.",
		"",
		"Task briefs:",
	}
	for i, tc := range contexts {
		lines = append(lines, fmt.Sprintf("---- TASK %d ----", i+1))
		lines = append(lines, buildPrompt(tc, defaultMaxTokens))
	}
	return strings.Join(lines, "\n")
}

// batchTokenBudget sums the per-task budgets, clamped to a sane request size.
func batchTokenBudget(contexts []*taskContext, defaultMaxTokens int) int {
	total := 0
	for _, tc := range contexts {
		total += resolveMaxTokens(tc.task.Payload, defaultMaxTokens)
	}
	if total < batchMinTokens {
		return batchMinTokens
	}
	if total > batchMaxTokens {
		return batchMaxTokens
	}
	return total
}

// batchTemperature averages the per-task temperatures.
func batchTemperature(contexts []*taskContext) float64 {
	if len(contexts) == 0 {
		return defaultTemperature
	}
	sum := 0.0
	for _, tc := range contexts {
		sum += resolveTemperature(tc.task.Payload)
	}
	return sum / float64(len(contexts))
}

// splitBatchOutput carves the numbered sections out of a batch response.
// Section N runs from its "TASK N:" marker to the next marker. The first
// occurrence of a number wins; the result is nil unless every one of the
// expected sections is present and non-empty.
func splitBatchOutput(text string, expected int) []string {
	if expected <= 0 {
		return nil
	}
	markers := taskMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return nil
	}
	sections := make([]string, expected)
	filled := 0
	for i, m := range markers {
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || n < 1 || n > expected || sections[n-1] != "" {
			continue
		}
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		section := strings.TrimSpace(text[m[1]:end])
		if section == "" {
			continue
		}
		sections[n-1] = section
		filled++
	}
	if filled != expected {
		return nil
	}
	return sections
}
