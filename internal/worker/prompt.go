package worker

import (
	"sort"
	"strings"

	"github.com/ShayCichocki/cohort/internal/mailbox"
)

// ComposePrompt joins the role text, the rendered shared state and the instruction.
func ComposePrompt(role string, state map[string]any, instruction string) string {
	var b strings.Builder
	b.WriteString(role)
	b.WriteString("\n\nShared project state:\n")
	b.WriteString(mailbox.Render(state))
	b.WriteString("\n\nYour task:\n")
	b.WriteString(instruction)
	b.WriteString("\n\nIf your answer contains facts that later steps will need, reply with a single JSON object; " +
		"its keys are merged into the shared project state.")
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
