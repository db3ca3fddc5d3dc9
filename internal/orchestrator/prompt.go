package orchestrator

import (
	"fmt"
	"strings"

	"github.com/blueman82/ralph/internal/models"
)

// TaskCompleteSentinel is the literal marker a provider must emit to
// signal it finished a task (spec.md §4.2 step 3, case-insensitive at
// check time).
const TaskCompleteSentinel = "TASK_COMPLETE"

// buildTaskPrompt renders task into the prompt text sent to a provider.
// Both the sequential orchestrator and the factory worker path call this
// same helper (spec.md §9 Open Question c), so their prompts never drift.
func buildTaskPrompt(task models.Task, targetPackages []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", task.Name)
	fmt.Fprintf(&b, "ID: %s | Category: %s | Priority: %s\n\n", task.ID, task.Category, task.Priority)

	b.WriteString("## Description\n")
	fmt.Fprintf(&b, "%s\n\n", task.Description)

	if len(task.Criteria) > 0 {
		b.WriteString("## Acceptance Criteria\n")
		for _, c := range task.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if task.Notes != "" {
		fmt.Fprintf(&b, "## Notes\n%s\n\n", task.Notes)
	}

	if len(targetPackages) > 0 {
		fmt.Fprintf(&b, "## Target packages\n%s\n\n", strings.Join(targetPackages, ", "))
	}

	fmt.Fprintf(&b, "When the task is fully implemented and all acceptance criteria are met, "+
		"emit the literal line %q as the final line of your response.\n", TaskCompleteSentinel)

	return b.String()
}

// hasTaskComplete reports whether output contains the completion sentinel,
// tolerating case variation (spec.md §4.2 step 5).
func hasTaskComplete(output string) bool {
	return strings.Contains(strings.ToUpper(output), TaskCompleteSentinel)
}
