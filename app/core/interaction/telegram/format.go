package telegram

import (
	"fmt"
	"html"
	"strings"

	"callup/app/pkg/types"
)

// formatTask renders the reminder message body. HTML parse mode, so user
// controlled fields are escaped.
func formatTask(task types.ReminderTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(task.Name))
	if !task.DueAt.IsZero() {
		fmt.Fprintf(&b, "Due: %s\n", task.DueAt.Format("Mon 2 Jan 15:04"))
	}
	if task.AssigneeName != "" && task.AssigneeName != types.Unassigned {
		fmt.Fprintf(&b, "Assignee: %s\n", html.EscapeString(task.AssigneeName))
	}
	if desc := strings.TrimSpace(task.Description); desc != "" {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(truncate(desc, 300)))
	}
	if task.URL != "" {
		fmt.Fprintf(&b, `<a href="%s">Open task</a>`, task.URL)
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
