package cycle

import (
	"fmt"
	"sort"
	"strings"

	"callup/app/pkg/types"
)

// formatSummary renders the cycle-end report sent to the summary chat.
func formatSummary(stats types.DeliveryStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reminder cycle %s\n", stats.Timestamp.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Tasks due: %d, delivered: %d, unroutable: %d\n", stats.TotalTasks, stats.DeliveredTasks, stats.MissingTasks)
	fmt.Fprintf(&b, "Voice calls: %d (%d failed), SMS sent: %d\n", stats.VoiceCalls, stats.VoiceFailures, stats.SMSSent)

	if len(stats.PerChatCounts) > 0 {
		chatIDs := make([]string, 0, len(stats.PerChatCounts))
		for chatID := range stats.PerChatCounts {
			chatIDs = append(chatIDs, chatID)
		}
		sort.Strings(chatIDs)
		b.WriteString("Chat deliveries:\n")
		for _, chatID := range chatIDs {
			fmt.Fprintf(&b, "  %s: %d\n", chatID, stats.PerChatCounts[chatID])
		}
	}
	if len(stats.UserActions) > 0 {
		b.WriteString("Outcomes:\n")
		for _, action := range stats.UserActions {
			fmt.Fprintf(&b, "  %s\n", action)
		}
	}
	if len(stats.FailedActions) > 0 {
		b.WriteString("Failures:\n")
		for _, failure := range stats.FailedActions {
			fmt.Fprintf(&b, "  %s\n", failure)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
