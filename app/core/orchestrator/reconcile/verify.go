package reconcile

import (
	"context"
	"fmt"
	"strings"
)

// EnsureCallbackComments checks that the n most recent successful decisions
// left their audit comment on the tracker. A missing comment means the
// status write landed but the audit trail did not; the aggregate error names
// every affected task for operator follow-up. Consistency check only, no
// self-healing.
func (r *Reconciler) EnsureCallbackComments(ctx context.Context, n int) error {
	entries, err := r.ledger.RecentDecisions(ctx, n)
	if err != nil {
		return fmt.Errorf("load recent decisions: %w", err)
	}

	var missing []string
	checked := map[string]bool{}
	for _, entry := range entries {
		if entry.Result != "success" || entry.TaskID == "" || checked[entry.TaskID] {
			continue
		}
		checked[entry.TaskID] = true

		comments, err := r.tracker.FetchComments(ctx, entry.TaskID)
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s (comments unreadable: %v)", entry.TaskID, err))
			continue
		}
		if !hasOutcomeComment(comments) {
			missing = append(missing, entry.TaskID)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("tasks missing callback comments: %s", strings.Join(missing, ", "))
	}
	return nil
}

func hasOutcomeComment(comments []string) bool {
	for _, comment := range comments {
		if strings.Contains(comment, "Reminder outcome:") || strings.Contains(comment, "Reminder postponed") {
			return true
		}
	}
	return false
}
