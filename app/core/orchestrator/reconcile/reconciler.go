package reconcile

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	config "callup/app/configs"
	"callup/app/core/ledger"
	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

// smsReplyPattern is the ordinal-dot-text shape of an inbound SMS answer,
// e.g. "2. finished this morning".
var smsReplyPattern = regexp.MustCompile(`^(\d+)\.\s*(.+)$`)

type Tracker interface {
	FetchTask(ctx context.Context, taskID string) (types.ReminderTask, error)
	ApplyStatus(ctx context.Context, taskID string, label types.StatusLabel) bool
	UpdateDueDate(ctx context.Context, taskID string, due time.Time) error
	AppendComment(ctx context.Context, taskID string, text string) bool
	FetchComments(ctx context.Context, taskID string) ([]string, error)
}

type Ledger interface {
	HasSucceeded(ctx context.Context, eventID string) (bool, error)
	RecordDecision(ctx context.Context, entry ledger.DecisionEntry) error
	MarkCompleted(ctx context.Context, taskID string, name string) error
	LookupSMSCode(ctx context.Context, code int) (ledger.SMSCode, error)
	RecentDecisions(ctx context.Context, n int) ([]ledger.DecisionEntry, error)
}

type Classifier interface {
	Classify(ctx context.Context, text string, taskName string) types.StatusLabel
}

type Hours interface {
	Reschedule(now time.Time, label types.StatusLabel) time.Time
}

type Notifier interface {
	SendPlain(ctx context.Context, chatID string, text string) error
	RemoveInlineKeyboard(ctx context.Context, chatID string, messageID int64) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to string, text string) types.SMSResult
}

// action is one decoded chat button: either a direct label or a postpone.
type action struct {
	label         types.StatusLabel
	postponeHours float64
}

type Config struct {
	SummaryChatID string
}

// Reconciler converts asynchronous response events into exactly one status
// application each. The decision log is both the audit trail and the dedup
// key: a success entry for an event id makes every replay a no-op.
type Reconciler struct {
	cfg        Config
	tracker    Tracker
	ledger     Ledger
	classifier Classifier
	hours      Hours
	notifier   Notifier
	sms        SMSSender
	actions    map[string]action

	now func() time.Time
}

func New(cfg Config, tracker Tracker, store Ledger, classifier Classifier, hours Hours, notifier Notifier, sms SMSSender, buttons []config.StatusButton) *Reconciler {
	actions := make(map[string]action, len(buttons))
	for _, btn := range buttons {
		actions[btn.Code] = action{
			label:         types.StatusLabel(btn.Label),
			postponeHours: btn.PostponeHours,
		}
	}
	return &Reconciler{
		cfg:        cfg,
		tracker:    tracker,
		ledger:     store,
		classifier: classifier,
		hours:      hours,
		notifier:   notifier,
		sms:        sms,
		actions:    actions,
		now:        time.Now,
	}
}

// HandleEvent processes one inbound response. Duplicates are absorbed
// silently before any side effect; a mid-event failure is logged with
// result=error and surfaced to the operator, never retried automatically.
func (r *Reconciler) HandleEvent(ctx context.Context, event types.CallbackEvent) error {
	succeeded, err := r.ledger.HasSucceeded(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("dedup check for event %s: %w", event.EventID, err)
	}
	if succeeded {
		logger.Info("reconcile: duplicate event %s absorbed", event.EventID)
		return nil
	}

	var label types.StatusLabel
	switch event.Source {
	case types.SourceChat:
		label, err = r.handleChat(ctx, event)
	case types.SourceSMS:
		label, err = r.handleSMS(ctx, &event)
	case types.SourceVoice:
		label, err = r.handleVoice(ctx, event)
	default:
		err = fmt.Errorf("unknown event source %q", event.Source)
	}

	if err != nil {
		r.recordFailure(ctx, event, label, err)
		return err
	}

	if err := r.ledger.RecordDecision(ctx, ledger.DecisionEntry{
		EventID: event.EventID,
		TaskID:  event.TaskID,
		Source:  event.Source,
		Label:   label,
		Result:  "success",
	}); err != nil {
		// A concurrent handler won the race for this event id; the status
		// is applied, so treat it as absorbed.
		logger.Error("reconcile: record success for event %s: %v", event.EventID, err)
		return nil
	}

	r.cleanupChat(ctx, event)
	r.notifySummary(ctx, fmt.Sprintf("Task %s resolved as %s (%s by %s)", event.TaskID, label, event.Source, orUnknown(event.Actor)))
	return nil
}

func (r *Reconciler) handleChat(ctx context.Context, event types.CallbackEvent) (types.StatusLabel, error) {
	act, ok := r.actions[event.Payload]
	if !ok {
		return "", fmt.Errorf("unknown action code %q", event.Payload)
	}

	if act.postponeHours > 0 {
		return "POSTPONE", r.postpone(ctx, event.TaskID, act.postponeHours)
	}
	return act.label, r.applyLabel(ctx, event.TaskID, act.label, fmt.Sprintf("chat action by %s", orUnknown(event.Actor)))
}

// postpone pushes the due date by the button's offset from whichever is
// later, the current due date or now. No classifier involved.
func (r *Reconciler) postpone(ctx context.Context, taskID string, hours float64) error {
	task, err := r.tracker.FetchTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetch task %s for postpone: %w", taskID, err)
	}

	base := r.now()
	if task.DueAt.After(base) {
		base = task.DueAt
	}
	due := base.Add(time.Duration(hours * float64(time.Hour)))
	if err := r.tracker.UpdateDueDate(ctx, taskID, due); err != nil {
		return fmt.Errorf("postpone task %s: %w", taskID, err)
	}
	r.tracker.AppendComment(ctx, taskID, fmt.Sprintf("Reminder postponed by %gh to %s", hours, due.Format("2006-01-02 15:04")))
	return nil
}

func (r *Reconciler) handleSMS(ctx context.Context, event *types.CallbackEvent) (types.StatusLabel, error) {
	match := smsReplyPattern.FindStringSubmatch(strings.TrimSpace(event.Payload))
	if match == nil {
		return "", fmt.Errorf("sms body %q does not match ordinal reply format", event.Payload)
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return "", fmt.Errorf("sms ordinal %q: %w", match[1], err)
	}

	rec, err := r.ledger.LookupSMSCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("sms code %d not found: %w", code, err)
	}
	event.TaskID = rec.TaskID

	label := r.classifier.Classify(ctx, match[2], rec.TaskName)
	if err := r.applyLabel(ctx, rec.TaskID, label, fmt.Sprintf("sms reply from %s", event.From)); err != nil {
		return label, err
	}

	if event.From != "" {
		result := r.sms.SendSMS(ctx, event.From, confirmationText(rec.TaskName, label))
		if !result.Success {
			logger.Error("reconcile: confirmation sms to %s: %s", event.From, result.Error)
		}
	}
	return label, nil
}

func (r *Reconciler) handleVoice(ctx context.Context, event types.CallbackEvent) (types.StatusLabel, error) {
	task, err := r.tracker.FetchTask(ctx, event.TaskID)
	if err != nil {
		return "", fmt.Errorf("fetch task %s: %w", event.TaskID, err)
	}
	label := r.classifier.Classify(ctx, event.Payload, task.Name)
	return label, r.applyLabel(ctx, event.TaskID, label, "voice transcript")
}

// applyLabel is the single status application for the event: one tracker
// write, the ledger mark on DONE, a reschedule otherwise, one audit comment.
func (r *Reconciler) applyLabel(ctx context.Context, taskID string, label types.StatusLabel, note string) error {
	if !r.tracker.ApplyStatus(ctx, taskID, label) {
		return fmt.Errorf("apply status %s to task %s failed", label, taskID)
	}

	if label == types.LabelDone {
		task, err := r.tracker.FetchTask(ctx, taskID)
		name := taskID
		if err == nil {
			name = task.Name
		}
		if err := r.ledger.MarkCompleted(ctx, taskID, name); err != nil {
			logger.Error("reconcile: mark completed %s: %v", taskID, err)
		}
	} else {
		due := r.hours.Reschedule(r.now(), label)
		if err := r.tracker.UpdateDueDate(ctx, taskID, due); err != nil {
			logger.Error("reconcile: reschedule %s: %v", taskID, err)
		}
	}

	r.tracker.AppendComment(ctx, taskID, fmt.Sprintf("Reminder outcome: %s (%s)", label, note))
	return nil
}

func (r *Reconciler) recordFailure(ctx context.Context, event types.CallbackEvent, label types.StatusLabel, cause error) {
	logger.Error("reconcile: event %s failed: %v", event.EventID, cause)
	if err := r.ledger.RecordDecision(ctx, ledger.DecisionEntry{
		EventID: event.EventID,
		TaskID:  event.TaskID,
		Source:  event.Source,
		Label:   label,
		Result:  "error",
		Error:   cause.Error(),
	}); err != nil {
		logger.Error("reconcile: record failure for event %s: %v", event.EventID, err)
	}
	r.notifySummary(ctx, fmt.Sprintf("Event %s for task %s failed: %v. Resubmit manually.", event.EventID, orUnknown(event.TaskID), cause))
}

func (r *Reconciler) cleanupChat(ctx context.Context, event types.CallbackEvent) {
	if event.Source != types.SourceChat || event.ChatID == "" || event.MessageID == 0 {
		return
	}
	if err := r.notifier.RemoveInlineKeyboard(ctx, event.ChatID, event.MessageID); err != nil {
		logger.Error("reconcile: remove keyboard %s/%d: %v", event.ChatID, event.MessageID, err)
	}
}

func (r *Reconciler) notifySummary(ctx context.Context, text string) {
	if r.cfg.SummaryChatID == "" {
		return
	}
	if err := r.notifier.SendPlain(ctx, r.cfg.SummaryChatID, text); err != nil {
		logger.Error("reconcile: summary notification: %v", err)
	}
}

func confirmationText(taskName string, label types.StatusLabel) string {
	switch label {
	case types.LabelDone:
		return fmt.Sprintf("Noted, %q is marked done. Thanks!", taskName)
	case types.LabelInProgress:
		return fmt.Sprintf("Noted, %q is in progress. We will check again later.", taskName)
	case types.LabelCallBack:
		return fmt.Sprintf("Noted, we will call you back about %q.", taskName)
	case types.LabelNotDone:
		return fmt.Sprintf("Noted, %q is still pending. We will remind you again.", taskName)
	default:
		return fmt.Sprintf("We could not understand your reply about %q. Please answer done, in progress or not done.", taskName)
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
