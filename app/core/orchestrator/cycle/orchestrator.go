package cycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

// TaskSource is the tracker surface the cycle consumes.
type TaskSource interface {
	FetchDueTasks(ctx context.Context, now time.Time) ([]types.ReminderTask, error)
	ApplyStatus(ctx context.Context, taskID string, label types.StatusLabel) bool
	UpdateDueDate(ctx context.Context, taskID string, due time.Time) error
	AppendComment(ctx context.Context, taskID string, text string) bool
}

type Ledger interface {
	IsCompleted(ctx context.Context, taskID string) (bool, error)
	MarkCompleted(ctx context.Context, taskID string, name string) error
	IssueSMSCode(ctx context.Context, taskID string, taskName string) (int, error)
}

type Router interface {
	PlanFor(task types.ReminderTask) types.DeliveryPlan
}

type ChatSender interface {
	SendTaskMessage(ctx context.Context, chatID string, task types.ReminderTask) (int64, error)
	SendPlain(ctx context.Context, chatID string, text string) error
}

type Telephony interface {
	PlaceCall(ctx context.Context, to string, script string, statusCallback string) types.CallResult
	ListRecordings(ctx context.Context, callSID string) ([]string, error)
	DownloadRecording(ctx context.Context, recordingSID string) ([]byte, error)
	SendSMS(ctx context.Context, to string, text string) types.SMSResult
}

type Classifier interface {
	ClassifyBatch(ctx context.Context, text string, tasks []types.ReminderTask) map[string]types.StatusLabel
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type Hours interface {
	Within(t time.Time) bool
	Reschedule(now time.Time, label types.StatusLabel) time.Time
}

type ScriptBuilder func(assigneeName string, taskNames []string) string

type Config struct {
	// SettleDelay is how long to wait after a call before polling for its
	// recording; the provider's pipeline needs time to finish.
	SettleDelay          time.Duration
	RecordingPollTimeout time.Duration
	RecordingPollEvery   time.Duration
	SummaryChatID        string
	VoiceStatusCallback  string
	DryRunVoice          bool
}

// Orchestrator runs one reminder cycle: fetch due tasks, route, dispatch per
// channel, wait on voice responses, classify and apply outcomes, then report.
type Orchestrator struct {
	cfg         Config
	source      TaskSource
	ledger      Ledger
	router      Router
	chat        ChatSender
	phone       Telephony
	classifier  Classifier
	transcriber Transcriber
	hours       Hours
	script      ScriptBuilder

	// injectable for tests
	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

func New(cfg Config, source TaskSource, ledger Ledger, router Router, chat ChatSender, phone Telephony, classifier Classifier, transcriber Transcriber, hours Hours, script ScriptBuilder) *Orchestrator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 120 * time.Second
	}
	if cfg.RecordingPollTimeout <= 0 {
		cfg.RecordingPollTimeout = 60 * time.Second
	}
	if cfg.RecordingPollEvery <= 0 {
		cfg.RecordingPollEvery = 10 * time.Second
	}
	return &Orchestrator{
		cfg:         cfg,
		source:      source,
		ledger:      ledger,
		router:      router,
		chat:        chat,
		phone:       phone,
		classifier:  classifier,
		transcriber: transcriber,
		hours:       hours,
		script:      script,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Run executes one cycle. Outside the working window it does nothing unless
// force is set; this is a cycle-level gate. Per-task failures never abort
// the cycle.
func (o *Orchestrator) Run(ctx context.Context, force bool) (types.DeliveryStats, error) {
	now := o.now()
	stats := types.DeliveryStats{
		Timestamp:     now,
		PerChatCounts: map[string]int{},
	}

	if !force && !o.hours.Within(now) {
		logger.Info("cycle: outside working hours, skipping")
		return stats, nil
	}

	tasks, err := o.source.FetchDueTasks(ctx, now)
	if err != nil {
		logger.Error("cycle: fetch due tasks: %v", err)
		stats.FailedActions = append(stats.FailedActions, fmt.Sprintf("fetch tasks: %v", err))
		o.sendSummary(ctx, stats)
		return stats, nil
	}

	pending := tasks[:0]
	for _, task := range tasks {
		done, err := o.ledger.IsCompleted(ctx, task.TaskID)
		if err != nil {
			logger.Error("cycle: ledger check for %s: %v", task.TaskID, err)
			continue
		}
		if !done {
			pending = append(pending, task)
		}
	}
	stats.TotalTasks = len(pending)
	logger.Info("cycle: %d due tasks after ledger filter", len(pending))

	for _, group := range groupByAssignee(pending) {
		o.dispatchGroup(ctx, group, &stats)
	}

	o.sendSummary(ctx, stats)
	return stats, nil
}

type assigneeGroup struct {
	name  string
	tasks []types.ReminderTask
}

func groupByAssignee(tasks []types.ReminderTask) []assigneeGroup {
	byName := map[string][]types.ReminderTask{}
	for _, task := range tasks {
		byName[task.AssigneeName] = append(byName[task.AssigneeName], task)
	}
	groups := make([]assigneeGroup, 0, len(byName))
	for name, list := range byName {
		groups = append(groups, assigneeGroup{name: name, tasks: list})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

func (o *Orchestrator) dispatchGroup(ctx context.Context, group assigneeGroup, stats *types.DeliveryStats) {
	var voiceBatch []types.ReminderTask
	var voicePhone string

	for _, task := range group.tasks {
		plan := o.router.PlanFor(task)
		if len(plan.Channels) == 0 {
			stats.MissingTasks++
			logger.Info("cycle: routing gap for task %s (assignee %s)", task.TaskID, task.AssigneeName)
			continue
		}

		delivered := false
		if plan.HasChannel(types.ChannelChat) {
			delivered = o.dispatchChat(ctx, task, plan.ChatIDs, stats) || delivered
		}
		if plan.HasChannel(types.ChannelSMS) {
			delivered = o.dispatchSMS(ctx, task, plan.Phone, stats) || delivered
		}
		if plan.HasChannel(types.ChannelVoice) {
			voiceBatch = append(voiceBatch, task)
			voicePhone = plan.Phone
			delivered = true
		}
		if delivered {
			stats.DeliveredTasks++
		}
	}

	if len(voiceBatch) > 0 {
		o.dispatchVoice(ctx, group.name, voicePhone, voiceBatch, stats)
	}
}

func (o *Orchestrator) dispatchChat(ctx context.Context, task types.ReminderTask, chatIDs []string, stats *types.DeliveryStats) bool {
	delivered := false
	for _, chatID := range chatIDs {
		if _, err := o.chat.SendTaskMessage(ctx, chatID, task); err != nil {
			logger.Error("cycle: chat delivery of %s to %s: %v", task.TaskID, chatID, err)
			stats.FailedActions = append(stats.FailedActions, fmt.Sprintf("chat %s -> %s: %v", task.TaskID, chatID, err))
			continue
		}
		stats.PerChatCounts[chatID]++
		delivered = true
	}
	return delivered
}

func (o *Orchestrator) dispatchSMS(ctx context.Context, task types.ReminderTask, phone string, stats *types.DeliveryStats) bool {
	code, err := o.ledger.IssueSMSCode(ctx, task.TaskID, task.Name)
	if err != nil {
		logger.Error("cycle: issue sms code for %s: %v", task.TaskID, err)
		stats.FailedActions = append(stats.FailedActions, fmt.Sprintf("sms code %s: %v", task.TaskID, err))
		return false
	}

	text := fmt.Sprintf("Task reminder %d. %s\nReply \"%d. your answer\" to update it.", code, task.Name, code)
	result := o.phone.SendSMS(ctx, phone, text)
	if !result.Success {
		o.handleDeliveryFailure(ctx, task, fmt.Sprintf("sms delivery failed: %s", result.Error), stats)
		return false
	}
	stats.SMSSent++
	return true
}

// dispatchVoice places one batched call for the assignee, waits for the
// recording pipeline, transcribes and classifies the reply, and applies one
// outcome per task. No recording within the timeout degrades to NOT_DONE so
// the tasks resurface next cycle.
func (o *Orchestrator) dispatchVoice(ctx context.Context, assignee string, phone string, batch []types.ReminderTask, stats *types.DeliveryStats) {
	names := make([]string, 0, len(batch))
	for _, task := range batch {
		names = append(names, task.Name)
	}
	script := o.script(assignee, names)

	if o.cfg.DryRunVoice {
		logger.Info("cycle: dry run, would call %s for %d tasks", phone, len(batch))
		return
	}

	stats.VoiceCalls++
	result := o.phone.PlaceCall(ctx, phone, script, o.cfg.VoiceStatusCallback)
	if !result.Success {
		stats.VoiceFailures++
		for _, task := range batch {
			o.handleDeliveryFailure(ctx, task, fmt.Sprintf("voice delivery failed: %s", result.Error), stats)
		}
		return
	}
	logger.Info("cycle: placed call %s to %s (%d tasks)", result.CallSID, phone, len(batch))

	o.sleep(ctx, o.cfg.SettleDelay)

	recordingSID := o.awaitRecording(ctx, result.CallSID)
	if recordingSID == "" {
		for _, task := range batch {
			o.applyOutcome(ctx, task, types.LabelNotDone, "no recording after call", stats)
		}
		return
	}

	audio, err := o.phone.DownloadRecording(ctx, recordingSID)
	if err != nil {
		logger.Error("cycle: download recording %s: %v", recordingSID, err)
		for _, task := range batch {
			o.applyOutcome(ctx, task, types.LabelNotDone, "recording fetch failed", stats)
		}
		return
	}

	transcript, err := o.transcriber.Transcribe(ctx, audio)
	if err != nil {
		logger.Error("cycle: transcribe call %s: %v", result.CallSID, err)
		for _, task := range batch {
			o.applyOutcome(ctx, task, types.LabelUnclear, "transcription failed", stats)
		}
		return
	}

	labels := o.classifier.ClassifyBatch(ctx, transcript, batch)
	for _, task := range batch {
		label, ok := labels[task.TaskID]
		if !ok {
			label = types.LabelUnclear
		}
		o.applyOutcome(ctx, task, label, fmt.Sprintf("voice reply: %s", previewTranscript(transcript)), stats)
	}
}

func (o *Orchestrator) awaitRecording(ctx context.Context, callSID string) string {
	deadline := o.now().Add(o.cfg.RecordingPollTimeout)
	for {
		sids, err := o.phone.ListRecordings(ctx, callSID)
		if err != nil {
			logger.Error("cycle: list recordings for %s: %v", callSID, err)
		} else if len(sids) > 0 {
			return sids[0]
		}
		if ctx.Err() != nil || !o.now().Before(deadline) {
			return ""
		}
		o.sleep(ctx, o.cfg.RecordingPollEvery)
	}
}

// handleDeliveryFailure is the DELIVERY_FAILED path: bounce the task back to
// pending and record the failure, no blocking wait.
func (o *Orchestrator) handleDeliveryFailure(ctx context.Context, task types.ReminderTask, reason string, stats *types.DeliveryStats) {
	stats.FailedActions = append(stats.FailedActions, fmt.Sprintf("%s: %s", task.TaskID, reason))
	o.applyOutcome(ctx, task, types.LabelNotDone, reason, stats)
}

// applyOutcome performs the single status application for a task this cycle:
// DONE marks the ledger, anything else advances the due date inside the
// working window. The audit comment is best effort.
func (o *Orchestrator) applyOutcome(ctx context.Context, task types.ReminderTask, label types.StatusLabel, note string, stats *types.DeliveryStats) {
	if !o.source.ApplyStatus(ctx, task.TaskID, label) {
		stats.FailedActions = append(stats.FailedActions, fmt.Sprintf("apply %s to %s failed", label, task.TaskID))
		return
	}

	if label == types.LabelDone {
		if err := o.ledger.MarkCompleted(ctx, task.TaskID, task.Name); err != nil {
			logger.Error("cycle: mark completed %s: %v", task.TaskID, err)
		}
	} else {
		due := o.hours.Reschedule(o.now(), label)
		if err := o.source.UpdateDueDate(ctx, task.TaskID, due); err != nil {
			logger.Error("cycle: reschedule %s: %v", task.TaskID, err)
		}
	}

	o.source.AppendComment(ctx, task.TaskID, fmt.Sprintf("Reminder outcome: %s (%s)", label, note))
	stats.UserActions = append(stats.UserActions, fmt.Sprintf("%s -> %s (%s)", task.Name, label, note))
}

func (o *Orchestrator) sendSummary(ctx context.Context, stats types.DeliveryStats) {
	if o.cfg.SummaryChatID == "" {
		return
	}
	if err := o.chat.SendPlain(ctx, o.cfg.SummaryChatID, formatSummary(stats)); err != nil {
		logger.Error("cycle: send summary: %v", err)
	}
}

func previewTranscript(s string) string {
	runes := []rune(s)
	if len(runes) <= 120 {
		return s
	}
	return string(runes[:120]) + "..."
}
