package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	config "callup/app/configs"
	"callup/app/core/ledger"
	"callup/app/core/orchestrator/db"
	"callup/app/pkg/types"
)

type fakeTracker struct {
	tasks     map[string]types.ReminderTask
	applied   map[string][]types.StatusLabel
	dues      map[string]time.Time
	comments  map[string][]string
	applyFail bool
	dueFail   bool
}

func newFakeTracker(tasks ...types.ReminderTask) *fakeTracker {
	f := &fakeTracker{
		tasks:    map[string]types.ReminderTask{},
		applied:  map[string][]types.StatusLabel{},
		dues:     map[string]time.Time{},
		comments: map[string][]string{},
	}
	for _, task := range tasks {
		f.tasks[task.TaskID] = task
	}
	return f
}

func (f *fakeTracker) FetchTask(_ context.Context, taskID string) (types.ReminderTask, error) {
	task, ok := f.tasks[taskID]
	if !ok {
		return types.ReminderTask{}, errors.New("task not found")
	}
	return task, nil
}

func (f *fakeTracker) ApplyStatus(_ context.Context, taskID string, label types.StatusLabel) bool {
	if f.applyFail {
		return false
	}
	f.applied[taskID] = append(f.applied[taskID], label)
	return true
}

func (f *fakeTracker) UpdateDueDate(_ context.Context, taskID string, due time.Time) error {
	if f.dueFail {
		return errors.New("due update refused")
	}
	f.dues[taskID] = due
	return nil
}

func (f *fakeTracker) AppendComment(_ context.Context, taskID string, text string) bool {
	f.comments[taskID] = append(f.comments[taskID], text)
	return true
}

func (f *fakeTracker) FetchComments(_ context.Context, taskID string) ([]string, error) {
	return f.comments[taskID], nil
}

type fakeClassifier struct {
	label types.StatusLabel
	calls int
}

func (f *fakeClassifier) Classify(context.Context, string, string) types.StatusLabel {
	f.calls++
	return f.label
}

type fakeHours struct{}

func (fakeHours) Reschedule(now time.Time, _ types.StatusLabel) time.Time {
	return now.Add(2 * time.Hour)
}

type fakeNotifier struct {
	plain   []string
	removed []string
}

func (f *fakeNotifier) SendPlain(_ context.Context, chatID string, text string) error {
	f.plain = append(f.plain, chatID+"|"+text)
	return nil
}

func (f *fakeNotifier) RemoveInlineKeyboard(_ context.Context, chatID string, messageID int64) error {
	f.removed = append(f.removed, chatID)
	return nil
}

type fakeSMS struct {
	sent []string
	fail bool
}

func (f *fakeSMS) SendSMS(_ context.Context, to string, text string) types.SMSResult {
	if f.fail {
		return types.SMSResult{Error: "undeliverable"}
	}
	f.sent = append(f.sent, to+"|"+text)
	return types.SMSResult{Success: true}
}

var testButtons = []config.StatusButton{
	{Code: "d", Text: "Done", Label: "DONE"},
	{Code: "n", Text: "Not done", Label: "NOT_DONE"},
	{Code: "3h", Text: "+3h", PostponeHours: 3},
}

type fixture struct {
	rec      *Reconciler
	tracker  *fakeTracker
	store    *ledger.Store
	notifier *fakeNotifier
	sms      *fakeSMS
	cls      *fakeClassifier
}

func newFixture(t *testing.T, tracker *fakeTracker, label types.StatusLabel) *fixture {
	t.Helper()
	database, err := db.NewSQLiteDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := ledger.NewStore(database)
	notifier := &fakeNotifier{}
	sms := &fakeSMS{}
	cls := &fakeClassifier{label: label}
	rec := New(Config{SummaryChatID: "sum"}, tracker, store, cls, fakeHours{}, notifier, sms, testButtons)
	return &fixture{rec: rec, tracker: tracker, store: store, notifier: notifier, sms: sms, cls: cls}
}

func chatEvent(eventID, taskID, code string) types.CallbackEvent {
	return types.CallbackEvent{
		EventID:   eventID,
		TaskID:    taskID,
		Source:    types.SourceChat,
		Payload:   code,
		Actor:     "alex",
		ChatID:    "123",
		MessageID: 42,
	}
}

func TestChatEventAppliesStatusOnce(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	fx := newFixture(t, tracker, types.LabelUnclear)
	ctx := context.Background()

	if err := fx.rec.HandleEvent(ctx, chatEvent("e1", "t1", "d")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if got := tracker.applied["t1"]; len(got) != 1 || got[0] != types.LabelDone {
		t.Fatalf("expected one DONE application, got %v", got)
	}
	done, err := fx.store.IsCompleted(ctx, "t1")
	if err != nil || !done {
		t.Fatalf("DONE must mark the ledger, done=%v err=%v", done, err)
	}
	if len(tracker.comments["t1"]) != 1 {
		t.Fatalf("expected one audit comment, got %v", tracker.comments["t1"])
	}
	if len(fx.notifier.removed) != 1 {
		t.Fatalf("inline keyboard must be removed")
	}
	if len(fx.notifier.plain) != 1 || !strings.Contains(fx.notifier.plain[0], "resolved as DONE") {
		t.Fatalf("summary notification missing: %v", fx.notifier.plain)
	}
}

func TestDuplicateEventIsNoOp(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	fx := newFixture(t, tracker, types.LabelUnclear)
	ctx := context.Background()

	event := chatEvent("e1", "t1", "d")
	for i := 0; i < 3; i++ {
		if err := fx.rec.HandleEvent(ctx, event); err != nil {
			t.Fatalf("HandleEvent replay %d: %v", i, err)
		}
	}

	if got := tracker.applied["t1"]; len(got) != 1 {
		t.Fatalf("replays must not re-apply status, got %v", got)
	}
	entries, err := fx.store.RecentDecisions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDecisions: %v", err)
	}
	successes := 0
	for _, entry := range entries {
		if entry.EventID == "e1" && entry.Result == "success" {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success entry, got %d", successes)
	}
}

func TestNonDoneLabelReschedules(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	fx := newFixture(t, tracker, types.LabelUnclear)

	if err := fx.rec.HandleEvent(context.Background(), chatEvent("e1", "t1", "n")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := tracker.applied["t1"]; len(got) != 1 || got[0] != types.LabelNotDone {
		t.Fatalf("expected NOT_DONE, got %v", got)
	}
	if _, ok := tracker.dues["t1"]; !ok {
		t.Fatalf("non-DONE label must advance the due date")
	}
	done, _ := fx.store.IsCompleted(context.Background(), "t1")
	if done {
		t.Fatalf("ledger must stay unchanged for NOT_DONE")
	}
}

func TestPostponeSkipsClassifier(t *testing.T) {
	existingDue := time.Now().Add(5 * time.Hour)
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice", DueAt: existingDue})
	fx := newFixture(t, tracker, types.LabelDone)

	if err := fx.rec.HandleEvent(context.Background(), chatEvent("e1", "t1", "3h")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if fx.cls.calls != 0 {
		t.Fatalf("postpone must not call the classifier")
	}
	if len(tracker.applied["t1"]) != 0 {
		t.Fatalf("postpone must not apply a status, got %v", tracker.applied["t1"])
	}
	due, ok := tracker.dues["t1"]
	if !ok {
		t.Fatalf("postpone must write a due date")
	}
	want := existingDue.Add(3 * time.Hour)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want max(existing, now)+3h = %v", due, want)
	}
	if len(tracker.comments["t1"]) != 1 || !strings.Contains(tracker.comments["t1"][0], "postponed") {
		t.Fatalf("postpone comment missing: %v", tracker.comments["t1"])
	}
}

func TestPostponeFromPastDueUsesNow(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice", DueAt: time.Now().Add(-48 * time.Hour)})
	fx := newFixture(t, tracker, types.LabelDone)

	before := time.Now()
	if err := fx.rec.HandleEvent(context.Background(), chatEvent("e1", "t1", "3h")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	due := tracker.dues["t1"]
	if due.Before(before.Add(3*time.Hour - time.Minute)) {
		t.Fatalf("overdue task must postpone from now, got %v", due)
	}
}

func TestUnknownActionCodeFails(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	fx := newFixture(t, tracker, types.LabelDone)
	ctx := context.Background()

	if err := fx.rec.HandleEvent(ctx, chatEvent("e1", "t1", "zz")); err == nil {
		t.Fatalf("unknown code must fail")
	}
	if len(tracker.applied["t1"]) != 0 {
		t.Fatalf("failed event must not apply status")
	}
	entries, _ := fx.store.RecentDecisions(ctx, 10)
	if len(entries) != 1 || entries[0].Result != "error" {
		t.Fatalf("expected one error entry, got %v", entries)
	}
	if len(fx.notifier.plain) != 1 || !strings.Contains(fx.notifier.plain[0], "Resubmit manually") {
		t.Fatalf("operator notification missing: %v", fx.notifier.plain)
	}
}

func TestSMSReplyFlow(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	fx := newFixture(t, tracker, types.LabelDone)
	ctx := context.Background()

	code, err := fx.store.IssueSMSCode(ctx, "t1", "Pay invoice")
	if err != nil {
		t.Fatalf("IssueSMSCode: %v", err)
	}

	event := types.CallbackEvent{
		EventID: "sms-SM1",
		Source:  types.SourceSMS,
		Payload: "1. all done, paid this morning",
		From:    "+351911111111",
	}
	if code != 1 {
		t.Fatalf("expected code 1, got %d", code)
	}
	if err := fx.rec.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if got := tracker.applied["t1"]; len(got) != 1 || got[0] != types.LabelDone {
		t.Fatalf("sms reply must resolve via code, got %v", got)
	}
	if fx.cls.calls != 1 {
		t.Fatalf("classifier must run once on the reply text")
	}
	if len(fx.sms.sent) != 1 || !strings.Contains(fx.sms.sent[0], "marked done") {
		t.Fatalf("confirmation sms missing: %v", fx.sms.sent)
	}
}

func TestSMSMalformedBodyFails(t *testing.T) {
	tracker := newFakeTracker()
	fx := newFixture(t, tracker, types.LabelDone)

	event := types.CallbackEvent{
		EventID: "sms-SM2",
		Source:  types.SourceSMS,
		Payload: "yes it is finished",
		From:    "+351911111111",
	}
	if err := fx.rec.HandleEvent(context.Background(), event); err == nil {
		t.Fatalf("free-form sms without ordinal must fail")
	}
	if len(fx.sms.sent) != 0 {
		t.Fatalf("no confirmation for failed event")
	}
}

func TestSMSUnknownCodeFails(t *testing.T) {
	tracker := newFakeTracker()
	fx := newFixture(t, tracker, types.LabelDone)

	event := types.CallbackEvent{
		EventID: "sms-SM3",
		Source:  types.SourceSMS,
		Payload: "7. done",
	}
	if err := fx.rec.HandleEvent(context.Background(), event); err == nil {
		t.Fatalf("unknown sms code must fail")
	}
}

func TestVoiceTranscriptEvent(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	fx := newFixture(t, tracker, types.LabelInProgress)

	event := types.CallbackEvent{
		EventID: "v-1",
		TaskID:  "t1",
		Source:  types.SourceVoice,
		Payload: "still working on it",
	}
	if err := fx.rec.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := tracker.applied["t1"]; len(got) != 1 || got[0] != types.LabelInProgress {
		t.Fatalf("expected IN_PROGRESS, got %v", got)
	}
}

func TestApplyFailureWritesErrorEntry(t *testing.T) {
	tracker := newFakeTracker(types.ReminderTask{TaskID: "t1", Name: "Pay invoice"})
	tracker.applyFail = true
	fx := newFixture(t, tracker, types.LabelDone)
	ctx := context.Background()

	if err := fx.rec.HandleEvent(ctx, chatEvent("e1", "t1", "d")); err == nil {
		t.Fatalf("apply failure must surface")
	}

	entries, _ := fx.store.RecentDecisions(ctx, 10)
	if len(entries) != 1 || entries[0].Result != "error" {
		t.Fatalf("expected error entry, got %v", entries)
	}

	// the event was never recorded as success, so a resubmission works
	tracker.applyFail = false
	if err := fx.rec.HandleEvent(ctx, chatEvent("e1", "t1", "d")); err != nil {
		t.Fatalf("resubmission after failure: %v", err)
	}
	if got := tracker.applied["t1"]; len(got) != 1 {
		t.Fatalf("resubmission applies exactly once, got %v", got)
	}
}

func TestEnsureCallbackComments(t *testing.T) {
	tracker := newFakeTracker(
		types.ReminderTask{TaskID: "t1", Name: "Pay invoice"},
		types.ReminderTask{TaskID: "t2", Name: "Send report"},
	)
	fx := newFixture(t, tracker, types.LabelUnclear)
	ctx := context.Background()

	if err := fx.rec.HandleEvent(ctx, chatEvent("e1", "t1", "d")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if err := fx.rec.EnsureCallbackComments(ctx, 10); err != nil {
		t.Fatalf("comments present, expected nil: %v", err)
	}

	// simulate a comment-post failure that succeeded at status level
	if err := fx.store.RecordDecision(ctx, ledger.DecisionEntry{
		EventID: "e2", TaskID: "t2", Source: types.SourceChat, Label: types.LabelDone, Result: "success",
	}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	err := fx.rec.EnsureCallbackComments(ctx, 10)
	if err == nil {
		t.Fatalf("missing comment must raise an aggregate error")
	}
	if !strings.Contains(err.Error(), "t2") || strings.Contains(err.Error(), "t1,") {
		t.Fatalf("error must name only affected tasks: %v", err)
	}
}
