package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"callup/app/core/interaction/twilio"
	"callup/app/pkg/types"
)

type fakeSource struct {
	tasks      []types.ReminderTask
	fetchErr   error
	applied    map[string][]types.StatusLabel
	dueUpdates map[string]time.Time
	comments   map[string][]string
	applyFail  bool
}

func newFakeSource(tasks ...types.ReminderTask) *fakeSource {
	return &fakeSource{
		tasks:      tasks,
		applied:    map[string][]types.StatusLabel{},
		dueUpdates: map[string]time.Time{},
		comments:   map[string][]string{},
	}
}

func (f *fakeSource) FetchDueTasks(context.Context, time.Time) ([]types.ReminderTask, error) {
	return f.tasks, f.fetchErr
}

func (f *fakeSource) ApplyStatus(_ context.Context, taskID string, label types.StatusLabel) bool {
	if f.applyFail {
		return false
	}
	f.applied[taskID] = append(f.applied[taskID], label)
	return true
}

func (f *fakeSource) UpdateDueDate(_ context.Context, taskID string, due time.Time) error {
	f.dueUpdates[taskID] = due
	return nil
}

func (f *fakeSource) AppendComment(_ context.Context, taskID string, text string) bool {
	f.comments[taskID] = append(f.comments[taskID], text)
	return true
}

type fakeLedger struct {
	completed map[string]bool
	codes     map[string]int
	nextCode  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{completed: map[string]bool{}, codes: map[string]int{}}
}

func (f *fakeLedger) IsCompleted(_ context.Context, taskID string) (bool, error) {
	return f.completed[taskID], nil
}

func (f *fakeLedger) MarkCompleted(_ context.Context, taskID string, _ string) error {
	f.completed[taskID] = true
	return nil
}

func (f *fakeLedger) IssueSMSCode(_ context.Context, taskID string, _ string) (int, error) {
	if code, ok := f.codes[taskID]; ok {
		return code, nil
	}
	f.nextCode++
	f.codes[taskID] = f.nextCode
	return f.nextCode, nil
}

type fakeRouter struct {
	plans map[string]types.DeliveryPlan
}

func (f *fakeRouter) PlanFor(task types.ReminderTask) types.DeliveryPlan {
	return f.plans[task.AssigneeName]
}

type fakeChat struct {
	taskMessages []string // "chatID|taskID"
	plain        []string // "chatID|text"
	sendErr      error
}

func (f *fakeChat) SendTaskMessage(_ context.Context, chatID string, task types.ReminderTask) (int64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.taskMessages = append(f.taskMessages, chatID+"|"+task.TaskID)
	return int64(len(f.taskMessages)), nil
}

func (f *fakeChat) SendPlain(_ context.Context, chatID string, text string) error {
	f.plain = append(f.plain, chatID+"|"+text)
	return nil
}

type fakePhone struct {
	calls      []string // "to|script"
	sms        []string // "to|text"
	callFail   bool
	smsFail    bool
	recordings []string
	audio      []byte
}

func (f *fakePhone) PlaceCall(_ context.Context, to string, script string, _ string) types.CallResult {
	if f.callFail {
		return types.CallResult{Error: "carrier rejected"}
	}
	f.calls = append(f.calls, to+"|"+script)
	return types.CallResult{Success: true, CallSID: "CA1", Status: "queued"}
}

func (f *fakePhone) ListRecordings(context.Context, string) ([]string, error) {
	return f.recordings, nil
}

func (f *fakePhone) DownloadRecording(context.Context, string) ([]byte, error) {
	return f.audio, nil
}

func (f *fakePhone) SendSMS(_ context.Context, to string, text string) types.SMSResult {
	if f.smsFail {
		return types.SMSResult{Error: "undeliverable"}
	}
	f.sms = append(f.sms, to+"|"+text)
	return types.SMSResult{Success: true, MessageSID: "SM1"}
}

type fakeClassifier struct {
	labels map[string]types.StatusLabel
}

func (f *fakeClassifier) ClassifyBatch(_ context.Context, _ string, tasks []types.ReminderTask) map[string]types.StatusLabel {
	out := map[string]types.StatusLabel{}
	for _, task := range tasks {
		if label, ok := f.labels[task.TaskID]; ok {
			out[task.TaskID] = label
		} else {
			out[task.TaskID] = types.LabelUnclear
		}
	}
	return out
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return f.text, f.err
}

type fakeHours struct {
	within bool
	next   time.Time
}

func (f *fakeHours) Within(time.Time) bool { return f.within }

func (f *fakeHours) Reschedule(now time.Time, _ types.StatusLabel) time.Time {
	if !f.next.IsZero() {
		return f.next
	}
	return now.Add(2 * time.Hour)
}

type fixture struct {
	orch   *Orchestrator
	source *fakeSource
	ledger *fakeLedger
	chat   *fakeChat
	phone  *fakePhone
}

func newFixture(t *testing.T, cfg Config, source *fakeSource, plans map[string]types.DeliveryPlan, classifier *fakeClassifier, transcriber *fakeTranscriber, hours *fakeHours) *fixture {
	t.Helper()
	if classifier == nil {
		classifier = &fakeClassifier{}
	}
	if transcriber == nil {
		transcriber = &fakeTranscriber{text: "done"}
	}
	if hours == nil {
		hours = &fakeHours{within: true}
	}
	ledger := newFakeLedger()
	chat := &fakeChat{}
	phone := &fakePhone{recordings: []string{"RE1"}, audio: []byte("mp3")}
	orch := New(cfg, source, ledger, &fakeRouter{plans: plans}, chat, phone, classifier, transcriber, hours, twilio.BuildCallScript)
	orch.sleep = func(context.Context, time.Duration) {}
	return &fixture{orch: orch, source: source, ledger: ledger, chat: chat, phone: phone}
}

func task(id, name, assignee string) types.ReminderTask {
	return types.ReminderTask{TaskID: id, Name: name, AssigneeName: assignee, DueAt: time.Now().Add(-time.Hour)}
}

func TestWorkingHoursGate(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelChat}, ChatIDs: []string{"123"}},
	}, nil, nil, &fakeHours{within: false})

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalTasks != 0 || len(fx.chat.taskMessages) != 0 {
		t.Fatalf("gate must block the whole cycle, stats %+v", stats)
	}

	stats, err = fx.orch.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if stats.TotalTasks != 1 || len(fx.chat.taskMessages) != 1 {
		t.Fatalf("force must override the gate, stats %+v", stats)
	}
}

func TestLedgerFilterPreventsDuplicateDelivery(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"), task("t2", "Send report", "Alex"))
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelSMS}, Phone: "+351911111111"},
	}, nil, nil, nil)
	fx.orch.ledger.(*fakeLedger).completed["t1"] = true

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TotalTasks != 1 {
		t.Fatalf("completed task must be filtered, stats %+v", stats)
	}
	if len(fx.phone.sms) != 1 || !strings.Contains(fx.phone.sms[0], "Send report") {
		t.Fatalf("unexpected sms %v", fx.phone.sms)
	}
}

func TestRoutingGapCounted(t *testing.T) {
	source := newFakeSource(task("t1", "Orphan task", "Nobody"))
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{}, nil, nil, nil)

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.MissingTasks != 1 || stats.DeliveredTasks != 0 {
		t.Fatalf("routing gap must be counted, stats %+v", stats)
	}
	if len(fx.source.applied["t1"]) != 0 {
		t.Fatalf("unroutable task must not get a status write")
	}
}

func TestVoiceBatchHappyPath(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"), task("t2", "Send report", "Alex"))
	classifier := &fakeClassifier{labels: map[string]types.StatusLabel{
		"t1": types.LabelDone,
		"t2": types.LabelInProgress,
	}}
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelVoice}, Phone: "+351911111111"},
	}, classifier, &fakeTranscriber{text: "first is done, second in progress"}, nil)

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fx.phone.calls) != 1 {
		t.Fatalf("expected one batched call, got %d", len(fx.phone.calls))
	}
	if !strings.Contains(fx.phone.calls[0], "Pay invoice") || !strings.Contains(fx.phone.calls[0], "Send report") {
		t.Fatalf("batched script must read both tasks: %q", fx.phone.calls[0])
	}
	if stats.VoiceCalls != 1 || stats.VoiceFailures != 0 {
		t.Fatalf("unexpected voice stats %+v", stats)
	}

	if got := fx.source.applied["t1"]; len(got) != 1 || got[0] != types.LabelDone {
		t.Fatalf("t1 applied %v, want one DONE", got)
	}
	if !fx.ledger.completed["t1"] {
		t.Fatalf("DONE task must be marked in ledger")
	}
	if got := fx.source.applied["t2"]; len(got) != 1 || got[0] != types.LabelInProgress {
		t.Fatalf("t2 applied %v, want one IN_PROGRESS", got)
	}
	if _, ok := fx.source.dueUpdates["t2"]; !ok {
		t.Fatalf("non-DONE task must be rescheduled")
	}
	if _, ok := fx.source.dueUpdates["t1"]; ok {
		t.Fatalf("DONE task must not be rescheduled")
	}
	if len(fx.source.comments["t1"]) != 1 || len(fx.source.comments["t2"]) != 1 {
		t.Fatalf("each task gets exactly one audit comment")
	}
}

func TestVoiceNoRecordingDegradesToNotDone(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{RecordingPollTimeout: time.Millisecond}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelVoice}, Phone: "+351911111111"},
	}, nil, nil, nil)
	fx.phone.recordings = nil

	if _, err := fx.orch.Run(context.Background(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := fx.source.applied["t1"]; len(got) != 1 || got[0] != types.LabelNotDone {
		t.Fatalf("missing recording must apply NOT_DONE, got %v", got)
	}
	if _, ok := fx.source.dueUpdates["t1"]; !ok {
		t.Fatalf("task must be rescheduled for the next cycle")
	}
	if fx.ledger.completed["t1"] {
		t.Fatalf("ledger must stay unchanged")
	}
}

func TestVoiceCallFailureFallback(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelVoice}, Phone: "+351911111111"},
	}, nil, nil, nil)
	fx.phone.callFail = true

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.VoiceFailures != 1 {
		t.Fatalf("voice failure must be counted, stats %+v", stats)
	}
	if got := fx.source.applied["t1"]; len(got) != 1 || got[0] != types.LabelNotDone {
		t.Fatalf("delivery failure must apply NOT_DONE, got %v", got)
	}
	if len(stats.FailedActions) == 0 {
		t.Fatalf("failure must be reported in stats")
	}
}

func TestSMSDispatchIncludesCode(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelSMS}, Phone: "+351911111111"},
	}, nil, nil, nil)

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.SMSSent != 1 || len(fx.phone.sms) != 1 {
		t.Fatalf("expected one sms, stats %+v", stats)
	}
	if !strings.Contains(fx.phone.sms[0], "1. Pay invoice") {
		t.Fatalf("sms must carry the issued code: %q", fx.phone.sms[0])
	}
}

func TestChatDispatchBroadcastsAndCounts(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelChat}, ChatIDs: []string{"123", "456"}},
	}, nil, nil, nil)

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fx.chat.taskMessages) != 2 {
		t.Fatalf("expected broadcast to both chats, got %v", fx.chat.taskMessages)
	}
	if stats.PerChatCounts["123"] != 1 || stats.PerChatCounts["456"] != 1 {
		t.Fatalf("unexpected per-chat counts %v", stats.PerChatCounts)
	}
	if stats.DeliveredTasks != 1 {
		t.Fatalf("one task delivered, stats %+v", stats)
	}
}

func TestFetchFailureIsNotFatal(t *testing.T) {
	source := newFakeSource()
	source.fetchErr = errors.New("tracker down")
	fx := newFixture(t, Config{SummaryChatID: "sum"}, source, nil, nil, nil, nil)

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("fetch failure must not be fatal: %v", err)
	}
	if len(stats.FailedActions) != 1 {
		t.Fatalf("failure must be reported, stats %+v", stats)
	}
	if len(fx.chat.plain) != 1 {
		t.Fatalf("summary must still go out")
	}
}

func TestSummarySentAtCycleEnd(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{SummaryChatID: "sum"}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelChat}, ChatIDs: []string{"123"}},
	}, nil, nil, nil)

	if _, err := fx.orch.Run(context.Background(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fx.chat.plain) != 1 || !strings.HasPrefix(fx.chat.plain[0], "sum|") {
		t.Fatalf("summary missing: %v", fx.chat.plain)
	}
	if !strings.Contains(fx.chat.plain[0], "Tasks due: 1") {
		t.Fatalf("summary content wrong: %q", fx.chat.plain[0])
	}
}

func TestDryRunVoicePlacesNoCall(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	fx := newFixture(t, Config{DryRunVoice: true}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelVoice}, Phone: "+351911111111"},
	}, nil, nil, nil)

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.VoiceCalls != 0 || len(fx.phone.calls) != 0 {
		t.Fatalf("dry run must not place calls, stats %+v", stats)
	}
	if len(fx.source.applied["t1"]) != 0 {
		t.Fatalf("dry run must not write statuses")
	}
}

func TestSecondRunAfterCompletionIsQuiet(t *testing.T) {
	source := newFakeSource(task("t1", "Pay invoice", "Alex"))
	classifier := &fakeClassifier{labels: map[string]types.StatusLabel{"t1": types.LabelDone}}
	fx := newFixture(t, Config{}, source, map[string]types.DeliveryPlan{
		"Alex": {Channels: []types.Channel{types.ChannelVoice}, Phone: "+351911111111"},
	}, classifier, nil, nil)

	if _, err := fx.orch.Run(context.Background(), false); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(fx.phone.calls) != 1 {
		t.Fatalf("expected one call after first run")
	}

	stats, err := fx.orch.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(fx.phone.calls) != 1 {
		t.Fatalf("completed task must not trigger a second call")
	}
	if stats.TotalTasks != 0 {
		t.Fatalf("ledger must filter the completed task, stats %+v", stats)
	}
}

func TestGroupByAssigneeIsStable(t *testing.T) {
	groups := groupByAssignee([]types.ReminderTask{
		task("t1", "A", "Zoe"),
		task("t2", "B", "Alex"),
		task("t3", "C", "Zoe"),
	})
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].name != "Alex" || groups[1].name != "Zoe" {
		t.Fatalf("groups must sort by name: %v", []string{groups[0].name, groups[1].name})
	}
	if len(groups[1].tasks) != 2 {
		t.Fatalf("Zoe must have both tasks")
	}
}

func TestFormatSummary(t *testing.T) {
	text := formatSummary(types.DeliveryStats{
		Timestamp:      time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		TotalTasks:     3,
		DeliveredTasks: 2,
		MissingTasks:   1,
		VoiceCalls:     1,
		SMSSent:        2,
		PerChatCounts:  map[string]int{"123": 2},
		UserActions:    []string{"Pay invoice -> DONE (voice reply: done)"},
		FailedActions:  []string{fmt.Sprintf("t9: %s", "sms delivery failed")},
	})
	for _, want := range []string{"Tasks due: 3", "Voice calls: 1", "123: 2", "Pay invoice -> DONE", "sms delivery failed"} {
		if !strings.Contains(text, want) {
			t.Fatalf("summary missing %q:\n%s", want, text)
		}
	}
}
