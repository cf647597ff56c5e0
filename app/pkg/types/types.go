package types

import "time"

// StatusLabel is the canonical vocabulary the classifier emits and the
// orchestrator consumes. It is mapped to tracker-native status strings
// through the configured status mapping.
type StatusLabel string

const (
	LabelDone       StatusLabel = "DONE"
	LabelNotDone    StatusLabel = "NOT_DONE"
	LabelInProgress StatusLabel = "IN_PROGRESS"
	LabelCallBack   StatusLabel = "CALL_BACK"
	LabelUnclear    StatusLabel = "UNCLEAR"
)

// AllLabels lists every valid status label.
var AllLabels = []StatusLabel{
	LabelDone,
	LabelNotDone,
	LabelInProgress,
	LabelCallBack,
	LabelUnclear,
}

// ParseLabel maps a raw token to a StatusLabel. Unknown tokens resolve to
// LabelUnclear; the classifier contract forbids failing on oracle output.
func ParseLabel(raw string) StatusLabel {
	for _, label := range AllLabels {
		if string(label) == raw {
			return label
		}
	}
	return LabelUnclear
}

// Channel identifies one delivery transport.
type Channel string

const (
	ChannelChat  Channel = "chat"
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
)

// ReminderTask is the normalized view of one tracker item due for reminding.
// Constructed fresh each poll cycle at the tracker adapter boundary and never
// mutated afterwards.
type ReminderTask struct {
	TaskID       string
	Name         string
	Description  string
	Status       string
	DueAt        time.Time
	AssigneeName string
	AssigneeID   string
	URL          string
}

// Unassigned is the placeholder assignee name for tasks where no identity
// could be resolved; routing then falls back to description-text matching.
const Unassigned = "—"

// DeliveryPlan is the per-task routing decision: which channels fire and
// which identities they target. Computed once per cycle, never persisted.
type DeliveryPlan struct {
	Channels []Channel
	ChatIDs  []string
	Phone    string
}

// HasChannel reports whether the plan includes the given channel.
func (p DeliveryPlan) HasChannel(ch Channel) bool {
	for _, c := range p.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// EventSource identifies which transport produced a callback event.
type EventSource string

const (
	SourceChat  EventSource = "chat"
	SourceSMS   EventSource = "sms"
	SourceVoice EventSource = "voice"
)

// CallbackEvent is one inbound human response. EventID must be stable across
// redeliveries of the same physical event so the reconciler can deduplicate.
type CallbackEvent struct {
	EventID    string
	TaskID     string
	Source     EventSource
	Payload    string // action code for chat, raw text for sms/voice
	Actor      string
	ChatID     string
	MessageID  int64
	From       string // sender phone for sms
	ReceivedAt time.Time
}

// CallResult is the outcome of placing one voice call.
type CallResult struct {
	Success bool
	Status  string
	CallSID string
	Error   string
}

// SMSResult is the outcome of sending one SMS.
type SMSResult struct {
	Success    bool
	MessageSID string
	Error      string
}

// InboundSMS is one message received on the service number.
type InboundSMS struct {
	SID    string
	From   string
	Body   string
	SentAt time.Time
}

// DeliveryStats summarizes one orchestrator cycle. It is consumed by the
// cycle-end summary notification and then discarded.
type DeliveryStats struct {
	Timestamp      time.Time
	TotalTasks     int
	DeliveredTasks int
	MissingTasks   int
	PerChatCounts  map[string]int
	VoiceCalls     int
	VoiceFailures  int
	SMSSent        int
	UserActions    []string
	FailedActions  []string
}
