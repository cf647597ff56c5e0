package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Config struct {
	Tracker      TrackerConfig      `json:"tracker"`
	WorkingHours WorkingHoursConfig `json:"working_hours"`
	Routing      RoutingConfig      `json:"routing"`
	Reminder     ReminderConfig     `json:"reminder"`
	Telegram     TelegramConfig     `json:"telegram"`
	Twilio       TwilioConfig       `json:"twilio"`
	OpenAI       OpenAIConfig       `json:"openai"`
}

type TrackerConfig struct {
	APIRoot      string            `json:"api_root"`
	APIToken     string            `json:"api_token"`
	WorkspaceID  string            `json:"workspace_id"`
	ListName     string            `json:"list_name"`
	StatusByLabel map[string]string `json:"status_by_label"`
	ReminderTags []string          `json:"reminder_tags"`
}

type WorkingHoursConfig struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	// Days holds time.Weekday values, Sunday=0.
	Days     []int  `json:"days"`
	Timezone string `json:"timezone"`
}

type RoutingConfig struct {
	// Phones maps assignee name to a phone number. Keys may carry
	// alias variants separated by "|" for description-text matching.
	Phones map[string]string `json:"phones"`
	// Chats maps assignee name (or "id:<assignee_id>") to one or more chat ids.
	Chats map[string][]string `json:"chats"`
	// ChannelOverrides maps assignee name to an explicit channel subset.
	ChannelOverrides map[string][]string `json:"channel_overrides"`
	DefaultChannels  []string            `json:"default_channels"`
}

type ReminderConfig struct {
	IntervalMinutes       int                `json:"interval_minutes"`
	DefaultPostponeHours  float64            `json:"default_postpone_hours"`
	PostponeHoursByLabel  map[string]float64 `json:"postpone_hours_by_label"`
	VoiceSettleSeconds    int                `json:"voice_settle_seconds"`
	RecordingPollSeconds  int                `json:"recording_poll_seconds"`
	ClassifierModel       string             `json:"classifier_model"`
	TranscriptionModel    string             `json:"transcription_model"`
	TranscriptionLanguage string             `json:"transcription_language"`
	DecisionLogMaxEntries int                `json:"decision_log_max_entries"`
}

type StatusButton struct {
	Code          string  `json:"code"`
	Text          string  `json:"text"`
	Label         string  `json:"label,omitempty"`
	PostponeHours float64 `json:"postpone_hours,omitempty"`
}

type TelegramConfig struct {
	TokenEnv      string         `json:"token_env"`
	DefaultChatID string         `json:"default_chat_id"`
	SummaryChatID string         `json:"summary_chat_id"`
	StatusButtons []StatusButton `json:"status_buttons"`
	ButtonsPerRow int            `json:"buttons_per_row"`
}

type TwilioConfig struct {
	AccountSIDEnv string `json:"account_sid_env"`
	AuthTokenEnv  string `json:"auth_token_env"`
	FromNumber    string `json:"from_number"`
	APIRoot       string `json:"api_root"`
	// WebhookPort is where inbound SMS and call status webhooks are served.
	WebhookPort int `json:"webhook_port"`
	// StatusCallbackURL is the public URL Twilio posts call status to.
	StatusCallbackURL string `json:"status_callback_url"`
}

type OpenAIConfig struct {
	APIKeyEnv         string `json:"api_key_env"`
	BaseURL           string `json:"base_url"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := validate(mgr.cfg); err != nil {
		return nil, err
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := validate(m.cfg); err != nil {
		return Config{}, err
	}
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Tracker: TrackerConfig{
			APIRoot:  "https://api.clickup.com/api/v2",
			ListName: "Reminders",
			StatusByLabel: map[string]string{
				"DONE":        "complete",
				"NOT_DONE":    "to do",
				"IN_PROGRESS": "in progress",
				"CALL_BACK":   "to do",
				"UNCLEAR":     "to do",
			},
		},
		WorkingHours: WorkingHoursConfig{
			StartHour: 10,
			EndHour:   18,
			Days:      []int{1, 2, 3, 4, 5},
			Timezone:  "Europe/Lisbon",
		},
		Routing: RoutingConfig{
			Phones:           map[string]string{},
			Chats:            map[string][]string{},
			ChannelOverrides: map[string][]string{},
			DefaultChannels:  []string{"chat", "voice", "sms"},
		},
		Reminder: ReminderConfig{
			IntervalMinutes:      60,
			DefaultPostponeHours: 2,
			PostponeHoursByLabel: map[string]float64{
				"IN_PROGRESS": 1,
				"CALL_BACK":   0.5,
			},
			VoiceSettleSeconds:    120,
			RecordingPollSeconds:  60,
			ClassifierModel:       "gpt-4o-mini",
			TranscriptionModel:    "whisper-1",
			TranscriptionLanguage: "en",
			DecisionLogMaxEntries: 5000,
		},
		Telegram: TelegramConfig{
			TokenEnv: "TELEGRAM_BOT_TOKEN",
			StatusButtons: []StatusButton{
				{Code: "d", Text: "Done", Label: "DONE"},
				{Code: "p", Text: "In progress", Label: "IN_PROGRESS"},
				{Code: "n", Text: "Not done", Label: "NOT_DONE"},
				{Code: "c", Text: "Call back", Label: "CALL_BACK"},
				{Code: "1h", Text: "+1h", PostponeHours: 1},
				{Code: "3h", Text: "+3h", PostponeHours: 3},
				{Code: "1d", Text: "+1d", PostponeHours: 24},
			},
			ButtonsPerRow: 4,
		},
		Twilio: TwilioConfig{
			AccountSIDEnv: "TWILIO_ACCOUNT_SID",
			AuthTokenEnv:  "TWILIO_AUTH_TOKEN",
			APIRoot:       "https://api.twilio.com/2010-04-01",
			WebhookPort:   8090,
		},
		OpenAI: OpenAIConfig{
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestTimeoutSec: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.Tracker.APIRoot) == "" {
		cfg.Tracker.APIRoot = def.Tracker.APIRoot
	}
	if strings.TrimSpace(cfg.Tracker.ListName) == "" {
		cfg.Tracker.ListName = def.Tracker.ListName
	}
	if cfg.Tracker.StatusByLabel == nil {
		cfg.Tracker.StatusByLabel = map[string]string{}
	}
	for label, status := range def.Tracker.StatusByLabel {
		if _, ok := cfg.Tracker.StatusByLabel[label]; !ok {
			cfg.Tracker.StatusByLabel[label] = status
		}
	}
	if cfg.WorkingHours.StartHour <= 0 {
		cfg.WorkingHours.StartHour = def.WorkingHours.StartHour
	}
	if cfg.WorkingHours.EndHour <= 0 {
		cfg.WorkingHours.EndHour = def.WorkingHours.EndHour
	}
	if len(cfg.WorkingHours.Days) == 0 {
		cfg.WorkingHours.Days = append([]int(nil), def.WorkingHours.Days...)
	}
	if strings.TrimSpace(cfg.WorkingHours.Timezone) == "" {
		cfg.WorkingHours.Timezone = def.WorkingHours.Timezone
	}
	if cfg.Routing.Phones == nil {
		cfg.Routing.Phones = map[string]string{}
	}
	if cfg.Routing.Chats == nil {
		cfg.Routing.Chats = map[string][]string{}
	}
	if cfg.Routing.ChannelOverrides == nil {
		cfg.Routing.ChannelOverrides = map[string][]string{}
	}
	if len(cfg.Routing.DefaultChannels) == 0 {
		cfg.Routing.DefaultChannels = append([]string(nil), def.Routing.DefaultChannels...)
	}
	if cfg.Reminder.IntervalMinutes <= 0 {
		cfg.Reminder.IntervalMinutes = def.Reminder.IntervalMinutes
	}
	if cfg.Reminder.DefaultPostponeHours <= 0 {
		cfg.Reminder.DefaultPostponeHours = def.Reminder.DefaultPostponeHours
	}
	if cfg.Reminder.PostponeHoursByLabel == nil {
		cfg.Reminder.PostponeHoursByLabel = map[string]float64{}
	}
	for label, hours := range def.Reminder.PostponeHoursByLabel {
		if _, ok := cfg.Reminder.PostponeHoursByLabel[label]; !ok {
			cfg.Reminder.PostponeHoursByLabel[label] = hours
		}
	}
	if cfg.Reminder.VoiceSettleSeconds <= 0 {
		cfg.Reminder.VoiceSettleSeconds = def.Reminder.VoiceSettleSeconds
	}
	if cfg.Reminder.RecordingPollSeconds <= 0 {
		cfg.Reminder.RecordingPollSeconds = def.Reminder.RecordingPollSeconds
	}
	if strings.TrimSpace(cfg.Reminder.ClassifierModel) == "" {
		cfg.Reminder.ClassifierModel = def.Reminder.ClassifierModel
	}
	if strings.TrimSpace(cfg.Reminder.TranscriptionModel) == "" {
		cfg.Reminder.TranscriptionModel = def.Reminder.TranscriptionModel
	}
	if strings.TrimSpace(cfg.Reminder.TranscriptionLanguage) == "" {
		cfg.Reminder.TranscriptionLanguage = def.Reminder.TranscriptionLanguage
	}
	if cfg.Reminder.DecisionLogMaxEntries <= 0 {
		cfg.Reminder.DecisionLogMaxEntries = def.Reminder.DecisionLogMaxEntries
	}
	if strings.TrimSpace(cfg.Telegram.TokenEnv) == "" {
		cfg.Telegram.TokenEnv = def.Telegram.TokenEnv
	}
	if len(cfg.Telegram.StatusButtons) == 0 {
		cfg.Telegram.StatusButtons = append([]StatusButton(nil), def.Telegram.StatusButtons...)
	}
	if cfg.Telegram.ButtonsPerRow <= 0 {
		cfg.Telegram.ButtonsPerRow = def.Telegram.ButtonsPerRow
	}
	if strings.TrimSpace(cfg.Twilio.AccountSIDEnv) == "" {
		cfg.Twilio.AccountSIDEnv = def.Twilio.AccountSIDEnv
	}
	if strings.TrimSpace(cfg.Twilio.AuthTokenEnv) == "" {
		cfg.Twilio.AuthTokenEnv = def.Twilio.AuthTokenEnv
	}
	if strings.TrimSpace(cfg.Twilio.APIRoot) == "" {
		cfg.Twilio.APIRoot = def.Twilio.APIRoot
	}
	if cfg.Twilio.WebhookPort <= 0 {
		cfg.Twilio.WebhookPort = def.Twilio.WebhookPort
	}
	if strings.TrimSpace(cfg.OpenAI.APIKeyEnv) == "" {
		cfg.OpenAI.APIKeyEnv = def.OpenAI.APIKeyEnv
	}
	if cfg.OpenAI.RequestTimeoutSec <= 0 {
		cfg.OpenAI.RequestTimeoutSec = def.OpenAI.RequestTimeoutSec
	}
}

var knownLabels = map[string]bool{
	"DONE":        true,
	"NOT_DONE":    true,
	"IN_PROGRESS": true,
	"CALL_BACK":   true,
	"UNCLEAR":     true,
}

var knownChannels = map[string]bool{
	"chat":  true,
	"voice": true,
	"sms":   true,
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Tracker.ListName) == "" {
		return fmt.Errorf("tracker.list_name must not be empty")
	}
	for label := range cfg.Tracker.StatusByLabel {
		if !knownLabels[label] {
			return fmt.Errorf("tracker.status_by_label: unknown label %q", label)
		}
	}
	for label := range cfg.Reminder.PostponeHoursByLabel {
		if !knownLabels[label] {
			return fmt.Errorf("reminder.postpone_hours_by_label: unknown label %q", label)
		}
	}
	if cfg.WorkingHours.StartHour < 0 || cfg.WorkingHours.StartHour > 23 {
		return fmt.Errorf("working_hours.start_hour %d out of range", cfg.WorkingHours.StartHour)
	}
	if cfg.WorkingHours.EndHour < 1 || cfg.WorkingHours.EndHour > 24 {
		return fmt.Errorf("working_hours.end_hour %d out of range", cfg.WorkingHours.EndHour)
	}
	if cfg.WorkingHours.EndHour <= cfg.WorkingHours.StartHour {
		return fmt.Errorf("working_hours.end_hour must be after start_hour")
	}
	for _, day := range cfg.WorkingHours.Days {
		if day < 0 || day > 6 {
			return fmt.Errorf("working_hours.days: invalid weekday %d", day)
		}
	}
	if _, err := time.LoadLocation(cfg.WorkingHours.Timezone); err != nil {
		return fmt.Errorf("working_hours.timezone %q: %w", cfg.WorkingHours.Timezone, err)
	}
	for name, channels := range cfg.Routing.ChannelOverrides {
		for _, ch := range channels {
			if !knownChannels[ch] {
				return fmt.Errorf("routing.channel_overrides[%s]: unknown channel %q", name, ch)
			}
		}
	}
	for _, ch := range cfg.Routing.DefaultChannels {
		if !knownChannels[ch] {
			return fmt.Errorf("routing.default_channels: unknown channel %q", ch)
		}
	}
	seenCodes := map[string]bool{}
	for _, btn := range cfg.Telegram.StatusButtons {
		if strings.TrimSpace(btn.Code) == "" {
			return fmt.Errorf("telegram.status_buttons: empty code")
		}
		if seenCodes[btn.Code] {
			return fmt.Errorf("telegram.status_buttons: duplicate code %q", btn.Code)
		}
		seenCodes[btn.Code] = true
		if btn.Label == "" && btn.PostponeHours <= 0 {
			return fmt.Errorf("telegram.status_buttons[%s]: needs label or postpone_hours", btn.Code)
		}
		if btn.Label != "" && !knownLabels[btn.Label] {
			return fmt.Errorf("telegram.status_buttons[%s]: unknown label %q", btn.Code, btn.Label)
		}
	}
	return nil
}
