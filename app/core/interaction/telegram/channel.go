package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	config "callup/app/configs"
	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

const defaultAPIRoot = "https://api.telegram.org"

type Config struct {
	BotToken       string
	PollInterval   time.Duration
	TimeoutSeconds int
	DefaultChatID  string
	APIRoot        string
	StatusButtons  []config.StatusButton
	ButtonsPerRow  int
}

// Bot is the chat transport: it delivers task messages with inline status
// buttons and feeds button presses and plain messages back as events.
type Bot struct {
	cfg Config

	offset int64

	mu         sync.RWMutex
	onMessage  func(chatID string, from string, text string)
	onCallback func(types.CallbackEvent)
}

func NewBot(cfg Config) *Bot {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 20
	}
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	if cfg.ButtonsPerRow <= 0 {
		cfg.ButtonsPerRow = 4
	}
	return &Bot{cfg: cfg}
}

func (b *Bot) OnMessage(handler func(chatID string, from string, text string)) {
	b.mu.Lock()
	b.onMessage = handler
	b.mu.Unlock()
}

func (b *Bot) OnCallback(handler func(types.CallbackEvent)) {
	b.mu.Lock()
	b.onCallback = handler
	b.mu.Unlock()
}

// Start long-polls getUpdates until the context is cancelled. Any webhook
// registered for the bot is removed first; webhook and long-poll modes are
// mutually exclusive on the API.
func (b *Bot) Start(ctx context.Context) error {
	if strings.TrimSpace(b.cfg.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	if err := b.call(ctx, "deleteWebhook", map[string]interface{}{}, nil); err != nil {
		logger.Error("telegram: deleteWebhook: %v", err)
	}

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := b.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("telegram: poll error: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *Bot) SendPlain(ctx context.Context, chatID string, text string) error {
	if strings.TrimSpace(chatID) == "" {
		chatID = b.cfg.DefaultChatID
	}
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("telegram chat id is required")
	}
	return b.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// SendTaskMessage delivers one task with its inline status keyboard and
// returns the message id so the keyboard can be removed after a response.
func (b *Bot) SendTaskMessage(ctx context.Context, chatID string, task types.ReminderTask) (int64, error) {
	payload := map[string]interface{}{
		"chat_id":      chatID,
		"text":         formatTask(task),
		"parse_mode":   "HTML",
		"reply_markup": b.keyboardFor(task.TaskID),
	}
	var result sendMessageResponse
	if err := b.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, err
	}
	return result.Result.MessageID, nil
}

// RemoveInlineKeyboard strips the buttons from an answered task message so
// the same reminder cannot be pressed twice by accident.
func (b *Bot) RemoveInlineKeyboard(ctx context.Context, chatID string, messageID int64) error {
	return b.call(ctx, "editMessageReplyMarkup", map[string]interface{}{
		"chat_id":      chatID,
		"message_id":   messageID,
		"reply_markup": map[string]interface{}{"inline_keyboard": [][]interface{}{}},
	}, nil)
}

func (b *Bot) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return b.call(ctx, "answerCallbackQuery", map[string]interface{}{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

func (b *Bot) keyboardFor(taskID string) map[string]interface{} {
	var rows [][]map[string]string
	var row []map[string]string
	for _, btn := range b.cfg.StatusButtons {
		row = append(row, map[string]string{
			"text":          btn.Text,
			"callback_data": fmt.Sprintf("s:%s:%s", taskID, btn.Code),
		})
		if len(row) == b.cfg.ButtonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return map[string]interface{}{"inline_keyboard": rows}
}

func (b *Bot) pollOnce(ctx context.Context) error {
	result := getUpdatesResponse{}
	offset := atomic.LoadInt64(&b.offset)
	payload := map[string]interface{}{
		"timeout":         b.cfg.TimeoutSeconds,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	if err := b.call(ctx, "getUpdates", payload, &result); err != nil {
		return err
	}

	b.mu.RLock()
	onMessage := b.onMessage
	onCallback := b.onCallback
	b.mu.RUnlock()

	for _, upd := range result.Result {
		if upd.UpdateID >= atomic.LoadInt64(&b.offset) {
			atomic.StoreInt64(&b.offset, upd.UpdateID+1)
		}
		switch {
		case upd.CallbackQuery.ID != "":
			if onCallback == nil {
				continue
			}
			event, ok := b.toCallbackEvent(upd.CallbackQuery)
			if !ok {
				logger.Error("telegram: malformed callback data %q", upd.CallbackQuery.Data)
				_ = b.AnswerCallback(ctx, upd.CallbackQuery.ID, "Unrecognized action")
				continue
			}
			_ = b.AnswerCallback(ctx, upd.CallbackQuery.ID, "Got it")
			onCallback(event)
		case upd.Message.MessageID != 0:
			if onMessage == nil {
				continue
			}
			text := strings.TrimSpace(upd.Message.Text)
			if text == "" {
				continue
			}
			chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)
			onMessage(chatID, upd.Message.From.Username, text)
		}
	}
	return nil
}

// toCallbackEvent decodes "s:<task_id>:<code>" button data. The callback
// query id is the dedup key: retried deliveries of the same press carry the
// same id.
func (b *Bot) toCallbackEvent(cq callbackQuery) (types.CallbackEvent, bool) {
	parts := strings.SplitN(cq.Data, ":", 3)
	if len(parts) != 3 || parts[0] != "s" || parts[1] == "" || parts[2] == "" {
		return types.CallbackEvent{}, false
	}
	return types.CallbackEvent{
		EventID:    "tg-" + cq.ID,
		TaskID:     parts[1],
		Source:     types.SourceChat,
		Payload:    parts[2],
		Actor:      cq.From.Username,
		ChatID:     strconv.FormatInt(cq.Message.Chat.ID, 10),
		MessageID:  cq.Message.MessageID,
		ReceivedAt: time.Now(),
	}, true
}

func (b *Bot) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	url := strings.TrimRight(b.cfg.APIRoot, "/") + "/bot" + b.cfg.BotToken + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var base apiResponse
	if err := json.Unmarshal(respBody, &base); err != nil {
		return err
	}
	if !base.OK {
		return fmt.Errorf("telegram api error: %s", base.Description)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type getUpdatesResponse struct {
	apiResponse
	Result []update `json:"result"`
}

type sendMessageResponse struct {
	apiResponse
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

type update struct {
	UpdateID      int64           `json:"update_id"`
	Message       telegramMessage `json:"message"`
	CallbackQuery callbackQuery   `json:"callback_query"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
	From      struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type callbackQuery struct {
	ID   string `json:"id"`
	From struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Message telegramMessage `json:"message"`
	Data    string          `json:"data"`
}
