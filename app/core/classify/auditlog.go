package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"callup/app/pkg/logger"
)

// AuditLog appends one JSONL record per oracle call, grouped into hourly
// files under a per-day directory. A nil AuditLog discards records.
type AuditLog struct {
	dir string
	mu  sync.Mutex
}

type auditEntry struct {
	Timestamp     string `json:"timestamp"`
	Kind          string `json:"kind"`
	Model         string `json:"model"`
	Status        string `json:"status"`
	DurationMs    int64  `json:"duration_ms"`
	PromptChars   int    `json:"prompt_chars"`
	PromptPreview string `json:"prompt_preview,omitempty"`
	OutputPreview string `json:"output_preview,omitempty"`
	Error         string `json:"error,omitempty"`
}

func NewAuditLog(dir string) *AuditLog {
	return &AuditLog{dir: dir}
}

func (a *AuditLog) Record(kind string, model string, prompt string, output string, callErr error, duration time.Duration) {
	if a == nil {
		return
	}
	now := time.Now()
	record := auditEntry{
		Timestamp:     now.Format(time.RFC3339Nano),
		Kind:          kind,
		Model:         model,
		Status:        "ok",
		DurationMs:    duration.Milliseconds(),
		PromptChars:   len(prompt),
		PromptPreview: previewText(prompt, 240),
		OutputPreview: previewText(output, 240),
	}
	if callErr != nil {
		record.Status = "error"
		record.Error = callErr.Error()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		logger.Error("classify audit: marshal: %v", err)
		return
	}

	dayDir := filepath.Join(a.dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		logger.Error("classify audit: create dir: %v", err)
		return
	}
	logPath := filepath.Join(dayDir, fmt.Sprintf("oracle_%s.jsonl", now.Format("20060102-15")))

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("classify audit: open log: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		logger.Error("classify audit: write: %v", err)
	}
}

func previewText(s string, limit int) string {
	clean := strings.TrimSpace(s)
	if clean == "" || limit <= 0 {
		return ""
	}
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	clean = strings.ReplaceAll(clean, "\n", "\\n")
	runes := []rune(clean)
	if len(runes) <= limit {
		return clean
	}
	return string(runes[:limit]) + "..."
}
