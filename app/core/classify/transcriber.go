package classify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Transcriber converts a voice recording into text. A hard timeout bounds
// every request; callers treat failure as "no transcript".
type Transcriber struct {
	client   openai.Client
	model    string
	language string
	timeout  time.Duration
	audit    *AuditLog
}

func NewTranscriber(apiKey string, baseURL string, model string, language string, timeout time.Duration, audit *AuditLog) *Transcriber {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Transcriber{
		client:   openai.NewClient(clientOpts...),
		model:    model,
		language: language,
		timeout:  timeout,
		audit:    audit,
	}
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	params := openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(t.model),
		File:  openai.File(bytes.NewReader(audio), "recording.mp3", "audio/mpeg"),
	}
	if strings.TrimSpace(t.language) != "" {
		params.Language = openai.String(t.language)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	var text string
	if err == nil {
		text = resp.Text
	}
	t.audit.Record("transcribe", t.model, fmt.Sprintf("audio %d bytes", len(audio)), text, err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("transcribe recording: %w", err)
	}
	return text, nil
}
