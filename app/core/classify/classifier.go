package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

// Classifier maps free-form human text to one of the five status labels.
// Implementations never fail: ambiguity, oracle outages and malformed
// output all resolve to UNCLEAR.
type Classifier interface {
	Classify(ctx context.Context, text string, taskName string) types.StatusLabel
	ClassifyBatch(ctx context.Context, text string, tasks []types.ReminderTask) map[string]types.StatusLabel
}

const classifyInstruction = `You label a person's reply about a task with exactly one of:
DONE, NOT_DONE, IN_PROGRESS, CALL_BACK, UNCLEAR.
Answer with the single label token and nothing else.`

const batchInstruction = `A person was read a numbered list of tasks over the phone and replied once about all of them.
For each task id, decide one of: DONE, NOT_DONE, IN_PROGRESS, CALL_BACK, UNCLEAR.
Answer with a single JSON object mapping every task id to its label, no other text.`

// Oracle classifies through a chat-completion model.
type Oracle struct {
	client  openai.Client
	model   string
	timeout time.Duration
	audit   *AuditLog
}

type OracleOption func(*Oracle)

func WithAudit(audit *AuditLog) OracleOption {
	return func(o *Oracle) { o.audit = audit }
}

func NewOracle(apiKey string, baseURL string, model string, timeout time.Duration, opts ...OracleOption) *Oracle {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	o := &Oracle{
		client:  openai.NewClient(clientOpts...),
		model:   model,
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Oracle) Classify(ctx context.Context, text string, taskName string) types.StatusLabel {
	prompt := fmt.Sprintf("Task: %s\nReply: %s", taskName, text)
	output, err := o.complete(ctx, "classify", classifyInstruction, prompt, 20)
	if err != nil {
		logger.Error("classify: oracle unavailable, defaulting UNCLEAR: %v", err)
		return types.LabelUnclear
	}
	return types.ParseLabel(strings.ToUpper(strings.TrimSpace(output)))
}

// ClassifyBatch assigns one label per listed task from a single reply. Every
// task id gets a label: ids missing from the oracle output, unparseable
// output and oracle failure all default to UNCLEAR.
func (o *Oracle) ClassifyBatch(ctx context.Context, text string, tasks []types.ReminderTask) map[string]types.StatusLabel {
	labels := make(map[string]types.StatusLabel, len(tasks))
	for _, task := range tasks {
		labels[task.TaskID] = types.LabelUnclear
	}
	if len(tasks) == 0 {
		return labels
	}

	var list strings.Builder
	for i, task := range tasks {
		fmt.Fprintf(&list, "%d. id=%s name=%s\n", i+1, task.TaskID, task.Name)
	}
	prompt := fmt.Sprintf("Tasks:\n%s\nReply: %s", list.String(), text)

	output, err := o.complete(ctx, "classify_batch", batchInstruction, prompt, 300)
	if err != nil {
		logger.Error("classify: batch oracle unavailable, all UNCLEAR: %v", err)
		return labels
	}

	parsed := gjson.Parse(stripFences(output))
	if !parsed.IsObject() {
		logger.Error("classify: unparseable batch output, all UNCLEAR")
		return labels
	}
	for _, task := range tasks {
		if value := parsed.Get(task.TaskID); value.Exists() {
			labels[task.TaskID] = types.ParseLabel(strings.ToUpper(strings.TrimSpace(value.String())))
		}
	}
	return labels
}

func (o *Oracle) complete(ctx context.Context, kind string, instruction string, prompt string, maxTokens int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instruction),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(maxTokens),
	})

	var output string
	if err == nil {
		if len(resp.Choices) == 0 {
			err = fmt.Errorf("oracle returned no choices")
		} else {
			output = resp.Choices[0].Message.Content
		}
	}
	o.audit.Record(kind, o.model, prompt, output, err, time.Since(start))
	return output, err
}

// stripFences unwraps a markdown code fence around the oracle's structured
// output and falls back to the outermost brace span.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// Heuristic is the deterministic fallback used when no oracle is configured:
// completion keywords mean DONE, everything else is UNCLEAR.
type Heuristic struct{}

var doneKeywords = []string{"done", "finished", "completed", "complete", "all set"}

func (Heuristic) Classify(_ context.Context, text string, _ string) types.StatusLabel {
	lower := strings.ToLower(text)
	for _, kw := range doneKeywords {
		if strings.Contains(lower, kw) {
			return types.LabelDone
		}
	}
	return types.LabelUnclear
}

func (h Heuristic) ClassifyBatch(ctx context.Context, text string, tasks []types.ReminderTask) map[string]types.StatusLabel {
	labels := make(map[string]types.StatusLabel, len(tasks))
	label := h.Classify(ctx, text, "")
	for _, task := range tasks {
		labels[task.TaskID] = label
	}
	return labels
}
