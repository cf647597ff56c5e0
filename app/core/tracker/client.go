package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	config "callup/app/configs"
	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

// ErrUnavailable covers transport and auth failures talking to the tracker.
// Callers treat it as "zero tasks this cycle" after logging, never as fatal.
var ErrUnavailable = errors.New("tracker unavailable")

// ErrListNotFound means the configured reminder list does not exist anywhere
// in the workspace hierarchy.
var ErrListNotFound = errors.New("reminder list not found")

type Client struct {
	apiRoot     string
	token       string
	workspaceID string
	listName    string
	tags        []string
	statusFor   map[types.StatusLabel]string
	loc         *time.Location
	http        *http.Client

	mu     sync.Mutex
	listID string
}

func NewClient(cfg config.TrackerConfig, loc *time.Location) *Client {
	statusFor := make(map[types.StatusLabel]string, len(cfg.StatusByLabel))
	for label, status := range cfg.StatusByLabel {
		statusFor[types.StatusLabel(label)] = status
	}
	return &Client{
		apiRoot:     strings.TrimRight(cfg.APIRoot, "/"),
		token:       cfg.APIToken,
		workspaceID: cfg.WorkspaceID,
		listName:    cfg.ListName,
		tags:        cfg.ReminderTags,
		statusFor:   statusFor,
		loc:         loc,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchDueTasks resolves the reminder list, pulls its open tasks and returns
// the ones due at or before now. Closed tasks, archived tasks and subtasks
// are excluded at the query level.
func (c *Client) FetchDueTasks(ctx context.Context, now time.Time) ([]types.ReminderTask, error) {
	listID, err := c.resolveListID(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, fmt.Sprintf("/list/%s/task?include_closed=false&subtasks=false&archived=false", listID))
	if err != nil {
		return nil, err
	}

	nowLocal := now.In(c.loc)
	var due []types.ReminderTask
	gjson.GetBytes(body, "tasks").ForEach(func(_, raw gjson.Result) bool {
		task := c.normalize(raw)
		if task.DueAt.IsZero() || task.DueAt.After(nowLocal) {
			return true
		}
		if !c.matchesTags(raw) {
			return true
		}
		due = append(due, task)
		return true
	})
	return due, nil
}

// FetchTask returns the normalized view of one task by id.
func (c *Client) FetchTask(ctx context.Context, taskID string) (types.ReminderTask, error) {
	body, err := c.get(ctx, "/task/"+taskID)
	if err != nil {
		return types.ReminderTask{}, err
	}
	return c.normalize(gjson.ParseBytes(body)), nil
}

// ApplyStatus maps the label to the tracker-native status and writes it.
// Expected API failures surface as false with a logged reason, never a panic.
// A history line is appended to the task description on success.
func (c *Client) ApplyStatus(ctx context.Context, taskID string, label types.StatusLabel) bool {
	status, ok := c.statusFor[label]
	if !ok || strings.TrimSpace(status) == "" {
		logger.Error("tracker: no status mapping for label %s", label)
		return false
	}

	payload, _ := sjson.Set("", "status", status)
	if err := c.put(ctx, "/task/"+taskID, payload); err != nil {
		logger.Error("tracker: apply status %s to task %s: %v", status, taskID, err)
		return false
	}

	c.appendHistoryLine(ctx, taskID, label)
	return true
}

// UpdateDueDate writes a new due time. The tracker wants epoch milliseconds
// with the time component flagged explicit.
func (c *Client) UpdateDueDate(ctx context.Context, taskID string, due time.Time) error {
	payload, _ := sjson.Set("", "due_date", due.UnixMilli())
	payload, _ = sjson.Set(payload, "due_date_time", true)
	if err := c.put(ctx, "/task/"+taskID, payload); err != nil {
		return fmt.Errorf("update due date for task %s: %w", taskID, err)
	}
	return nil
}

// AppendComment is best effort. Failure never blocks or reverses a status
// update already applied.
func (c *Client) AppendComment(ctx context.Context, taskID string, text string) bool {
	payload, _ := sjson.Set("", "comment_text", text)
	if err := c.post(ctx, "/task/"+taskID+"/comment", payload); err != nil {
		logger.Error("tracker: append comment to task %s: %v", taskID, err)
		return false
	}
	return true
}

// FetchComments returns the plain text of every comment on the task, used by
// the callback-comment verification routine.
func (c *Client) FetchComments(ctx context.Context, taskID string) ([]string, error) {
	body, err := c.get(ctx, "/task/"+taskID+"/comment")
	if err != nil {
		return nil, err
	}
	var comments []string
	gjson.GetBytes(body, "comments").ForEach(func(_, comment gjson.Result) bool {
		text := comment.Get("comment_text").String()
		if strings.TrimSpace(text) != "" {
			comments = append(comments, text)
		}
		return true
	})
	return comments, nil
}

func (c *Client) appendHistoryLine(ctx context.Context, taskID string, label types.StatusLabel) {
	body, err := c.get(ctx, "/task/"+taskID)
	if err != nil {
		logger.Error("tracker: fetch task %s for history line: %v", taskID, err)
		return
	}
	description := gjson.GetBytes(body, "description").String()
	line := fmt.Sprintf("--- %s status: %s", time.Now().In(c.loc).Format("2006-01-02 15:04"), label)
	if description != "" {
		description += "\n"
	}
	payload, _ := sjson.Set("", "description", description+line)
	if err := c.put(ctx, "/task/"+taskID, payload); err != nil {
		logger.Error("tracker: append history line to task %s: %v", taskID, err)
	}
}

// resolveListID walks workspace -> space -> folder -> list (plus folderless
// lists) to find the configured list name. The id is cached after the first
// successful walk.
func (c *Client) resolveListID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.listID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	workspaceID := c.workspaceID
	if workspaceID == "" {
		body, err := c.get(ctx, "/team")
		if err != nil {
			return "", err
		}
		workspaceID = gjson.GetBytes(body, "teams.0.id").String()
		if workspaceID == "" {
			return "", fmt.Errorf("%w: no workspace visible to token", ErrUnavailable)
		}
	}

	spaces, err := c.get(ctx, "/team/"+workspaceID+"/space")
	if err != nil {
		return "", err
	}

	var listID string
	gjson.GetBytes(spaces, "spaces").ForEach(func(_, space gjson.Result) bool {
		spaceID := space.Get("id").String()

		if id := c.findListIn(ctx, "/space/"+spaceID+"/list"); id != "" {
			listID = id
			return false
		}

		folders, err := c.get(ctx, "/space/"+spaceID+"/folder")
		if err != nil {
			return true
		}
		gjson.GetBytes(folders, "folders").ForEach(func(_, folder gjson.Result) bool {
			if id := c.findListIn(ctx, "/folder/"+folder.Get("id").String()+"/list"); id != "" {
				listID = id
				return false
			}
			return true
		})
		return listID == ""
	})

	if listID == "" {
		return "", fmt.Errorf("%w: %q", ErrListNotFound, c.listName)
	}

	c.mu.Lock()
	c.listID = listID
	c.mu.Unlock()
	return listID, nil
}

func (c *Client) findListIn(ctx context.Context, path string) string {
	body, err := c.get(ctx, path)
	if err != nil {
		return ""
	}
	var found string
	gjson.GetBytes(body, "lists").ForEach(func(_, list gjson.Result) bool {
		if strings.EqualFold(list.Get("name").String(), c.listName) {
			found = list.Get("id").String()
			return false
		}
		return true
	})
	return found
}

// normalize parses one raw task payload into the typed entity. Nothing past
// this boundary touches untyped tracker JSON.
func (c *Client) normalize(raw gjson.Result) types.ReminderTask {
	task := types.ReminderTask{
		TaskID:      raw.Get("id").String(),
		Name:        raw.Get("name").String(),
		Description: raw.Get("description").String(),
		Status:      raw.Get("status.status").String(),
		URL:         raw.Get("url").String(),
	}

	if dueMillis := raw.Get("due_date").String(); dueMillis != "" {
		if millis, err := strconv.ParseInt(dueMillis, 10, 64); err == nil {
			task.DueAt = time.UnixMilli(millis).In(c.loc)
		}
	}

	task.AssigneeName, task.AssigneeID = resolveAssignee(raw)
	return task
}

// resolveAssignee applies the resolution chain: first native assignee, then
// the sole watcher who is not the creator, then a custom field named
// "assignee". Anything else is unassigned and routing falls back to
// description-text matching.
func resolveAssignee(raw gjson.Result) (string, string) {
	if first := raw.Get("assignees.0"); first.Exists() {
		name := first.Get("username").String()
		if name == "" {
			name = first.Get("email").String()
		}
		if name != "" {
			return name, first.Get("id").String()
		}
	}

	creatorID := raw.Get("creator.id").String()
	var candidates []gjson.Result
	raw.Get("watchers").ForEach(func(_, watcher gjson.Result) bool {
		if watcher.Get("id").String() != creatorID {
			candidates = append(candidates, watcher)
		}
		return true
	})
	if len(candidates) == 1 {
		name := candidates[0].Get("username").String()
		if name != "" {
			return name, candidates[0].Get("id").String()
		}
	}

	var fieldName string
	raw.Get("custom_fields").ForEach(func(_, field gjson.Result) bool {
		if strings.EqualFold(field.Get("name").String(), "assignee") {
			fieldName = strings.TrimSpace(field.Get("value").String())
			return false
		}
		return true
	})
	if fieldName != "" {
		return fieldName, ""
	}

	return types.Unassigned, ""
}

func (c *Client) matchesTags(raw gjson.Result) bool {
	if len(c.tags) == 0 {
		return true
	}
	taskTags := map[string]bool{}
	raw.Get("tags").ForEach(func(_, tag gjson.Result) bool {
		taskTags[strings.ToLower(tag.Get("name").String())] = true
		return true
	})
	for _, want := range c.tags {
		if taskTags[strings.ToLower(want)] {
			return true
		}
	}
	return false
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, "")
}

func (c *Client) put(ctx context.Context, path string, payload string) error {
	_, err := c.do(ctx, http.MethodPut, path, payload)
	return err
}

func (c *Client) post(ctx context.Context, path string, payload string) error {
	_, err := c.do(ctx, http.MethodPost, path, payload)
	return err
}

func (c *Client) do(ctx context.Context, method string, path string, payload string) ([]byte, error) {
	var body io.Reader
	if payload != "" {
		body = bytes.NewReader([]byte(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiRoot+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", c.token)
	if payload != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}
