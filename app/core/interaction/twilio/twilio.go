package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	APIRoot    string
}

// Client is the telephony transport: outbound voice calls with recording,
// outbound SMS, and polling for recordings and inbound SMS.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = "https://api.twilio.com/2010-04-01"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// PlaceCall starts an outbound call that reads the script aloud and records
// the reply. Failures come back inside the result, not as an error: one
// failed call must never abort the dispatch loop.
func (c *Client) PlaceCall(ctx context.Context, to string, script string, statusCallback string) types.CallResult {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Twiml", BuildTwiML(script))
	form.Set("Record", "true")
	if statusCallback != "" {
		form.Set("StatusCallback", statusCallback)
	}

	body, err := c.post(ctx, "/Calls.json", form)
	if err != nil {
		logger.Error("twilio: place call to %s: %v", to, err)
		return types.CallResult{Error: err.Error()}
	}

	var resp struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.CallResult{Error: fmt.Sprintf("decode call response: %v", err)}
	}
	return types.CallResult{Success: true, Status: resp.Status, CallSID: resp.SID}
}

// ListRecordings returns the recording sids available for a call, newest
// first as the API serves them.
func (c *Client) ListRecordings(ctx context.Context, callSID string) ([]string, error) {
	body, err := c.get(ctx, "/Recordings.json?CallSid="+url.QueryEscape(callSID))
	if err != nil {
		return nil, fmt.Errorf("list recordings for call %s: %w", callSID, err)
	}

	var resp struct {
		Recordings []struct {
			SID string `json:"sid"`
		} `json:"recordings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode recordings: %w", err)
	}
	sids := make([]string, 0, len(resp.Recordings))
	for _, rec := range resp.Recordings {
		sids = append(sids, rec.SID)
	}
	return sids, nil
}

// DownloadRecording fetches the audio of one recording as mp3 bytes.
func (c *Client) DownloadRecording(ctx context.Context, recordingSID string) ([]byte, error) {
	body, err := c.get(ctx, "/Recordings/"+url.PathEscape(recordingSID)+".mp3")
	if err != nil {
		return nil, fmt.Errorf("download recording %s: %w", recordingSID, err)
	}
	return body, nil
}

func (c *Client) SendSMS(ctx context.Context, to string, text string) types.SMSResult {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", text)

	body, err := c.post(ctx, "/Messages.json", form)
	if err != nil {
		logger.Error("twilio: send sms to %s: %v", to, err)
		return types.SMSResult{Error: err.Error()}
	}

	var resp struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return types.SMSResult{Error: fmt.Sprintf("decode sms response: %v", err)}
	}
	return types.SMSResult{Success: true, MessageSID: resp.SID}
}

// ListInboundSMS returns messages sent to the service number after since.
// The API side filters by recipient; the time cut is applied here.
func (c *Client) ListInboundSMS(ctx context.Context, since time.Time) ([]types.InboundSMS, error) {
	body, err := c.get(ctx, "/Messages.json?To="+url.QueryEscape(c.cfg.FromNumber))
	if err != nil {
		return nil, fmt.Errorf("list inbound sms: %w", err)
	}

	var resp struct {
		Messages []struct {
			SID      string `json:"sid"`
			From     string `json:"from"`
			Body     string `json:"body"`
			DateSent string `json:"date_sent"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode inbound sms: %w", err)
	}

	var inbound []types.InboundSMS
	for _, msg := range resp.Messages {
		sentAt, err := time.Parse(time.RFC1123Z, msg.DateSent)
		if err != nil {
			continue
		}
		if !sentAt.After(since) {
			continue
		}
		inbound = append(inbound, types.InboundSMS{
			SID:    msg.SID,
			From:   msg.From,
			Body:   msg.Body,
			SentAt: sentAt,
		})
	}
	return inbound, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.accountURL(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.accountURL(path), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) accountURL(path string) string {
	return strings.TrimRight(c.cfg.APIRoot, "/") + "/Accounts/" + c.cfg.AccountSID + path
}
