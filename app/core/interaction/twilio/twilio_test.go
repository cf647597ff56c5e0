package twilio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeTwilio struct {
	mu    sync.Mutex
	forms map[string][]map[string]string
}

func (f *fakeTwilio) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if r.Method == http.MethodPost {
			r.ParseForm()
			form := map[string]string{}
			for key := range r.PostForm {
				form[key] = r.PostForm.Get(key)
			}
			f.mu.Lock()
			if f.forms == nil {
				f.forms = map[string][]map[string]string{}
			}
			f.forms[r.URL.Path] = append(f.forms[r.URL.Path], form)
			f.mu.Unlock()
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/Calls.json"):
			fmt.Fprint(w, `{"sid": "CA1", "status": "queued"}`)
		case strings.HasSuffix(r.URL.Path, "/Messages.json") && r.Method == http.MethodPost:
			fmt.Fprint(w, `{"sid": "SM1"}`)
		case strings.HasSuffix(r.URL.Path, "/Messages.json"):
			fmt.Fprint(w, `{"messages": [
				{"sid": "SM2", "from": "+351911111111", "body": "1. done", "date_sent": "Fri, 28 Aug 2026 10:00:00 +0000"},
				{"sid": "SM3", "from": "+351922222222", "body": "old one", "date_sent": "Mon, 24 Aug 2026 10:00:00 +0000"}
			]}`)
		case strings.HasSuffix(r.URL.Path, "/Recordings.json"):
			fmt.Fprint(w, `{"recordings": [{"sid": "RE1"}]}`)
		case strings.HasSuffix(r.URL.Path, ".mp3"):
			w.Write([]byte("mp3-bytes"))
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestClient(t *testing.T) (*Client, *fakeTwilio) {
	t.Helper()
	fake := &fakeTwilio{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+351900000000",
		APIRoot:    srv.URL,
	}), fake
}

func TestPlaceCall(t *testing.T) {
	client, fake := newTestClient(t)

	result := client.PlaceCall(context.Background(), "+351911111111", "Hello Alex.", "")
	if !result.Success || result.CallSID != "CA1" {
		t.Fatalf("unexpected result %+v", result)
	}

	fake.mu.Lock()
	form := fake.forms["/Accounts/AC123/Calls.json"][0]
	fake.mu.Unlock()
	if form["To"] != "+351911111111" || form["From"] != "+351900000000" {
		t.Fatalf("unexpected form %v", form)
	}
	if form["Record"] != "true" {
		t.Fatalf("call must request recording")
	}
	if !strings.Contains(form["Twiml"], "<Say>Hello Alex.</Say>") {
		t.Fatalf("unexpected twiml %q", form["Twiml"])
	}
}

func TestPlaceCallFailureIsResultNotError(t *testing.T) {
	client := NewClient(Config{
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+351900000000",
		APIRoot:    "http://127.0.0.1:1",
	})
	result := client.PlaceCall(context.Background(), "+351911111111", "Hi", "")
	if result.Success || result.Error == "" {
		t.Fatalf("expected failed result, got %+v", result)
	}
}

func TestRecordingsFlow(t *testing.T) {
	client, _ := newTestClient(t)

	sids, err := client.ListRecordings(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(sids) != 1 || sids[0] != "RE1" {
		t.Fatalf("unexpected sids %v", sids)
	}

	audio, err := client.DownloadRecording(context.Background(), "RE1")
	if err != nil {
		t.Fatalf("DownloadRecording: %v", err)
	}
	if string(audio) != "mp3-bytes" {
		t.Fatalf("unexpected audio %q", audio)
	}
}

func TestSendSMS(t *testing.T) {
	client, fake := newTestClient(t)

	result := client.SendSMS(context.Background(), "+351911111111", "Reminder: 1. Pay invoice")
	if !result.Success || result.MessageSID != "SM1" {
		t.Fatalf("unexpected result %+v", result)
	}

	fake.mu.Lock()
	form := fake.forms["/Accounts/AC123/Messages.json"][0]
	fake.mu.Unlock()
	if form["Body"] != "Reminder: 1. Pay invoice" {
		t.Fatalf("unexpected body %q", form["Body"])
	}
}

func TestListInboundSMSFiltersBySince(t *testing.T) {
	client, _ := newTestClient(t)

	since := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	inbound, err := client.ListInboundSMS(context.Background(), since)
	if err != nil {
		t.Fatalf("ListInboundSMS: %v", err)
	}
	if len(inbound) != 1 {
		t.Fatalf("expected 1 message after cutoff, got %d", len(inbound))
	}
	if inbound[0].SID != "SM2" || inbound[0].Body != "1. done" {
		t.Fatalf("unexpected message %+v", inbound[0])
	}
}

func TestBuildTwiMLEscapes(t *testing.T) {
	twiml := BuildTwiML(`Say "hello" & <goodbye>`)
	if strings.Contains(twiml, "<goodbye>") {
		t.Fatalf("script must be escaped: %q", twiml)
	}
	if !strings.Contains(twiml, `maxLength="120"`) || !strings.Contains(twiml, `finishOnKey="#"`) {
		t.Fatalf("record attributes missing: %q", twiml)
	}
	if !strings.Contains(twiml, `playBeep="true"`) {
		t.Fatalf("beep attribute missing: %q", twiml)
	}
}

func TestBuildCallScript(t *testing.T) {
	script := BuildCallScript("Alex", []string{"Pay invoice", "Send report"})
	if !strings.Contains(script, "Hello Alex") {
		t.Fatalf("greeting missing: %q", script)
	}
	if !strings.Contains(script, "Task 1: Pay invoice") || !strings.Contains(script, "Task 2: Send report") {
		t.Fatalf("task list missing: %q", script)
	}

	single := BuildCallScript("Bea", []string{"Call supplier"})
	if !strings.Contains(single, "one task due: Call supplier") {
		t.Fatalf("single-task phrasing missing: %q", single)
	}
}
