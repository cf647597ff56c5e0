package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

const twimlEmptyResponse = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Events receives inbound callback events decoded from webhook requests.
type Events interface {
	Submit(event types.CallbackEvent) error
}

// Server is the inbound half of the telephony integration: Twilio posts
// form-encoded webhooks here for SMS replies and voice call status changes.
// It only decodes and forwards; all interpretation happens downstream.
type Server struct {
	port            int
	events          Events
	server          *http.Server
	shutdownTimeout time.Duration
}

func NewServer(port int, events Events) *Server {
	return &Server{
		port:            port,
		events:          events,
		shutdownTimeout: 5 * time.Second,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/sms", s.handleSMS)
	mux.HandleFunc("/webhook/voice", s.handleVoice)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("webhook: shutdown: %v", err)
		}
	}()

	logger.Info("webhook: listening on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	body := strings.TrimSpace(r.FormValue("Body"))
	from := strings.TrimSpace(r.FormValue("From"))
	if body == "" {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	eventID := strings.TrimSpace(r.FormValue("MessageSid"))
	if eventID == "" {
		eventID = uuid.NewString()
	}

	event := types.CallbackEvent{
		EventID:    "sms-" + eventID,
		Source:     types.SourceSMS,
		Payload:    body,
		From:       from,
		ReceivedAt: time.Now(),
	}
	if err := s.events.Submit(event); err != nil {
		logger.Error("webhook: submit sms event %s: %v", event.EventID, err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}

	logger.Info("webhook: sms event %s from %s", event.EventID, from)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twimlEmptyResponse))
}

// handleVoice receives call status callbacks. Terminal failures are logged
// for the operator; the recording itself is fetched by the reminder cycle,
// not pushed here.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	callSid := strings.TrimSpace(r.FormValue("CallSid"))
	status := strings.TrimSpace(r.FormValue("CallStatus"))
	to := strings.TrimSpace(r.FormValue("To"))

	switch status {
	case "failed", "busy", "no-answer", "canceled":
		logger.Error("webhook: call %s to %s ended with status %s", callSid, to, status)
	default:
		logger.Info("webhook: call %s status %s", callSid, status)
	}
	w.WriteHeader(http.StatusOK)
}
