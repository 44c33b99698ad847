package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/dkwang/voicebridge/internal/eventlog"
	"github.com/dkwang/voicebridge/internal/notifications"
	"github.com/dkwang/voicebridge/internal/store"
)

type RouterConfig struct {
	PublicBaseURL string

	// Twilio credentials
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// OpenAI realtime session
	OpenAIAPIKey  string
	RealtimeModel string
	RealtimeVoice string
	RealtimeURL   string // overrides the realtime endpoint, used by tests
	Instructions  string
	OpeningPrompt string
	Temperature   float64

	// Incoming-call document content
	GreetingText string
	FollowUpText string
	PauseSeconds int
	StreamPath   string
	SayVoice     string

	// Stream tokens (disabled while the secret is empty)
	StreamTokenSecret string
	StreamTokenTTL    time.Duration

	// Notifications
	DiscordWebhookURL string
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	eventLog *eventlog.Logger
	discord  *notifications.Discord
	streams  *StreamRegistry
	calls    CallCreator
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, eventLog *eventlog.Logger, streams *StreamRegistry, calls CallCreator) http.Handler {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/media-stream"
	}
	if cfg.PauseSeconds <= 0 {
		cfg.PauseSeconds = 1
	}
	if streams == nil {
		streams = NewStreamRegistry()
	}

	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		eventLog: eventLog,
		discord:  notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		streams:  streams,
		calls:    calls,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.withRequestLog(r.mux)))
}

func (r *Router) routes() {
	// Deployment probes
	r.mux.HandleFunc("GET /{$}", r.handleRoot)
	r.mux.HandleFunc("POST /{$}", r.handleRoot)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Twilio webhooks
	r.mux.HandleFunc("GET /incoming-call", r.handleIncomingCall)
	r.mux.HandleFunc("POST /incoming-call", r.handleIncomingCall)
	r.mux.HandleFunc("POST /call-status", r.handleCallStatus)
	r.mux.HandleFunc("GET "+r.cfg.StreamPath, r.handleMediaStream)

	// Call control and log
	r.mux.HandleFunc("POST /make-outgoing-call", r.handleMakeOutgoingCall)
	r.mux.HandleFunc("GET /calls", r.handleListCalls)
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	n, _ := io.Copy(io.Discard, io.LimitReader(req.Body, 1<<20))
	if n > 0 {
		r.logger.Printf("root: %s probe with %d body bytes", req.Method, n)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Twilio Media Stream Server is running!",
		"status":  "ok",
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_streams": r.streams.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// withRequestLog tags every request with an id and writes one access-log
// line after the handler returns. The ResponseWriter is passed through
// unwrapped so the media endpoint can still hijack the connection.
func (r *Router) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rid := req.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		start := time.Now()
		next.ServeHTTP(w, req)
		r.logger.Printf("http: %s %s rid=%s (%s)", req.Method, req.URL.Path, rid, time.Since(start).Round(time.Millisecond))
	})
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
