package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/dkwang/voicebridge/internal/eventlog"
	"github.com/dkwang/voicebridge/internal/store"
)

var e164Regex = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

func isValidE164(phone string) bool {
	return e164Regex.MatchString(phone)
}

// handleMakeOutgoingCall places an outbound call that Twilio routes back to
// /incoming-call, so the callee lands in the same assistant session as an
// inbound caller. The destination arrives as a to_number query or form field.
func (r *Router) handleMakeOutgoingCall(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	to := strings.TrimSpace(req.FormValue("to_number"))

	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "to_number is required."})
		return
	}
	if !isValidE164(to) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "to_number must be E.164, e.g. +15551234567."})
		return
	}
	if r.cfg.TwilioFromNumber == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Twilio phone number not configured."})
		return
	}
	if r.cfg.PublicBaseURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "public base URL not configured."})
		return
	}
	if r.calls == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Twilio credentials not configured."})
		return
	}

	base := strings.TrimRight(r.cfg.PublicBaseURL, "/")
	voiceURL := base + "/incoming-call"
	statusURL := base + "/call-status"

	callSid, err := r.calls.CreateCall(to, r.cfg.TwilioFromNumber, voiceURL, statusURL)
	if err != nil {
		r.logger.Printf("make-outgoing-call: create for %s failed: %v", to, err)
		captureError(req, err, "outbound call creation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "Failed to initiate call",
			"error":  err.Error(),
		})
		return
	}

	if err := r.store.UpsertCall(req.Context(), store.Call{
		Provider:       "twilio",
		ProviderCallID: callSid,
		Direction:      "outbound",
		FromNumber:     r.cfg.TwilioFromNumber,
		ToNumber:       to,
		Status:         "initiated",
		StartedAt:      nowUTC(),
	}); err != nil {
		r.logger.Printf("make-outgoing-call: upsert for %s failed: %v", callSid, err)
	}
	if callID, err := r.store.GetCallID(req.Context(), callSid); err == nil && callID != "" {
		r.eventLog.LogAsync(callID, eventlog.EventCallInitiated, map[string]any{"to": to})
	}

	// The notification outlives the request on purpose.
	r.discord.NotifyCallStarted(context.Background(), callSid, r.cfg.TwilioFromNumber, to, "outbound")
	r.logger.Printf("make-outgoing-call: call %s initiated to %s", callSid, to)

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Call initiated",
		"call_sid": callSid,
	})
}

// handleListCalls serves the recent call log when persistence is configured.
func (r *Router) handleListCalls(w http.ResponseWriter, req *http.Request) {
	if !r.store.Enabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "call log not configured."})
		return
	}

	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 500 {
			limit = n
		}
	}

	calls, err := r.store.ListCalls(req.Context(), limit)
	if err != nil {
		r.logger.Printf("calls: list failed: %v", err)
		captureError(req, err, "call list failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to list calls"})
		return
	}
	if calls == nil {
		calls = []store.CallListItem{}
	}
	writeJSON(w, http.StatusOK, calls)
}
