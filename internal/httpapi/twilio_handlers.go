package httpapi

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dkwang/voicebridge/internal/costs"
	"github.com/dkwang/voicebridge/internal/eventlog"
	"github.com/dkwang/voicebridge/internal/store"
)

// handleIncomingCall answers Twilio's voice webhook with the call-control
// document that greets the caller and connects the call to the media stream
// endpoint. The request body is never consulted; every GET or POST, whatever
// its payload, yields the same document, and the handler never fails the
// webhook. Twilio derives the stream host from the Host header so the
// document works behind tunnels and load balancers alike.
func (r *Router) handleIncomingCall(w http.ResponseWriter, req *http.Request) {
	streamURL := fmt.Sprintf("wss://%s%s", req.Host, r.cfg.StreamPath)

	stream := twimlStream{URL: streamURL}
	if r.cfg.StreamTokenSecret != "" {
		token, err := mintStreamToken(r.cfg.StreamTokenSecret, r.cfg.StreamTokenTTL)
		if err != nil {
			r.logger.Printf("incoming-call: failed to mint stream token: %v", err)
			captureError(req, err, "stream token mint failed")
		} else {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: "token", Value: token})
		}
	}

	resp := twimlResponse{
		Verbs: []any{
			twimlSay{Voice: r.cfg.SayVoice, Text: r.cfg.GreetingText},
			twimlPause{Length: r.cfg.PauseSeconds},
			twimlSay{Voice: r.cfg.SayVoice, Text: r.cfg.FollowUpText},
			twimlConnect{Stream: stream},
		},
	}

	out, err := renderTwiML(resp)
	if err != nil {
		r.logger.Printf("incoming-call: failed to render document: %v", err)
		captureError(req, err, "twiml render failed")
		out = []byte(xml.Header + "<Response></Response>")
	}

	r.logger.Printf("incoming-call: %s answered with media stream document", req.Method)

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(out)
}

// handleCallStatus consumes Twilio status callbacks. Twilio ignores the
// response body, so the handler always answers 204 and treats persistence
// problems as log-and-continue.
func (r *Router) handleCallStatus(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	callSid := req.FormValue("CallSid")
	status := req.FormValue("CallStatus") // queued/ringing/in-progress/completed/...

	if callSid == "" || status == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Callbacks carry the caller and callee, which lets the log pick up
	// inbound calls that were never created through /make-outgoing-call.
	from := req.FormValue("From")
	to := req.FormValue("To")
	if from != "" || to != "" {
		direction := "inbound"
		if strings.HasPrefix(req.FormValue("Direction"), "outbound") {
			direction = "outbound"
		}
		if err := r.store.UpsertCall(req.Context(), store.Call{
			Provider:       "twilio",
			ProviderCallID: callSid,
			Direction:      direction,
			FromNumber:     from,
			ToNumber:       to,
			Status:         status,
			StartedAt:      nowUTC(),
		}); err != nil {
			r.logger.Printf("call-status: upsert for %s failed: %v", callSid, err)
		}
	}

	if err := r.store.UpdateCallStatus(req.Context(), callSid, status, nowUTC()); err != nil {
		r.logger.Printf("call-status: update for %s failed: %v", callSid, err)
		captureError(req, err, "call status update failed")
	}

	if callID, err := r.store.GetCallID(req.Context(), callSid); err == nil && callID != "" {
		r.eventLog.LogAsync(callID, eventlog.StatusEvent(status), map[string]any{"status": status})
	}

	if store.IsTerminalStatus(status) {
		duration := 0
		if v := req.FormValue("CallDuration"); v != "" {
			duration, _ = strconv.Atoi(v)
		}

		costCents := 0
		if status == "completed" && duration > 0 {
			// Only call duration is reported, so assume audio flowed both
			// ways for the whole call. This is an upper bound.
			estimate := costs.EstimateCallCosts(costs.CallMetrics{
				CallDurationSeconds: duration,
				InputAudioSeconds:   duration,
				OutputAudioSeconds:  duration,
			})
			costCents = estimate.TotalCostCents
			if err := r.store.UpdateCallCost(req.Context(), callSid, costCents); err != nil {
				r.logger.Printf("call-status: cost update for %s failed: %v", callSid, err)
			}
			r.logger.Printf("call-status: call %s completed after %ds (est. %d cents)", callSid, duration, costCents)
		} else {
			r.logger.Printf("call-status: call %s ended with status %s", callSid, status)
		}

		// The notification outlives the webhook request on purpose.
		r.discord.NotifyCallEnded(context.Background(), callSid, status, time.Duration(duration)*time.Second, costCents)
	}

	w.WriteHeader(http.StatusNoContent)
}
