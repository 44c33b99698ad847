package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkwang/voicebridge/internal/eventlog"
	"github.com/dkwang/voicebridge/internal/realtime"
	"github.com/dkwang/voicebridge/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// logEventTypes are the realtime server events echoed to the log. Everything
// else is either high-frequency (audio deltas) or uninteresting.
var logEventTypes = map[string]bool{
	"error":                             true,
	"response.content.done":             true,
	"rate_limits.updated":               true,
	"response.done":                     true,
	"input_audio_buffer.committed":      true,
	"input_audio_buffer.speech_stopped": true,
	"input_audio_buffer.speech_started": true,
	"session.created":                   true,
}

// showTimingMath turns on the very chatty timestamp arithmetic logs used
// when debugging barge-in truncation offsets.
const showTimingMath = false

// Twilio Media Stream message types
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"` // Milliseconds since stream start
	Payload   string `json:"payload"`   // Base64 μ-law audio
}

type twilioStart struct {
	StreamSid    string            `json:"streamSid"`
	AccountSid   string            `json:"accountSid"`
	CallSid      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	CustomParams map[string]string `json:"customParameters"`
	MediaFormat  struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

// twilioOutboundMedia is the format for sending audio back to Twilio
type twilioOutboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"` // Base64 μ-law audio
	} `json:"media"`
}

// twilioMark sends a mark event to track when audio completes
type twilioMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// twilioClear sends a clear event to stop audio playback (for barge-in)
type twilioClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// bridgeSession pipes one Twilio media stream into one OpenAI realtime
// session and back. The run loop owns the Twilio read side; pumpRealtime
// owns the OpenAI read side; writes to the Twilio socket are serialized
// through connMu and playback state through mu.
type bridgeSession struct {
	conn   *websocket.Conn
	connMu sync.Mutex

	ai *realtime.Client

	store    *store.Store
	eventLog *eventlog.Logger
	logger   *log.Logger
	cfg      RouterConfig

	// Playback state for barge-in bookkeeping. callSid/streamSid/callID are
	// written once by the start handler and read from the realtime pump, so
	// they live under the same mutex.
	mu                     sync.Mutex
	callSid                string
	streamSid              string
	callID                 string // DB call ID
	latestMediaTimestamp   int
	responseStartTimestamp *int
	lastAssistantItem      string
	markQueue              []string
	transcriptSeq          int

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleMediaStream(w http.ResponseWriter, req *http.Request) {
	if r.cfg.OpenAIAPIKey == "" {
		r.logger.Printf("media_ws: missing OpenAI API key")
		captureError(req, fmt.Errorf("voice assistant not configured: missing API key"), "media_ws: configuration error")
		http.Error(w, "voice assistant not configured", http.StatusServiceUnavailable)
		return
	}

	if !r.streams.Add() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.streams.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("media_ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(req.Context())

	session := &bridgeSession{
		conn:     conn,
		store:    r.store,
		eventLog: r.eventLog,
		logger:   r.logger,
		cfg:      r.cfg,
		ctx:      ctx,
		cancel:   cancel,
	}

	ai, err := realtime.Dial(ctx, realtime.Config{
		APIKey:       r.cfg.OpenAIAPIKey,
		Model:        r.cfg.RealtimeModel,
		Voice:        r.cfg.RealtimeVoice,
		Instructions: r.cfg.Instructions,
		Temperature:  r.cfg.Temperature,
		URL:          r.cfg.RealtimeURL,
	})
	if err != nil {
		r.logger.Printf("media_ws: realtime dial failed: %v", err)
		captureError(req, err, "realtime dial failed")
		cancel()
		conn.Close()
		return
	}
	session.ai = ai

	// Have the assistant open the conversation instead of waiting for the
	// caller to speak into silence.
	if r.cfg.OpeningPrompt != "" {
		if err := ai.SendOpeningPrompt(r.cfg.OpeningPrompt); err != nil {
			r.logger.Printf("media_ws: failed to send opening prompt: %v", err)
		}
	}

	r.logger.Printf("media_ws: client connected")

	go session.pumpRealtime()
	session.run()
}

func (s *bridgeSession) run() {
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("media_ws: connection closed for call %s", s.callSid)
			} else {
				s.logger.Printf("media_ws: read error for call %s: %v", s.callSid, err)
			}
			return
		}

		var twilioMsg twilioMessage
		if err := json.Unmarshal(msg, &twilioMsg); err != nil {
			s.logger.Printf("media_ws: failed to parse message: %v", err)
			continue
		}

		switch twilioMsg.Event {
		case "connected":
			s.logger.Printf("media_ws: Twilio connected")

		case "start":
			if err := s.handleStart(twilioMsg.Start); err != nil {
				s.logger.Printf("media_ws: start error: %v", err)
				return
			}

		case "media":
			if err := s.handleMedia(twilioMsg.Media); err != nil {
				s.logger.Printf("media_ws: media error: %v", err)
			}

		case "mark":
			// Twilio confirmed a queued audio chunk finished playing.
			s.mu.Lock()
			if len(s.markQueue) > 0 {
				s.markQueue = s.markQueue[1:]
			}
			s.mu.Unlock()

		case "stop":
			s.logger.Printf("media_ws: stream stopped for call %s", s.callSid)
			s.mu.Lock()
			callID := s.callID
			s.mu.Unlock()
			s.eventLog.LogAsync(callID, eventlog.EventStreamStopped, nil)
			return
		}
	}
}

func (s *bridgeSession) handleStart(start *twilioStart) error {
	if start == nil {
		return fmt.Errorf("nil start message")
	}

	callSid := start.CallSid
	if callSid == "" {
		callSid = start.CustomParams["callSid"]
	}

	if s.cfg.StreamTokenSecret != "" {
		if err := verifyStreamToken(s.cfg.StreamTokenSecret, start.CustomParams["token"]); err != nil {
			if callID, lookupErr := s.store.GetCallID(s.ctx, callSid); lookupErr == nil {
				s.eventLog.LogAsync(callID, eventlog.EventStreamAuthFailed, map[string]any{"stream_sid": start.StreamSid})
			}
			s.closeWithPolicyViolation()
			return fmt.Errorf("stream token rejected: %w", err)
		}
	}

	// The stream start handler may run again if Twilio reconnects, so the
	// playback bookkeeping resets along with the identifiers.
	s.mu.Lock()
	s.streamSid = start.StreamSid
	s.callSid = callSid
	s.latestMediaTimestamp = 0
	s.responseStartTimestamp = nil
	s.lastAssistantItem = ""
	s.markQueue = nil
	s.mu.Unlock()

	s.logger.Printf("media_ws: stream started - StreamSid: %s, CallSid: %s", start.StreamSid, callSid)

	callID := ""
	if callSid != "" {
		// Inbound calls reach the bridge without passing through
		// /make-outgoing-call, so make sure a log row exists. Existing rows
		// keep their numbers and direction.
		if err := s.store.EnsureCall(s.ctx, store.Call{
			Provider:       "twilio",
			ProviderCallID: callSid,
			Direction:      "inbound",
			Status:         "in-progress",
			StartedAt:      nowUTC(),
		}); err != nil {
			s.logger.Printf("media_ws: failed to ensure call row for %s: %v", callSid, err)
		}

		id, err := s.store.GetCallID(s.ctx, callSid)
		if err != nil {
			s.logger.Printf("media_ws: failed to get call ID for %s: %v", callSid, err)
		} else {
			callID = id
		}
	}

	s.mu.Lock()
	s.callID = callID
	s.mu.Unlock()

	s.eventLog.LogAsync(callID, eventlog.EventStreamStarted, map[string]any{"stream_sid": start.StreamSid})
	return nil
}

func (s *bridgeSession) handleMedia(media *twilioMedia) error {
	if media == nil {
		return nil
	}

	if ts, err := strconv.Atoi(media.Timestamp); err == nil {
		s.mu.Lock()
		s.latestMediaTimestamp = ts
		s.mu.Unlock()
	}

	// Twilio and the realtime session both speak base64 G.711 μ-law, so the
	// payload passes through untouched.
	return s.ai.AppendAudio(media.Payload)
}

// pumpRealtime forwards OpenAI server events to Twilio until the session
// context ends or the realtime connection dies.
func (s *bridgeSession) pumpRealtime() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case err, ok := <-s.ai.Errors():
			if !ok {
				return
			}
			s.mu.Lock()
			callSid, callID := s.callSid, s.callID
			s.mu.Unlock()
			s.logger.Printf("media_ws: realtime error for call %s: %v", callSid, err)
			s.eventLog.LogAsync(callID, eventlog.EventRealtimeError, map[string]any{"error": err.Error()})
			return

		case event, ok := <-s.ai.Events():
			if !ok {
				return
			}
			s.handleRealtimeEvent(event)
		}
	}
}

func (s *bridgeSession) handleRealtimeEvent(event realtime.ServerEvent) {
	if logEventTypes[event.Type] {
		s.logger.Printf("media_ws: realtime event %s: %s", event.Type, event.Raw)
	}

	switch event.Type {
	case "error":
		if event.Error != nil {
			s.mu.Lock()
			callID := s.callID
			s.mu.Unlock()
			s.eventLog.LogAsync(callID, eventlog.EventRealtimeError, map[string]any{
				"code":    event.Error.Code,
				"message": event.Error.Message,
			})
		}

	case "response.audio.delta":
		if event.Delta == "" {
			return
		}
		if err := s.forwardAudio(event.Delta); err != nil {
			s.logger.Printf("media_ws: failed to forward audio: %v", err)
			return
		}

		// The first delta of each response pins where assistant playback
		// started on the Twilio clock; barge-in needs that origin.
		s.mu.Lock()
		if s.responseStartTimestamp == nil {
			ts := s.latestMediaTimestamp
			s.responseStartTimestamp = &ts
			if showTimingMath {
				s.logger.Printf("media_ws: response starts at %dms stream time", ts)
			}
		}
		if event.ItemID != "" {
			s.lastAssistantItem = event.ItemID
		}
		s.mu.Unlock()

		if err := s.sendMark(); err != nil {
			s.logger.Printf("media_ws: failed to send mark: %v", err)
		}

	case "input_audio_buffer.speech_started":
		s.handleSpeechStarted()

	case "response.audio_transcript.done":
		if event.Transcript == "" {
			return
		}
		s.mu.Lock()
		callID := s.callID
		s.transcriptSeq++
		seq := s.transcriptSeq
		s.mu.Unlock()
		if callID == "" {
			return
		}
		if err := s.store.InsertTranscript(s.ctx, callID, store.Transcript{
			Speaker:  "assistant",
			Text:     event.Transcript,
			Sequence: seq,
		}); err != nil {
			s.logger.Printf("media_ws: failed to store transcript: %v", err)
		}
	}
}

// forwardAudio relays one base64 audio payload to Twilio. Deltas that arrive
// before the stream start message are dropped; there is no stream to play
// them on yet.
func (s *bridgeSession) forwardAudio(payload string) error {
	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()
	if streamSid == "" {
		return nil
	}

	outMsg := twilioOutboundMedia{Event: "media", StreamSid: streamSid}
	outMsg.Media.Payload = payload
	return s.writeTwilio(outMsg)
}

// sendMark asks Twilio to echo a marker once the queued audio has played.
// Pending markers double as the "assistant audio still playing" signal that
// barge-in checks.
func (s *bridgeSession) sendMark() error {
	s.mu.Lock()
	streamSid := s.streamSid
	s.mu.Unlock()
	if streamSid == "" {
		return nil
	}

	mark := twilioMark{Event: "mark", StreamSid: streamSid}
	mark.Mark.Name = "responsePart"
	if err := s.writeTwilio(mark); err != nil {
		return err
	}

	s.mu.Lock()
	s.markQueue = append(s.markQueue, mark.Mark.Name)
	s.mu.Unlock()
	return nil
}

// handleSpeechStarted interrupts assistant playback when the caller talks
// over it. The elapsed stream time since the current response's first delta
// tells OpenAI where to truncate the assistant item so its context matches
// what the caller actually heard.
func (s *bridgeSession) handleSpeechStarted() {
	s.mu.Lock()
	if len(s.markQueue) == 0 || s.responseStartTimestamp == nil {
		s.mu.Unlock()
		return
	}
	elapsed := s.latestMediaTimestamp - *s.responseStartTimestamp
	itemID := s.lastAssistantItem
	streamSid := s.streamSid
	callSid := s.callSid
	callID := s.callID
	s.markQueue = nil
	s.lastAssistantItem = ""
	s.responseStartTimestamp = nil
	s.mu.Unlock()

	if showTimingMath {
		s.logger.Printf("media_ws: truncating response at %dms", elapsed)
	}
	s.logger.Printf("media_ws: caller interrupted response for call %s", callSid)

	if itemID != "" {
		if err := s.ai.TruncateItem(itemID, elapsed); err != nil {
			s.logger.Printf("media_ws: failed to truncate item: %v", err)
		}
	}
	if err := s.writeTwilio(twilioClear{Event: "clear", StreamSid: streamSid}); err != nil {
		s.logger.Printf("media_ws: failed to clear audio: %v", err)
	}

	s.eventLog.LogAsync(callID, eventlog.EventBargeIn, map[string]any{"audio_end_ms": elapsed})
}

func (s *bridgeSession) writeTwilio(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *bridgeSession) closeWithPolicyViolation() {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "stream token rejected")
	s.connMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.connMu.Unlock()
}

func (s *bridgeSession) cleanup() {
	s.cancel()

	if s.ai != nil {
		_ = s.ai.Close()
	}

	s.connMu.Lock()
	s.conn.Close()
	s.connMu.Unlock()

	s.logger.Printf("media_ws: session closed for call %s", s.callSid)
}
