// Package realtime implements a streaming client for the OpenAI Realtime API.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// Client holds one realtime session over a WebSocket. Incoming server events
// are delivered on Events; transport failures on Errors.
type Client struct {
	conn      *websocket.Conn
	events    chan ServerEvent
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // Wait for readLoop to finish
}

// Config holds configuration for the realtime client.
type Config struct {
	APIKey       string
	Model        string // e.g., "gpt-4o-realtime-preview-2024-10-01"
	Voice        string // e.g., "alloy"
	Instructions string
	Temperature  float64
	URL          string // endpoint override; defaults to the OpenAI realtime URL
}

// APIError is the error object carried by "error" server events.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime API error %s: %s", e.Code, e.Message)
	}
	return "realtime API error: " + e.Message
}

// ServerEvent is a single event received from the session. Only the fields
// the bridge consumes are decoded; Raw keeps the full payload for logging.
type ServerEvent struct {
	Type       string    `json:"type"`
	ItemID     string    `json:"item_id"`
	Delta      string    `json:"delta"`
	Transcript string    `json:"transcript"`
	Error      *APIError `json:"error"`

	Raw json.RawMessage `json:"-"`
}

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	TurnDetection     turnDetection `json:"turn_detection"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	Voice             string        `json:"voice"`
	Instructions      string        `json:"instructions"`
	Modalities        []string      `json:"modalities"`
	Temperature       float64       `json:"temperature"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type conversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncateEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// Dial connects a new realtime session and configures it for bidirectional
// μ-law telephony audio with server-side voice activity detection. The
// session is fully configured when Dial returns.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	base := cfg.URL
	if base == "" {
		base = defaultRealtimeURL
	}
	url := fmt.Sprintf("%s?model=%s", base, cfg.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime API: %w", err)
	}

	client := &Client{
		conn:   conn,
		events: make(chan ServerEvent, 100),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}

	update := sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			TurnDetection:     turnDetection{Type: "server_vad"},
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			Modalities:        []string{"text", "audio"},
			Temperature:       cfg.Temperature,
		},
	}
	if err := client.writeJSON(update); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to configure session: %w", err)
	}

	// Start reading server events
	client.wg.Add(1)
	go client.readLoop()

	return client, nil
}

// SendOpeningPrompt seeds the conversation with a user message and requests a
// response, so the assistant speaks before the caller does.
func (c *Client) SendOpeningPrompt(prompt string) error {
	item := conversationItemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: prompt}},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// AppendAudio forwards a base64 μ-law payload into the session's input buffer.
func (c *Client) AppendAudio(payload string) error {
	return c.writeJSON(audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: payload,
	})
}

// TruncateItem cuts a partially played assistant item at audioEndMs so the
// session's history matches what the caller actually heard.
func (c *Client) TruncateItem(itemID string, audioEndMs int) error {
	return c.writeJSON(itemTruncateEvent{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	})
}

// Events returns the channel for receiving server events.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

// Errors returns the channel for receiving transport errors.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// Close closes the session. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()

		err = c.conn.Close()

		// Wait for readLoop to finish before closing channels
		c.wg.Wait()
		close(c.events)
		close(c.errors)
	})
	return err
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("client is closed")
	default:
	}

	return c.conn.WriteJSON(v)
}

// readLoop reads server events and fans them out to the events channel.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		var event ServerEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			log.Printf("realtime: failed to parse event: %v", err)
			continue
		}
		event.Raw = msg

		select {
		case <-c.done:
			return
		case c.events <- event:
		}
	}
}
