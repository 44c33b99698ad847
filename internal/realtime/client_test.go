package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newFakeSession starts a server that upgrades the connection, consumes the
// initial session.update, and hands the connection to fn.
func newFakeSession(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var update sessionUpdateEvent
		if err := conn.ReadJSON(&update); err != nil {
			return
		}
		fn(conn)
	}))
}

func dialFake(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), Config{
		APIKey: "test-key",
		Model:  "test-model",
		URL:    wsURL,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return client
}

func TestDialConfiguresSession(t *testing.T) {
	type handshake struct {
		header http.Header
		query  string
		update sessionUpdateEvent
	}
	got := make(chan handshake, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var update sessionUpdateEvent
		if err := conn.ReadJSON(&update); err != nil {
			return
		}
		got <- handshake{header: r.Header.Clone(), query: r.URL.RawQuery, update: update}

		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), Config{
		APIKey:       "test-key",
		Model:        "gpt-4o-realtime-preview-2024-10-01",
		Voice:        "alloy",
		Instructions: "Be helpful.",
		Temperature:  0.8,
		URL:          wsURL,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	select {
	case h := <-got:
		if auth := h.header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", auth, "Bearer test-key")
		}
		if beta := h.header.Get("OpenAI-Beta"); beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q, want %q", beta, "realtime=v1")
		}
		if !strings.Contains(h.query, "model=gpt-4o-realtime-preview-2024-10-01") {
			t.Errorf("query = %q, want model parameter", h.query)
		}
		if h.update.Type != "session.update" {
			t.Errorf("first event type = %q, want %q", h.update.Type, "session.update")
		}
		s := h.update.Session
		if s.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection = %q, want %q", s.TurnDetection.Type, "server_vad")
		}
		if s.InputAudioFormat != "g711_ulaw" || s.OutputAudioFormat != "g711_ulaw" {
			t.Errorf("audio formats = %q/%q, want g711_ulaw both ways", s.InputAudioFormat, s.OutputAudioFormat)
		}
		if s.Voice != "alloy" {
			t.Errorf("voice = %q, want %q", s.Voice, "alloy")
		}
		if s.Instructions != "Be helpful." {
			t.Errorf("instructions = %q, want %q", s.Instructions, "Be helpful.")
		}
		if len(s.Modalities) != 2 || s.Modalities[0] != "text" || s.Modalities[1] != "audio" {
			t.Errorf("modalities = %v, want [text audio]", s.Modalities)
		}
		if s.Temperature != 0.8 {
			t.Errorf("temperature = %v, want 0.8", s.Temperature)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session.update")
	}
}

func TestSendOpeningPrompt(t *testing.T) {
	msgs := make(chan json.RawMessage, 2)
	srv := newFakeSession(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- json.RawMessage(raw)
		}
	})
	defer srv.Close()

	client := dialFake(t, srv)
	defer client.Close()

	if err := client.SendOpeningPrompt("Say hello."); err != nil {
		t.Fatalf("SendOpeningPrompt failed: %v", err)
	}

	var item conversationItemCreateEvent
	select {
	case raw := <-msgs:
		if err := json.Unmarshal(raw, &item); err != nil {
			t.Fatalf("decode item create: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conversation.item.create")
	}
	if item.Type != "conversation.item.create" {
		t.Errorf("type = %q, want %q", item.Type, "conversation.item.create")
	}
	if item.Item.Role != "user" {
		t.Errorf("role = %q, want %q", item.Item.Role, "user")
	}
	if len(item.Item.Content) != 1 || item.Item.Content[0].Type != "input_text" || item.Item.Content[0].Text != "Say hello." {
		t.Errorf("content = %+v, want one input_text part", item.Item.Content)
	}

	var create struct {
		Type string `json:"type"`
	}
	select {
	case raw := <-msgs:
		if err := json.Unmarshal(raw, &create); err != nil {
			t.Fatalf("decode response create: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response.create")
	}
	if create.Type != "response.create" {
		t.Errorf("type = %q, want %q", create.Type, "response.create")
	}
}

func TestAppendAudioAndTruncate(t *testing.T) {
	msgs := make(chan json.RawMessage, 2)
	srv := newFakeSession(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- json.RawMessage(raw)
		}
	})
	defer srv.Close()

	client := dialFake(t, srv)
	defer client.Close()

	if err := client.AppendAudio("dGVzdA=="); err != nil {
		t.Fatalf("AppendAudio failed: %v", err)
	}
	if err := client.TruncateItem("item_9", 1500); err != nil {
		t.Fatalf("TruncateItem failed: %v", err)
	}

	var appendMsg audioAppendEvent
	select {
	case raw := <-msgs:
		if err := json.Unmarshal(raw, &appendMsg); err != nil {
			t.Fatalf("decode append: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio append")
	}
	if appendMsg.Type != "input_audio_buffer.append" {
		t.Errorf("type = %q, want %q", appendMsg.Type, "input_audio_buffer.append")
	}
	if appendMsg.Audio != "dGVzdA==" {
		t.Errorf("audio = %q, want %q", appendMsg.Audio, "dGVzdA==")
	}

	var truncMsg itemTruncateEvent
	select {
	case raw := <-msgs:
		if err := json.Unmarshal(raw, &truncMsg); err != nil {
			t.Fatalf("decode truncate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for truncate")
	}
	if truncMsg.Type != "conversation.item.truncate" {
		t.Errorf("type = %q, want %q", truncMsg.Type, "conversation.item.truncate")
	}
	if truncMsg.ItemID != "item_9" || truncMsg.ContentIndex != 0 || truncMsg.AudioEndMs != 1500 {
		t.Errorf("truncate = %+v, want item_9 at 1500ms, content index 0", truncMsg)
	}
}

func TestEventsDelivery(t *testing.T) {
	srv := newFakeSession(t, func(conn *websocket.Conn) {
		deltas := []string{
			`{"type":"response.audio.delta","item_id":"item_1","delta":"UklGRg=="}`,
			`{"type":"error","error":{"type":"invalid_request_error","code":"bad","message":"boom"}}`,
		}
		for _, d := range deltas {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(d)); err != nil {
				return
			}
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	client := dialFake(t, srv)
	defer client.Close()

	select {
	case event := <-client.Events():
		if event.Type != "response.audio.delta" {
			t.Errorf("type = %q, want %q", event.Type, "response.audio.delta")
		}
		if event.ItemID != "item_1" {
			t.Errorf("item_id = %q, want %q", event.ItemID, "item_1")
		}
		if event.Delta != "UklGRg==" {
			t.Errorf("delta = %q, want %q", event.Delta, "UklGRg==")
		}
		if len(event.Raw) == 0 {
			t.Error("raw payload should be preserved")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta event")
	}

	select {
	case event := <-client.Events():
		if event.Type != "error" {
			t.Errorf("type = %q, want %q", event.Type, "error")
		}
		if event.Error == nil || event.Error.Message != "boom" {
			t.Errorf("error = %+v, want message %q", event.Error, "boom")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newFakeSession(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	client := dialFake(t, srv)

	if err := client.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := client.AppendAudio("dGVzdA=="); err == nil {
		t.Error("AppendAudio after Close should fail")
	}
}
