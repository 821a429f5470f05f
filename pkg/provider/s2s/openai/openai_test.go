package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted *websocket.Conn; when it returns the connection is closed normally.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptUpdate reads the client's session.update and confirms it.
func acceptUpdate(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var update map[string]any
	readJSON(t, conn, &update)
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
	return update
}

func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func connect(t *testing.T, p *openai.Provider, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	h, err := p.Connect(t.Context(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

func expectChannelClosed(t *testing.T, h s2s.SessionHandle) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed")
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	got := make(chan updateMsg, 1)
	headers := make(chan http.Header, 1)
	models := make(chan string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		models <- r.URL.Query().Get("model")
		var msg updateMsg
		readJSON(t, conn, &msg)
		got <- msg
		waitClosed(conn)
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithModel("gpt-4o-mini-realtime"))
	connect(t, p, s2s.SessionConfig{VoiceID: "Kore", Instructions: "be kind"})

	msg := <-got
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Session.Voice != "shimmer" {
		t.Errorf("voice = %q, want shimmer", msg.Session.Voice)
	}
	if msg.Session.Instructions != "be kind" {
		t.Errorf("instructions = %q", msg.Session.Instructions)
	}
	if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("formats = %q/%q", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
	}
	if msg.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("turn detection = %q", msg.Session.TurnDetection.Type)
	}

	h := <-headers
	if got := h.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if m := <-models; m != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q", m)
	}
}

func TestVoice(t *testing.T) {
	t.Parallel()

	p := openai.New("k", openai.WithVoiceMap(map[string]string{"Narrator": "sage"}))
	tests := map[string]string{
		"verse":    "verse",
		"Coral":    "coral",
		"Narrator": "sage",
		"Kore":     openai.DefaultVoice,
		"":         openai.DefaultVoice,
	}
	for in, want := range tests {
		if got := p.Voice(in); got != want {
			t.Errorf("Voice(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := openai.New("bad", openai.WithBaseURL(wsURL(srv))).Connect(t.Context(), s2s.SessionConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if c := s2s.Classify(err); c != s2s.ClassAuthorization {
		t.Errorf("class = %s, want authorization (err=%v)", c, err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) { waitClosed(conn) })
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_NotOpenBeforeSessionUpdated(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		waitClosed(conn)
	})

	h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})
	if err := h.SendAudio(audio.Payload{}); !errors.Is(err, s2s.ErrNotOpen) {
		t.Errorf("SendAudio = %v, want ErrNotOpen", err)
	}
	if err := h.SendDirective("hi"); !errors.Is(err, s2s.ErrNotOpen) {
		t.Errorf("SendDirective = %v, want ErrNotOpen", err)
	}
}

func TestSend_ResamplesAudioAndSendsDirective(t *testing.T) {
	t.Parallel()

	type message struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
		Item  struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	received := make(chan message, 16)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		for {
			var msg message
			readJSON(t, conn, &msg)
			if msg.Type == "" {
				return
			}
			received <- msg
			if msg.Type == "response.create" {
				break
			}
		}
		waitClosed(conn)
	})

	h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})
	if ev := nextEvent(t, h); ev.Kind != s2s.EventOpened {
		t.Fatalf("first event = %s, want opened", ev.Kind)
	}

	// 24 kHz passes through untouched.
	native := audio.EncodeBlock(audio.Block{Samples: make([]float32, 480), Format: audio.Format{SampleRate: 24000, Channels: 1}})
	if err := h.SendAudio(native); err != nil {
		t.Fatalf("SendAudio 24k: %v", err)
	}
	// Sustained 16 kHz input is resampled until output appears.
	frame := make([]float32, 1600)
	for i := range frame {
		frame[i] = 0.25
	}
	in := audio.EncodeBlock(audio.Block{Samples: frame, Format: audio.CaptureFormat})
	if err := h.SendAudio(in); err != nil {
		t.Fatalf("SendAudio 16k: %v", err)
	}
	if err := h.SendAudio(in); err != nil {
		t.Fatalf("SendAudio 16k: %v", err)
	}
	if err := h.SendDirective("greet Ana"); err != nil {
		t.Fatalf("SendDirective: %v", err)
	}

	first := <-received
	if first.Type != "input_audio_buffer.append" || first.Audio != native.Data {
		t.Errorf("24 kHz frame was altered: %+v", first.Type)
	}

	var resampled []byte
	var directive message
	for directive.Type == "" {
		select {
		case msg := <-received:
			switch msg.Type {
			case "input_audio_buffer.append":
				raw, err := audio.DecodeTransportSafe(msg.Audio)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				resampled = append(resampled, raw...)
			case "conversation.item.create":
				directive = msg
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for directive")
		}
	}
	if len(resampled) == 0 {
		t.Error("no resampled audio was sent")
	}
	if len(resampled)/2 > 2*len(frame)*3/2 {
		t.Errorf("resampled %d samples from %d at 16 kHz, want at most 1.5x", len(resampled)/2, 2*len(frame))
	}
	if directive.Item.Role != "user" || len(directive.Item.Content) != 1 || directive.Item.Content[0].Text != "greet Ana" {
		t.Errorf("directive = %+v", directive.Item)
	}
}

func TestSend_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		waitClosed(conn)
	})
	h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})
	nextEvent(t, h)

	if err := h.SendAudio(audio.Payload{Data: "AAAA", MIMEType: "audio/opus"}); err == nil {
		t.Error("expected error for opus payload")
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioAndInterruptInOrder(t *testing.T) {
	t.Parallel()

	chunk := audio.EncodeTransportSafe([]byte{1, 0, 2, 0})
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": chunk})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": chunk})
		waitClosed(conn)
	})

	h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})

	want := []s2s.EventKind{s2s.EventOpened, s2s.EventAudio, s2s.EventInterrupted, s2s.EventAudio}
	for i, kind := range want {
		ev := nextEvent(t, h)
		if ev.Kind != kind {
			t.Fatalf("event %d = %s, want %s", i, ev.Kind, kind)
		}
		if kind == s2s.EventAudio {
			if ev.Audio.Data != chunk || ev.Audio.MIMEType != "audio/pcm;rate=24000" {
				t.Errorf("audio = %+v", ev.Audio)
			}
		}
	}
}

func TestEvents_ErrorEvents(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
			"type": "invalid_request_error", "message": "buffer too small",
		}})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
			"type": "invalid_request_error", "code": "invalid_api_key", "message": "Incorrect API key provided",
		}})
		waitClosed(conn)
	})

	h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})
	nextEvent(t, h)

	ev := nextEvent(t, h)
	if ev.Kind != s2s.EventError {
		t.Fatalf("event = %s, want error (request errors must not end the session)", ev.Kind)
	}
	if c := s2s.Classify(ev.Err); c != s2s.ClassAuthorization {
		t.Errorf("class = %s, want authorization", c)
	}
	expectChannelClosed(t, h)
	if err := h.SendAudio(audio.Payload{}); !errors.Is(err, s2s.ErrNotOpen) {
		t.Errorf("SendAudio after error = %v, want ErrNotOpen", err)
	}
}

func TestEvents_RemoteClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status websocket.StatusCode
		want   s2s.EventKind
	}{
		{"normal", websocket.StatusNormalClosure, s2s.EventClosed},
		{"policy", websocket.StatusPolicyViolation, s2s.EventError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptUpdate(t, conn)
				conn.Close(tc.status, "bye")
			})
			h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})
			nextEvent(t, h)
			if ev := nextEvent(t, h); ev.Kind != tc.want {
				t.Errorf("event = %s, want %s", ev.Kind, tc.want)
			}
			expectChannelClosed(t, h)
		})
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesEvents(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptUpdate(t, conn)
		waitClosed(conn)
	})

	h := connect(t, openai.New("k", openai.WithBaseURL(wsURL(srv))), s2s.SessionConfig{})
	nextEvent(t, h)
	for range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	expectChannelClosed(t, h)
	if err := h.SendDirective("hi"); !errors.Is(err, s2s.ErrNotOpen) {
		t.Errorf("SendDirective after Close = %v, want ErrNotOpen", err)
	}
}

func TestProvider_Name(t *testing.T) {
	t.Parallel()
	if got := openai.New("k").Name(); got != "openai-realtime" {
		t.Errorf("Name = %q", got)
	}
}
