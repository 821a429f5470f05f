// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The service only accepts 24 kHz PCM16, so microphone frames are resampled
// on the way out. Synthesised speech arrives as response.audio.delta events
// and barge-in is reported when server VAD detects the user speaking.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the realtime model used when none is configured.
	DefaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// DefaultVoice is used when the requested voice has no OpenAI equivalent.
	DefaultVoice = "alloy"

	writeTimeout = 10 * time.Second
	eventBuffer  = 64
	readLimit    = 16 << 20
)

// wireFormat is the only PCM16 format the Realtime API accepts.
var wireFormat = audio.Format{SampleRate: 24000, Channels: 1}

// voices are the prebuilt OpenAI voices.
var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// DefaultVoiceMap maps the Gemini voice names used by the built-in personas
// onto OpenAI voices of a similar character.
var DefaultVoiceMap = map[string]string{
	"Kore":   "shimmer",
	"Puck":   "verse",
	"Fenrir": "ash",
	"Zephyr": "coral",
	"Charon": "echo",
	"Aoede":  "sage",
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimSuffix(url, "/")
		}
	}
}

// WithVoiceMap replaces [DefaultVoiceMap].
func WithVoiceMap(m map[string]string) Option {
	return func(p *Provider) { p.voiceMap = m }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	voiceMap map[string]string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:   apiKey,
		model:    DefaultModel,
		baseURL:  defaultBaseURL,
		voiceMap: DefaultVoiceMap,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "openai-realtime" }

// Voice returns the OpenAI voice used for the requested voice ID. OpenAI
// voice names pass through; mapped names are translated; anything else
// falls back to [DefaultVoice].
func (p *Provider) Voice(id string) string {
	lower := strings.ToLower(id)
	for _, v := range voices {
		if v == lower {
			return v
		}
	}
	if v, ok := p.voiceMap[id]; ok {
		return v
	}
	return DefaultVoice
}

// Connect dials the Realtime endpoint and sends the session.update message.
// The session reports [s2s.EventOpened] once the service confirms the update.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}
	wsURL := p.baseURL + "?model=" + url.QueryEscape(model)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("openai: dial: %w", &s2s.Error{
				Code:    resp.StatusCode,
				Message: http.StatusText(resp.StatusCode),
				Err:     err,
			})
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		events:     make(chan s2s.Event, eventBuffer),
		resamplers: make(map[int]*audio.Resampler),
		ctx:        sessCtx,
		cancel:     sessCancel,
	}

	if err := sess.sendSessionUpdate(p.Voice(cfg.VoiceID), cfg.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	opened bool
	closed bool

	// sendMu serialises SendAudio so each stream keeps its resampler state.
	sendMu     sync.Mutex
	resamplers map[int]*audio.Resampler

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate configures voice, instructions, audio formats and
// server-side turn detection.
func (s *session) sendSessionUpdate(voice, instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             voice,
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.markClosed()
			s.emit(terminalEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// terminalEvent converts a read error into the final event of the session.
func terminalEvent(err error) s2s.Event {
	status := websocket.CloseStatus(err)
	switch status {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return s2s.Event{Kind: s2s.EventClosed}
	case -1:
		return s2s.Event{Kind: s2s.EventError, Err: &s2s.Error{Class: s2s.ClassNetwork, Err: err}}
	}
	var ce websocket.CloseError
	reason := ""
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	return s2s.Event{Kind: s2s.EventError, Err: &s2s.Error{
		Code:    int(status),
		Message: reason,
		Err:     err,
	}}
}

// handleServerEvent emits the events carried by evt. It returns false once
// the session has ended.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		s.mu.Lock()
		first := !s.opened
		s.opened = true
		s.mu.Unlock()
		if first {
			return s.emit(s2s.Event{Kind: s2s.EventOpened})
		}

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: audio.Payload{
			Data:     evt.Delta,
			MIMEType: wireFormat.MIMEType(),
		}})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "error":
		return s.handleErrorEvent(evt)
	}
	return true
}

// handleErrorEvent ends the session for credential errors. Other error
// events describe a single rejected client message and are only logged.
func (s *session) handleErrorEvent(evt *serverEvent) bool {
	detail := serverErrorDetail{Message: "unknown error"}
	if evt.Error != nil {
		detail = *evt.Error
	}
	if !isAuthError(detail) {
		slog.Warn("openai: service rejected a message", "type", detail.Type, "code", detail.Code, "msg", detail.Message)
		return true
	}
	s.markClosed()
	s.emit(s2s.Event{Kind: s2s.EventError, Err: &s2s.Error{
		Class:   s2s.ClassAuthorization,
		Status:  detail.Code,
		Message: detail.Message,
	}})
	s.conn.CloseNow()
	return false
}

func isAuthError(d serverErrorDetail) bool {
	return d.Type == "authentication_error" ||
		d.Type == "permission_error" ||
		strings.Contains(d.Code, "api_key")
}

// emit delivers ev unless the client has closed the session.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
}

func (s *session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}

// toWire re-encodes p as 24 kHz PCM16.
func (s *session) toWire(p audio.Payload) (string, error) {
	f, err := audio.ParseMIMEType(p.MIMEType, audio.CaptureFormat)
	if err != nil {
		return "", err
	}
	if f == wireFormat {
		return p.Data, nil
	}
	block, err := audio.DecodePayload(p, f)
	if err != nil {
		return "", err
	}
	rs, ok := s.resamplers[f.SampleRate]
	if !ok {
		rs, err = audio.NewResampler(f, wireFormat)
		if err != nil {
			return "", err
		}
		s.resamplers[f.SampleRate] = rs
	}
	out := rs.Process(block.Samples)
	return audio.EncodeTransportSafe(audio.FloatToPCM16(out)), nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one encoded microphone frame to the model, resampled to
// 24 kHz when needed.
func (s *session) SendAudio(p audio.Payload) error {
	if !s.ready() {
		return s2s.ErrNotOpen
	}
	s.sendMu.Lock()
	data, err := s.toWire(p)
	s.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	if data == "" {
		// Resampler still filling its delay line.
		return nil
	}
	if err := s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: data}); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// SendDirective adds text as a user message and asks for a response.
func (s *session) SendDirective(text string) error {
	if !s.ready() {
		return s2s.ErrNotOpen
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("openai: send directive: %w", err)
	}
	if err := s.writeJSON(map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("openai: send directive: %w", err)
	}
	return nil
}

// Events returns the session's event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
