// Package genailive implements the s2s.Provider interface on top of the Live
// API client in google.golang.org/genai.
//
// It speaks the same BidiGenerateContent protocol as the gemini package but
// lets the SDK own the wire format. Audio payloads are decoded to raw bytes
// before they are handed to the SDK and re-encoded on the way back so the
// rest of the pipeline only ever sees [audio.Payload].
package genailive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	eventBuffer = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is kept
// as is; any other scheme is upgraded to wss by the SDK.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// Provider implements s2s.Provider using the genai Live client.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Provider for the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "genai-live" }

// Connect creates an SDK client, opens a Live session and starts the receive
// loop. The SDK dials synchronously and sends the setup message before it
// returns.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: p.baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genailive: new client: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	live, err := client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genailive: connect: %w", err)
	}

	s := &session{
		live:   live,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// liveConfig maps a session configuration onto the SDK connect config.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.VoiceID != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.VoiceID},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	return lc
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	live   *genai.Session
	events chan s2s.Event

	// writeMu serialises writes; the SDK connection allows one writer.
	writeMu sync.Mutex

	mu     sync.Mutex
	opened bool
	closed bool
	done   chan struct{}
}

func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.setOpened(false)
			s.emit(terminalEvent(err))
			_ = s.live.Close()
			return
		}

		for _, ev := range eventsFrom(msg) {
			if ev.Kind == s2s.EventOpened {
				s.setOpened(true)
			}
			if !s.emit(ev) {
				return
			}
		}
		if msg.GoAway != nil {
			slog.Debug("genailive: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
		}
	}
}

// eventsFrom converts one server message into zero or more events, in the
// order the pipeline must see them: opened, interrupted, then audio parts.
func eventsFrom(msg *genai.LiveServerMessage) []s2s.Event {
	if msg == nil {
		return nil
	}
	var evs []s2s.Event
	if msg.SetupComplete != nil {
		evs = append(evs, s2s.Event{Kind: s2s.EventOpened})
	}
	sc := msg.ServerContent
	if sc == nil {
		return evs
	}
	if sc.Interrupted {
		evs = append(evs, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if sc.ModelTurn == nil {
		return evs
	}
	for _, part := range sc.ModelTurn.Parts {
		if part == nil || part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			continue
		}
		evs = append(evs, s2s.Event{Kind: s2s.EventAudio, Audio: audio.Payload{
			Data:     audio.EncodeTransportSafe(part.InlineData.Data),
			MIMEType: part.InlineData.MIMEType,
		}})
	}
	return evs
}

// terminalEvent maps a receive error onto the final event of the session.
func terminalEvent(err error) s2s.Event {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return s2s.Event{Kind: s2s.EventClosed}
		case websocket.CloseAbnormalClosure:
			return s2s.Event{Kind: s2s.EventError, Err: &s2s.Error{Class: s2s.ClassNetwork, Err: err}}
		}
		return s2s.Event{Kind: s2s.EventError, Err: &s2s.Error{Code: ce.Code, Message: ce.Text, Err: err}}
	}
	return s2s.Event{Kind: s2s.EventError, Err: &s2s.Error{Err: err}}
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) setOpened(v bool) {
	s.mu.Lock()
	s.opened = v
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}

// ── SessionHandle methods ─────────────────────────────────────────────────────

// SendAudio implements s2s.SessionHandle.
func (s *session) SendAudio(p audio.Payload) error {
	if !s.ready() {
		return s2s.ErrNotOpen
	}
	raw, err := audio.DecodeTransportSafe(p.Data)
	if err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: raw, MIMEType: p.MIMEType},
	}); err != nil {
		return fmt.Errorf("genailive: send audio: %w", err)
	}
	return nil
}

// SendDirective implements s2s.SessionHandle.
func (s *session) SendDirective(text string) error {
	if !s.ready() {
		return s2s.ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{Text: text}); err != nil {
		return fmt.Errorf("genailive: send directive: %w", err)
	}
	return nil
}

// Events implements s2s.SessionHandle.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close implements s2s.SessionHandle. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.opened = false
	s.mu.Unlock()

	close(s.done)
	if err := s.live.Close(); err != nil {
		slog.Debug("genailive: close", "err", err)
	}
	return nil
}
