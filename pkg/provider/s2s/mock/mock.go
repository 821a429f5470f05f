// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls. Every successful Connect returns a
// fresh Session; tests then drive the session from the service side with
// Open, Audio, Interrupt, Fail and Hangup, and inspect what the client sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.Last()
//	sess.Open()
//	sess.Audio(payload)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// Compile-time interface assertions.
var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// eventBuffer bounds how many undelivered events a Session holds. Emits past
// the bound are dropped.
const eventBuffer = 1024

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default: "mock".
	ProviderName string

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes every new session emit EventOpened immediately.
	AutoOpen bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Name implements s2s.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns a new Session, or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		err := p.ConnectErr
		p.mu.Unlock()
		return nil, err
	}
	sess := NewSession(cfg)
	p.sessions = append(p.sessions, sess)
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if autoOpen {
		sess.Open()
	}
	return sess, nil
}

// SetConnectErr changes ConnectErr while other goroutines may be connecting.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// Connects returns how many times Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Sessions returns every session created so far, oldest first.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// Last returns the most recently created session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	// Cfg is the configuration the session was created with.
	Cfg s2s.SessionConfig

	mu         sync.Mutex
	events     chan s2s.Event
	open       bool
	ended      bool // channel closed
	closeCalls int
	audio      []audio.Payload
	directives []string
	sendErr    error
}

// NewSession returns a session that has not been opened yet.
func NewSession(cfg s2s.SessionConfig) *Session {
	return &Session{Cfg: cfg, events: make(chan s2s.Event, eventBuffer)}
}

// ── Service side ──────────────────────────────────────────────────────────────

// Open emits EventOpened and starts accepting audio.
func (s *Session) Open() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.emit(s2s.Event{Kind: s2s.EventOpened}, false)
}

// Audio emits one EventAudio.
func (s *Session) Audio(p audio.Payload) {
	s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: p}, false)
}

// Interrupt emits EventInterrupted.
func (s *Session) Interrupt() {
	s.emit(s2s.Event{Kind: s2s.EventInterrupted}, false)
}

// Fail emits a terminal EventError.
func (s *Session) Fail(err error) {
	s.emit(s2s.Event{Kind: s2s.EventError, Err: err}, true)
}

// Hangup emits a terminal EventClosed.
func (s *Session) Hangup() {
	s.emit(s2s.Event{Kind: s2s.EventClosed}, true)
}

// SetSendErr makes subsequent SendAudio calls fail with err.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *Session) emit(ev s2s.Event, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
	if terminal {
		s.open = false
		s.ended = true
		close(s.events)
	}
}

// ── Client side ───────────────────────────────────────────────────────────────

// SendAudio implements s2s.SessionHandle.
func (s *Session) SendAudio(p audio.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return s2s.ErrNotOpen
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.audio = append(s.audio, p)
	return nil
}

// SendDirective implements s2s.SessionHandle.
func (s *Session) SendDirective(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return s2s.ErrNotOpen
	}
	s.directives = append(s.directives, text)
	return nil
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close implements s2s.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.open = false
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return nil
}

// ── Inspection ────────────────────────────────────────────────────────────────

// SentAudio returns every payload accepted by SendAudio.
func (s *Session) SentAudio() []audio.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Payload(nil), s.audio...)
}

// Directives returns every text accepted by SendDirective.
func (s *Session) Directives() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.directives...)
}

// Closed reports whether Close has been called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
