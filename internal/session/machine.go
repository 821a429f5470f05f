package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/chatterbox/internal/capture"
	"github.com/MrWong99/chatterbox/internal/observe"
	"github.com/MrWong99/chatterbox/internal/playback"
	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// DefaultDirectiveDelay is the pause between the session opening and the
// directive being sent.
const DefaultDirectiveDelay = 150 * time.Millisecond

var errNoCredential = errors.New("no credential configured")

// Config configures a [Machine].
type Config struct {
	// Provider opens transport sessions. Required.
	Provider s2s.Provider

	// Device provides the microphone and the speaker. Required.
	Device audio.Device

	// Authorizer is consulted before every attempt and asked for a new
	// credential after an authorization failure. Optional.
	Authorizer Authorizer

	// Profile is the initial persona and partner configuration.
	Profile Profile

	// DirectiveDelay defaults to DefaultDirectiveDelay if zero.
	DirectiveDelay time.Duration

	// Retry controls automatic retries. Disabled by default.
	Retry RetryPolicy

	// Messages overrides the user-facing failure messages.
	Messages Messages

	// Metrics defaults to observe.DefaultMetrics if nil.
	Metrics *observe.Metrics

	// CaptureOptions and PlaybackOptions are passed to every pipeline and
	// scheduler the machine creates. They must not call back into the
	// Machine.
	CaptureOptions  []capture.Option
	PlaybackOptions []playback.Option
}

// Machine is the session state machine. All methods are safe for concurrent
// use.
type Machine struct {
	provider     s2s.Provider
	dev          audio.Device
	auth         Authorizer
	delay        time.Duration
	retry        RetryPolicy
	messages     Messages
	metrics      *observe.Metrics
	captureOpts  []capture.Option
	playbackOpts []playback.Option

	// gate is read by the capture pipeline on the audio thread.
	gate atomic.Bool

	// flow orders inbound audio against pause so no chunk is scheduled
	// after a pause flushed playback.
	flow sync.Mutex

	mu          sync.Mutex
	profile     Profile
	sess        Session
	muted       bool
	connecting  *attempt // holds the connect guard
	att         *attempt
	kind        Kind
	message     string
	err         error
	epoch       uint64 // bumped by every transition that invalidates a pending retry
	autoRetries int
	retryTimer  *time.Timer
	nextRetry   time.Time

	listenMu  sync.Mutex
	listeners []func(Snapshot)
}

// attempt is the set of resources owned by one Session.
type attempt struct {
	ctx     context.Context
	cancel  context.CancelFunc
	prof    Profile
	player  *playback.Scheduler
	capture *capture.Pipeline

	// Guarded by Machine.mu until the attempt is detached.
	handle    s2s.SessionHandle
	directive *time.Timer
	opened    bool
	directed  bool

	// hmu guards sendTo, read by the capture send loop.
	hmu    sync.Mutex
	sendTo s2s.SessionHandle

	releaseOnce sync.Once
	releaseErr  error
}

// send is the capture pipeline's sender.
func (a *attempt) send(p audio.Payload) error {
	a.hmu.Lock()
	h := a.sendTo
	a.hmu.Unlock()
	if h == nil {
		return capture.ErrSkip
	}
	if err := h.SendAudio(p); err != nil {
		if errors.Is(err, s2s.ErrNotOpen) {
			return capture.ErrSkip
		}
		return err
	}
	return nil
}

func (a *attempt) setSendTo(h s2s.SessionHandle) {
	a.hmu.Lock()
	a.sendTo = h
	a.hmu.Unlock()
}

// stopDevices releases the microphone and the speaker. It may be called any
// number of times, including while a concurrent Start is still opening them.
func (a *attempt) stopDevices() error {
	var errs []error
	if err := a.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.player.Stop(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release tears the attempt down once. Every step runs even if an earlier
// one fails.
func (a *attempt) release(m *observe.Metrics) error {
	a.releaseOnce.Do(func() {
		if a.directive != nil {
			a.directive.Stop()
		}
		a.setSendTo(nil)
		// Close the transport first so that an in-flight send returns
		// before the capture pipeline waits for it.
		var errs []error
		if a.handle != nil {
			if err := a.handle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		errs = append(errs, a.stopDevices())
		if a.opened {
			m.ActiveSessions.Add(context.WithoutCancel(a.ctx), -1)
		}
		a.cancel()
		a.releaseErr = errors.Join(errs...)
	})
	return a.releaseErr
}

// New creates a Machine in StatusIdle.
func New(cfg Config) (*Machine, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: audio device is required")
	}
	m := &Machine{
		provider:     cfg.Provider,
		dev:          cfg.Device,
		auth:         cfg.Authorizer,
		delay:        cfg.DirectiveDelay,
		retry:        cfg.Retry,
		messages:     cfg.Messages.withDefaults(),
		metrics:      cfg.Metrics,
		captureOpts:  cfg.CaptureOptions,
		playbackOpts: cfg.PlaybackOptions,
		profile:      cfg.Profile,
	}
	if m.delay <= 0 {
		m.delay = DefaultDirectiveDelay
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.sess = Session{Status: StatusIdle, VoiceID: cfg.Profile.VoiceID, UserName: cfg.Profile.UserName}
	return m, nil
}

// ── Observers ─────────────────────────────────────────────────────────────────

// OnChange registers fn to be called with a fresh snapshot after every
// status, mute or failure change. fn must not block.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Machine) publish() {
	snap := m.Snapshot()
	m.listenMu.Lock()
	ls := slices.Clone(m.listeners)
	m.listenMu.Unlock()
	for _, fn := range ls {
		fn(snap)
	}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Session:   m.sess,
		Kind:      m.kind,
		Message:   m.message,
		Err:       m.err,
		NextRetry: m.nextRetry,
	}
	if a := m.att; a != nil {
		s.Speaking = a.player.Speaking()
		s.Level = a.capture.Level()
	}
	return s
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

// SetProfile changes the profile used by the next attempt. The running
// attempt is not affected.
func (m *Machine) SetProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = p
}

// Profile returns the profile the next attempt will use.
func (m *Machine) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// SetRetryPolicy replaces the automatic retry policy. A retry that is
// already scheduled keeps its delay.
func (m *Machine) SetRetryPolicy(p RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry = p
}

// SetMessages replaces the failure messages used from the next failure on.
func (m *Machine) SetMessages(msgs Messages) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = msgs.withDefaults()
}

// SetDirectiveDelay changes the directive delay of the next connection.
// Zero restores DefaultDirectiveDelay.
func (m *Machine) SetDirectiveDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultDirectiveDelay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// ── User actions ──────────────────────────────────────────────────────────────

// Start begins a new conversation. It is only valid from StatusIdle. Start
// returns once the transport has been dialled; the session opens
// asynchronously. A failure moves the machine to StatusError and is also
// returned.
func (m *Machine) Start(ctx context.Context) error {
	return m.start(ctx, StatusIdle)
}

// Retry tears down whatever is left of the failed attempt and starts a new
// one with exactly one connect. It is only valid from StatusError.
func (m *Machine) Retry(ctx context.Context) error {
	return m.start(ctx, StatusError)
}

// Pause flushes playback and closes the capture gate. Only valid from
// StatusConnected. Chunks arriving while paused are dropped.
func (m *Machine) Pause() error {
	m.flow.Lock()
	defer m.flow.Unlock()

	m.mu.Lock()
	if m.sess.Status != StatusConnected {
		st := m.sess.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, st)
	}
	m.sess.Status = StatusPaused
	m.updateGateLocked()
	a := m.att
	m.mu.Unlock()

	a.player.Interrupt(playback.Teardown)
	m.transitioned(a.ctx, StatusConnected, StatusPaused)
	return nil
}

// Resume returns to StatusConnected. Only valid from StatusPaused.
func (m *Machine) Resume() error {
	m.flow.Lock()
	defer m.flow.Unlock()

	m.mu.Lock()
	if m.sess.Status != StatusPaused {
		st := m.sess.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, st)
	}
	m.sess.Status = StatusConnected
	m.updateGateLocked()
	a := m.att
	m.mu.Unlock()

	m.transitioned(a.ctx, StatusPaused, StatusConnected)
	return nil
}

// SetMuted sets the mute flag. It never changes the status.
func (m *Machine) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.sess.Muted = muted
	m.updateGateLocked()
	m.mu.Unlock()
	m.publish()
}

// ToggleMute flips the mute flag and returns the new value.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	muted := !m.muted
	m.muted = muted
	m.sess.Muted = muted
	m.updateGateLocked()
	m.mu.Unlock()
	m.publish()
	return muted
}

// Stop tears everything down and returns to StatusIdle from any status.
// Idempotent.
func (m *Machine) Stop() error {
	m.mu.Lock()
	from := m.sess.Status
	a := m.detachLocked()
	m.stopRetryLocked()
	m.sess.Status = StatusIdle
	m.setFailureLocked(KindNone, nil, "")
	m.autoRetries = 0
	m.epoch++
	m.mu.Unlock()

	var err error
	if a != nil {
		err = a.release(m.metrics)
	}
	if from != StatusIdle {
		m.transitioned(context.Background(), from, StatusIdle)
	}
	if err != nil {
		return fmt.Errorf("session: stop: %w", err)
	}
	return nil
}

// ── Attempt lifecycle ─────────────────────────────────────────────────────────

func (m *Machine) start(ctx context.Context, from Status) error {
	m.mu.Lock()
	if m.connecting != nil {
		m.mu.Unlock()
		return ErrConnecting
	}
	if m.sess.Status != from {
		st := m.sess.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, st)
	}
	retries := 0
	if from == StatusError {
		retries = m.sess.RetryCount + 1
	}
	stale := m.detachLocked()
	m.stopRetryLocked()
	m.epoch++
	prof := m.profile
	m.sess = Session{
		ID:         uuid.New(),
		Status:     StatusConnecting,
		VoiceID:    prof.VoiceID,
		UserName:   prof.UserName,
		Muted:      m.muted,
		RetryCount: retries,
		StartedAt:  time.Now(),
	}
	m.setFailureLocked(KindNone, nil, "")
	m.updateGateLocked()

	actx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), m.sess.ID.String()))
	a := &attempt{ctx: actx, cancel: cancel, prof: prof}
	a.player = playback.New(m.dev, append([]playback.Option{playback.WithMetrics(m.metrics)}, m.playbackOpts...)...)
	a.capture = capture.New(m.dev, capture.GateFunc(m.gate.Load), capture.SenderFunc(a.send),
		append([]capture.Option{capture.WithMetrics(m.metrics)}, m.captureOpts...)...)
	m.att = a
	m.connecting = a
	m.mu.Unlock()

	if stale != nil {
		if err := stale.release(m.metrics); err != nil {
			observe.Logger(actx).Warn("session: releasing previous attempt", "err", err)
		}
	}
	m.transitioned(actx, from, StatusConnecting)

	log := observe.Logger(actx)
	log.Info("session starting", "voice", prof.VoiceID, "retry", retries, "provider", m.provider.Name())

	if m.auth != nil && !m.auth.Authorized(actx) {
		return m.abort(a, KindAuthorization, errNoCredential)
	}
	if err := a.player.Start(actx); err != nil {
		return m.abort(a, KindDeviceAcquisition, err)
	}
	if err := a.capture.Start(actx); err != nil {
		return m.abort(a, KindDeviceAcquisition, err)
	}
	if !m.isCurrent(a) {
		// Stopped while the devices were opening.
		m.finishConnecting(a)
		_ = a.stopDevices()
		return ErrStopped
	}

	h, err := m.connect(actx, prof)

	m.mu.Lock()
	if m.connecting == a {
		m.connecting = nil
	}
	current := m.att == a
	if current && err == nil {
		a.handle = h
	}
	m.mu.Unlock()

	switch {
	case !current:
		if h != nil {
			_ = h.Close()
		}
		_ = a.stopDevices()
		return ErrStopped
	case err != nil:
		return m.fail(a, kindOf(err), err)
	}

	a.setSendTo(h)
	go m.pump(a, h)
	return nil
}

// connect dials the provider inside a span and records its latency.
func (m *Machine) connect(ctx context.Context, prof Profile) (s2s.SessionHandle, error) {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", m.provider.Name()),
		attribute.String("voice", prof.VoiceID),
	)

	t0 := time.Now()
	h, err := m.provider.Connect(ctx, s2s.SessionConfig{
		VoiceID:      prof.VoiceID,
		Instructions: prof.Instructions,
		Model:        prof.Model,
	})
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.metrics.RecordConnect(ctx, m.provider.Name(), status, time.Since(t0))
	return h, err
}

// abort fails an attempt that has not reached the transport yet.
func (m *Machine) abort(a *attempt, k Kind, err error) error {
	m.finishConnecting(a)
	return m.fail(a, k, err)
}

// finishConnecting clears the connect guard if a still holds it.
func (m *Machine) finishConnecting(a *attempt) {
	m.mu.Lock()
	if m.connecting == a {
		m.connecting = nil
	}
	m.mu.Unlock()
}

func (m *Machine) isCurrent(a *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.att == a
}

// fail moves the machine to StatusError if a is still the current attempt
// and releases its resources. It returns the wrapped failure.
func (m *Machine) fail(a *attempt, k Kind, cause error) error {
	wrapped := fmt.Errorf("%w: %w", k.Sentinel(), cause)

	m.mu.Lock()
	if m.att != a {
		m.mu.Unlock()
		// Already detached; a racing start may have opened a device since.
		_ = a.stopDevices()
		return wrapped
	}
	from := m.sess.Status
	m.detachLocked()
	m.sess.Status = StatusError
	m.setFailureLocked(k, wrapped, m.messages.For(k, a.opened))
	m.epoch++
	if m.retry.Allows(k, m.autoRetries) {
		m.autoRetries++
		delay := m.retry.Delay(m.autoRetries)
		epoch := m.epoch
		m.nextRetry = time.Now().Add(delay)
		m.retryTimer = time.AfterFunc(delay, func() { m.autoRetry(epoch) })
	}
	m.mu.Unlock()

	log := observe.Logger(a.ctx)
	if k == KindAuthorization && m.auth != nil {
		if err := m.auth.RequestAuthorization(context.WithoutCancel(a.ctx)); err != nil {
			log.Warn("session: authorization request failed", "err", err)
		}
	}
	if err := a.release(m.metrics); err != nil {
		log.Warn("session: teardown after failure", "err", err)
	}
	log.Warn("session failed", "kind", k.String(), "from", from.String(), "err", cause)
	m.metrics.RecordSessionError(a.ctx, k.String())
	m.transitioned(a.ctx, from, StatusError)
	return wrapped
}

// autoRetry runs when a retry timer fires. A transition since the failure
// cancels it.
func (m *Machine) autoRetry(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.sess.Status != StatusError {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.nextRetry = time.Time{}
	m.mu.Unlock()

	if err := m.Retry(context.Background()); err != nil {
		observe.Logger(context.Background()).Debug("session: automatic retry failed", "err", err)
	}
}

// ── Transport events ──────────────────────────────────────────────────────────

// pump consumes the events of one attempt in arrival order.
func (m *Machine) pump(a *attempt, h s2s.SessionHandle) {
	for ev := range h.Events() {
		switch ev.Kind {
		case s2s.EventOpened:
			m.opened(a)
		case s2s.EventAudio:
			m.audio(a, ev.Audio)
		case s2s.EventInterrupted:
			m.interrupted(a)
		case s2s.EventError:
			m.fail(a, kindOf(ev.Err), ev.Err)
		case s2s.EventClosed:
			m.closed(a)
		}
	}
}

func (m *Machine) opened(a *attempt) {
	m.mu.Lock()
	if m.att != a || m.sess.Status != StatusConnecting {
		m.mu.Unlock()
		return
	}
	m.sess.Status = StatusConnected
	a.opened = true
	m.autoRetries = 0
	m.updateGateLocked()
	if text := a.prof.Directive; text != "" {
		a.directive = time.AfterFunc(m.delay, func() { m.sendDirective(a, text) })
	}
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(a.ctx, 1)
	observe.Logger(a.ctx).Info("session connected")
	m.transitioned(a.ctx, StatusConnecting, StatusConnected)
}

// audio schedules one reply chunk. Chunks are only accepted while connected;
// undecodable chunks are dropped without ending the session.
func (m *Machine) audio(a *attempt, p audio.Payload) {
	m.flow.Lock()
	defer m.flow.Unlock()

	m.mu.Lock()
	ok := m.att == a && m.sess.Status == StatusConnected
	st := m.sess.Status
	m.mu.Unlock()
	if !ok {
		observe.Logger(a.ctx).Debug("session: dropping reply chunk", "status", st.String())
		return
	}
	if _, err := a.player.Enqueue(a.ctx, p); err != nil {
		observe.Logger(a.ctx).Warn("session: dropping reply chunk", "err", fmt.Errorf("%w: %w", ErrDecode, err))
	}
}

// interrupted flushes playback whatever the status.
func (m *Machine) interrupted(a *attempt) {
	m.mu.Lock()
	current := m.att == a
	m.mu.Unlock()
	if current {
		a.player.Interrupt(playback.BargeIn)
	}
}

// closed handles a clean remote close. Error and Paused are kept as they are.
func (m *Machine) closed(a *attempt) {
	m.mu.Lock()
	if m.att != a {
		m.mu.Unlock()
		return
	}
	from := m.sess.Status
	if from == StatusError || from == StatusPaused {
		m.mu.Unlock()
		observe.Logger(a.ctx).Info("session: transport closed", "status", from.String())
		return
	}
	m.detachLocked()
	m.sess.Status = StatusIdle
	m.epoch++
	m.mu.Unlock()

	if err := a.release(m.metrics); err != nil {
		observe.Logger(a.ctx).Warn("session: teardown after close", "err", err)
	}
	observe.Logger(a.ctx).Info("session closed by service")
	m.transitioned(a.ctx, from, StatusIdle)
}

func (m *Machine) sendDirective(a *attempt, text string) {
	m.mu.Lock()
	ok := m.att == a && !a.directed && (m.sess.Status == StatusConnected || m.sess.Status == StatusPaused)
	a.directed = true
	h := a.handle
	m.mu.Unlock()
	if !ok || h == nil {
		return
	}
	if err := h.SendDirective(text); err != nil {
		observe.Logger(a.ctx).Warn("session: sending directive", "err", err)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// detachLocked removes the current attempt so that no other path can release
// it. The caller releases the returned attempt after unlocking.
func (m *Machine) detachLocked() *attempt {
	a := m.att
	m.att = nil
	if m.connecting == a {
		m.connecting = nil
	}
	m.gate.Store(false)
	return a
}

func (m *Machine) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.nextRetry = time.Time{}
}

func (m *Machine) setFailureLocked(k Kind, err error, msg string) {
	m.kind = k
	m.err = err
	m.message = msg
}

// updateGateLocked opens the capture gate only while connected and unmuted.
func (m *Machine) updateGateLocked() {
	m.gate.Store(m.sess.Status == StatusConnected && !m.muted)
}

func (m *Machine) transitioned(ctx context.Context, from, to Status) {
	m.metrics.RecordTransition(ctx, from.String(), to.String())
	m.publish()
}
