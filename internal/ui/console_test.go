package ui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chatterbox/internal/persona"
	"github.com/MrWong99/chatterbox/internal/session"
)

// fakeController records the actions the console takes and follows the
// status transitions of the real machine closely enough for the commands.
type fakeController struct {
	mu       sync.Mutex
	snap     session.Snapshot
	calls    []string
	startErr error
}

func (f *fakeController) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.startErr != nil {
		f.snap.Status = session.StatusError
		return f.startErr
	}
	f.snap.Status = session.StatusConnected
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	f.snap.Status = session.StatusIdle
	return nil
}

func (f *fakeController) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	if f.snap.Status != session.StatusConnected {
		return fmt.Errorf("%w: pause from %s", session.ErrInvalidTransition, f.snap.Status)
	}
	f.snap.Status = session.StatusPaused
	return nil
}

func (f *fakeController) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("resume")
	f.snap.Status = session.StatusConnected
	return nil
}

func (f *fakeController) Retry(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("retry")
	if f.snap.Status != session.StatusError {
		return fmt.Errorf("%w: retry from %s", session.ErrInvalidTransition, f.snap.Status)
	}
	f.snap.Status = session.StatusConnected
	return nil
}

func (f *fakeController) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("mute")
	f.snap.Muted = !f.snap.Muted
	return f.snap.Muted
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeKeys struct {
	requests chan struct{}

	mu  sync.Mutex
	set []string
}

func newFakeKeys() *fakeKeys { return &fakeKeys{requests: make(chan struct{}, 1)} }

func (k *fakeKeys) Requests() <-chan struct{} { return k.requests }

func (k *fakeKeys) Set(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.set = append(k.set, key)
}

func (k *fakeKeys) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.set...)
}

// syncBuffer is a bytes.Buffer safe for the console and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func runScript(t *testing.T, ctl *fakeController, script string, opts ...Option) string {
	t.Helper()
	out := &syncBuffer{}
	opts = append([]Option{WithPersona(func() persona.Persona { return luna }), WithRefresh(time.Millisecond)}, opts...)
	c := New(ctl, strings.NewReader(script), out, opts...)
	if err := c.Run(t.Context()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	return out.String()
}

func TestConsole_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status session.Status
		script string
		want   []string
	}{
		{"start from idle", session.StatusIdle, "s\n", []string{"start"}},
		{"stop when connected", session.StatusConnected, "s\n", []string{"stop"}},
		{"pause when connected", session.StatusConnected, "p\n", []string{"pause"}},
		{"resume when paused", session.StatusPaused, "p\n", []string{"resume"}},
		{"mute twice", session.StatusConnected, "m\nm\n", []string{"mute", "mute"}},
		{"retry", session.StatusError, "r\n", []string{"retry"}},
		{"quit stops", session.StatusConnected, "q\nm\n", []string{"stop"}},
		{"blank and help", session.StatusIdle, "\n?\n", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctl := &fakeController{snap: session.Snapshot{Session: session.Session{Status: tc.status}}}
			runScript(t, ctl, tc.script)
			got := ctl.Calls()
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Errorf("calls = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConsole_UnknownCommand(t *testing.T) {
	t.Parallel()
	ctl := &fakeController{}
	out := runScript(t, ctl, "dance\n")
	if !strings.Contains(out, `unknown command "dance"`) {
		t.Errorf("output = %q", out)
	}
	if len(ctl.Calls()) != 0 {
		t.Errorf("calls = %v", ctl.Calls())
	}
}

func TestConsole_InvalidTransitionIsReported(t *testing.T) {
	t.Parallel()
	ctl := &fakeController{}
	out := runScript(t, ctl, "p\nr\n")
	if strings.Count(out, "invalid transition") != 2 {
		t.Errorf("output = %q, want two invalid transition notices", out)
	}
}

func TestConsole_StartFailureShowsInStatusLine(t *testing.T) {
	t.Parallel()
	ctl := &fakeController{startErr: errors.New("dial failed")}
	ctl.snap.Message = "Could not start the conversation."

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	c := New(ctl, pr, out, WithPersona(func() persona.Persona { return luna }), WithRefresh(time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- c.Run(t.Context()) }()

	fmt.Fprintln(pw, "s")
	eventually(t, "error status line", func() bool {
		return strings.Contains(out.String(), "Could not start the conversation.")
	})
	if strings.Contains(out.String(), "dial failed") {
		t.Error("raw transport error leaked into the console")
	}
	pw.Close()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestConsole_StatusLineFollowsMachine(t *testing.T) {
	t.Parallel()
	ctl := &fakeController{snap: session.Snapshot{Session: session.Session{Status: session.StatusConnected}}}

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	c := New(ctl, pr, out, WithPersona(func() persona.Persona { return luna }), WithRefresh(time.Millisecond))
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	eventually(t, "connected", func() bool { return strings.Contains(out.String(), "connected") })

	ctl.mu.Lock()
	ctl.snap.Speaking = true
	ctl.mu.Unlock()
	eventually(t, "speaking indicator", func() bool { return strings.Contains(out.String(), "Luna is speaking…") })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestConsole_KeyPrompt(t *testing.T) {
	t.Parallel()
	ctl := &fakeController{snap: session.Snapshot{Session: session.Session{Status: session.StatusError}}}
	keys := newFakeKeys()

	pr, pw := io.Pipe()
	out := &syncBuffer{}
	c := New(ctl, pr, out, WithKeys(keys), WithRefresh(time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- c.Run(t.Context()) }()

	keys.requests <- struct{}{}
	eventually(t, "prompt", func() bool { return strings.Contains(out.String(), "Enter your API key") })

	// The key line must not be treated as a command.
	fmt.Fprintln(pw, "q")
	eventually(t, "key stored", func() bool { return len(keys.Keys()) == 1 })
	if got := keys.Keys()[0]; got != "q" {
		t.Errorf("key = %q, want q", got)
	}
	if !strings.Contains(out.String(), "Key saved") {
		t.Errorf("output = %q", out.String())
	}

	fmt.Fprintln(pw, "k")
	eventually(t, "second prompt", func() bool { return strings.Count(out.String(), "Enter your API key") == 2 })
	fmt.Fprintln(pw, "")
	eventually(t, "cancel", func() bool { return strings.Contains(out.String(), "Key entry cancelled.") })

	fmt.Fprintln(pw, "q")
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if len(keys.Keys()) != 1 {
		t.Errorf("keys = %v", keys.Keys())
	}
	if calls := ctl.Calls(); len(calls) != 1 || calls[0] != "stop" {
		t.Errorf("calls = %v, want [stop]", calls)
	}
}

func TestConsole_KeyCommandWithoutStore(t *testing.T) {
	t.Parallel()
	out := runScript(t, &fakeController{}, "k\n")
	if !strings.Contains(out, "API key entry is not available") {
		t.Errorf("output = %q", out)
	}
}
