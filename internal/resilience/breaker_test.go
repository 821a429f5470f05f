package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.cfg.MaxFailures != 3 {
		t.Errorf("MaxFailures = %d, want 3", b.cfg.MaxFailures)
	}
	if b.cfg.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", b.cfg.ResetTimeout)
	}
	if b.cfg.HalfOpenMax != 1 {
		t.Errorf("HalfOpenMax = %d, want 1", b.cfg.HalfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_Opens(t *testing.T) {
	t.Parallel()
	c := newClock()
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Minute, Now: c.Now})

	for range 3 {
		if err := b.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("Execute = %v, want errTest", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("Execute = %v (called=%v), want ErrCircuitOpen without call", err, called)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3})

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	_ = b.Execute(fail)
	_ = b.Execute(fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"probe succeeds", succeed, StateClosed},
		{"probe fails", fail, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newClock()
			b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Second, Now: c.Now})

			_ = b.Execute(fail)
			c.Advance(999 * time.Millisecond)
			if b.State() != StateOpen {
				t.Fatalf("state = %v before timeout, want open", b.State())
			}
			c.Advance(time.Millisecond)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v after timeout, want half-open", b.State())
			}

			_ = b.Execute(tc.probe)
			if got := b.State(); got != tc.want {
				t.Errorf("state after probe = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	c := newClock()
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1, Now: c.Now})
	_ = b.Execute(fail)
	c.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_IgnoredErrorsDoNotCount(t *testing.T) {
	t.Parallel()
	errIgnored := errors.New("bad credential")
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 1,
		Ignore:      func(err error) bool { return errors.Is(err, errIgnored) },
	})

	for range 5 {
		if err := b.Execute(func() error { return errIgnored }); !errors.Is(err, errIgnored) {
			t.Fatalf("Execute = %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_OnStateChangeAndReset(t *testing.T) {
	t.Parallel()
	c := newClock()
	var (
		mu   sync.Mutex
		seen []string
	)
	b := NewBreaker(BreakerConfig{
		Name:         "svc",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          c.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+from.String()+">"+to.String())
		},
	})

	_ = b.Execute(fail)
	c.Advance(time.Second)
	_ = b.Execute(fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v after reset", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"svc:closed>open",
		"svc:open>half-open",
		"svc:half-open>open",
		"svc:open>closed",
	}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
