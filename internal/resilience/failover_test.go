package resilience

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
	s2smock "github.com/MrWong99/chatterbox/pkg/provider/s2s/mock"
)

var errDown = &s2s.Error{Class: s2s.ClassNetwork, Err: io.ErrUnexpectedEOF}

func providers() (*s2smock.Provider, *s2smock.Provider) {
	return &s2smock.Provider{ProviderName: "primary"}, &s2smock.Provider{ProviderName: "secondary"}
}

func TestFailover_PrimarySucceeds(t *testing.T) {
	t.Parallel()
	primary, secondary := providers()
	f := NewFailover(primary, BreakerConfig{})
	f.AddFallback(secondary)

	h, err := f.Connect(t.Context(), s2s.SessionConfig{VoiceID: "Kore"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != primary.Last() {
		t.Error("handle is not the primary session")
	}
	if secondary.Connects() != 0 {
		t.Error("secondary dialled")
	}
	if f.Name() != "primary" || !slices.Equal(f.Names(), []string{"primary", "secondary"}) {
		t.Errorf("names = %q %v", f.Name(), f.Names())
	}
}

func TestFailover_FallsBack(t *testing.T) {
	t.Parallel()
	primary, secondary := providers()
	primary.SetConnectErr(errDown)
	f := NewFailover(primary, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	f.AddFallback(secondary)

	for i := range 3 {
		if _, err := f.Connect(t.Context(), s2s.SessionConfig{}); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	// The third connect skips the open primary.
	if got := primary.Connects(); got != 2 {
		t.Errorf("primary connects = %d, want 2", got)
	}
	if got := secondary.Connects(); got != 3 {
		t.Errorf("secondary connects = %d, want 3", got)
	}
	if got := f.States()["primary"]; got != StateOpen {
		t.Errorf("primary breaker = %v, want open", got)
	}
}

func TestFailover_AllFailKeepsCause(t *testing.T) {
	t.Parallel()
	primary, secondary := providers()
	primary.SetConnectErr(errors.New("boom"))
	secondary.SetConnectErr(errDown)
	f := NewFailover(primary, BreakerConfig{})
	f.AddFallback(secondary)

	_, err := f.Connect(t.Context(), s2s.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := s2s.Classify(err); got != s2s.ClassNetwork {
		t.Errorf("Classify = %v, want network", got)
	}
}

func TestFailover_AuthorizationStops(t *testing.T) {
	t.Parallel()
	primary, secondary := providers()
	primary.SetConnectErr(&s2s.Error{Code: 403, Message: "API key not valid"})
	f := NewFailover(primary, BreakerConfig{MaxFailures: 1})
	f.AddFallback(secondary)

	for range 3 {
		_, err := f.Connect(t.Context(), s2s.SessionConfig{})
		if s2s.Classify(err) != s2s.ClassAuthorization {
			t.Fatalf("err = %v, want authorization", err)
		}
		if errors.Is(err, ErrAllFailed) {
			t.Error("authorization failure wrapped as ErrAllFailed")
		}
	}
	if secondary.Connects() != 0 {
		t.Error("fallback dialled after authorization failure")
	}
	if got := f.States()["primary"]; got != StateClosed {
		t.Errorf("primary breaker = %v, want closed", got)
	}
}

func TestFailover_Cancelled(t *testing.T) {
	t.Parallel()
	primary, secondary := providers()
	primary.SetConnectErr(context.Canceled)
	f := NewFailover(primary, BreakerConfig{})
	f.AddFallback(secondary)

	if _, err := f.Connect(t.Context(), s2s.SessionConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.Connects() != 0 {
		t.Error("fallback dialled after cancellation")
	}
}
