package session

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"forbidden", &s2s.Error{Code: 403}, KindAuthorization},
		{"entity not found", errors.New("Requested entity was not found."), KindAuthorization},
		{"network", io.ErrUnexpectedEOF, KindTransport},
		{"explicit network", &s2s.Error{Class: s2s.ClassNetwork}, KindTransport},
		{"other", errors.New("quota exhausted"), KindUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := kindOf(tc.err); got != tc.want {
				t.Errorf("kindOf(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestKind_Sentinel(t *testing.T) {
	t.Parallel()
	if KindNone.Sentinel() != nil {
		t.Error("KindNone has a sentinel")
	}
	for k, want := range map[Kind]error{
		KindDeviceAcquisition: ErrDeviceAcquisition,
		KindAuthorization:     ErrAuthorization,
		KindTransport:         ErrTransport,
		KindUnknown:           ErrUnknown,
	} {
		if got := k.Sentinel(); got != want {
			t.Errorf("%s.Sentinel() = %v, want %v", k, got, want)
		}
	}
}

func TestMessages_For(t *testing.T) {
	t.Parallel()
	d := DefaultMessages()
	custom := Messages{Network: "Offline."}

	tests := []struct {
		name        string
		msgs        Messages
		kind        Kind
		established bool
		want        string
	}{
		{"none", Messages{}, KindNone, true, ""},
		{"device", Messages{}, KindDeviceAcquisition, false, d.DeviceAcquisition},
		{"auth", Messages{}, KindAuthorization, true, d.Authorization},
		{"network override", custom, KindTransport, true, "Offline."},
		{"unknown before open", Messages{}, KindUnknown, false, d.Setup},
		{"unknown after open", custom, KindUnknown, true, d.Unknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.msgs.For(tc.kind, tc.established); got != tc.want {
				t.Errorf("For = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryPolicy_Allows(t *testing.T) {
	t.Parallel()
	auto := RetryPolicy{Auto: true, MaxAttempts: 2}

	tests := []struct {
		name     string
		policy   RetryPolicy
		kind     Kind
		attempts int
		want     bool
	}{
		{"disabled", RetryPolicy{}, KindTransport, 0, false},
		{"transport", auto, KindTransport, 0, true},
		{"unknown", auto, KindUnknown, 1, true},
		{"exhausted", auto, KindTransport, 2, false},
		{"authorization", auto, KindAuthorization, 0, false},
		{"device", auto, KindDeviceAcquisition, 0, false},
		{"default limit", RetryPolicy{Auto: true}, KindTransport, 3, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.policy.Allows(tc.kind, tc.attempts); got != tc.want {
				t.Errorf("Allows = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := (RetryPolicy{}).Delay(1); got != defaultBackoff {
		t.Errorf("default Delay(1) = %v, want %v", got, defaultBackoff)
	}
}
