package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/chatterbox/internal/resilience"
)

// ErrNoCredential is reported by [Credential] when no API key is available.
var ErrNoCredential = errors.New("no API key available")

// Credential reports ready while authorized returns true.
func Credential(authorized func(context.Context) bool) Checker {
	return Checker{
		Name: "credential",
		Check: func(ctx context.Context) error {
			if !authorized(ctx) {
				return ErrNoCredential
			}
			return nil
		},
	}
}

// Providers reports ready while at least one provider breaker admits calls.
// The error lists the open breakers in name order.
func Providers(states func() map[string]resilience.State) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			st := states()
			if len(st) == 0 {
				return errors.New("no providers configured")
			}
			var open []string
			for name, s := range st {
				if s == resilience.StateOpen {
					open = append(open, name)
				}
			}
			if len(open) < len(st) {
				return nil
			}
			slices.Sort(open)
			return fmt.Errorf("all circuit breakers open: %s", strings.Join(open, ", "))
		},
	}
}
