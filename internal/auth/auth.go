// Package auth manages the API key used to open conversations.
//
// A [Store] resolves the key from, in order: a key entered at runtime with
// [Store.Set], the configured key, a key file, and environment variables
// (GEMINI_API_KEY, then GOOGLE_API_KEY by default). Once the service rejects
// a key it is remembered as rejected and the store reports itself as not
// authorised until a different key shows up from any source.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultEnv lists the environment variables consulted by default.
var DefaultEnv = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}

// ErrNoKey is returned by [Store.Key] when no source yields a usable key.
var ErrNoKey = errors.New("auth: no API key available")

// Option configures a [Store].
type Option func(*Store)

// WithKey sets a fixed key, e.g. from the config file.
func WithKey(key string) Option {
	return func(s *Store) { s.static = strings.TrimSpace(key) }
}

// WithFile reads the key from path on every lookup, so an edited file is
// picked up without a restart.
func WithFile(path string) Option {
	return func(s *Store) { s.file = path }
}

// WithEnv replaces the environment variables consulted.
func WithEnv(names ...string) Option {
	return func(s *Store) { s.env = names }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(s *Store) { s.lookupEnv = fn }
}

// Store is the credential source. It implements the session package's
// Authorizer. Safe for concurrent use.
type Store struct {
	static    string
	file      string
	env       []string
	lookupEnv func(string) (string, bool)

	mu       sync.Mutex
	entered  string
	rejected string
	issued   string // last key returned by Key

	requests chan struct{}
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		env:       DefaultEnv,
		lookupEnv: os.LookupEnv,
		requests:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the first key that has not been rejected. The key is
// remembered as the one a following [Store.RequestAuthorization] rejects.
func (s *Store) Key() (string, error) {
	k, err := s.lookup()
	if err == nil {
		s.mu.Lock()
		s.issued = k
		s.mu.Unlock()
	}
	return k, err
}

func (s *Store) lookup() (string, error) {
	s.mu.Lock()
	entered, rejected := s.entered, s.rejected
	s.mu.Unlock()

	for _, k := range s.candidates(entered) {
		if k != "" && k != rejected {
			return k, nil
		}
	}
	if rejected != "" {
		return "", fmt.Errorf("%w: the configured key was rejected", ErrNoKey)
	}
	return "", ErrNoKey
}

func (s *Store) candidates(entered string) []string {
	keys := []string{entered, s.static}
	if s.file != "" {
		b, err := os.ReadFile(s.file)
		if err != nil {
			slog.Debug("auth: reading key file", "path", s.file, "err", err)
		} else {
			keys = append(keys, strings.TrimSpace(string(b)))
		}
	}
	for _, name := range s.env {
		if v, ok := s.lookupEnv(name); ok {
			keys = append(keys, strings.TrimSpace(v))
		}
	}
	return keys
}

// Authorized reports whether a usable key is available.
func (s *Store) Authorized(context.Context) bool {
	_, err := s.lookup()
	return err == nil
}

// Set stores a key entered by the user. It takes precedence over every other
// source and clears the rejected mark.
func (s *Store) Set(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entered = strings.TrimSpace(key)
	s.rejected = ""
}

// RequestAuthorization marks the key last handed out by [Store.Key] as
// rejected and signals [Store.Requests] so the user can be asked for a new
// one. A key entered after that hand-out stays usable. It never blocks.
func (s *Store) RequestAuthorization(context.Context) error {
	s.mu.Lock()
	key := s.issued
	s.issued = ""
	s.mu.Unlock()
	if key == "" {
		key, _ = s.lookup()
	}

	s.mu.Lock()
	if key != "" {
		s.rejected = key
		if s.entered == key {
			s.entered = ""
		}
	}
	s.mu.Unlock()

	select {
	case s.requests <- struct{}{}:
	default:
	}
	slog.Info("auth: a new API key is required")
	return nil
}

// Requests delivers one value per pending authorization request. Requests
// made while one is pending are coalesced.
func (s *Store) Requests() <-chan struct{} {
	return s.requests
}
