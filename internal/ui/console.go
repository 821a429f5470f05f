package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/chatterbox/internal/persona"
	"github.com/MrWong99/chatterbox/internal/session"
)

// DefaultRefresh is how often the console polls the machine.
const DefaultRefresh = 100 * time.Millisecond

// clearLine returns the cursor to column 0 and erases the line.
const clearLine = "\r\x1b[2K"

// Controller is the part of [session.Machine] the console drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume() error
	Retry(ctx context.Context) error
	ToggleMute() bool
	Snapshot() session.Snapshot
}

// KeyStore receives API keys typed at the prompt. Requests fires when the
// current key was rejected.
type KeyStore interface {
	Requests() <-chan struct{}
	Set(key string)
}

// Console reads one-letter commands from in and keeps a status line on out.
type Console struct {
	ctl     Controller
	in      io.Reader
	out     io.Writer
	keys    KeyStore
	persona func() persona.Persona
	styles  Styles
	refresh time.Duration
	now     func() time.Time

	wmu       sync.Mutex
	last      string
	awaitKey  bool
	pendingWG sync.WaitGroup
}

// Option configures a [Console].
type Option func(*Console)

// WithKeys enables the API key prompt.
func WithKeys(k KeyStore) Option {
	return func(c *Console) { c.keys = k }
}

// WithPersona sets the source of the persona shown in the status line. It
// is called on every refresh.
func WithPersona(fn func() persona.Persona) Option {
	return func(c *Console) { c.persona = fn }
}

// WithTheme overrides [DefaultTheme].
func WithTheme(t Theme) Option {
	return func(c *Console) { c.styles = NewStyles(t) }
}

// WithRefresh sets the polling interval.
func WithRefresh(d time.Duration) Option {
	return func(c *Console) {
		if d > 0 {
			c.refresh = d
		}
	}
}

// New creates a Console. Nothing is read or written until [Console.Run].
func New(ctl Controller, in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		ctl:     ctl,
		in:      in,
		out:     out,
		persona: func() persona.Persona { return persona.Persona{} },
		styles:  NewStyles(DefaultTheme),
		refresh: DefaultRefresh,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes commands until "q", end of input or ctx cancellation, and
// returns nil in every case. The goroutine reading in may outlive Run while
// a read is blocked.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Debug("ui: input closed", "err", err)
		}
	}()

	var requests <-chan struct{}
	if c.keys != nil {
		requests = c.keys.Requests()
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	defer c.pendingWG.Wait()

	c.println(c.styles.Help())
	c.redraw()
	for {
		select {
		case <-ctx.Done():
			c.println("")
			return nil
		case line, ok := <-lines:
			if !ok {
				c.println("")
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
			c.redraw()
		case <-requests:
			c.promptKey()
		case <-ticker.C:
			c.redraw()
		}
	}
}

// handle runs one command and reports whether the console should exit.
func (c *Console) handle(ctx context.Context, line string) bool {
	if c.takeKey(line) {
		return false
	}

	switch strings.ToLower(line) {
	case "":
	case "q", "quit", "exit":
		if err := c.ctl.Stop(); err != nil {
			c.notice(err)
		}
		c.println("")
		return true
	case "s", "start", "stop":
		if c.ctl.Snapshot().Status == session.StatusIdle {
			c.async(ctx, c.ctl.Start)
			return false
		}
		if err := c.ctl.Stop(); err != nil {
			c.notice(err)
		}
	case "p", "pause", "resume":
		var err error
		if c.ctl.Snapshot().Status == session.StatusPaused {
			err = c.ctl.Resume()
		} else {
			err = c.ctl.Pause()
		}
		if err != nil {
			c.notice(err)
		}
	case "m", "mute":
		c.ctl.ToggleMute()
	case "r", "retry":
		c.async(ctx, c.ctl.Retry)
	case "k", "key":
		if c.keys == nil {
			c.notice(errors.New("API key entry is not available"))
			return false
		}
		c.promptKey()
	case "?", "h", "help":
		c.println(c.styles.Help())
	default:
		c.notice(fmt.Errorf("unknown command %q", line))
	}
	return false
}

// async runs a connecting action off the input loop so that stop stays
// responsive. Failures are already reflected in the status line.
func (c *Console) async(ctx context.Context, fn func(context.Context) error) {
	c.pendingWG.Add(1)
	go func() {
		defer c.pendingWG.Done()
		if err := fn(ctx); err != nil {
			if errors.Is(err, session.ErrInvalidTransition) {
				c.notice(err)
				return
			}
			slog.Debug("ui: action failed", "err", err)
		}
	}()
}

// promptKey switches the next input line to key entry.
func (c *Console) promptKey() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.awaitKey {
		return
	}
	c.awaitKey = true
	fmt.Fprint(c.out, clearLine+c.styles.Muted.Render("Enter your API key (empty to cancel):")+"\n")
	c.last = ""
}

// takeKey consumes line as an API key if the prompt is active.
func (c *Console) takeKey(line string) bool {
	c.wmu.Lock()
	if !c.awaitKey {
		c.wmu.Unlock()
		return false
	}
	c.awaitKey = false
	c.wmu.Unlock()

	if line == "" {
		c.println(c.styles.Hint.Render("Key entry cancelled."))
		return true
	}
	c.keys.Set(line)
	c.println(c.styles.Hint.Render("Key saved. Press r to retry."))
	return true
}

// redraw rewrites the status line if it changed.
func (c *Console) redraw() {
	line := c.styles.Render(View{
		Persona:  c.persona(),
		Snapshot: c.ctl.Snapshot(),
		Now:      c.now(),
	})

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if line == c.last || c.awaitKey {
		return
	}
	c.last = line
	fmt.Fprint(c.out, clearLine+line)
}

func (c *Console) notice(err error) {
	c.println(c.styles.Error.Render(err.Error()))
}

// println writes s on its own line below the status line. The status line is
// drawn again on the next refresh.
func (c *Console) println(s string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	fmt.Fprint(c.out, clearLine+s+"\n")
	c.last = ""
}
