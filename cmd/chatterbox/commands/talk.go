package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chatterbox/internal/app"
	"github.com/MrWong99/chatterbox/internal/config"
	"github.com/MrWong99/chatterbox/internal/observe"
	"github.com/MrWong99/chatterbox/internal/ui"
)

// shutdownTimeout bounds the release of devices and telemetry on exit.
const shutdownTimeout = 15 * time.Second

var errNoName = errors.New("tell chatterbox who is talking: pass --name or set session.user_name")

type talkFlags struct {
	persona   string
	name      string
	age       int
	listen    string
	output    string
	logFile   string
	autoStart bool
}

func newTalkCmd(g *globals) *cobra.Command {
	f := &talkFlags{}
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start the interactive conversation console",
		Long: `Open the conversation console.

Type a command and press enter:
  s  start or stop the conversation
  p  pause or resume
  m  mute or unmute the microphone
  r  retry after an error
  k  enter an API key
  q  quit

The config file is watched while the console runs. Persona, name and
greeting changes apply to the next conversation.

Examples:
  chatterbox talk --name Ana
  chatterbox talk --name Ana --age 6 --persona cica --autostart`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTalk(cmd, g, f)
		},
	}
	cmd.Flags().StringVarP(&f.persona, "persona", "p", "", "character to talk to (see 'chatterbox personas')")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "name of the person talking")
	cmd.Flags().IntVar(&f.age, "age", 0, "age of the person talking")
	cmd.Flags().StringVar(&f.listen, "listen", "", `address of the health and metrics endpoints, "off" to disable`)
	cmd.Flags().StringVar(&f.output, "output", "", "speaker backend: miniaudio or oto")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "write logs to this file instead of stderr")
	cmd.Flags().BoolVar(&f.autoStart, "autostart", false, "start talking as soon as the console opens")
	return cmd
}

// overrides returns the function that applies the command-line flags to a
// config. It runs on the initial config and on every reload.
func (f *talkFlags) overrides(cmd *cobra.Command, g *globals) func(*config.Config) {
	flags := cmd.Flags()
	return func(c *config.Config) {
		if flags.Changed("persona") {
			c.Session.Persona = f.persona
		}
		if flags.Changed("name") {
			c.Session.UserName = f.name
		}
		if flags.Changed("age") {
			c.Session.UserAge = f.age
		}
		if flags.Changed("listen") {
			c.Server.ListenAddr = f.listen
		}
		if flags.Changed("output") {
			c.Audio.Output = config.OutputBackend(f.output)
		}
		if g.verbose {
			c.Server.LogLevel = config.LogDebug
		}
	}
}

func runTalk(cmd *cobra.Command, g *globals, f *talkFlags) error {
	cfg, path, err := g.loadConfig(cmd)
	if err != nil {
		return err
	}
	overrides := f.overrides(cmd, g)
	overrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Session.UserName) == "" {
		return errNoName
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logOut io.Writer = cmd.ErrOrStderr()
	if f.logFile != "" {
		lf, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer lf.Close()
		logOut = lf
	}
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level})))

	slog.Info("chatterbox starting",
		"config", path,
		"provider", cfg.Provider.Name,
		"output", cfg.Audio.Output,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	opts := []app.Option{
		app.WithMetrics(observe.DefaultMetrics(), tel.Handler),
		app.WithLogLevel(level),
		app.WithConsole(cmd.InOrStdin(), cmd.OutOrStdout()),
	}
	if path != "" {
		opts = append(opts, app.WithWatch(path, overrides))
	}
	if f.autoStart {
		opts = append(opts, app.WithAutoStart())
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return err
	}
	printBanner(cmd.OutOrStdout(), application, cfg)

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	errs := []error{runErr, application.Shutdown(shutdownCtx), tel.Shutdown(shutdownCtx)}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "\nBye!")
	return nil
}

func printBanner(w io.Writer, a *app.App, cfg *config.Config) {
	styles := ui.NewStyles(ui.DefaultTheme)
	p := a.Profiles().Persona()
	fmt.Fprintf(w, "%s is ready to talk with %s (voice %s via %s).\n",
		styles.Name.Render(strings.TrimSpace(p.Emoji+" "+p.DisplayName())),
		cfg.Session.UserName, p.Voice, cfg.Provider.Name)
}
