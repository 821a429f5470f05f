package commands

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chatterbox/pkg/audio/miniaudio"
)

// Version is set at build time with -ldflags "-X ...commands.Version=v1.2.3".
var Version = "dev"

func newPersonasCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the available characters",
		Long: `List the built-in characters and those defined under "personas" in the
config file. A config entry with a built-in ID replaces it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			cat, err := cfg.Catalogue()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVOICE\tDESCRIPTION")
			for _, p := range cat.List() {
				marker := ""
				if p.ID == cfg.Session.Persona {
					marker = " *"
				}
				fmt.Fprintf(tw, "%s%s\t%s %s\t%s\t%s\n", p.ID, marker, p.Emoji, p.DisplayName(), p.Voice, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the audio devices",
		Long:  "List the capture and playback endpoints. Conversations use the system defaults, marked with *.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := miniaudio.New()
			if err != nil {
				return err
			}
			defer d.Close()

			infos, err := d.Devices()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tDEFAULT\tNAME")
			for _, info := range infos {
				kind := "playback"
				if info.Capture {
					kind = "capture"
				}
				def := ""
				if info.IsDefault {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", kind, def, info.Name)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "chatterbox %s\n", Version)
			if g.verbose {
				fmt.Fprintf(out, "  go:     %s\n", runtime.Version())
				fmt.Fprintf(out, "  os:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
				fmt.Fprintf(out, "  config: %s\n", g.configPath)
			}
		},
	}
}
