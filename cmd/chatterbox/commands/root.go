// Package commands implements the chatterbox command line.
package commands

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chatterbox/internal/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "chatterbox.yaml"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "chatterbox",
		Short: "Talk to a friendly character over a realtime voice connection",
		Long: `chatterbox - a voice companion for the terminal.

It captures the microphone, streams it to a realtime speech-to-speech
service and plays the character's voice back as it arrives.

The API key is read from the config file, the api_key_file it names, or the
GEMINI_API_KEY / GOOGLE_API_KEY environment variables. When none is set the
console asks for one.

Examples:
  # Talk to Luna with the defaults
  chatterbox talk --name Ana

  # Pick a character and a config file
  chatterbox --config ~/.config/chatterbox.yaml talk --name Ana --persona sharky`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", DefaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newTalkCmd(g),
		newPersonasCmd(g),
		newDevicesCmd(),
		newVersionCmd(g),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the config file. A missing file at the default path
// yields the defaults; a missing file the user named is an error. The
// returned path is empty when no file was read.
func (g *globals) loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, err := config.Load(g.configPath)
	switch {
	case err == nil:
		return cfg, g.configPath, nil
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		return config.Default(), "", nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, "", fmt.Errorf("config file %q not found; see configs/example.yaml", g.configPath)
	default:
		return nil, "", err
	}
}
