// Command chatterbox is a voice client for realtime speech-to-speech
// conversations with a friendly character.
//
// Usage:
//
//	chatterbox [--config path] <command> [flags]
//
// Commands:
//
//	talk      - Start the interactive conversation console
//	personas  - List the available characters
//	devices   - List the audio devices
//	version   - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/chatterbox/cmd/chatterbox/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatterbox: %v\n", err)
		os.Exit(1)
	}
}
