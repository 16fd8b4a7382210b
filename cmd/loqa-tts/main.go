// Command loqa-tts synthesizes speech from text in-process.
//
// Usage:
//
//	loqa-tts speak --text "Hello" --output hello.wav
//	loqa-tts speak --multi-voice --file script.txt
//	echo "Hello" | loqa-tts speak
//	loqa-tts voices
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type globalFlags struct {
	configPath string
	debug      bool
	json       bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "loqa-tts",
		Short:         "Multi-voice text-to-speech",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to configuration file")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Print results as JSON")

	root.AddCommand(newSpeakCommand(g), newVoicesCommand(g), &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
