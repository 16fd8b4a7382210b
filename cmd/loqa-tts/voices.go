package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/voice"
	"github.com/spf13/cobra"
)

func newVoicesCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List available voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			catalog, err := voice.Load(cfg.Voices.CatalogPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.json {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(catalog.Voices())
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTAG\tNAME\tGRADE")
			for _, v := range catalog.Voices() {
				fmt.Fprintf(tw, "%s\t[%s]\t%s\t%s\n", v.ID, v.ShortName(), v.DisplayName, v.Grade)
			}
			return tw.Flush()
		},
	}
}
