package main

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/audiovault/internal/tts/engines"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"github.com/spf13/cobra"
)

var voicesCmd = &cobra.Command{
	Use:     "voices",
	Short:   "List voice categories and the models they resolve to",
	Example: paragraph("audiovault voices --engine local --lang en-GB\naudiovault voices --lang en-US --suggest narator"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		name, _ := f.GetString("engine")
		engine, err := ttypes.ParseEngine(name)
		if err != nil {
			return err
		}
		var table *engines.VoiceTable
		switch engine {
		case ttypes.EngineLocal:
			table = cfg.Voices.LocalTable(logger)
		case ttypes.EngineRemote:
			table = cfg.Voices.RemoteTable(logger)
		}

		lang, _ := f.GetString("lang")
		if q, _ := f.GetString("suggest"); q != "" {
			matches := table.Suggest(lang, q)
			if len(matches) == 0 {
				fmt.Println(faintStyle.Render("no close matches; " + q + " resolves to " + table.Resolve(lang, q).Model))
				return nil
			}
			for _, m := range matches {
				fmt.Println(row(m, table.Resolve(lang, m).Model))
			}
			return nil
		}

		langs := table.Languages()
		if lang != "" {
			langs = []string{lang}
		}
		for _, l := range langs {
			fmt.Println(headStyle.Render(l))
			cats := table.Categories(l)
			if len(cats) == 0 {
				fmt.Println(faintStyle.Render("  falls back to " + table.Resolve(l, "").Model))
				continue
			}
			for _, c := range cats {
				spec := table.Resolve(l, c)
				model := spec.Model
				if spec.Speaker != "" {
					model += " #" + spec.Speaker
				}
				fmt.Println("  " + row(strings.ToLower(c), model))
			}
		}
		return nil
	},
}

func init() {
	voicesCmd.Flags().String("engine", string(ttypes.EngineLocal), "remote or local")
	voicesCmd.Flags().String("lang", "", "show one language only")
	voicesCmd.Flags().String("suggest", "", "fuzzy-match a category name")
}
