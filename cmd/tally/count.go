package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medprepa/tally"
	"github.com/medprepa/tally/aggregate"
)

func newCountCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "count <aggregate> <namespace>",
		Short: "answer one derived count",
		Long: `Namespaces follow the index forms: "all", "n:<tenant>", "t:<theme>",
"s:<subtheme>", "g:<group>", "u:<user>" and the crossed
"u:<user>:t|s|g:<id>" forms. Bounds take RFC3339 or a raw sort key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := tally.Open(cfg.Data.Dir, engineOptions(cfg))
			if err != nil {
				return err
			}
			defer eng.Close()
			rng := aggregate.Range{From: sortKey(from), To: sortKey(to)}
			n, err := eng.Count(cmd.Context(), args[0], args[1], rng)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "inclusive lower bound")
	cmd.Flags().StringVar(&to, "to", "", "exclusive upper bound")
	return cmd
}

// sortKey renders an RFC3339 bound to the index's time-ordered form and
// passes raw sort keys through.
func sortKey(v string) string {
	if v == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return aggregate.TimeKey(t)
	}
	return v
}
