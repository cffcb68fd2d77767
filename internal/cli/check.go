package cli

import (
	"fmt"
	"text/tabwriter"
	"unicode/utf16"

	"github.com/spf13/cobra"

	"github.com/agentsh/loadguard/internal/blacklist"
	"github.com/agentsh/loadguard/internal/names"
)

type checkResult struct {
	Name     string `json:"name"`
	FileName string `json:"file_name"`
	Narrow   bool   `json:"narrow_rejected"`
	Wide     bool   `json:"wide_rejected"`
}

func newCheckCmd() *cobra.Command {
	var extra []string
	var match string
	var asJSON bool
	var failOnMatch bool
	cmd := &cobra.Command{
		Use:   "check NAME...",
		Short: "Evaluate library names or paths against a blacklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getRootConfig(cmd).loadConfig()
			if err != nil {
				return err
			}
			list, err := cfg.Policy()
			if err != nil {
				return err
			}
			mode := cfg.MatchMode()
			if match != "" {
				if mode, err = blacklist.ParseMatchMode(match); err != nil {
					return err
				}
			}
			store := blacklist.NewStore(mode)
			store.Replace(append(list, extra...))

			results := make([]checkResult, 0, len(args))
			rejected := 0
			for _, arg := range args {
				r := checkResult{
					Name:     arg,
					FileName: names.FileName(arg),
					Narrow:   store.ContainsBytes([]byte(arg)),
					Wide:     store.ContainsWide(utf16.Encode([]rune(arg))),
				}
				if r.Narrow || r.Wide {
					rejected++
				}
				results = append(results, r)
			}

			if asJSON {
				if err := printJSON(cmd, results); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tFILE\tDECISION")
				for _, r := range results {
					decision := "allowed"
					if r.Narrow || r.Wide {
						decision = "rejected"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.FileName, decision)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			if failOnMatch && rejected > 0 {
				return exitErr(2, "")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extra, "blacklist", nil, "Additional blacklisted names")
	cmd.Flags().StringVar(&match, "match", "", "Override match mode: exact|fold")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&failOnMatch, "fail-on-match", false, "Exit with status 2 if any name is rejected")
	return cmd
}
