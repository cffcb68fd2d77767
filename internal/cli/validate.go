package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [CONFIG]",
		Short: "Validate a config file and the list files it names",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := getRootConfig(cmd)
			if len(args) == 1 {
				rc.configPath = args[0]
			}
			cfg, err := rc.loadConfig()
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			list, err := cfg.Policy()
			if err != nil {
				return fmt.Errorf("invalid blacklist: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %d names, match %s\n", len(list), cfg.MatchMode())
			fmt.Fprintf(out, "modules: %s\n", strings.Join(cfg.Modules, ", "))
			if files := cfg.ListFiles(); len(files) > 0 {
				fmt.Fprintf(out, "list files: %s\n", strings.Join(files, ", "))
			}
			return nil
		},
	}
}
