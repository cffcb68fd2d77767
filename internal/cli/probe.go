package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentsh/loadguard/internal/guard"
	"github.com/agentsh/loadguard/internal/logging"
	lgwindows "github.com/agentsh/loadguard/internal/platform/windows"
	"github.com/agentsh/loadguard/internal/trampoline"
)

func newProbeCmd() *cobra.Command {
	var blocked []string
	var try []string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Install the guard in this process and call every loader entry point (Windows)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := lgwindows.NewLoader()
			if err != nil {
				return err
			}
			cfg, err := getRootConfig(cmd).loadConfig()
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()

			list, err := cfg.Policy()
			if err != nil {
				return err
			}
			g := guard.New(loader,
				guard.WithLogger(logger),
				guard.WithModules(cfg.Modules),
				guard.WithMatchMode(cfg.MatchMode()),
			)
			g.Attach()
			defer g.Detach()
			if g.State() != guard.Installed {
				return fmt.Errorf("interception not installed (state %s)", g.State())
			}
			if _, err := g.SetPolicy(append(list, blocked...)); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTRY\tHOOKED\tNAME\tRESULT\tLAST_ERROR")
			for _, mod := range cfg.Modules {
				m, err := loader.OpenModule(mod)
				if err != nil {
					fmt.Fprintf(tw, "%s\t-\t-\tunavailable\t-\n", mod)
					continue
				}
				for _, e := range trampoline.EntryPoints {
					entry := mod + "!" + e.Name
					// Call the exported address, as any other caller would.
					addr, err := m.Proc(e.Name)
					if err != nil {
						fmt.Fprintf(tw, "%s\t-\t-\tunresolved\t-\n", entry)
						continue
					}
					hooked := loader.Hooked(addr)
					for _, name := range append(append([]string(nil), try...), blocked...) {
						h, code, err := lgwindows.Invoke(addr, e, name)
						result := "loaded"
						switch {
						case err != nil:
							result = "error: " + err.Error()
						case h == 0 && code == trampoline.ErrorNotSupported:
							result = "rejected"
						case h == 0:
							result = "failed"
						default:
							_ = lgwindows.FreeModule(h)
						}
						fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\n", entry, hooked, name, result, code)
					}
				}
				_ = m.Release()
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&blocked, "blacklist", []string{"loadguard-probe-blocked.dll"}, "Names to blacklist and try")
	cmd.Flags().StringSliceVar(&try, "try", []string{"version.dll"}, "Names to try without blacklisting")
	return cmd
}
