package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/loadguard/internal/blacklist"
	"github.com/agentsh/loadguard/internal/control"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or replace the blacklist of a running guard",
	}
	cmd.PersistentFlags().Duration("timeout", 5*time.Second, "Control channel timeout")
	cmd.AddCommand(newPolicyPushCmd())
	cmd.AddCommand(newPolicyStatusCmd())
	cmd.AddCommand(newPolicyStatsCmd())
	return cmd
}

func connect(cmd *cobra.Command) (*control.Client, error) {
	rc := getRootConfig(cmd)
	addr := rc.addr
	if addr == "" {
		if rc.pid == 0 {
			return nil, errors.New("--addr or --pid is required")
		}
		addr = control.DefaultAddress(rc.pid)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return control.Connect(addr, timeout)
}

func newPolicyPushCmd() *cobra.Command {
	var files []string
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "push [NAME...]",
		Short: "Replace the blacklist with the given names and list files",
		RunE: func(cmd *cobra.Command, args []string) error {
			list := append([]string(nil), args...)
			for _, f := range files {
				names, err := blacklist.ReadListFile(f)
				if err != nil {
					return err
				}
				list = append(list, names...)
			}
			if len(list) == 0 && !clearAll {
				return errors.New("no names given (use --clear to empty the blacklist)")
			}

			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			n, err := c.SetPolicy(list)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "blacklist replaced: %d names\n", n)
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "List file, one name per line")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Allow pushing an empty blacklist")
	return cmd
}

func newPolicyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the guard state and active blacklist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			st, err := c.Status()
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}

func newPolicyStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the guard counters in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			text, err := c.Stats()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	}
}
