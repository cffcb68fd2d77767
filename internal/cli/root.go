package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentsh/loadguard/internal/config"
)

func NewRoot(version string) *cobra.Command {
	cfg := &rootConfig{}
	cmd := &cobra.Command{
		Use:           "loadguard",
		Short:         "loadguard: block DLL loads by name",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("loadguard {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.configPath, "config", getenvDefault(config.EnvConfig, ""), "Config file (YAML)")
	cmd.PersistentFlags().StringVar(&cfg.addr, "addr", getenvDefault("LOADGUARD_ADDR", ""), "Control channel address of a running guard")
	cmd.PersistentFlags().IntVar(&cfg.pid, "pid", 0, "Process ID of a running guard (derives --addr)")

	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newVersionCmd(version))

	return cmd
}

type rootConfig struct {
	configPath string
	addr       string
	pid        int
}

func getRootConfig(cmd *cobra.Command) *rootConfig {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	addr, _ := cmd.Root().PersistentFlags().GetString("addr")
	pid, _ := cmd.Root().PersistentFlags().GetInt("pid")
	return &rootConfig{configPath: configPath, addr: addr, pid: pid}
}

// loadConfig loads --config, or an environment-only config without one.
func (c *rootConfig) loadConfig() (*config.Config, error) {
	if c.configPath == "" {
		return config.FromEnv()
	}
	return config.Load(c.configPath)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "loadguard %s\n", version)
			return err
		},
	}
}
