package cmd

import (
    "github.com/spf13/cobra"
    "gopkg.in/yaml.v3"
)

func init() {
    rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
    Use:   "config",
    Short: "Print the effective configuration",
    Long: `Print the configuration after defaults, the config file and SOCKFAB_*
environment overrides have been applied.

Examples:
  sockfab config
  SOCKFAB_PROVIDER_TRANSPORT=quic sockfab config`,
    Args: cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
        enc := yaml.NewEncoder(cmd.OutOrStdout())
        enc.SetIndent(2)
        if err := enc.Encode(cfg); err != nil { return err }
        return enc.Close()
    },
}
