// Package cmd implements the sockfab CLI commands.
package cmd

import (
    "fmt"

    "github.com/fatih/color"
    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/config"
    "github.com/bturrubiates/libfabric/pkg/observability"
)

var (
    // Version is set at build time
    Version = "0.1.0"

    // Global flags
    configPath string
    transport  string
    logLevel   string

    // Loaded in PersistentPreRunE
    cfg     *config.Config
    logging *observability.Logging
)

var (
    okFmt   = color.New(color.FgGreen).SprintFunc()
    infoFmt = color.New(color.FgYellow).SprintFunc()
    errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
    dimFmt  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
    Use:   "sockfab",
    Short: "Socket fabric provider tool",
    Long: `sockfab opens the socket fabric provider and moves messages between
reliable datagram endpoints.

Configuration is read from sockfab.yaml (or --config) and SOCKFAB_*
environment variables.`,
    Version:      Version,
    SilenceUsage: true,
    PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
        if cmd.Name() == "completion" || cmd.Name() == "help" { return nil }

        c, err := config.Load(configPath)
        if err != nil { return fmt.Errorf("load config: %w", err) }
        if transport != "" { c.Provider.Transport = transport }
        if logLevel != "" { c.Log.Level = logLevel }
        cfg = c

        // config only prints, no provider is opened
        if cmd.Name() == "config" { return nil }
        l, err := observability.SetupLogger(cfg.Log)
        if err != nil { return fmt.Errorf("setup logger: %w", err) }
        logging = l
        zap.L().Debug("config loaded", zap.String("transport", cfg.Provider.Transport), zap.String("progress", cfg.Provider.Progress))
        return nil
    },
    PersistentPostRun: func(cmd *cobra.Command, args []string) {
        if logging != nil { _ = logging.Close() }
    },
}

func init() {
    rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
    rootCmd.PersistentFlags().StringVarP(&transport, "transport", "t", "", "socket transport (tcp, quic, mem)")
    rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")
}

// Execute runs the root command.
func Execute() error {
    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintln(rootCmd.ErrOrStderr(), errFmt("error:"), err)
        return err
    }
    return nil
}
