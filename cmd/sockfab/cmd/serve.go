package cmd

import (
    "bytes"
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

var (
    serveAddr  string
    serveDepth int
    serveSize  int
    serveStats time.Duration
)

func init() {
    rootCmd.AddCommand(serveCmd)
    serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "address to bind (default provider.source_addr)")
    serveCmd.Flags().IntVar(&serveDepth, "depth", 32, "receive buffers kept posted")
    serveCmd.Flags().IntVar(&serveSize, "size", 4096, "receive buffer size in bytes")
    serveCmd.Flags().DurationVar(&serveStats, "stats", 10*time.Second, "stats print interval (0 disables)")
}

var serveCmd = &cobra.Command{
    Use:   "serve",
    Short: "Echo messages back to their senders",
    Long: `Open an RDM endpoint and echo every message back to the address named
on its first line. Stops on SIGINT or SIGTERM and prints endpoint stats.

Examples:
  sockfab serve -a 127.0.0.1:7400
  sockfab serve -t quic --stats 2s`,
    Args: cobra.NoArgs,
    RunE: func(cmd *cobra.Command, args []string) error {
        if serveDepth <= 0 || serveSize <= 0 { return fmt.Errorf("depth and size must be positive") }
        ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
        defer stop()

        n, err := openNode(serveAddr)
        if err != nil { return err }
        defer n.close()

        out := cmd.OutOrStdout()
        fmt.Fprintf(out, "%s %s (%s)\n", okFmt("listening on"), n.ep.Addr(), n.fab.Transport().Kind())

        bufs := make([][]byte, serveDepth)
        for i := range bufs {
            bufs[i] = make([]byte, serveSize)
            if err := n.ep.Recv(bufs[i], fabric.AddrUnspec, i); err != nil { return err }
        }

        if serveStats > 0 {
            go func() {
                t := time.NewTicker(serveStats)
                defer t.Stop()
                for {
                    select {
                    case <-ctx.Done():
                        return
                    case <-t.C:
                        printStats(out, n.ep.Stats())
                    }
                }
            }()
        }

        err = serveLoop(ctx, n, bufs)
        printStats(out, n.ep.Stats())
        if ctx.Err() != nil { return nil }
        return err
    },
}

func serveLoop(ctx context.Context, n *node, bufs [][]byte) error {
    for {
        ents, ee, err := n.read(ctx)
        if err != nil { return err }
        if ee != nil {
            zap.L().Warn("completion error", zap.Stringer("code", ee.Code), zap.Error(ee.Err))
            // failed receives still give their buffer back
            if i, ok := ee.Context.(int); ok && ee.Flags.Has(fabric.Recv) {
                if err := n.ep.Recv(bufs[i], fabric.AddrUnspec, i); err != nil { return err }
            }
            continue
        }
        for _, e := range ents {
            i, ok := e.Context.(int)
            if !ok || !e.Flags.Has(fabric.Recv) { continue }
            msg := bytes.Clone(e.Buf)
            if err := n.ep.Recv(bufs[i], fabric.AddrUnspec, i); err != nil { return err }
            if err := echo(ctx, n, msg); err != nil {
                zap.L().Warn("echo failed", zap.Error(err))
            }
        }
    }
}

// echo sends msg back to the address on its first line.
func echo(ctx context.Context, n *node, msg []byte) error {
    from, _, ok := bytes.Cut(msg, []byte("\n"))
    if !ok || len(from) == 0 { return fmt.Errorf("message without reply address: %w", fabric.ErrInvalidArgument) }
    dest, err := n.peer(string(from))
    if err != nil { return err }
    return n.send(ctx, msg, dest, nil)
}
