package cmd

import (
    "bytes"
    "context"
    "fmt"
    "io"
    "strconv"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

var (
    pingCount    int
    pingSize     int
    pingInterval time.Duration
    pingTimeout  time.Duration
)

func init() {
    rootCmd.AddCommand(pingCmd)
    pingCmd.Flags().IntVarP(&pingCount, "count", "n", 4, "messages to send")
    pingCmd.Flags().IntVarP(&pingSize, "size", "s", 64, "payload bytes after the header line")
    pingCmd.Flags().DurationVarP(&pingInterval, "interval", "i", 200*time.Millisecond, "delay between messages")
    pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "wait for replies after the last send")
}

var pingCmd = &cobra.Command{
    Use:   "ping <addr>",
    Short: "Send messages to a serve endpoint and time the echoes",
    Long: `Send --count messages to a sockfab serve endpoint and report the round
trip time of each echo.

Examples:
  sockfab ping 127.0.0.1:7400
  sockfab ping -n 100 -i 0 -s 1024 127.0.0.1:7400`,
    Args: cobra.ExactArgs(1),
    RunE: func(cmd *cobra.Command, args []string) error {
        if pingCount <= 0 || pingSize < 0 { return fmt.Errorf("count must be positive and size non-negative") }
        n, err := openNode("")
        if err != nil { return err }
        defer n.close()

        dest, err := n.peer(args[0])
        if err != nil { return err }

        out := cmd.OutOrStdout()
        self := n.ep.Addr()
        fmt.Fprintf(out, "%s %s from %s\n", infoFmt("ping"), args[0], self)

        bufSize := len(self) + pingSize + 32
        for i := 0; i < pingCount; i++ {
            if err := n.ep.Recv(make([]byte, bufSize), fabric.AddrUnspec, i); err != nil { return err }
        }

        ctx := cmd.Context()
        sent := make([]time.Time, pingCount)
        filler := bytes.Repeat([]byte{'x'}, pingSize)
        for i := 0; i < pingCount; i++ {
            msg := fmt.Appendf(nil, "%s\n%d\n%s", self, i, filler)
            sent[i] = time.Now()
            if err := n.send(ctx, msg, dest, nil); err != nil { return err }
            if pingInterval > 0 && i+1 < pingCount { time.Sleep(pingInterval) }
        }

        got, rtts := collectReplies(ctx, n, out, sent)
        lost := pingCount - got
        summary := okFmt(fmt.Sprintf("%d/%d replies", got, pingCount))
        if lost > 0 { summary = errFmt(fmt.Sprintf("%d/%d replies", got, pingCount)) }
        fmt.Fprintf(out, "%s %s", infoFmt("---"), summary)
        if got > 0 {
            fmt.Fprintf(out, ", rtt min/avg/max %s/%s/%s", rtts.min, rtts.sum/time.Duration(got), rtts.max)
        }
        fmt.Fprintln(out)
        printStats(out, n.ep.Stats())
        if lost > 0 { return fmt.Errorf("%d messages lost: %w", lost, fabric.ErrTimeout) }
        return nil
    },
}

type rttSummary struct{ min, max, sum time.Duration }

func (r *rttSummary) add(d time.Duration) {
    if r.min == 0 || d < r.min { r.min = d }
    if d > r.max { r.max = d }
    r.sum += d
}

func collectReplies(ctx context.Context, n *node, out io.Writer, sent []time.Time) (int, rttSummary) {
    ctx, cancel := context.WithTimeout(ctx, pingTimeout)
    defer cancel()
    var rtts rttSummary
    seen := make([]bool, len(sent))
    got := 0
    for got < len(sent) {
        ents, ee, err := n.read(ctx)
        if err != nil { break }
        if ee != nil {
            fmt.Fprintf(out, "%s %s: %v\n", errFmt("error"), ee.Code, ee.Err)
            continue
        }
        for _, e := range ents {
            if !e.Flags.Has(fabric.Recv) { continue }
            seq, ok := replySeq(e.Buf)
            if !ok || seq >= len(sent) || seen[seq] {
                zap.L().Debug("unexpected reply", zap.Int("len", e.Len))
                continue
            }
            seen[seq] = true
            got++
            d := time.Since(sent[seq])
            rtts.add(d)
            fmt.Fprintf(out, "%d bytes seq=%d time=%s\n", e.Len, seq, d.Round(time.Microsecond))
        }
    }
    return got, rtts
}

func replySeq(b []byte) (int, bool) {
    _, rest, ok := bytes.Cut(b, []byte("\n"))
    if !ok { return 0, false }
    num, _, _ := bytes.Cut(rest, []byte("\n"))
    seq, err := strconv.Atoi(string(num))
    if err != nil || seq < 0 { return 0, false }
    return seq, true
}
