package cmd

import (
    "bytes"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/bturrubiates/libfabric/pkg/config"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/observability"
)

// run executes the shared rootCmd; tests using it cannot run in parallel.
func run(t *testing.T, args ...string) (string, error) {
    t.Helper()
    var out bytes.Buffer
    rootCmd.SetOut(&out)
    rootCmd.SetErr(&out)
    rootCmd.SetArgs(args)
    t.Cleanup(func() { transport, logLevel, configPath = "", "", "" })
    err := rootCmd.Execute()
    return out.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
    out, err := run(t, "--help")
    require.NoError(t, err)
    for _, name := range []string{"serve", "ping", "config"} {
        assert.Contains(t, out, name)
    }
}

func TestConfigPrintsOverrides(t *testing.T) {
    t.Setenv("SOCKFAB_PROVIDER_PROGRESS", "manual")
    out, err := run(t, "config", "--transport", "mem")
    require.NoError(t, err)
    assert.Contains(t, out, "transport: mem")
    assert.Contains(t, out, "progress: manual")
    assert.Contains(t, out, "tx_size: 256")
}

func TestConfigFromFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "sockfab.yaml")
    require.NoError(t, os.WriteFile(path, []byte("provider:\n  transport: quic\n  rx_size: 32\n"), 0o600))
    out, err := run(t, "config", "-c", path)
    require.NoError(t, err)
    assert.Contains(t, out, "transport: quic")
    assert.Contains(t, out, "rx_size: 32")
}

func TestReplySeq(t *testing.T) {
    seq, ok := replySeq([]byte("127.0.0.1:7400\n12\nxxxx"))
    require.True(t, ok)
    assert.Equal(t, 12, seq)

    for _, bad := range []string{"", "addr-only", "addr\n-1\n", "addr\nnan\n"} {
        _, ok := replySeq([]byte(bad))
        assert.False(t, ok, bad)
    }
}

func TestEchoRoundTrip(t *testing.T) {
    cfg = config.Default()
    logging = observability.Nop()
    t.Cleanup(func() { cfg, logging = nil, nil })

    srv, err := openNode("")
    require.NoError(t, err)
    cli, err := openNode("")
    require.NoError(t, err)

    bufs := [][]byte{make([]byte, 256), make([]byte, 256)}
    for i := range bufs {
        require.NoError(t, srv.ep.Recv(bufs[i], fabric.AddrUnspec, i))
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    done := make(chan error, 1)
    go func() { done <- serveLoop(ctx, srv, bufs) }()
    t.Cleanup(func() {
        cancel()
        <-done
        cli.close()
        srv.close()
    })

    dest, err := cli.peer(srv.ep.Addr())
    require.NoError(t, err)
    again, err := cli.peer(srv.ep.Addr())
    require.NoError(t, err)
    assert.Equal(t, dest, again)

    const n = 3
    for i := 0; i < n; i++ {
        require.NoError(t, cli.ep.Recv(make([]byte, 256), fabric.AddrUnspec, i))
    }
    sent := make([]time.Time, n)
    for i := 0; i < n; i++ {
        sent[i] = time.Now()
        require.NoError(t, cli.send(ctx, fmt.Appendf(nil, "%s\n%d\nping", cli.ep.Addr(), i), dest, nil))
    }

    var out bytes.Buffer
    pingTimeout = 5 * time.Second
    got, rtts := collectReplies(ctx, cli, &out, sent)
    assert.Equal(t, n, got)
    assert.Positive(t, rtts.max)
    assert.Contains(t, out.String(), "seq=2")
    assert.Equal(t, uint64(n), srv.ep.Stats().RecvsOK)
}

func TestEchoRejectsMissingReplyAddress(t *testing.T) {
    err := echo(context.Background(), &node{}, []byte("no newline"))
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)
}
