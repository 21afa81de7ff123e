package completion

import (
    "context"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

func TestQueueReadOrderAndErrors(t *testing.T) {
    q := NewQueue(uuid.New(), 0)
    _, err := q.Read(4)
    require.ErrorIs(t, err, fabric.ErrWouldBlock)

    q.Report(Entry{Len: 1})
    q.Report(Entry{Len: 2})
    out, err := q.Read(1)
    require.NoError(t, err)
    require.Len(t, out, 1)
    assert.Equal(t, 1, out[0].Len)

    q.ReportError(ErrEntry{Code: fabric.CodeCanceled})
    _, err = q.Read(4)
    require.ErrorIs(t, err, fabric.ErrAvail)
    ee, err := q.ReadErr()
    require.NoError(t, err)
    assert.Equal(t, fabric.CodeCanceled, ee.Code)

    out, err = q.Read(4)
    require.NoError(t, err)
    assert.Equal(t, 2, out[0].Len)
}

func TestQueueSreadWakes(t *testing.T) {
    q := NewQueue(uuid.New(), 0)
    go func() {
        time.Sleep(10 * time.Millisecond)
        q.Report(Entry{Len: 7})
    }()
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    out, err := q.Sread(ctx, 1)
    require.NoError(t, err)
    assert.Equal(t, 7, out[0].Len)
}

func TestQueueCloseBusyWhileBound(t *testing.T) {
    q := NewQueue(uuid.New(), 0)
    id := uuid.New()
    q.Attach(id)
    require.ErrorIs(t, q.Close(), fabric.ErrBusy)
    q.Detach(id)
    require.NoError(t, q.Close())
}

func TestQueueOverrun(t *testing.T) {
    q := NewQueue(uuid.New(), 1)
    q.Report(Entry{})
    q.Report(Entry{})
    n, _ := q.Len()
    assert.Equal(t, 1, n)
    assert.Equal(t, uint64(1), q.Overruns())
}

func TestCounterWait(t *testing.T) {
    c := NewCounter(uuid.New())
    go func() {
        for i := 0; i < 3; i++ { c.Inc() }
    }()
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    require.NoError(t, c.Wait(ctx, 3))
    c.IncErr()
    assert.Equal(t, uint64(1), c.ErrValue())

    short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
    defer cancel2()
    require.ErrorIs(t, c.Wait(short, 10), fabric.ErrTimeout)
}

func TestEventQueue(t *testing.T) {
    q := NewEventQueue()
    _, err := q.Read()
    require.ErrorIs(t, err, fabric.ErrWouldBlock)
    q.Write(Event{Kind: EventConnected, Peer: "a"})
    ev, err := q.Sread(context.Background())
    require.NoError(t, err)
    assert.Equal(t, EventConnected, ev.Kind)
    assert.Equal(t, "connected", ev.Kind.String())
}
