package sock

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

func bareConn() *Connection {
    return &Connection{log: zap.NewNop(), avIndex: fabric.AddrNotAvail, done: make(chan struct{})}
}

func TestConnStateTransitions(t *testing.T) {
    cases := []struct {
        from, to ConnState
        ok       bool
    }{
        {StateAllocated, StateConnecting, true},
        {StateConnecting, StateEstablished, true},
        {StateConnecting, StateRejected, true},
        {StateEstablished, StateLocalDisconnect, true},
        {StateEstablished, StateRemoteDisconnect, true},
        {StateLocalDisconnect, StateClosed, true},
        {StateAllocated, StateClosed, true},
        {StateEstablished, StateConnecting, false},
        {StateEstablished, StateRejected, false},
        {StateLocalDisconnect, StateRemoteDisconnect, false},
        {StateRejected, StateClosed, false},
        {StateClosed, StateEstablished, false},
    }
    for _, c := range cases {
        assert.Equal(t, c.ok, validTransition(c.from, c.to), "%s -> %s", c.from, c.to)
    }
}

func TestConnTransitionReportsInternal(t *testing.T) {
    c := bareConn()
    require.NoError(t, c.transition(StateConnecting))
    require.NoError(t, c.establish(nil))
    require.ErrorIs(t, c.transition(StateConnecting), fabric.ErrInternal)
    assert.Equal(t, StateEstablished, c.State())

    c.close(true)
    assert.Equal(t, StateClosed, c.State())
    require.ErrorIs(t, c.usable(), fabric.ErrInternal)
}

func TestConnFailKeepsFirstCause(t *testing.T) {
    c := bareConn()
    require.NoError(t, c.transition(StateConnecting))
    c.fail(StateRejected, errRejected)
    c.fail(StateClosed, errPeerDisconnected)
    assert.Equal(t, StateRejected, c.State())
    assert.ErrorIs(t, c.Err(), errRejected)
    assert.ErrorIs(t, c.usable(), errRejected)
}

func TestConnPostponeKeepsOrder(t *testing.T) {
    c := bareConn()
    require.NoError(t, c.transition(StateConnecting))

    first := &txOp{slot: slot{Seq: 1}}
    parked, err := c.postpone(first)
    require.NoError(t, err)
    assert.True(t, parked)
    assert.Nil(t, c.takePostponed(), "nothing is released while connecting")

    require.NoError(t, c.establish(nil))
    assert.Equal(t, []*txOp{first}, c.takePostponed())

    // newer sends queue behind the flush in progress
    second := &txOp{slot: slot{Seq: 2}}
    parked, err = c.postpone(second)
    require.NoError(t, err)
    assert.True(t, parked)
    assert.Equal(t, []*txOp{second}, c.takePostponed())
    assert.Empty(t, c.takePostponed())

    parked, err = c.postpone(&txOp{slot: slot{Seq: 3}})
    require.NoError(t, err)
    assert.False(t, parked)
}

func TestConnPostponeAfterFailure(t *testing.T) {
    c := bareConn()
    require.NoError(t, c.transition(StateConnecting))
    c.fail(StateClosed, errPeerDisconnected)
    _, err := c.postpone(&txOp{})
    require.ErrorIs(t, err, fabric.ErrInternal)
}

func TestConnStateString(t *testing.T) {
    assert.Equal(t, "remote_disconnect", StateRemoteDisconnect.String())
    assert.Equal(t, "unknown", ConnState(99).String())
}
