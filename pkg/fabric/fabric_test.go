package fabric

import (
    "context"
    "errors"
    "fmt"
    "io"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestErrCodeWrapping(t *testing.T) {
    err := fmt.Errorf("close endpoint: %w", ErrBusy)
    assert.True(t, errors.Is(err, ErrBusy))
    assert.False(t, errors.Is(err, ErrNotFound))
    assert.Equal(t, CodeBusy, CodeOf(err))
    assert.Equal(t, "busy", CodeOf(err).String())
}

func TestCodeOfClassifiesIOErrors(t *testing.T) {
    assert.Equal(t, CodeOK, CodeOf(nil))
    assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
    assert.Equal(t, CodeCanceled, CodeOf(context.Canceled))
    assert.Equal(t, CodeInternal, CodeOf(io.EOF))
    assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
    assert.True(t, IsRetryable(fmt.Errorf("post: %w", ErrWouldBlock)))
}

func TestRxAddrRoundTrip(t *testing.T) {
    a := RxAddr(Addr(5), 3, 4)
    base, idx := SplitRxAddr(a, 4)
    assert.Equal(t, Addr(5), base)
    assert.Equal(t, 3, idx)

    base, idx = SplitRxAddr(Addr(7), 0)
    assert.Equal(t, Addr(7), base)
    assert.Equal(t, 0, idx)
}

func TestInfoVerify(t *testing.T) {
    info := DefaultInfo(EndpointRDM)
    require.NoError(t, info.Verify(KindStandard))

    bad := DefaultInfo(EndpointRDM)
    bad.Tx.Size = MaxTxSize + 1
    require.ErrorIs(t, bad.Verify(KindStandard), ErrInvalidArgument)

    sep := DefaultInfo(EndpointRDM)
    sep.EP.TxCtxCount, sep.EP.RxCtxCount = 4, 2
    require.NoError(t, sep.Verify(KindScalable))
    require.ErrorIs(t, sep.Verify(KindStandard), ErrInvalidArgument)

    shared := DefaultInfo(EndpointRDM)
    shared.EP.TxCtxCount = SharedContext
    require.NoError(t, shared.Verify(KindStandard))
    require.ErrorIs(t, shared.Verify(KindScalable), ErrInvalidArgument)
}

func TestFlagsString(t *testing.T) {
    assert.Equal(t, "none", Flags(0).String())
    assert.Equal(t, "msg|recv", (Message | Recv).String())
    assert.True(t, (Message | Recv | Tagged).Has(Message|Tagged))
    assert.False(t, (Message | Recv).Any(Send|Tagged))
}
