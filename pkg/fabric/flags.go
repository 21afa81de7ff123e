// Package fabric holds the vocabulary shared by the provider packages:
// operation flags, control commands, endpoint attributes, logical
// addresses and the error taxonomy reported through completions.
package fabric

import "strings"

// Flags is a bit set of operation and binding flags.
type Flags uint64

const (
    Message Flags = 1 << iota
    Tagged
    Read
    Write
    Recv
    Send
    RemoteRead
    RemoteWrite
    MultiRecv
    RemoteCQData
    Inject
    Completion
    InjectComplete
    TransmitComplete
    DeliveryComplete
    SelectiveCompletion
    Transmit
    Source
)

// Transmit and Recv are also used as direction selectors for op flag
// get/set, mirroring the binding flags.
const (
    // CQBindFlags are the flags accepted when binding a completion queue.
    CQBindFlags = Send | Recv | SelectiveCompletion
    // CounterBindFlags are the flags accepted when binding a counter.
    CounterBindFlags = Send | Recv | Read | Write | RemoteRead | RemoteWrite
    // CompletionSemantics are the flags selecting when a transmit completes.
    CompletionSemantics = InjectComplete | TransmitComplete | DeliveryComplete
)

var flagNames = []struct {
    f    Flags
    name string
}{
    {Message, "msg"}, {Tagged, "tagged"}, {Read, "read"}, {Write, "write"},
    {Recv, "recv"}, {Send, "send"}, {RemoteRead, "remote_read"},
    {RemoteWrite, "remote_write"}, {MultiRecv, "multi_recv"},
    {RemoteCQData, "remote_cq_data"}, {Inject, "inject"},
    {Completion, "completion"}, {InjectComplete, "inject_complete"},
    {TransmitComplete, "transmit_complete"}, {DeliveryComplete, "delivery_complete"},
    {SelectiveCompletion, "selective_completion"}, {Transmit, "transmit"},
    {Source, "source"},
}

// Has reports whether all bits of o are set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

// Any reports whether any bit of o is set in f.
func (f Flags) Any(o Flags) bool { return f&o != 0 }

func (f Flags) String() string {
    if f == 0 { return "none" }
    var parts []string
    for _, n := range flagNames {
        if f&n.f != 0 { parts = append(parts, n.name) }
    }
    return strings.Join(parts, "|")
}
