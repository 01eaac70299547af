// Package transport defines the transport contract consumed by the radio
// engine and provides implementations (tcp, ws, mem).
//
// Key concepts:
//   - Transport: a single bidirectional frame link with observable readiness
//   - OnReady: one-shot observers fired when a connecting link becomes ready
//   - OnMessage: the inbound frame observer feeding the radio dispatcher
//
// A transport delivers frames from exactly one goroutine; observers run on
// that goroutine.
package transport

// State is the readiness of a transport link.
type State int

const (
    StateConnecting State = iota
    StateReady
    StateClosed
)

func (s State) String() string {
    switch s {
    case StateConnecting:
        return "connecting"
    case StateReady:
        return "ready"
    case StateClosed:
        return "closed"
    default:
        return "unknown"
    }
}

// StatusNormal is the conventional close code for a clean shutdown.
const StatusNormal = 1000

// Transport is a single bidirectional frame link. The radio engine borrows a
// transport, never owns it: the same instance may be handed to a replacement
// engine, and an engine may be renewed onto a replacement transport.
type Transport interface {
    // State reports the current link readiness.
    State() State

    // OnReady registers fn to be called once when the link transitions to
    // StateReady; the observer is dropped after it fires. The returned cancel
    // deregisters it before that. If the link is already ready or closed, fn
    // is never called.
    OnReady(fn func()) (cancel func())

    // OnMessage registers the inbound frame observer, replacing any previous
    // one. Each inbound frame is delivered exactly once.
    OnMessage(fn func(frame []byte))

    // Send transmits one frame. It may fail synchronously; the frame is then
    // considered not transmitted.
    Send(frame []byte) error

    // Close shuts the link down with a status code. Codes follow the
    // WebSocket vocabulary (1000 = normal); links without close codes log
    // and discard the code.
    Close(code int) error
}
