// Package mem provides an in-process loopback transport. Frames sent on one
// endpoint are delivered synchronously to the other. Useful for tests and as
// a stand-in for a real link: readiness is driven manually and send faults
// can be injected.
package mem

import (
    "errors"
    "sync"

    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
)

// ErrClosed is returned by Send on a closed endpoint.
var ErrClosed = errors.New("mem: endpoint closed")

// Endpoint is one side of an in-process pair.
type Endpoint struct {
    mu       sync.Mutex
    state    transport.State
    ready    []*readyObs
    msgFn    func([]byte)
    peer     *Endpoint
    sendErr  error
    sent     [][]byte
    closeCode int
}

type readyObs struct {
    fn      func()
    removed bool
}

// NewPair returns two linked endpoints, both in StateConnecting.
func NewPair() (*Endpoint, *Endpoint) {
    a := &Endpoint{state: transport.StateConnecting}
    b := &Endpoint{state: transport.StateConnecting}
    a.peer, b.peer = b, a
    return a, b
}

// NewReadyPair returns two linked endpoints, both already ready.
func NewReadyPair() (*Endpoint, *Endpoint) {
    a, b := NewPair()
    a.state = transport.StateReady
    b.state = transport.StateReady
    return a, b
}

func (e *Endpoint) State() transport.State {
    e.mu.Lock(); defer e.mu.Unlock()
    return e.state
}

func (e *Endpoint) OnReady(fn func()) (cancel func()) {
    obs := &readyObs{fn: fn}
    e.mu.Lock()
    e.ready = append(e.ready, obs)
    e.mu.Unlock()
    return func() {
        e.mu.Lock(); defer e.mu.Unlock()
        obs.removed = true
    }
}

func (e *Endpoint) OnMessage(fn func(frame []byte)) {
    e.mu.Lock(); defer e.mu.Unlock()
    e.msgFn = fn
}

// SetReady moves a connecting endpoint to StateReady and fires the one-shot
// readiness observers in registration order.
func (e *Endpoint) SetReady() {
    e.mu.Lock()
    if e.state != transport.StateConnecting {
        e.mu.Unlock()
        return
    }
    e.state = transport.StateReady
    pending := e.ready
    e.ready = nil
    e.mu.Unlock()
    for _, obs := range pending {
        if !obs.removed {
            obs.fn()
        }
    }
}

// FailSends makes Send fail with err until called again with nil.
func (e *Endpoint) FailSends(err error) {
    e.mu.Lock(); defer e.mu.Unlock()
    e.sendErr = err
}

// Send records the frame and delivers it synchronously to the peer's message
// observer, on the caller's goroutine.
func (e *Endpoint) Send(frame []byte) error {
    e.mu.Lock()
    if e.state == transport.StateClosed {
        e.mu.Unlock()
        return ErrClosed
    }
    if e.sendErr != nil {
        err := e.sendErr
        e.mu.Unlock()
        return err
    }
    cp := append([]byte(nil), frame...)
    e.sent = append(e.sent, cp)
    peer := e.peer
    e.mu.Unlock()
    if peer == nil {
        return nil
    }
    peer.mu.Lock()
    fn := peer.msgFn
    closed := peer.state == transport.StateClosed
    peer.mu.Unlock()
    if fn != nil && !closed {
        fn(cp)
    }
    return nil
}

func (e *Endpoint) Close(code int) error {
    e.mu.Lock(); defer e.mu.Unlock()
    if e.state == transport.StateClosed {
        return nil
    }
    e.state = transport.StateClosed
    e.closeCode = code
    e.ready = nil
    return nil
}

// Sent returns the frames successfully sent so far, in order.
func (e *Endpoint) Sent() [][]byte {
    e.mu.Lock(); defer e.mu.Unlock()
    out := make([][]byte, len(e.sent))
    copy(out, e.sent)
    return out
}

// CloseCode returns the code passed to Close, or 0 if the endpoint is open.
func (e *Endpoint) CloseCode() int {
    e.mu.Lock(); defer e.mu.Unlock()
    return e.closeCode
}
