// Package tcp implements the transport contract over TCP with u32-LE
// length-prefixed frames.
package tcp

import (
    "bufio"
    "context"
    "encoding/binary"
    "errors"
    "io"
    "net"
    "sync"

    "go.uber.org/zap"

    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
)

const maxFrame = 1 << 24

// ErrNotReady is returned by Send while the link is connecting or closed.
var ErrNotReady = errors.New("tcp: link not ready")

// Transport is a single TCP link. Dialed transports start connecting and
// become ready when the connection is established; FromConn transports are
// ready immediately.
type Transport struct {
    mu      sync.Mutex
    log     *zap.Logger
    state   transport.State
    ready   []*readyObs
    msgFn   func([]byte)
    c       net.Conn
    br      *bufio.Reader
    bw      *bufio.Writer
    reading bool
}

type readyObs struct {
    fn      func()
    removed bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the diagnostic logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
    return func(t *Transport) {
        if l != nil {
            t.log = l
        }
    }
}

// Dial starts connecting to addr in the background and returns immediately in
// StateConnecting. Readiness observers fire once the connection is
// established; a failed connect moves the link to StateClosed.
func Dial(ctx context.Context, addr string, opts ...Option) *Transport {
    t := &Transport{log: zap.NewNop(), state: transport.StateConnecting}
    for _, opt := range opts {
        opt(t)
    }
    go func() {
        d := &net.Dialer{}
        c, err := d.DialContext(ctx, "tcp", addr)
        if err != nil {
            t.log.Warn("tcp: dial failed", zap.String("addr", addr), zap.Error(err))
            t.mu.Lock()
            t.state = transport.StateClosed
            t.ready = nil
            t.mu.Unlock()
            return
        }
        t.attach(c)
    }()
    return t
}

// FromConn wraps an established connection (the accept side). The link is
// ready immediately; reading starts once a message observer is registered.
func FromConn(c net.Conn, opts ...Option) *Transport {
    t := &Transport{log: zap.NewNop(), state: transport.StateConnecting}
    for _, opt := range opts {
        opt(t)
    }
    t.attach(c)
    return t
}

func (t *Transport) attach(c net.Conn) {
    t.mu.Lock()
    if t.state != transport.StateConnecting {
        t.mu.Unlock()
        _ = c.Close()
        return
    }
    t.c = c
    t.br = bufio.NewReader(c)
    t.bw = bufio.NewWriter(c)
    t.state = transport.StateReady
    pending := t.ready
    t.ready = nil
    start := t.msgFn != nil && !t.reading
    if start {
        t.reading = true
    }
    t.mu.Unlock()
    if start {
        go t.readLoop()
    }
    for _, obs := range pending {
        if !obs.removed {
            obs.fn()
        }
    }
}

func (t *Transport) State() transport.State {
    t.mu.Lock(); defer t.mu.Unlock()
    return t.state
}

func (t *Transport) OnReady(fn func()) (cancel func()) {
    obs := &readyObs{fn: fn}
    t.mu.Lock()
    t.ready = append(t.ready, obs)
    t.mu.Unlock()
    return func() {
        t.mu.Lock(); defer t.mu.Unlock()
        obs.removed = true
    }
}

func (t *Transport) OnMessage(fn func(frame []byte)) {
    t.mu.Lock()
    t.msgFn = fn
    start := fn != nil && t.state == transport.StateReady && !t.reading
    if start {
        t.reading = true
    }
    t.mu.Unlock()
    if start {
        go t.readLoop()
    }
}

// Send writes one length-prefixed frame (u32 LE).
func (t *Transport) Send(frame []byte) error {
    t.mu.Lock(); defer t.mu.Unlock()
    if t.state != transport.StateReady {
        return ErrNotReady
    }
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))
    if _, err := t.bw.Write(lenbuf[:]); err != nil { return err }
    if _, err := t.bw.Write(frame); err != nil { return err }
    return t.bw.Flush()
}

// Close shuts the connection down. TCP has no close codes on the wire; the
// code is logged for diagnostics.
func (t *Transport) Close(code int) error {
    t.mu.Lock()
    if t.state == transport.StateClosed {
        t.mu.Unlock()
        return nil
    }
    t.state = transport.StateClosed
    t.ready = nil
    c := t.c
    t.mu.Unlock()
    t.log.Debug("tcp: closing", zap.Int("code", code))
    if c == nil {
        return nil
    }
    return c.Close()
}

func (t *Transport) readLoop() {
    for {
        var lenbuf [4]byte
        if _, err := io.ReadFull(t.br, lenbuf[:]); err != nil {
            t.readFailed(err)
            return
        }
        n := int(binary.LittleEndian.Uint32(lenbuf[:]))
        if n < 0 || n > maxFrame {
            t.readFailed(errors.New("tcp: invalid frame size"))
            return
        }
        buf := make([]byte, n)
        if _, err := io.ReadFull(t.br, buf); err != nil {
            t.readFailed(err)
            return
        }
        t.mu.Lock()
        fn := t.msgFn
        t.mu.Unlock()
        if fn != nil {
            fn(buf)
        }
    }
}

func (t *Transport) readFailed(err error) {
    t.mu.Lock()
    closed := t.state == transport.StateClosed
    t.state = transport.StateClosed
    t.mu.Unlock()
    if !closed && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
        t.log.Warn("tcp: read failed", zap.Error(err))
    }
}
