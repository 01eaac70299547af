// Package ws implements the transport contract over WebSocket, one envelope
// per text message. This is the link the protocol's close-code vocabulary
// (1000 = normal, 4000+ = application) comes from.
package ws

import (
    "context"
    "errors"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"
    "go.uber.org/zap"

    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
)

const closeWriteWait = time.Second

// ErrNotReady is returned by Send while the link is connecting or closed.
var ErrNotReady = errors.New("ws: link not ready")

// Upgrader is the upgrader used by Upgrade. Origin checking is left to the
// embedding server.
var Upgrader = websocket.Upgrader{
    ReadBufferSize:  4096,
    WriteBufferSize: 4096,
    CheckOrigin:     func(*http.Request) bool { return true },
}

// Transport is a single WebSocket link.
type Transport struct {
    mu      sync.Mutex
    log     *zap.Logger
    state   transport.State
    ready   []*readyObs
    msgFn   func([]byte)
    c       *websocket.Conn
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

// Dial starts connecting to url (ws:// or wss://) in the background and
// returns immediately in StateConnecting.
func Dial(ctx context.Context, url string, opts ...Option) *Transport {
    t := &Transport{log: zap.NewNop(), state: transport.StateConnecting}
    for _, opt := range opts {
        opt(t)
    }
    go func() {
        c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
        if resp != nil && resp.Body != nil {
            resp.Body.Close()
        }
        if err != nil {
            t.log.Warn("ws: dial failed", zap.String("url", url), zap.Error(err))
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

// FromConn wraps an already-established WebSocket connection (the server
// side). The link is ready immediately; reading starts once a message
// observer is registered.
func FromConn(c *websocket.Conn, opts ...Option) *Transport {
    t := &Transport{log: zap.NewNop(), state: transport.StateConnecting}
    for _, opt := range opts {
        opt(t)
    }
    t.attach(c)
    return t
}

// Upgrade upgrades an HTTP request and wraps the resulting connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Transport, error) {
    c, err := Upgrader.Upgrade(w, r, nil)
    if err != nil {
        return nil, err
    }
    return FromConn(c, opts...), nil
}

func (t *Transport) attach(c *websocket.Conn) {
    t.mu.Lock()
    if t.state != transport.StateConnecting {
        t.mu.Unlock()
        _ = c.Close()
        return
    }
    t.c = c
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

// Send transmits one text message. The lock also serializes writers, which
// gorilla requires.
func (t *Transport) Send(frame []byte) error {
    t.mu.Lock(); defer t.mu.Unlock()
    if t.state != transport.StateReady {
        return ErrNotReady
    }
    return t.c.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame with the status code, then closes the connection.
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
    if c == nil {
        return nil
    }
    msg := websocket.FormatCloseMessage(code, "")
    _ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
    return c.Close()
}

func (t *Transport) readLoop() {
    for {
        _, frame, err := t.c.ReadMessage()
        if err != nil {
            t.mu.Lock()
            closed := t.state == transport.StateClosed
            t.state = transport.StateClosed
            t.mu.Unlock()
            if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
                t.log.Warn("ws: read failed", zap.Error(err))
            }
            return
        }
        t.mu.Lock()
        fn := t.msgFn
        t.mu.Unlock()
        if fn != nil {
            fn(frame)
        }
    }
}
