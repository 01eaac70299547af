// Package radio implements a symmetric pub/sub overlay for a single
// bidirectional frame transport. Both ends of a connection run the same
// engine: envelopes are queued until the transport is ready, outbound
// requests are correlated with their single future reply through a callback
// table, and inbound events fan out to registered listeners, optionally
// bounded to a fixed number of invocations.
//
// Key concepts:
//   - Radio: one instance per logical connection; owns queue, callback table,
//     listener registry, and the per-instance id counters
//   - Tell/Reply: the two envelope kinds (request with action name, reply to
//     an earlier callback id)
//   - Renew: swap the underlying transport without losing listeners,
//     callbacks, or queued envelopes
//
// Dispatch runs on the transport's delivery goroutine; handlers execute
// synchronously in arrival order. Internal state is never locked across a
// handler invocation or a transport send, so handlers may call back into the
// instance and in-process transports may deliver synchronously.
package radio

import (
    "errors"
    "sync"

    "go.uber.org/zap"

    "github.com/nikitaeverywhere/ws-radio/pkg/protocol"
    "github.com/nikitaeverywhere/ws-radio/pkg/protocol/codec"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
)

var (
    // ErrEmptyAction is returned by Tell and Listen for an empty action name.
    ErrEmptyAction = errors.New("radio: empty action")
    // ErrNilHandler is returned by Listen for a nil handler.
    ErrNilHandler = errors.New("radio: nil handler")
    // ErrZeroReplyID is returned by Reply; callback ids start at 1.
    ErrZeroReplyID = errors.New("radio: reply id must be >= 1")
    // ErrZeroTimes is returned by ListenTimes; a bounded listener needs at
    // least one invocation.
    ErrZeroTimes = errors.New("radio: times must be >= 1")
)

// Handler receives an inbound event. replyTo is the sender's callback id and
// is 0 when the sender expects no reply.
type Handler func(data any, replyTo uint64)

// ReplyHandler receives the single reply to an earlier Tell.
type ReplyHandler func(data any)

type listenerRec struct {
    id        uint64
    fn        Handler
    bounded   bool
    remaining uint64
}

// outbound is one queued wire unit: a structured envelope serialized at flush
// time, or a pre-serialized raw frame passed through unchanged.
type outbound struct {
    env *protocol.Envelope
    raw []byte
}

func (o outbound) frame(c codec.Codec) ([]byte, error) {
    if o.raw != nil {
        return o.raw, nil
    }
    return o.env.EncodeFrame(c)
}

// Radio is the overlay engine for one logical connection. The transport is
// borrowed, never owned, and replaceable via Renew.
type Radio struct {
    mu          sync.Mutex
    log         *zap.Logger
    codec       codec.Codec
    dropHook    func(protocol.Envelope)
    tr          transport.Transport
    cancelReady func()
    flushing    bool
    queue       []outbound
    listeners   map[string][]*listenerRec
    callbacks   map[uint64]ReplyHandler
    lastCallback uint64
    lastListener uint64
    ended       bool
}

// Option configures a Radio.
type Option func(*Radio)

// WithLogger sets the diagnostic logger (default: no-op).
func WithLogger(l *zap.Logger) Option {
    return func(r *Radio) {
        if l != nil {
            r.log = l
        }
    }
}

// WithCodec sets the wire codec (default: JSON).
func WithCodec(c codec.Codec) Option {
    return func(r *Radio) {
        if c != nil {
            r.codec = c
        }
    }
}

// WithDropHook registers an observer for inbound envelopes that route nowhere
// (reply without a pending callback, event without listeners). The engine
// still only logs and drops; the hook is a diagnostic channel, not a NACK.
func WithDropHook(fn func(protocol.Envelope)) Option {
    return func(r *Radio) { r.dropHook = fn }
}

// New creates an engine and, when tr is non-nil, binds to it immediately.
func New(tr transport.Transport, opts ...Option) *Radio {
    r := &Radio{
        log:       zap.NewNop(),
        codec:     codec.JSON(),
        tr:        tr,
        listeners: make(map[string][]*listenerRec),
        callbacks: make(map[uint64]ReplyHandler),
    }
    for _, opt := range opts {
        opt(r)
    }
    if tr != nil {
        r.Bind()
    }
    return r
}

// Bind attaches the engine to its current transport: registers the inbound
// frame observer and flushes now if the transport is ready, or arms a
// one-shot readiness observer that flushes when it becomes ready.
func (r *Radio) Bind() {
    r.mu.Lock()
    if r.cancelReady != nil {
        r.cancelReady()
        r.cancelReady = nil
    }
    tr := r.tr
    r.mu.Unlock()
    if tr == nil {
        return
    }
    tr.OnMessage(r.dispatch)
    switch tr.State() {
    case transport.StateReady:
        r.flush()
    case transport.StateConnecting:
        cancel := tr.OnReady(func() {
            r.log.Debug("radio: transport ready, flushing")
            r.flush()
        })
        r.mu.Lock()
        if r.tr == tr {
            r.cancelReady = cancel
            cancel = nil
        }
        r.mu.Unlock()
        if cancel != nil { // transport swapped while binding
            cancel()
        }
    }
}

// Renew replaces the transport and binds again. Listeners, pending callbacks,
// and queued envelopes all survive, so a reconnect keeps subscriptions and
// in-flight correlation state.
func (r *Radio) Renew(tr transport.Transport) {
    r.mu.Lock()
    r.tr = tr
    r.mu.Unlock()
    r.Bind()
}

// Tell sends an envelope named action, with optional payload data (nil means
// no payload) and an optional reply handler. When onReply is non-nil the next
// callback id is allocated and the handler is kept until the matching reply
// arrives; there is no timeout, a reply that never comes leaves the record
// allocated until End. Transmission is best-effort: failures are not surfaced
// here, the envelope stays queued for the next flush.
func (r *Radio) Tell(action string, data any, onReply ReplyHandler) error {
    if action == "" {
        return ErrEmptyAction
    }
    env := &protocol.Envelope{A: action, D: data}
    r.mu.Lock()
    if onReply != nil {
        r.lastCallback++
        env.CB = r.lastCallback
        r.callbacks[env.CB] = onReply
    }
    r.queue = append(r.queue, outbound{env: env})
    r.mu.Unlock()
    r.flush()
    return nil
}

// Reply sends the reply to an inbound envelope that carried callback id to.
func (r *Radio) Reply(to uint64, data any) error {
    if to == 0 {
        return ErrZeroReplyID
    }
    r.mu.Lock()
    r.queue = append(r.queue, outbound{env: &protocol.Envelope{RB: to, D: data}})
    r.mu.Unlock()
    r.flush()
    return nil
}

// Transmit pushes a pre-serialized frame onto the outbound queue, bypassing
// envelope construction. Used for out-of-band handshake data.
func (r *Radio) Transmit(raw []byte) {
    r.mu.Lock()
    r.queue = append(r.queue, outbound{raw: raw})
    r.mu.Unlock()
    r.flush()
}

// flush drains the queue in FIFO order while the transport accepts frames.
// On the first transmit failure the failed item and everything after it are
// retained for a later attempt. Safe to call redundantly and reentrantly: a
// flush already in progress picks up items queued meanwhile.
func (r *Radio) flush() {
    r.mu.Lock()
    if r.flushing {
        r.mu.Unlock()
        return
    }
    r.flushing = true
    for {
        tr := r.tr
        if tr == nil || tr.State() != transport.StateReady || len(r.queue) == 0 {
            break
        }
        pending := r.queue
        r.queue = nil
        r.mu.Unlock()

        sent := 0
        for sent < len(pending) {
            frame, err := pending[sent].frame(r.codec)
            if err != nil {
                // A payload that fails to serialize once never will; drop it
                // instead of wedging the queue.
                r.log.Warn("radio: dropping unencodable envelope", zap.Error(err))
                sent++
                continue
            }
            if err := tr.Send(frame); err != nil {
                r.log.Warn("radio: transmit failed, retaining unsent tail",
                    zap.Int("retained", len(pending)-sent), zap.Error(err))
                break
            }
            sent++
        }

        r.mu.Lock()
        if sent < len(pending) {
            r.queue = append(pending[sent:], r.queue...)
            break
        }
    }
    r.flushing = false
    r.mu.Unlock()
}

// Listen registers a handler for action with unlimited invocations and
// returns its globally unique listener id.
func (r *Radio) Listen(action string, h Handler) (uint64, error) {
    return r.listen(action, h, 0, false)
}

// ListenTimes registers a handler bounded to times invocations; the record is
// removed after the last one. times must be >= 1.
func (r *Radio) ListenTimes(action string, h Handler, times uint64) (uint64, error) {
    if times == 0 {
        return 0, ErrZeroTimes
    }
    return r.listen(action, h, times, true)
}

func (r *Radio) listen(action string, h Handler, times uint64, bounded bool) (uint64, error) {
    if action == "" {
        return 0, ErrEmptyAction
    }
    if h == nil {
        return 0, ErrNilHandler
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    r.lastListener++
    rec := &listenerRec{id: r.lastListener, fn: h, bounded: bounded, remaining: times}
    r.listeners[action] = append(r.listeners[action], rec)
    return rec.id, nil
}

// Bounded is a view of a Radio whose Listen pre-fills the invocation bound.
// Pure convenience, no state of its own.
type Bounded struct {
    r *Radio
    n uint64
}

// Times returns a view whose Listen registers listeners bounded to n
// invocations.
func (r *Radio) Times(n uint64) Bounded { return Bounded{r: r, n: n} }

// Listen delegates to ListenTimes with the pre-filled bound.
func (b Bounded) Listen(action string, h Handler) (uint64, error) {
    return b.r.ListenTimes(action, h, b.n)
}

// Forget removes the listener with the given id, whichever action it is filed
// under, and reports whether anything was removed. Safe to call from inside a
// handler that is itself being dispatched.
func (r *Radio) Forget(id uint64) bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    return r.forgetLocked(id)
}

func (r *Radio) forgetLocked(id uint64) bool {
    removed := false
    for action, recs := range r.listeners {
        for i, rec := range recs {
            if rec.id != id {
                continue
            }
            recs = append(recs[:i], recs[i+1:]...)
            if len(recs) == 0 {
                delete(r.listeners, action)
            } else {
                r.listeners[action] = recs
            }
            removed = true
            break
        }
    }
    return removed
}

// dispatch decodes one inbound frame and routes it. Malformed frames decode
// to the empty envelope, which routes nowhere.
func (r *Radio) dispatch(frame []byte) {
    r.route(protocol.DecodeFrame(r.codec, frame))
}

func (r *Radio) route(env protocol.Envelope) {
    r.mu.Lock()
    if r.ended {
        r.mu.Unlock()
        return
    }
    if env.IsReply() {
        cb, ok := r.callbacks[env.RB]
        if ok {
            delete(r.callbacks, env.RB) // single-use
        }
        r.mu.Unlock()
        if !ok {
            r.log.Debug("radio: reply without pending callback", zap.Uint64("rb", env.RB))
            r.drop(env)
            return
        }
        cb(env.D)
        return
    }
    if !env.IsEvent() {
        r.mu.Unlock()
        return
    }
    recs := r.listeners[env.A]
    if len(recs) == 0 {
        r.mu.Unlock()
        r.log.Debug("radio: no listeners for action", zap.String("action", env.A))
        r.drop(env)
        return
    }
    // Snapshot the records present at dispatch start so that handlers may
    // forget themselves or siblings without corrupting the iteration; every
    // snapshot member runs exactly once for this envelope. Exhausted bounded
    // records are removed after the iteration, never during it.
    snapshot := make([]*listenerRec, 0, len(recs))
    var exhausted []uint64
    for _, rec := range recs {
        if rec.bounded {
            if rec.remaining == 0 {
                continue // spent in an enclosing dispatch, removal pending
            }
            rec.remaining--
            if rec.remaining == 0 {
                exhausted = append(exhausted, rec.id)
            }
        }
        snapshot = append(snapshot, rec)
    }
    r.mu.Unlock()

    for _, rec := range snapshot {
        rec.fn(env.D, env.CB)
    }

    if len(exhausted) > 0 {
        r.mu.Lock()
        for _, id := range exhausted {
            r.forgetLocked(id)
        }
        r.mu.Unlock()
    }
}

func (r *Radio) drop(env protocol.Envelope) {
    if r.dropHook != nil {
        r.dropHook(env)
    }
}

// End sends the final EndAction envelope carrying the reason and status,
// closes the transport with that status code, and unconditionally clears the
// listener registry and callback table. Terminal: inbound routing stops and
// re-binding is not a supported recovery path. code <= 0 means StatusNormal.
func (r *Radio) End(reason string, code int) error {
    if code <= 0 {
        code = transport.StatusNormal
    }
    env := &protocol.Envelope{
        A: protocol.EndAction,
        D: protocol.EndPayload{Error: reason != "", Message: reason, Status: code},
    }
    r.mu.Lock()
    r.queue = append(r.queue, outbound{env: env})
    r.mu.Unlock()
    r.flush()

    r.mu.Lock()
    tr := r.tr
    if r.cancelReady != nil {
        r.cancelReady()
        r.cancelReady = nil
    }
    r.mu.Unlock()
    var err error
    if tr != nil {
        err = tr.Close(code)
    }

    r.mu.Lock()
    r.ended = true
    r.listeners = make(map[string][]*listenerRec)
    r.callbacks = make(map[uint64]ReplyHandler)
    r.mu.Unlock()
    return err
}
