package radio

import (
    "encoding/json"
    "errors"
    "testing"

    "github.com/nikitaeverywhere/ws-radio/pkg/protocol"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport/mem"
)

func decodeSent(t *testing.T, frame []byte) protocol.Envelope {
    t.Helper()
    var e protocol.Envelope
    if err := json.Unmarshal(frame, &e); err != nil {
        t.Fatalf("sent frame not decodable: %v", err)
    }
    return e
}

func TestQueuedThenFlushed(t *testing.T) {
    a, _ := mem.NewPair() // starts connecting
    r := New(a)
    if err := r.Tell("x", 1, nil); err != nil { t.Fatalf("tell: %v", err) }
    if err := r.Tell("y", 2, nil); err != nil { t.Fatalf("tell: %v", err) }
    if got := len(a.Sent()); got != 0 {
        t.Fatalf("transmitted before ready: %d frames", got)
    }
    if len(r.queue) != 2 {
        t.Fatalf("queue: %d", len(r.queue))
    }
    a.SetReady()
    sent := a.Sent()
    if len(sent) != 2 {
        t.Fatalf("after ready: %d frames", len(sent))
    }
    if e := decodeSent(t, sent[0]); e.A != "x" || e.D.(float64) != 1 {
        t.Fatalf("first frame: %#v", e)
    }
    if e := decodeSent(t, sent[1]); e.A != "y" || e.D.(float64) != 2 {
        t.Fatalf("second frame: %#v", e)
    }
    if len(r.queue) != 0 {
        t.Fatalf("queue not drained: %d", len(r.queue))
    }
}

func TestReplyRoundTrip(t *testing.T) {
    a, b := mem.NewReadyPair()
    ra := New(a)
    rb := New(b)

    if _, err := rb.Listen("ping", func(d any, replyTo uint64) {
        if d.(float64) != 42 {
            t.Fatalf("ping payload: %#v", d)
        }
        if replyTo != 1 {
            t.Fatalf("replyTo: %d", replyTo)
        }
        if err := rb.Reply(replyTo, "pong"); err != nil {
            t.Fatalf("reply: %v", err)
        }
    }); err != nil {
        t.Fatalf("listen: %v", err)
    }

    var recorded any
    if err := ra.Tell("ping", 42, func(d any) { recorded = d }); err != nil {
        t.Fatalf("tell: %v", err)
    }
    if recorded != "pong" {
        t.Fatalf("recorded: %#v", recorded)
    }
    if len(ra.callbacks) != 0 {
        t.Fatalf("callback table not emptied: %d", len(ra.callbacks))
    }
}

func TestCallbackIDsMonotonicSingleUse(t *testing.T) {
    a, b := mem.NewReadyPair()
    r := New(a)
    counts := [4]int{}
    for i := 1; i <= 3; i++ {
        i := i
        if err := r.Tell("q", nil, func(any) { counts[i]++ }); err != nil {
            t.Fatalf("tell: %v", err)
        }
    }
    sent := a.Sent()
    if len(sent) != 3 {
        t.Fatalf("sent: %d", len(sent))
    }
    for i, frame := range sent {
        if e := decodeSent(t, frame); e.CB != uint64(i+1) {
            t.Fatalf("frame %d callback id: %d", i, e.CB)
        }
    }
    // First reply consumes the record, the second is dropped.
    if err := b.Send([]byte(`{"rb":2}`)); err != nil { t.Fatalf("send: %v", err) }
    if err := b.Send([]byte(`{"rb":2}`)); err != nil { t.Fatalf("send: %v", err) }
    if counts[2] != 1 {
        t.Fatalf("handler 2 ran %d times", counts[2])
    }
    if counts[1] != 0 || counts[3] != 0 {
        t.Fatalf("wrong handler invoked: %v", counts)
    }
    if len(r.callbacks) != 2 {
        t.Fatalf("callback table: %d", len(r.callbacks))
    }
}

func TestBoundedListener(t *testing.T) {
    a, b := mem.NewReadyPair()
    r := New(a)
    hits := 0
    if _, err := r.Times(2).Listen("e", func(any, uint64) { hits++ }); err != nil {
        t.Fatalf("listen: %v", err)
    }
    for i := 0; i < 3; i++ {
        if err := b.Send([]byte(`{"a":"e"}`)); err != nil { t.Fatalf("send: %v", err) }
    }
    if hits != 2 {
        t.Fatalf("bounded listener ran %d times", hits)
    }
    if _, ok := r.listeners["e"]; ok {
        t.Fatalf("exhausted listener still registered")
    }
}

func TestReentrantForget(t *testing.T) {
    a, b := mem.NewReadyPair()
    r := New(a)
    var runs [3]int
    var ids [3]uint64
    var err error
    ids[0], err = r.Listen("e", func(any, uint64) {
        runs[0]++
        // Removing a sibling mid-dispatch must not affect this envelope.
        // Only the first dispatch has anything to remove.
        removed := r.Forget(ids[1])
        if runs[0] == 1 && !removed {
            t.Fatalf("forget sibling failed")
        }
        if runs[0] > 1 && removed {
            t.Fatalf("sibling still registered on dispatch %d", runs[0])
        }
    })
    if err != nil { t.Fatalf("listen: %v", err) }
    ids[1], err = r.Listen("e", func(any, uint64) { runs[1]++ })
    if err != nil { t.Fatalf("listen: %v", err) }
    ids[2], err = r.Listen("e", func(any, uint64) {
        runs[2]++
        r.Forget(ids[2]) // self-removal
    })
    if err != nil { t.Fatalf("listen: %v", err) }

    if err := b.Send([]byte(`{"a":"e"}`)); err != nil { t.Fatalf("send: %v", err) }
    if runs != [3]int{1, 1, 1} {
        t.Fatalf("first dispatch runs: %v", runs)
    }
    if err := b.Send([]byte(`{"a":"e"}`)); err != nil { t.Fatalf("send: %v", err) }
    if runs != [3]int{2, 1, 1} {
        t.Fatalf("second dispatch runs: %v", runs)
    }
}

func TestFlushIdempotentWhenNotReady(t *testing.T) {
    a, _ := mem.NewPair()
    r := New(a)
    if err := r.Tell("x", nil, nil); err != nil { t.Fatalf("tell: %v", err) }
    for i := 0; i < 3; i++ {
        r.flush()
    }
    if len(r.queue) != 1 || len(a.Sent()) != 0 {
        t.Fatalf("queue %d, sent %d", len(r.queue), len(a.Sent()))
    }

    // No transport at all: queue retained, no panic.
    r2 := New(nil)
    if err := r2.Tell("x", nil, nil); err != nil { t.Fatalf("tell: %v", err) }
    r2.flush()
    if len(r2.queue) != 1 {
        t.Fatalf("queue: %d", len(r2.queue))
    }
}

func TestTransmitFailureRetainsSuffix(t *testing.T) {
    a, _ := mem.NewReadyPair()
    r := New(a)
    if err := r.Tell("x", nil, nil); err != nil { t.Fatalf("tell: %v", err) }
    if len(a.Sent()) != 1 {
        t.Fatalf("sent: %d", len(a.Sent()))
    }
    boom := errors.New("boom")
    a.FailSends(boom)
    if err := r.Tell("y", nil, nil); err != nil { t.Fatalf("tell: %v", err) }
    if err := r.Tell("z", nil, nil); err != nil { t.Fatalf("tell: %v", err) }
    if len(r.queue) != 2 {
        t.Fatalf("retained queue: %d", len(r.queue))
    }
    a.FailSends(nil)
    r.flush()
    sent := a.Sent()
    if len(sent) != 3 || len(r.queue) != 0 {
        t.Fatalf("sent %d, queue %d", len(sent), len(r.queue))
    }
    for i, want := range []string{"x", "y", "z"} {
        if e := decodeSent(t, sent[i]); e.A != want {
            t.Fatalf("frame %d: %#v", i, e)
        }
    }
}

func TestEndClearsState(t *testing.T) {
    a, b := mem.NewReadyPair()
    r := New(a)
    if _, err := r.Listen("e", func(any, uint64) { t.Fatalf("listener ran after end") }); err != nil {
        t.Fatalf("listen: %v", err)
    }
    if err := r.Tell("q", nil, func(any) {}); err != nil { t.Fatalf("tell: %v", err) }

    if err := r.End("bye", 4000); err != nil {
        t.Fatalf("end: %v", err)
    }
    if len(r.listeners) != 0 || len(r.callbacks) != 0 {
        t.Fatalf("registries not cleared: %d listeners, %d callbacks", len(r.listeners), len(r.callbacks))
    }
    if a.CloseCode() != 4000 {
        t.Fatalf("close code: %d", a.CloseCode())
    }
    sent := a.Sent()
    last := decodeSent(t, sent[len(sent)-1])
    if last.A != protocol.EndAction {
        t.Fatalf("final envelope: %#v", last)
    }
    d := last.D.(map[string]any)
    if d["error"] != true || d["message"] != "bye" || d["status"].(float64) != 4000 {
        t.Fatalf("end payload: %#v", d)
    }
    // Terminal: inbound routing is a no-op now.
    _ = b.Send([]byte(`{"a":"e"}`))
}

func TestEndDefaultStatus(t *testing.T) {
    a, _ := mem.NewReadyPair()
    r := New(a)
    if err := r.End("", 0); err != nil { t.Fatalf("end: %v", err) }
    if a.CloseCode() != 1000 {
        t.Fatalf("close code: %d", a.CloseCode())
    }
    sent := a.Sent()
    d := decodeSent(t, sent[len(sent)-1]).D.(map[string]any)
    if d["error"] != false || d["status"].(float64) != 1000 {
        t.Fatalf("end payload: %#v", d)
    }
}

func TestRenewPreservesState(t *testing.T) {
    old, _ := mem.NewPair() // never becomes ready
    r := New(old)
    var got any
    if err := r.Tell("q", "payload", func(d any) { got = d }); err != nil {
        t.Fatalf("tell: %v", err)
    }
    if _, err := r.Listen("e", func(any, uint64) {}); err != nil {
        t.Fatalf("listen: %v", err)
    }

    a, b := mem.NewReadyPair()
    r.Renew(a)
    sent := a.Sent()
    if len(sent) != 1 {
        t.Fatalf("queued envelope not flushed on renew: %d", len(sent))
    }
    if e := decodeSent(t, sent[0]); e.A != "q" || e.CB != 1 {
        t.Fatalf("flushed frame: %#v", e)
    }
    if len(r.listeners) != 1 {
        t.Fatalf("listeners lost on renew")
    }
    // The pending callback survives the swap and still correlates.
    if err := b.Send([]byte(`{"rb":1,"d":"late"}`)); err != nil { t.Fatalf("send: %v", err) }
    if got != "late" {
        t.Fatalf("reply after renew: %#v", got)
    }
    // A readiness observer armed on the old transport must not fire anymore.
    old.SetReady()
}

func TestRenewBeforeReadyRearmsFlush(t *testing.T) {
    old, _ := mem.NewPair()
    r := New(old)
    if err := r.Tell("x", nil, nil); err != nil { t.Fatalf("tell: %v", err) }

    next, _ := mem.NewPair()
    r.Renew(next)
    next.SetReady()
    if len(next.Sent()) != 1 {
        t.Fatalf("queue not flushed on replacement readiness: %d", len(next.Sent()))
    }
    old.SetReady()
    if len(old.Sent()) != 0 {
        t.Fatalf("flushed to abandoned transport")
    }
}

func TestMalformedInboundIgnored(t *testing.T) {
    a, b := mem.NewReadyPair()
    dropped := 0
    r := New(a, WithDropHook(func(protocol.Envelope) { dropped++ }))
    if _, err := r.Listen("e", func(any, uint64) { t.Fatalf("listener ran") }); err != nil {
        t.Fatalf("listen: %v", err)
    }
    if err := b.Send([]byte("not an envelope")); err != nil { t.Fatalf("send: %v", err) }
    if err := b.Send([]byte(`{}`)); err != nil { t.Fatalf("send: %v", err) }
    if dropped != 0 {
        t.Fatalf("empty envelopes reported as drops: %d", dropped)
    }
}

func TestDropHookSeesUnroutableTraffic(t *testing.T) {
    a, b := mem.NewReadyPair()
    var drops []protocol.Envelope
    New(a, WithDropHook(func(e protocol.Envelope) { drops = append(drops, e) }))
    if err := b.Send([]byte(`{"rb":9}`)); err != nil { t.Fatalf("send: %v", err) }
    if err := b.Send([]byte(`{"a":"nobody"}`)); err != nil { t.Fatalf("send: %v", err) }
    if len(drops) != 2 {
        t.Fatalf("drops: %d", len(drops))
    }
    if drops[0].RB != 9 || drops[1].A != "nobody" {
        t.Fatalf("drop contents: %#v", drops)
    }
}

func TestTransmitRawPassthrough(t *testing.T) {
    a, _ := mem.NewReadyPair()
    r := New(a)
    r.Transmit([]byte("HELLO/1"))
    sent := a.Sent()
    if len(sent) != 1 || string(sent[0]) != "HELLO/1" {
        t.Fatalf("raw frame altered: %q", sent)
    }
}

func TestInvalidArguments(t *testing.T) {
    r := New(nil)
    if err := r.Tell("", nil, nil); !errors.Is(err, ErrEmptyAction) {
        t.Fatalf("tell: %v", err)
    }
    if _, err := r.Listen("", func(any, uint64) {}); !errors.Is(err, ErrEmptyAction) {
        t.Fatalf("listen: %v", err)
    }
    if _, err := r.Listen("e", nil); !errors.Is(err, ErrNilHandler) {
        t.Fatalf("listen nil: %v", err)
    }
    if err := r.Reply(0, nil); !errors.Is(err, ErrZeroReplyID) {
        t.Fatalf("reply: %v", err)
    }
    if _, err := r.ListenTimes("e", func(any, uint64) {}, 0); !errors.Is(err, ErrZeroTimes) {
        t.Fatalf("listen times: %v", err)
    }
}

// eagerTransport hands its buffered frame to the observer the moment one is
// registered, like a read loop that already has bytes waiting.
type eagerTransport struct {
    pending []byte
    sent    [][]byte
}

func (t *eagerTransport) State() transport.State     { return transport.StateReady }
func (t *eagerTransport) OnReady(func()) func()      { return func() {} }
func (t *eagerTransport) Send(frame []byte) error    { t.sent = append(t.sent, frame); return nil }
func (t *eagerTransport) Close(int) error            { return nil }
func (t *eagerTransport) OnMessage(fn func([]byte)) {
    if fn != nil && t.pending != nil {
        frame := t.pending
        t.pending = nil
        fn(frame)
    }
}

func TestListenersRegisteredBeforeBindSeeFirstFrame(t *testing.T) {
    // Services registered on an unbound instance must catch a frame that
    // arrives the moment the transport is attached.
    r := New(nil)
    hits := 0
    if _, err := r.Listen("ping", func(d any, replyTo uint64) {
        hits++
        if replyTo != 0 {
            if err := r.Reply(replyTo, "pong"); err != nil {
                t.Fatalf("reply: %v", err)
            }
        }
    }); err != nil {
        t.Fatalf("listen: %v", err)
    }

    tr := &eagerTransport{pending: []byte(`{"a":"ping","cb":1}`)}
    r.Renew(tr)
    if hits != 1 {
        t.Fatalf("first frame reached %d listeners", hits)
    }
    if len(tr.sent) != 1 {
        t.Fatalf("reply frames: %d", len(tr.sent))
    }
    if e := decodeSent(t, tr.sent[0]); e.RB != 1 || e.D != "pong" {
        t.Fatalf("reply frame: %#v", e)
    }
}

func TestForgetAcrossActions(t *testing.T) {
    r := New(nil)
    id1, _ := r.Listen("a", func(any, uint64) {})
    id2, _ := r.Listen("b", func(any, uint64) {})
    if id1 == id2 {
        t.Fatalf("listener ids not unique: %d", id1)
    }
    if !r.Forget(id2) {
        t.Fatalf("forget by id failed")
    }
    if _, ok := r.listeners["b"]; ok {
        t.Fatalf("empty action list not deleted")
    }
    if _, ok := r.listeners["a"]; !ok {
        t.Fatalf("wrong list touched")
    }
    if r.Forget(id2) {
        t.Fatalf("double forget reported removal")
    }
}
