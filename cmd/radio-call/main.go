package main

import (
    "context"
    "encoding/json"
    "flag"
    "fmt"
    "os"
    "time"

    "go.uber.org/zap"

    "github.com/nikitaeverywhere/ws-radio/pkg/protocol/codec"
    "github.com/nikitaeverywhere/ws-radio/pkg/radio"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport/tcp"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport/ws"
)

func main() {
    kind := flag.String("kind", "tcp", "transport kind: tcp|ws")
    addr := flag.String("addr", "127.0.0.1:7378", "address to connect to (host:port, or ws:// url for ws)")
    action := flag.String("action", "ping", "action name to send")
    data := flag.String("data", "", "payload, parsed as JSON when possible")
    codecName := flag.String("codec", "json", "wire codec: json|cbor")
    timeout := flag.Duration("timeout", 5*time.Second, "dial + reply timeout")
    flag.Parse()

    logger, _ := zap.NewDevelopment()
    zap.ReplaceGlobals(logger)
    defer logger.Sync()

    ctx, cancel := context.WithTimeout(context.Background(), *timeout)
    defer cancel()

    var tr transport.Transport
    switch *kind {
    case "tcp":
        tr = tcp.Dial(ctx, *addr, tcp.WithLogger(logger))
    case "ws":
        tr = ws.Dial(ctx, *addr, ws.WithLogger(logger))
    default:
        fatalf("unknown transport kind %q", *kind)
    }

    c, err := pickCodec(*codecName)
    if err != nil {
        fatalf("codec: %v", err)
    }

    r := radio.New(tr, radio.WithLogger(logger), radio.WithCodec(c))

    // The reply arrives on the transport's delivery goroutine.
    replies := make(chan any, 1)
    if err := r.Tell(*action, parsePayload(*data), func(d any) { replies <- d }); err != nil {
        fatalf("tell: %v", err)
    }

    select {
    case d := <-replies:
        out, _ := json.Marshal(d)
        fmt.Printf("%s\n", out)
    case <-ctx.Done():
        fatalf("no reply within %s", *timeout)
    }

    if err := r.End("", 0); err != nil {
        logger.Warn("end", zap.Error(err))
    }
}

func pickCodec(name string) (codec.Codec, error) {
    switch name {
    case "json":
        return codec.JSON(), nil
    case "cbor":
        return codec.CBOR()
    default:
        return nil, fmt.Errorf("unknown codec %q", name)
    }
}

// parsePayload treats data as JSON when it parses, else as a plain string.
// Empty input means no payload.
func parsePayload(data string) any {
    if data == "" {
        return nil
    }
    var v any
    if err := json.Unmarshal([]byte(data), &v); err == nil {
        return v
    }
    return data
}

func fatalf(format string, args ...any) {
    fmt.Fprintf(os.Stderr, format+"\n", args...)
    os.Exit(1)
}
