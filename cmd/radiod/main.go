package main

import (
    "flag"
    "net"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "github.com/nikitaeverywhere/ws-radio/pkg/config"
    "github.com/nikitaeverywhere/ws-radio/pkg/observability"
    "github.com/nikitaeverywhere/ws-radio/pkg/protocol/codec"
    "github.com/nikitaeverywhere/ws-radio/pkg/radio"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport/tcp"
    "github.com/nikitaeverywhere/ws-radio/pkg/transport/ws"
)

func main() {
    configPath := flag.String("config", "", "Path to YAML config file")
    listen := flag.String("listen", "", "Override listen address")
    flag.Parse()

    cfg, err := config.Load(*configPath)
    if err != nil {
        zap.S().Fatalf("load config: %v", err)
    }
    if *listen != "" {
        cfg.Transport.Listen = *listen
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        zap.S().Fatalf("setup logger: %v", err)
    }
    defer logger.Sync()

    reg, err := codec.NewRegistry()
    if err != nil {
        logger.Fatal("codec registry", zap.Error(err))
    }
    c := reg.Get(cfg.ContentType())

    logger.Info("radiod starting",
        zap.String("app", cfg.AppName),
        zap.String("kind", cfg.Transport.Kind),
        zap.String("listen", cfg.Transport.Listen),
        zap.String("codec", cfg.Codec))

    switch cfg.Transport.Kind {
    case "tcp":
        serveTCP(cfg, c, logger)
    case "ws":
        serveWS(cfg, c, logger)
    }
}

func serveTCP(cfg *config.Config, c codec.Codec, logger *zap.Logger) {
    l, err := net.Listen("tcp", cfg.Transport.Listen)
    if err != nil {
        logger.Fatal("listen", zap.Error(err))
    }
    go func() {
        waitForSignal(logger)
        _ = l.Close()
    }()
    for {
        conn, err := l.Accept()
        if err != nil {
            logger.Info("radiod stopping")
            return
        }
        log := logger.With(zap.String("peer", conn.RemoteAddr().String()))
        tr := tcp.FromConn(conn, tcp.WithLogger(log))
        serveRadio(tr, c, log)
    }
}

func serveWS(cfg *config.Config, c codec.Codec, logger *zap.Logger) {
    mux := http.NewServeMux()
    mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
        log := logger.With(zap.String("peer", r.RemoteAddr))
        tr, err := ws.Upgrade(w, r, ws.WithLogger(log))
        if err != nil {
            log.Warn("upgrade failed", zap.Error(err))
            return
        }
        serveRadio(tr, c, log)
    })
    srv := &http.Server{Addr: cfg.Transport.Listen, Handler: mux}
    go func() {
        waitForSignal(logger)
        logger.Info("radiod stopping")
        _ = srv.Close()
    }()
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        logger.Fatal("serve", zap.Error(err))
    }
}

// serveRadio wires one connection to a radio instance with the built-in
// services.
func serveRadio(tr transport.Transport, c codec.Codec, log *zap.Logger) {
    // Register the services before binding so a frame arriving right after
    // the connection is established cannot slip past the registry.
    r := radio.New(nil, radio.WithLogger(log), radio.WithCodec(c))

    mustListen(log, r, "ping", func(d any, replyTo uint64) {
        if replyTo != 0 {
            _ = r.Reply(replyTo, "pong")
        }
    })
    mustListen(log, r, "echo", func(d any, replyTo uint64) {
        if replyTo != 0 {
            _ = r.Reply(replyTo, d)
        }
    })
    mustListen(log, r, "time", func(d any, replyTo uint64) {
        if replyTo != 0 {
            _ = r.Reply(replyTo, time.Now().UTC().Format(time.RFC3339))
        }
    })
    mustListen(log, r, "end", func(d any, _ uint64) {
        log.Info("peer ended session", zap.Any("detail", d))
    })
    r.Renew(tr)
    log.Info("peer connected")
}

func mustListen(log *zap.Logger, r *radio.Radio, action string, h radio.Handler) {
    if _, err := r.Listen(action, h); err != nil {
        log.Fatal("listen", zap.String("action", action), zap.Error(err))
    }
}

func waitForSignal(logger *zap.Logger) {
    ch := make(chan os.Signal, 1)
    signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
    s := <-ch
    logger.Info("signal received", zap.String("signal", s.String()))
}
