package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "msgnet/pkg/config"
    "msgnet/pkg/conntable"
    "msgnet/pkg/msgs"
    "msgnet/pkg/observability"
    "msgnet/pkg/protocol"
    "msgnet/pkg/protocol/codec"
    "msgnet/pkg/server"
    "msgnet/pkg/status"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    if opts.Listen != "" { cfg.Server.Listen = opts.Listen }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("msgnet-server started", zap.String("app", cfg.AppName))
    zap.L().Info("effective configuration", zap.Any("config", cfg))

    reg := protocol.NewTypeRegistry()
    if c := codec.NewRegistry().Lookup(cfg.Codec); c != nil { reg.SetCodec(c) }
    msgs.Register(reg)

    srv, err := server.New(cfg.Server, cfg.Channel, reg, zap.L())
    if err != nil {
        zap.L().Error("failed to build server", zap.Error(err))
        return 1
    }
    srv.Handle(msgs.Chat{}.TypeID(), func(conn conntable.ConnID, m protocol.Message) error {
        chat := m.(*msgs.Chat)
        zap.L().Info("chat",
            zap.Uint64("conn", uint64(conn)), zap.String("from", chat.From), zap.String("text", chat.Text))
        return srv.Send(conn, &msgs.Echo{Text: chat.Text, EchoUnixMs: time.Now().UnixMilli()}, true)
    })

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()
    if err := srv.Listen(ctx); err != nil {
        zap.L().Error("failed to start listening", zap.Error(err))
        return 1
    }
    if cfg.Status.Enable {
        _ = status.Start(cfg.Status.Listen, srv.Snapshot)
    }

    zap.L().Info("server is running; press Ctrl+C to exit")
    <-ctx.Done()

    shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := srv.Stop(shctx); err != nil {
        zap.L().Warn("shutdown incomplete", zap.Error(err))
        return 1
    }
    return 0
}
