package client_test

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "msgnet/pkg/client"
    "msgnet/pkg/config"
    "msgnet/pkg/conntable"
    "msgnet/pkg/protocol"
    "msgnet/pkg/server"
    "msgnet/pkg/transport"
    "msgnet/pkg/transport/mem"
)

type Note struct {
    Text string `cbor:"text"`
}

func (Note) TypeID() protocol.TypeID { return protocol.FirstUserType }

func noteRegistry() *protocol.TypeRegistry {
    reg := protocol.NewTypeRegistry()
    reg.MustRegister(Note{})
    return reg
}

func fastChannel() config.ChannelConfig {
    return config.ChannelConfig{RetryLimit: 10, RetryBaseMS: 20, RetryMaxMS: 100, DedupTTLMS: 30000, EventBuf: 256}
}

// slowDial defers the underlying dial, keeping the client inside its
// connect window long enough for other goroutines to poke at it.
type slowDial struct {
    *mem.Transport
    delay time.Duration
}

func (t *slowDial) Dial(ctx context.Context, address string) (transport.Session, error) {
    select {
    case <-time.After(t.delay):
    case <-ctx.Done():
        return nil, ctx.Err()
    }
    return t.Transport.Dial(ctx, address)
}

func newTestClient(t *testing.T, tr transport.Transport) *client.Client {
    t.Helper()
    cfg := config.DefaultClient()
    cfg.Name = "slowpoke"
    cfg.ConnectTimeoutMS = 3000
    cfg.ConnectRetryMS = 100
    cfg.GraceFlushMS = 200
    cl, err := client.New(cfg, fastChannel(), noteRegistry(), zap.NewNop())
    require.NoError(t, err)
    cl.SetTransport(tr)
    return cl
}

// State, Send and the other accessors must answer during the dial, not
// crash: a session mid-setup reads as Connecting and refuses traffic.
func TestAccessorsSafeDuringConnectWindow(t *testing.T) {
    base := mem.New()
    srvCfg := config.DefaultServer()
    srvCfg.Listen = "hub"
    srvCfg.GraceFlushMS = 200
    srv, err := server.New(srvCfg, fastChannel(), noteRegistry(), zap.NewNop())
    require.NoError(t, err)
    srv.SetTransport(base)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, srv.Listen(ctx))
    defer func() { _ = srv.Stop(context.Background()) }()

    cl := newTestClient(t, &slowDial{Transport: base, delay: 500 * time.Millisecond})

    done := make(chan error, 1)
    go func() { done <- cl.Connect(context.Background(), "hub") }()

    time.Sleep(100 * time.Millisecond)
    require.Equal(t, conntable.StateConnecting, cl.State())
    require.ErrorIs(t, cl.Send(&Note{Text: "too soon"}, true), conntable.ErrNotConnected)
    require.Zero(t, cl.ServerConn())
    require.Zero(t, cl.Metrics().Sent)

    require.NoError(t, <-done)
    require.Equal(t, conntable.StateConnected, cl.State())
    require.NoError(t, cl.Disconnect(context.Background()))
    require.Equal(t, conntable.StateDisconnected, cl.State())
}

func TestDisconnectDuringConnectWindow(t *testing.T) {
    cl := newTestClient(t, &slowDial{Transport: mem.New(), delay: time.Second})

    done := make(chan error, 1)
    go func() { done <- cl.Connect(context.Background(), "nowhere") }()

    time.Sleep(100 * time.Millisecond)
    require.NoError(t, cl.Disconnect(context.Background()))

    select {
    case err := <-done:
        require.Error(t, err)
    case <-time.After(3 * time.Second):
        t.Fatal("connect did not return after disconnect")
    }
    require.Equal(t, conntable.StateDisconnected, cl.State())
}
