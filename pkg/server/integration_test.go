package server_test

import (
    "context"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap"

    "msgnet/pkg/client"
    "msgnet/pkg/config"
    "msgnet/pkg/conntable"
    "msgnet/pkg/handshake"
    "msgnet/pkg/protocol"
    "msgnet/pkg/server"
    "msgnet/pkg/transport"
    "msgnet/pkg/transport/mem"
)

type RegisterPlayerWithServer struct {
    PlayerName string `cbor:"player_name"`
}

func (RegisterPlayerWithServer) TypeID() protocol.TypeID { return protocol.FirstUserType }

type Welcome struct {
    MOTD string `cbor:"motd"`
}

func (Welcome) TypeID() protocol.TypeID { return protocol.FirstUserType + 1 }

type Unhandled struct {
    N int `cbor:"n"`
}

func (Unhandled) TypeID() protocol.TypeID { return 50 }

type Extra struct{}

func (Extra) TypeID() protocol.TypeID { return protocol.FirstUserType + 9 }

func testRegistry() *protocol.TypeRegistry {
    reg := protocol.NewTypeRegistry()
    reg.MustRegister(RegisterPlayerWithServer{})
    reg.MustRegister(Welcome{})
    reg.MustRegister(Unhandled{})
    return reg
}

func fastChannel() config.ChannelConfig {
    return config.ChannelConfig{RetryLimit: 10, RetryBaseMS: 20, RetryMaxMS: 100, DedupTTLMS: 30000, EventBuf: 256}
}

func startServer(t *testing.T, tr transport.Transport, addr string, mut func(*config.ServerConfig)) *server.Server {
    t.Helper()
    cfg := config.DefaultServer()
    cfg.Listen = addr
    cfg.HandshakeTimeoutMS = 2000
    cfg.GraceFlushMS = 200
    if mut != nil { mut(&cfg) }
    srv, err := server.New(cfg, fastChannel(), testRegistry(), zap.NewNop())
    require.NoError(t, err)
    if tr != nil { srv.SetTransport(tr) }
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    require.NoError(t, srv.Listen(ctx))
    t.Cleanup(func() { _ = srv.Stop(context.Background()) })
    return srv
}

func newClient(t *testing.T, tr transport.Transport, reg *protocol.TypeRegistry, mut func(*config.ClientConfig)) *client.Client {
    t.Helper()
    cfg := config.DefaultClient()
    cfg.Name = "austin jeane"
    cfg.ConnectTimeoutMS = 3000
    cfg.ConnectRetryMS = 100
    cfg.GraceFlushMS = 200
    if mut != nil { mut(&cfg) }
    if reg == nil { reg = testRegistry() }
    cl, err := client.New(cfg, fastChannel(), reg, zap.NewNop())
    require.NoError(t, err)
    if tr != nil { cl.SetTransport(tr) }
    return cl
}

func recvID(t *testing.T, ch <-chan conntable.ConnID) conntable.ConnID {
    t.Helper()
    select {
    case id := <-ch:
        return id
    case <-time.After(3 * time.Second):
        t.Fatal("no connect observed")
        return 0
    }
}

func TestConnectOverUDP(t *testing.T) {
    srv := startServer(t, nil, "127.0.0.1:4444", nil)
    joined := make(chan conntable.ConnID, 1)
    srv.Handle(protocol.TypeConnect, func(id conntable.ConnID, msg protocol.Message) error {
        joined <- id
        return nil
    })

    cl := newClient(t, nil, nil, nil)
    sawServer := make(chan string, 1)
    cl.Handle(protocol.TypeConnect, func(_ conntable.ConnID, msg protocol.Message) error {
        sawServer <- msg.(*protocol.Connect).Name
        return nil
    })

    require.NoError(t, cl.Connect(context.Background(), "127.0.0.1:4444"))
    defer func() { _ = cl.Disconnect(context.Background()) }()

    require.NotZero(t, recvID(t, joined))
    select {
    case name := <-sawServer:
        require.Equal(t, "msgnet-server", name)
    case <-time.After(time.Second):
        t.Fatal("client connect dispatch missing")
    }
    require.Equal(t, conntable.StateConnected, cl.State())
    require.NotZero(t, cl.ServerConn())
}

func TestRegisterPlayerDispatchedExactlyOnce(t *testing.T) {
    tr := mem.NewLossy(0.25, 99)
    srv := startServer(t, tr, "srv", nil)
    got := make(chan string, 8)
    srv.Handle(RegisterPlayerWithServer{}.TypeID(), func(_ conntable.ConnID, msg protocol.Message) error {
        got <- msg.(*RegisterPlayerWithServer).PlayerName
        return nil
    })

    cl := newClient(t, tr, nil, nil)
    require.NoError(t, cl.Connect(context.Background(), "srv"))
    defer func() { _ = cl.Disconnect(context.Background()) }()

    require.NoError(t, cl.Send(&RegisterPlayerWithServer{PlayerName: "austin jeane"}, true))

    select {
    case name := <-got:
        require.Equal(t, "austin jeane", name)
    case <-time.After(10 * time.Second):
        t.Fatal("registration never arrived")
    }
    select {
    case name := <-got:
        t.Fatalf("dispatched twice: %q", name)
    case <-time.After(500 * time.Millisecond):
    }
}

func TestUnhandledTypeReportedNotFatal(t *testing.T) {
    tr := mem.New()
    srv := startServer(t, tr, "srv", nil)
    handled := make(chan struct{}, 1)
    srv.Handle(RegisterPlayerWithServer{}.TypeID(), func(conntable.ConnID, protocol.Message) error {
        handled <- struct{}{}
        return nil
    })

    cl := newClient(t, tr, nil, nil)
    require.NoError(t, cl.Connect(context.Background(), "srv"))
    defer func() { _ = cl.Disconnect(context.Background()) }()

    require.NoError(t, cl.Send(&Unhandled{N: 1}, true))
    require.NoError(t, cl.Send(&RegisterPlayerWithServer{PlayerName: "p"}, true))

    select {
    case <-handled:
    case <-time.After(5 * time.Second):
        t.Fatal("connection did not survive the unhandled message")
    }
    require.Eventually(t, func() bool { return srv.Snapshot().Dispatch.NoHandler >= 1 },
        2*time.Second, 20*time.Millisecond)
}

func TestConnectRefusedFailsFast(t *testing.T) {
    tr := mem.New()
    cl := newClient(t, tr, nil, nil)

    start := time.Now()
    err := cl.Connect(context.Background(), "nowhere")
    require.ErrorIs(t, err, client.ErrConnectRefused)
    require.Less(t, time.Since(start), 2*time.Second)
    require.Equal(t, conntable.StateDisconnected, cl.State())
}

func TestConnectRefusedOverUDPReturnsPromptly(t *testing.T) {
    cl := newClient(t, nil, nil, func(c *config.ClientConfig) { c.ConnectTimeoutMS = 1500 })

    start := time.Now()
    err := cl.Connect(context.Background(), "127.0.0.1:1")
    require.Error(t, err)
    // dead ports answer with ICMP where the host allows it, otherwise the
    // connect window lapses
    ok := errors.Is(err, client.ErrConnectRefused) || errors.Is(err, client.ErrConnectTimeout)
    require.True(t, ok, "unexpected error: %v", err)
    require.Less(t, time.Since(start), 4*time.Second)
}

func TestServerPushAndBroadcast(t *testing.T) {
    tr := mem.New()
    srv := startServer(t, tr, "srv", nil)
    joined := make(chan conntable.ConnID, 2)
    srv.Handle(protocol.TypeConnect, func(id conntable.ConnID, _ protocol.Message) error {
        joined <- id
        return nil
    })

    mkClient := func() chan string {
        cl := newClient(t, tr, nil, nil)
        motd := make(chan string, 4)
        cl.Handle(Welcome{}.TypeID(), func(_ conntable.ConnID, msg protocol.Message) error {
            motd <- msg.(*Welcome).MOTD
            return nil
        })
        require.NoError(t, cl.Connect(context.Background(), "srv"))
        t.Cleanup(func() { _ = cl.Disconnect(context.Background()) })
        return motd
    }

    m1 := mkClient()
    id1 := recvID(t, joined)
    m2 := mkClient()
    recvID(t, joined)

    require.NoError(t, srv.Send(id1, &Welcome{MOTD: "hello one"}, true))
    select {
    case s := <-m1:
        require.Equal(t, "hello one", s)
    case <-time.After(3 * time.Second):
        t.Fatal("directed push never arrived")
    }

    require.Equal(t, 2, srv.Broadcast(&Welcome{MOTD: "all hands"}, true))
    for _, ch := range []chan string{m1, m2} {
        select {
        case s := <-ch:
            require.Equal(t, "all hands", s)
        case <-time.After(3 * time.Second):
            t.Fatal("broadcast never arrived")
        }
    }
}

func TestServerDisconnectNotifiesClient(t *testing.T) {
    tr := mem.New()
    srv := startServer(t, tr, "srv", nil)
    joined := make(chan conntable.ConnID, 1)
    srv.Handle(protocol.TypeConnect, func(id conntable.ConnID, _ protocol.Message) error {
        joined <- id
        return nil
    })

    cl := newClient(t, tr, nil, nil)
    bye := make(chan string, 1)
    cl.Handle(protocol.TypeDisconnect, func(_ conntable.ConnID, msg protocol.Message) error {
        bye <- msg.(*protocol.Disconnect).Reason
        return nil
    })
    require.NoError(t, cl.Connect(context.Background(), "srv"))

    require.NoError(t, srv.Disconnect(recvID(t, joined), "kicked"))
    select {
    case reason := <-bye:
        require.Equal(t, "kicked", reason)
    case <-time.After(3 * time.Second):
        t.Fatal("client never saw the disconnect")
    }
    require.Eventually(t, func() bool { return cl.State() == conntable.StateDisconnected },
        3*time.Second, 20*time.Millisecond)

    // a kicked client may dial again
    require.NoError(t, cl.Connect(context.Background(), "srv"))
    _ = cl.Disconnect(context.Background())
}

func TestServerStopNotifiesClients(t *testing.T) {
    tr := mem.New()
    srv := startServer(t, tr, "srv", nil)

    cl := newClient(t, tr, nil, nil)
    bye := make(chan string, 1)
    cl.Handle(protocol.TypeDisconnect, func(_ conntable.ConnID, msg protocol.Message) error {
        bye <- msg.(*protocol.Disconnect).Reason
        return nil
    })
    require.NoError(t, cl.Connect(context.Background(), "srv"))

    require.NoError(t, srv.Stop(context.Background()))
    select {
    case reason := <-bye:
        require.Equal(t, "server stopping", reason)
    case <-time.After(3 * time.Second):
        t.Fatal("client never saw the shutdown notice")
    }
}

func TestStrictRegistryMismatchRefused(t *testing.T) {
    tr := mem.New()
    startServer(t, tr, "srv", func(c *config.ServerConfig) { c.StrictRegistry = true })

    reg := testRegistry()
    reg.MustRegister(Extra{})
    cl := newClient(t, tr, reg, nil)

    err := cl.Connect(context.Background(), "srv")
    require.ErrorIs(t, err, client.ErrConnectRefused)
    require.Contains(t, err.Error(), fmt.Sprintf("(code %d)", protocol.ErrCodeRegistryMismatch))
}

func TestClientStrictRegistryAbortsConnect(t *testing.T) {
    tr := mem.New()
    startServer(t, tr, "srv", nil)

    reg := testRegistry()
    reg.MustRegister(Extra{})
    cl := newClient(t, tr, reg, func(c *config.ClientConfig) { c.StrictRegistry = true })

    err := cl.Connect(context.Background(), "srv")
    require.ErrorIs(t, err, handshake.ErrRegistryMismatch)
}

func TestServerFullRefusesExtraClient(t *testing.T) {
    tr := mem.New()
    startServer(t, tr, "srv", func(c *config.ServerConfig) { c.MaxConns = 1 })

    cl1 := newClient(t, tr, nil, nil)
    require.NoError(t, cl1.Connect(context.Background(), "srv"))
    defer func() { _ = cl1.Disconnect(context.Background()) }()

    cl2 := newClient(t, tr, nil, nil)
    err := cl2.Connect(context.Background(), "srv")
    require.ErrorIs(t, err, client.ErrConnectRefused)
}

func TestSilentSessionReaped(t *testing.T) {
    tr := mem.New()
    srv := startServer(t, tr, "srv", func(c *config.ServerConfig) {
        c.HandshakeTimeoutMS = 150
        c.GraceFlushMS = 100
    })

    sess, err := tr.Dial(context.Background(), "srv")
    require.NoError(t, err)
    defer func() { _ = sess.Close() }()

    require.Eventually(t, func() bool { return len(srv.Snapshot().Conns) == 1 },
        time.Second, 10*time.Millisecond)
    require.Eventually(t, func() bool { return len(srv.Snapshot().Conns) == 0 },
        3*time.Second, 25*time.Millisecond)
}

func TestPingPong(t *testing.T) {
    tr := mem.New()
    startServer(t, tr, "srv", nil)

    cl := newClient(t, tr, nil, func(c *config.ClientConfig) { c.PingIntervalMS = 40 })
    pongs := make(chan int64, 16)
    cl.Handle(protocol.TypePong, func(_ conntable.ConnID, msg protocol.Message) error {
        pongs <- msg.(*protocol.Pong).EchoUnixMs
        return nil
    })
    require.NoError(t, cl.Connect(context.Background(), "srv"))
    defer func() { _ = cl.Disconnect(context.Background()) }()

    select {
    case echo := <-pongs:
        require.NotZero(t, echo)
    case <-time.After(3 * time.Second):
        t.Fatal("no pong came back")
    }
}
