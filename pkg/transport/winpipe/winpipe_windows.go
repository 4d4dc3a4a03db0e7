//go:build windows

package winpipe

import (
    "context"
    "net"

    "github.com/Microsoft/go-winio"

    "msgnet/pkg/protocol/stream"
    "msgnet/pkg/transport"
)

// Transport carries packets over Windows named pipes with the shared
// stream framing. Pipe names look like `\\.\pipe\msgnet`.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

func (t *Transport) Listen(ctx context.Context, pipeName string) (transport.Listener, error) {
    l, err := winio.ListenPipe(pipeName, nil)
    if err != nil { return nil, err }
    wl := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
    go wl.acceptLoop()
    go func() { <-ctx.Done(); _ = wl.Close() }()
    return wl, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (transport.Session, error) {
    c, err := winio.DialPipeContext(ctx, pipeName)
    if err != nil { return nil, transport.WrapRefused(err) }
    return newSession(c), nil
}

type listener struct {
    l       net.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, transport.ErrClosed
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select { case <-l.closeCh: default: close(l.closeCh) }
    return l.l.Close()
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil { return }
        s := newSession(c)
        select { case l.newCh <- s: default: _ = s.Close() }
    }
}

type session struct {
    c  net.Conn
    fr *stream.Conn
}

func newSession(c net.Conn) *session {
    return &session{c: c, fr: stream.NewNetConn(c)}
}

func (s *session) Kind() transport.Kind { return transport.KindWinPipe }
func (s *session) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *session) WritePacket(b []byte) error { return s.fr.WritePacket(b) }
func (s *session) ReadPacket() ([]byte, error) { return s.fr.ReadPacket() }
func (s *session) Close() error { return s.c.Close() }
