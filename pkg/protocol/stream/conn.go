package stream

import (
    "bufio"
    "encoding/binary"
    "fmt"
    "io"
    "net"
    "sync"

    "msgnet/pkg/protocol"
)

// Conn frames packets over a byte stream with a u32 little-endian length
// prefix, so stream transports present the same datagram surface as UDP
// or QUIC bearers.
type Conn struct {
    rw  io.ReadWriter
    br  *bufio.Reader
    bw  *bufio.Writer
    wmu sync.Mutex
}

func New(rw io.ReadWriter) *Conn {
    return &Conn{rw: rw, br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
}

func NewNetConn(c net.Conn) *Conn { return New(c) }

// WritePacket sends one length-prefixed packet. Safe for concurrent use.
func (c *Conn) WritePacket(pkt []byte) error {
    if len(pkt) > protocol.MaxPacket {
        return fmt.Errorf("packet length %d exceeds limit", len(pkt))
    }
    c.wmu.Lock()
    defer c.wmu.Unlock()
    var hdr [4]byte
    binary.LittleEndian.PutUint32(hdr[:], uint32(len(pkt)))
    if _, err := c.bw.Write(hdr[:]); err != nil { return err }
    if _, err := c.bw.Write(pkt); err != nil { return err }
    return c.bw.Flush()
}

// ReadPacket reads one length-prefixed packet. Call from a single reader.
func (c *Conn) ReadPacket() ([]byte, error) {
    var hdr [4]byte
    if _, err := io.ReadFull(c.br, hdr[:]); err != nil { return nil, err }
    n := binary.LittleEndian.Uint32(hdr[:])
    if n > protocol.MaxPacket {
        return nil, fmt.Errorf("packet length %d exceeds limit", n)
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(c.br, buf); err != nil { return nil, err }
    return buf, nil
}
