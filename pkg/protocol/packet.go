package protocol

import (
    "encoding/binary"
    "errors"
)

// Packets carry frames between hosts. The channel layer stamps each
// reliable packet with a sequence number so the far side can ack it and
// drop replays; unreliable packets travel with Seq 0 and are never acked.
//
// Packet layout, little-endian:
//
//  0 ..1   Magic   'N''M' (0x4d4e)
//  2       Version u8
//  3       Kind    u8
//  4 ..11  Seq     u64
//  12..    Frame   (absent on acks)
const (
    PacketHeaderSize = 12
    PacketVersion    = 1
    packetMagic      = uint16(0x4d4e) // 'N''M'

    // MaxPacket bounds one datagram on any bearer.
    MaxPacket = PacketHeaderSize + FrameHeaderSize + MaxPayload
)

// PktKind discriminates what follows the packet header.
type PktKind uint8

const (
    PktData           PktKind = 1 // frame, reliable, expects an ack
    PktDataUnreliable PktKind = 2 // frame, fire-and-forget
    PktAck            PktKind = 3 // bare ack for Seq
)

func (k PktKind) String() string {
    switch k {
    case PktData:
        return "data"
    case PktDataUnreliable:
        return "data-unreliable"
    case PktAck:
        return "ack"
    }
    return "unknown"
}

// Packet decode failures.
var (
    ErrShortPacket = errors.New("short packet")
    ErrBadMagic    = errors.New("bad packet magic")
    ErrBadVersion  = errors.New("unsupported packet version")
    ErrBadKind     = errors.New("unknown packet kind")
)

// Packet is the decoded form of one datagram.
type Packet struct {
    Kind  PktKind
    Seq   uint64
    Frame []byte
}

// EncodePacket prepends the packet header to frame. frame may be nil for acks.
func EncodePacket(kind PktKind, seq uint64, frame []byte) []byte {
    buf := make([]byte, PacketHeaderSize+len(frame))
    binary.LittleEndian.PutUint16(buf[0:2], packetMagic)
    buf[2] = PacketVersion
    buf[3] = uint8(kind)
    binary.LittleEndian.PutUint64(buf[4:12], seq)
    copy(buf[PacketHeaderSize:], frame)
    return buf
}

// AckPacket builds the ack for a received reliable packet.
func AckPacket(seq uint64) []byte { return EncodePacket(PktAck, seq, nil) }

// DecodePacket validates the header and returns the packet. The frame
// slice aliases buf.
func DecodePacket(buf []byte) (Packet, error) {
    var p Packet
    if len(buf) < PacketHeaderSize { return p, ErrShortPacket }
    if binary.LittleEndian.Uint16(buf[0:2]) != packetMagic { return p, ErrBadMagic }
    if buf[2] != PacketVersion { return p, ErrBadVersion }
    k := PktKind(buf[3])
    switch k {
    case PktData, PktDataUnreliable, PktAck:
    default:
        return p, ErrBadKind
    }
    p.Kind = k
    p.Seq = binary.LittleEndian.Uint64(buf[4:12])
    p.Frame = buf[PacketHeaderSize:]
    return p, nil
}
