package main

import (
    "encoding/hex"
    "flag"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strings"

    "msgnet/pkg/protocol"
)

func main() {
    outDir := flag.String("out", "testdata/wire", "output directory for binary vectors")
    flag.Parse()
    if err := os.MkdirAll(*outDir, 0o755); err != nil { log.Fatal(err) }

    reg := protocol.NewTypeRegistry()

    // 1) Control frames with the default CBOR codec
    connect := &protocol.Connect{Name: "austin jeane", Token: "vector-token", Fingerprint: reg.Fingerprint()}
    writeOut(*outDir, "frame_connect.bin", mustFrame(reg, connect))
    writeOut(*outDir, "frame_disconnect.bin", mustFrame(reg, &protocol.Disconnect{Reason: "bye"}))
    writeOut(*outDir, "frame_error.bin", mustFrame(reg, protocol.NewError(protocol.ErrCodeRefused, "no thanks")))

    // 2) Packets around those frames
    writeOut(*outDir, "packet_connect_seq1.bin",
        protocol.EncodePacket(protocol.PktData, 1, mustFrame(reg, connect)))
    writeOut(*outDir, "packet_ping_unreliable.bin",
        protocol.EncodePacket(protocol.PktDataUnreliable, 0, mustFrame(reg, &protocol.Ping{SentUnixMs: 1700000000000})))
    writeOut(*outDir, "packet_ack_seq1.bin", protocol.AckPacket(1))

    // 3) Negative vectors: truncated payload and an unregistered type id
    full := mustFrame(reg, connect)
    writeOut(*outDir, "frame_truncated.bin", full[:len(full)-3])
    writeOut(*outDir, "frame_unknown_type.bin", protocol.EncodeRawFrame(50, []byte{0xa0}))

    fmt.Println("Generated wire vectors in", *outDir)
}

func mustFrame(reg *protocol.TypeRegistry, m protocol.Message) []byte {
    b, err := reg.EncodeFrame(m)
    if err != nil { log.Fatal(err) }
    return b
}

func writeOut(dir, name string, b []byte) {
    p := filepath.Join(dir, name)
    if err := os.WriteFile(p, b, 0o644); err != nil { log.Fatal(err) }
    fmt.Printf("%-28s %5d bytes  head: %s\n", name, len(b), shortHex(b, 64))
}

func shortHex(b []byte, n int) string {
    if len(b) == 0 { return "" }
    if n > len(b) { n = len(b) }
    enc := hex.EncodeToString(b[:n])
    if len(b) > n { enc += "..." }
    var out []string
    for i := 0; i < len(enc); i += 4 {
        j := i + 4
        if j > len(enc) { j = len(enc) }
        out = append(out, enc[i:j])
    }
    return strings.Join(out, " ")
}
