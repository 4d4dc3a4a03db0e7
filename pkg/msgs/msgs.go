// Package msgs carries the sample message set the bundled tools exchange.
// Both tools register it in the same order, so the ids and the registry
// fingerprint line up without a shared constants file.
package msgs

import "msgnet/pkg/protocol"

// Chat is a free-form text line sent client to server.
type Chat struct {
    From       string `cbor:"from" json:"from"`
    Text       string `cbor:"text" json:"text"`
    SentUnixMs int64  `cbor:"ts" json:"ts"`
}

func (Chat) TypeID() protocol.TypeID { return protocol.FirstUserType }

// Echo answers a Chat with the text the server saw.
type Echo struct {
    Text       string `cbor:"text" json:"text"`
    EchoUnixMs int64  `cbor:"ts" json:"ts"`
}

func (Echo) TypeID() protocol.TypeID { return protocol.FirstUserType + 1 }

// Register binds the sample set.
func Register(reg *protocol.TypeRegistry) {
    reg.MustRegister(Chat{})
    reg.MustRegister(Echo{})
}
