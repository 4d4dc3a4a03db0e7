package protocol

// Message is any value that can travel in a frame. TypeID must return a
// stable id registered on both ends of a connection.
type Message interface {
    TypeID() TypeID
}

// Connect opens a session. The dialing side repeats it until the listener
// acknowledges or the connect window lapses.
type Connect struct {
    Name        string `cbor:"name" json:"name"`
    Token       string `cbor:"token" json:"token"`
    Fingerprint uint64 `cbor:"fp" json:"fp"`
}

func (Connect) TypeID() TypeID { return TypeConnect }

// ConnectAck accepts a session and assigns the connection id the peer
// uses for the rest of its lifetime. Token echoes the Connect token so
// the dialer can match retransmitted opens to the right session.
type ConnectAck struct {
    ConnID      uint64 `cbor:"conn" json:"conn"`
    Token       string `cbor:"token" json:"token"`
    Name        string `cbor:"name" json:"name"`
    Fingerprint uint64 `cbor:"fp" json:"fp"`
}

func (ConnectAck) TypeID() TypeID { return TypeConnectAck }

// Disconnect announces an orderly close. Reason is free-form and only
// for operators; sessions tear down the same way regardless.
type Disconnect struct {
    Reason string `cbor:"reason" json:"reason"`
}

func (Disconnect) TypeID() TypeID { return TypeDisconnect }

// ErrorMsg reports a session-level fault to the remote end.
type ErrorMsg struct {
    Code   uint16 `cbor:"code" json:"code"`
    Detail string `cbor:"detail" json:"detail"`
}

func (ErrorMsg) TypeID() TypeID { return TypeError }

// NewError builds an ErrorMsg for the given code.
func NewError(code uint16, detail string) *ErrorMsg {
    return &ErrorMsg{Code: code, Detail: detail}
}

// Ping probes liveness; the far side answers with Pong echoing SentUnixMs.
type Ping struct {
    SentUnixMs int64 `cbor:"t" json:"t"`
}

func (Ping) TypeID() TypeID { return TypePing }

// Pong answers a Ping.
type Pong struct {
    EchoUnixMs int64 `cbor:"t" json:"t"`
}

func (Pong) TypeID() TypeID { return TypePong }
