package protocol

// TypeID identifies a message layout on the wire. Ids below FirstUserType
// are reserved for built-in control messages; applications allocate their
// own ids from FirstUserType upward.
type TypeID uint16

// Built-in message type ids. The numeric values never change: remote ends
// depend on them during session setup and teardown.
const (
    TypeConnect    TypeID = 0 // session open request
    TypeDisconnect TypeID = 1 // orderly close notice
    TypeError      TypeID = 2 // fault report, ErrorMsg payload
    TypeConnectAck TypeID = 3 // session open reply
    TypePing       TypeID = 4 // liveness probe
    TypePong       TypeID = 5 // liveness reply

    // FirstUserType is the lowest id available to applications.
    FirstUserType TypeID = 32
)

// Reserved reports whether id lies in the built-in control range.
func (id TypeID) Reserved() bool { return id < FirstUserType }

// Error codes carried in ErrorMsg payloads.
const (
    ErrCodeRefused          uint16 = 1 // listener rejected the session
    ErrCodeRegistryMismatch uint16 = 2 // ends registered different message sets
    ErrCodeServerFull       uint16 = 3 // connection limit reached
    ErrCodeInternal         uint16 = 4
)
