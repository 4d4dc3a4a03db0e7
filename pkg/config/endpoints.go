package config

// ServerConfig describes the listening endpoint.
// Example YAML:
// server:
//   transport: udp
//   listen: ":4444"
//   name: "msgnet-server"
//   max_conns: 256
//   handshake_timeout_ms: 3000
type ServerConfig struct {
    // Transport kind: udp, tcp, quic, mem, winpipe
    Transport string `mapstructure:"transport"`
    // Listen address in the transport's own notation
    Listen string `mapstructure:"listen"`
    // Name announced to clients in the connect ack
    Name string `mapstructure:"name"`
    // MaxConns caps simultaneous table entries; 0 = unlimited
    MaxConns int `mapstructure:"max_conns"`
    // HandshakeTimeoutMS drops sessions that never send Connect
    HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms"`
    // IdleTimeoutMS disconnects peers with no inbound traffic; 0 = never
    IdleTimeoutMS int `mapstructure:"idle_timeout_ms"`
    // GraceFlushMS bounds the reliable flush window on disconnect/stop
    GraceFlushMS int `mapstructure:"grace_flush_ms"`
    // StrictRegistry refuses clients whose type registry diverges
    StrictRegistry bool `mapstructure:"strict_registry"`
}

func DefaultServer() ServerConfig {
    return ServerConfig{
        Transport:          "udp",
        Listen:             ":4444",
        Name:               "msgnet-server",
        MaxConns:           0,
        HandshakeTimeoutMS: 3000,
        IdleTimeoutMS:      0,
        GraceFlushMS:       1000,
    }
}

// ClientConfig describes the dialing endpoint.
type ClientConfig struct {
    // Transport kind: udp, tcp, quic, mem, winpipe
    Transport string `mapstructure:"transport"`
    // Name presented to the server in Connect
    Name string `mapstructure:"name"`
    // ConnectTimeoutMS bounds the whole connect exchange
    ConnectTimeoutMS int `mapstructure:"connect_timeout_ms"`
    // ConnectRetryMS re-sends Connect while waiting for the ack
    ConnectRetryMS int `mapstructure:"connect_retry_ms"`
    // GraceFlushMS bounds the reliable flush window on disconnect
    GraceFlushMS int `mapstructure:"grace_flush_ms"`
    // PingIntervalMS sends keepalive pings; 0 = disabled
    PingIntervalMS int `mapstructure:"ping_interval_ms"`
    // StrictRegistry aborts connect when the server ack looks diverged
    StrictRegistry bool `mapstructure:"strict_registry"`
}

func DefaultClient() ClientConfig {
    return ClientConfig{
        Transport:        "udp",
        Name:             "msgnet-client",
        ConnectTimeoutMS: 5000,
        ConnectRetryMS:   500,
        GraceFlushMS:     1000,
        PingIntervalMS:   0,
    }
}
