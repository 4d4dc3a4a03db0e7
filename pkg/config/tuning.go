package config

// ChannelConfig tunes the reliability machinery. Values are milliseconds
// so they read naturally from YAML and env.
type ChannelConfig struct {
    // RetryLimit caps retransmit attempts per reliable packet
    RetryLimit int `mapstructure:"retry_limit"`
    // RetryBaseMS first retransmit delay, doubled per attempt
    RetryBaseMS int `mapstructure:"retry_base_ms"`
    // RetryMaxMS backoff ceiling
    RetryMaxMS int `mapstructure:"retry_max_ms"`
    // DedupTTLMS how long received sequence numbers stay hot
    DedupTTLMS int `mapstructure:"dedup_ttl_ms"`
    // EventBuf inbound event channel depth
    EventBuf int `mapstructure:"event_buf"`
    // IngressPPS inbound packet budget per second; 0 = unlimited
    IngressPPS int `mapstructure:"ingress_pps"`
    // EgressBps outbound byte budget per second; 0 = unlimited
    EgressBps int64 `mapstructure:"egress_bps"`
}

func DefaultChannel() ChannelConfig {
    return ChannelConfig{
        RetryLimit:  7,
        RetryBaseMS: 200,
        RetryMaxMS:  2000,
        DedupTTLMS:  30000,
        EventBuf:    256,
        IngressPPS:  0,
        EgressBps:   0,
    }
}

// StatusConfig controls the HTTP status surface.
type StatusConfig struct {
    Enable bool   `mapstructure:"enable"`
    Listen string `mapstructure:"listen"`
}
