package config

// ProviderConfig tunes the socket provider.
// Example YAML:
// provider:
//   transport: tcp
//   source_addr: "127.0.0.1:0"
//   progress: auto
//   progress_workers: 2
//   connect_timeout_ms: 30000
type ProviderConfig struct {
    // Transport is the socket transport: tcp, quic or mem
    Transport string `mapstructure:"transport" yaml:"transport"`
    // SourceAddr is the default local rendezvous address for endpoints
    SourceAddr string `mapstructure:"source_addr" yaml:"source_addr"`
    // Progress selects auto (background workers) or manual progress
    Progress string `mapstructure:"progress" yaml:"progress"`
    ProgressWorkers int `mapstructure:"progress_workers" yaml:"progress_workers"`
    PollIntervalMS  int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
    // ConnectTimeoutMS bounds address resolution plus handshake
    ConnectTimeoutMS int `mapstructure:"connect_timeout_ms" yaml:"connect_timeout_ms"`
    TxSize       int `mapstructure:"tx_size" yaml:"tx_size"`
    RxSize       int `mapstructure:"rx_size" yaml:"rx_size"`
    InjectSize   int `mapstructure:"inject_size" yaml:"inject_size"`
    MaxMsgSize   int `mapstructure:"max_msg_size" yaml:"max_msg_size"`
    MinMultiRecv int `mapstructure:"min_multi_recv" yaml:"min_multi_recv"`
    // MaxContexts bounds contexts allocated per domain
    MaxContexts int `mapstructure:"max_contexts" yaml:"max_contexts"`
}
