// Package config loads node configuration (spec §6 "Configuration"): a
// YAML document with CLI-flag overrides, matching the teacher's
// ctx.GlobalString(cmd.DataDirFlag.Name)-style layering in
// beacon-chain/node/node.go, adapted to urfave/cli/v2 flags.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/blockstack/stacks-blockchain/shared/fileutil"
)

// BurnchainMode selects anchor-chain behavior and genesis (spec §6
// "burnchain.mode").
type BurnchainMode string

const (
	ModeMocknet BurnchainMode = "mocknet"
	ModeHelium  BurnchainMode = "helium"
	ModeNeon    BurnchainMode = "neon"
	ModeArgon   BurnchainMode = "argon"
	ModeKrypton BurnchainMode = "krypton"
	ModeXenon   BurnchainMode = "xenon"
	ModeMainnet BurnchainMode = "mainnet"
)

// BurnchainConfig is the `burnchain.*` config block.
type BurnchainConfig struct {
	Mode       BurnchainMode `yaml:"mode"`
	PeerHost   string        `yaml:"peer_host"`
	PeerPort   int           `yaml:"peer_port"`
	RPCPort    int           `yaml:"rpc_port"`
	RPCSsl     bool          `yaml:"rpc_ssl"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	BurnFeeCap uint64        `yaml:"burn_fee_cap"`
}

// NodeConfig is the `node.*` config block.
type NodeConfig struct {
	RPCBind                string `yaml:"rpc_bind"`
	P2PBind                string `yaml:"p2p_bind"`
	P2PAddress             string `yaml:"p2p_address"`
	BootstrapNode          string `yaml:"bootstrap_node"`
	Miner                  bool   `yaml:"miner"`
	MineMicroblocks        bool   `yaml:"mine_microblocks"`
	WaitTimeForMicroblocks uint64 `yaml:"wait_time_for_microblocks"`
	MetricsBind            string `yaml:"metrics_bind"`
}

// ConnectionOptions is the `connection_options.*` config block: P2P
// timeouts, pool sizes, inv/download intervals (spec §6).
type ConnectionOptions struct {
	HandshakeTimeoutMs     uint64 `yaml:"handshake_timeout_ms"`
	ConnectTimeoutMs       uint64 `yaml:"connect_timeout_ms"`
	HeartbeatMs            uint64 `yaml:"heartbeat_ms"`
	NeighborRequestTimeout uint64 `yaml:"neighbor_request_timeout_ms"`
	InboundPoolSize        int    `yaml:"inbound_pool_size"`
	OutboundPoolSize       int    `yaml:"outbound_pool_size"`
	InvSyncIntervalMs      uint64 `yaml:"inv_sync_interval_ms"`
	DownloadIntervalMs     uint64 `yaml:"download_interval_ms"`
	MaxInflightRequests    int    `yaml:"max_inflight_requests"`
	DNSTimeoutMs           uint64 `yaml:"dns_timeout_ms"`
}

// BlockLimit is the `block_limit.*` per-block execution cost ceiling.
type BlockLimit struct {
	ReadLength  uint64 `yaml:"read_length"`
	ReadCount   uint64 `yaml:"read_count"`
	WriteLength uint64 `yaml:"write_length"`
	WriteCount  uint64 `yaml:"write_count"`
	Runtime     uint64 `yaml:"runtime"`
}

// InitialBalance is one entry of `initial_balances` (genesis allocations).
type InitialBalance struct {
	Address string `yaml:"address"`
	Amount  uint64 `yaml:"amount"`
}

// EventObserver is one entry of `events_observer[]`: an HTTP fan-out
// endpoint plus the event keys it subscribes to. The event-observer
// system itself is an external collaborator (spec §1); this struct is
// the narrow contract this repo carries for it.
type EventObserver struct {
	Endpoint string   `yaml:"endpoint"`
	Events   []string `yaml:"events"`
}

// Config is the complete node configuration (spec §6 "Configuration").
type Config struct {
	Burnchain         BurnchainConfig   `yaml:"burnchain"`
	Node              NodeConfig        `yaml:"node"`
	ConnectionOptions ConnectionOptions `yaml:"connection_options"`
	BlockLimit        BlockLimit        `yaml:"block_limit"`
	InitialBalances   []InitialBalance  `yaml:"initial_balances"`
	EventsObserver    []EventObserver   `yaml:"events_observer"`

	WorkDir           string `yaml:"-"`
	ExitAtBlockHeight uint64 `yaml:"exit_at_block_height"`
}

// Default returns the configuration the mocknet burnchain mode runs
// with absent a config file, matching the defaults
// beacon-chain/utils/flags.go hard-codes for its mocknet-equivalent.
func Default() *Config {
	return &Config{
		Burnchain: BurnchainConfig{
			Mode:       ModeMocknet,
			PeerHost:   "127.0.0.1",
			PeerPort:   18444,
			RPCPort:    18443,
			BurnFeeCap: 20000,
		},
		Node: NodeConfig{
			RPCBind: "127.0.0.1:20443",
			P2PBind: "0.0.0.0:20444",
		},
		ConnectionOptions: ConnectionOptions{
			HandshakeTimeoutMs:     5000,
			ConnectTimeoutMs:       10000,
			HeartbeatMs:            3600000,
			NeighborRequestTimeout: 30000,
			InboundPoolSize:        32,
			OutboundPoolSize:       32,
			InvSyncIntervalMs:      10000,
			DownloadIntervalMs:     10000,
			MaxInflightRequests:    6,
			DNSTimeoutMs:           15000,
		},
		WorkDir: "/tmp/stacks-node",
	}
}

// Load reads a YAML config file and applies it over the mocknet default.
func Load(path string) (*Config, error) {
	cfg := Default()
	expanded, err := fileutil.ExpandPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding config file path %s", path)
	}
	raw, err := ioutil.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", expanded)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", expanded)
	}
	if cfg.WorkDir != "" {
		if cfg.WorkDir, err = fileutil.ExpandPath(cfg.WorkDir); err != nil {
			return nil, errors.Wrapf(err, "expanding workdir %s", cfg.WorkDir)
		}
	}
	return cfg, nil
}

// ApplyFlags overrides cfg in place with any CLI flags the user passed,
// matching beacon-chain/node/node.go's ctx.GlobalString(...) layering:
// the config file sets the baseline, flags win.
func ApplyFlags(cfg *Config, ctx *cli.Context) {
	if ctx.IsSet(WorkDirFlag.Name) {
		cfg.WorkDir = ctx.String(WorkDirFlag.Name)
	}
	if ctx.IsSet(BurnchainModeFlag.Name) {
		cfg.Burnchain.Mode = BurnchainMode(ctx.String(BurnchainModeFlag.Name))
	}
	if ctx.IsSet(MinerFlag.Name) {
		cfg.Node.Miner = ctx.Bool(MinerFlag.Name)
	}
	if ctx.IsSet(P2PBindFlag.Name) {
		cfg.Node.P2PBind = ctx.String(P2PBindFlag.Name)
	}
	if ctx.IsSet(RPCBindFlag.Name) {
		cfg.Node.RPCBind = ctx.String(RPCBindFlag.Name)
	}
	if ctx.IsSet(BootstrapNodeFlag.Name) {
		cfg.Node.BootstrapNode = ctx.String(BootstrapNodeFlag.Name)
	}
	if ctx.IsSet(ExitAtBlockHeightFlag.Name) {
		cfg.ExitAtBlockHeight = ctx.Uint64(ExitAtBlockHeightFlag.Name)
	}
	if ctx.IsSet(MetricsBindFlag.Name) {
		cfg.Node.MetricsBind = ctx.String(MetricsBindFlag.Name)
	}
	if ctx.IsSet(WorkDirFlag.Name) {
		if expanded, err := fileutil.ExpandPath(cfg.WorkDir); err == nil {
			cfg.WorkDir = expanded
		}
	}
}
