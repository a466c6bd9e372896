package config

import "github.com/urfave/cli/v2"

// Flags define the command line surface for cmd/stacks-node, matching
// shared/cmd/flags.go's style (one var per flag, descriptive Usage
// strings) adapted to urfave/cli/v2.
var (
	// ConfigFileFlag points at the YAML config document to load.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the node's YAML configuration file",
	}
	// WorkDirFlag overrides the node's persisted-state root directory.
	WorkDirFlag = &cli.StringFlag{
		Name:  "workdir",
		Usage: "Root directory for burnchain/, chainstate/, and peer_db state",
	}
	// BurnchainModeFlag selects anchor-chain behavior and genesis.
	BurnchainModeFlag = &cli.StringFlag{
		Name:  "burnchain-mode",
		Usage: "Anchor-chain mode: mocknet, helium, neon, argon, krypton, xenon, mainnet",
	}
	// MinerFlag enables block production.
	MinerFlag = &cli.BoolFlag{
		Name:  "miner",
		Usage: "Enable block production",
	}
	// P2PBindFlag overrides the local P2P listen address.
	P2PBindFlag = &cli.StringFlag{
		Name:  "p2p-bind",
		Usage: "Local address to bind the P2P listener to",
	}
	// RPCBindFlag overrides the local HTTP block service listen address.
	RPCBindFlag = &cli.StringFlag{
		Name:  "rpc-bind",
		Usage: "Local address to bind the HTTP block service to",
	}
	// BootstrapNodeFlag is a "pubkey@host:port" seed peer.
	BootstrapNodeFlag = &cli.StringFlag{
		Name:  "bootstrap-node",
		Usage: "Seed peer to dial on startup, as pubkey@host:port",
	}
	// ExitAtBlockHeightFlag triggers a clean shutdown once a Stacks block
	// elected at or above the named anchor height is processed (spec §6
	// "Exit codes").
	ExitAtBlockHeightFlag = &cli.Uint64Flag{
		Name:  "exit-at-block-height",
		Usage: "Exit cleanly once a Stacks block elected at or above this anchor height is processed",
	}
	// VerbosityFlag mirrors shared/cmd/flags.go's VerbosityFlag.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFileFlag mirrors shared/cmd/flags.go's LogFileName flag: when set,
	// logs are written to both stdout and this file.
	LogFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Path to also persist logs to, in addition to stdout",
	}
	// MetricsBindFlag overrides the local Prometheus /metrics listen address.
	MetricsBindFlag = &cli.StringFlag{
		Name:  "metrics-bind",
		Usage: "Local address to bind the Prometheus metrics service to",
	}
)

// Flags is the full flag set cmd/stacks-node registers.
var Flags = []cli.Flag{
	ConfigFileFlag,
	WorkDirFlag,
	BurnchainModeFlag,
	MinerFlag,
	P2PBindFlag,
	RPCBindFlag,
	BootstrapNodeFlag,
	ExitAtBlockHeightFlag,
	VerbosityFlag,
	LogFileFlag,
	MetricsBindFlag,
}
