package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestDefaultIsMocknet(t *testing.T) {
	cfg := Default()
	require.Equal(t, ModeMocknet, cfg.Burnchain.Mode)
	require.NotEmpty(t, cfg.Node.RPCBind)
	require.NotEmpty(t, cfg.Node.P2PBind)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := []byte("node:\n  rpc_bind: \"127.0.0.1:9999\"\nburnchain:\n  mode: neon\n")
	require.NoError(t, os.WriteFile(path, yamlDoc, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.Node.RPCBind)
	require.Equal(t, ModeNeon, cfg.Burnchain.Mode)
	// Fields the document didn't mention keep their mocknet default.
	require.Equal(t, 18444, cfg.Burnchain.PeerPort)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func newTestContext(t *testing.T, set map[string]string) *cli.Context {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.String(WorkDirFlag.Name, "", WorkDirFlag.Usage)
	fs.String(BurnchainModeFlag.Name, "", BurnchainModeFlag.Usage)
	fs.Bool(MinerFlag.Name, false, MinerFlag.Usage)
	fs.String(P2PBindFlag.Name, "", P2PBindFlag.Usage)
	fs.String(RPCBindFlag.Name, "", RPCBindFlag.Usage)
	fs.String(BootstrapNodeFlag.Name, "", BootstrapNodeFlag.Usage)
	fs.Uint64(ExitAtBlockHeightFlag.Name, 0, ExitAtBlockHeightFlag.Usage)
	fs.String(MetricsBindFlag.Name, "", MetricsBindFlag.Usage)
	for name, val := range set {
		require.NoError(t, fs.Set(name, val))
	}
	return cli.NewContext(cli.NewApp(), fs, nil)
}

func TestApplyFlagsOnlyOverridesSetFlags(t *testing.T) {
	cfg := Default()
	ctx := newTestContext(t, map[string]string{
		"p2p-bind": "0.0.0.0:30303",
		"miner":    "true",
	})

	ApplyFlags(cfg, ctx)

	require.Equal(t, "0.0.0.0:30303", cfg.Node.P2PBind)
	require.True(t, cfg.Node.Miner)
	// rpc-bind was never set on the command line, so the default survives.
	require.Equal(t, "127.0.0.1:20443", cfg.Node.RPCBind)
}

func TestApplyFlagsExitAtBlockHeight(t *testing.T) {
	cfg := Default()
	ctx := newTestContext(t, map[string]string{"exit-at-block-height": "100"})

	ApplyFlags(cfg, ctx)

	require.Equal(t, uint64(100), cfg.ExitAtBlockHeight)
}

func TestApplyFlagsMetricsBind(t *testing.T) {
	cfg := Default()
	ctx := newTestContext(t, map[string]string{"metrics-bind": "127.0.0.1:9090"})

	ApplyFlags(cfg, ctx)

	require.Equal(t, "127.0.0.1:9090", cfg.Node.MetricsBind)
}
