// Package node wires every subsystem together into a runnable process,
// the pattern beacon-chain/node/node.go and slasher/node/node.go both
// use: a ServiceRegistry, one registerXService method per subsystem, and
// Start/Close methods handling OS signals.
package node

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/burnchain"
	"github.com/blockstack/stacks-blockchain/burnchain/mocknet"
	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/config"
	"github.com/blockstack/stacks-blockchain/coordinator"
	"github.com/blockstack/stacks-blockchain/downloader"
	"github.com/blockstack/stacks-blockchain/eventbus"
	"github.com/blockstack/stacks-blockchain/httpapi"
	"github.com/blockstack/stacks-blockchain/invsync"
	"github.com/blockstack/stacks-blockchain/p2pcore"
	"github.com/blockstack/stacks-blockchain/shared"
	"github.com/blockstack/stacks-blockchain/shared/prometheus"
	"github.com/blockstack/stacks-blockchain/sortition"
)

var log = logrus.WithField("prefix", "node")

// defaultPoxConstants matches the reward-cycle geometry the spec's
// examples and original_source default to for non-mainnet modes.
var defaultPoxConstants = sortition.PoxConstants{RewardCycleLength: 2100, PrepareLength: 100}

// StacksNode handles the lifecycle of the entire system and registers
// every subsystem into a service registry (spec §1, §5 "Concurrency &
// resource model").
type StacksNode struct {
	cfg      *config.Config
	services *shared.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{}

	mocknetSource *mocknet.Source
	coord         *coordinator.Service
}

// New constructs a node and registers every subsystem, in dependency
// order, matching beacon-chain/node/node.go's New.
func New(cfg *config.Config) (*StacksNode, error) {
	n := &StacksNode{
		cfg:      cfg,
		services: shared.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	burnView, source, err := n.registerBurnchainView()
	if err != nil {
		return nil, err
	}

	sortitionStore, err := sortition.Open(filepath.Join(cfg.WorkDir, "burnchain", "db"), defaultPoxConstants, 0)
	if err != nil {
		return nil, err
	}

	chainstateStore, err := chainstate.Open(filepath.Join(cfg.WorkDir, "chainstate"))
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	coord := coordinator.New(ctx, &coordinator.Config{
		BurnView:          burnView,
		SortitionStore:    sortitionStore,
		ChainstateStore:   chainstateStore,
		Processor:         passthroughProcessor{},
		PoxConstants:      defaultPoxConstants,
		FirstBlockHeight:  0,
		NewAnchorBlockBuf: 16,
		NewStacksBlockBuf: 64,
	})
	if err := n.services.RegisterService(coord); err != nil {
		return nil, err
	}

	inventory := invsync.New(sortitionStore)

	dl, err := downloader.New(ctx, &downloader.Config{
		Inventory:        inventory,
		SortitionStore:   sortitionStore,
		ChainstateStore:  chainstateStore,
		Sink:             coord,
		MaxInflight:      intOrDefault(cfg.ConnectionOptions.MaxInflightRequests, 6),
		DNSTimeout:       millisOrDefault(cfg.ConnectionOptions.DNSTimeoutMs, 15*time.Second),
		ScanWindowHeight: defaultPoxConstants.RewardCycleLength,
		CycleInterval:    millisOrDefault(cfg.ConnectionOptions.DownloadIntervalMs, 10*time.Second),
	})
	if err != nil {
		return nil, err
	}

	p2p, err := p2pcore.New(ctx, &p2pcore.Config{
		LocalBind:       cfg.Node.P2PBind,
		PeerVersion:     1,
		NetworkID:       networkIDFor(cfg.Burnchain.Mode),
		InboundCapacity: cfg.ConnectionOptions.InboundPoolSize,
		PeerDBDir:       cfg.WorkDir,
		Inventory:       inventory,
		SortitionStore:  sortitionStore,
		Downloader:      dl,
		PollInterval:    500 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	dl.SetPeers(p2p)
	dl.SetPenalizer(p2p)

	if err := n.services.RegisterService(dl); err != nil {
		return nil, err
	}
	if err := n.services.RegisterService(p2p); err != nil {
		return nil, err
	}

	httpServer := httpapi.New(cfg.Node.RPCBind, httpapi.Config{
		Blocks:    chainstateStore,
		Mempool:   newMemMempool(),
		Evaluator: nullEvaluator{},
		Info:      nodeInfoProvider{burnView: burnView, sortitionStore: sortitionStore},
	})
	if err := n.services.RegisterService(httpServer); err != nil {
		return nil, err
	}

	events := eventbus.New(ctx, coord, cfg.EventsObserver)
	if err := n.services.RegisterService(events); err != nil {
		return nil, err
	}

	if cfg.Node.MetricsBind != "" {
		metrics := prometheus.NewPrometheusService(cfg.Node.MetricsBind, n.services)
		if err := n.services.RegisterService(metrics); err != nil {
			return nil, err
		}
	}

	if cfg.Burnchain.Mode == config.ModeMocknet {
		n.mocknetSource = source
	}
	n.coord = coord

	return n, nil
}

func (n *StacksNode) registerBurnchainView() (*burnchain.View, *mocknet.Source, error) {
	var source burnchain.Source
	var mn *mocknet.Source
	switch n.cfg.Burnchain.Mode {
	case config.ModeMocknet, "":
		mn = mocknet.New(2 * time.Second)
		source = mn
	default:
		// Every other mode names a real Bitcoin RPC endpoint
		// (burnchain.peer_host/rpc_port/username/password); connecting to it
		// is the anchor-chain indexer's job, an external collaborator this
		// repository does not implement (spec §1).
		log.Warnf("burnchain.mode %q requires an external anchor-chain indexer; falling back to mocknet", n.cfg.Burnchain.Mode)
		mn = mocknet.New(2 * time.Second)
		source = mn
	}
	view, err := burnchain.NewView(source)
	return view, mn, err
}

// Start launches every registered service and blocks until an interrupt
// signal arrives, mirroring beacon-chain/node/node.go's Start.
func (n *StacksNode) Start() {
	n.lock.Lock()
	log.Info("Starting stacks node")

	if n.mocknetSource != nil {
		go n.mocknetSource.Run()
	}
	n.services.StartAll()

	if n.cfg.ExitAtBlockHeight > 0 {
		go n.watchExitHeight()
	}

	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.Infof("Already shutting down, interrupt %d more times to force.", i-1)
			}
		}
		os.Exit(1) // fatal: operator forced shutdown (spec §6 exit code 1).
	}()

	<-stop
}

// Close handles graceful shutdown of the system (spec §6 exit code 0).
func (n *StacksNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.mocknetSource != nil {
		n.mocknetSource.Stop()
	}
	n.services.StopAll()
	log.Info("Stopped stacks node")
	close(n.stop)
}

// watchExitHeight implements spec §6 "Exit codes": exit_at_block_height
// triggers a clean shutdown (code 0) once a processed Stacks block whose
// sortition lies at or above the named anchor height is published on the
// coordinator's canonical-tip feed. The anchor-chain tip height alone
// does not trigger it.
func (n *StacksNode) watchExitHeight() {
	tipChan := make(chan coordinator.CanonicalTipEvent, 8)
	sub := n.coord.CanonicalTipFeed().Subscribe(tipChan)
	defer sub.Unsubscribe()
	for ev := range tipChan {
		if ev.Height >= n.cfg.ExitAtBlockHeight {
			log.Infof("Reached exit_at_block_height %d, shutting down", n.cfg.ExitAtBlockHeight)
			n.Close()
			os.Exit(0)
		}
	}
}

func millisOrDefault(ms uint64, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func networkIDFor(mode config.BurnchainMode) uint32 {
	if mode == config.ModeMainnet {
		return 0x00000001
	}
	return 0x80000000 // testnet-class network id, distinct from mainnet's.
}
