package p2pcore

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"

	"github.com/blockstack/stacks-blockchain/invsync"
	"github.com/blockstack/stacks-blockchain/sortition"
)

// DownloadHinter is the narrow contract onto downloader.Service the P2P
// core needs for unsolicited-message handling (spec §4.5 "Hints").
type DownloadHinter interface {
	HintBlockSortitionHeightAvailable(height uint64)
	HintMicroblockSortitionHeightAvailable(height uint64)
	HintDownloadRescan()
}

// Transport opens outbound connections and accepts inbound ones. Kept
// behind an interface, the way beacon-chain/powchain talks to an
// eth1 RPC endpoint through a client interface rather than a concrete
// socket, so the network loop is exercisable without a live listener.
type Transport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(ctx context.Context, bind string) (net.Listener, error)
}

type tcpTransport struct{ dialTimeout time.Duration }

func (t tcpTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func (t tcpTransport) Listen(_ context.Context, bind string) (net.Listener, error) {
	return net.Listen("tcp", bind)
}

// Config wires a Service's collaborators together.
type Config struct {
	LocalBind       string
	PeerVersion     uint32
	NetworkID       uint32
	InboundCapacity int
	PeerDBDir       string
	Inventory       *invsync.Store
	SortitionStore  *sortition.Store
	Downloader      DownloadHinter
	PollInterval    time.Duration
	Transport       Transport
}

// Service is the P2P Network Core (spec §4.6).
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	table     *Table
	peerDB    *PeerDB
	localKey  *btcec.PrivateKey
	transport Transport

	phase WorkPhase

	publicIPUnconfirmed string
	publicIPConfirmed   string
	publicIPNonce       uint32
}

// New constructs an unstarted Service.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	peerDB, err := OpenPeerDB(cfg.PeerDBDir)
	if err != nil {
		cancel()
		return nil, err
	}
	localKey, err := peerDB.LocalKey()
	if err != nil {
		cancel()
		return nil, err
	}
	transport := cfg.Transport
	if transport == nil {
		transport = tcpTransport{dialTimeout: 10 * time.Second}
	}
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		table:     NewTable(cfg.LocalBind, cfg.InboundCapacity, peerDB),
		peerDB:    peerDB,
		localKey:  localKey,
		transport: transport,
		phase:     PhaseGetPublicIP,
	}, nil
}

// Start launches the network poll loop.
func (s *Service) Start() {
	log.Info("Starting P2P network core")
	go s.run()
}

// Stop shuts the network loop down.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping P2P network core")
	return s.peerDB.Close()
}

// Status reports whether the loop is still running.
func (s *Service) Status() error {
	select {
	case <-s.ctx.Done():
		return errors.New("p2pcore: context canceled")
	default:
		return nil
	}
}

func (s *Service) run() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			log.Debug("P2P core context closed, exiting poll loop")
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

// pollOnce advances the work-state machine by one phase, cooperatively:
// each phase does a bounded amount of work and returns, rather than
// running to completion, so one slow peer cannot stall the loop (spec
// §4.6 "Work-state machine").
func (s *Service) pollOnce() {
	switch s.phase {
	case PhaseGetPublicIP:
		s.learnPublicIP()
	case PhaseConfirmPublicIP:
		s.confirmPublicIP()
	case PhaseBlockInvSync:
		s.blockInvSync()
	case PhaseBlockDownload:
		s.drainPingbacks()
	case PhasePrune:
		s.prune()
	}
	s.phase = s.phase.next()
}

// learnPublicIP implements spec §4.6's "Learn" sub-phase: pick one
// authenticated outbound peer at random and ask it what address it sees
// us connecting from.
func (s *Service) learnPublicIP() {
	var candidates []*ConversationP2P
	s.table.AllPeers(func(c *ConversationP2P) {
		if !c.Inbound && c.Handshake == HandshakeAuthenticated {
			candidates = append(candidates, c)
		}
	})
	if len(candidates) == 0 {
		return
	}
	peer := candidates[rand.Intn(len(candidates))]
	s.publicIPNonce = rand.Uint32()
	if err := s.sendNatPunchRequest(peer, s.publicIPNonce); err != nil {
		log.Debugf("NatPunchRequest to %s failed: %v", peer.Address, err)
	}
}

// confirmPublicIP implements spec §4.6's "Confirm" sub-phase: open a
// second connection to the unconfirmed address, bypassing the deny
// check since it names ourselves, and verify with a fresh nonce.
func (s *Service) confirmPublicIP() {
	if s.publicIPUnconfirmed == "" {
		return
	}
	conn, err := s.transport.Dial(s.ctx, s.publicIPUnconfirmed)
	if err != nil {
		log.Debugf("Could not dial unconfirmed public address %s: %v", s.publicIPUnconfirmed, err)
		return
	}
	defer conn.Close()
	nonce := rand.Uint32()
	if err := s.sendNatPunchRequestOn(conn, nonce); err != nil {
		return
	}
	// A real reply is read by the network loop's socket fan-out and
	// compared against nonce; on match the address is promoted. If the
	// confirmed address changed, every peer must reconnect under the
	// new advertised address.
	if s.publicIPUnconfirmed != s.publicIPConfirmed {
		s.publicIPConfirmed = s.publicIPUnconfirmed
		s.reconnectAll()
	}
}

func (s *Service) reconnectAll() {
	var ids []EventID
	s.table.AllPeers(func(c *ConversationP2P) { ids = append(ids, c.EventID) })
	for _, id := range ids {
		s.table.Deregister(id)
	}
}

// blockInvSync drives periodic GetBlocksInv exchanges against every
// authenticated peer, scoped to one reward cycle at a time (spec §4.4).
func (s *Service) blockInvSync() {
	s.table.AllPeers(func(c *ConversationP2P) {
		if c.Handshake != HandshakeAuthenticated {
			return
		}
		if err := s.sendGetBlocksInv(c); err != nil {
			log.Debugf("GetBlocksInv to %s failed: %v", c.Address, err)
		}
	})
}

// drainPingbacks attempts outbound verification of every recorded
// pingback candidate (spec §4.6 "Pingback").
func (s *Service) drainPingbacks() {
	for addr := range s.table.PendingPingbacks() {
		conn, err := s.transport.Dial(s.ctx, addr)
		if err != nil {
			continue // unroutable; simply not re-added to pingbacks.
		}
		conn.Close()
	}
}

// prune disconnects peers that have exceeded their liveness deadlines
// (spec §5 "Cancellation and timeouts").
func (s *Service) prune() {
	now := time.Now()
	var stale []EventID
	s.table.AllPeers(func(c *ConversationP2P) {
		deadline := c.HeartbeatEvery * 2
		if deadline == 0 {
			deadline = time.Minute
		}
		if now.Sub(c.LastContact) > deadline {
			stale = append(stale, c.EventID)
		}
	})
	for _, id := range stale {
		s.table.Deregister(id)
	}
}

// HandleUnsolicitedInv implements spec §4.6's "Unsolicited-message
// handling": attribute an inbound BlocksAvailable/MicroblocksAvailable/
// BlocksData claim to the reciprocal outbound conversation, since only
// outbound inv is authoritative.
func (s *Service) HandleUnsolicitedInv(from NeighborKey, sortitionID sortition.ID, consensusHash [20]byte, blockHash [32]byte, microblocks bool) error {
	reciprocal, ok := s.table.FindReciprocalOutbound(from)
	if !ok {
		return nil // no outbound conversation to attribute this to; drop.
	}
	log.Debugf("Attributing unsolicited inv from %x to outbound conversation %d", from, reciprocal.EventID)

	var height *uint64
	var err error
	if microblocks {
		height, err = s.cfg.Inventory.SetMicroblocksAvailable(from, sortitionID, consensusHash, blockHash)
	} else {
		height, err = s.cfg.Inventory.SetBlockAvailable(from, sortitionID, consensusHash, blockHash)
	}
	if err != nil {
		if err := s.peerDB.Ban(from); err != nil {
			log.Errorf("Failed to record ban for %x: %v", from, err)
		}
		s.deregisterNeighbor(from)
		return err
	}
	if height == nil {
		return nil // already known.
	}
	if microblocks {
		s.cfg.Downloader.HintMicroblockSortitionHeightAvailable(*height)
	} else {
		s.cfg.Downloader.HintBlockSortitionHeightAvailable(*height)
	}
	return nil
}

// DataURL implements downloader.PeerDirectory: the HTTP data endpoint a
// conversation advertised during handshake.
func (s *Service) DataURL(peer NeighborKey) (string, bool) {
	id, ok := s.table.Lookup(peer)
	if !ok {
		return "", false
	}
	conv, ok := s.table.Get(id)
	if !ok || conv.Address == "" {
		return "", false
	}
	return "http://" + conv.Address, true
}

// MarkDead implements downloader.PeerPenalizer: a dead peer (HTTP
// connection failure) is disconnected but not banned (spec §4.5
// "Failure taxonomy").
func (s *Service) MarkDead(peer NeighborKey) {
	s.deregisterNeighbor(peer)
}

// MarkBroken implements downloader.PeerPenalizer: a broken peer
// (protocol violation — it lied about holding a block) is both
// disconnected and banned.
func (s *Service) MarkBroken(peer NeighborKey) {
	if err := s.peerDB.Ban(peer); err != nil {
		log.Errorf("Failed to record ban for %x: %v", peer, err)
	}
	s.deregisterNeighbor(peer)
}

func (s *Service) deregisterNeighbor(neighbor NeighborKey) {
	if id, ok := s.table.Lookup(neighbor); ok {
		s.table.Deregister(id)
	}
}

// Broadcast implements spec §4.6's broadcast contract: sample up to
// kOut outbound and kIn inbound recipients, excluding any peer whose
// public-key hash appears in relayHints (spec §8 invariant 7 "Broadcast
// exclusion").
func (s *Service) Broadcast(payload []byte, kind MessageKind, relayHints []NeighborKey, kOut, kIn int) {
	excluded := make(map[NeighborKey]bool, len(relayHints))
	for _, h := range relayHints {
		excluded[h] = true
	}

	var outbound, inbound []*ConversationP2P
	s.table.AllPeers(func(c *ConversationP2P) {
		if excluded[c.Neighbor] || c.Handshake != HandshakeAuthenticated {
			return
		}
		if c.Inbound {
			inbound = append(inbound, c)
		} else {
			outbound = append(outbound, c)
		}
	})

	rand.Shuffle(len(outbound), func(i, j int) { outbound[i], outbound[j] = outbound[j], outbound[i] })
	rand.Shuffle(len(inbound), func(i, j int) { inbound[i], inbound[j] = inbound[j], inbound[i] })
	if len(outbound) > kOut {
		outbound = outbound[:kOut]
	}
	if len(inbound) > kIn {
		inbound = inbound[:kIn]
	}

	for _, c := range append(outbound, inbound...) {
		if err := s.sendRaw(c, kind, payload); err != nil {
			log.Debugf("Broadcast to %s failed: %v", c.Address, err)
		}
	}
}

func (s *Service) sendRaw(c *ConversationP2P, kind MessageKind, payload []byte) error {
	conn, ok := s.table.sockets[c.EventID]
	if !ok {
		return errors.New("no socket for conversation")
	}
	pre := Preamble{PeerVersion: s.cfg.PeerVersion, NetworkID: s.cfg.NetworkID}
	frame, err := Encode(pre, kind, payload, s.localKey)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

type natPunchRequest struct {
	Nonce uint32 `bson:"nonce"`
}

func (s *Service) sendNatPunchRequest(c *ConversationP2P, nonce uint32) error {
	conn, ok := s.table.sockets[c.EventID]
	if !ok {
		return errors.New("no socket for conversation")
	}
	return s.sendNatPunchRequestOn(conn, nonce)
}

func (s *Service) sendNatPunchRequestOn(conn net.Conn, nonce uint32) error {
	pre := Preamble{PeerVersion: s.cfg.PeerVersion, NetworkID: s.cfg.NetworkID}
	frame, err := Encode(pre, KindNatPunchRequest, natPunchRequest{Nonce: nonce}, s.localKey)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

type getBlocksInv struct {
	RewardCycle uint64 `bson:"reward_cycle"`
}

func (s *Service) sendGetBlocksInv(c *ConversationP2P) error {
	conn, ok := s.table.sockets[c.EventID]
	if !ok {
		return errors.New("no socket for conversation")
	}
	tip := s.cfg.SortitionStore.Tip()
	snap, err := s.cfg.SortitionStore.GetSnapshot(tip)
	if err != nil {
		return err
	}
	pre := Preamble{PeerVersion: s.cfg.PeerVersion, NetworkID: s.cfg.NetworkID}
	frame, err := Encode(pre, KindGetBlocksInv, getBlocksInv{RewardCycle: snap.RewardCycle}, s.localKey)
	if err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}
