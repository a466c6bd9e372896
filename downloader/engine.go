package downloader

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/kevinms/leakybucket-go"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blockstack/stacks-blockchain/chainstate"
	"github.com/blockstack/stacks-blockchain/errutil"
	"github.com/blockstack/stacks-blockchain/invsync"
)

var log = logrus.WithField("prefix", "downloader")

const (
	sessionCacheSize  = 4096
	minBackoff        = 2 * time.Second
	maxBackoff        = 2 * time.Minute
	requestsPerSecond = 32
)

// Service runs the download cycle state machine as one goroutine, the way
// beacon-chain/sync/initial-sync/blocks_fetcher.go runs its own fetch loop
// as a single goroutine draining a request channel; here the "requests"
// are self-generated every cycle rather than pushed in from outside.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	rateLimiter *leakybucket.Collector
	dnsClient   *dns.Client
	dnsServer   string
	httpClient  *http.Client

	// sessionSeen deduplicates "already downloaded this session" (spec
	// §4.5 step 2), distinct from chainstate's durable HasBlock check.
	sessionSeen *lru.Cache

	mu      sync.Mutex
	backoff time.Duration
	rescan  chan struct{}

	dead   []invsync.PeerKey
	broken []invsync.PeerKey
}

// New constructs an unstarted Service.
func New(ctx context.Context, cfg *Config) (*Service, error) {
	ctx, cancel := context.WithCancel(ctx)
	seen, err := lru.New(sessionCacheSize)
	if err != nil {
		cancel()
		return nil, err
	}
	dnsConf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	dnsServer := "127.0.0.1:53"
	if err == nil && len(dnsConf.Servers) > 0 {
		dnsServer = net.JoinHostPort(dnsConf.Servers[0], dnsConf.Port)
	}
	return &Service{
		ctx:         ctx,
		cancel:      cancel,
		cfg:         cfg,
		rateLimiter: leakybucket.NewCollector(requestsPerSecond, requestsPerSecond*2, false),
		dnsClient:   &dns.Client{Timeout: cfg.DNSTimeout},
		dnsServer:   dnsServer,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		sessionSeen: seen,
		backoff:     minBackoff,
		rescan:      make(chan struct{}, 1),
	}, nil
}

// SetPeers wires the peer directory after construction, resolving the
// downloader/p2pcore bootstrap cycle (p2pcore.New itself needs a
// DownloadHinter, so the downloader must exist first).
func (s *Service) SetPeers(peers PeerDirectory) {
	s.cfg.Peers = peers
}

// SetPenalizer wires the peer penalizer after construction, for the same
// bootstrap-ordering reason as SetPeers.
func (s *Service) SetPenalizer(penalizer PeerPenalizer) {
	s.cfg.Penalizer = penalizer
}

// Start launches the download cycle loop.
func (s *Service) Start() {
	log.Info("Starting block downloader")
	go s.run()
}

// Stop terminates the cycle loop.
func (s *Service) Stop() error {
	defer s.cancel()
	log.Info("Stopping block downloader")
	return nil
}

// Status reports whether the loop is still running.
func (s *Service) Status() error {
	select {
	case <-s.ctx.Done():
		return errors.New("downloader: context canceled")
	default:
		return nil
	}
}

// HintBlockSortitionHeightAvailable and its siblings are the P2P core's
// entry points on unsolicited BlocksAvailable/MicroblocksAvailable/
// BlocksData arrival (spec §4.5 "Hints and backpressure"). Any hint
// resets the exponential backoff and wakes the loop early.
func (s *Service) HintBlockSortitionHeightAvailable(height uint64) { s.wake() }

// HintMicroblockSortitionHeightAvailable is the microblock-stream analogue.
func (s *Service) HintMicroblockSortitionHeightAvailable(height uint64) { s.wake() }

// HintDownloadRescan forces an immediate full rescan.
func (s *Service) HintDownloadRescan() { s.wake() }

func (s *Service) wake() {
	s.mu.Lock()
	s.backoff = minBackoff
	s.mu.Unlock()
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	for {
		select {
		case <-s.ctx.Done():
			log.Debug("Downloader context closed, exiting cycle loop")
			return
		default:
		}

		foundAnything, err := s.runCycle()
		if err != nil {
			log.Warnf("Download cycle error: %v", err)
		}

		wait := s.cfg.CycleInterval
		if !foundAnything {
			s.mu.Lock()
			wait = s.backoff
			s.backoff *= 2
			if s.backoff > maxBackoff {
				s.backoff = maxBackoff
			}
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.backoff = minBackoff
			s.mu.Unlock()
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.rescan:
		case <-time.After(wait):
		}
	}
}

// runCycle drains the six-state machine once, per spec §4.5's per-cycle
// work list. It returns whether anything new was found, to drive the
// backoff decision.
func (s *Service) runCycle() (bool, error) {
	s.dead = nil
	s.broken = nil

	state := DNSLookupBegin
	var keys []requestKey
	var resolved map[string][]string
	var blockKeys, microKeys []requestKey
	foundAnything := false

	for state != Done {
		switch state {
		case DNSLookupBegin:
			keys = s.scanAndBuildRequestKeys()
			if len(keys) == 0 {
				state = Done
				continue
			}
			state = DNSLookupFinish

		case DNSLookupFinish:
			var err error
			resolved, err = s.resolveHosts(keys)
			if err != nil {
				log.Debugf("DNS resolution incomplete: %v", err)
			}
			for _, k := range keys {
				if k.forMicroblocks {
					microKeys = append(microKeys, k)
				} else {
					blockKeys = append(blockKeys, k)
				}
			}
			state = GetBlocksBegin

		case GetBlocksBegin:
			got := s.dispatchBlocks(blockKeys, resolved)
			foundAnything = foundAnything || got
			state = GetBlocksFinish

		case GetBlocksFinish:
			state = GetMicroblocksBegin

		case GetMicroblocksBegin:
			got := s.dispatchMicroblocks(microKeys, resolved)
			foundAnything = foundAnything || got
			state = GetMicroblocksFinish

		case GetMicroblocksFinish:
			state = Done
		}
	}

	for _, p := range s.dead {
		s.cfg.Penalizer.MarkDead(p)
	}
	for _, p := range s.broken {
		s.cfg.Penalizer.MarkBroken(p)
	}
	return foundAnything, nil
}

// scanAndBuildRequestKeys implements spec §4.5 steps 1, 2, 4: scan a
// sortition-height window for peers believed to hold each block/stream,
// skip what is already stored or already seen this session, build
// request keys, shuffle, and dedupe by data_url.
func (s *Service) scanAndBuildRequestKeys() []requestKey {
	tip := s.cfg.SortitionStore.Tip()
	tipSnap, err := s.cfg.SortitionStore.GetSnapshot(tip)
	if err != nil {
		return nil
	}
	localBV := tipSnap.PoxBitvector

	seen := make(map[string]requestKey) // dedupe by data_url
	s.cfg.Inventory.ForEach(func(peer invsync.PeerKey, stats invsync.InvStats) {
		if !s.cfg.Inventory.Usable(peer, localBV) {
			return // PoX-divergent inventory is provisionally unusable (spec §4.4).
		}
		dataURL, ok := s.cfg.Peers.DataURL(peer)
		if !ok {
			return
		}
		lowHeight := uint64(0)
		if stats.LastUpdateHeight > s.cfg.ScanWindowHeight {
			lowHeight = stats.LastUpdateHeight - s.cfg.ScanWindowHeight
		}
		for h := lowHeight; h <= stats.LastUpdateHeight; h++ {
			snap, err := s.cfg.SortitionStore.GetAncestorSnapshot(h, tip)
			if err != nil || snap == nil || snap.Winner == nil {
				continue
			}
			if s.cfg.ChainstateStore.HasBlock(snap.ConsensusHash(), snap.Winner.StacksBlockHash) {
				continue
			}
			sessionKey := fmt.Sprintf("block:%x:%x", snap.ConsensusHash(), snap.Winner.StacksBlockHash)
			if _, ok := s.sessionSeen.Get(sessionKey); ok {
				continue
			}
			key := requestKey{
				peer:            peer,
				dataURL:         dataURL,
				consensusHash:   snap.ConsensusHash(),
				anchorBlockHash: snap.Winner.StacksBlockHash,
				sortitionHeight: h,
			}
			seen[dataURL+"|block|"+sessionKey] = key

			microKey := key
			microKey.forMicroblocks = true
			microSessionKey := "micro:" + sessionKey
			if _, ok := s.sessionSeen.Get(microSessionKey); !ok {
				seen[dataURL+"|micro|"+sessionKey] = microKey
			}
		}
	})

	keys := make([]requestKey, 0, len(seen))
	for _, k := range seen {
		keys = append(keys, k)
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// resolveHosts resolves every distinct data_url host via miekg/dns,
// concurrently, bounded by the configured timeout (spec §4.5 step 5).
func (s *Service) resolveHosts(keys []requestKey) (map[string][]string, error) {
	hosts := make(map[string]struct{})
	for _, k := range keys {
		u, err := parseHost(k.dataURL)
		if err == nil {
			hosts[u] = struct{}{}
		}
	}

	result := make(map[string][]string)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(s.ctx)
	for host := range hosts {
		host := host
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.DNSTimeout)
			defer cancel()
			addrs, err := s.resolveOne(ctx, host)
			if err != nil {
				return nil // a single bad host must not abort the whole cycle.
			}
			mu.Lock()
			result[host] = addrs
			mu.Unlock()
			return nil
		})
	}
	return result, g.Wait()
}

func (s *Service) resolveOne(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	resp, _, err := s.dnsClient.ExchangeContext(ctx, msg, s.dnsServer)
	if err != nil {
		return nil, errutil.NewRetryLocal(err)
	}
	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf("no A records for %s", host)
	}
	return addrs, nil
}

// dispatchBlocks implements spec §4.5 step 6 for anchored blocks: up to
// MaxInflight concurrent HTTP requests, rate-limited, classifying each
// response as accept/not-found/malformed/still-connecting.
func (s *Service) dispatchBlocks(keys []requestKey, resolved map[string][]string) bool {
	return s.dispatch(keys, resolved, func(k requestKey, body []byte) {
		s.cfg.Sink.AcceptBlock(FetchedBlock{
			ConsensusHash:   k.consensusHash,
			AnchorBlockHash: k.anchorBlockHash,
			SortitionHeight: k.sortitionHeight,
			Data:            body,
		})
		s.sessionSeen.Add(fmt.Sprintf("block:%x:%x", k.consensusHash, k.anchorBlockHash), true)
	}, "/v2/blocks/")
}

// dispatchMicroblocks implements spec §4.5 steps 6-7 for microblock
// streams: dispatch, then validate continuity before accepting.
func (s *Service) dispatchMicroblocks(keys []requestKey, resolved map[string][]string) bool {
	return s.dispatch(keys, resolved, func(k requestKey, body []byte) {
		stream, err := decodeMicroblockStream(body)
		if err != nil {
			// Invalid streams are discarded without banning: ambiguous
			// fault, per spec §4.5 "Failure taxonomy".
			log.Debugf("Discarding malformed microblock stream from %s: %v", k.dataURL, err)
			return
		}
		if err := chainstate.ValidateMicroblockContinuity(k.anchorBlockHash, streamToStaging(k, stream)); err != nil {
			log.Debugf("Discarding microblock stream with broken continuity: %v", err)
			return
		}
		s.cfg.Sink.AcceptMicroblocks(FetchedMicroblocks{
			ConsensusHash:   k.consensusHash,
			AnchorBlockHash: k.anchorBlockHash,
			SortitionHeight: k.sortitionHeight,
			Microblocks:     stream,
		})
		s.sessionSeen.Add("micro:"+fmt.Sprintf("block:%x:%x", k.consensusHash, k.anchorBlockHash), true)
	}, "/v2/microblocks/confirmed/")
}

func (s *Service) dispatch(keys []requestKey, resolved map[string][]string, onAccept func(requestKey, []byte), path string) bool {
	sem := make(chan struct{}, s.cfg.MaxInflight)
	var wg sync.WaitGroup
	var mu sync.Mutex
	found := false

	for _, k := range keys {
		host, err := parseHost(k.dataURL)
		if err != nil || len(resolved[host]) == 0 {
			continue // still-connecting / unresolved host: re-queue next cycle (spec §4.5 step 6).
		}
		k := k
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for s.rateLimiter.Add(1) == 0 {
				time.Sleep(10 * time.Millisecond)
			}
			body, outcome := s.fetch(k, path)
			switch outcome {
			case outcomeAccept:
				mu.Lock()
				found = true
				mu.Unlock()
				onAccept(k, body)
			case outcomeNotFound, outcomeMalformed:
				mu.Lock()
				s.broken = append(s.broken, k.peer)
				mu.Unlock()
			case outcomeConnFailed:
				mu.Lock()
				s.dead = append(s.dead, k.peer)
				mu.Unlock()
			case outcomeStillConnecting:
				// re-queue: next cycle's scan will pick this up again,
				// since nothing was marked stored or session-seen.
			}
		}()
	}
	wg.Wait()
	return found
}

type fetchOutcome int

const (
	outcomeAccept fetchOutcome = iota
	outcomeNotFound
	outcomeMalformed
	outcomeConnFailed
	outcomeStillConnecting
)

func (s *Service) fetch(k requestKey, path string) ([]byte, fetchOutcome) {
	ibh := chainstate.DeriveIndexBlockHash(k.consensusHash, k.anchorBlockHash)
	url := k.dataURL + path + fmt.Sprintf("%x", ibh[:])
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, outcomeMalformed
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, outcomeStillConnecting
		}
		return nil, outcomeConnFailed
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, outcomeNotFound
	case http.StatusOK:
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, outcomeMalformed
		}
		return body, outcomeAccept
	default:
		return nil, outcomeMalformed
	}
}

func parseHost(dataURL string) (string, error) {
	if u, err := url.Parse(dataURL); err == nil && u.Hostname() != "" {
		return u.Hostname(), nil
	}
	host, _, err := net.SplitHostPort(dataURL)
	if err != nil {
		return dataURL, nil
	}
	return host, nil
}

// decodeMicroblockStream splits a raw confirmed-microblocks HTTP body
// into individual microblock payloads. The wire format is a length-prefixed
// sequence, the same framing convention p2pcore's preamble uses for
// message bodies (spec §6).
func decodeMicroblockStream(body []byte) ([][]byte, error) {
	var out [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errors.New("truncated microblock length prefix")
		}
		n := int(body[0])<<24 | int(body[1])<<16 | int(body[2])<<8 | int(body[3])
		body = body[4:]
		if n < 0 || n > len(body) {
			return nil, errors.New("microblock length out of range")
		}
		out = append(out, body[:n])
		body = body[n:]
	}
	return out, nil
}

func streamToStaging(k requestKey, stream [][]byte) []chainstate.StagingMicroblock {
	out := make([]chainstate.StagingMicroblock, len(stream))
	for i, data := range stream {
		out[i] = chainstate.StagingMicroblock{
			Key: chainstate.MicroblockKey{
				AnchorConsensusHash: k.consensusHash,
				AnchorBlockHash:     k.anchorBlockHash,
			},
			Sequence: uint16(i),
			Data:     data,
		}
	}
	return out
}
