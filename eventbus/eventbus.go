// Package eventbus forwards canonical-tip events to the configured
// event-observer HTTP endpoints (spec §1 "the event-observer HTTP
// fan-out" — an external collaborator; this package implements only the
// narrow push contract spec §6's `events_observer[]` option describes,
// not the observer side itself).
package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/config"
	"github.com/blockstack/stacks-blockchain/coordinator"
)

var log = logrus.WithField("prefix", "eventbus")

// TipFeed is the narrow subscription contract onto coordinator.Service,
// grounded on beacon-chain/blockchain/service.go's CanonicalBlockFeed
// consumers (e.g. validator/beacon/service.go's Subscribe pattern).
type TipFeed interface {
	CanonicalTipFeed() *event.Feed
}

// Service fans canonical-tip events out to every observer subscribed to
// the "new_block" key, POSTing a JSON payload to each endpoint.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	observers  []config.EventObserver
	feed       TipFeed
	sub        event.Subscription
	tipChan    chan coordinator.CanonicalTipEvent
	httpClient *http.Client
}

// tipPayload is the JSON body POSTed to each observer.
type tipPayload struct {
	IndexBlockHash string `json:"index_block_hash"`
	Height         uint64 `json:"height"`
}

// New constructs an unstarted Service.
func New(ctx context.Context, feed TipFeed, observers []config.EventObserver) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:        ctx,
		cancel:     cancel,
		observers:  observers,
		feed:       feed,
		tipChan:    make(chan coordinator.CanonicalTipEvent, 64),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start subscribes to the tip feed and begins forwarding events.
func (s *Service) Start() {
	if len(s.observers) == 0 {
		log.Debug("No events_observer[] configured, eventbus idle")
		return
	}
	s.sub = s.feed.CanonicalTipFeed().Subscribe(s.tipChan)
	go s.run()
}

// Stop unsubscribes from the tip feed.
func (s *Service) Stop() error {
	defer s.cancel()
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	return nil
}

// Status reports whether the feed subscription is still live.
func (s *Service) Status() error {
	if s.sub == nil {
		return nil
	}
	select {
	case err := <-s.sub.Err():
		return err
	default:
		return nil
	}
}

func (s *Service) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.tipChan:
			s.dispatch(ev)
		}
	}
}

func (s *Service) dispatch(ev coordinator.CanonicalTipEvent) {
	payload := tipPayload{
		IndexBlockHash: hexString(ev.IndexBlockHash[:]),
		Height:         ev.Height,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Warnf("Could not marshal canonical tip event: %v", err)
		return
	}
	for _, obs := range s.observers {
		if !subscribesTo(obs, "new_block") {
			continue
		}
		go s.post(obs.Endpoint, body)
	}
}

func (s *Service) post(endpoint string, body []byte) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Warnf("Could not build request for observer %s: %v", endpoint, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Debugf("Observer %s unreachable: %v", endpoint, err)
		return
	}
	resp.Body.Close()
}

func subscribesTo(obs config.EventObserver, key string) bool {
	if len(obs.Events) == 0 {
		return true // no filter means all events, matching an empty Events list's natural reading.
	}
	for _, e := range obs.Events {
		if e == key || e == "*" {
			return true
		}
	}
	return false
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
