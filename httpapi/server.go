// Package httpapi implements the HTTP block service (spec §6 "External
// interfaces"), using gorilla/mux the way the teacher's shared/gateway
// package fronts its own JSON/HTTP surface with mux.Vars-based routing.
package httpapi

import (
	"encoding/json"
	"io/ioutil"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/blockstack/stacks-blockchain/chainstate"
)

var log = logrus.WithField("prefix", "httpapi")

// BlockReader is the narrow read contract onto chainstate.Store.
type BlockReader interface {
	GetStagingBlock(ibh chainstate.IndexBlockHash) (*chainstate.StagingBlock, error)
	MicroblocksForAnchor(anchorConsensusHash [20]byte, anchorBlockHash [32]byte) ([]chainstate.StagingMicroblock, error)
}

// Mempool is the narrow push contract onto the mempool (an external
// collaborator per spec §1 "the mempool (referenced only by its
// push/drain interface)").
type Mempool interface {
	AcceptTransaction(raw []byte) ([32]byte, error)
	AcceptMicroblock(raw []byte) ([32]byte, error)
}

// Evaluator is the narrow read contract onto the smart-contract VM (an
// external collaborator per spec §1 "the smart-contract VM (referenced
// only as 'the evaluator')"), used to answer GET /v2/accounts/{principal}.
type Evaluator interface {
	GetAccount(principal string, tip chainstate.IndexBlockHash, withProof bool) (AccountInfo, error)
}

// AccountInfo is the JSON shape GET /v2/accounts/{principal} returns.
type AccountInfo struct {
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
	Proof   string `json:"proof,omitempty"`
}

// InfoProvider answers GET /v2/info.
type InfoProvider interface {
	NodeInfo() NodeInfo
}

// NodeInfo is the JSON shape GET /v2/info returns: canonical tips and
// heights (spec §6).
type NodeInfo struct {
	BurnBlockHeight       uint64 `json:"burn_block_height"`
	StableBurnBlockHeight uint64 `json:"stable_burn_block_height"`
	StacksTipHeight       uint64 `json:"stacks_tip_height"`
	StacksTip             string `json:"stacks_tip"`
	ConsensusHash         string `json:"consensus_tip"`
}

// Config wires the server's collaborators together.
type Config struct {
	Blocks    BlockReader
	Mempool   Mempool
	Evaluator Evaluator
	Info      InfoProvider
}

// Server is the HTTP block service.
type Server struct {
	cfg    Config
	router *mux.Router
	http   *http.Server
}

// New builds a Server bound to addr, with routes registered but not yet
// listening.
func New(addr string, cfg Config) *Server {
	s := &Server{cfg: cfg, router: mux.NewRouter()}
	s.routes()
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/v2/blocks/{index_block_hash}", s.handleGetBlock).Methods(http.MethodGet)
	s.router.HandleFunc("/v2/microblocks/confirmed/{index_block_hash}", s.handleGetConfirmedMicroblocks).Methods(http.MethodGet)
	s.router.HandleFunc("/v2/transactions", s.handlePostTransaction).Methods(http.MethodPost)
	s.router.HandleFunc("/v2/microblocks", s.handlePostMicroblock).Methods(http.MethodPost)
	s.router.HandleFunc("/v2/info", s.handleInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/v2/accounts/{principal}", s.handleAccount).Methods(http.MethodGet)
}

// ListenAndServe starts serving, blocking until the listener fails or
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Infof("HTTP block service listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.http.Close()
}

// Start implements shared.Service, running the listener in a goroutine so
// node startup is never blocked by it.
func (s *Server) Start() {
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP block service stopped: %v", err)
		}
	}()
}

// Stop implements shared.Service.
func (s *Server) Stop() error {
	return s.Shutdown()
}

// Status implements shared.Service; the HTTP server has no independent
// health signal beyond "is it still listening", which ListenAndServe's
// error already reports via its log line.
func (s *Server) Status() error {
	return nil
}

func parseIndexBlockHash(r *http.Request, name string) (chainstate.IndexBlockHash, bool) {
	raw := mux.Vars(r)[name]
	if len(raw) != 64 {
		return chainstate.IndexBlockHash{}, false
	}
	var ibh chainstate.IndexBlockHash
	n, err := decodeHex(raw, ibh[:])
	if err != nil || n != len(ibh) {
		return chainstate.IndexBlockHash{}, false
	}
	return ibh, true
}

func decodeHex(s string, dst []byte) (int, error) {
	if len(s) != len(dst)*2 {
		return 0, errInvalidHex
	}
	for i := 0; i < len(dst); i++ {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return 0, errInvalidHex
		}
		dst[i] = hi<<4 | lo
	}
	return len(dst), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

var errInvalidHex = jsonError("invalid hex encoding")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	ibh, ok := parseIndexBlockHash(r, "index_block_hash")
	if !ok {
		http.Error(w, "malformed index_block_hash", http.StatusBadRequest)
		return
	}
	b, err := s.cfg.Blocks.GetStagingBlock(ibh)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(b.Data)
}

func (s *Server) handleGetConfirmedMicroblocks(w http.ResponseWriter, r *http.Request) {
	ibh, ok := parseIndexBlockHash(r, "index_block_hash")
	if !ok {
		http.Error(w, "malformed index_block_hash", http.StatusBadRequest)
		return
	}
	b, err := s.cfg.Blocks.GetStagingBlock(ibh)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	stream, err := s.cfg.Blocks.MicroblocksForAnchor(b.ConsensusHash, b.BlockHash)
	if err != nil || len(stream) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	for _, m := range stream {
		lenBuf := []byte{
			byte(len(m.Data) >> 24), byte(len(m.Data) >> 16),
			byte(len(m.Data) >> 8), byte(len(m.Data)),
		}
		w.Write(lenBuf)
		w.Write(m.Data)
	}
}

func (s *Server) handlePostTransaction(w http.ResponseWriter, r *http.Request) {
	raw, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}
	txid, err := s.cfg.Mempool.AcceptTransaction(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"txid": hexEncode(txid[:])})
}

func (s *Server) handlePostMicroblock(w http.ResponseWriter, r *http.Request) {
	raw, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read request body", http.StatusBadRequest)
		return
	}
	hash, err := s.cfg.Mempool.AcceptMicroblock(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"microblock_hash": hexEncode(hash[:])})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.Info.NodeInfo())
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	principal := mux.Vars(r)["principal"]
	withProof := r.URL.Query().Get("proof") == "1"
	var tip chainstate.IndexBlockHash
	if tipParam := r.URL.Query().Get("tip"); tipParam != "" {
		if _, err := decodeHex(tipParam, tip[:]); err != nil {
			http.Error(w, "malformed tip", http.StatusBadRequest)
			return
		}
	}
	info, err := s.cfg.Evaluator.GetAccount(principal, tip, withProof)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, info)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Could not encode JSON response: %v", err)
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}
