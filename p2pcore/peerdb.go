package p2pcore

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/boltdb/bolt"
	"github.com/btcsuite/btcd/btcec"

	"github.com/blockstack/stacks-blockchain/store"
)

var (
	denyListBucket = []byte("deny-list")
	localKeyBucket = []byte("local-key")

	localKeyKey = []byte("local-key")
)

// banRecord is the persisted state backing one peer's ban (spec §4.6
// "Ban": "sets a per-peer denied_until timestamp in the peer database,
// doubling on repeat offenses up to a cap").
type banRecord struct {
	DeniedUntil time.Time
	Offenses    int
}

const maxBanDuration = 24 * time.Hour

// PeerDB is the persisted half of peer state (spec §6 "persisted state
// layout": `<work_dir>/peer_db.sqlite` — a neighbor table, allow/deny
// lists, local peer key). This implementation persists to boltDB rather
// than sqlite: no sqlite driver survived the dependency trim (the
// teacher pack carries none), and the deny-list/local-key records are a
// pure key-value shape with no relational structure to exploit, so
// boltDB — already the ambient storage engine for sortition.db and
// chainstate.db — serves this just as well.
type PeerDB struct {
	db *store.Store
}

// OpenPeerDB opens (or creates) the peer database at dirPath/peer_db.
func OpenPeerDB(dirPath string) (*PeerDB, error) {
	db, err := store.Open(dirPath, "peer_db", denyListBucket, localKeyBucket)
	if err != nil {
		return nil, err
	}
	return &PeerDB{db: db}, nil
}

// IsDenied reports whether neighbor is currently under a ban.
func (p *PeerDB) IsDenied(neighbor NeighborKey) bool {
	rec, ok := p.get(neighbor)
	return ok && time.Now().Before(rec.DeniedUntil)
}

// Ban extends (never shortens) neighbor's denied_until, doubling the ban
// duration on repeat offenses up to maxBanDuration (spec §4.6 "Ban";
// spec §8 invariant 8 "Ban idempotence").
func (p *PeerDB) Ban(neighbor NeighborKey) error {
	rec, ok := p.get(neighbor)
	if !ok {
		rec = banRecord{}
	}
	rec.Offenses++
	duration := time.Minute << uint(rec.Offenses-1)
	if duration > maxBanDuration || duration <= 0 {
		duration = maxBanDuration
	}
	newUntil := time.Now().Add(duration)
	if newUntil.After(rec.DeniedUntil) {
		rec.DeniedUntil = newUntil
	}
	return p.put(neighbor, rec)
}

func (p *PeerDB) get(neighbor NeighborKey) (banRecord, bool) {
	var rec banRecord
	found := false
	p.db.Bolt().View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(denyListBucket).Get(neighbor[:])
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	})
	return rec, found
}

func (p *PeerDB) put(neighbor NeighborKey, rec banRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	return p.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(denyListBucket).Put(neighbor[:], buf.Bytes())
	})
}

// LocalKey loads the node's local private key, generating and persisting
// one on first run.
func (p *PeerDB) LocalKey() (*btcec.PrivateKey, error) {
	var raw []byte
	err := p.db.Bolt().View(func(tx *bolt.Tx) error {
		raw = tx.Bucket(localKeyBucket).Get(localKeyKey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw != nil {
		priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), raw)
		return priv, nil
	}
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}
	if err := p.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localKeyBucket).Put(localKeyKey, priv.Serialize())
	}); err != nil {
		return nil, err
	}
	return priv, nil
}

// RekeyLocal generates a fresh local key, persists it, and returns both
// the old and new keys so the caller can sign a final Handshake with the
// old key before switching (spec §4.6 "Rekey").
func (p *PeerDB) RekeyLocal() (oldKey, newKey *btcec.PrivateKey, err error) {
	oldKey, err = p.LocalKey()
	if err != nil {
		return nil, nil, err
	}
	newKey, err = btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, nil, err
	}
	if err := p.db.Bolt().Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localKeyBucket).Put(localKeyKey, newKey.Serialize())
	}); err != nil {
		return nil, nil, err
	}
	return oldKey, newKey, nil
}

// Close closes the underlying store.
func (p *PeerDB) Close() error { return p.db.Close() }
