package overlay

import (
	"encoding/json"
	"fmt"

	"github.com/klingonmesh/meshnet/internal/keystore"
	"github.com/klingonmesh/meshnet/internal/storage"
)

// Storage namespaces scoping identity and per-peer bootstrap records within
// the shared db_dir (spec §6), grounded on the teacher's own prefix-scoped
// key layout (chain/wallet/token namespaces kept apart within one
// underlying database) — here scoping the identity keypair from the
// peer-list snapshot instead.
const (
	identityPrefix = "identity/"
	peerPrefix     = "peers/"

	storageKeyKey = "key"
)

// PeerRecord is one persisted registry snapshot entry, grounded on the
// teacher's PeerRecord (internal/p2p/peerstore.go) shape.
type PeerRecord struct {
	ID          string `json:"id"`
	Transport   string `json:"transport"`
	Addr        string `json:"addr"`
	AssistRelay string `json:"assist_relay,omitempty"`
	IsDirect    bool   `json:"is_direct"`
	IsStable    bool   `json:"is_stable"`
}

// LoadOrCreateIdentity loads the persisted identity keypair from db, or
// generates and saves a fresh one if absent or corrupt (spec §6: "If
// absent or invalid, a fresh Ed25519 keypair is generated and written").
func LoadOrCreateIdentity(db storage.DB) (*keystore.Identity, error) {
	idDB := storage.NewPrefixDB(db, []byte(identityPrefix))

	data, err := idDB.Get([]byte(storageKeyKey))
	if err == nil {
		if id, idErr := keystore.IdentityFromBytes(data); idErr == nil {
			return id, nil
		}
	}

	id, err := keystore.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("overlay: generate identity: %w", err)
	}
	if err := idDB.Put([]byte(storageKeyKey), id.Serialize()); err != nil {
		return nil, fmt.Errorf("overlay: persist identity: %w", err)
	}
	return id, nil
}

// SavePeerList serializes every Stable and DHT registry entry as a
// full bootstrap-hint descriptor (spec §6: "serialize Stable and DHT
// entries as (peer-descriptor, is_direct, is_stable) records"), one key per
// peer-id under the peers/ namespace. The prior snapshot is cleared first
// (PrefixDB.DeleteAll, key by key); the new records are then written in one
// batch, which commits atomically where the underlying DB supports
// batching. The clear and the write are two separate steps.
func SavePeerList(db storage.DB, r *Registry) error {
	peerDB := storage.NewPrefixDB(db, []byte(peerPrefix))
	if err := peerDB.DeleteAll(); err != nil {
		return fmt.Errorf("overlay: clear peer list: %w", err)
	}

	snapshot := r.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	batch := peerDB.NewBatch()
	for _, snap := range snapshot {
		rec := PeerRecord{
			ID:        snap.Peer.ID.Hex(),
			Transport: snap.Peer.Transport.String(),
			Addr:      snap.Peer.Addr,
			IsDirect:  snap.IsDirect,
			IsStable:  snap.IsStable,
		}
		if !snap.Peer.AssistRelay.IsZero() {
			rec.AssistRelay = snap.Peer.AssistRelay.Hex()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("overlay: marshal peer record: %w", err)
		}
		if err := batch.Put([]byte(snap.Peer.ID.Hex()), data); err != nil {
			return fmt.Errorf("overlay: batch peer record: %w", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("overlay: commit peer list: %w", err)
	}
	return nil
}

// LoadPeerList reads back persisted registry-snapshot entries as bootstrap
// hints. Records are not registry members until a fresh handshake
// succeeds (spec §6): the caller feeds the result to Registry.SetBootstrap.
func LoadPeerList(db storage.DB) ([]Peer, error) {
	peerDB := storage.NewPrefixDB(db, []byte(peerPrefix))

	var peers []Peer
	err := peerDB.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // corrupt entry, skip
		}
		id, err := keystore.PeerIDFromHex(rec.ID)
		if err != nil {
			return nil // corrupt entry, skip
		}
		peer := Peer{ID: id, Addr: rec.Addr}
		if tk, err := TransportKindFromString(rec.Transport); err == nil {
			peer.Transport = tk
		}
		if relay, err := keystore.PeerIDFromHex(rec.AssistRelay); err == nil {
			peer.AssistRelay = relay
		}
		peers = append(peers, peer)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: load peer list: %w", err)
	}
	return peers, nil
}
