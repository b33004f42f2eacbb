package overlay

import (
	"math/bits"
	"net"
	"strings"
	"sync"

	"github.com/klingonmesh/meshnet/internal/keystore"
)

// bucketSize bounds the length of each XOR-distance prefix bucket list,
// mirroring Kademlia's k. When a bucket list is full its oldest id is
// dropped from the list, but that id's registry entry is kept and lookups
// (Get, HelpDHT) scan every DHT entry, so the number of DHT entries is not
// bounded.
const bucketSize = 20

// numBuckets is one per possible leading-zero-bit count of a 256-bit
// distance (0..PeerIDSize*8).
const numBuckets = PeerIDSize*8 + 1

// category identifies which of the three disjoint registry sets a peer-id
// currently belongs to (I1: at most one at any instant).
type category int

const (
	catUnknown category = iota
	catDHT
	catStable
	catBlocked
)

// registryEntry is the state held for a single peer-id.
type registryEntry struct {
	peer        Peer
	cat         category
	conn        ConnType
	sessionSend chan<- SessionMessage
	streamSend  chan<- []byte
}

// Registry holds the three indices (DHT, Stable, Block) over PeerId,
// guarded by a single reader/writer lock per the concurrency discipline:
// never hold this lock across a channel send, and never hold it alongside
// the buffer's lock.
type Registry struct {
	mu      sync.RWMutex
	self    PeerID
	entries map[PeerID]*registryEntry
	buckets [numBuckets][]PeerID

	blockAddrs map[string]bool
	blockPeers map[PeerID]bool
	allowAddrs map[string]bool
	bootstrap  []Peer
}

// NewRegistry creates an empty registry for the given local peer-id.
func NewRegistry(self PeerID) *Registry {
	return &Registry{
		self:       self,
		entries:    make(map[PeerID]*registryEntry),
		blockAddrs: make(map[string]bool),
		blockPeers: make(map[PeerID]bool),
		allowAddrs: make(map[string]bool),
	}
}

// SetFilters installs the address/id-level allow and block lists.
func (r *Registry) SetFilters(allowlist, blocklist, allowPeers, blockPeers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range allowlist {
		r.allowAddrs[a] = true
	}
	for _, a := range blocklist {
		r.blockAddrs[a] = true
	}
	for _, s := range blockPeers {
		if id, err := keystore.PeerIDFromHex(s); err == nil {
			r.blockPeers[id] = true
		}
	}
	_ = allowPeers // the id-level allow list is accepted but not consulted anywhere
}

// SetBootstrap installs the bootstrap peer list consulted at start and on
// NetworkReboot.
func (r *Registry) SetBootstrap(peers []Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bootstrap = append([]Peer(nil), peers...)
}

// Bootstrap returns the configured bootstrap seeds.
func (r *Registry) Bootstrap() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Peer(nil), r.bootstrap...)
}

// IsBlockAddr reports whether addr (host:port) is blocklisted.
func (r *Registry) IsBlockAddr(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.blockAddrs[addr] {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for cidr := range r.blockAddrs {
		if !strings.Contains(cidr, "/") {
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err == nil && ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// IsBlockPeer reports whether id is blocklisted at the peer-id level or has
// been promoted to Blocked in the registry.
func (r *Registry) IsBlockPeer(id PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.blockPeers[id] {
		return true
	}
	e, ok := r.entries[id]
	return ok && e.cat == catBlocked
}

// AddDHT inserts a peer into the DHT index. It returns false if the peer-id
// is already present in any category. If the entry is Blocked, the caller
// MUST close the connection (I4).
func (r *Registry) AddDHT(id PeerID, peer Peer, sessionSend chan<- SessionMessage, streamSend chan<- []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.self {
		return false // I3: the DHT never contains self
	}
	if e, ok := r.entries[id]; ok {
		_ = e
		return false
	}

	r.entries[id] = &registryEntry{
		peer:        peer,
		cat:         catDHT,
		conn:        DirectConn(),
		sessionSend: sessionSend,
		streamSend:  streamSend,
	}
	r.addToBucket(id)
	return true
}

// SetHandles updates the transport handles of an existing entry without
// touching its category. Used when a peer was provisionally registered with
// nil handles (the inbound router's dedup-add, step 6) and its session is
// only spawned afterward — AddDHT itself is a no-op on an already-present
// id, so the real sessionSend/streamSend need a separate write.
func (r *Registry) SetHandles(id PeerID, sessionSend chan<- SessionMessage, streamSend chan<- []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.sessionSend = sessionSend
	e.streamSend = streamSend
	return true
}

// AddStable puts id into Stable with the given ConnType (direct or relay),
// replacing any existing entry; a DHT entry is also dropped from its
// k-bucket. Any Tmp buffer entry is left for the caller to remove.
func (r *Registry) AddStable(id PeerID, peer Peer, conn ConnType, sessionSend chan<- SessionMessage, streamSend chan<- []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.cat == catDHT {
		r.removeFromBucket(id)
	}
	r.entries[id] = &registryEntry{
		peer:        peer,
		cat:         catStable,
		conn:        conn,
		sessionSend: sessionSend,
		streamSend:  streamSend,
	}
}

// DhtToStable transitions id from DHT to Stable, preserving its transport
// handles. It is a no-op if id is not currently DHT.
func (r *Registry) DhtToStable(id PeerID, conn ConnType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.cat != catDHT {
		return false
	}
	r.removeFromBucket(id)
	e.cat = catStable
	e.conn = conn
	return true
}

// StableToDht transitions id from Stable back to DHT, preserving its
// transport handles. It is a no-op if id is not currently Stable.
func (r *Registry) StableToDht(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.cat != catStable {
		return false
	}
	e.cat = catDHT
	e.conn = DirectConn()
	r.addToBucket(id)
	return true
}

// UpgradeToDirect swaps a Stable-relay entry's ConnType to Direct in place,
// used by the relay-to-direct upgrade (spec §4.5).
func (r *Registry) UpgradeToDirect(id PeerID, sessionSend chan<- SessionMessage, streamSend chan<- []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.cat != catStable {
		return false
	}
	e.conn = DirectConn()
	e.sessionSend = sessionSend
	e.streamSend = streamSend
	return true
}

// Get returns the entry for id if present, else the closest known DHT peer
// with isExact=false (used for relay-forwarded requests).
func (r *Registry) Get(id PeerID) (sessionSend chan<- SessionMessage, streamSend chan<- []byte, isExact bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, present := r.entries[id]; present && e.cat != catBlocked {
		return e.sessionSend, e.streamSend, true, true
	}

	closest := r.closestLocked(id, 1, nil)
	if len(closest) == 0 {
		return nil, nil, false, false
	}
	e := r.entries[closest[0]]
	return e.sessionSend, e.streamSend, false, true
}

// HelpDHT returns the K nearest DHT peers to id, excluding id and self, for
// seeding the remote's routing table at handshake time.
func (r *Registry) HelpDHT(id PeerID) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.closestLocked(id, bucketSize, func(candidate PeerID) bool {
		return candidate != id
	})
	peers := make([]Peer, 0, len(ids))
	for _, pid := range ids {
		peers = append(peers, r.entries[pid].peer)
	}
	return peers
}

// closestLocked returns up to n DHT-category peer-ids closest to target,
// excluding any for which filter returns false. Caller must hold r.mu.
func (r *Registry) closestLocked(target PeerID, n int, filter func(PeerID) bool) []PeerID {
	type cand struct {
		id   PeerID
		dist PeerID
	}
	var candidates []cand
	for id, e := range r.entries {
		if e.cat != catDHT {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		candidates = append(candidates, cand{id: id, dist: id.Distance(target)})
	}
	// Simple insertion sort by distance; registries in this library are
	// small enough that this beats pulling in a sort dependency for one call site.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].dist.Less(candidates[j-1].dist); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]PeerID, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].id
	}
	return out
}

// StableAll returns session senders for every currently Stable peer.
func (r *Registry) StableAll() []chan<- SessionMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []chan<- SessionMessage
	for _, e := range r.entries {
		if e.cat == catStable {
			out = append(out, e.sessionSend)
		}
	}
	return out
}

// All returns session senders for every Stable or DHT peer (used by Gossip
// broadcast, which reaches Stable ∪ DHT).
func (r *Registry) All() []chan<- SessionMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []chan<- SessionMessage
	for _, e := range r.entries {
		if e.cat == catStable || e.cat == catDHT {
			out = append(out, e.sessionSend)
		}
	}
	return out
}

// DhtKeys returns the peer-ids currently held in the DHT index.
func (r *Registry) DhtKeys() []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PeerID
	for id, e := range r.entries {
		if e.cat == catDHT {
			out = append(out, id)
		}
	}
	return out
}

// PeerSnapshot is a persistence-facing view of one registry entry.
type PeerSnapshot struct {
	Peer     Peer
	IsDirect bool
	IsStable bool
}

// Snapshot returns a PeerSnapshot for every Stable or DHT entry, used by
// persist.go to serialize full bootstrap-hint descriptors across restarts.
func (r *Registry) Snapshot() []PeerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PeerSnapshot
	for _, e := range r.entries {
		if e.cat != catStable && e.cat != catDHT {
			continue
		}
		out = append(out, PeerSnapshot{Peer: e.peer, IsDirect: e.conn.Direct, IsStable: e.cat == catStable})
	}
	return out
}

// StableIDs returns the peer-ids currently Stable.
func (r *Registry) StableIDs() []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PeerID
	for id, e := range r.entries {
		if e.cat == catStable {
			out = append(out, id)
		}
	}
	return out
}

// IsRelay returns the relay session sender iff id is currently Stable-relay
// for us — used to trigger relay-to-direct upgrade on an incoming direct
// connection from that peer.
func (r *Registry) IsRelay(id PeerID) (chan<- SessionMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.cat != catStable || e.conn.Direct {
		return nil, false
	}
	return e.sessionSend, true
}

// PeerDisconnect evicts any entry whose socket address matches addr.
func (r *Registry) PeerDisconnect(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if e.peer.Addr == addr {
			r.removeFromBucket(id)
			delete(r.entries, id)
		}
	}
}

// Remove evicts id entirely, regardless of category.
func (r *Registry) Remove(id PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromBucket(id)
	delete(r.entries, id)
}

// Block marks id as permanently blocked (I4: supersedes all other state).
func (r *Registry) Block(id PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromBucket(id)
	r.entries[id] = &registryEntry{cat: catBlocked}
}

func (r *Registry) addToBucket(id PeerID) {
	idx := bucketIndex(r.self, id)
	if len(r.buckets[idx]) >= bucketSize {
		r.buckets[idx] = r.buckets[idx][1:] // evict oldest
	}
	r.buckets[idx] = append(r.buckets[idx], id)
}

func (r *Registry) removeFromBucket(id PeerID) {
	idx := bucketIndex(r.self, id)
	bucket := r.buckets[idx]
	for i, existing := range bucket {
		if existing == id {
			r.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// bucketIndex returns the k-bucket index for id relative to self: the
// number of leading zero bits in their XOR distance.
func bucketIndex(self, id PeerID) int {
	dist := self.Distance(id)
	count := 0
	for _, b := range dist {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
