package overlay

import (
	"sync"
	"time"
)

// sweepWindow is the default age after which Tmp and Pending entries are
// reclaimed by timerClear (spec §4.4 suggested default).
const sweepWindow = 60 * time.Second

// pendingEntry is a single in-flight StableConnect or StableResult awaiting
// a reply, keyed by peer-id.
type pendingEntry struct {
	tid   uint64
	data  []byte
	added time.Time
}

// tmpEntry is a freshly handshaked peer awaiting an application decision to
// promote (upgrade) or demote (tmp_to_dht).
type tmpEntry struct {
	peer     Peer
	isDirect bool
	session  chan<- SessionMessage
	stream   chan<- []byte
	added    time.Time
}

// Buffer holds the three transient maps: Pending-connect, Pending-result,
// and Tmp. It is guarded by a single reader/writer lock per the
// concurrency discipline (never held across a channel send, never held
// alongside the registry's lock).
type Buffer struct {
	mu       sync.RWMutex
	connect  map[PeerID]*pendingEntry
	result   map[PeerID]*pendingEntry
	tmp      map[PeerID]*tmpEntry
	deadline time.Duration
}

// NewBuffer creates an empty buffer with the given sweep window.
func NewBuffer(deadline time.Duration) *Buffer {
	if deadline <= 0 {
		deadline = sweepWindow
	}
	return &Buffer{
		connect:  make(map[PeerID]*pendingEntry),
		result:   make(map[PeerID]*pendingEntry),
		tmp:      make(map[PeerID]*tmpEntry),
		deadline: deadline,
	}
}

// AddConnect records an outbound StableConnect in flight. It returns true
// iff an entry for id already existed — the caller then refrains from
// launching a new connection and waits for the outstanding one (I5).
func (b *Buffer) AddConnect(id PeerID, tid uint64, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.connect[id]
	if !existed {
		b.connect[id] = &pendingEntry{tid: tid, data: data, added: time.Now()}
	}
	return existed
}

// AddResult is the symmetric operation for outbound StableResult.
func (b *Buffer) AddResult(id PeerID, tid uint64, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, existed := b.result[id]
	if !existed {
		b.result[id] = &pendingEntry{tid: tid, data: data, added: time.Now()}
	}
	return existed
}

// AddTmp records a freshly handshaked peer awaiting an application decision.
func (b *Buffer) AddTmp(id PeerID, peer Peer, isDirect bool, session chan<- SessionMessage, stream chan<- []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tmp[id] = &tmpEntry{peer: peer, isDirect: isDirect, session: session, stream: stream, added: time.Now()}
}

// RemoveConnect pops and returns the pending connect entry for id, if any.
func (b *Buffer) RemoveConnect(id PeerID) (tid uint64, data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, present := b.connect[id]
	if !present {
		return 0, nil, false
	}
	delete(b.connect, id)
	return e.tid, e.data, true
}

// RemoveResult pops and returns the pending result entry for id, if any.
func (b *Buffer) RemoveResult(id PeerID) (tid uint64, data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, present := b.result[id]
	if !present {
		return 0, nil, false
	}
	delete(b.result, id)
	return e.tid, e.data, true
}

// RemoveTmp pops and returns the Tmp entry for id, if any.
func (b *Buffer) RemoveTmp(id PeerID) (peer Peer, isDirect bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, present := b.tmp[id]
	if !present {
		return Peer{}, false, false
	}
	delete(b.tmp, id)
	return e.peer, e.isDirect, true
}

// GetTmpSession peeks at the Tmp session sender for id without removing it.
func (b *Buffer) GetTmpSession(id PeerID) (chan<- SessionMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.tmp[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// HasConnect reports whether a pending connect entry exists for id.
func (b *Buffer) HasConnect(id PeerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.connect[id]
	return ok
}

// HasResult reports whether a pending result entry exists for id.
func (b *Buffer) HasResult(id PeerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.result[id]
	return ok
}

// SweptDelivery is a synthetic failure produced when timerClear reclaims an
// aged-out Pending entry.
type SweptDelivery struct {
	Kind DeliveryKind
	Tid  uint64
}

// TimerClear drops any Tmp or Pending entries older than the sweep window.
// Every dropped Pending entry synthesizes a failed Delivery for its tid.
func (b *Buffer) TimerClear() []SweptDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var swept []SweptDelivery

	for id, e := range b.connect {
		if now.Sub(e.added) >= b.deadline {
			delete(b.connect, id)
			swept = append(swept, SweptDelivery{Kind: DeliveryStableConnect, Tid: e.tid})
		}
	}
	for id, e := range b.result {
		if now.Sub(e.added) >= b.deadline {
			delete(b.result, id)
			swept = append(swept, SweptDelivery{Kind: DeliveryStableResult, Tid: e.tid})
		}
	}
	for id, e := range b.tmp {
		if now.Sub(e.added) >= b.deadline {
			delete(b.tmp, id)
		}
	}
	return swept
}
