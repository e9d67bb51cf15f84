// Package gate answers "may this peer post into this topic, right now"
// from locally cached, independently verified membership attestations.
// Unknown peers are never trusted; every failure mode degrades to deny.
package gate

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/skywalkerx28/chatM-sub000/internal/credential"
	"github.com/skywalkerx28/chatM-sub000/internal/topic"
)

const (
	DefaultNeighborCap     = 256
	DefaultGlobalCap       = 8192
	DefaultNegativeTTL     = 60 * time.Second
	DefaultStalenessCap    = 1800 * time.Second
	DefaultRequestInterval = 30 * time.Second
	DefaultPruneInterval   = 150 * time.Second
)

type Options struct {
	NeighborCap     int
	GlobalCap       int
	NegativeTTL     time.Duration
	StalenessCap    time.Duration
	RequestInterval time.Duration
	PruneInterval   time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// entry is one peer's cached attestation. Entries live in exactly one tier
// at a time and never leave the gate.
type entry struct {
	key        string
	prefix     topic.Prefix
	campusID   string
	expiry     time.Time
	verifiedAt time.Time
	lastAccess time.Time
}

type tier struct {
	cap   int
	items map[string]*list.Element
	order *list.List
}

func newTier(capacity int) *tier {
	return &tier{
		cap:   capacity,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

func (t *tier) get(key string) *list.Element {
	return t.items[key]
}

func (t *tier) touch(el *list.Element) {
	t.order.MoveToFront(el)
}

func (t *tier) insert(ent *entry) {
	if t.cap > 0 && len(t.items) >= t.cap {
		t.evict(len(t.items) - t.cap + 1)
	}
	t.items[ent.key] = t.order.PushFront(ent)
}

func (t *tier) remove(el *list.Element) *entry {
	ent := el.Value.(*entry)
	delete(t.items, ent.key)
	t.order.Remove(el)
	return ent
}

// evict drops the n least-recently-accessed entries.
func (t *tier) evict(n int) {
	for n > 0 {
		el := t.order.Back()
		if el == nil {
			return
		}
		t.remove(el)
		n--
	}
}

// Gate is the single source of truth for admission decisions. All state is
// behind one mutex: every public operation runs to completion without
// interleaving, which keeps each call individually atomic at the cost of
// serializing gate traffic. Per-call work is map lookups plus an
// O(capacity) trim only on overflow, fine for mesh message rates.
type Gate struct {
	mu       sync.Mutex
	neighbor *tier
	global   *tier
	limiters map[string]*requestLimiter

	// neg marks peers whose last verification failed; entries expire on
	// their own after NegativeTTL.
	neg *expirable.LRU[string, time.Time]

	negTTL          time.Duration
	staleness       time.Duration
	requestInterval time.Duration
	pruneInterval   time.Duration
	now             func() time.Time
	log             *slog.Logger
}

type requestLimiter struct {
	lim  *rate.Limiter
	last time.Time
}

func New(opts Options) *Gate {
	neighborCap := opts.NeighborCap
	if neighborCap <= 0 {
		neighborCap = DefaultNeighborCap
	}
	globalCap := opts.GlobalCap
	if globalCap <= 0 {
		globalCap = DefaultGlobalCap
	}
	negTTL := opts.NegativeTTL
	if negTTL <= 0 {
		negTTL = DefaultNegativeTTL
	}
	staleness := opts.StalenessCap
	if staleness <= 0 {
		staleness = DefaultStalenessCap
	}
	requestInterval := opts.RequestInterval
	if requestInterval <= 0 {
		requestInterval = DefaultRequestInterval
	}
	pruneInterval := opts.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = DefaultPruneInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		neighbor:        newTier(neighborCap),
		global:          newTier(globalCap),
		limiters:        make(map[string]*requestLimiter),
		neg:             expirable.NewLRU[string, time.Time](globalCap, nil, negTTL),
		negTTL:          negTTL,
		staleness:       staleness,
		requestInterval: requestInterval,
		pruneInterval:   pruneInterval,
		now:             now,
		log:             log,
	}
}

// AcceptAttestation records a verified attestation for peer. Neighbor-tier
// entries are refreshed in place; everything else lands in the global tier.
// This is the only path that creates or refreshes an entry, and it always
// clears any negative mark for the peer.
func (g *Gate) AcceptAttestation(peer string, att credential.Attestation) {
	if peer == "" || att.CampusID == "" {
		return
	}
	prefix := topic.CampusPrefix(att.CampusID)

	g.mu.Lock()
	now := g.now()
	if el := g.neighbor.get(peer); el != nil {
		ent := el.Value.(*entry)
		ent.prefix = prefix
		ent.campusID = att.CampusID
		ent.expiry = att.Expiry
		ent.verifiedAt = now
		ent.lastAccess = now
		g.neighbor.touch(el)
	} else if el := g.global.get(peer); el != nil {
		ent := el.Value.(*entry)
		ent.prefix = prefix
		ent.campusID = att.CampusID
		ent.expiry = att.Expiry
		ent.verifiedAt = now
		ent.lastAccess = now
		g.global.touch(el)
	} else {
		g.global.insert(&entry{
			key:        peer,
			prefix:     prefix,
			campusID:   att.CampusID,
			expiry:     att.Expiry,
			verifiedAt: now,
			lastAccess: now,
		})
	}
	g.mu.Unlock()

	g.neg.Remove(peer)
	g.log.Debug("attestation accepted", "peer", peer, "campus", att.CampusID, "expiry", att.Expiry)
}

// IsAllowed reports whether sender may participate in the topic. The entry
// must be unexpired, verified within the staleness cap, and attested for
// the topic's campus. Expired or stale hits are evicted on the spot; a miss
// in both tiers denies.
func (g *Gate) IsAllowed(id topic.ID, sender string) bool {
	if sender == "" {
		return false
	}
	prefix := id.Prefix()

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, t := range []*tier{g.neighbor, g.global} {
		el := t.get(sender)
		if el == nil {
			continue
		}
		ent := el.Value.(*entry)
		if now.After(ent.expiry) || now.Sub(ent.verifiedAt) > g.staleness {
			t.remove(el)
			return false
		}
		if ent.prefix != prefix {
			// Valid attestation, wrong campus. The entry stays; the
			// peer may still be legitimate elsewhere.
			return false
		}
		ent.lastAccess = now
		t.touch(el)
		return true
	}
	return false
}

// PromoteToNeighbor moves a known peer's entry into the neighbor tier.
// Called by the transport on connect; fields are carried over untouched.
func (g *Gate) PromoteToNeighbor(peer string) {
	if peer == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.neighbor.get(peer) != nil {
		return
	}
	el := g.global.get(peer)
	if el == nil {
		return
	}
	g.neighbor.insert(g.global.remove(el))
}

// DemoteToGlobal moves a neighbor entry back to the global tier on
// disconnect.
func (g *Gate) DemoteToGlobal(peer string) {
	if peer == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	el := g.neighbor.get(peer)
	if el == nil {
		return
	}
	if g.global.get(peer) != nil {
		g.neighbor.remove(el)
		return
	}
	g.global.insert(g.neighbor.remove(el))
}

// ShouldRequestAttestation reports whether the caller should send an
// attestation request to peer now. A recent verification failure suppresses
// requests outright; otherwise a per-peer limiter enforces the minimum
// request interval. A true result counts as the request being made.
func (g *Gate) ShouldRequestAttestation(peer string) bool {
	if peer == "" {
		return false
	}
	if _, marked := g.neg.Get(peer); marked {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rl := g.limiters[peer]
	if rl == nil {
		rl = &requestLimiter{lim: rate.NewLimiter(rate.Every(g.requestInterval), 1)}
		g.limiters[peer] = rl
	}
	rl.last = g.now()
	return rl.lim.Allow()
}

// MarkAttestationFailed records a failed verification so the peer is not
// re-queried until the negative mark expires.
func (g *Gate) MarkAttestationFailed(peer string) {
	if peer == "" {
		return
	}
	g.neg.Add(peer, g.now())
	g.log.Debug("attestation failed", "peer", peer)
}

// Prune drops expired and stale entries, retires idle request limiters,
// and re-applies capacity trims. It only bounds memory; IsAllowed evicts
// lazily regardless, so a missed cycle is harmless.
func (g *Gate) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, t := range []*tier{g.neighbor, g.global} {
		for el := t.order.Back(); el != nil; {
			prev := el.Prev()
			ent := el.Value.(*entry)
			if now.After(ent.expiry) || now.Sub(ent.verifiedAt) > g.staleness {
				t.remove(el)
			}
			el = prev
		}
		if t.cap > 0 && len(t.items) > t.cap {
			t.evict(len(t.items) - t.cap)
		}
	}
	for peer, rl := range g.limiters {
		if now.Sub(rl.last) > g.requestInterval {
			delete(g.limiters, peer)
		}
	}
	// Negative marks expire on their own TTL.
}

// Run prunes on a fixed interval until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Prune()
		}
	}
}

// NeighborLen and GlobalLen report tier sizes, mainly for tests and the
// status surface.
func (g *Gate) NeighborLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.neighbor.items)
}

func (g *Gate) GlobalLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.global.items)
}
