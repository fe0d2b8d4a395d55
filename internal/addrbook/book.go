package addrbook

import (
	"math/rand/v2"
	"net/netip"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-node/internal/log"
	"github.com/Klingon-tech/klingnet-node/internal/storage"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which an address gets banned.
	BanDuration  = 24 * time.Hour
)

// Penalty values for different offenses.
const (
	PenaltyMalformed     = 20  // Undecodable frame.
	PenaltyInvalidBlock  = 50  // Block failed validation.
	PenaltyHandshakeFail = 100 // Instant ban.
)

const (
	staleThreshold = 30 * 24 * time.Hour
	maxAddrs       = 10000
)

// Book is the address book. It is safe for concurrent use.
type Book struct {
	mu     sync.Mutex
	addrs  map[netip.AddrPort]*Record
	scores map[netip.Addr]int
	bans   map[netip.Addr]*BanRecord
	store  *store // nil disables persistence
	rng    *rand.Rand
	now    func() time.Time
}

// New creates an address book. db may be nil to keep everything in memory;
// otherwise persisted records and unexpired bans are loaded from it.
func New(db storage.DB) (*Book, error) {
	b := &Book{
		addrs:  make(map[netip.AddrPort]*Record),
		scores: make(map[netip.Addr]int),
		bans:   make(map[netip.Addr]*BanRecord),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6b6c696e67)),
		now:    time.Now,
	}
	if db == nil {
		return b, nil
	}
	b.store = &store{db: storage.NewPrefixDB(db, "addrbook/")}

	if n, err := b.store.pruneStale(staleThreshold); err != nil {
		return nil, err
	} else if n > 0 {
		klog.AddrBook.Debug().Int("count", n).Msg("Pruned stale addresses")
	}
	if _, err := b.store.pruneExpiredBans(); err != nil {
		return nil, err
	}

	recs, err := b.store.loadAddrs()
	if err != nil {
		return nil, err
	}
	for i := range recs {
		rec := recs[i]
		if rec.IsValid() {
			b.addrs[rec.Addr] = &rec
		}
	}
	bans, err := b.store.loadBans()
	if err != nil {
		return nil, err
	}
	for _, rec := range bans {
		if !rec.IsExpired() {
			b.bans[rec.IP] = rec
		}
	}
	klog.AddrBook.Info().
		Int("addresses", len(b.addrs)).
		Int("bans", len(b.bans)).
		Msg("Address book loaded")
	return b, nil
}

// Add records an endpoint learned from source. Invalid endpoints are
// ignored. It returns true if the endpoint was not previously known.
func (b *Book) Add(rec Record, source netip.Addr) bool {
	if !rec.IsValid() {
		return false
	}
	rec.Addr = netip.AddrPortFrom(rec.Addr.Addr().Unmap(), rec.Addr.Port())
	if rec.LastSeen.IsZero() {
		rec.LastSeen = b.now()
	}

	b.mu.Lock()
	existing, known := b.addrs[rec.Addr]
	if known {
		if rec.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = rec.LastSeen
		}
		rec = *existing
	} else {
		if len(b.addrs) >= maxAddrs {
			b.mu.Unlock()
			return false
		}
		rec.Source = source
		rec.LastAttempt, rec.LastSuccess, rec.Attempts = time.Time{}, time.Time{}, 0
		b.addrs[rec.Addr] = &rec
	}
	b.mu.Unlock()

	b.persist(rec)
	return !known
}

// Select returns a random known endpoint. bias (0-100) is the percentage
// chance of drawing from endpoints that have accepted a connection before
// rather than from never-reached ones.
func (b *Book) Select(bias int) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.addrs) == 0 {
		return Record{}, false
	}
	var tried, fresh []*Record
	for _, rec := range b.addrs {
		if b.bannedLocked(rec.Addr.Addr()) {
			continue
		}
		if rec.LastSuccess.IsZero() {
			fresh = append(fresh, rec)
		} else {
			tried = append(tried, rec)
		}
	}

	pool := fresh
	if len(tried) > 0 && (len(fresh) == 0 || b.rng.IntN(100) < bias) {
		pool = tried
	}
	if len(pool) == 0 {
		return Record{}, false
	}
	return *pool[b.rng.IntN(len(pool))], true
}

// Attempt records a connection attempt to ep.
func (b *Book) Attempt(ep netip.AddrPort) {
	b.mu.Lock()
	rec, ok := b.addrs[ep]
	if !ok {
		b.mu.Unlock()
		return
	}
	rec.LastAttempt = b.now()
	rec.Attempts++
	snapshot := *rec
	b.mu.Unlock()
	b.persist(snapshot)
}

// Good records a successful connection to ep.
func (b *Book) Good(ep netip.AddrPort) {
	b.mu.Lock()
	rec, ok := b.addrs[ep]
	if !ok {
		b.mu.Unlock()
		return
	}
	now := b.now()
	rec.LastSuccess = now
	rec.LastSeen = now
	rec.Attempts = 0
	snapshot := *rec
	b.mu.Unlock()
	b.persist(snapshot)
}

// Remove forgets ep.
func (b *Book) Remove(ep netip.AddrPort) {
	b.mu.Lock()
	delete(b.addrs, ep)
	b.mu.Unlock()
	if b.store != nil {
		if err := b.store.deleteAddr(ep); err != nil {
			klog.AddrBook.Warn().Err(err).Str("addr", ep.String()).Msg("Failed to delete address")
		}
	}
}

// Get returns the record for ep.
func (b *Book) Get(ep netip.AddrPort) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.addrs[ep]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of known endpoints.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.addrs)
}

func (b *Book) persist(rec Record) {
	if b.store == nil {
		return
	}
	if err := b.store.saveAddr(rec); err != nil {
		klog.AddrBook.Warn().Err(err).Str("addr", rec.Addr.String()).Msg("Failed to persist address")
	}
}

// RecordOffense adds a penalty score to ip. Once the cumulative score
// reaches BanThreshold the address is banned for BanDuration.
func (b *Book) RecordOffense(ip netip.Addr, penalty int, reason string) {
	ip = ip.Unmap()
	b.mu.Lock()
	if b.bannedLocked(ip) {
		b.mu.Unlock()
		return
	}
	b.scores[ip] += penalty
	score := b.scores[ip]
	b.mu.Unlock()

	if score >= BanThreshold {
		b.ban(ip, BanDuration, reason, score)
	}
}

// Ban bans ip for d. A zero duration bans permanently.
func (b *Book) Ban(ip netip.Addr, d time.Duration, reason string) {
	b.ban(ip.Unmap(), d, reason, 0)
}

func (b *Book) ban(ip netip.Addr, d time.Duration, reason string, score int) {
	now := b.now()
	rec := &BanRecord{
		IP:       ip,
		Reason:   reason,
		Score:    score,
		BannedAt: now.Unix(),
	}
	if d > 0 {
		rec.ExpiresAt = now.Add(d).Unix()
	}

	b.mu.Lock()
	b.bans[ip] = rec
	delete(b.scores, ip)
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.putBan(rec); err != nil {
			klog.AddrBook.Warn().Err(err).Msg("Failed to persist ban")
		}
	}
	klog.AddrBook.Warn().
		Str("ip", ip.String()).
		Str("reason", reason).
		Int("score", score).
		Msg("Address banned")
}

// IsBanned returns true if ip is currently banned.
func (b *Book) IsBanned(ip netip.Addr) bool {
	ip = ip.Unmap()
	b.mu.Lock()
	banned := b.bannedLocked(ip)
	b.mu.Unlock()
	return banned
}

// bannedLocked reports whether ip is banned, dropping an expired ban.
// Callers must hold b.mu.
func (b *Book) bannedLocked(ip netip.Addr) bool {
	rec, ok := b.bans[ip]
	if !ok {
		return false
	}
	if rec.IsExpired() {
		delete(b.bans, ip)
		if b.store != nil {
			b.store.deleteBan(ip)
		}
		return false
	}
	return true
}

// Unban manually removes a ban.
func (b *Book) Unban(ip netip.Addr) {
	ip = ip.Unmap()
	b.mu.Lock()
	delete(b.bans, ip)
	delete(b.scores, ip)
	b.mu.Unlock()

	if b.store != nil {
		b.store.deleteBan(ip)
	}
}

// BanList returns a snapshot of all active bans.
func (b *Book) BanList() []BanRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	var list []BanRecord
	for _, rec := range b.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop periodically prunes expired bans.
// Call in a goroutine. Stops when done channel is closed.
func (b *Book) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.pruneExpired()
		}
	}
}

func (b *Book) pruneExpired() {
	b.mu.Lock()
	for ip, rec := range b.bans {
		if rec.IsExpired() {
			delete(b.bans, ip)
		}
	}
	b.mu.Unlock()

	if b.store != nil {
		b.store.pruneExpiredBans()
	}
}
