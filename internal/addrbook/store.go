package addrbook

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/Klingon-tech/klingnet-node/internal/storage"
)

const (
	addrKeyPrefix     = "addr/"
	banKeyPrefix      = "ban/"
	maxPersistedAddrs = 2000
)

// store persists address and ban records in a storage.DB.
type store struct {
	db storage.DB
}

func addrKey(ep netip.AddrPort) []byte {
	return []byte(addrKeyPrefix + ep.String())
}

func banKey(ip netip.Addr) []byte {
	return []byte(banKeyPrefix + ip.String())
}

// saveAddr persists a record. New records are skipped once the store
// holds maxPersistedAddrs entries.
func (s *store) saveAddr(rec Record) error {
	key := addrKey(rec.Addr)
	exists, err := s.db.Has(key)
	if err != nil {
		return fmt.Errorf("check addr exists: %w", err)
	}
	if !exists {
		count, err := s.count(addrKeyPrefix)
		if err != nil {
			return err
		}
		if count >= maxPersistedAddrs {
			return nil
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal addr record: %w", err)
	}
	return s.db.Put(key, data)
}

func (s *store) loadAddrs() ([]Record, error) {
	var records []Record
	err := s.db.ForEach([]byte(addrKeyPrefix), func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil // Skip corrupt records.
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate addr records: %w", err)
	}
	return records, nil
}

func (s *store) deleteAddr(ep netip.AddrPort) error {
	return s.db.Delete(addrKey(ep))
}

// pruneStale removes address records not seen within threshold.
func (s *store) pruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	return s.prune(addrKeyPrefix, func(value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		return rec.LastSeen.Before(cutoff)
	})
}

func (s *store) putBan(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return s.db.Put(banKey(rec.IP), data)
}

func (s *store) deleteBan(ip netip.Addr) error {
	return s.db.Delete(banKey(ip))
}

func (s *store) loadBans() ([]*BanRecord, error) {
	var bans []*BanRecord
	err := s.db.ForEach([]byte(banKeyPrefix), func(key, value []byte) error {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		bans = append(bans, &rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate ban records: %w", err)
	}
	return bans, nil
}

// pruneExpiredBans removes expired and corrupt ban records.
func (s *store) pruneExpiredBans() (int, error) {
	return s.prune(banKeyPrefix, func(value []byte) bool {
		var rec BanRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		return rec.IsExpired()
	})
}

func (s *store) prune(prefix string, drop func(value []byte) bool) (int, error) {
	var toDelete [][]byte
	err := s.db.ForEach([]byte(prefix), func(key, value []byte) error {
		if drop(value) {
			toDelete = append(toDelete, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	for _, k := range toDelete {
		if err := s.db.Delete(k); err != nil {
			return 0, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(toDelete), nil
}

func (s *store) count(prefix string) (int, error) {
	count := 0
	err := s.db.ForEach([]byte(prefix), func(key, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", prefix, err)
	}
	return count, nil
}
