// Package addrbook keeps the set of known peer endpoints, their attempt
// history and the ban list consulted before connecting.
package addrbook

import (
	"fmt"
	"net/netip"
	"time"
)

// Record is a known peer endpoint.
type Record struct {
	Addr        netip.AddrPort `json:"addr"`
	Source      netip.Addr     `json:"source"`
	LastSeen    time.Time      `json:"last_seen"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastSuccess time.Time      `json:"last_success"`
	Attempts    int            `json:"attempts"`
}

// IsValid reports whether the record names a dialable endpoint.
func (r Record) IsValid() bool {
	a := r.Addr.Addr()
	if !a.IsValid() || r.Addr.Port() == 0 {
		return false
	}
	return !a.IsUnspecified() && !a.IsMulticast()
}

// IsLocal reports whether the endpoint refers to this host or its link.
func (r Record) IsLocal() bool {
	a := r.Addr.Addr().Unmap()
	return a.IsLoopback() || a.IsUnspecified() || a.IsLinkLocalUnicast()
}

// Group returns the network group of the endpoint. At most one outbound
// connection is made per group.
func (r Record) Group() string {
	return GroupKey(r.Addr.Addr())
}

// GroupKey maps an address to its network group: the /16 for IPv4, the
// /32 for IPv6, or a fixed label for local and unroutable addresses.
func GroupKey(a netip.Addr) string {
	a = a.Unmap()
	switch {
	case !a.IsValid() || a.IsUnspecified():
		return "unroutable"
	case a.IsLoopback() || a.IsLinkLocalUnicast():
		return "local"
	case a.Is4():
		p, _ := a.Prefix(16)
		return p.String()
	default:
		p, _ := a.Prefix(32)
		return p.String()
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s (attempts=%d)", r.Addr, r.Attempts)
}

// BanRecord is a persisted ban entry.
type BanRecord struct {
	IP        netip.Addr `json:"ip"`
	Reason    string     `json:"reason"`
	Score     int        `json:"score"`      // Accumulated score at ban time
	BannedAt  int64      `json:"banned_at"`  // Unix timestamp
	ExpiresAt int64      `json:"expires_at"` // Unix timestamp (0 = permanent)
}

// IsExpired returns true if the ban has a non-zero expiry that has passed.
func (r *BanRecord) IsExpired() bool {
	return r.ExpiresAt > 0 && time.Now().Unix() >= r.ExpiresAt
}
