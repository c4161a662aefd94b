package deepmem

import (
	"math/rand"
	"sync"
	"time"

	"github.com/efritz/glock"
)

// ServerTracker remembers which of the configured servers recently
// failed to accept a connection. A failed server is excluded from
// selection for a fixed window and becomes eligible again purely by
// the clock; there is no background sweeper and no explicit recovery
// call.
type ServerTracker struct {
	addrs         []string
	blacklistTime time.Duration
	clock         glock.Clock
	blacklist     map[string]time.Time
	mutex         sync.Mutex
}

// NewServerTracker creates a tracker over a fixed set of server
// addresses. Servers blacklisted via Blacklist are skipped by Pick
// until blacklistTime has elapsed.
func NewServerTracker(addrs []string, blacklistTime time.Duration, clock glock.Clock) *ServerTracker {
	return &ServerTracker{
		addrs:         addrs,
		blacklistTime: blacklistTime,
		clock:         clock,
		blacklist:     map[string]time.Time{},
	}
}

// Pick returns one healthy server chosen uniformly at random. The
// random choice keeps retries from herding onto a single survivor. If
// every configured server is blacklisted this returns ok=false.
func (t *ServerTracker) Pick() (string, bool) {
	addr := chooseRandom(t.healthy())
	return addr, addr != ""
}

// Blacklist marks addr as unhealthy as of now. Re-blacklisting simply
// refreshes the timestamp, extending the exclusion window.
func (t *ServerTracker) Blacklist(addr string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.blacklist[addr] = t.clock.Now()
}

// Drop expired blacklist entries, then return the configured servers
// that remain unlisted. An entry expires strictly after blacklistTime.
func (t *ServerTracker) healthy() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.clock.Now()
	for addr, stamp := range t.blacklist {
		if now.Sub(stamp) > t.blacklistTime {
			delete(t.blacklist, addr)
		}
	}

	addrs := make([]string, 0, len(t.addrs))
	for _, addr := range t.addrs {
		if _, ok := t.blacklist[addr]; !ok {
			addrs = append(addrs, addr)
		}
	}

	return addrs
}

func chooseRandom(addrs []string) string {
	if len(addrs) == 0 {
		return ""
	}

	return addrs[rand.Intn(len(addrs))]
}
