package deepmem

import (
	"errors"
	"net"
	"syscall"

	"github.com/bradfitz/gomemcache/memcache"
)

var (
	// ErrNoConnection is returned when the borrow timeout elapses.
	ErrNoConnection = errors.New("no connection available in pool")

	// ErrNoServers is returned when every configured server is
	// currently blacklisted and no connection attempt was made.
	ErrNoServers = errors.New("no servers available")

	// ErrKeyNotFound is returned by Incr and Decr when the target key
	// does not exist on the remote server.
	ErrKeyNotFound = errors.New("key not found")
)

// Determine if a dial error warrants blacklisting the server and moving
// on to the next one. Only connect timeouts and refused connections
// qualify; anything else is propagated to the caller untouched. The
// driver reports its own connect timeouts with a type that does not
// implement net.Error, so it is matched separately.
func retryableDialError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var connectTimeoutErr *memcache.ConnectTimeoutError
	if errors.As(err, &connectTimeoutErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED)
}
