package deepmem

import (
	"github.com/bradfitz/gomemcache/memcache"

	"github.com/efritz/deepmem/iface"
)

type (
	// Conn abstracts a single, feature-minimal connection to one
	// memcached server.
	Conn = iface.Conn

	memcacheShim struct {
		client *memcache.Client
	}

	// DialFunc creates a connection to some healthy server or returns
	// an error.
	DialFunc func() (Conn, error)

	// ServerDialFunc creates a connection to one specific server. A
	// binding must apply the configured socket timeout to the client it
	// builds and must not return until the connection is established.
	ServerDialFunc func(addr string) (Conn, error)
)

// Build the dialer used by the pool. Each invocation picks a healthy
// server at random and attempts to connect. A connect timeout or a
// refused connection blacklists that server and moves on to the next
// pick; any other error aborts the attempt immediately. When no healthy
// server remains, the last connection error (if any) is surfaced so the
// caller sees why the cluster was drained.
func makeDialer(tracker *ServerTracker, dial ServerDialFunc, logger Logger) DialFunc {
	return func() (Conn, error) {
		var lastErr error
		for {
			addr, ok := tracker.Pick()
			if !ok {
				break
			}

			conn, err := dial(addr)
			if err == nil {
				return conn, nil
			}

			if !retryableDialError(err) {
				return nil, err
			}

			logger.Printf("Could not connect to %s (%s), blacklisting", addr, err.Error())
			tracker.Blacklist(addr)
			lastErr = err
		}

		if lastErr != nil {
			return nil, lastErr
		}

		return nil, ErrNoServers
	}
}

// The default ServerDialFunc, binding the gomemcache driver. The
// driver exposes a per-client socket timeout, so no process-global
// timeout state is touched. The ping forces the connect to happen
// here, inside the failover loop, instead of lazily on first use.
func makeServerDialer(config *clientConfig) ServerDialFunc {
	return func(addr string) (Conn, error) {
		client := memcache.New(addr)
		client.Timeout = config.socketTimeout

		if err := client.Ping(); err != nil {
			return nil, err
		}

		return &memcacheShim{client}, nil
	}
}

func (s *memcacheShim) Close() error {
	return s.client.Close()
}

func (s *memcacheShim) Get(key string) ([]byte, bool, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return item.Value, true, nil
}

func (s *memcacheShim) Set(key string, value []byte, expiry int32) error {
	return s.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expiry,
	})
}

func (s *memcacheShim) Add(key string, value []byte, expiry int32) (bool, error) {
	err := s.client.Add(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expiry,
	})

	if err == memcache.ErrNotStored {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

func (s *memcacheShim) Delete(key string) error {
	if err := s.client.Delete(key); err != memcache.ErrCacheMiss {
		return err
	}

	return nil
}

func (s *memcacheShim) Incr(key string, delta uint64) (uint64, error) {
	return s.wrapMiss(s.client.Increment(key, delta))
}

func (s *memcacheShim) Decr(key string, delta uint64) (uint64, error) {
	return s.wrapMiss(s.client.Decrement(key, delta))
}

func (s *memcacheShim) Flush() error {
	return s.client.FlushAll()
}

// Incrementing a missing key is signaled differently from one memcached
// library to the next. This shim is the translation boundary: whatever
// the driver reports for a missing key becomes ErrKeyNotFound so that
// callers only ever handle one failure shape.
func (s *memcacheShim) wrapMiss(value uint64, err error) (uint64, error) {
	if err == memcache.ErrCacheMiss {
		return 0, ErrKeyNotFound
	}

	return value, err
}
