package iface

// Conn abstracts a single, feature-minimal connection to one memcached
// server. A Conn is bound to the server it was dialed against and is
// never shared between concurrent operations.
type Conn interface {
	// Close the connection to the remote server.
	Close() error

	// Get fetches the value stored under key. A missing key is not an
	// error; it is reported as ok=false.
	Get(key string) (value []byte, ok bool, err error)

	// Set unconditionally stores value under key. An expiry of zero
	// means the entry never expires.
	Set(key string, value []byte, expiry int32) error

	// Add stores value under key only if the key is currently absent.
	// The boolean reports whether the value was stored.
	Add(key string, value []byte, expiry int32) (bool, error)

	// Delete removes the entry stored under key. Deleting a missing
	// key is a no-op.
	Delete(key string) error

	// Incr atomically adds delta to the decimal value stored under key
	// and returns the new value. A missing key is an error; bindings
	// must report it as the package's not-found error regardless of
	// how the underlying library signals it.
	Incr(key string, delta uint64) (uint64, error)

	// Decr atomically subtracts delta from the decimal value stored
	// under key and returns the new value. The value will not wrap
	// below zero. A missing key is an error, reported the same way as
	// for Incr.
	Decr(key string, delta uint64) (uint64, error)

	// Flush removes every entry from the server this connection is
	// bound to. Other configured servers are unaffected.
	Flush() error
}
