package iface

import "time"

type (
	// Client is a goroutine-safe, pooled memcached client with
	// blacklist-based failover across a fixed set of servers.
	Client interface {
		// Close will close all open connections to the remote servers.
		Close()

		// Get fetches the value stored under key. A missing key is not
		// an error; it is reported as ok=false so the caller can fall
		// back to a default of their choosing.
		Get(key string, opts ...CallOption) (value interface{}, ok bool, err error)

		// Add stores value under key only if the key is currently
		// absent. The boolean reports whether the value was stored.
		Add(key string, value interface{}, opts ...CallOption) (bool, error)

		// Set unconditionally stores value under key.
		Set(key string, value interface{}, opts ...CallOption) error

		// Delete removes the entry stored under key. Deleting a
		// missing key is a no-op.
		Delete(key string, opts ...CallOption) error

		// Incr adds delta to the decimal value stored under key and
		// returns the new value. A missing key is an error, signaled
		// uniformly no matter how the underlying driver reports it.
		Incr(key string, delta uint64, opts ...CallOption) (uint64, error)

		// Decr subtracts delta from the decimal value stored under key
		// and returns the new value. Missing keys behave as in Incr.
		Decr(key string, delta uint64, opts ...CallOption) (uint64, error)

		// GetMany fetches several keys over a single pooled connection.
		// The result maps the caller's original keys to the values that
		// were present; absent keys are omitted, not defaulted.
		GetMany(keys []string, opts ...CallOption) (map[string]interface{}, error)

		// SetMany stores several entries over a single pooled
		// connection, one driver call per entry. There is no cross-key
		// atomicity; a mid-batch failure leaves earlier writes in place.
		SetMany(data map[string]interface{}, opts ...CallOption) error

		// DeleteMany removes several entries over a single pooled
		// connection with the same per-key semantics as SetMany.
		DeleteMany(keys []string, opts ...CallOption) error

		// Clear flushes the server reached by the leased connection.
		// Unless the deployment runs a single server, entries held by
		// the other configured servers survive.
		Clear() error
	}

	// CallOptions bundles the per-call knobs shared by every verb.
	CallOptions struct {
		Version int
		TTL     time.Duration
	}

	// CallOption is a function used to configure a single client call.
	CallOption func(*CallOptions)
)

// WithVersion sets the key version for this call (overriding the
// client's default version).
func WithVersion(version int) CallOption {
	return func(o *CallOptions) { o.Version = version }
}

// WithTTL sets the entry expiry for this call (overriding the client's
// default TTL). A zero TTL stores the entry without expiry.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *CallOptions) { o.TTL = ttl }
}
