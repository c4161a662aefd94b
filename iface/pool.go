package iface

import "time"

// Pool abstracts a fixed-size memcached connection pool.
type Pool interface {
	// Close will drain all available connections from the pool.
	// Every live connection is closed. This method blocks.
	Close()

	// Borrow will block until a connection value is available in
	// the pool. If the slot is vacant, a new connection is dialed
	// in its place. A dial failure is returned to the caller; the
	// slot remains usable by subsequent borrows.
	Borrow() (Conn, error)

	// BorrowTimeout is like Borrow, but will fail with a no-connection
	// error if no value is returned to the pool before the given
	// timeout elapses.
	BorrowTimeout(timeout time.Duration) (Conn, error)

	// Release returns a connection to the pool. This method must
	// be called exactly once for each successful call to a Borrow
	// method. A connection which encountered an error should be
	// returned to the pool as a nil value.
	Release(conn Conn)
}
