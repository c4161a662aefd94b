package deepmem

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bradhe/stopwatch"
	"github.com/efritz/glock"
	"github.com/efritz/overcurrent"

	"github.com/efritz/deepmem/iface"
)

type (
	// Client is a goroutine-safe, pooled memcached client with
	// blacklist-based failover across a fixed set of servers.
	Client = iface.Client

	// CallOptions bundles the per-call knobs shared by every verb.
	CallOptions = iface.CallOptions

	// CallOption is a function used to configure a single client call.
	CallOption = iface.CallOption

	// KeyFunc maps a caller's logical key and a version to the key
	// actually stored on the remote servers. The mapping must be
	// deterministic so that repeated calls address the same entry.
	KeyFunc func(key string, version int) string

	client struct {
		pool           Pool
		borrowTimeout  *time.Duration
		codec          Codec
		keyFunc        KeyFunc
		defaultVersion int
		defaultTTL     time.Duration
		logger         Logger
	}

	clientConfig struct {
		maxPoolSize    int
		blacklistTime  time.Duration
		socketTimeout  time.Duration
		serverDialer   ServerDialFunc
		codec          Codec
		keyPrefix      string
		keyFunc        KeyFunc
		defaultVersion int
		defaultTTL     time.Duration
		breakerFunc    BreakerFunc
		clock          glock.Clock
		borrowTimeout  *time.Duration
		logger         Logger
	}

	// ConfigFunc is a function used to initialize a new client.
	ConfigFunc func(*clientConfig)
)

// WithVersion sets the key version for a single call.
var WithVersion = iface.WithVersion

// WithTTL sets the entry expiry for a single call.
var WithTTL = iface.WithTTL

// NewClient creates a new Client over the given server addresses.
func NewClient(addrs []string, configs ...ConfigFunc) Client {
	config := &clientConfig{
		maxPoolSize:    35,
		blacklistTime:  time.Second * 60,
		socketTimeout:  time.Second * 4,
		serverDialer:   nil,
		codec:          NewMsgpackCodec(),
		keyPrefix:      "",
		keyFunc:        nil,
		defaultVersion: 1,
		defaultTTL:     0,
		breakerFunc:    noopBreakerFunc,
		clock:          glock.NewRealClock(),
		borrowTimeout:  nil,
		logger:         &defaultLogger{},
	}

	for _, f := range configs {
		f(config)
	}

	if config.serverDialer == nil {
		config.serverDialer = makeServerDialer(config)
	}

	if config.keyFunc == nil {
		config.keyFunc = makeKeyFunc(config.keyPrefix)
	}

	tracker := NewServerTracker(addrs, config.blacklistTime, config.clock)
	dialer := makeDialer(tracker, config.serverDialer, config.logger)

	return &client{
		pool: NewPool(
			dialer,
			config.maxPoolSize,
			config.logger,
			config.breakerFunc,
			config.clock,
		),
		borrowTimeout:  config.borrowTimeout,
		codec:          config.codec,
		keyFunc:        config.keyFunc,
		defaultVersion: config.defaultVersion,
		defaultTTL:     config.defaultTTL,
		logger:         config.logger,
	}
}

// WithMaxPoolSize sets the maximum number of concurrent connections
// that can be in use at once (default is 35).
func WithMaxPoolSize(size int) ConfigFunc {
	return func(c *clientConfig) { c.maxPoolSize = size }
}

// WithBlacklistTime sets how long a server stays excluded from
// selection after a failed connection attempt (default is 60 seconds).
func WithBlacklistTime(window time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.blacklistTime = window }
}

// WithSocketTimeout sets the socket timeout applied to every new
// connection, bounding the connect as well as each subsequent
// operation on that connection (default is 4 seconds).
func WithSocketTimeout(timeout time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.socketTimeout = timeout }
}

// WithServerDialer sets the function used to open a connection to one
// specific server. The default binds the gomemcache driver. A custom
// dialer owns the obligation to apply the configured socket timeout.
func WithServerDialer(dialer ServerDialFunc) ConfigFunc {
	return func(c *clientConfig) { c.serverDialer = dialer }
}

// WithCodec sets the codec used to serialize values (the default uses
// msgpack).
func WithCodec(codec Codec) ConfigFunc {
	return func(c *clientConfig) { c.codec = codec }
}

// WithKeyPrefix sets the namespace prefix baked into every stored key
// by the default key function (default is the empty string).
func WithKeyPrefix(prefix string) ConfigFunc {
	return func(c *clientConfig) { c.keyPrefix = prefix }
}

// WithKeyFunc replaces the key mapping entirely. This supersedes
// WithKeyPrefix.
func WithKeyFunc(f KeyFunc) ConfigFunc {
	return func(c *clientConfig) { c.keyFunc = f }
}

// WithDefaultVersion sets the key version used by calls that do not
// pass WithVersion (default is 1).
func WithDefaultVersion(version int) ConfigFunc {
	return func(c *clientConfig) { c.defaultVersion = version }
}

// WithDefaultTTL sets the expiry applied by calls that do not pass
// WithTTL (the default of zero stores entries without expiry).
func WithDefaultTTL(ttl time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.defaultTTL = ttl }
}

// WithBreaker sets the circuit breaker instance to use around new
// connections. The default uses a no-op circuit breaker.
func WithBreaker(breaker overcurrent.CircuitBreaker) ConfigFunc {
	return func(c *clientConfig) { c.breakerFunc = breaker.Call }
}

// WithBreakerRegistry sets the overcurrent registry to use and the
// name of the circuit breaker config to use around new connections.
// The default uses a no-op circuit breaker.
func WithBreakerRegistry(registry overcurrent.Registry, name string) ConfigFunc {
	return func(c *clientConfig) {
		c.breakerFunc = func(f overcurrent.BreakerFunc) error {
			return registry.Call(name, f, nil)
		}
	}
}

// WithBorrowTimeout sets the maximum time a call waits for pool
// capacity before failing with ErrNoConnection. The default waits
// without bound.
func WithBorrowTimeout(timeout time.Duration) ConfigFunc {
	return func(c *clientConfig) { c.borrowTimeout = &timeout }
}

// WithLogger sets the logger instance (the default will use Go's
// builtin logging library).
func WithLogger(logger Logger) ConfigFunc {
	return func(c *clientConfig) { c.logger = logger }
}

func withClock(clock glock.Clock) ConfigFunc {
	return func(c *clientConfig) { c.clock = clock }
}

// The default key mapping: prefix, version, and logical key joined by
// colons.
func makeKeyFunc(prefix string) KeyFunc {
	return func(key string, version int) string {
		return fmt.Sprintf("%s:%d:%s", prefix, version, key)
	}
}

//
// Client Implementation

func (c *client) Close() {
	c.pool.Close()
}

func (c *client) Get(key string, opts ...CallOption) (interface{}, bool, error) {
	var (
		options = c.callOptions(opts)
		raw     []byte
		ok      bool
	)

	err := c.withConn(func(conn Conn) error {
		var err error
		raw, ok, err = conn.Get(c.keyFunc(key, options.Version))
		return err
	})

	if err != nil || !ok {
		return nil, false, err
	}

	value, err := c.codec.Decode(raw)
	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

func (c *client) Add(key string, value interface{}, opts ...CallOption) (bool, error) {
	options := c.callOptions(opts)

	raw, err := c.codec.Encode(value)
	if err != nil {
		return false, err
	}

	added := false
	err = c.withConn(func(conn Conn) error {
		var err error
		added, err = conn.Add(c.keyFunc(key, options.Version), raw, ttlSeconds(options.TTL))
		return err
	})

	return added, err
}

func (c *client) Set(key string, value interface{}, opts ...CallOption) error {
	options := c.callOptions(opts)

	raw, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	return c.withConn(func(conn Conn) error {
		return conn.Set(c.keyFunc(key, options.Version), raw, ttlSeconds(options.TTL))
	})
}

func (c *client) Delete(key string, opts ...CallOption) error {
	options := c.callOptions(opts)

	return c.withConn(func(conn Conn) error {
		return conn.Delete(c.keyFunc(key, options.Version))
	})
}

func (c *client) Incr(key string, delta uint64, opts ...CallOption) (uint64, error) {
	options := c.callOptions(opts)

	value := uint64(0)
	err := c.withConn(func(conn Conn) error {
		var err error
		value, err = conn.Incr(c.keyFunc(key, options.Version), delta)
		return err
	})

	return value, err
}

func (c *client) Decr(key string, delta uint64, opts ...CallOption) (uint64, error) {
	options := c.callOptions(opts)

	value := uint64(0)
	err := c.withConn(func(conn Conn) error {
		var err error
		value, err = conn.Decr(c.keyFunc(key, options.Version), delta)
		return err
	})

	return value, err
}

func (c *client) GetMany(keys []string, opts ...CallOption) (map[string]interface{}, error) {
	options := c.callOptions(opts)

	conn, err := c.timedBorrow()
	if err != nil {
		return nil, err
	}

	// One driver call per key on a single leased connection. Results
	// are keyed by the caller's original key, not the stored one.
	raws := map[string][]byte{}
	for _, key := range keys {
		raw, ok, err := conn.Get(c.keyFunc(key, options.Version))
		if err != nil {
			c.release(conn, err)
			return nil, err
		}

		if ok {
			raws[key] = raw
		}
	}

	c.release(conn, nil)

	values := make(map[string]interface{}, len(raws))
	for key, raw := range raws {
		value, err := c.codec.Decode(raw)
		if err != nil {
			return nil, err
		}

		values[key] = value
	}

	return values, nil
}

func (c *client) SetMany(data map[string]interface{}, opts ...CallOption) error {
	options := c.callOptions(opts)

	// Encode everything before taking a connection so that a bad value
	// fails the call without touching the remote server.
	raws := make(map[string][]byte, len(data))
	for key, value := range data {
		raw, err := c.codec.Encode(value)
		if err != nil {
			return err
		}

		raws[c.keyFunc(key, options.Version)] = raw
	}

	conn, err := c.timedBorrow()
	if err != nil {
		return err
	}

	// A mid-batch failure leaves the earlier writes in place; there is
	// no cross-key atomicity on the wire.
	for key, raw := range raws {
		if err := conn.Set(key, raw, ttlSeconds(options.TTL)); err != nil {
			c.release(conn, err)
			return err
		}
	}

	c.release(conn, nil)
	return nil
}

func (c *client) DeleteMany(keys []string, opts ...CallOption) error {
	options := c.callOptions(opts)

	conn, err := c.timedBorrow()
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := conn.Delete(c.keyFunc(key, options.Version)); err != nil {
			c.release(conn, err)
			return err
		}
	}

	c.release(conn, nil)
	return nil
}

func (c *client) Clear() error {
	// The flush lands on whichever server the leased connection is
	// bound to. With several configured servers the other instances
	// keep their entries.
	return c.withConn(func(conn Conn) error {
		return conn.Flush()
	})
}

//
// Client Helper Functions

// Lease a connection, invoke f, and release the connection back to the
// pool on every exit path. If the connection turned out to be stale the
// operation is re-invoked once on another (possibly fresh) connection;
// a second stale connection fails the call.
func (c *client) withConn(f func(conn Conn) error) error {
	return c.withConnRetry(f, true)
}

func (c *client) withConnRetry(f func(conn Conn) error, retry bool) error {
	conn, err := c.timedBorrow()
	if err != nil {
		return err
	}

	err = f(conn)
	c.release(conn, err)

	if err != nil && retry && shouldRetry(err) {
		// The TCP connection to the remote server may have been
		// reaped by a proxy (depending on your network topology). If
		// we have an IO error, we can try again.
		c.logger.Printf("Connection from pool was stale, retrying")
		return c.withConnRetry(f, false)
	}

	return err
}

// Resolve the per-call options against the client's defaults.
func (c *client) callOptions(opts []CallOption) *CallOptions {
	options := &CallOptions{
		Version: c.defaultVersion,
		TTL:     c.defaultTTL,
	}

	for _, f := range opts {
		f(options)
	}

	return options
}

// Borrows and logs the time it took to return from blocking on the
// pool's borrow method.
func (c *client) timedBorrow() (Conn, error) {
	start := stopwatch.Start()
	conn, err := c.borrow()
	elapsed := start.Stop().Milliseconds()

	if err == nil {
		c.logger.Printf("Received connection after %vms", elapsed)
	} else {
		c.logger.Printf("Could not borrow connection after %vms", elapsed)
	}

	return conn, err
}

// Borrows from the pool using the correct method (depending on if
// a borrow timeout was configured on this client).
func (c *client) borrow() (Conn, error) {
	if c.borrowTimeout == nil {
		return c.pool.Borrow()
	}

	return c.pool.BorrowTimeout(*c.borrowTimeout)
}

// Close the connection on error and release it back to the pool.
// Bad connections never go back to the pool, so in the case that
// there was an error we return nil (if we do not do this on some
// code path then the capacity of the pool permanently decreases).
// A not-found result from Incr or Decr is an application-level
// answer, not a connection fault, so that connection stays usable.
func (c *client) release(conn Conn, err error) {
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		conn.Close()
		conn = nil
	}

	c.pool.Release(conn)
}

// Given an error, determine if we should try to re-invoke the
// operation on another (possibly fresh) connection.
func shouldRetry(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

// Expiry times cross the wire as whole seconds. Partial seconds round
// up so that a small positive TTL never turns into "no expiry".
func ttlSeconds(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}

	seconds := ttl / time.Second
	if ttl%time.Second > 0 {
		seconds++
	}

	return int32(seconds)
}
