package deepmem

import (
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/aphistic/sweet"
	"github.com/efritz/glock"
	. "github.com/onsi/gomega"
)

type ClientSuite struct{}

func (s *ClientSuite) TestSetGetRoundTrip(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = mapConn(map[string][]byte{})
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	Expect(client.Set("k", "hello")).To(BeNil())

	value, ok, err := client.Get("k")
	Expect(err).To(BeNil())
	Expect(ok).To(BeTrue())
	Expect(value).To(Equal("hello"))
}

func (s *ClientSuite) TestGetMissingKey(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	value, ok, err := client.Get("nope")
	Expect(err).To(BeNil())
	Expect(ok).To(BeFalse())
	Expect(value).To(BeNil())

	// A miss is a normal result; the connection goes back live.
	Expect(conn.CloseFuncCallCount).To(Equal(0))
	Expect(pool.ReleaseFuncCallParams[0].Arg0).To(BeIdenticalTo(conn))
}

func (s *ClientSuite) TestKeyNamespacing(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	client.keyFunc = makeKeyFunc("app")
	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	Expect(client.Set("k", 1)).To(BeNil())
	Expect(conn.SetFuncCallParams[0].Arg0).To(Equal("app:1:k"))

	Expect(client.Set("k", 1, WithVersion(3))).To(BeNil())
	Expect(conn.SetFuncCallParams[1].Arg0).To(Equal("app:3:k"))
}

func (s *ClientSuite) TestTTLOption(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	Expect(client.Set("k", 1)).To(BeNil())
	Expect(conn.SetFuncCallParams[0].Arg2).To(Equal(int32(0)))

	Expect(client.Set("k", 1, WithTTL(time.Millisecond*1500))).To(BeNil())
	Expect(conn.SetFuncCallParams[1].Arg2).To(Equal(int32(2)))
}

func (s *ClientSuite) TestAddReportsExistingKey(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	added, err := client.Add("k", "v")
	Expect(err).To(BeNil())
	Expect(added).To(BeTrue())

	conn.AddFunc = func(string, []byte, int32) (bool, error) { return false, nil }

	added, err = client.Add("k", "v")
	Expect(err).To(BeNil())
	Expect(added).To(BeFalse())
}

func (s *ClientSuite) TestDeleteMissingKeyIsNoop(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	Expect(client.Delete("nope")).To(BeNil())
	Expect(conn.CloseFuncCallCount).To(Equal(0))
}

func (s *ClientSuite) TestIncrMissingKey(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }
	conn.IncrFunc = func(string, uint64) (uint64, error) { return 0, ErrKeyNotFound }

	_, err := client.Incr("nope", 1)
	Expect(err).To(Equal(ErrKeyNotFound))

	// Not-found is an application result; the connection stays usable.
	Expect(conn.CloseFuncCallCount).To(Equal(0))
	Expect(pool.ReleaseFuncCallParams[0].Arg0).To(BeIdenticalTo(conn))
}

func (s *ClientSuite) TestIncrDecr(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }
	conn.IncrFunc = func(string, uint64) (uint64, error) { return 7, nil }
	conn.DecrFunc = func(string, uint64) (uint64, error) { return 5, nil }

	value, err := client.Incr("k", 2)
	Expect(err).To(BeNil())
	Expect(value).To(Equal(uint64(7)))

	value, err = client.Decr("k", 2)
	Expect(err).To(BeNil())
	Expect(value).To(Equal(uint64(5)))

	Expect(conn.IncrFuncCallParams[0].Arg1).To(Equal(uint64(2)))
}

func (s *ClientSuite) TestGetManyOmitsMissingKeys(t sweet.T) {
	var (
		pool    = NewMockPool()
		store   = map[string][]byte{}
		conn    = mapConn(store)
		client  = makeClient(pool, nil)
		payload = mustEncode("va")
	)

	store[":1:a"] = payload
	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	values, err := client.GetMany([]string{"a", "b"})
	Expect(err).To(BeNil())

	// Present keys come back under the caller's original name; absent
	// keys are omitted entirely.
	Expect(values).To(HaveLen(1))
	Expect(values["a"]).To(Equal("va"))

	// The whole batch ran on a single leased connection.
	Expect(pool.BorrowFuncCallCount).To(Equal(1))
	Expect(pool.ReleaseFuncCallCount).To(Equal(1))
}

func (s *ClientSuite) TestSetManyPerKeyWrites(t sweet.T) {
	var (
		pool   = NewMockPool()
		store  = map[string][]byte{}
		conn   = mapConn(store)
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	err := client.SetMany(map[string]interface{}{"a": "va", "b": "vb"})
	Expect(err).To(BeNil())
	Expect(conn.SetFuncCallCount).To(Equal(2))
	Expect(pool.BorrowFuncCallCount).To(Equal(1))
	Expect(store).To(HaveKey(":1:a"))
	Expect(store).To(HaveKey(":1:b"))
}

func (s *ClientSuite) TestSetManyMidBatchFailure(t sweet.T) {
	var (
		wireErr = errors.New("wire fault")
		pool    = NewMockPool()
		conn    = NewMockConn()
		client  = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }
	conn.SetFunc = func(string, []byte, int32) error {
		if conn.SetFuncCallCount > 1 {
			return wireErr
		}

		return nil
	}

	err := client.SetMany(map[string]interface{}{"a": "va", "b": "vb"})
	Expect(err).To(Equal(wireErr))

	// The broken connection does not go back to the pool.
	Expect(conn.CloseFuncCallCount).To(Equal(1))
	Expect(pool.ReleaseFuncCallParams[0].Arg0).To(BeNil())
}

func (s *ClientSuite) TestDeleteMany(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	Expect(client.DeleteMany([]string{"a", "b", "c"})).To(BeNil())
	Expect(conn.DeleteFuncCallCount).To(Equal(3))
	Expect(pool.BorrowFuncCallCount).To(Equal(1))
}

func (s *ClientSuite) TestClear(t sweet.T) {
	var (
		pool   = NewMockPool()
		conn   = NewMockConn()
		client = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }

	Expect(client.Clear()).To(BeNil())
	Expect(conn.FlushFuncCallCount).To(Equal(1))
}

func (s *ClientSuite) TestStaleConnectionRetry(t sweet.T) {
	var (
		pool   = NewMockPool()
		stale  = NewMockConn()
		fresh  = mapConn(map[string][]byte{":1:k": mustEncode("v")})
		conns  = []Conn{stale, fresh}
		client = makeClient(pool, nil)
	)

	stale.GetFunc = func(string) ([]byte, bool, error) { return nil, false, io.EOF }
	pool.BorrowFunc = func() (Conn, error) {
		conn := conns[0]
		conns = conns[1:]
		return conn, nil
	}

	value, ok, err := client.Get("k")
	Expect(err).To(BeNil())
	Expect(ok).To(BeTrue())
	Expect(value).To(Equal("v"))

	Expect(stale.CloseFuncCallCount).To(Equal(1))
	Expect(pool.ReleaseFuncCallParams[0].Arg0).To(BeNil())
	Expect(pool.ReleaseFuncCallParams[1].Arg0).To(BeIdenticalTo(fresh))
}

func (s *ClientSuite) TestStaleRetryIsBounded(t sweet.T) {
	var (
		pool   = NewMockPool()
		client = makeClient(pool, nil)
	)

	// Every borrowed connection is already dead. The retry happens
	// once; the second EOF surfaces instead of looping.
	pool.BorrowFunc = func() (Conn, error) {
		conn := NewMockConn()
		conn.GetFunc = func(string) ([]byte, bool, error) { return nil, false, io.EOF }
		return conn, nil
	}

	_, _, err := client.Get("k")
	Expect(err).To(Equal(io.EOF))
	Expect(pool.BorrowFuncCallCount).To(Equal(2))
}

func (s *ClientSuite) TestErrorClosesConnection(t sweet.T) {
	var (
		wireErr = errors.New("wire fault")
		pool    = NewMockPool()
		conn    = NewMockConn()
		client  = makeClient(pool, nil)
	)

	pool.BorrowFunc = func() (Conn, error) { return conn, nil }
	conn.GetFunc = func(string) ([]byte, bool, error) { return nil, false, wireErr }

	_, _, err := client.Get("k")
	Expect(err).To(Equal(wireErr))
	Expect(conn.CloseFuncCallCount).To(Equal(1))
	Expect(pool.ReleaseFuncCallParams[0].Arg0).To(BeNil())
}

func (s *ClientSuite) TestBorrowTimeout(t sweet.T) {
	var (
		timeout = time.Second
		pool    = NewMockPool()
		client  = makeClient(pool, &timeout)
	)

	pool.BorrowTimeoutFunc = func(time.Duration) (Conn, error) { return nil, ErrNoConnection }

	_, _, err := client.Get("k")
	Expect(err).To(Equal(ErrNoConnection))
	Expect(pool.BorrowTimeoutFuncCallCount).To(Equal(1))
	Expect(pool.BorrowFuncCallCount).To(Equal(0))
}

func (s *ClientSuite) TestFailoverToHealthyServer(t sweet.T) {
	var (
		attempts = map[string]int{}
		store    = map[string][]byte{}

		client = NewClient(
			[]string{"s1", "s2"},
			WithLogger(testLogger),
			withClock(glock.NewMockClock()),
			WithMaxPoolSize(2),
			WithServerDialer(func(addr string) (Conn, error) {
				attempts[addr]++
				if addr == "s1" {
					return nil, errRefused
				}

				return mapConn(store), nil
			}),
		)
	)

	Expect(client.Set("k", "v")).To(BeNil())

	value, ok, err := client.Get("k")
	Expect(err).To(BeNil())
	Expect(ok).To(BeTrue())
	Expect(value).To(Equal("v"))

	// If the refusing server was picked first it was tried exactly
	// once, blacklisted, and never retried.
	Expect(attempts["s1"]).To(BeNumerically("<=", 1))
	Expect(attempts["s2"]).To(Equal(1))
}

func (s *ClientSuite) TestTotalOutageFailsFast(t sweet.T) {
	client := NewClient(
		[]string{"s1", "s2"},
		WithLogger(testLogger),
		withClock(glock.NewMockClock()),
		WithServerDialer(func(addr string) (Conn, error) {
			return nil, errRefused
		}),
	)

	err := client.Set("k", "v")
	Expect(errors.Is(err, syscall.ECONNREFUSED)).To(BeTrue())
}

func (s *ClientSuite) TestNoServersConfigured(t sweet.T) {
	client := NewClient(
		nil,
		WithLogger(testLogger),
		WithServerDialer(func(addr string) (Conn, error) {
			return NewMockConn(), nil
		}),
	)

	_, _, err := client.Get("k")
	Expect(err).To(Equal(ErrNoServers))
}

func (s *ClientSuite) TestTTLSeconds(t sweet.T) {
	Expect(ttlSeconds(0)).To(Equal(int32(0)))
	Expect(ttlSeconds(-time.Second)).To(Equal(int32(0)))
	Expect(ttlSeconds(time.Millisecond * 10)).To(Equal(int32(1)))
	Expect(ttlSeconds(time.Second * 4)).To(Equal(int32(4)))
}

//
// Test Helpers

func makeClient(pool Pool, borrowTimeout *time.Duration) *client {
	return &client{
		pool:           pool,
		borrowTimeout:  borrowTimeout,
		codec:          NewMsgpackCodec(),
		keyFunc:        makeKeyFunc(""),
		defaultVersion: 1,
		defaultTTL:     0,
		logger:         testLogger,
	}
}

func mapConn(store map[string][]byte) *MockConn {
	conn := NewMockConn()

	conn.GetFunc = func(key string) ([]byte, bool, error) {
		value, ok := store[key]
		return value, ok, nil
	}

	conn.SetFunc = func(key string, value []byte, expiry int32) error {
		store[key] = value
		return nil
	}

	conn.DeleteFunc = func(key string) error {
		delete(store, key)
		return nil
	}

	return conn
}

func mustEncode(value interface{}) []byte {
	data, err := NewMsgpackCodec().Encode(value)
	if err != nil {
		panic(err.Error())
	}

	return data
}
