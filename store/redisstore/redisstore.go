// Package redisstore is a store.Store backed by Redis.
//
// A namespace owns three keys: a hash with the values, a string holding the
// commit counter, and a pub/sub channel announcing new versions. Reads and
// commits run as Lua scripts, so each is atomic on the server. A commit is a
// compare-and-set on the counter: if another writer committed since the
// snapshot was read, the attempt is rejected and fn runs again.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/IvanBrykalov/prefcache/store"
)

var plog = logger.GetLogger("redis")

const (
	// DefaultNamespace prefixes every key the store touches.
	DefaultNamespace = "prefs"
	// DefaultMaxRetries bounds compare-and-set retries per Update.
	DefaultMaxRetries = 16
)

var readScript = redis.NewScript(2, `
local v = redis.call("GET", KEYS[2]) or "0"
local h = redis.call("HGETALL", KEYS[1])
return {v, h}
`)

// ARGV: expected version, cleared flag, delete count, deleted keys..., then
// field/value pairs to set. Returns the new version, or -1 on conflict.
var commitScript = redis.NewScript(2, `
local cur = tonumber(redis.call("GET", KEYS[2]) or "0")
if cur ~= tonumber(ARGV[1]) then
	return -1
end
if ARGV[2] == "1" then
	redis.call("DEL", KEYS[1])
end
local nd = tonumber(ARGV[3])
for i = 4, 3 + nd do
	redis.call("HDEL", KEYS[1], ARGV[i])
end
for i = 4 + nd, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
return redis.call("INCR", KEYS[2])
`)

// Options configures a Redis-backed store.
type Options struct {
	// Pool supplies connections. Required.
	Pool *redis.Pool
	// Namespace prefixes the store's keys.
	Namespace string
	// MaxRetries bounds how often a conflicting Update is re-run.
	MaxRetries int
}

// Store implements store.Store against a Redis server.
type Store struct {
	pool       *redis.Pool
	hashKey    string
	versionKey string
	channel    string
	maxRetries int

	mu     sync.RWMutex
	closed bool
	bc     *store.Broadcaster

	pscMu sync.Mutex
	psc   redis.PubSubConn
	done  chan struct{}
}

var _ store.Store = (*Store)(nil)

// NewPool returns a small connection pool dialing addr.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
	}
}

// Open connects the change listener and returns the store. The listener is
// subscribed before Open returns, so no commit after Open is missed.
func Open(opt Options) (*Store, error) {
	if opt.Pool == nil {
		return nil, errors.New("redisstore: nil pool")
	}
	if opt.Namespace == "" {
		opt.Namespace = DefaultNamespace
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}

	s := &Store{
		pool:       opt.Pool,
		hashKey:    opt.Namespace + ":values",
		versionKey: opt.Namespace + ":version",
		channel:    opt.Namespace + ":changes",
		maxRetries: opt.MaxRetries,
		bc:         store.NewBroadcaster(),
		done:       make(chan struct{}),
	}
	if err := s.subscribe(); err != nil {
		return nil, err
	}
	go s.listen()
	plog.Infof("redis store opened (namespace=%q)", opt.Namespace)
	return s, nil
}

// dial opens a connection outside the pool. The listener must not be a
// pooled connection: returning one to the pool drains pub/sub replies, which
// would race with the listener's own Receive.
func (s *Store) dial() (redis.Conn, error) {
	switch {
	case s.pool.DialContext != nil:
		return s.pool.DialContext(context.Background())
	case s.pool.Dial != nil:
		return s.pool.Dial()
	}
	return nil, errors.New("redisstore: pool has no dialer")
}

// subscribe opens a dedicated connection and waits for the SUBSCRIBE ack.
func (s *Store) subscribe() error {
	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("redisstore: dial listener: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(s.channel); err != nil {
		_ = conn.Close()
		return fmt.Errorf("redisstore: subscribe: %w", err)
	}
	for {
		switch v := psc.Receive().(type) {
		case redis.Subscription:
			if v.Kind != "subscribe" {
				continue
			}
			s.pscMu.Lock()
			defer s.pscMu.Unlock()
			select {
			case <-s.done:
				_ = conn.Close()
				return store.ErrClosed
			default:
			}
			s.psc = psc
			return nil
		case error:
			_ = conn.Close()
			return fmt.Errorf("redisstore: subscribe: %w", v)
		}
	}
}

func (s *Store) listener() redis.PubSubConn {
	s.pscMu.Lock()
	defer s.pscMu.Unlock()
	return s.psc
}

// listen turns change notifications into broadcasts. A broken connection is
// re-established with backoff until the store is closed.
func (s *Store) listen() {
	const minBackoff, maxBackoff = 50 * time.Millisecond, 5 * time.Second

	psc := s.listener()
	backoff := minBackoff
	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			backoff = minBackoff
			s.refresh()
		case error:
			select {
			case <-s.done:
				return
			default:
			}
			plog.Warningf("listener error: %v; reconnecting in %v", v, backoff)
			_ = psc.Close()
			if !s.resubscribe(&backoff, maxBackoff) {
				return
			}
			psc = s.listener()
			// Commits may have happened while disconnected.
			s.refresh()
		}
	}
}

// resubscribe retries subscribe until it succeeds (true) or the store is
// closed (false).
func (s *Store) resubscribe(backoff *time.Duration, maxBackoff time.Duration) bool {
	for {
		select {
		case <-s.done:
			return false
		case <-time.After(*backoff):
		}
		if *backoff < maxBackoff {
			*backoff *= 2
		}
		err := s.subscribe()
		if err == nil {
			return true
		}
		if errors.Is(err, store.ErrClosed) {
			return false
		}
		plog.Warningf("resubscribe failed: %v", err)
	}
}

func (s *Store) refresh() {
	snap, err := s.Snapshot(context.Background())
	if err != nil {
		if !errors.Is(err, store.ErrClosed) {
			plog.Warningf("refresh after change notification failed: %v", err)
		}
		return
	}
	s.bc.Publish(snap)
}

func (s *Store) read(conn redis.Conn) (store.Snapshot, error) {
	reply, err := redis.Values(readScript.Do(conn, s.hashKey, s.versionKey))
	if err != nil {
		return store.Snapshot{}, err
	}
	if len(reply) != 2 {
		return store.Snapshot{}, fmt.Errorf("redisstore: unexpected read reply of %d elements", len(reply))
	}
	version, err := redis.Uint64(reply[0], nil)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("redisstore: version: %w", err)
	}
	flat, err := redis.ByteSlices(reply[1], nil)
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return store.Snapshot{}, err
	}
	values := make(map[string][]byte, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		v := flat[i+1]
		if v == nil {
			v = []byte{}
		}
		values[string(flat[i])] = v
	}
	return store.NewSnapshot(version, values), nil
}

func (s *Store) Snapshot(ctx context.Context) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("redisstore: get conn: %w", err)
	}
	defer conn.Close()

	snap, err := s.read(conn)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("redisstore: snapshot: %w", err)
	}
	return snap, nil
}

// Update re-runs fn when another writer committed in between, and gives up
// with store.ErrConflict after MaxRetries attempts.
func (s *Store) Update(ctx context.Context, fn func(*store.Txn) error) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Snapshot{}, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}

	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("redisstore: get conn: %w", err)
	}
	defer conn.Close()

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		base, err := s.read(conn)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("redisstore: read: %w", err)
		}

		txn := store.NewTxn(base)
		if err := fn(txn); err != nil {
			return store.Snapshot{}, err
		}
		if !txn.Changed() {
			return base, nil
		}
		if err := ctx.Err(); err != nil {
			return store.Snapshot{}, err
		}

		version, err := redis.Int64(commitScript.Do(conn, commitArgs(s, base.Version(), txn.Diff())...))
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("redisstore: commit: %w", err)
		}
		if version < 0 {
			plog.Debugf("update conflict, attempt %d", attempt+1)
			continue
		}

		snap := txn.Apply(uint64(version))
		s.bc.Publish(snap)
		if _, err := conn.Do("PUBLISH", s.channel, version); err != nil {
			plog.Warningf("publish of version %d failed: %v", version, err)
		}
		return snap, nil
	}
	plog.Warningf("update gave up after %d conflicting attempts", s.maxRetries+1)
	return store.Snapshot{}, store.ErrConflict
}

func commitArgs(s *Store, expected uint64, d store.Diff) []interface{} {
	args := make([]interface{}, 0, 5+len(d.Deletes)+2*len(d.Sets))
	args = append(args, s.hashKey, s.versionKey, strconv.FormatUint(expected, 10))
	if d.Cleared {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	args = append(args, len(d.Deletes))
	for _, k := range d.Deletes {
		args = append(args, k)
	}
	for k, v := range d.Sets {
		args = append(args, k, v)
	}
	return args
}

func (s *Store) Watch(ctx context.Context) (<-chan store.Snapshot, error) {
	return s.bc.Subscribe(ctx, func() (store.Snapshot, error) {
		return s.Snapshot(context.Background())
	})
}

// Close stops the listener and closes watch channels. The pool belongs to
// the caller and is left open.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pscMu.Lock()
	close(s.done)
	_ = s.psc.Close()
	s.pscMu.Unlock()

	s.bc.Close()
	return nil
}
