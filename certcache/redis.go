package certcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Remote is the shared backend: one leaf per host in a Redis keyspace with a
// TTL matching the certificate expiry. It enforces no size bound of its own.
type Remote struct {
	client       *redis.Client
	prefix       string
	safetyMargin time.Duration
	opTimeout    time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

const remoteOpTimeout = 1 * time.Second

// NewRemote connects to the given Redis URL and verifies reachability with a
// ping. An unreachable backend is reported here so the caller can fall back
// to the in-process cache instead of failing the process.
func NewRemote(url, prefix string, safetyMargin time.Duration) (*Remote, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMargin
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Remote{
		client:       client,
		prefix:       prefix,
		safetyMargin: safetyMargin,
		opTimeout:    remoteOpTimeout,
	}, nil
}

func (r *Remote) key(host string) string {
	return r.prefix + NormalizeHost(host)
}

func (r *Remote) Get(host string) *Leaf {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(host)).Bytes()
	if err != nil {
		// Both a missing key and a backend error count as a miss; the
		// request path mints a fresh leaf either way.
		r.misses.Add(1)
		return nil
	}

	leaf, err := DecodeLeaf(data)
	if err != nil {
		// Corrupt or foreign-schema record: drop it so the next Put heals
		// the key.
		r.client.Del(ctx, r.key(host))
		r.misses.Add(1)
		return nil
	}

	if !leaf.ValidAt(time.Now(), r.safetyMargin) {
		r.misses.Add(1)
		return nil
	}

	r.hits.Add(1)
	return leaf
}

func (r *Remote) Put(host string, leaf *Leaf) {
	ttl := time.Until(leaf.NotAfter)
	if ttl <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	r.client.Set(ctx, r.key(host), EncodeLeaf(leaf), ttl)
}

func (r *Remote) Invalidate(host string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	r.client.Del(ctx, r.key(host))
}

func (r *Remote) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
	}
}

func (r *Remote) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	size := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		size++
	}

	return Stats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Size:    size,
		Backend: "remote",
	}
}

// Close releases the underlying connection pool.
func (r *Remote) Close() error {
	return r.client.Close()
}
