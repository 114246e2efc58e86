package certcache

import (
	"sync"
	"sync/atomic"
)

// MintFunc produces a fresh leaf for a host on cache miss.
type MintFunc func(host string) (*Leaf, error)

// Fetcher serializes minting per host. Two concurrent requests for the same
// uncached host result in exactly one mint: the first arrival holds the host
// lock through the mint, followers block on it and then hit the cache.
type Fetcher struct {
	cache Cache
	locks map[string]*sync.Mutex
	sync.Mutex

	mints atomic.Uint64
}

func NewFetcher(cache Cache) *Fetcher {
	return &Fetcher{
		cache: cache,
		locks: map[string]*sync.Mutex{},
	}
}

func (f *Fetcher) Fetch(host string, mint MintFunc) (*Leaf, error) {
	host = NormalizeHost(host)

	hostLock := f.hostLock(host)
	hostLock.Lock()
	defer hostLock.Unlock()

	if leaf := f.cache.Get(host); leaf != nil {
		return leaf, nil
	}

	leaf, err := mint(host)
	if err != nil {
		return nil, err
	}

	f.mints.Add(1)
	f.cache.Put(host, leaf)
	return leaf, nil
}

// Cache exposes the wrapped backend for administrative operations.
func (f *Fetcher) Cache() Cache {
	return f.cache
}

// Mints reports how many leaves this process has minted.
func (f *Fetcher) Mints() uint64 {
	return f.mints.Load()
}

func (f *Fetcher) hostLock(host string) *sync.Mutex {
	// Only one host lock should be generated at one time
	f.Lock()
	defer f.Unlock()

	lock, ok := f.locks[host]
	if !ok {
		lock = &sync.Mutex{}
		f.locks[host] = lock
	}
	return lock
}
