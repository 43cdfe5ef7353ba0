package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

var log = slog.Default()

// Backend names accepted in Profile.Backend.
const (
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendMemory = "memory"
)

// Profile is the credential set for one named account.
type Profile struct {
	Name           string
	Backend        string
	AccessKey      string
	SecretKey      string
	Region         string
	EndpointURL    string
	ForcePathStyle bool
}

// Opener builds a client from a profile.
type Opener func(ctx context.Context, p Profile) (Client, error)

// Resolver maps account names to clients. Built clients are cached for ttl so
// rotated credentials are picked up without restarting the engine.
type Resolver struct {
	profiles map[string]Profile
	open     Opener
	cache    *ttlcache.Cache[string, Client]
	mu       sync.Mutex
}

// NewResolver returns a Resolver over profiles. A zero ttl keeps clients for
// the lifetime of the process.
func NewResolver(profiles []Profile, open Opener, ttl time.Duration) *Resolver {
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	return &Resolver{
		profiles: byName,
		open:     open,
		cache:    ttlcache.New(ttlcache.WithTTL[string, Client](ttl)),
	}
}

// Known reports whether account has a profile.
func (r *Resolver) Known(account string) bool {
	_, ok := r.profiles[account]
	return ok
}

// Profile returns the profile of account.
func (r *Resolver) Profile(account string) (Profile, bool) {
	p, ok := r.profiles[account]
	return p, ok
}

// Client returns the cached client for account, opening one when needed.
func (r *Resolver) Client(ctx context.Context, account string) (Client, error) {
	if item := r.cache.Get(account); item != nil {
		return item.Value(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if item := r.cache.Get(account); item != nil {
		return item.Value(), nil
	}

	p, ok := r.profiles[account]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	c, err := r.open(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open %s backend for account %q: %w", p.Backend, account, err)
	}
	r.cache.Set(account, c, ttlcache.DefaultTTL)
	log.Debug("storage client opened", "account", account, "backend", p.Backend)
	return c, nil
}

// Invalidate drops the cached client of account.
func (r *Resolver) Invalidate(account string) {
	r.cache.Delete(account)
}
