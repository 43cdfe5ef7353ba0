// Package backends opens a storage.Client for a profile's backend name.
package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/memstore"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/miniostore"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/s3store"
)

var (
	memMu     sync.Mutex
	memStores = make(map[string]*memstore.Store)
)

// Open is a storage.Opener covering every built-in backend. Memory stores are
// shared per account name for the lifetime of the process.
func Open(ctx context.Context, p storage.Profile) (storage.Client, error) {
	switch p.Backend {
	case "", storage.BackendS3:
		return s3store.New(ctx, p)
	case storage.BackendMinio:
		return miniostore.New(ctx, p)
	case storage.BackendMemory:
		return Memory(p.Name), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", p.Backend)
	}
}

// Memory returns the shared in-memory store of account.
func Memory(account string) *memstore.Store {
	memMu.Lock()
	defer memMu.Unlock()
	s, ok := memStores[account]
	if !ok {
		s = memstore.New()
		memStores[account] = s
	}
	return s
}
