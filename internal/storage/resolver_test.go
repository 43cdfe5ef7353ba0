package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient satisfies Client for identity checks only.
type stubClient struct {
	Client
	name string
}

func countingOpener(opened *atomic.Int32) Opener {
	return func(_ context.Context, p Profile) (Client, error) {
		opened.Add(1)
		if p.Backend == "broken" {
			return nil, errors.New("no endpoint")
		}
		return &stubClient{name: p.Name}, nil
	}
}

func TestResolverCachesClients(t *testing.T) {
	var opened atomic.Int32
	r := NewResolver([]Profile{{Name: "default", Backend: BackendS3}}, countingOpener(&opened), 0)

	var wg sync.WaitGroup
	clients := make([]Client, 8)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.Client(context.Background(), "default")
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), opened.Load(), "one client per account")
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}

	r.Invalidate("default")
	_, err := r.Client(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, int32(2), opened.Load())
}

func TestResolverTTL(t *testing.T) {
	var opened atomic.Int32
	r := NewResolver([]Profile{{Name: "lab"}}, countingOpener(&opened), 20*time.Millisecond)

	_, err := r.Client(context.Background(), "lab")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = r.Client(context.Background(), "lab")
	require.NoError(t, err)
	assert.Equal(t, int32(2), opened.Load(), "expired client is reopened")
}

func TestResolverErrors(t *testing.T) {
	var opened atomic.Int32
	r := NewResolver([]Profile{{Name: "bad", Backend: "broken"}}, countingOpener(&opened), 0)

	assert.True(t, r.Known("bad"))
	assert.False(t, r.Known("ghost"))
	p, ok := r.Profile("bad")
	require.True(t, ok)
	assert.Equal(t, "broken", p.Backend)

	_, err := r.Client(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = r.Client(context.Background(), "bad")
	assert.ErrorContains(t, err, `open broken backend for account "bad"`)
	_, err = r.Client(context.Background(), "bad")
	assert.Error(t, err)
	assert.Equal(t, int32(2), opened.Load(), "failed opens are not cached")
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("503 Slow Down")
	err := NewError("put", "media", "a.mp4", ErrTransient, cause)

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "put media/a.mp4: transient remote failure: 503 Slow Down", err.Error())
	assert.Equal(t, "create-bucket media: bucket already exists", NewError("create-bucket", "media", "", ErrBucketExists, nil).Error())
	assert.Equal(t, "get b/k: boom", NewError("get", "b", "k", nil, errors.New("boom")).Error())
}

func TestSingleProvider(t *testing.T) {
	c := &stubClient{name: "only"}
	p := Single(c)
	assert.True(t, p.Known("anything"))
	got, err := p.Client(context.Background(), "anything")
	require.NoError(t, err)
	assert.Same(t, c, got)
}
