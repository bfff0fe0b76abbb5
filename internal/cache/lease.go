package cache

import (
	"context"
	"time"
)

// Lease is a best-effort cross-instance mutex on top of Provider.SetNX.
// It keeps two service replicas from regenerating the same scope at once.
type Lease struct {
	provider Provider
	prefix   string
	owner    []byte
	ttl      time.Duration
}

// NewLease returns a lease helper. A nil provider behaves like NoopProvider.
func NewLease(provider Provider, prefix, owner string, ttl time.Duration) *Lease {
	if provider == nil {
		provider = NoopProvider{}
	}
	return &Lease{provider: provider, prefix: prefix, owner: []byte(owner), ttl: ttl}
}

// Acquire tries to take the lease for name.
func (l *Lease) Acquire(ctx context.Context, name string) (bool, error) {
	return l.provider.SetNX(ctx, l.prefix+name, l.owner, l.ttl)
}

// Release drops the lease for name.
func (l *Lease) Release(ctx context.Context, name string) error {
	return l.provider.Del(ctx, l.prefix+name)
}
