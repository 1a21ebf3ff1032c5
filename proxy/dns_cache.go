package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bluele/gcache"
)

// Default DNSCache parameters: small, bounded, and refreshed often enough
// that stale DNS answers don't linger.
const (
	DefaultDNSCacheTTL      = 60 * time.Second
	DefaultDNSCacheCapacity = 512
)

// DNSCache resolves "host:port" to a list of dial-able addresses, caching
// the result for a bounded time in a capacity-bounded, FIFO-evicted cache.
type DNSCache struct {
	cache    gcache.Cache
	ttl      time.Duration
	resolver *net.Resolver
}

// NewDNSCache builds a DNSCache with the given ttl and capacity. A capacity
// of 0 or a ttl of 0 falls back to the package defaults.
func NewDNSCache(ttl time.Duration, capacity int) *DNSCache {
	if ttl <= 0 {
		ttl = DefaultDNSCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultDNSCacheCapacity
	}

	return &DNSCache{
		cache:    gcache.New(capacity).FIFO().Build(),
		ttl:      ttl,
		resolver: net.DefaultResolver,
	}
}

// Resolve returns the set of dial-able addresses for host:port, consulting
// the cache first. A cache miss or expired entry triggers a fresh lookup via
// the standard resolver, whose result is stored with the cache's ttl and
// may evict the oldest entry if the cache is at capacity.
func (c *DNSCache) Resolve(ctx context.Context, host string, port int) ([]string, error) {
	key := fmt.Sprintf("%s:%d", host, port)

	if v, err := c.cache.Get(key); err == nil {
		if addrs, ok := v.([]string); ok {
			return addrs, nil
		}
	}

	ips, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dns cache: no addresses for %s", host)
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip.IP.String(), fmt.Sprintf("%d", port)))
	}

	_ = c.cache.SetWithExpire(key, addrs, c.ttl)

	return addrs, nil
}
