package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSCache_ResolveLocalhost(t *testing.T) {
	c := NewDNSCache(time.Minute, 10)

	addrs, err := c.Resolve(context.Background(), "localhost", 443)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	assert.Contains(t, addrs[0], ":443")
}

func TestDNSCache_SecondLookupHitsCache(t *testing.T) {
	c := NewDNSCache(time.Minute, 10)

	first, err := c.Resolve(context.Background(), "localhost", 80)
	require.NoError(t, err)
	assert.True(t, c.cache.Has("localhost:80"))

	second, err := c.Resolve(context.Background(), "localhost", 80)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDNSCache_UnknownHostErrors(t *testing.T) {
	c := NewDNSCache(time.Minute, 10)

	_, err := c.Resolve(context.Background(), "this-host-does-not-exist.invalid", 443)
	assert.Error(t, err)
}

func TestDNSCache_DefaultsAppliedForZeroValues(t *testing.T) {
	c := NewDNSCache(0, 0)
	assert.Equal(t, DefaultDNSCacheTTL, c.ttl)
}
