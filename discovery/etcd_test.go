package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a running etcd, e.g. RENDER_RPC_ETCD=127.0.0.1:2379.
func etcdEndpoints(t *testing.T) []string {
	env := os.Getenv("RENDER_RPC_ETCD")
	if env == "" {
		t.Skip("RENDER_RPC_ETCD not set")
	}
	return strings.Split(env, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := Instance{Addr: "127.0.0.1:5001", Weight: 10, Version: "3.0"}
	inst2 := Instance{Addr: "127.0.0.1:5002", Weight: 5, Version: "3.0"}
	require.NoError(t, reg.Register(ctx, "renderer-test", inst1, 10))
	require.NoError(t, reg.Register(ctx, "renderer-test", inst2, 10))

	instances, err := reg.Discover(ctx, "renderer-test")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Instance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "renderer-test", inst1.Addr))
	instances, err = reg.Discover(ctx, "renderer-test")
	require.NoError(t, err)
	assert.Equal(t, []Instance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "renderer-test", inst2.Addr))
}

func TestStatic(t *testing.T) {
	s := Static{"renderer": {{Addr: "localhost:5000"}}}
	instances, err := s.Discover(context.Background(), "renderer")
	require.NoError(t, err)
	assert.Len(t, instances, 1)

	instances, err = s.Discover(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, instances)
}
