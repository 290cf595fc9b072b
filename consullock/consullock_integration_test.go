//go:build integration

package consullock_test

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/companyinfo/distlock"
	"github.com/companyinfo/distlock/consullock"
	"github.com/companyinfo/distlock/internal/containertest"
	"github.com/companyinfo/distlock/leaselock"
	"github.com/companyinfo/distlock/leaselock/storetest"
)

func newClient(t *testing.T) *api.Client {
	t.Helper()

	addr := containertest.Address(t, "DISTLOCK_CONSUL_ADDR", testcontainers.ContainerRequest{
		Image:        "hashicorp/consul:1.20",
		ExposedPorts: []string{"8500/tcp"},
		Cmd:          []string{"agent", "-dev", "-client=0.0.0.0"},
		WaitingFor:   wait.ForLog("Synced node info"),
	})

	client, err := api.NewClient(&api.Config{Address: addr})
	require.NoError(t, err)

	return client
}

func TestConsulStoreConformance(t *testing.T) {
	store := consullock.NewStore(newClient(t), distlock.WithKeyPrefix("distlock-test/"))
	storetest.Run(t, func(*testing.T) leaselock.Store { return store })
}

func TestReleaseDestroysSession(t *testing.T) {
	client := newClient(t)
	store := consullock.NewStore(client, distlock.WithKeyPrefix("distlock-test/"))
	ctx := context.Background()

	ok, _, err := store.Acquire(ctx, "session", "token-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	pair, _, err := client.KV().Get("distlock-test/session", nil)
	require.NoError(t, err)
	require.NotNil(t, pair)
	require.NotEmpty(t, pair.Session)

	released, err := store.Release(ctx, "session", "token-a")
	require.NoError(t, err)
	require.True(t, released)

	entry, _, err := client.Session().Info(pair.Session, nil)
	require.NoError(t, err)
	assert.Nil(t, entry)
}
