package quota

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/decision-core/internal/models"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("DECISION_CORE_TEST_REDIS")
	if addr == "" {
		t.Skip("DECISION_CORE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStoreLedger(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client, "decision-core-test:"+t.Name()+":")
	ledger := NewLedger(store, nil)
	ctx := context.Background()
	t.Cleanup(func() { _ = ledger.Reset(ctx, "caller", models.ServiceChat) })

	for i := 0; i < 3; i++ {
		usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 3, 60)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
	}
	usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 3, 60)
	require.NoError(t, err)
	assert.False(t, usage.Allowed)
}
