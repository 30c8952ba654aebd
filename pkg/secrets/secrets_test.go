package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestProvideVaultSkippedWithoutAddr(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")

	client, err := ProvideVault()
	require.NoError(t, err)
	require.Nil(t, client)
}

func TestNewVaultStoreDegradesWithoutClient(t *testing.T) {
	store := NewVaultStore(nil)
	require.NotNil(t, store)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "oauth/a/access", "tok"))

	val, err := store.Get(ctx, "oauth/a/access")
	require.NoError(t, err)
	require.Equal(t, "tok", val)
}

func TestMemoryStoreMissingRef(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
}
