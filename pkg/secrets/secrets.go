package secrets

import (
	"context"
	"os"
	"sync"

	"flowplane/pkg/errutil"

	vault "github.com/hashicorp/vault-client-go"
	"github.com/hashicorp/vault-client-go/schema"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Store reads and writes opaque secret material by reference. Callers only
// ever hold references; the material itself stays in the vault.
type Store interface {
	Get(ctx context.Context, ref string) (string, error)
	Set(ctx context.Context, ref string, value string) error
}

var Module = fx.Module("secrets",
	fx.Provide(ProvideVault, NewVaultStore),
)

// ProvideVault returns a client only when VAULT_ADDR is set. Without it the
// client would silently point at the default localhost address and every read
// would fail at startup.
func ProvideVault() (*vault.Client, error) {
	if os.Getenv("VAULT_ADDR") == "" {
		return nil, nil
	}

	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	return client, nil
}

const mountPath = "secret"

type vaultStore struct {
	client *vault.Client
}

func NewVaultStore(client *vault.Client) Store {
	if client == nil {
		zap.L().Warn("vault is not configured, secret material will not survive restarts")
		return NewMemoryStore()
	}
	return &vaultStore{client: client}
}

func (s *vaultStore) Get(ctx context.Context, ref string) (string, error) {
	secret, err := s.client.Secrets.KvV2Read(ctx, ref, vault.WithMountPath(mountPath))
	if err != nil {
		return "", errutil.NotFound("secret not found", errutil.WithErr(err))
	}

	if val, ok := secret.Data.Data["value"].(string); ok {
		return val, nil
	}

	return "", errutil.NotFound("secret has no value field")
}

func (s *vaultStore) Set(ctx context.Context, ref string, value string) error {
	_, err := s.client.Secrets.KvV2Write(ctx, ref, schema.KvV2WriteRequest{
		Data: map[string]any{"value": value},
	}, vault.WithMountPath(mountPath))
	return err
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.values[ref]
	if !ok {
		return "", errutil.NotFound("secret not found")
	}
	return val, nil
}

func (s *MemoryStore) Set(ctx context.Context, ref string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[ref] = value
	return nil
}
