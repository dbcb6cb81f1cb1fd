// Package secrets encrypts credentials at rest and substitutes
// ${{secrets.KEY}} references in action step configuration.
package secrets

import (
	"context"

	"github.com/rendis/flowgate/internal/store"
)

// Vault stores and resolves secret values by key.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence a vault writes ciphertext to.
type SecretStore = store.SecretStore
