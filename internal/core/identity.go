package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"Krypt/pkg/interfaces"
)

// EnsureIdentity loads the local identity, generating and persisting a new
// uuid and keypair on first start.
func EnsureIdentity(ctx context.Context, repo interfaces.IdentityRepository, cp interfaces.CryptoProvider) (interfaces.Identity, error) {
	id, err := repo.LoadIdentity(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}

	pub, priv, err := cp.GenerateKeyPair()
	if err != nil {
		return interfaces.Identity{}, fmt.Errorf("failed to generate keypair: %w", err)
	}
	id = interfaces.Identity{UUID: uuid.NewString(), PublicKey: pub, PrivateKey: priv}
	if err := repo.SaveIdentity(ctx, id); err != nil {
		return interfaces.Identity{}, fmt.Errorf("failed to save identity: %w", err)
	}
	return id, nil
}
