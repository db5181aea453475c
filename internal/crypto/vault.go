package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// Vault stores broker session tokens sealed with a master password and
// resolves them for the engine. Opened tokens are cached in memory since
// key derivation is deliberately slow.
type Vault struct {
	store    domain.CredentialStore
	password string

	mu    sync.RWMutex
	cache map[string]domain.Credentials
}

// NewVault creates a Vault over store.
func NewVault(store domain.CredentialStore, password string) *Vault {
	return &Vault{
		store:    store,
		password: password,
		cache:    make(map[string]domain.Credentials),
	}
}

// Put seals and stores the session token of a user.
func (v *Vault) Put(ctx context.Context, creds domain.Credentials) error {
	if creds.UserID == "" || creds.Token == "" {
		return errors.New("crypto: credentials need user id and token")
	}
	sealed, err := Seal([]byte(creds.Token), v.password)
	if err != nil {
		return err
	}
	if err := v.store.Put(ctx, creds.UserID, sealed); err != nil {
		return fmt.Errorf("crypto: store credentials: %w", err)
	}

	v.mu.Lock()
	v.cache[creds.UserID] = creds
	v.mu.Unlock()
	return nil
}

// GetCredentials implements domain.CredentialResolver.
func (v *Vault) GetCredentials(ctx context.Context, userID string) (domain.Credentials, error) {
	v.mu.RLock()
	c, ok := v.cache[userID]
	v.mu.RUnlock()
	if ok {
		return c, nil
	}

	sealed, err := v.store.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Credentials{}, domain.ErrNoCredentials
	}
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: load credentials: %w", err)
	}
	token, err := Open(sealed, v.password)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: %w: %w", domain.ErrNoCredentials, err)
	}

	c = domain.Credentials{UserID: userID, Token: string(token)}
	v.mu.Lock()
	v.cache[userID] = c
	v.mu.Unlock()
	return c, nil
}

// StaticCredentials resolves every user to the same token. Paper mode uses
// it.
type StaticCredentials string

func (s StaticCredentials) GetCredentials(_ context.Context, userID string) (domain.Credentials, error) {
	if s == "" {
		return domain.Credentials{}, domain.ErrNoCredentials
	}
	return domain.Credentials{UserID: userID, Token: string(s)}, nil
}
