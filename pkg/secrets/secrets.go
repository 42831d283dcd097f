// Package secrets provides the at-rest password storage extension the
// credentials store uses instead of the plaintext CREDENTIALS.password
// column when a SecureStorage provider is configured.
package secrets

import (
	"context"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Provider abstracts secret-at-rest storage for a single stored password.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
	DeleteSecret(ctx context.Context, name string) error
}

// KeyringProvider stores secrets in the OS-native keyring via
// github.com/zalando/go-keyring, under a fixed service name.
type KeyringProvider struct {
	service string
}

// NewKeyringProvider returns a Provider backed by the OS keyring. service
// namespaces every key this daemon instance stores, so multiple signond
// configurations on one host do not collide.
func NewKeyringProvider(service string) *KeyringProvider {
	if service == "" {
		service = "signond"
	}
	return &KeyringProvider{service: service}
}

// GetSecret returns an empty string and a non-nil error when name is absent,
// matching keyring.ErrNotFound.
func (p *KeyringProvider) GetSecret(_ context.Context, name string) (string, error) {
	v, err := keyring.Get(p.service, name)
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", name, err)
	}
	return v, nil
}

// SetSecret stores or overwrites value under name.
func (p *KeyringProvider) SetSecret(_ context.Context, name, value string) error {
	if err := keyring.Set(p.service, name, value); err != nil {
		return fmt.Errorf("secrets: set %q: %w", name, err)
	}
	return nil
}

// DeleteSecret removes name; deleting an absent name is not an error.
func (p *KeyringProvider) DeleteSecret(_ context.Context, name string) error {
	if err := keyring.Delete(p.service, name); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("secrets: delete %q: %w", name, err)
	}
	return nil
}

// NameFor derives the stable keyring entry name for an identity's stored
// password.
func NameFor(identityID uint32) string {
	return fmt.Sprintf("identity-%d-password", identityID)
}
