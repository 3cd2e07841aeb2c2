// Package secrets keeps source credentials (API keys, tokens) encrypted at
// rest. Values are decrypted in-memory only, when a source client needs them.
package secrets

import "context"

// Vault resolves source credentials at runtime.
// Credentials are encrypted at rest (AES-256-GCM) and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// CredentialStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type CredentialStore interface {
	StoreCredential(ctx context.Context, key string, value []byte) error
	GetCredential(ctx context.Context, key string) ([]byte, error)
	DeleteCredential(ctx context.Context, key string) error
	ListCredentials(ctx context.Context) ([]string, error)
}
