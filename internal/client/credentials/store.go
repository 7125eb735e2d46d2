// Package credentials keeps the session tokens on the device.
//
// Tokens are sealed with AES-GCM under a key derived (argon2id) from a
// device secret and a random salt persisted next to them, so a copied
// database file alone does not reveal the session.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/apicore/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/apicore/internal/common"
	"github.com/dmitrijs2005/apicore/internal/cryptox"
)

const saltSize = 16

// Tokens is the session pair issued by the login and refresh endpoints.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Store is the credential source consumed by the interceptor and the API
// client. AccessToken and RefreshToken return common.ErrNoCredential when
// nothing is stored.
type Store interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
	Save(ctx context.Context, t Tokens) error
	Clear(ctx context.Context) error
}

type sealed struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SecureStore is a Store backed by the metadata repository.
type SecureStore struct {
	repo   metadata.Repository
	secret []byte

	mu     sync.Mutex
	key    []byte
	cached *Tokens
}

func NewSecureStore(repo metadata.Repository, deviceSecret []byte) *SecureStore {
	return &SecureStore{repo: repo, secret: append([]byte(nil), deviceSecret...)}
}

func (s *SecureStore) AccessToken(ctx context.Context) (string, error) {
	t, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if t.AccessToken == "" {
		return "", common.ErrNoCredential
	}
	return t.AccessToken, nil
}

func (s *SecureStore) RefreshToken(ctx context.Context) (string, error) {
	t, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if t.RefreshToken == "" {
		return "", common.ErrNoCredential
	}
	return t.RefreshToken, nil
}

func (s *SecureStore) Save(ctx context.Context, t Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.deriveKey(ctx)
	if err != nil {
		return err
	}

	ct, nonce, err := cryptox.EncryptJSON(t, key)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	blob, err := json.Marshal(sealed{Nonce: nonce, Ciphertext: ct})
	if err != nil {
		return err
	}
	if err := s.repo.Set(ctx, metadata.KeyCredentials, blob); err != nil {
		return err
	}

	s.cached = &t
	return nil
}

// Clear removes the stored tokens. The salt stays so the derived key
// remains valid for the next login.
func (s *SecureStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	return s.repo.Delete(ctx, metadata.KeyCredentials)
}

func (s *SecureStore) load(ctx context.Context) (Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return *s.cached, nil
	}

	blob, err := s.repo.Get(ctx, metadata.KeyCredentials)
	if err != nil {
		return Tokens{}, err
	}
	if blob == nil {
		return Tokens{}, common.ErrNoCredential
	}

	var box sealed
	if err := json.Unmarshal(blob, &box); err != nil {
		return Tokens{}, fmt.Errorf("corrupt credentials record: %w", err)
	}

	key, err := s.deriveKey(ctx)
	if err != nil {
		return Tokens{}, err
	}

	var t Tokens
	if err := cryptox.DecryptJSON(box.Ciphertext, box.Nonce, key, &t); err != nil {
		return Tokens{}, fmt.Errorf("open credentials: %w", err)
	}

	s.cached = &t
	return t, nil
}

// deriveKey must be called with mu held.
func (s *SecureStore) deriveKey(ctx context.Context) ([]byte, error) {
	if s.key != nil {
		return s.key, nil
	}
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("credential store: %w", cryptox.ErrEmptySecret)
	}

	salt, err := s.repo.Get(ctx, metadata.KeyCredentialSalt)
	if err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		salt = common.GenerateRandByteArray(saltSize)
		if err := s.repo.Set(ctx, metadata.KeyCredentialSalt, salt); err != nil {
			return nil, err
		}
	}

	key, err := cryptox.DeriveKey(s.secret, salt)
	if err != nil {
		return nil, err
	}
	s.key = key
	return key, nil
}

// IsMissing reports whether err means no session is stored.
func IsMissing(err error) bool {
	return errors.Is(err, common.ErrNoCredential)
}
