// Package identity manages tenant API keys: issuing, rotating, and resolving
// them to tenant ids.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"trigger-engine/internal/store"
)

// keyBytes is the entropy per key. 32 bytes keeps brute force out of reach
// for the lifetime of any deployment.
const keyBytes = 32

// ErrUnknownKey is returned when no tenant owns the presented key.
var ErrUnknownKey = errors.New("unknown api key")

// Service issues and resolves API keys backed by the tenant store.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates an identity service.
func New(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger.With("component", "identity")}
}

// NewAPIKey generates a fresh opaque key. The sk- prefix makes keys
// recognizable in logs and support tickets without revealing anything.
func NewAPIKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates the tenant if needed and rotates its API key. Any previously
// issued key stops resolving immediately. The plaintext key is returned once
// and never logged.
func (s *Service) Issue(tenantID string) (string, error) {
	if _, err := s.store.EnsureTenant(tenantID); err != nil {
		return "", err
	}
	key, err := NewAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.store.PutAPIKey(tenantID, key); err != nil {
		return "", err
	}
	s.logger.Info("api key issued", "tenant", tenantID)
	return key, nil
}

// Resolve maps a presented key to its tenant id.
func (s *Service) Resolve(key string) (string, error) {
	if key == "" {
		return "", ErrUnknownKey
	}
	tenant, err := s.store.TenantByAPIKey(key)
	if err != nil {
		return "", err
	}
	if tenant == "" {
		return "", ErrUnknownKey
	}
	return tenant, nil
}
