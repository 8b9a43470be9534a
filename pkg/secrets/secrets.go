// Package secrets defines the secret-provider capability injected into the
// delivery worker. Providers resolve opaque refs to values; the store never
// caches resolved secrets.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Typed resolution failures. The delivery worker maps each onto a stable
// failureReason code.
var (
	ErrInvalidRef  = errors.New("secret ref invalid")
	ErrForbidden   = errors.New("secret provider forbidden")
	ErrUnavailable = errors.New("secret provider unavailable")
	ErrNotFound    = errors.New("secret not found")
	ErrReadFailed  = errors.New("secret read failed")
)

// Provider resolves an opaque secret ref to a non-empty value.
type Provider interface {
	Resolve(ref string) (string, error)
}

// Static is an in-memory provider for tests and single-node setups.
type Static struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStatic creates a provider seeded with the given values.
func NewStatic(values map[string]string) *Static {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Static{values: m}
}

// Put adds or replaces a secret value.
func (s *Static) Put(ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[ref] = value
}

// Resolve implements Provider.
func (s *Static) Resolve(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", ErrInvalidRef
	}
	s.mu.RLock()
	v, ok := s.values[ref]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s resolved empty", ErrReadFailed, ref)
	}
	return v, nil
}

// Env resolves refs of the form "env:NAME" from the process environment.
type Env struct{}

// Resolve implements Provider.
func (Env) Resolve(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if v == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrReadFailed, ref)
	}
	return v, nil
}
