// Package auth is the admission-control collaborator: API keys with
// permissions, expiry and per-key rate limits. It runs entirely in the
// ingress layer, before a submission ever reaches the task manager.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Permission string

const (
	PermTranscribe Permission = "transcribe"
	PermDiarize    Permission = "speaker_diarization"
	PermEmotion    Permission = "emotion_recognition"
	PermAdmin      Permission = "admin"
)

var (
	ErrMissingKey       = errors.New("missing api key")
	ErrInvalidKey       = errors.New("invalid api key")
	ErrKeyExpired       = errors.New("api key expired")
	ErrKeySuspended     = errors.New("api key suspended")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Key is one issued credential. RatePerMinute <= 0 means unlimited.
type Key struct {
	Key           string       `json:"key"`
	Name          string       `json:"name"`
	Permissions   []Permission `json:"permissions"`
	RatePerMinute int          `json:"rate_per_minute"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	Suspended     bool         `json:"suspended"`
}

func (k *Key) allows(p Permission) bool {
	for _, have := range k.Permissions {
		if have == p || have == PermAdmin {
			return true
		}
	}
	return false
}

type Service struct {
	mu       sync.RWMutex
	keys     map[string]*Key
	limiters map[string]*rate.Limiter
}

func NewService() *Service {
	return &Service{
		keys:     make(map[string]*Key),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Generate issues a fresh key with the given grants and registers it.
func (s *Service) Generate(name string, perms []Permission, ratePerMinute int, ttl time.Duration) *Key {
	k := &Key{
		Key:           "vq_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Name:          name,
		Permissions:   perms,
		RatePerMinute: ratePerMinute,
		CreatedAt:     time.Now().UTC(),
	}
	if ttl > 0 {
		exp := k.CreatedAt.Add(ttl)
		k.ExpiresAt = &exp
	}
	s.Add(k)
	return k
}

// Add registers an externally provisioned key, e.g. from configuration.
func (s *Service) Add(k *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.Key] = k
}

func (s *Service) Suspend(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if ok {
		k.Suspended = true
	}
	return ok
}

// Authorize checks the credential, the required permission and the key's
// rate limit, in that order. Returns the key record on success.
func (s *Service) Authorize(key string, perm Permission) (*Key, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	s.mu.RLock()
	k, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidKey
	}

	if k.Suspended {
		return nil, ErrKeySuspended
	}
	if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
		return nil, ErrKeyExpired
	}
	if !k.allows(perm) {
		return nil, ErrPermissionDenied
	}

	if !s.limiter(k).Allow() {
		return nil, ErrRateLimited
	}
	return k, nil
}

// Check verifies an additional permission on an already authorized key
// without consuming another rate-limit token.
func (s *Service) Check(k *Key, perm Permission) error {
	if !k.allows(perm) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) limiter(k *Key) *rate.Limiter {
	if k.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[k.Key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(k.RatePerMinute)/60.0), k.RatePerMinute)
		s.limiters[k.Key] = lim
	}
	return lim
}
