// Package webhook mints and validates bearer tokens that start profiles,
// imports, or jobs from outside the scheduler's polling loop. Raw tokens are
// never stored: the catalog holds base64(sha256(token)) and presented tokens
// are re-hashed for lookup.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/repositories"
)

// TokenPrefix marks every generated webhook token.
const TokenPrefix = "reef_wh_"

// DefaultMaxPerHour is the per-token rate limit applied to new triggers.
const DefaultMaxPerHour = 100

// rateWindow is the rate-limit window.
const rateWindow = time.Hour

var (
	ErrUnknownToken = fmt.Errorf("webhook: unknown or inactive token")
	ErrRateLimited  = fmt.Errorf("webhook: rate limit exceeded")
)

// Service validates tokens and tracks per-token rate limits in memory.
// Counts reset when the process restarts; the window is advisory, not a
// durable quota.
type Service struct {
	triggers repositories.WebhookRepository
	logger   *zap.Logger

	mu      sync.Mutex
	windows map[uuid.UUID]*window
}

type window struct {
	start time.Time
	count int
}

// New creates a webhook Service.
func New(triggers repositories.WebhookRepository, logger *zap.Logger) *Service {
	return &Service{
		triggers: triggers,
		logger:   logger.Named("webhook"),
		windows:  make(map[uuid.UUID]*window),
	}
}

// GenerateToken mints a new raw token. The caller stores only HashToken of it
// and shows the raw value to the user exactly once.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhook: generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken computes the at-rest form of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Create mints a token for a target and persists its trigger row. Returns the
// raw token, which is never recoverable afterwards.
func (s *Service) Create(ctx context.Context, name, targetKind string, targetID uuid.UUID, maxPerHour int) (*db.WebhookTrigger, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	if maxPerHour < 0 {
		maxPerHour = DefaultMaxPerHour
	}

	trigger := &db.WebhookTrigger{
		Name:       name,
		TargetKind: targetKind,
		TargetID:   targetID,
		TokenHash:  HashToken(token),
		IsActive:   true,
		MaxPerHour: maxPerHour,
	}
	if err := s.triggers.Create(ctx, trigger); err != nil {
		return nil, "", fmt.Errorf("webhook: create trigger: %w", err)
	}
	return trigger, token, nil
}

// Authorize validates a presented token and charges its rate limit. On
// success the trigger row's counters are updated and the target to start is
// returned.
func (s *Service) Authorize(ctx context.Context, token string) (*db.WebhookTrigger, error) {
	trigger, err := s.triggers.GetByTokenHash(ctx, HashToken(token))
	if err != nil || trigger == nil || !trigger.IsActive {
		return nil, ErrUnknownToken
	}

	if !s.checkRateLimit(trigger.ID, trigger.MaxPerHour, time.Now()) {
		s.logger.Warn("webhook rate limited",
			zap.String("trigger", trigger.Name),
			zap.Int("max_per_hour", trigger.MaxPerHour))
		return nil, ErrRateLimited
	}

	if err := s.triggers.RecordTrigger(ctx, trigger.ID, time.Now().UTC()); err != nil {
		s.logger.Error("failed to record trigger", zap.String("trigger", trigger.Name), zap.Error(err))
	}
	return trigger, nil
}

// GCWindows drops rate-limit windows that have fully elapsed. Returns the
// number of evictions; called by the periodic maintenance sweep.
func (s *Service) GCWindows() int {
	cutoff := time.Now().Add(-rateWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, w := range s.windows {
		if w.start.Before(cutoff) {
			delete(s.windows, id)
			evicted++
		}
	}
	return evicted
}

// checkRateLimit charges one request against the trigger's hourly window.
// max 0 is unlimited; max 1 allows exactly one request per window.
func (s *Service) checkRateLimit(id uuid.UUID, max int, now time.Time) bool {
	if max <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[id]
	if w == nil || now.Sub(w.start) >= rateWindow {
		w = &window{start: now}
		s.windows[id] = w
	}
	if w.count >= max {
		return false
	}
	w.count++
	return true
}
