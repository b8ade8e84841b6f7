package users

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultProvider = "session"

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	errMissingDatabase = errors.New("users: database connection required")
)

// ServiceConfig describes the dependencies required for actor resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to the actor ids written into the change audit.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger

	mu     sync.RWMutex
	actors map[identityKey]Actor
}

type identityKey struct {
	provider string
	subject  string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	service := &Service{
		db:     cfg.Database,
		now:    time.Now,
		logger: zap.NewNop(),
		actors: make(map[identityKey]Actor),
	}
	if cfg.Clock != nil {
		service.now = cfg.Clock
	}
	if cfg.Logger != nil {
		service.logger = cfg.Logger
	}
	return service, nil
}

// ResolveActor returns the actor for the provided session claims. The first sighting of a
// login records an identity row; later sightings refresh its profile once per process.
func (s *Service) ResolveActor(claims auth.SessionClaims) (Actor, error) {
	key, ok := keyForClaims(claims)
	if !ok {
		return Actor{}, ErrInvalidIdentity
	}
	if actor, cached := s.cached(key); cached {
		return actor, nil
	}

	identity, err := s.upsertIdentity(key, claims)
	if err != nil {
		return Actor{}, err
	}
	actor := Actor{ID: identity.ActorID, Email: identity.Email, DisplayName: identity.DisplayName}

	s.mu.Lock()
	s.actors[key] = actor
	s.mu.Unlock()
	return actor, nil
}

func (s *Service) cached(key identityKey) (Actor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actor, ok := s.actors[key]
	return actor, ok
}

func (s *Service) upsertIdentity(key identityKey, claims auth.SessionClaims) (Identity, error) {
	seenAt := s.now().UTC()
	candidate := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		ActorID:     key.subject,
		Email:       strings.TrimSpace(claims.UserEmail),
		DisplayName: strings.TrimSpace(claims.UserDisplayName),
		LastSeenAt:  seenAt,
	}

	// Profile columns only move forward when the new session actually carries a value.
	assignments := map[string]any{"last_seen_at": seenAt}
	if candidate.Email != "" {
		assignments["email"] = candidate.Email
	}
	if candidate.DisplayName != "" {
		assignments["display_name"] = candidate.DisplayName
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&candidate).Error
	if err != nil {
		s.logger.Warn("identity upsert failed", zap.String("provider", key.provider), zap.Error(err))
		return Identity{}, err
	}

	var stored Identity
	if err := s.db.Where("provider = ? AND subject = ?", key.provider, key.subject).Take(&stored).Error; err != nil {
		return Identity{}, err
	}
	return stored, nil
}

// keyForClaims splits "provider:subject" user ids. Bare ids use the default provider, and
// sessions without any id fall back to the email address.
func keyForClaims(claims auth.SessionClaims) (identityKey, bool) {
	key := identityKey{provider: defaultProvider}
	userID := strings.TrimSpace(claims.UserID)
	provider, subject, found := strings.Cut(userID, ":")
	provider, subject = strings.TrimSpace(provider), strings.TrimSpace(subject)

	switch {
	case found && provider != "" && subject != "":
		key.provider, key.subject = provider, subject
	case userID != "":
		key.subject = userID
	case strings.TrimSpace(claims.Subject) != "":
		key.subject = strings.TrimSpace(claims.Subject)
	default:
		key.subject = strings.TrimSpace(claims.UserEmail)
	}
	return key, key.subject != ""
}
