// Package auth resolves API keys to users and issues new keys.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"gorm.io/gorm"
)

// UserService is the auth interface used by the middleware and the CLI.
type UserService interface {
	// GetByAPIKey looks up a user by their API key.
	// This is the main method used by the auth middleware on every request.
	GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error)

	// GetByID retrieves a user by their internal ID.
	GetByID(ctx context.Context, userID string) (*model.User, error)

	// Create registers a user with a fresh API key.
	Create(ctx context.Context, email string, role model.Role) (*model.User, error)

	// ResetAPIKey regenerates the user's API key (invalidates old one).
	ResetAPIKey(ctx context.Context, userID string) (*model.User, error)
}

// ─────────────────────────────────────────────
// userService implements UserService
// ─────────────────────────────────────────────

type userService struct {
	db *gorm.DB
}

// NewUserService creates a new UserService backed by the given DB.
func NewUserService(db *gorm.DB) UserService {
	return &userService{db: db}
}

func (s *userService) GetByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	if apiKey == "" {
		return nil, apperr.Authorization.New("missing api key")
	}
	var user model.User
	if err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Authorization.New("invalid api key")
		}
		return nil, err
	}
	return &user, nil
}

func (s *userService) GetByID(ctx context.Context, userID string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound.New("user %q", userID)
		}
		return nil, err
	}
	return &user, nil
}

func (s *userService) Create(ctx context.Context, email string, role model.Role) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperr.Validation.New("email is required")
	}
	if role == "" {
		role = model.RoleUser
	}
	if role != model.RoleUser && role != model.RoleAdmin {
		return nil, apperr.Validation.New("unknown role %q", role)
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &model.User{
		ID:                 uuid.NewString(),
		Email:              email,
		Role:               role,
		APIKey:             apiKey,
		SubscriptionStatus: model.SubscriptionInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *userService) ResetAPIKey(ctx context.Context, userID string) (*model.User, error) {
	newKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).
		Updates(map[string]any{"api_key": newKey, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound.New("user %q", userID)
	}
	return s.GetByID(ctx, userID)
}

// generateAPIKey creates a new API key with "sk-" prefix.
func generateAPIKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(bytes), nil
}
