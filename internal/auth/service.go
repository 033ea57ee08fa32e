package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrInvalidRefresh     = errors.New("invalid refresh token")
)

const userColumns = `id, email, username, password_hash, role, is_active, created_at, updated_at, last_login`

// Service handles authentication operations
type Service struct {
	db         *sqlx.DB
	logger     *zap.Logger
	jwtManager *JWTManager
}

// NewService creates a new authentication service
func NewService(db *sqlx.DB, logger *zap.Logger, jwtSecret string, accessExpiry, refreshExpiry time.Duration) *Service {
	return &Service{
		db:         db,
		logger:     logger,
		jwtManager: NewJWTManager(jwtSecret, accessExpiry, refreshExpiry),
	}
}

// JWTManager exposes the token manager for the middleware.
func (s *Service) JWTManager() *JWTManager {
	return s.jwtManager
}

// CreateUser creates a new user account. Admin endpoints and the
// bootstrap path call it; there is no self-service registration.
func (s *Service) CreateUser(ctx context.Context, req *CreateUserRequest) (*User, error) {
	if req.Email == "" || req.Username == "" {
		return nil, fmt.Errorf("email and username are required")
	}
	if len(req.Password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}
	role := req.Role
	if role == "" {
		role = RoleUser
	}
	switch role {
	case RoleUser, RoleReviewer, RoleAdmin:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM users WHERE email = $1 OR username = $2)",
		req.Email, req.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check user existence: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("email or username already taken")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           uuid.New(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: string(hashedPassword),
		Role:         role,
		IsActive:     true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	query := `
		INSERT INTO users (id, email, username, password_hash, role, is_active, created_at, updated_at)
		VALUES (:id, :email, :username, :password_hash, :role, :is_active, :created_at, :updated_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("User created",
		zap.String("user_id", user.ID.String()),
		zap.String("email", user.Email),
		zap.String("role", user.Role))

	return user, nil
}

// Login authenticates a user and returns tokens
func (s *Service) Login(ctx context.Context, req *LoginRequest) (*TokenPair, error) {
	var user User
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 AND is_active = true`
	err := s.db.GetContext(ctx, &user, query, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Login failed, unknown email", zap.String("email", req.Email))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.logger.Warn("Login failed, bad password", zap.String("user_id", user.ID.String()))
		return nil, ErrInvalidCredentials
	}

	tokens, refreshTokenHash, err := s.jwtManager.GenerateTokenPair(&user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate tokens: %w", err)
	}

	if err := s.storeRefreshToken(ctx, &user, refreshTokenHash); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = NOW() WHERE id = $1", user.ID); err != nil {
		s.logger.Warn("Failed to update last login", zap.Error(err))
	}

	s.logger.Info("User logged in",
		zap.String("user_id", user.ID.String()),
		zap.String("email", user.Email))

	return tokens, nil
}

// Refresh exchanges a valid refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tokenHash := hashToken(refreshToken)

	var rt RefreshToken
	query := `
		SELECT id, token_hash, user_id, expires_at, revoked, created_at, revoked_at
		FROM refresh_tokens
		WHERE token_hash = $1 AND revoked = false`
	err := s.db.GetContext(ctx, &rt, query, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidRefresh
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if rt.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidRefresh
	}

	var user User
	err = s.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE id = $1 AND is_active = true`, rt.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user for refresh token: %w", err)
	}

	accessToken, err := s.jwtManager.RefreshAccessToken(&user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.jwtManager.accessTokenExpiry.Seconds()),
	}, nil
}

// ValidateAPIKey validates an API key and returns user context
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error) {
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}
	keyPrefix := apiKey[:8]
	keyHash := hashToken(apiKey)

	var keys []APIKey
	query := `
		SELECT id, key_hash, key_prefix, user_id, name, scopes, last_used, expires_at, is_active, created_at
		FROM api_keys
		WHERE key_prefix = $1 AND is_active = true`
	if err := s.db.SelectContext(ctx, &keys, query, keyPrefix); err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	// Constant-time match against every candidate with this prefix.
	var key *APIKey
	for i := range keys {
		if compareTokenHash(keys[i].KeyHash, keyHash) {
			key = &keys[i]
			break
		}
	}
	if key == nil {
		return nil, ErrInvalidAPIKey
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired")
	}

	go func() {
		if _, err := s.db.Exec(
			"UPDATE api_keys SET last_used = NOW() WHERE id = $1", key.ID); err != nil {
			s.logger.Warn("Failed to update API key last used", zap.Error(err))
		}
	}()

	var user User
	err := s.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user for API key: %w", err)
	}

	return &UserContext{
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		Scopes:    key.Scopes,
		IsAPIKey:  true,
		TokenType: "api_key",
	}, nil
}

// CreateAPIKey creates a new API key for a user. The raw key is returned
// exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, userID uuid.UUID, req *CreateAPIKeyRequest) (string, *APIKey, error) {
	var user User
	err := s.db.GetContext(ctx, &user,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}

	apiKey, keyHash, keyPrefix, err := generateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = ScopesForRole(user.Role)
	}

	key := &APIKey{
		ID:        uuid.New(),
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		UserID:    userID,
		Name:      req.Name,
		Scopes:    scopes,
		ExpiresAt: req.ExpiresAt,
		IsActive:  true,
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO api_keys (id, key_hash, key_prefix, user_id, name, scopes, expires_at, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		key.ID, key.KeyHash, key.KeyPrefix, key.UserID,
		key.Name, key.Scopes, key.ExpiresAt, key.IsActive, key.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("key_id", key.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("name", key.Name))

	return apiKey, key, nil
}

func (s *Service) storeRefreshToken(ctx context.Context, user *User, tokenHash string) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
	`
	now := time.Now()
	expiresAt := now.Add(s.jwtManager.refreshTokenExpiry)
	_, err := s.db.ExecContext(ctx, query, uuid.New(), user.ID, tokenHash, expiresAt, now)
	return err
}

func generateAPIKey() (key, hash, prefix string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	key = "rk_" + hex.EncodeToString(b)
	hash = hashToken(key)
	prefix = key[:8]
	return key, hash, prefix, nil
}
