package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// User represents an authenticated user
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Username     string     `json:"username" db:"username"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Role         string     `json:"role" db:"role"` // user, reviewer, admin
	IsActive     bool       `json:"is_active" db:"is_active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// APIKey represents an API key for programmatic access
type APIKey struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	KeyHash   string         `json:"-" db:"key_hash"`
	KeyPrefix string         `json:"key_prefix" db:"key_prefix"`
	UserID    uuid.UUID      `json:"user_id" db:"user_id"`
	Name      string         `json:"name" db:"name"`
	Scopes    pq.StringArray `json:"scopes" db:"scopes"`
	LastUsed  *time.Time     `json:"last_used,omitempty" db:"last_used"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
	IsActive  bool           `json:"is_active" db:"is_active"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// RefreshToken represents a JWT refresh token
type RefreshToken struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TokenHash string     `json:"-" db:"token_hash"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	Revoked   bool       `json:"revoked" db:"revoked"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// UserContext represents the authenticated context for a request
type UserContext struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	IsAPIKey  bool      `json:"is_api_key"`
	TokenType string    `json:"token_type"` // jwt or api_key
}

// TokenPair represents access and refresh tokens
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateUserRequest represents an admin user-creation request
type CreateUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// CreateAPIKeyRequest represents a request to create an API key
type CreateAPIKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Scopes for authorization
const (
	ScopeRunsRead      = "runs:read"
	ScopeRunsWrite     = "runs:write"
	ScopeReviewsRead   = "reviews:read"
	ScopeReviewsDecide = "reviews:decide"
	ScopeAPIKeysManage = "api_keys:manage"
	ScopeUsersManage   = "users:manage"
)

// User roles
const (
	RoleUser     = "user"
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)
