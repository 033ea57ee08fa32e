package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lanish19/ravint22-sub000/internal/auth"
)

// AuthHandler serves login, token refresh, and the admin-scoped user and
// API key management endpoints.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler constructs a new handler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger}
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		sendError(w, "missing email or password", http.StatusBadRequest)
		return
	}

	tokens, err := h.svc.Login(r.Context(), &req)
	if err != nil {
		h.logger.Warn("Login failed", zap.Error(err))
		sendError(w, "invalid email or password", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RefreshToken == "" {
		sendError(w, "missing refresh_token", http.StatusBadRequest)
		return
	}

	tokens, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefresh) {
			sendError(w, "invalid refresh token", http.StatusUnauthorized)
			return
		}
		h.logger.Warn("Refresh failed", zap.Error(err))
		sendError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *AuthHandler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireScopes(r.Context(), auth.ScopeUsersManage); err != nil {
		sendError(w, "forbidden", http.StatusForbidden)
		return
	}

	var req auth.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Username == "" || req.Password == "" {
		sendError(w, "missing required fields", http.StatusBadRequest)
		return
	}

	user, err := h.svc.CreateUser(r.Context(), &req)
	if err != nil {
		h.logger.Warn("User creation failed", zap.Error(err))
		sendError(w, sanitizeErr(err.Error()), http.StatusBadRequest)
		return
	}

	// Respond with a safe user view
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user": map[string]interface{}{
			"id":       user.ID,
			"email":    user.Email,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

func (h *AuthHandler) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireScopes(r.Context(), auth.ScopeAPIKeysManage); err != nil {
		sendError(w, "forbidden", http.StatusForbidden)
		return
	}
	userCtx, err := auth.GetUserContext(r.Context())
	if err != nil {
		sendError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req auth.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		sendError(w, "name is required", http.StatusBadRequest)
		return
	}

	rawKey, key, err := h.svc.CreateAPIKey(r.Context(), userCtx.UserID, &req)
	if err != nil {
		h.logger.Warn("API key creation failed", zap.Error(err))
		sendError(w, sanitizeErr(err.Error()), http.StatusBadRequest)
		return
	}

	// The raw key is shown exactly once.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": rawKey,
		"key": map[string]interface{}{
			"id":         key.ID,
			"key_prefix": key.KeyPrefix,
			"name":       key.Name,
			"scopes":     []string(key.Scopes),
			"expires_at": key.ExpiresAt,
		},
	})
}
