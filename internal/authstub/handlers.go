package authstub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hongminglow/edu-session/internal/authapi"
	"github.com/hongminglow/edu-session/internal/models"
)

const invalidToken = "Token is invalid or expired"

// AuthHandler owns the auth endpoints consumed by the session manager.
type AuthHandler struct {
	users  *UserStore
	tokens *TokenManager
	logger *zap.Logger
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(users *UserStore, tokens *TokenManager, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{users: users, tokens: tokens, logger: logger}
}

// Register attaches auth routes to the mux under prefix (e.g. "/api").
func (h *AuthHandler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("POST "+prefix+authapi.PathLogin, h.handleLogin)
	mux.HandleFunc("POST "+prefix+authapi.PathRegister, h.handleRegister)
	mux.HandleFunc("POST "+prefix+authapi.PathRefresh, h.handleRefresh)
	mux.HandleFunc("POST "+prefix+authapi.PathVerify, h.handleVerify)
	mux.HandleFunc("GET "+prefix+authapi.PathCurrentUser, h.handleMe)
}

type userPayload struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	ProfileID *int64 `json:"profile_id"`
}

type authPayload struct {
	Access  string      `json:"access"`
	Refresh string      `json:"refresh"`
	User    userPayload `json:"user"`
}

func toPayload(u User) userPayload {
	return userPayload{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		ProfileID: u.ProfileID,
	}
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		respondError(h.logger, w, http.StatusBadRequest, "Email and password are required")
		return
	}
	user, err := h.users.FindByEmail(req.Email)
	if err != nil || !user.CheckPassword(req.Password) {
		respondError(h.logger, w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if !user.Active {
		respondError(h.logger, w, http.StatusUnauthorized, "User account is disabled")
		return
	}
	h.respondTokens(w, http.StatusOK, user)
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		respondError(h.logger, w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, err := h.users.Create(User{
		Email:     req.Email,
		Username:  strings.TrimSpace(req.Username),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      models.NormalizeRole(req.Role),
	}, req.Password)
	switch {
	case errors.Is(err, ErrEmailTaken):
		respondError(h.logger, w, http.StatusBadRequest, "User with this email already exists")
		return
	case errors.Is(err, ErrUsernameTaken):
		respondError(h.logger, w, http.StatusBadRequest, "Username already taken")
		return
	case err != nil:
		h.logger.Error("create user failed", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to create user")
		return
	}
	h.respondTokens(w, http.StatusCreated, user)
}

func (h *AuthHandler) respondTokens(w http.ResponseWriter, status int, user User) {
	access, refresh, err := h.tokens.Pair(user)
	if err != nil {
		h.logger.Error("generate tokens failed", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(h.logger, w, status, authPayload{Access: access, Refresh: refresh, User: toPayload(user)})
}

func (h *AuthHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
		respondDetail(h.logger, w, http.StatusBadRequest, "refresh is required")
		return
	}
	user, ok := h.userFromToken(req.Refresh, TokenRefresh)
	if !ok {
		respondDetail(h.logger, w, http.StatusUnauthorized, invalidToken)
		return
	}
	access, err := h.tokens.Access(user)
	if err != nil {
		respondDetail(h.logger, w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	respondJSON(h.logger, w, http.StatusOK, models.RefreshResponse{Access: access})
}

func (h *AuthHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userFromToken(bearer(r), TokenAccess); !ok {
		respondDetail(h.logger, w, http.StatusUnauthorized, invalidToken)
		return
	}
	respondDetail(h.logger, w, http.StatusOK, "Token is valid")
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromToken(bearer(r), TokenAccess)
	if !ok {
		respondDetail(h.logger, w, http.StatusUnauthorized, invalidToken)
		return
	}
	respondJSON(h.logger, w, http.StatusOK, toPayload(user))
}

func (h *AuthHandler) userFromToken(raw, tokenType string) (User, bool) {
	if raw == "" {
		return User{}, false
	}
	id, err := h.tokens.Parse(raw, tokenType)
	if err != nil {
		h.logger.Debug("token rejected", zap.String("token_type", tokenType), zap.Error(err))
		return User{}, false
	}
	user, err := h.users.FindByID(id)
	if err != nil || !user.Active {
		return User{}, false
	}
	return user, true
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
