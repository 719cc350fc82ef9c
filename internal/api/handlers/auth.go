package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrequest/internal/api/middleware"
	"github.com/drfirst/go-rxrequest/internal/api/response"
	"github.com/drfirst/go-rxrequest/internal/auth"
)

// TokenRevoker revokes access tokens.
type TokenRevoker interface {
	Logout(ctx context.Context, claims *auth.Claims) error
}

type AuthHandler struct {
	revoker TokenRevoker
	logger  *zap.Logger
}

func NewAuthHandler(revoker TokenRevoker, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthHandler{revoker: revoker, logger: logger}
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		response.Fail(w, http.StatusUnauthorized, response.CodeUnauthorized, "authentication required")
		return
	}

	if err := h.revoker.Logout(r.Context(), claims); err != nil {
		h.logger.Error("failed to revoke token",
			zap.String("user_id", claims.UserID()),
			zap.Error(err))
		response.Error(w, err)
		return
	}

	h.logger.Info("user logged out", zap.String("user_id", claims.UserID()))
	response.OK(w, http.StatusOK, nil, "logged out")
}
