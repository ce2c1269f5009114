package handler

import (
	"context"
	"errors"
	"net/http"

	appmw "github.com/Hezlepinc/lead-ingestor/internal/middleware"
	"github.com/Hezlepinc/lead-ingestor/internal/token"
	"go.uber.org/zap"
)

// TokenSource returns region credentials.
type TokenSource interface {
	Current(ctx context.Context, region string) (token.Credentials, error)
}

// TokenHandler handles GET /token. The shared secret is checked by
// middleware before it is reached.
type TokenHandler struct {
	Tokens TokenSource
	Log    *zap.Logger
}

type tokenResponse struct {
	IDToken string `json:"id_token"`
	// ExpiresAt is unix milliseconds, 0 when the token carries no expiry.
	ExpiresAt int64 `json:"expires_at"`
}

// Token returns the current bearer token of a region.
func (h *TokenHandler) Token(w http.ResponseWriter, r *http.Request) {
	slug := regionParam(r)
	if slug == "" {
		appmw.RespondError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "region is required")
		return
	}
	creds, err := h.Tokens.Current(r.Context(), slug)
	if errors.Is(err, token.ErrNoCredentials) {
		appmw.RespondError(w, r, http.StatusNotFound, "NOT_FOUND", "no credentials for region")
		return
	}
	if err != nil {
		h.Log.Error("token lookup failed", zap.String("region", slug), zap.Error(err))
		appmw.RespondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "token lookup failed")
		return
	}

	resp := tokenResponse{IDToken: creds.JWT}
	if !creds.ExpiresAt.IsZero() {
		resp.ExpiresAt = creds.ExpiresAt.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}
