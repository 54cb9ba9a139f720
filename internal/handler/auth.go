package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ndtrung87864/examgate/internal/apperr"
	"github.com/ndtrung87864/examgate/internal/model"
	"github.com/ndtrung87864/examgate/internal/validate"
)

const tokenIssuer = "examgate"

// Claims are the identity token claims. Subject is the user ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (h *Handler) issueToken(u *model.User, now time.Time) (string, time.Time, error) {
	exp := now.Add(time.Duration(h.config.TokenTTLHours) * time.Hour)
	claims := &Claims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString([]byte(h.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, exp, nil
}

func (h *Handler) parseToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(h.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || c.Subject == "" {
		return nil, errors.New("invalid token claims")
	}
	return c, nil
}

// requireAuth resolves the bearer token to an active user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			respondError(w, r, apperr.ErrUnauthorized)
			return
		}
		claims, err := h.parseToken(raw)
		if err != nil {
			slog.Debug("rejected token", "error", err)
			respondError(w, r, apperr.ErrUnauthorized)
			return
		}

		user, err := h.store.GetUserByID(r.Context(), claims.Subject)
		if err != nil {
			respondError(w, r, fmt.Errorf("load user: %w", err))
			return
		}
		if user == nil || !user.Active {
			respondError(w, r, apperr.ErrUnauthorized)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				respondError(w, r, apperr.ErrUnauthorized)
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, r, apperr.ErrForbidden)
		})
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"notblank"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        *model.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, r, err)
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		respondError(w, r, fmt.Errorf("get user: %w", err))
		return
	}
	if user == nil || !user.Active {
		respondError(w, r, apperr.ErrUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		slog.Info("failed login", "username", user.Username)
		respondError(w, r, apperr.ErrUnauthorized)
		return
	}

	token, exp, err := h.issueToken(user, time.Now())
	if err != nil {
		respondError(w, r, err)
		return
	}
	slog.Info("user logged in", "user", user.ID, "role", user.Role)
	respondJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: exp, User: user})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}
