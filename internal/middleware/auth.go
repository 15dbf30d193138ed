package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"relay-access/internal/apperr"
	"relay-access/internal/channel"
	"relay-access/internal/role"
)

// Claims identify a caller. Subject is the user id; Wallet, when present, is
// the address checked against token-gated channels.
type Claims struct {
	Wallet string `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

type claimsKeyType struct{}

var claimsKey claimsKeyType

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

func (a *Authenticator) Issue(userID, wallet string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := Claims{
		Wallet: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid token and stores the claims
// in the request context.
func (a *Authenticator) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required")
			return
		}

		claims, err := a.Parse(tokenStr)
		if err != nil {
			logrus.WithError(err).WithField("remote", GetClientIP(r)).Debug("Rejected token")
			writeJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	}
}

// extractToken looks at the Authorization header, then the token query
// parameter browsers use for websockets, then the auth_token cookie.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFrom(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// UserID returns the authenticated user, or "" outside RequireAuth.
func UserID(ctx context.Context) string {
	if claims := ClaimsFrom(ctx); claims != nil {
		return claims.Subject
	}
	return ""
}

// ChannelIDFromQuery reads the channel_id query parameter.
func ChannelIDFromQuery(r *http.Request) (uint, error) {
	raw := r.URL.Query().Get("channel_id")
	if raw == "" {
		return 0, fmt.Errorf("channel_id is required: %w", apperr.ErrInvalid)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("channel_id %q: %w", raw, apperr.ErrInvalid)
	}
	return uint(id), nil
}

// RequireChannelPermission lets the request through only when the
// authenticated user holds permission in the channel named by channel_id.
// Wrap it inside RequireAuth.
func RequireChannelPermission(resolver *channel.Resolver, permission role.Permission) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			channelID, err := ChannelIDFromQuery(r)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, string(apperr.CodeInvalid), err.Error())
				return
			}

			err = resolver.Require(r.Context(), UserID(r.Context()), channelID, permission)
			if err != nil {
				status := apperr.HTTPStatus(err)
				if status == http.StatusInternalServerError {
					logrus.WithError(err).Error("Permission check failed")
				}
				writeJSONError(w, status, string(apperr.CodeOf(err)), "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		}
	}
}
