// Package handler serves handover token lookups to the contact center's
// routing function.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"voice-gateway/internal/apierrors"
	"voice-gateway/internal/handover"
	"voice-gateway/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const clientIDKey = "Client-ID"

// TokenReader reads handover tokens.
type TokenReader interface {
	Get(ctx context.Context, token string) (handover.Token, error)
}

// AuthConfig describes the bearer tokens the contact center presents.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type Handler struct {
	tokens  TokenReader
	pattern *regexp.Regexp
	auth    AuthConfig
	logger  *observability.Logger
}

func New(tokens TokenReader, tokenLength int, auth AuthConfig, logger *observability.Logger) Handler {
	return Handler{
		tokens:  tokens,
		pattern: handover.FormatPattern(tokenLength),
		auth:    auth,
		logger:  logger,
	}
}

// HandleJWTMiddleware accepts HS256 bearer tokens issued for this service.
func (h *Handler) HandleJWTMiddleware(c *gin.Context) {
	ctx := c.Request.Context()
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		apierrors.Unauthorized(c, "Authorization token is missing or invalid")
		return
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.auth.Secret), nil
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(h.auth.Issuer),
		jwt.WithAudience(h.auth.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			apierrors.Unauthorized(c, "Authorization token expired")
			return
		}
		h.logger.WarnWithError(ctx, "rejected handover lookup credentials", err)
		apierrors.Unauthorized(c, "Authorization token is missing or invalid")
		return
	}

	c.Set(clientIDKey, claims.Subject)
	c.Next()
}

// HandleGetHandover returns the record for a handover token.
func (h *Handler) HandleGetHandover(c *gin.Context) {
	value := c.Param("token")
	if !h.pattern.MatchString(value) {
		apierrors.BadRequest(c, "INVALID_TOKEN", "Handover token is malformed")
		return
	}

	ctx := observability.WithFields(c.Request.Context(),
		observability.Field{Key: "token", Value: value},
		observability.Field{Key: "client_id", Value: c.GetString(clientIDKey)},
	)
	token, err := h.tokens.Get(ctx, value)
	if err != nil {
		if errors.Is(err, handover.ErrNotFound) {
			apierrors.NotFound(c, "Handover token not found")
			return
		}
		apierrors.ServiceUnavailable(c, "TOKEN_STORE_UNAVAILABLE", "Handover lookup is unavailable", err)
		return
	}

	ctx = observability.WithFields(ctx, observability.Field{Key: "conversation_id", Value: token.ConversationID})
	h.logger.Info(ctx, "handover token looked up")
	c.JSON(http.StatusOK, token)
}
