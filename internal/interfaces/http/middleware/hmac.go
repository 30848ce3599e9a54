package middleware

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
)

// SecretsFunc returns the currently valid signing keys (current first,
// then any unexpired pre-rotation key).
type SecretsFunc func() [][]byte

// HMACAuth verifies the three signature headers on every request routed
// through it. Skip paths (health, public status) are exempt. The raw body
// is restored for downstream handlers.
func HMACAuth(secrets SecretsFunc, nonces hmacauth.NonceStore, toleranceMS int64, source string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		keys := secrets()
		if len(keys) == 0 || len(keys[0]) == 0 {
			abortWithError(c, apperrors.New(apperrors.CodeHMACNotConfigured, "shared secret not configured"))
			return
		}

		nonce := c.GetHeader(hmacauth.HeaderNonce)
		tsHeader := c.GetHeader(hmacauth.HeaderTimestamp)
		signature := c.GetHeader(hmacauth.HeaderSignature)
		if nonce == "" || tsHeader == "" || signature == "" {
			abortWithError(c, apperrors.NewAuthError(apperrors.CodeHMACMissingHeaders, "missing signature headers"))
			return
		}

		timestamp, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			abortWithError(c, apperrors.NewAuthError(apperrors.CodeHMACInvalidTimestamp, "timestamp not an integer"))
			return
		}
		if err := hmacauth.VerifyTimestamp(timestamp, toleranceMS, time.Now()); err != nil {
			logger.Warn("request timestamp out of tolerance",
				zap.Int64("timestamp", timestamp))
			abortWithError(c, err)
			return
		}

		if err := nonces.CheckAndStore(nonce, source); err != nil {
			logger.Warn("replayed nonce rejected", zap.String("nonce", nonce))
			abortWithError(c, err)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithError(c, apperrors.NewInternalErrorWithCause("failed to read request body", err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !hmacauth.VerifySignature(nonce, timestamp, body, signature, keys) {
			logger.Warn("invalid request signature",
				zap.String("path", c.Request.URL.Path))
			abortWithError(c, apperrors.NewAuthError(apperrors.CodeHMACInvalidSignature, "signature mismatch"))
			return
		}

		c.Next()
	}
}

// abortWithError writes the standard error envelope and stops the chain.
func abortWithError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.NewInternalErrorWithCause("unexpected error", err)
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(appErr.Code), gin.H{
		"status": "error",
		"error": gin.H{
			"code":    string(appErr.Code),
			"message": appErr.Message,
		},
	})
}

// AbortWithError is the exported form for handlers.
func AbortWithError(c *gin.Context, err error) {
	abortWithError(c, err)
}
