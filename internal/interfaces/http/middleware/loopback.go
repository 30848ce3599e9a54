package middleware

import (
	"net"

	"github.com/gin-gonic/gin"

	apperrors "github.com/joi-assistant/joi/pkg/errors"
)

// LoopbackOnly restricts a route group to loopback and private (VPN)
// addresses. Requests from elsewhere get a generic 404 so the admin
// surface does not advertise itself.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !(ip.IsLoopback() || ip.IsPrivate()) {
			abortWithError(c, apperrors.NewNotFoundError("not found"))
			return
		}
		c.Next()
	}
}
