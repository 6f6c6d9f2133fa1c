package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/heartavtal_backend/utils"
)

const CorrelationIdHeader = "X-Correlation-Id"

// RequestMetaMiddleware records the correlation id, client ip and user agent
// on the request context. Signatures and audit entries read them from there.
func RequestMetaMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(CorrelationIdHeader)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)
		ctx = utils.SetIpAddressInContext(ctx, c.ClientIP())
		ctx = utils.SetUserAgentInContext(ctx, c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(CorrelationIdHeader, correlationId)
		c.Next()
	}
}
