package middlewares

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/heartavtal_backend/utils"
	"github.com/redis/go-redis/v9"
)

func revokedTokenKey(token string) string {
	return "RevokedToken:" + token
}

// SessionMiddleware rejects bearer tokens that were revoked by a logout.
// It must run after AuthMiddleware. A nil client (Redis not connected yet)
// lets every token through.
func SessionMiddleware(client func() *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := utils.GetTokenFromContext(c.Request.Context())
		rdb := client()
		if token == "" || rdb == nil {
			c.Next()
			return
		}
		n, err := rdb.Exists(c.Request.Context(), revokedTokenKey(token)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			c.Next()
			return
		}
		if n > 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session ended"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RevokeToken marks token as logged out until it would have expired anyway.
func RevokeToken(ctx context.Context, rdb *redis.Client, token string, expiresAt time.Time) error {
	if rdb == nil {
		return errors.New("redis not connected")
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return rdb.Set(ctx, revokedTokenKey(token), 1, ttl).Err()
}
