package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/authhub/backend/internal/model"
	"github.com/authhub/backend/internal/service"
)

const authUserKey = "auth_user"

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// AuthMiddleware verifies the bearer access token and stashes the
// resolved identity in the request context.
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		tokenStr := bearerToken(c)
		if tokenStr == "" {
			c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "unauthorized"})
			c.Abort()
			return
		}

		user, err := authService.AuthUserOf(tokenStr)
		if err != nil {
			c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "unauthorized"})
			c.Abort()
			return
		}

		c.Set(authUserKey, user)
		c.Next()
	}
}

func GetAuthUser(c *gin.Context) *model.AuthUser {
	if value, ok := c.Get(authUserKey); ok {
		if user, ok := value.(*model.AuthUser); ok {
			return user
		}
	}
	return nil
}
