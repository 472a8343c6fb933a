package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/registry"
)

// RequireVisible gates category routes on the visibility rule. Write rules
// are enforced again by the services.
func (s *Server) RequireVisible() gin.HandlerFunc {
	return func(c *gin.Context) {
		category := strings.TrimSpace(c.Param("category"))
		if !registry.IsCategory(category) {
			AbortWithError(c, ErrNotFound)
			return
		}
		actor, err := actorFromContext(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !s.policy.CanSee(actor, category) {
			AbortWithError(c, authorization.ErrUnauthorized)
			return
		}
		c.Next()
	}
}
