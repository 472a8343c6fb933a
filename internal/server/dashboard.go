package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/dashboard"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/smallbiznis/carehub/internal/session"
)

// GetDashboard summarizes the session's core tables.
func (s *Server) GetDashboard(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		AbortWithError(c, session.ErrSessionClosed)
		return
	}
	c.JSON(http.StatusOK, dashboard.Compute(sess.Tables()))
}

func (s *Server) GetScheduleMatrix(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		AbortWithError(c, session.ErrSessionClosed)
		return
	}
	docs, _ := sess.Table(registry.Scheduling)
	c.JSON(http.StatusOK, gin.H{"days": dashboard.WeeklyMatrix(docs)})
}
