package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	visitdomain "github.com/smallbiznis/carehub/internal/visit/domain"
)

type completionResponse struct {
	visitdomain.Completion
	Gap string `json:"gap,omitempty"`
}

// CompleteVisit bills the visit. When the client write fails the visit
// stays completed with a pending deduction and the sweep retries it.
func (s *Server) CompleteVisit(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sess, _ := sessionFromContext(c)

	completion, err := s.visits.CompleteVisit(c.Request.Context(), actor, sess.Tables(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := completionResponse{Completion: completion}
	if completion.Gap != nil {
		resp.Gap = completion.Gap.Error()
	}
	c.JSON(http.StatusOK, resp)
}
