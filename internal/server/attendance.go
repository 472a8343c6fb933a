package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/attendance"
)

type callOffResponse struct {
	attendance.CallOffResult
	StaffUpdateError string `json:"staff_update_error,omitempty"`
}

func (s *Server) CallOff(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req attendance.CallOffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.attendance.CallOff(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := callOffResponse{CallOffResult: result}
	if result.StaffUpdateErr != nil {
		resp.StaffUpdateError = classifyStaffUpdate(result.StaffUpdateErr)
	}
	c.JSON(http.StatusCreated, resp)
}

func classifyStaffUpdate(err error) string {
	_, payload := mapError(err)
	return payload.Type
}
