package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/docstore"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
)

type recordsResponse struct {
	Category  string              `json:"category"`
	Live      bool                `json:"live"`
	Documents []docstore.Document `json:"documents"`
}

type broadcastRequest struct {
	Message string `json:"message"`
}

// ListRecords serves the session's live table when it has one and falls
// back to a point read otherwise.
func (s *Server) ListRecords(c *gin.Context) {
	category := strings.TrimSpace(c.Param("category"))
	sess, ok := sessionFromContext(c)
	if ok && sess.Live(category) {
		if docs, loaded := sess.Table(category); loaded {
			c.JSON(http.StatusOK, recordsResponse{Category: category, Live: true, Documents: docs})
			return
		}
	}

	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	docs, err := s.records.List(c.Request.Context(), actor, category)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordsResponse{Category: category, Documents: docs})
}

func (s *Server) CreateRecord(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	fields, err := bindFields(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	id, err := s.records.Create(c.Request.Context(), actor, recorddomain.CreateRequest{
		Category: c.Param("category"),
		Fields:   fields,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) UpdateRecord(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	fields, err := bindFields(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.records.Update(c.Request.Context(), actor, recorddomain.UpdateRequest{
		Category: c.Param("category"),
		ID:       c.Param("id"),
		Fields:   fields,
	}); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ArchiveRecord(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.records.Archive(c.Request.Context(), actor, recorddomain.ArchiveRequest{
		Category: c.Param("category"),
		ID:       c.Param("id"),
	}); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) DischargeClient(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.records.DischargeClient(c.Request.Context(), actor, c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) SendBroadcast(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	id, err := s.records.SendBroadcast(c.Request.Context(), actor, req.Message)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// bindFields reads a flat JSON object of field values.
func bindFields(c *gin.Context) (docstore.Fields, error) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil || fields == nil {
		return nil, invalidRequestError()
	}
	return docstore.Fields(fields), nil
}
