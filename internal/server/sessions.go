package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/registry"
	"github.com/smallbiznis/carehub/internal/session"
)

type sessionView struct {
	State   session.State         `json:"state"`
	Profile identity.Profile      `json:"profile"`
	Focus   string                `json:"focus"`
	Watched []string              `json:"watched"`
	Modules []registry.Descriptor `json:"modules"`
}

type setFocusRequest struct {
	Module string `json:"module"`
}

func (s *Server) OpenSession(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthenticated)
		return
	}

	sess, err := s.sessions.Open(c.Request.Context(), principal)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sessionView(sess))
}

func (s *Server) GetSession(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		AbortWithError(c, session.ErrSessionClosed)
		return
	}
	c.JSON(http.StatusOK, s.sessionView(sess))
}

// CloseSession is logout. It succeeds whether or not a session was open.
func (s *Server) CloseSession(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthenticated)
		return
	}
	s.sessions.Close(principal.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) SetFocus(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		AbortWithError(c, session.ErrSessionClosed)
		return
	}

	var req setFocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	module, found := registry.Find(req.Module)
	if !found {
		AbortWithError(c, newValidationError("module", "unknown_module", "unknown module"))
		return
	}
	if module.IsCollection() && !s.policy.CanSee(sess.Profile(), module.ID) {
		AbortWithError(c, authorization.ErrUnauthorized)
		return
	}

	// A failed feed is reported through the session; the focus still moves.
	if err := sess.SetFocus(module.ID); err != nil && session.IsStateError(err) {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.sessionView(sess))
}

func (s *Server) ListModules(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		AbortWithError(c, session.ErrSessionClosed)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": s.modulesFor(sess)})
}

func (s *Server) sessionView(sess *session.Session) sessionView {
	return sessionView{
		State:   sess.State(),
		Profile: sess.Profile(),
		Focus:   sess.Focus(),
		Watched: sess.Watched(),
		Modules: s.modulesFor(sess),
	}
}

func (s *Server) modulesFor(sess *session.Session) []registry.Descriptor {
	if sess.State() != session.StateActive {
		return []registry.Descriptor{}
	}
	return s.policy.VisibleModules(sess.Profile())
}
