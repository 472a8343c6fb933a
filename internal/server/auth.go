package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/carehub/internal/identity"
	obscontext "github.com/smallbiznis/carehub/internal/observability/context"
	"github.com/smallbiznis/carehub/internal/session"
)

const (
	contextPrincipalKey = "principal"
	contextSessionKey   = "session"
	actorTypePrincipal  = "principal"
)

// principalClaims is what the credential service signs.
type principalClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

type tokenVerifier struct {
	signingKey []byte
	issuer     string
}

func newTokenVerifier(secret, issuer string) *tokenVerifier {
	return &tokenVerifier{
		signingKey: []byte(strings.TrimSpace(secret)),
		issuer:     strings.TrimSpace(issuer),
	}
}

func (v *tokenVerifier) Principal(raw string) (identity.Principal, error) {
	if len(v.signingKey) == 0 {
		return identity.Principal{}, ErrServiceUnavailable
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(raw, &principalClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return identity.Principal{}, ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*principalClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return identity.Principal{}, ErrUnauthenticated
	}
	return identity.Principal{
		ID:          strings.TrimSpace(claims.Subject),
		Email:       strings.TrimSpace(claims.Email),
		DisplayName: strings.TrimSpace(claims.Name),
	}, nil
}

// PrincipalRequired resolves the bearer token to a principal.
func (s *Server) PrincipalRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			AbortWithError(c, ErrUnauthenticated)
			return
		}
		principal, err := s.verifier.Principal(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextPrincipalKey, principal)
		ctx := obscontext.WithActor(c.Request.Context(), actorTypePrincipal, principal.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// SessionRequired loads the principal's open session.
func (s *Server) SessionRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := principalFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthenticated)
			return
		}
		sess, ok := s.sessions.Get(principal.ID)
		if !ok {
			AbortWithError(c, session.ErrSessionClosed)
			return
		}
		c.Set(contextSessionKey, sess)
		c.Next()
	}
}

// ActiveRequired rejects sessions whose profile is still pending.
func (s *Server) ActiveRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sessionFromContext(c)
		if !ok {
			AbortWithError(c, session.ErrSessionClosed)
			return
		}
		switch sess.State() {
		case session.StateActive:
			c.Next()
		case session.StateAwaitingActivation:
			AbortWithError(c, session.ErrAwaitingActivation)
		default:
			AbortWithError(c, session.ErrSessionClosed)
		}
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func principalFromContext(c *gin.Context) (identity.Principal, bool) {
	v, ok := c.Get(contextPrincipalKey)
	if !ok {
		return identity.Principal{}, false
	}
	p, ok := v.(identity.Principal)
	return p, ok
}

func sessionFromContext(c *gin.Context) (*session.Session, bool) {
	v, ok := c.Get(contextSessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*session.Session)
	return sess, ok && sess != nil
}

// actorFromContext is the live profile behind the request.
func actorFromContext(c *gin.Context) (identity.Profile, error) {
	sess, ok := sessionFromContext(c)
	if !ok {
		return identity.Profile{}, session.ErrSessionClosed
	}
	profile := sess.Profile()
	if profile.PrincipalID == "" {
		return identity.Profile{}, session.ErrSessionClosed
	}
	return profile, nil
}
