package api

import (
	"errors"
	"fmt"
	"killstory/httperror"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PermBasicAccess = "killstory.basic_access"
	PermPopulate    = "killstory.populate"
)

type Claims struct {
	jwt.RegisteredClaims
	Perms []string `json:"perms"`
}

func (c *Claims) Has(perm string) bool {
	return slices.Contains(c.Perms, perm)
}

// NewToken signs an HS256 token granting perms to subject.
func NewToken(secret []byte, subject string, perms []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty JWT secret")
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Perms: perms,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ParseToken(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// require wraps next so it only runs for a bearer token holding perm.
func (s *Server) require(perm string, next HTTPHandlerWithErr) HTTPHandlerWithErr {
	return s.authorize(perm, false, next)
}

// requireWithQuery also accepts the token in the token query parameter.
func (s *Server) requireWithQuery(perm string, next HTTPHandlerWithErr) HTTPHandlerWithErr {
	return s.authorize(perm, true, next)
}

func (s *Server) authorize(perm string, fromQuery bool, next HTTPHandlerWithErr) HTTPHandlerWithErr {
	return func(w http.ResponseWriter, r *http.Request) *httperror.HTTPError {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if (!ok || token == "") && fromQuery {
			token = r.URL.Query().Get("token")
		}

		if token == "" {
			return httperror.Unauthorized("missing bearer token", errors.New("no Authorization header"))
		}

		claims, err := ParseToken(s.secret, token)
		if err != nil {
			return httperror.Unauthorized("invalid token", err)
		}

		if !claims.Has(perm) {
			return httperror.Forbidden(fmt.Sprintf("missing permission %s", perm))
		}

		return next(w, r)
	}
}
