package server

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/pkg/aierr"
)

// auth verifies the Authorization bearer token against the configured HMAC
// secret. With no secret configured the check is a no-op: the deployment in
// front of the gateway owns authentication then.
func (s *Server) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.jwtSecret == "" {
		return next
	}
	secret := []byte(s.jwtSecret)

	return func(ctx *fasthttp.RequestCtx) {
		raw := string(ctx.Request.Header.Peek("Authorization"))
		tokenStr, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || tokenStr == "" {
			aierr.WriteCode(ctx, aierr.CodeAuthRequired, "missing bearer token")
			return
		}

		_, err := jwt.Parse(tokenStr,
			func(t *jwt.Token) (any, error) { return secret, nil },
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				aierr.WriteCode(ctx, aierr.CodeAuthTokenExpired, "token expired")
				return
			}
			aierr.WriteCode(ctx, aierr.CodeAuthInvalidToken, "invalid token")
			return
		}

		next(ctx)
	}
}
