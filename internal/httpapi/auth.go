package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authUserKey = "auth_user_id"

// ErrInvalidAuthConfig marks a bearer validator built without a signing key.
var ErrInvalidAuthConfig = errors.New("invalid auth configuration")

// BearerValidator checks HS256 bearer tokens whose subject is the user id.
type BearerValidator struct {
	signingKey []byte
	issuer     string
}

// NewBearerValidator builds a validator for the shared signing key. An empty
// issuer disables the issuer check.
func NewBearerValidator(signingKey []byte, issuer string) (*BearerValidator, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("%w: empty signing key", ErrInvalidAuthConfig)
	}
	return &BearerValidator{signingKey: signingKey, issuer: issuer}, nil
}

// UserID extracts the authenticated subject from a bearer token.
func (validator *BearerValidator) UserID(authorization string) (string, error) {
	rawToken, found := strings.CutPrefix(authorization, "Bearer ")
	if !found {
		return "", errors.New("missing bearer token")
	}
	parserOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if validator.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(validator.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return validator.signingKey, nil
	}, parserOptions...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// GinMiddleware rejects unauthenticated requests and stores the user id on
// the request context.
func (validator *BearerValidator) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := validator.UserID(ctx.GetHeader("Authorization"))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid bearer token"))
			return
		}
		ctx.Set(authUserKey, userID)
		ctx.Next()
	}
}

func authenticatedUser(ctx *gin.Context) string {
	value, found := ctx.Get(authUserKey)
	if !found {
		return ""
	}
	userID, _ := value.(string)
	return userID
}
