package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the identity provider is external. the service only needs a verified
// (user id, username) pair per connection, so identity is pluggable as a
// verify function. the hmac verifier below is the default wiring and is
// what collabctl mints tokens for.

type Identity struct {
	UserId   string
	Username string
}

type VerifyIdentityFunc func(token string) (*Identity, error)

func NewHmacIdentityVerifier(secret []byte) VerifyIdentityFunc {
	return func(token string) (*Identity, error) {
		parsed, err := gojwt.Parse(
			token,
			func(token *gojwt.Token) (any, error) {
				if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return secret, nil
			},
		)
		if err != nil {
			return nil, err
		}
		return identityFromClaims(parsed.Claims)
	}
}

func MintIdentityToken(secret []byte, identity *Identity, duration time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.MapClaims{
		"user_id":  identity.UserId,
		"username": identity.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(duration).Unix(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// the client uses this to learn its own identity from the token it was
// handed. the server never trusts an unverified parse.
func ParseIdentityUnverified(token string) (*Identity, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return identityFromClaims(parsed.Claims)
}

func identityFromClaims(claims gojwt.Claims) (*Identity, error) {
	mapClaims, ok := claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", claims)
	}

	identity := &Identity{}
	if userId, ok := mapClaims["user_id"].(string); ok {
		identity.UserId = userId
	}
	if username, ok := mapClaims["username"].(string); ok {
		identity.Username = username
	}
	if identity.UserId == "" {
		return nil, fmt.Errorf("token missing user_id")
	}
	if identity.Username == "" {
		identity.Username = identity.UserId
	}
	return identity, nil
}
