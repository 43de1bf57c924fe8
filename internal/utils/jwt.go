package utils // package utils provides helpers for service tokens and secret hashing

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RolePublisher is the only role the gateway issues.  It allows publishing
// events under the token's subject.
const RolePublisher = "publisher"

// AccessToken is a signed JWT together with its expiry.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewServiceToken signs an HS256 JWT for a calling service.  The subject is
// the service slug, which becomes the origin segment of every routing key
// the service publishes under.
func NewServiceToken(secret, service, role string, ttlMin int) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("jwt secret not configured")
	}
	now := time.Now().UTC()
	exp := now.Add(time.Duration(ttlMin) * time.Minute)
	claims := jwt.MapClaims{
		"sub":  service,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
