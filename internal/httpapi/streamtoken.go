package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// streamClaims are carried on the short-lived token that incoming-call
// responses embed as a custom stream parameter. Twilio echoes the token back
// on the stream's start event, which lets the media endpoint reject
// connections that did not originate from our own TwiML.
type streamClaims struct {
	jwt.RegisteredClaims
}

func mintStreamToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := streamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   "media-stream",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func verifyStreamToken(secret, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &streamClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid stream token")
	}
	return nil
}
