package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const RoleAdmin = "admin"

type JwtCustomClaim struct {
	UserId string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

func getJwtSecret() []byte {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return []byte("HeartAvtal-Secret")
	}
	return []byte(secret)
}

func JwtGenerate(userId, name, email, role string, lifespan time.Duration) (string, error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		UserId: userId,
		Name:   name,
		Email:  email,
		Role:   role,
		StandardClaims: jwt.StandardClaims{
			Subject:   userId,
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(getJwtSecret())
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return getJwtSecret(), nil
	})
}
