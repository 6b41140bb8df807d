package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// CallbackClaims authenticates the workflow engine's completion callback.
// The token is minted per run and embedded in the callback URL.
type CallbackClaims struct {
	RunId string `json:"run_id"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "Recon-Secret"
	}
	return secret
}

// CallbackTokenGenerate mints a token the engine presents when posting the
// run's result. Lifetime is generous: runs may take hours on the engine side.
func CallbackTokenGenerate(runId string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &CallbackClaims{
		RunId: runId,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(48 * time.Hour).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})
	return t.SignedString(jwtSecret)
}

// CallbackTokenValidate returns the run id the token was minted for.
func CallbackTokenValidate(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &CallbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*CallbackClaims)
	if !ok || !parsed.Valid || claims.RunId == "" {
		return "", errors.New("invalid callback token")
	}
	return claims.RunId, nil
}
