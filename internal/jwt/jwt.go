package jwt

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const CookieName = "JWT"

type UserToken struct {
	UserID   string `json:"userID"`
	Remember bool   `json:"rem"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret  []byte
	isHttps bool
}

func NewIssuer(secret string, isHttps bool) *Issuer {
	return &Issuer{secret: []byte(secret), isHttps: isHttps}
}

func tokenLifeTime(rememberMe bool) time.Duration {
	if rememberMe {
		return time.Hour * 24 * 7 * 4 // 4 weeks
	}
	return time.Hour * 24 // 1 day
}

// CreateToken signs a token for userID and wraps it in the session cookie.
// Clients that can't keep cookies send the same token as a bearer token.
func (iss *Issuer) CreateToken(rememberMe bool, userID string) (http.Cookie, string, error) {
	currentTime := time.Now().UTC()
	expirationDate := currentTime.Add(tokenLifeTime(rememberMe))

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, UserToken{
		UserID:   userID,
		Remember: rememberMe,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(expirationDate),
		},
	})

	tokenString, err := token.SignedString(iss.secret)
	if err != nil {
		return http.Cookie{}, "", err
	}

	cookie := http.Cookie{
		Name:     CookieName,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		Secure:   iss.isHttps,
		SameSite: http.SameSiteLaxMode,
	}

	if rememberMe {
		cookie.Expires = expirationDate
	}

	return cookie, tokenString, nil
}

// VerifyToken checks the signature and the expiry of tokenString.
func (iss *Issuer) VerifyToken(tokenString string) (UserToken, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserToken{}, func(token *jwt.Token) (interface{}, error) {
		return iss.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return UserToken{}, err
	} else if claims, ok := token.Claims.(*UserToken); ok && claims.UserID != "" {
		return *claims, nil
	} else {
		return UserToken{}, errors.New("invalid token")
	}
}
