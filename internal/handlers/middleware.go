package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"clubchat/internal/jwt"
)

type UserIDKeyType struct{}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKeyType{}).(string)
	return userID
}

func AllowCors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tokenFrom reads the JWT cookie, falling back to a bearer token for
// clients without a cookie jar.
func tokenFrom(r *http.Request) (string, error) {
	jwtCookie, err := r.Cookie(jwt.CookieName)
	if err == nil {
		return jwtCookie.Value, nil
	}
	if !errors.Is(err, http.ErrNoCookie) {
		return "", err
	}

	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		return "", http.ErrNoCookie
	}
	return token, nil
}

func (h *Handlers) UserVerifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFrom(r)
		if err != nil {
			h.sugar.Debug(err)
			switch {
			case errors.Is(err, http.ErrNoCookie):
				http.Error(w, "No jwt cookie was provided", http.StatusUnauthorized)
			default:
				http.Error(w, "Couldn't read jwt cookie", http.StatusInternalServerError)
			}
			return
		}

		userToken, err := h.jwt.VerifyToken(tokenString)
		if err != nil {
			h.sugar.Debug(err)
			http.Error(w, "Couldn't verify JWT", http.StatusUnauthorized)
			return
		}

		// check if user exists
		key := "user_exists:" + userToken.UserID

		userFound := false

		value, err := h.kv.Get(r.Context(), key)
		if err != nil {
			h.sugar.Error(err)
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		if value == "" { // user isn't cached
			userFound, err = h.db.UserExists(r.Context(), userToken.UserID)
			if err != nil {
				h.sugar.Error(err)
				http.Error(w, "", http.StatusInternalServerError)
				return
			}
			if userFound {
				err = h.kv.Set(r.Context(), key, "y", 15*time.Minute)
				if err != nil {
					h.sugar.Error(err)
					http.Error(w, "", http.StatusInternalServerError)
					return
				}
				h.sugar.Debugf("User ID [%s] was found in database and was cached", userToken.UserID)
			} else {
				h.sugar.Warnf("User ID [%s] was not found in database", userToken.UserID)
			}
		} else {
			h.sugar.Debugf("User ID [%s] was found in cache", userToken.UserID)
			userFound = true
		}

		// delete JWT token from client, this should run when a user deleted their account,
		// but kept the JWT token for any reason
		if !userFound {
			deleteJwtCookie := &http.Cookie{
				Name:     jwt.CookieName,
				Value:    "",
				Path:     "/",
				Expires:  time.Unix(0, 0),
				HttpOnly: true,
			}

			http.SetCookie(w, deleteJwtCookie)
			http.Error(w, "", http.StatusUnauthorized)
			return
		}

		// renew JWT and cookie
		if userToken.IssuedAt == nil || time.Now().UTC().Sub(userToken.IssuedAt.Time) >= 15*time.Minute {
			updatedCookie, _, err := h.jwt.CreateToken(userToken.Remember, userToken.UserID)
			if err != nil {
				h.sugar.Error(err)
				http.Error(w, "Couldn't renew cookie", http.StatusInternalServerError)
				return
			}

			http.SetCookie(w, &updatedCookie)
		}

		// this passes the authenticated user's ID to next handler
		ctx := context.WithValue(r.Context(), UserIDKeyType{}, userToken.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
