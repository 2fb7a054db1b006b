package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"clubchat/internal/database"
	"clubchat/internal/models"
	"clubchat/internal/validator"

	"golang.org/x/crypto/bcrypt"
)

// session is what login and registration answer with, the token doubles as
// a bearer token for clients that can't keep the cookie.
type session struct {
	UserID string `json:"userID"`
	Token  string `json:"token"`
}

func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request, status int, userID string) {
	cookie, token, err := h.jwt.CreateToken(r.URL.Query().Get("rememberMe") == "true", userID)
	if err != nil {
		h.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &cookie)
	h.writeJSON(w, status, session{UserID: userID, Token: token})
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	type Login struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	var login Login
	err := json.NewDecoder(r.Body).Decode(&login)
	if err != nil {
		h.sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	user, err := h.db.UserByEmail(r.Context(), login.Email)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.sugar.Debug(err)
			http.Error(w, "", http.StatusUnauthorized)
		} else {
			h.sugar.Error(err)
			http.Error(w, "", http.StatusInternalServerError)
		}
		return
	}

	err = bcrypt.CompareHashAndPassword(user.Password, []byte(login.Password))
	if err != nil {
		h.sugar.Debug(err)
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	h.startSession(w, r, http.StatusOK, user.ID)
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	type Registration struct {
		Email           string `json:"email" validate:"required,email,max=64"`
		Username        string `json:"username" validate:"required,alphanum,min=3,max=32"`
		Password        string `json:"password" validate:"password,eqfield=ConfirmPassword"`
		ConfirmPassword string `json:"confirmPassword"`
	}

	var registration Registration
	err := json.NewDecoder(r.Body).Decode(&registration)
	if err != nil {
		h.sugar.Debug(err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	err = h.validate.Struct(registration)
	if err != nil {
		registerErrors, err := validator.FieldErrors(err)
		if err != nil {
			h.sugar.Error(err)
			http.Error(w, "", http.StatusInternalServerError)
			return
		}

		// sends back 400 with the form field errors
		h.writeJSON(w, http.StatusBadRequest, registerErrors)
		return
	}

	taken, err := h.db.EmailOrUsernameTaken(r.Context(), registration.Email, registration.Username)
	if err != nil {
		h.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	switch taken {
	case "email":
		h.writeJSON(w, http.StatusConflict, map[string]string{"Email": "taken"})
		return
	case "username":
		h.writeJSON(w, http.StatusConflict, map[string]string{"Username": "taken"})
		return
	}

	userID, err := h.ids.GenerateString()
	if err != nil {
		h.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	passwordBytes, err := bcrypt.GenerateFromPassword([]byte(registration.Password), 12)
	if err != nil {
		h.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	user := models.User{
		ID:       userID,
		Email:    registration.Email,
		Username: registration.Username,
		Password: passwordBytes,
	}

	err = h.db.CreateUser(r.Context(), user)
	if err != nil {
		h.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	h.sugar.Debugf("Registered user ID [%s]", userID)
	h.startSession(w, r, http.StatusCreated, userID)
}
