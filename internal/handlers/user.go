package handlers

import (
	"errors"
	"net/http"

	"clubchat/internal/database"
)

// GetUserInfo answers with the user in ?userID, or with the caller for
// "self" or no parameter. Emails are only shown to their owner.
func (h *Handlers) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(ctx)

	requestedUserID := r.URL.Query().Get("userID")
	if requestedUserID == "" || requestedUserID == "self" {
		requestedUserID = userID
	}

	user, err := h.db.UserByID(ctx, requestedUserID)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, "", http.StatusNotFound)
		return
	} else if err != nil {
		h.sugar.Error(err)
		http.Error(w, "", http.StatusInternalServerError)
		return
	}

	if user.ID != userID {
		user.Email = ""
	}
	h.writeJSON(w, http.StatusOK, user)
}
