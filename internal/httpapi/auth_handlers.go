package httpapi

import (
	"fmt"
	"net/http"

	"gatekeep.org/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type historyEntry struct {
	Event     string `json:"event"`
	CreatedAt string `json:"created_at"`
}

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.SignupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Signup(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"msg": "User created",
		"id":  user.ID,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.svc.Login(r.Context(), req.Login, req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := a.bearerToken(w, r)
	if !ok {
		return
	}
	access, err := a.svc.Refresh(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := a.bearerToken(w, r)
	if !ok {
		return
	}
	if err := a.svc.Logout(r.Context(), token); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Logged out")
}

func (a *API) handleChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := a.bearerToken(w, r)
	if !ok {
		return
	}
	var req auth.ChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Change(r.Context(), token, req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Credentials changed")
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	token, ok := a.bearerToken(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var (
		query auth.HistoryQuery
		err   error
	)
	if query.PageSize, err = parseOptionalInt(q.Get("page_size")); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("page_size %v", err))
		return
	}
	if query.PageNumber, err = parseOptionalInt(q.Get("page_number")); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("page_number %v", err))
		return
	}
	if query.Descending, err = parseOptionalBool(q.Get("descending")); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("descending %v", err))
		return
	}
	events, err := a.svc.History(r.Context(), token, query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]historyEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, historyEntry{
			Event:     ev.Event,
			CreatedAt: ev.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := a.bearerToken(w, r)
	if !ok {
		return
	}
	var required []string
	if err := decodeJSON(w, r, &required); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.svc.CheckAccess(r.Context(), token, required); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
