package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"gatekeep.org/internal/audit"
	"gatekeep.org/internal/auth"
)

type roleRequest struct {
	Name   string `json:"name"`
	Access string `json:"access"`
}

type roleUpdateRequest struct {
	Name   *string `json:"name"`
	Access *string `json:"access"`
}

type userRoleRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, roles)
	case http.MethodPost:
		var req roleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Access)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		a.audit(r, "rbac.role.create", "role", role.ID, map[string]string{
			"name":   role.Name,
			"access": role.Access,
		})
		w.Header().Set("Location", fmt.Sprintf("/api/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request) {
	roleID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/roles/"), "/")
	if roleID == "" || strings.Contains(roleID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPut:
		var req roleUpdateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, auth.RoleUpdate{Name: req.Name, Access: req.Access})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		a.audit(r, "rbac.role.update", "role", role.ID, map[string]string{
			"name":   role.Name,
			"access": role.Access,
		})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		a.audit(r, "rbac.role.delete", "role", roleID, nil)
		writeMessage(w, http.StatusOK, "Role deleted")
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	var req userRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var (
		roles []*auth.Role
		err   error
		event string
	)
	if r.Method == http.MethodPost {
		roles, err = a.rbac.AddRoleToUser(r.Context(), req.UserID, req.RoleID)
		event = "rbac.user.assign_role"
	} else {
		roles, err = a.rbac.RemoveRoleFromUser(r.Context(), req.UserID, req.RoleID)
		event = "rbac.user.unassign_role"
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.audit(r, event, "user", req.UserID, map[string]string{
		"role_id": req.RoleID,
	})
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) audit(r *http.Request, event, resource, id string, meta map[string]string) {
	fields := map[string]any{
		"resource":    resource,
		"resource_id": id,
	}
	for k, v := range meta {
		fields[k] = v
	}
	if err := audit.LogEvent(r.Context(), event, fields); err != nil {
		logFor(r).WithError(err).Warn("audit log failed")
	}
}
