package handlers

import (
	"fmt"
	"net/http"

	"relay-access/internal/apperr"
	"relay-access/internal/middleware"
	"relay-access/internal/role"
	"relay-access/internal/websocket"
)

type CreateTemplateRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Kind        role.Kind          `json:"kind"`
	Permissions role.PermissionSet `json:"permissions"`
}

type MemberRoleRequest struct {
	UserID        string `json:"user_id"`
	ChannelRoleID uint   `json:"channel_role_id"`
}

// RoleTemplates lists templates on GET and creates a custom one on POST.
func (h *Handler) RoleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		templates, err := h.Registry.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})

	case http.MethodPost:
		var req CreateTemplateRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		tpl, err := h.Registry.CreateCustom(r.Context(), role.RoleTemplate{
			Name:        req.Name,
			Description: req.Description,
			Kind:        req.Kind,
			Permissions: req.Permissions,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tpl)

	default:
		requireMethod(w, r, http.MethodGet)
	}
}

func (h *Handler) ListChannelRoles(w http.ResponseWriter, r *http.Request) {
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	roles, err := h.Channels.ListChannelRoles(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": roles})
}

func (h *Handler) BindRole(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		RoleID uint `json:"role_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	binding, err := h.Channels.BindRole(r.Context(), channelID, req.RoleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (h *Handler) UnbindRole(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		RoleID uint `json:"role_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.Channels.UnbindRole(r.Context(), callerID(r), channelID, req.RoleID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Role unbound"})
}

func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req MemberRoleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if err := h.Channels.RequireGrantable(ctx, callerID(r), channelID, req.ChannelRoleID); err != nil {
		writeError(w, err)
		return
	}
	member, err := h.Channels.GetMembership(ctx, req.UserID, channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	assignment, err := h.Channels.AssignRole(ctx, member.ID, req.ChannelRoleID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.Hub.Publish(channelID, websocket.EventRoleAssigned, map[string]interface{}{
		"user_id": req.UserID, "channel_role_id": req.ChannelRoleID, "assigned_by": callerID(r),
	})
	writeJSON(w, http.StatusOK, assignment)
}

// RevokeRole removes a role; like assigning, it is limited to roles the
// caller could grant.
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req MemberRoleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if err := h.Channels.RequireGrantable(ctx, callerID(r), channelID, req.ChannelRoleID); err != nil {
		writeError(w, err)
		return
	}
	member, err := h.Channels.GetMembership(ctx, req.UserID, channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Channels.RevokeRole(ctx, member.ID, req.ChannelRoleID); err != nil {
		writeError(w, err)
		return
	}

	h.Hub.Publish(channelID, websocket.EventRoleRevoked, map[string]interface{}{
		"user_id": req.UserID, "channel_role_id": req.ChannelRoleID, "revoked_by": callerID(r),
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Role revoked"})
}

// subjectFor returns whose permissions a query is about. Asking about
// someone else needs manage_roles in the channel.
func (h *Handler) subjectFor(r *http.Request, channelID uint) (string, error) {
	caller := callerID(r)
	subject := r.URL.Query().Get("user_id")
	if subject == "" || subject == caller {
		return caller, nil
	}
	if err := h.Channels.Resolver().Require(r.Context(), caller, channelID, role.PermissionManageRoles); err != nil {
		return "", err
	}
	return subject, nil
}

func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	subject, err := h.subjectFor(r, channelID)
	if err != nil {
		writeError(w, err)
		return
	}

	perms, err := h.Channels.Resolver().ListPermissions(r.Context(), subject, channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     subject,
		"channel_id":  channelID,
		"permissions": perms,
	})
}

func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw := r.URL.Query().Get("permission")
	if raw == "" {
		writeError(w, fmt.Errorf("permission is required: %w", apperr.ErrInvalid))
		return
	}
	subject, err := h.subjectFor(r, channelID)
	if err != nil {
		writeError(w, err)
		return
	}

	allowed, err := h.Channels.Resolver().HasPermission(r.Context(), subject, channelID, role.Permission(raw))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    subject,
		"channel_id": channelID,
		"permission": raw,
		"allowed":    allowed,
	})
}
